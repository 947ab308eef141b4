/*
 * This file is part of Kasa (https://github.com/kasalabs/kasa).
 * Copyright (C) 2026 Kasa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package asr

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// newWSServer starts a WebSocket test server that runs handler for every
// accepted connection.
func newWSServer(t *testing.T, handler func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// waitFor polls cond until it holds or the deadline expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestStreamingSession_ConnectSendReceive(t *testing.T) {
	type receivedChunk struct {
		audio    []byte
		language string
		chunkID  int
	}
	chunks := make(chan receivedChunk, 10)

	srv := newWSServer(t, func(conn *websocket.Conn) {
		ctx := context.Background()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var msg chunkMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			audio, _ := base64.StdEncoding.DecodeString(msg.Audio)
			chunks <- receivedChunk{audio: audio, language: msg.Language, chunkID: msg.ChunkID}

			reply, _ := json.Marshal(StreamResult{
				Text:     "partial text",
				ChunkID:  msg.ChunkID,
				IsFinal:  msg.ChunkID%2 == 1,
				Language: msg.Language,
			})
			if err := conn.Write(ctx, websocket.MessageText, reply); err != nil {
				return
			}
		}
	})

	results := make(chan StreamResult, 10)
	sess := NewStreamingSession(StreamConfig{URL: wsURL(srv)})
	err := sess.Connect(context.Background(), LanguageTwi,
		func(r StreamResult) { results <- r },
		func(e StreamError) { t.Errorf("unexpected stream error: %+v", e) },
	)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer sess.Disconnect()

	if !sess.IsConnected() {
		t.Fatal("IsConnected() = false after successful Connect")
	}
	if sess.State() != StateOpen {
		t.Fatalf("State() = %v, want %v", sess.State(), StateOpen)
	}

	payloads := [][]byte{[]byte("chunk-a"), []byte("chunk-b"), []byte("chunk-c")}
	for i, p := range payloads {
		id, err := sess.SendChunk(context.Background(), p)
		if err != nil {
			t.Fatalf("SendChunk(%d) error = %v", i, err)
		}
		if id != i {
			t.Errorf("SendChunk(%d) assigned id %d, want %d", i, id, i)
		}
	}

	for i, p := range payloads {
		select {
		case got := <-chunks:
			if got.chunkID != i {
				t.Errorf("server received chunk_id %d, want %d", got.chunkID, i)
			}
			if string(got.audio) != string(p) {
				t.Errorf("server received audio %q, want %q", got.audio, p)
			}
			if got.language != "twi" {
				t.Errorf("server received language %q, want %q", got.language, "twi")
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("server did not receive chunk %d", i)
		}
	}

	for i := 0; i < len(payloads); i++ {
		select {
		case r := <-results:
			if r.Text != "partial text" {
				t.Errorf("result text = %q", r.Text)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("did not receive result %d", i)
		}
	}
}

func TestStreamingSession_SendChunkRequiresOpen(t *testing.T) {
	sess := NewStreamingSession(StreamConfig{URL: "ws://localhost:1/stream"})

	if _, err := sess.SendChunk(context.Background(), []byte("audio")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendChunk on idle session: error = %v, want ErrNotConnected", err)
	}

	sess.Disconnect()
	if _, err := sess.SendChunk(context.Background(), []byte("audio")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendChunk on closed session: error = %v, want ErrNotConnected", err)
	}
}

func TestStreamingSession_CounterResetsOnFreshConnect(t *testing.T) {
	srv := newWSServer(t, func(conn *websocket.Conn) {
		ctx := context.Background()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	})

	sess := NewStreamingSession(StreamConfig{URL: wsURL(srv)})
	noop := func(StreamResult) {}
	noopErr := func(StreamError) {}

	if err := sess.Connect(context.Background(), LanguageEnglish, noop, noopErr); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	for want := 0; want < 3; want++ {
		id, err := sess.SendChunk(context.Background(), []byte("audio"))
		if err != nil {
			t.Fatalf("SendChunk() error = %v", err)
		}
		if id != want {
			t.Errorf("chunk id = %d, want %d", id, want)
		}
	}

	sess.Disconnect()

	if err := sess.Connect(context.Background(), LanguageEnglish, noop, noopErr); err != nil {
		t.Fatalf("reconnect error = %v", err)
	}
	defer sess.Disconnect()

	id, err := sess.SendChunk(context.Background(), []byte("audio"))
	if err != nil {
		t.Fatalf("SendChunk() after fresh connect error = %v", err)
	}
	if id != 0 {
		t.Errorf("chunk id after fresh connect = %d, want 0", id)
	}
}

func TestStreamingSession_ConnectWhileConnected(t *testing.T) {
	srv := newWSServer(t, func(conn *websocket.Conn) {
		ctx := context.Background()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	})

	sess := NewStreamingSession(StreamConfig{URL: wsURL(srv)})
	if err := sess.Connect(context.Background(), LanguageEnglish, func(StreamResult) {}, func(StreamError) {}); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer sess.Disconnect()

	err := sess.Connect(context.Background(), LanguageEnglish, func(StreamResult) {}, func(StreamError) {})
	if !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("second Connect() error = %v, want ErrAlreadyConnected", err)
	}
}

func TestStreamingSession_InitialConnectFailureDoesNotRetry(t *testing.T) {
	errs := make(chan StreamError, 1)
	sess := NewStreamingSession(StreamConfig{
		URL:            "ws://127.0.0.1:1/stream", // nothing listens here
		ConnectTimeout: 500 * time.Millisecond,
	})

	err := sess.Connect(context.Background(), LanguageEnglish,
		func(StreamResult) {}, func(e StreamError) { errs <- e })
	if err == nil {
		t.Fatal("Connect() to dead endpoint must fail")
	}

	if sess.State() != StateIdle {
		t.Errorf("State() after failed connect = %v, want %v", sess.State(), StateIdle)
	}

	select {
	case e := <-errs:
		t.Errorf("initial connect failure must not emit callbacks, got %+v", e)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestStreamingSession_MalformedAndErrorFrames(t *testing.T) {
	srv := newWSServer(t, func(conn *websocket.Conn) {
		ctx := context.Background()
		// Garbage first: must be dropped without killing the session
		_ = conn.Write(ctx, websocket.MessageText, []byte("not json at all"))
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"chunk_id": 9}`))
		// Chunk-scoped error frame
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"error":"decode failed","chunk_id":2}`))
		// Valid result frame
		reply, _ := json.Marshal(StreamResult{Text: "hello", ChunkID: 3, IsFinal: true})
		_ = conn.Write(ctx, websocket.MessageText, reply)

		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	})

	results := make(chan StreamResult, 5)
	errs := make(chan StreamError, 5)
	sess := NewStreamingSession(StreamConfig{URL: wsURL(srv)})
	if err := sess.Connect(context.Background(), LanguageEnglish,
		func(r StreamResult) { results <- r },
		func(e StreamError) { errs <- e },
	); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer sess.Disconnect()

	select {
	case e := <-errs:
		if e.Message != "decode failed" || e.ChunkID != 2 {
			t.Errorf("error frame = %+v, want decode failed / chunk 2", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("error frame was not routed")
	}

	select {
	case r := <-results:
		if r.Text != "hello" || r.ChunkID != 3 || !r.IsFinal {
			t.Errorf("result frame = %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("result frame was not routed")
	}

	if !sess.IsConnected() {
		t.Error("malformed frames must not terminate the session")
	}
}

func TestStreamingSession_ReconnectsAfterUnsolicitedClose(t *testing.T) {
	var connCount int32
	srv := newWSServer(t, func(conn *websocket.Conn) {
		n := atomic.AddInt32(&connCount, 1)
		ctx := context.Background()
		if n == 1 {
			// Simulate an unsolicited drop of the first connection
			conn.Close(websocket.StatusAbnormalClosure, "dropped")
			return
		}
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	})

	sess := NewStreamingSession(StreamConfig{
		URL:                  wsURL(srv),
		ReconnectBackoffBase: 20 * time.Millisecond,
	})
	if err := sess.Connect(context.Background(), LanguageEnglish,
		func(StreamResult) {}, func(StreamError) {}); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer sess.Disconnect()

	waitFor(t, 3*time.Second, func() bool {
		return atomic.LoadInt32(&connCount) >= 2 && sess.IsConnected()
	}, "session to reconnect after unsolicited close")
}

func TestStreamingSession_TerminalErrorAfterExhaustedReconnects(t *testing.T) {
	dropped := make(chan struct{})
	srv := newWSServer(t, func(conn *websocket.Conn) {
		conn.Close(websocket.StatusAbnormalClosure, "dropped")
		close(dropped)
	})

	errs := make(chan StreamError, 10)
	sess := NewStreamingSession(StreamConfig{
		URL:                  wsURL(srv),
		MaxReconnectAttempts: 3,
		ReconnectBackoffBase: 50 * time.Millisecond,
		ConnectTimeout:       time.Second,
	})
	if err := sess.Connect(context.Background(), LanguageEnglish,
		func(StreamResult) {}, func(e StreamError) { errs <- e }); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer sess.Disconnect()

	<-dropped
	// Take the endpoint down entirely so every redial fails
	srv.CloseClientConnections()
	srv.Close()

	select {
	case e := <-errs:
		if e.ChunkID != TerminalChunkID {
			t.Fatalf("terminal error chunk id = %d, want %d", e.ChunkID, TerminalChunkID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("terminal error was never emitted")
	}

	// Exactly one terminal error; no timer may fire afterwards
	select {
	case e := <-errs:
		t.Fatalf("received a second error after terminal: %+v", e)
	case <-time.After(500 * time.Millisecond):
	}

	if sess.State() != StateFailed {
		t.Errorf("State() = %v, want %v", sess.State(), StateFailed)
	}
}

func TestStreamingSession_DisconnectCancelsPendingReconnect(t *testing.T) {
	var connCount int32
	dropped := make(chan struct{})
	srv := newWSServer(t, func(conn *websocket.Conn) {
		if atomic.AddInt32(&connCount, 1) == 1 {
			conn.Close(websocket.StatusAbnormalClosure, "dropped")
			close(dropped)
			return
		}
		ctx := context.Background()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	})

	errs := make(chan StreamError, 10)
	sess := NewStreamingSession(StreamConfig{
		URL:                  wsURL(srv),
		ReconnectBackoffBase: 200 * time.Millisecond,
	})
	if err := sess.Connect(context.Background(), LanguageEnglish,
		func(StreamResult) {}, func(e StreamError) { errs <- e }); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	<-dropped
	waitFor(t, 2*time.Second, func() bool {
		s := sess.State()
		return s == StateReconnecting || s == StateClosed
	}, "session to notice the dropped connection")

	// Disconnect while the backoff timer is pending: it must never fire
	sess.Disconnect()

	time.Sleep(500 * time.Millisecond)

	if n := atomic.LoadInt32(&connCount); n != 1 {
		t.Errorf("reconnect fired after Disconnect: %d connections, want 1", n)
	}
	if sess.State() != StateClosed {
		t.Errorf("State() = %v, want %v", sess.State(), StateClosed)
	}
	select {
	case e := <-errs:
		t.Errorf("unexpected error after Disconnect: %+v", e)
	default:
	}
}

func TestStreamingSession_DisconnectIdempotent(t *testing.T) {
	sess := NewStreamingSession(StreamConfig{URL: "ws://localhost:1/stream"})
	sess.Disconnect()
	sess.Disconnect()

	if sess.State() != StateClosed {
		t.Errorf("State() = %v, want %v", sess.State(), StateClosed)
	}
}

func TestConnectionState_String(t *testing.T) {
	states := map[ConnectionState]string{
		StateIdle:           "idle",
		StateConnecting:     "connecting",
		StateOpen:           "open",
		StateReconnecting:   "reconnecting",
		StateClosed:         "closed",
		StateFailed:         "failed",
		ConnectionState(99): "unknown",
	}
	for state, want := range states {
		if got := state.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", state, got, want)
		}
	}
}
