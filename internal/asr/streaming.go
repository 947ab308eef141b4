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
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/kasalabs/kasa-hub/internal/logging"
	"github.com/kasalabs/kasa-hub/internal/observe"
)

// ConnectionState is the streaming session lifecycle state.
type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateConnecting
	StateOpen
	StateReconnecting
	StateClosed
	StateFailed
)

// String returns the lowercase state name for logging.
func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

var (
	// ErrNotConnected is returned by SendChunk outside the Open state.
	ErrNotConnected = errors.New("streaming session not connected")

	// ErrAlreadyConnected is returned by Connect while a connection
	// attempt or live connection exists.
	ErrAlreadyConnected = errors.New("streaming session already connected")

	// ErrSessionClosed is returned when the session was disconnected
	// while an operation was in flight.
	ErrSessionClosed = errors.New("streaming session closed")
)

// TerminalChunkID is the sentinel chunk ID on errors that are not specific
// to any chunk, such as the single terminal error after reconnection is
// exhausted.
const TerminalChunkID = -1

// StreamResult is one transcription message from the streaming recognizer.
// Results may arrive out of send order and the same chunk may be reported
// twice (partial then final); consumers reconcile by ChunkID and treat only
// IsFinal results as authoritative.
type StreamResult struct {
	Text       string  `json:"text"`
	ChunkID    int     `json:"chunk_id"`
	Model      string  `json:"model,omitempty"`
	IsFinal    bool    `json:"is_final"`
	Language   string  `json:"language,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// StreamError is an error message from the streaming recognizer, scoped to
// one chunk or, with TerminalChunkID, to the whole session.
type StreamError struct {
	Message string `json:"error"`
	ChunkID int    `json:"chunk_id"`
}

// ResultHandler receives transcription results.
type ResultHandler func(StreamResult)

// ErrorHandler receives chunk-scoped and terminal errors.
type ErrorHandler func(StreamError)

// chunkMessage is the outbound wire format.
type chunkMessage struct {
	Audio    string `json:"audio"`
	Language string `json:"language"`
	ChunkID  int    `json:"chunk_id"`
}

// inboundMessage probes which fields an incoming frame carries. Pointer
// fields distinguish "absent" from "empty" so result and error frames can
// be told apart without duck typing.
type inboundMessage struct {
	Text       *string `json:"text"`
	ChunkID    int     `json:"chunk_id"`
	Model      string  `json:"model"`
	IsFinal    bool    `json:"is_final"`
	Language   string  `json:"language"`
	Confidence float64 `json:"confidence"`
	Error      *string `json:"error"`
}

// StreamConfig configures a streaming session.
type StreamConfig struct {
	// URL is the recognizer's streaming WebSocket endpoint.
	URL string

	// ConnectTimeout bounds each dial attempt. Default 10s. An unbounded
	// Connecting state is a latent resource leak.
	ConnectTimeout time.Duration

	// MaxReconnectAttempts bounds automatic recovery after unsolicited
	// closes. Default 3.
	MaxReconnectAttempts int

	// ReconnectBackoffBase is the first reconnect delay; subsequent
	// delays double. Default 1s. Tests shrink this.
	ReconnectBackoffBase time.Duration
}

func (c *StreamConfig) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 3
	}
	if c.ReconnectBackoffBase <= 0 {
		c.ReconnectBackoffBase = time.Second
	}
}

// StreamingSession is a stateful client for live transcription. One session
// serves one live-transcription attempt and is exclusively owned by the
// caller that started it. Outgoing chunks carry a strictly increasing
// counter; unsolicited closes trigger bounded exponential-backoff
// reconnection; Disconnect cancels any pending reconnect deterministically.
type StreamingSession struct {
	cfg     StreamConfig
	metrics *observe.Metrics

	mu                sync.Mutex
	state             ConnectionState
	conn              *websocket.Conn
	language          string
	onResult          ResultHandler
	onError           ErrorHandler
	chunkCounter      int
	reconnectAttempts int
	reconnectTimer    *time.Timer
	readCancel        context.CancelFunc

	// generation invalidates read loops and reconnect timers that belong
	// to a previous connection once Disconnect has run.
	generation uint64
}

// NewStreamingSession creates a session in the Idle state. No transport is
// opened until Connect.
func NewStreamingSession(cfg StreamConfig) *StreamingSession {
	cfg.applyDefaults()
	return &StreamingSession{
		cfg:     cfg,
		metrics: observe.DefaultMetrics(),
		state:   StateIdle,
	}
}

// Connect opens the streaming transport. On success the session is Open,
// the chunk counter is reset to zero, and inbound messages are dispatched
// to the handlers. A failed initial attempt returns the error to the caller
// and does not start automatic reconnection; only an unsolicited close of
// an open session does.
func (s *StreamingSession) Connect(ctx context.Context, language Language, onResult ResultHandler, onError ErrorHandler) error {
	s.mu.Lock()
	switch s.state {
	case StateConnecting, StateOpen, StateReconnecting:
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	s.state = StateConnecting
	s.language = string(language)
	s.onResult = onResult
	s.onError = onError
	s.chunkCounter = 0
	s.reconnectAttempts = 0
	gen := s.generation
	s.mu.Unlock()

	conn, err := s.dial(ctx)
	if err != nil {
		s.mu.Lock()
		if gen == s.generation && s.state == StateConnecting {
			s.state = StateIdle
		}
		s.mu.Unlock()
		return fmt.Errorf("streaming connect failed: %w", err)
	}

	s.mu.Lock()
	if gen != s.generation {
		// Disconnected while the dial was in flight.
		s.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "session closed")
		return ErrSessionClosed
	}
	s.conn = conn
	s.state = StateOpen
	s.reconnectAttempts = 0
	readCtx, cancel := context.WithCancel(context.Background())
	s.readCancel = cancel
	go s.readLoop(readCtx, conn, gen)
	s.mu.Unlock()

	s.metrics.ActiveStreams.Add(context.Background(), 1)
	logging.LogStreamEvent("open", "connected", zap.String("language", string(language)))
	return nil
}

// SendChunk encodes one audio fragment with the session language and the
// next chunk ID, and sends it over the transport. Valid only while Open.
// Returns the chunk ID assigned to the fragment.
func (s *StreamingSession) SendChunk(ctx context.Context, audio []byte) (int, error) {
	s.mu.Lock()
	if s.state != StateOpen || s.conn == nil {
		s.mu.Unlock()
		return 0, ErrNotConnected
	}
	id := s.chunkCounter
	s.chunkCounter++
	conn := s.conn
	language := s.language
	s.mu.Unlock()

	msg := chunkMessage{
		Audio:    base64.StdEncoding.EncodeToString(audio),
		Language: language,
		ChunkID:  id,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return id, fmt.Errorf("failed to encode chunk %d: %w", id, err)
	}

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		// The read loop observes the broken connection and drives
		// reconnection; the caller just learns this chunk was lost.
		return id, fmt.Errorf("failed to send chunk %d: %w", id, err)
	}

	return id, nil
}

// Disconnect closes the transport, cancels any pending reconnect timer, and
// clears the chunk and reconnect counters. Safe to call from any state,
// concurrently with in-flight sends or a pending reconnect. Idempotent.
func (s *StreamingSession) Disconnect() {
	s.mu.Lock()
	s.generation++
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	if s.readCancel != nil {
		s.readCancel()
		s.readCancel = nil
	}
	conn := s.conn
	s.conn = nil
	s.chunkCounter = 0
	s.reconnectAttempts = 0
	wasClosed := s.state == StateClosed
	wasOpen := s.state == StateOpen
	s.state = StateClosed
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "session closed")
	}
	if wasOpen {
		s.metrics.ActiveStreams.Add(context.Background(), -1)
	}
	if !wasClosed {
		logging.LogStreamEvent("closed", "disconnected")
	}
}

// IsConnected reports whether the session is exactly in the Open state.
func (s *StreamingSession) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateOpen
}

// State returns the current lifecycle state.
func (s *StreamingSession) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *StreamingSession) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, s.cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// readLoop receives messages for one connection and dispatches them until
// the connection drops or the session is disconnected.
func (s *StreamingSession) readLoop(ctx context.Context, conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			s.handleConnectionLoss(gen)
			return
		}
		s.dispatch(data)
	}
}

// dispatch routes one inbound frame to the result or error handler.
// Malformed frames are logged and dropped; they never terminate the session.
func (s *StreamingSession) dispatch(data []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		logging.LogWarn("Dropping malformed streaming message", zap.Error(err))
		return
	}

	s.mu.Lock()
	onResult := s.onResult
	onError := s.onError
	s.mu.Unlock()

	switch {
	case msg.Error != nil && *msg.Error != "":
		if onError != nil {
			onError(StreamError{Message: *msg.Error, ChunkID: msg.ChunkID})
		}
	case msg.Text != nil:
		if onResult != nil {
			onResult(StreamResult{
				Text:       *msg.Text,
				ChunkID:    msg.ChunkID,
				Model:      msg.Model,
				IsFinal:    msg.IsFinal,
				Language:   msg.Language,
				Confidence: msg.Confidence,
			})
		}
	default:
		logging.LogWarn("Dropping streaming message with neither text nor error")
	}
}

// handleConnectionLoss reacts to an unsolicited close of an open connection
// by scheduling a reconnect, or emitting the single terminal error once
// attempts are exhausted. Manual disconnects are recognized by generation
// and state and do nothing here.
func (s *StreamingSession) handleConnectionLoss(gen uint64) {
	s.mu.Lock()
	if gen != s.generation || s.state != StateOpen {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.state = StateReconnecting
	terminal, onError := s.scheduleRetryLocked(gen)
	s.mu.Unlock()

	s.metrics.ActiveStreams.Add(context.Background(), -1)
	if terminal {
		s.emitTerminal(onError)
	}
}

// scheduleRetryLocked advances the reconnect counter and either arms the
// backoff timer or, once attempts reach the maximum, marks the session
// Failed. Caller holds s.mu. When terminal, the caller must emit the
// terminal error after unlocking.
func (s *StreamingSession) scheduleRetryLocked(gen uint64) (terminal bool, onError ErrorHandler) {
	s.reconnectAttempts++
	if s.reconnectAttempts >= s.cfg.MaxReconnectAttempts {
		s.state = StateFailed
		return true, s.onError
	}

	delay := s.cfg.ReconnectBackoffBase * time.Duration(1<<(s.reconnectAttempts-1))
	s.reconnectTimer = time.AfterFunc(delay, func() { s.reconnect(gen) })
	s.metrics.RecordStreamReconnect(context.Background())

	logging.LogStreamEvent("reconnecting", "scheduled",
		zap.Int("attempt", s.reconnectAttempts),
		zap.Duration("delay", delay),
	)
	return false, nil
}

// reconnect is the backoff timer callback. Reconnection is strictly
// sequential: the timer only fires after the previous connection has
// definitively failed, and a failed redial schedules the next attempt
// rather than racing it.
func (s *StreamingSession) reconnect(gen uint64) {
	s.mu.Lock()
	if gen != s.generation || s.state != StateReconnecting {
		s.mu.Unlock()
		return
	}
	s.reconnectTimer = nil
	s.state = StateConnecting
	s.mu.Unlock()

	conn, err := s.dial(context.Background())

	s.mu.Lock()
	if gen != s.generation || s.state != StateConnecting {
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "session closed")
		}
		return
	}

	if err != nil {
		s.state = StateReconnecting
		terminal, onError := s.scheduleRetryLocked(gen)
		s.mu.Unlock()

		logging.LogError(err, "Streaming reconnect attempt failed")
		if terminal {
			s.emitTerminal(onError)
		}
		return
	}

	s.conn = conn
	s.state = StateOpen
	s.reconnectAttempts = 0
	readCtx, cancel := context.WithCancel(context.Background())
	s.readCancel = cancel
	go s.readLoop(readCtx, conn, gen)
	s.mu.Unlock()

	s.metrics.ActiveStreams.Add(context.Background(), 1)
	logging.LogStreamEvent("open", "reconnected")
}

// emitTerminal reports the single fatal-for-this-session error. The caller
// may start a brand-new session afterward.
func (s *StreamingSession) emitTerminal(onError ErrorHandler) {
	logging.LogStreamEvent("failed", "reconnect_exhausted",
		zap.Int("max_attempts", s.cfg.MaxReconnectAttempts),
	)
	if onError != nil {
		onError(StreamError{
			Message: "Connection lost. Please try again.",
			ChunkID: TerminalChunkID,
		})
	}
}
