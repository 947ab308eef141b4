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

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/kasalabs/kasa-hub/internal/api"
	"github.com/kasalabs/kasa-hub/internal/asr"
	"github.com/kasalabs/kasa-hub/internal/config"
	"github.com/kasalabs/kasa-hub/internal/events"
	"github.com/kasalabs/kasa-hub/internal/intent"
	"github.com/kasalabs/kasa-hub/internal/logging"
	"github.com/kasalabs/kasa-hub/internal/messaging"
	"github.com/kasalabs/kasa-hub/internal/observe"
	"github.com/kasalabs/kasa-hub/internal/storage"
)

// maxUploadBytes caps a single utterance upload. Dysarthric speech clips are
// short; anything past this is almost certainly a client bug.
const maxUploadBytes = 32 << 20

// Options controls optional server components, mainly for tests.
type Options struct {
	// DisableNATS skips the NATS connection entirely. Transcriptions are
	// still stored; only the fan-out is dropped.
	DisableNATS bool
}

// Server is the Kasa hub: it accepts utterance uploads, runs them through the
// recognizer and the intent chain, persists the result, and fans it out over
// NATS.
type Server struct {
	cfg    *config.Config
	mux    *http.ServeMux
	server *http.Server

	db             *storage.Database
	store          *storage.TranscriptionsStore
	transcriptions *api.TranscriptionsHandler
	asrClient      *asr.Client
	chain          *intent.Chain
	nats           *messaging.NATSService
	metrics        *observe.Metrics

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a server with all components enabled.
func New(cfg *config.Config) (*Server, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a server with selected components disabled.
func NewWithOptions(cfg *config.Config, opts Options) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())

	db, err := storage.NewDatabase(storage.DatabaseConfig{Path: cfg.Database.Path})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	store := storage.NewTranscriptionsStore(db)

	var remote intent.Classifier
	if cfg.Intent.APIKey != "" {
		remoteOpts := []intent.RemoteOption{intent.WithTimeout(cfg.Intent.Timeout)}
		if cfg.Intent.BaseURL != "" {
			remoteOpts = append(remoteOpts, intent.WithBaseURL(cfg.Intent.BaseURL))
		}
		rc, err := intent.NewRemoteClassifier(cfg.Intent.APIKey, cfg.Intent.Model, remoteOpts...)
		if err != nil {
			cancel()
			db.Close()
			return nil, fmt.Errorf("failed to initialize remote classifier: %w", err)
		}
		remote = rc
	}

	s := &Server{
		cfg:            cfg,
		mux:            http.NewServeMux(),
		db:             db,
		store:          store,
		transcriptions: api.NewTranscriptionsHandler(store),
		asrClient:      asr.NewClient(cfg.ASR.URL, cfg.ASR.Timeout),
		chain:          intent.NewChain(remote, nil),
		metrics:        observe.DefaultMetrics(),
		ctx:            ctx,
		cancel:         cancel,
	}

	if !opts.DisableNATS {
		s.nats = messaging.NewNATSServiceWithURL(cfg.NATS.URL)
	}

	s.routes()

	s.server = &http.Server{
		Addr:         cfg.Server.Host + ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      s.mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return s, nil
}

// routes registers all HTTP endpoints.
func (s *Server) routes() {
	s.mux.HandleFunc("/health", s.instrument("/health", s.handleHealth))
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/api/transcribe", s.instrument("/api/transcribe", s.handleTranscribe))
	s.mux.HandleFunc("/api/stream", s.handleStream)
	s.mux.HandleFunc("/api/transcriptions", s.instrument("/api/transcriptions", s.transcriptions.HandleTranscriptions))
	s.mux.HandleFunc("/api/transcriptions/", s.instrument("/api/transcriptions/{id}", s.transcriptions.HandleTranscriptionByID))
}

// instrument records request latency under a stable route label.
func (s *Server) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()
		next(w, r)
		s.metrics.HTTPRequestDuration.Record(r.Context(), time.Since(startTime).Seconds(),
			metric.WithAttributes(
				attribute.String("route", route),
				attribute.String("method", r.Method),
			))
	}
}

// Start connects the messaging layer and serves HTTP until Stop is called.
func (s *Server) Start() error {
	if s.nats != nil {
		// A missing broker must not take the hub down; fan-out resumes
		// when NATS comes back.
		if err := s.nats.Connect(); err != nil {
			logging.LogWarn("NATS unavailable, continuing without fan-out",
				zap.Error(err),
				zap.String("url", s.cfg.NATS.URL),
			)
		}
	}

	if logging.Logger != nil {
		logging.Logger.Info("Kasa hub listening",
			zap.String("component", "server"),
			zap.String("addr", s.server.Addr),
		)
	}

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed to start: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the server and closes all components.
func (s *Server) Stop() error {
	s.cancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var firstErr error
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		firstErr = fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	if s.nats != nil {
		s.nats.Close()
	}

	if err := s.db.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to close database: %w", err)
	}

	return firstErr
}

// ProcessUtterance runs one recorded utterance through the full pipeline:
// transcription, intent classification, persistence, and NATS fan-out. It
// always returns an event; recognizer failures come back as unsuccessful
// events so the caller can still render something.
func (s *Server) ProcessUtterance(ctx context.Context, sessionID string, audio []byte, filename string, language asr.Language) *events.TranscriptionEvent {
	startTime := time.Now()

	result := s.asrClient.Transcribe(ctx, audio, filename, language)
	intentResult, intentSource := s.chain.Classify(ctx, result.Text)

	event := events.NewTranscriptionEvent(sessionID, events.SourceBatch)
	event.SetTranscription(result)
	event.SetIntent(intentResult, intentSource)

	// Fusion clamps real results to at least 0.40; zero confidence only
	// happens on the degraded error path.
	status := "ok"
	if result.Confidence == 0 {
		event.SetError(errors.New(result.Text))
		s.metrics.RecordRecognizerError(ctx, "transcribe")
		status = "error"
	}

	s.metrics.RecordTranscription(ctx, string(result.DetectedLanguage), string(events.SourceBatch), status)
	s.metrics.RecordIntent(ctx, string(intentSource), intentResult.Category)
	s.metrics.TranscriptionDuration.Record(ctx, time.Since(startTime).Seconds())

	if err := s.store.Insert(event); err != nil {
		logging.LogError(err, "Failed to store transcription",
			zap.String("uuid", event.UUID),
			zap.String("session_id", sessionID),
		)
	}

	if s.nats != nil && s.nats.IsConnected() {
		if err := s.nats.PublishTranscription(event); err != nil {
			logging.LogWarn("Failed to publish transcription",
				zap.Error(err),
				zap.String("uuid", event.UUID),
			)
		}
	}

	return event
}

// handleTranscribe handles POST /api/transcribe: a multipart audio upload
// with optional session_id and language fields.
func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "audio file is required under the \"file\" field", http.StatusBadRequest)
		return
	}
	defer file.Close()

	audio, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "failed to read audio upload", http.StatusBadRequest)
		return
	}

	sessionID := r.FormValue("session_id")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	language := asr.Language(r.FormValue("language"))
	if language == "" {
		language = asr.Language(s.cfg.ASR.Language)
	}
	if !language.Valid() {
		http.Error(w, fmt.Sprintf("unsupported language %q", language), http.StatusBadRequest)
		return
	}

	event := s.ProcessUtterance(r.Context(), sessionID, audio, header.Filename, language)
	s.writeJSON(w, http.StatusOK, event)
}

// streamConfig maps the configured streaming settings onto a session config.
func (s *Server) streamConfig() asr.StreamConfig {
	return asr.StreamConfig{
		URL:                  s.cfg.Streaming.URL,
		ConnectTimeout:       s.cfg.Streaming.ConnectTimeout,
		MaxReconnectAttempts: s.cfg.Streaming.MaxReconnectAttempts,
		ReconnectBackoffBase: s.cfg.Streaming.ReconnectBackoff,
	}
}

// handleStream handles GET /api/stream: a WebSocket connection carrying live
// audio. Each binary client frame is forwarded to the streaming recognizer as
// one chunk; recognizer results and errors come back as JSON text frames.
// Final results additionally run through intent classification, persistence
// and NATS fan-out, same as batch utterances.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	language := asr.Language(query.Get("language"))
	if language == "" {
		language = asr.Language(s.cfg.ASR.Language)
	}
	if !language.Valid() {
		http.Error(w, fmt.Sprintf("unsupported language %q", language), http.StatusBadRequest)
		return
	}

	sessionID := query.Get("session_id")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	clientConn, err := websocket.Accept(w, r, nil)
	if err != nil {
		logging.LogWarn("Failed to accept stream client", zap.Error(err))
		return
	}

	// Handlers run on the session's read loop; a dedicated writer goroutine
	// keeps them from blocking on a slow client. A full buffer drops the
	// frame rather than stalling recognition.
	outbound := make(chan []byte, 16)
	enqueue := func(frame []byte) {
		select {
		case outbound <- frame:
		default:
			logging.LogWarn("Dropping stream frame for slow client",
				zap.String("session_id", sessionID),
			)
		}
	}

	session := asr.NewStreamingSession(s.streamConfig())
	onResult := func(res asr.StreamResult) {
		if res.IsFinal {
			s.recordStreamResult(context.Background(), sessionID, res)
		}
		if data, err := json.Marshal(res); err == nil {
			enqueue(data)
		}
	}
	onError := func(streamErr asr.StreamError) {
		if data, err := json.Marshal(streamErr); err == nil {
			enqueue(data)
		}
	}

	if err := session.Connect(r.Context(), language, onResult, onError); err != nil {
		logging.LogError(err, "Streaming recognizer unavailable",
			zap.String("session_id", sessionID),
		)
		_ = clientConn.Close(websocket.StatusInternalError, "recognizer unavailable")
		return
	}
	defer session.Disconnect()

	writeCtx, stopWriter := context.WithCancel(context.Background())
	defer stopWriter()
	go func() {
		for {
			select {
			case <-writeCtx.Done():
				return
			case frame := <-outbound:
				if err := clientConn.Write(writeCtx, websocket.MessageText, frame); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, audio, err := clientConn.Read(r.Context())
		if err != nil {
			// Client hung up or the request context ended.
			_ = clientConn.Close(websocket.StatusNormalClosure, "stream ended")
			return
		}
		if len(audio) == 0 {
			continue
		}
		if _, err := session.SendChunk(r.Context(), audio); err != nil {
			// Chunks sent while the session reconnects are lost, not fatal.
			logging.LogWarn("Dropped stream chunk",
				zap.Error(err),
				zap.String("session_id", sessionID),
			)
		}
	}
}

// recordStreamResult runs a final streaming result through the rest of the
// pipeline: intent, storage, fan-out.
func (s *Server) recordStreamResult(ctx context.Context, sessionID string, res asr.StreamResult) {
	intentResult, intentSource := s.chain.Classify(ctx, res.Text)

	event := events.NewTranscriptionEvent(sessionID, events.SourceStream)
	event.Text = res.Text
	event.RawText = res.Text
	event.DetectedLanguage = res.Language
	event.Confidence = res.Confidence
	if event.DetectedLanguage == "" {
		event.DetectedLanguage = "en"
	}
	event.SetIntent(intentResult, intentSource)

	s.metrics.RecordTranscription(ctx, event.DetectedLanguage, string(events.SourceStream), "ok")
	s.metrics.RecordIntent(ctx, string(intentSource), intentResult.Category)

	if err := s.store.Insert(event); err != nil {
		logging.LogError(err, "Failed to store stream transcription",
			zap.String("uuid", event.UUID),
			zap.String("session_id", sessionID),
		)
	}

	if s.nats != nil && s.nats.IsConnected() {
		if err := s.nats.PublishTranscription(event); err != nil {
			logging.LogWarn("Failed to publish stream transcription",
				zap.Error(err),
				zap.String("uuid", event.UUID),
			)
		}
	}
}

// handleHealth reports component status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":    "healthy",
		"service":   "kasa-hub",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"database":  "ok",
		"nats":      s.nats != nil && s.nats.IsConnected(),
	}

	statusCode := http.StatusOK
	if err := s.db.Ping(); err != nil {
		health["status"] = "degraded"
		health["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	}

	s.writeJSON(w, statusCode, health)
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logging.LogError(err, "Failed to encode JSON response")
	}
}
