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

package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kasalabs/kasa-hub/internal/events"
	"github.com/kasalabs/kasa-hub/internal/logging"
	"github.com/kasalabs/kasa-hub/internal/storage"
)

// TranscriptionsHandler handles HTTP requests for transcription history
type TranscriptionsHandler struct {
	store *storage.TranscriptionsStore
}

// NewTranscriptionsHandler creates a new transcriptions handler
func NewTranscriptionsHandler(store *storage.TranscriptionsStore) *TranscriptionsHandler {
	return &TranscriptionsHandler{store: store}
}

// ListTranscriptionsResponse represents the response for listing transcriptions
type ListTranscriptionsResponse struct {
	Transcriptions []*events.TranscriptionEvent `json:"transcriptions"`
	Total          int64                        `json:"total"`
	Page           int                          `json:"page"`
	PageSize       int                          `json:"page_size"`
	TotalPages     int                          `json:"total_pages"`
}

// CreateTranscriptionRequest represents the request for recording a
// transcription that was processed on the client
type CreateTranscriptionRequest struct {
	SessionID          string    `json:"session_id"`
	Source             string    `json:"source,omitempty"`
	Text               string    `json:"text"`
	RawText            string    `json:"raw_text,omitempty"`
	DetectedLanguage   string    `json:"detected_language,omitempty"`
	Confidence         float64   `json:"confidence"`
	LanguageConfidence float64   `json:"language_confidence,omitempty"`
	WordConfidences    []float64 `json:"word_confidences,omitempty"`
	HasNoiseDetected   bool      `json:"has_noise_detected,omitempty"`
	IntentCategory     string    `json:"intent_category,omitempty"`
	RefinedText        string    `json:"refined_text,omitempty"`
	Suggestions        []string  `json:"suggestions,omitempty"`
	IntentSource       string    `json:"intent_source,omitempty"`
}

// HandleTranscriptions handles GET /api/transcriptions and POST /api/transcriptions
func (h *TranscriptionsHandler) HandleTranscriptions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listTranscriptions(w, r)
	case http.MethodPost:
		h.createTranscription(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleTranscriptionByID handles GET /api/transcriptions/{id}
func (h *TranscriptionsHandler) HandleTranscriptionByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Extract UUID from URL path
	pathParts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/transcriptions/"), "/")
	if len(pathParts) == 0 || pathParts[0] == "" {
		http.Error(w, "Transcription ID is required", http.StatusBadRequest)
		return
	}

	h.getTranscriptionByID(w, pathParts[0])
}

// listTranscriptions handles GET /api/transcriptions
func (h *TranscriptionsHandler) listTranscriptions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	// Pagination
	page := parseIntParam(query.Get("page"), 1)
	pageSize := parseIntParam(query.Get("page_size"), 20)
	if pageSize > 100 {
		pageSize = 100 // Limit maximum page size
	}
	if pageSize < 1 {
		pageSize = 1
	}
	if page < 1 {
		page = 1
	}

	// Filtering
	options := storage.ListOptions{
		SessionID: query.Get("session_id"),
		Language:  query.Get("language"),
		Category:  query.Get("category"),
		Limit:     pageSize,
		Offset:    (page - 1) * pageSize,
		SortBy:    query.Get("sort_by"),
		SortOrder: strings.ToUpper(query.Get("sort_order")),
	}

	// Parse success filter
	if successStr := query.Get("success"); successStr != "" {
		if success, err := strconv.ParseBool(successStr); err == nil {
			options.Success = &success
		}
	}

	// Parse time filters
	if startTimeStr := query.Get("start_time"); startTimeStr != "" {
		if startTime, err := time.Parse(time.RFC3339, startTimeStr); err == nil {
			options.StartTime = &startTime
		}
	}
	if endTimeStr := query.Get("end_time"); endTimeStr != "" {
		if endTime, err := time.Parse(time.RFC3339, endTimeStr); err == nil {
			options.EndTime = &endTime
		}
	}

	// Get total count for pagination
	total, err := h.store.Count(options)
	if err != nil {
		logging.LogError(err, "Failed to count transcriptions")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	// Get events
	list, err := h.store.List(options)
	if err != nil {
		logging.LogError(err, "Failed to list transcriptions")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	response := ListTranscriptionsResponse{
		Transcriptions: list,
		Total:          total,
		Page:           page,
		PageSize:       pageSize,
		TotalPages:     totalPages,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// createTranscription handles POST /api/transcriptions
func (h *TranscriptionsHandler) createTranscription(w http.ResponseWriter, r *http.Request) {
	var req CreateTranscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if req.SessionID == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}

	source := events.TranscriptionSource(req.Source)
	if source == "" {
		source = events.SourceBatch
	}

	event := events.NewTranscriptionEvent(req.SessionID, source)
	event.Text = req.Text
	event.RawText = req.RawText
	event.DetectedLanguage = req.DetectedLanguage
	event.Confidence = req.Confidence
	event.LanguageConfidence = req.LanguageConfidence
	event.WordConfidences = req.WordConfidences
	event.HasNoiseDetected = req.HasNoiseDetected
	event.IntentCategory = req.IntentCategory
	event.RefinedText = req.RefinedText
	event.Suggestions = req.Suggestions
	event.IntentSource = req.IntentSource
	if event.RawText == "" {
		event.RawText = req.Text
	}
	if event.DetectedLanguage == "" {
		event.DetectedLanguage = "en"
	}

	if err := h.store.Insert(event); err != nil {
		if strings.Contains(err.Error(), "invalid transcription event") {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		logging.LogError(err, "Failed to create transcription",
			zap.String("session_id", req.SessionID),
		)
		http.Error(w, "Failed to create transcription", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(event)
}

// getTranscriptionByID handles GET /api/transcriptions/{id}
func (h *TranscriptionsHandler) getTranscriptionByID(w http.ResponseWriter, uuid string) {
	event, err := h.store.GetByUUID(uuid)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			http.Error(w, "Transcription not found", http.StatusNotFound)
			return
		}
		logging.LogError(err, "Failed to get transcription",
			zap.String("uuid", uuid),
		)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(event)
}

// parseIntParam parses integer parameter with default value
func parseIntParam(param string, defaultValue int) int {
	if param == "" {
		return defaultValue
	}

	if value, err := strconv.Atoi(param); err == nil {
		return value
	}

	return defaultValue
}
