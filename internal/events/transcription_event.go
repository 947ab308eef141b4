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

package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kasalabs/kasa-hub/internal/asr"
	"github.com/kasalabs/kasa-hub/internal/intent"
)

// TranscriptionSource identifies which pipeline produced an event.
type TranscriptionSource string

const (
	SourceBatch  TranscriptionSource = "batch"
	SourceStream TranscriptionSource = "stream"
)

// TranscriptionEvent is one fully processed utterance: recognized text with
// calibrated confidence, the detected language, and the interpreted intent.
// It is the unit of storage and of NATS fan-out.
type TranscriptionEvent struct {
	// Core identification
	UUID      string              `json:"uuid" db:"uuid"`
	SessionID string              `json:"session_id" db:"session_id"`
	Source    TranscriptionSource `json:"source" db:"source"`
	Timestamp time.Time           `json:"timestamp" db:"timestamp"`

	// Recognition results
	Text               string    `json:"text" db:"text"`
	RawText            string    `json:"raw_text" db:"raw_text"`
	DetectedLanguage   string    `json:"detected_language" db:"detected_language"`
	Confidence         float64   `json:"confidence" db:"confidence"`
	LanguageConfidence float64   `json:"language_confidence" db:"language_confidence"`
	WordConfidences    []float64 `json:"word_confidences,omitempty" db:"word_confidences"`
	HasNoiseDetected   bool      `json:"has_noise_detected" db:"has_noise_detected"`

	// Interpretation results
	IntentCategory string   `json:"intent_category" db:"intent_category"`
	RefinedText    string   `json:"refined_text" db:"refined_text"`
	Suggestions    []string `json:"suggestions,omitempty" db:"suggestions"`
	IntentSource   string   `json:"intent_source" db:"intent_source"`

	// Outcome
	ProcessingTime int64  `json:"processing_time_ms" db:"processing_time_ms"`
	Success        bool   `json:"success" db:"success"`
	ErrorMessage   string `json:"error_message,omitempty" db:"error_message"`
}

// NewTranscriptionEvent creates an event with a fresh UUID and the current
// timestamp.
func NewTranscriptionEvent(sessionID string, source TranscriptionSource) *TranscriptionEvent {
	return &TranscriptionEvent{
		UUID:      uuid.NewString(),
		SessionID: sessionID,
		Source:    source,
		Timestamp: time.Now(),
		Success:   true,
	}
}

// SetTranscription copies the recognition outcome into the event.
func (te *TranscriptionEvent) SetTranscription(result asr.TranscriptionResult) {
	te.Text = result.Text
	te.RawText = result.RawText
	te.DetectedLanguage = string(result.DetectedLanguage)
	te.Confidence = result.Confidence
	te.LanguageConfidence = result.LanguageConfidence
	te.WordConfidences = result.WordConfidences
	te.HasNoiseDetected = result.HasNoiseDetected
}

// SetIntent copies the interpretation outcome into the event and stamps the
// total processing time.
func (te *TranscriptionEvent) SetIntent(result intent.Result, source intent.Source) {
	te.IntentCategory = result.Category
	te.RefinedText = result.RefinedText
	te.Suggestions = result.Suggestions
	te.IntentSource = string(source)
	te.ProcessingTime = time.Since(te.Timestamp).Milliseconds()
}

// SetError marks the event as failed.
func (te *TranscriptionEvent) SetError(err error) {
	te.Success = false
	te.ErrorMessage = err.Error()
	te.ProcessingTime = time.Since(te.Timestamp).Milliseconds()
}

// WordConfidencesJSON returns word confidences as a JSON string for database
// storage.
func (te *TranscriptionEvent) WordConfidencesJSON() (string, error) {
	if te.WordConfidences == nil {
		return "[]", nil
	}
	data, err := json.Marshal(te.WordConfidences)
	if err != nil {
		return "", fmt.Errorf("failed to marshal word confidences: %w", err)
	}
	return string(data), nil
}

// SetWordConfidencesFromJSON parses a JSON string into word confidences.
func (te *TranscriptionEvent) SetWordConfidencesFromJSON(jsonStr string) error {
	if jsonStr == "" || jsonStr == "[]" {
		te.WordConfidences = nil
		return nil
	}
	var confidences []float64
	if err := json.Unmarshal([]byte(jsonStr), &confidences); err != nil {
		return fmt.Errorf("failed to unmarshal word confidences JSON: %w", err)
	}
	te.WordConfidences = confidences
	return nil
}

// SuggestionsJSON returns suggestions as a JSON string for database storage.
func (te *TranscriptionEvent) SuggestionsJSON() (string, error) {
	if te.Suggestions == nil {
		return "[]", nil
	}
	data, err := json.Marshal(te.Suggestions)
	if err != nil {
		return "", fmt.Errorf("failed to marshal suggestions: %w", err)
	}
	return string(data), nil
}

// SetSuggestionsFromJSON parses a JSON string into suggestions.
func (te *TranscriptionEvent) SetSuggestionsFromJSON(jsonStr string) error {
	if jsonStr == "" || jsonStr == "[]" {
		te.Suggestions = nil
		return nil
	}
	var suggestions []string
	if err := json.Unmarshal([]byte(jsonStr), &suggestions); err != nil {
		return fmt.Errorf("failed to unmarshal suggestions JSON: %w", err)
	}
	te.Suggestions = suggestions
	return nil
}

// IsValid performs basic validation before storage or publishing.
func (te *TranscriptionEvent) IsValid() error {
	if te.UUID == "" {
		return fmt.Errorf("UUID is required")
	}
	if te.SessionID == "" {
		return fmt.Errorf("sessionID is required")
	}
	if te.Source != SourceBatch && te.Source != SourceStream {
		return fmt.Errorf("source must be %q or %q", SourceBatch, SourceStream)
	}
	if te.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	if te.Confidence < 0 || te.Confidence > 1 {
		return fmt.Errorf("confidence must be between 0 and 1")
	}
	if te.LanguageConfidence < 0 || te.LanguageConfidence > 1 {
		return fmt.Errorf("language confidence must be between 0 and 1")
	}
	return nil
}

// String returns a human-readable representation of the event.
func (te *TranscriptionEvent) String() string {
	return fmt.Sprintf("TranscriptionEvent{UUID: %s, SessionID: %s, Language: %s, Category: %s, Text: %q, Confidence: %.2f, Success: %t}",
		te.UUID, te.SessionID, te.DetectedLanguage, te.IntentCategory, te.Text, te.Confidence, te.Success)
}
