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

package storage

import (
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kasalabs/kasa-hub/internal/events"
	"github.com/kasalabs/kasa-hub/internal/logging"
)

// TranscriptionsStore handles database operations for transcription events
type TranscriptionsStore struct {
	db *Database
}

// NewTranscriptionsStore creates a new transcriptions store
func NewTranscriptionsStore(db *Database) *TranscriptionsStore {
	return &TranscriptionsStore{db: db}
}

// Insert stores a new transcription event in the database
func (s *TranscriptionsStore) Insert(event *events.TranscriptionEvent) error {
	if err := event.IsValid(); err != nil {
		return fmt.Errorf("invalid transcription event: %w", err)
	}

	wordConfidencesJSON, err := event.WordConfidencesJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize word confidences: %w", err)
	}
	suggestionsJSON, err := event.SuggestionsJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize suggestions: %w", err)
	}

	query := `
		INSERT INTO transcriptions (
			uuid, session_id, source, timestamp,
			text, raw_text, detected_language, confidence,
			language_confidence, word_confidences, has_noise_detected,
			intent_category, refined_text, suggestions, intent_source,
			processing_time_ms, success, error_message
		) VALUES (
			?, ?, ?, ?,
			?, ?, ?, ?,
			?, ?, ?,
			?, ?, ?, ?,
			?, ?, ?
		)`

	_, err = s.db.DB().Exec(query,
		event.UUID, event.SessionID, string(event.Source), event.Timestamp,
		event.Text, event.RawText, event.DetectedLanguage, event.Confidence,
		event.LanguageConfidence, wordConfidencesJSON, event.HasNoiseDetected,
		event.IntentCategory, event.RefinedText, suggestionsJSON, event.IntentSource,
		event.ProcessingTime, event.Success, event.ErrorMessage,
	)

	if err != nil {
		return fmt.Errorf("failed to insert transcription: %w", err)
	}

	logging.LogDatabaseOperation("insert", "transcriptions",
		zap.String("uuid", event.UUID),
		zap.String("session_id", event.SessionID),
		zap.String("category", event.IntentCategory),
	)
	return nil
}

// GetByUUID retrieves a transcription event by its UUID
func (s *TranscriptionsStore) GetByUUID(uuid string) (*events.TranscriptionEvent, error) {
	query := selectColumns + ` FROM transcriptions WHERE uuid = ?`

	row := s.db.DB().QueryRow(query, uuid)
	return s.scanTranscription(row)
}

// List retrieves transcription events with pagination and filtering
func (s *TranscriptionsStore) List(options ListOptions) ([]*events.TranscriptionEvent, error) {
	query, args := s.buildListQuery(options)

	rows, err := s.db.DB().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transcriptions: %w", err)
	}
	defer rows.Close()

	var eventsList []*events.TranscriptionEvent
	for rows.Next() {
		event, err := s.scanTranscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transcription: %w", err)
		}
		eventsList = append(eventsList, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transcriptions: %w", err)
	}

	return eventsList, nil
}

// Count returns the total number of transcriptions matching the filter
func (s *TranscriptionsStore) Count(options ListOptions) (int64, error) {
	options.Limit = 0
	options.Offset = 0
	query, args := s.buildListQuery(options)

	countQuery := "SELECT COUNT(*) FROM (" + query + ") as filtered"

	var count int64
	err := s.db.DB().QueryRow(countQuery, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count transcriptions: %w", err)
	}

	return count, nil
}

// GetRecentBySession retrieves recent events for one session
func (s *TranscriptionsStore) GetRecentBySession(sessionID string, limit int) ([]*events.TranscriptionEvent, error) {
	options := ListOptions{
		SessionID: sessionID,
		Limit:     limit,
	}
	return s.List(options)
}

// Delete removes a transcription event by UUID
func (s *TranscriptionsStore) Delete(uuid string) error {
	result, err := s.db.DB().Exec("DELETE FROM transcriptions WHERE uuid = ?", uuid)
	if err != nil {
		return fmt.Errorf("failed to delete transcription: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("transcription not found: %s", uuid)
	}

	logging.LogDatabaseOperation("delete", "transcriptions", zap.String("uuid", uuid))
	return nil
}

// ListOptions defines filtering and pagination options
type ListOptions struct {
	// Filtering
	SessionID string
	Language  string
	Category  string
	Success   *bool // nil = all, true = success only, false = errors only
	StartTime *time.Time
	EndTime   *time.Time

	// Pagination
	Limit  int
	Offset int

	// Sorting
	SortBy    string // "timestamp", "confidence", "processing_time_ms"
	SortOrder string // "ASC", "DESC"
}

const selectColumns = `
	SELECT uuid, session_id, source, timestamp,
		   text, raw_text, detected_language, confidence,
		   language_confidence, word_confidences, has_noise_detected,
		   intent_category, refined_text, suggestions, intent_source,
		   processing_time_ms, success, error_message`

// allowed sort columns; anything else falls back to timestamp to keep the
// interpolated ORDER BY injection-proof.
var sortColumns = map[string]bool{
	"timestamp":          true,
	"confidence":         true,
	"processing_time_ms": true,
}

// buildListQuery constructs the SQL query based on ListOptions
func (s *TranscriptionsStore) buildListQuery(options ListOptions) (string, []interface{}) {
	query := selectColumns + ` FROM transcriptions WHERE 1=1`

	var args []interface{}

	// Apply filters
	if options.SessionID != "" {
		query += " AND session_id = ?"
		args = append(args, options.SessionID)
	}

	if options.Language != "" {
		query += " AND detected_language = ?"
		args = append(args, options.Language)
	}

	if options.Category != "" {
		query += " AND intent_category = ?"
		args = append(args, options.Category)
	}

	if options.Success != nil {
		query += " AND success = ?"
		args = append(args, *options.Success)
	}

	if options.StartTime != nil {
		query += " AND timestamp >= ?"
		args = append(args, options.StartTime)
	}

	if options.EndTime != nil {
		query += " AND timestamp <= ?"
		args = append(args, options.EndTime)
	}

	// Apply sorting
	sortBy := options.SortBy
	if !sortColumns[sortBy] {
		sortBy = "timestamp"
	}

	sortOrder := "DESC"
	if options.SortOrder == "ASC" {
		sortOrder = "ASC"
	}

	query += fmt.Sprintf(" ORDER BY %s %s", sortBy, sortOrder)

	// Apply pagination
	if options.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, options.Limit)

		if options.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, options.Offset)
		}
	}

	return query, args
}

// scanTranscription scans a database row into a TranscriptionEvent struct
func (s *TranscriptionsStore) scanTranscription(scanner interface{}) (*events.TranscriptionEvent, error) {
	var event events.TranscriptionEvent
	var source string
	var wordConfidencesJSON, suggestionsJSON string

	var row interface {
		Scan(dest ...interface{}) error
	}

	switch v := scanner.(type) {
	case *sql.Row:
		row = v
	case *sql.Rows:
		row = v
	default:
		return nil, fmt.Errorf("unsupported scanner type")
	}

	err := row.Scan(
		&event.UUID, &event.SessionID, &source, &event.Timestamp,
		&event.Text, &event.RawText, &event.DetectedLanguage, &event.Confidence,
		&event.LanguageConfidence, &wordConfidencesJSON, &event.HasNoiseDetected,
		&event.IntentCategory, &event.RefinedText, &suggestionsJSON, &event.IntentSource,
		&event.ProcessingTime, &event.Success, &event.ErrorMessage,
	)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("transcription not found")
		}
		return nil, err
	}

	event.Source = events.TranscriptionSource(source)

	if err := event.SetWordConfidencesFromJSON(wordConfidencesJSON); err != nil {
		return nil, fmt.Errorf("failed to parse word confidences JSON: %w", err)
	}
	if err := event.SetSuggestionsFromJSON(suggestionsJSON); err != nil {
		return nil, fmt.Errorf("failed to parse suggestions JSON: %w", err)
	}

	return &event, nil
}
