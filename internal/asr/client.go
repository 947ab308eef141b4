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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kasalabs/kasa-hub/internal/logging"
)

const defaultClientTimeout = 30 * time.Second

// Client talks to the remote batch recognizer over HTTP. It submits encoded
// audio with an optional language hint and fuses the JSON response into a
// calibrated TranscriptionResult. The recognizer itself is a black box.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a batch recognizer client. baseURL points at the
// recognizer service root; the /transcribe endpoint is derived from it.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultClientTimeout
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Transcribe submits one complete utterance and always returns a result.
// Transport failures, malformed bodies, and explicit upstream error payloads
// all degrade into a zero-confidence result carrying the failure text,
// because the caller's UI has no other path to react.
func (c *Client) Transcribe(ctx context.Context, audio []byte, filename string, language Language) TranscriptionResult {
	startTime := time.Now()

	raw, err := c.transcribe(ctx, audio, filename, language)
	if err != nil {
		logging.LogError(err, "Batch transcription failed",
			zap.String("base_url", c.baseURL),
			zap.String("language", string(language)),
		)
		return Fuse(RawResponse{
			Error: fmt.Sprintf("Backend connection failed: %v", err),
		}, language)
	}

	result := Fuse(raw, language)

	if logging.Logger != nil {
		logging.Logger.Info("Transcription completed",
			zap.String("component", "asr_batch"),
			zap.Int64("processing_time_ms", time.Since(startTime).Milliseconds()),
			zap.String("detected_language", string(result.DetectedLanguage)),
			zap.Float64("confidence", result.Confidence),
			zap.Bool("noise_detected", result.HasNoiseDetected),
			zap.Int("text_length", len(result.Text)),
		)
	}

	return result
}

// transcribe performs the multipart upload and decodes the raw response.
func (c *Client) transcribe(ctx context.Context, audio []byte, filename string, language Language) (RawResponse, error) {
	if len(audio) == 0 {
		return RawResponse{}, fmt.Errorf("empty audio data")
	}
	if filename == "" {
		filename = "recording.wav"
	}

	var requestBody bytes.Buffer
	writer := multipart.NewWriter(&requestBody)

	audioWriter, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return RawResponse{}, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := audioWriter.Write(audio); err != nil {
		return RawResponse{}, fmt.Errorf("failed to write audio data: %w", err)
	}

	// Language hint for the recognizer; auto-detect sends no hint.
	if hint := languageHint(language); hint != "" {
		_ = writer.WriteField("language", hint)
	}

	contentType := writer.FormDataContentType()
	if err := writer.Close(); err != nil {
		return RawResponse{}, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transcribe", &requestBody)
	if err != nil {
		return RawResponse{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return RawResponse{}, fmt.Errorf("transcription HTTP request failed: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logging.LogWarn("Failed to close response body", zap.Error(err))
		}
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return RawResponse{}, fmt.Errorf("transcription failed with status %d: %s", resp.StatusCode, string(body))
	}

	var raw RawResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return RawResponse{}, fmt.Errorf("failed to parse transcription response: %w", err)
	}

	if raw.Error == "" && raw.Text == "" {
		return RawResponse{}, fmt.Errorf("no transcription returned from recognizer")
	}

	return raw, nil
}

// languageHint maps the requested language to the recognizer's code table.
func languageHint(language Language) string {
	switch language {
	case LanguageTwi:
		return "tw"
	case LanguageGa:
		return "gaa"
	case LanguageEnglish:
		return "en"
	}
	return ""
}
