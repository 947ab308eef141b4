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

package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// systemPrompt instructs the model to aggressively reconstruct meaning from
// fragmentary dysarthric speech and answer in strict JSON.
const systemPrompt = `
You are an expert interpreter for patients with speech disorders (Dysarthria, Apraxia, Aphasia).
The input text comes from an ASR system and may be broken, phonetic, or contain stammering.

YOUR JOB:
1. Aggressively PREDICT the intended meaning, even if words are missing.
2. Reconstruct the "Refined Text" into a clear, first-person sentence ("I need...", "I feel...").
3. If the input is just a keyword like "Water", assume the intent is "I need water".

EXAMPLES:
Input: "wa... wa... ter"
Result: {"refinedText": "I need some water.", "category": "Needs", "suggestions": ["Cold water", "With a straw", "Not thirsty"]}

Input: "head... hu... bad"
Result: {"refinedText": "My head hurts badly.", "category": "Pain", "suggestions": ["Call doctor", "I need meds", "Lie down"]}

Input: "breath... hard"
Result: {"refinedText": "I am struggling to breathe.", "category": "Emergency", "suggestions": ["Help me", "Sit up", "Inhaler"]}

Return ONLY valid JSON:
{
  "category": "String",
  "refinedText": "String",
  "suggestions": ["String", "String", "String"]
}
`

// RemoteClassifier interprets utterances with a chat-completion model behind
// any OpenAI-compatible endpoint.
type RemoteClassifier struct {
	client oai.Client
	model  string
}

// remoteConfig holds optional configuration for the remote classifier.
type remoteConfig struct {
	baseURL string
	timeout time.Duration
}

// RemoteOption is a functional option for RemoteClassifier.
type RemoteOption func(*remoteConfig)

// WithBaseURL overrides the default API base URL, for self-hosted or
// OpenAI-compatible gateways.
func WithBaseURL(url string) RemoteOption {
	return func(c *remoteConfig) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) RemoteOption {
	return func(c *remoteConfig) {
		c.timeout = d
	}
}

// NewRemoteClassifier constructs a classifier against an OpenAI-compatible
// chat completion API.
func NewRemoteClassifier(apiKey, model string, opts ...RemoteOption) (*RemoteClassifier, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("intent: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("intent: model must not be empty")
	}

	cfg := &remoteConfig{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &RemoteClassifier{
		client: oai.NewClient(reqOpts...),
		model:  model,
	}, nil
}

// Classify asks the model to interpret one utterance. Any transport, API, or
// parse failure is returned as an error so the caller can fall back.
func (rc *RemoteClassifier) Classify(ctx context.Context, text string) (Result, error) {
	if notSpeech(text) {
		return waitingResult(), nil
	}

	resp, err := rc.client.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
		Model: shared.ChatModel(rc.model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(systemPrompt),
			oai.UserMessage(fmt.Sprintf("User input: %q", text)),
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("intent: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Result{}, fmt.Errorf("intent: empty choices in response")
	}

	return parseModelResult(resp.Choices[0].Message.Content, text)
}

// Source identifies this classifier in logs and events.
func (rc *RemoteClassifier) Source() Source {
	return SourceRemote
}

// parseModelResult decodes the model's JSON answer, tolerating code fences
// and missing fields. Absent fields degrade to safe defaults; undecodable
// content is an error so the keyword fallback takes over.
func parseModelResult(content, originalText string) (Result, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	if content == "" {
		return Result{}, fmt.Errorf("intent: empty model response")
	}

	var result Result
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		return Result{}, fmt.Errorf("intent: unparseable model response: %w", err)
	}

	if result.Category == "" {
		result.Category = "Prediction"
	}
	if result.RefinedText == "" {
		result.RefinedText = originalText
	}
	if len(result.Suggestions) == 0 {
		result.Suggestions = []string{"Yes", "No", "Thanks"}
	}
	if len(result.Suggestions) > maxSuggestions {
		result.Suggestions = result.Suggestions[:maxSuggestions]
	}

	return result, nil
}
