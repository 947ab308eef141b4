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

// Package asr orchestrates the client side of speech recognition: a batch
// HTTP client for whole-utterance transcription, a resilient WebSocket
// streaming session for live transcription, and the confidence fusion that
// turns raw recognizer metadata into calibrated results.
package asr

// Language is a supported transcription language.
type Language string

const (
	LanguageEnglish Language = "en"
	LanguageTwi     Language = "twi"
	LanguageGa      Language = "ga"
	LanguageAuto    Language = "auto"
)

// Valid reports whether l is one of the supported languages.
func (l Language) Valid() bool {
	switch l {
	case LanguageEnglish, LanguageTwi, LanguageGa, LanguageAuto:
		return true
	}
	return false
}

// RawWord is a single word entry from the recognizer. Backends disagree on
// whether they score words under "confidence" or "probability"; both are
// modeled and the first non-zero one wins.
type RawWord struct {
	Word        string  `json:"word,omitempty"`
	Confidence  float64 `json:"confidence,omitempty"`
	Probability float64 `json:"probability,omitempty"`
}

// score returns the word's confidence, preferring the explicit confidence
// field over probability. Zero means the backend did not score this word.
func (w RawWord) score() float64 {
	if w.Confidence != 0 {
		return w.Confidence
	}
	return w.Probability
}

// RawSegment is a segment entry carrying a Whisper-style average log
// probability.
type RawSegment struct {
	AvgLogProb float64 `json:"avg_logprob,omitempty"`
}

// RawResponse is the recognizer's JSON response body. Only Text is required;
// every other field is optional and absent fields degrade to defaults during
// fusion. An Error value takes precedence over Text.
type RawResponse struct {
	Text         string       `json:"text"`
	Words        []RawWord    `json:"words,omitempty"`
	Segments     []RawSegment `json:"segments,omitempty"`
	Language     string       `json:"language,omitempty"`
	NoSpeechProb float64      `json:"no_speech_prob,omitempty"`
	Error        string       `json:"error,omitempty"`
}

// TranscriptionResult is the calibrated output of confidence fusion.
// Confidence is clamped to [0.40, 0.98] and LanguageConfidence to
// [0.70, 0.98] regardless of upstream input. Immutable once constructed.
type TranscriptionResult struct {
	Text               string    `json:"text"`
	RawText            string    `json:"raw_text"`
	DetectedLanguage   Language  `json:"detected_language"`
	Confidence         float64   `json:"confidence"`
	LanguageConfidence float64   `json:"language_confidence"`
	WordConfidences    []float64 `json:"word_confidences,omitempty"`
	HasNoiseDetected   bool      `json:"has_noise_detected"`
}
