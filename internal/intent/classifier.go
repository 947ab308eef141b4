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

// Package intent turns recognized (and often fragmentary) speech into a care
// category, a cleaned-up first-person sentence, and quick-reply suggestions.
// A remote LLM classifier does the heavy lifting; a deterministic keyword
// classifier guarantees an answer when the remote is unreachable.
package intent

import (
	"context"
	"strings"
	"unicode/utf8"
)

// Result is the outcome of classifying one utterance.
type Result struct {
	Category    string   `json:"category"`
	RefinedText string   `json:"refinedText"`
	Suggestions []string `json:"suggestions"`
}

// Source identifies which classifier produced a result.
type Source string

const (
	SourceKeyword Source = "keyword"
	SourceRemote  Source = "remote"
)

// Classifier maps utterance text to a Result.
type Classifier interface {
	Classify(ctx context.Context, text string) (Result, error)
	Source() Source
}

// maxSuggestions caps the quick-reply list so the caller's UI stays scannable.
const maxSuggestions = 3

// notSpeech reports whether text is a non-utterance that should short-circuit
// classification entirely: empty or single-rune input, recognizer babble
// markers, or a bare period.
func notSpeech(text string) bool {
	return utf8.RuneCountInString(text) < 2 ||
		strings.Contains(text, "W.O.O.B") ||
		strings.TrimSpace(text) == "."
}

// waitingResult is the placeholder returned for non-utterances.
func waitingResult() Result {
	return Result{
		Category:    "Waiting...",
		RefinedText: "...",
		Suggestions: []string{},
	}
}
