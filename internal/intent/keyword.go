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
	"regexp"
	"strings"
)

// keywordRule binds a pattern over lowercased text to a fixed Result. Rules
// are evaluated in order; the first match wins, so more urgent needs sit
// earlier in the table.
type keywordRule struct {
	pattern *regexp.Regexp
	result  Result
}

// KeywordClassifier is the deterministic fallback classifier. It matches
// care-domain keywords against fixed patterns and always produces a result,
// defaulting to a General category that echoes the input verbatim.
type KeywordClassifier struct {
	rules []keywordRule
}

// NewKeywordClassifier creates the fallback classifier with the built-in
// care-domain rule table.
func NewKeywordClassifier() *KeywordClassifier {
	return &KeywordClassifier{
		rules: []keywordRule{
			{
				pattern: regexp.MustCompile(`pain|hurt|head|stomach|chest|ache|burn`),
				result: Result{
					Category:    "Pain Management",
					RefinedText: "I am in pain.",
					Suggestions: []string{"It hurts a lot", "I need meds", "Call doctor"},
				},
			},
			{
				pattern: regexp.MustCompile(`water|thirsty|drink|dry`),
				result: Result{
					Category:    "Basic Needs",
					RefinedText: "I need water.",
					Suggestions: []string{"I am thirsty", "Cold water please", "Help me drink"},
				},
			},
			{
				pattern: regexp.MustCompile(`food|hungry|eat`),
				result: Result{
					Category:    "Basic Needs",
					RefinedText: "I need food.",
					Suggestions: []string{"I am hungry", "When is lunch?", "Soft food please"},
				},
			},
			{
				pattern: regexp.MustCompile(`toilet|bathroom|pee|poo|washroom`),
				result: Result{
					Category:    "Bathroom",
					RefinedText: "I need the bathroom.",
					Suggestions: []string{"Help me up", "Urgent", "Bedpan please"},
				},
			},
		},
	}
}

// Classify matches text against the rule table. It never fails; unmatched
// text falls through to a General result echoing the input.
func (kc *KeywordClassifier) Classify(_ context.Context, text string) (Result, error) {
	if notSpeech(text) {
		return waitingResult(), nil
	}

	lower := strings.ToLower(text)
	for _, rule := range kc.rules {
		if rule.pattern.MatchString(lower) {
			return rule.result, nil
		}
	}

	return Result{
		Category:    "General",
		RefinedText: text,
		Suggestions: []string{"Yes", "No", "Thank you"},
	}, nil
}

// Source identifies this classifier in logs and events.
func (kc *KeywordClassifier) Source() Source {
	return SourceKeyword
}
