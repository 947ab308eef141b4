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
	"math"
	"reflect"
	"testing"
)

func TestFuse_WordLevelConfidence(t *testing.T) {
	raw := RawResponse{
		Text:  "hello",
		Words: []RawWord{{Word: "hello", Confidence: 0.6}},
	}

	result := Fuse(raw, LanguageEnglish)

	// Single-word penalty: 0.6 * 0.90
	want := 0.54
	if math.Abs(result.Confidence-want) > 1e-9 {
		t.Errorf("Confidence = %f, want %f", result.Confidence, want)
	}
	if result.Text != "hello" {
		t.Errorf("Text = %q, want %q", result.Text, "hello")
	}
}

func TestFuse_ProbabilityFallsBackForUnscoredConfidence(t *testing.T) {
	raw := RawResponse{
		Text: "good morning nurse",
		Words: []RawWord{
			{Word: "good", Probability: 0.9},
			{Word: "morning", Probability: 0.9},
			{Word: "nurse", Probability: 0.9},
		},
	}

	result := Fuse(raw, LanguageEnglish)
	// Three words: no length adjustment
	if math.Abs(result.Confidence-0.9) > 1e-9 {
		t.Errorf("Confidence = %f, want 0.9", result.Confidence)
	}
}

func TestFuse_SegmentLevelConfidence(t *testing.T) {
	logProb := math.Log(0.8)
	raw := RawResponse{
		Text:     "please bring my medicine",
		Segments: []RawSegment{{AvgLogProb: logProb}, {AvgLogProb: logProb}},
	}

	result := Fuse(raw, LanguageEnglish)
	// Four words: no length adjustment; mean exp(avg_logprob) = 0.8
	if math.Abs(result.Confidence-0.8) > 1e-9 {
		t.Errorf("Confidence = %f, want 0.8", result.Confidence)
	}
}

func TestFuse_DefaultConfidenceWithoutMetadata(t *testing.T) {
	raw := RawResponse{Text: "I would like to rest now"}

	result := Fuse(raw, LanguageEnglish)
	// Base 0.75 with >=5 words boost: 0.75 * 1.02
	want := 0.765
	if math.Abs(result.Confidence-want) > 1e-9 {
		t.Errorf("Confidence = %f, want %f", result.Confidence, want)
	}
}

func TestFuse_UnclearMarkerPenalty(t *testing.T) {
	raw := RawResponse{Text: "I need help with ..."}

	result := Fuse(raw, LanguageEnglish)
	// Base 0.75; "..." counts as a fifth word so the >=5-word boost
	// applies, then the x0.65 unclear penalty
	want := 0.75 * 1.02 * 0.65
	if math.Abs(result.Confidence-want) > 1e-9 {
		t.Errorf("Confidence = %f, want %f", result.Confidence, want)
	}
}

func TestFuse_ConfidenceAlwaysClamped(t *testing.T) {
	tests := []struct {
		name string
		raw  RawResponse
	}{
		{
			name: "absurdly high word scores",
			raw: RawResponse{
				Text:  "one two three four five six",
				Words: []RawWord{{Confidence: 42}, {Confidence: 17}},
			},
		},
		{
			name: "collapsed single word score",
			raw: RawResponse{
				Text:  "hm",
				Words: []RawWord{{Confidence: 0.01}},
			},
		},
		{
			name: "NaN word confidence",
			raw: RawResponse{
				Text:  "hello there",
				Words: []RawWord{{Confidence: math.NaN()}},
			},
		},
		{
			name: "infinite segment log probability",
			raw: RawResponse{
				Text:     "hello there friend",
				Segments: []RawSegment{{AvgLogProb: math.Inf(1)}},
			},
		},
		{
			name: "negative infinity segment log probability",
			raw: RawResponse{
				Text:     "hello there friend",
				Segments: []RawSegment{{AvgLogProb: math.Inf(-1)}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Fuse(tt.raw, LanguageEnglish)
			if math.IsNaN(result.Confidence) {
				t.Fatal("Confidence is NaN")
			}
			if result.Confidence < 0.40 || result.Confidence > 0.98 {
				t.Errorf("Confidence = %f outside [0.40, 0.98]", result.Confidence)
			}
			if result.LanguageConfidence != 0 &&
				(result.LanguageConfidence < 0.70 || result.LanguageConfidence > 0.98) {
				t.Errorf("LanguageConfidence = %f outside [0.70, 0.98]", result.LanguageConfidence)
			}
		})
	}
}

func TestFuse_Idempotent(t *testing.T) {
	raw := RawResponse{
		Text:     "medaase wo ho te sen",
		Words:    []RawWord{{Confidence: 0.7}, {Probability: 0.8}, {}},
		Segments: []RawSegment{{AvgLogProb: -0.2}},
		Language: "tw",
	}

	first := Fuse(raw, LanguageAuto)
	second := Fuse(raw, LanguageAuto)

	if !reflect.DeepEqual(first, second) {
		t.Errorf("Fuse is not idempotent: %+v vs %+v", first, second)
	}
}

func TestFuse_ExplicitLanguageTag(t *testing.T) {
	raw := RawResponse{Text: "medaase", Language: "tw"}

	result := Fuse(raw, LanguageAuto)

	if result.DetectedLanguage != LanguageTwi {
		t.Errorf("DetectedLanguage = %q, want %q", result.DetectedLanguage, LanguageTwi)
	}
	if result.LanguageConfidence != 0.95 {
		t.Errorf("LanguageConfidence = %f, want 0.95", result.LanguageConfidence)
	}
}

func TestFuse_RequestedLanguageWinsOverDetection(t *testing.T) {
	// Detection is only consulted for auto requests
	raw := RawResponse{Text: "medaase"}

	result := Fuse(raw, LanguageEnglish)
	if result.DetectedLanguage != LanguageEnglish {
		t.Errorf("DetectedLanguage = %q, want %q", result.DetectedLanguage, LanguageEnglish)
	}
}

func TestFuse_LanguageConfidenceFromWords(t *testing.T) {
	raw := RawResponse{
		Text:  "hello there",
		Words: []RawWord{{Confidence: 0.8}, {Confidence: 0.9}},
	}

	result := Fuse(raw, LanguageEnglish)
	// mean word confidence 0.85 + 0.05
	want := 0.90
	if math.Abs(result.LanguageConfidence-want) > 1e-9 {
		t.Errorf("LanguageConfidence = %f, want %f", result.LanguageConfidence, want)
	}
}

func TestFuse_LanguageConfidencePriors(t *testing.T) {
	tests := []struct {
		requested Language
		text      string
		want      float64
	}{
		{LanguageEnglish, "hello", 0.85},
		{LanguageTwi, "medaase", 0.75},
		{LanguageGa, "ojekoo", 0.75},
	}

	for _, tt := range tests {
		result := Fuse(RawResponse{Text: tt.text}, tt.requested)
		if result.LanguageConfidence != tt.want {
			t.Errorf("Fuse(%q, %q).LanguageConfidence = %f, want %f",
				tt.text, tt.requested, result.LanguageConfidence, tt.want)
		}
	}
}

func TestFuse_WordConfidenceExtraction(t *testing.T) {
	raw := RawResponse{
		Text: "hello there friend",
		Words: []RawWord{
			{Confidence: 0.7},
			{Probability: 0.6},
			{}, // unscored word gets the optimistic placeholder
		},
	}

	result := Fuse(raw, LanguageEnglish)
	want := []float64{0.7, 0.6, 0.85}
	if !reflect.DeepEqual(result.WordConfidences, want) {
		t.Errorf("WordConfidences = %v, want %v", result.WordConfidences, want)
	}
}

func TestFuse_NoiseDetection(t *testing.T) {
	tests := []struct {
		name string
		raw  RawResponse
		want bool
	}{
		{
			name: "low confidence flags noise",
			raw:  RawResponse{Text: "hm", Words: []RawWord{{Confidence: 0.2}}},
			want: true,
		},
		{
			name: "high no_speech_prob flags noise",
			raw:  RawResponse{Text: "hello there friend", NoSpeechProb: 0.7},
			want: true,
		},
		{
			name: "clean speech",
			raw:  RawResponse{Text: "hello there friend", Words: []RawWord{{Confidence: 0.9}}},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Fuse(tt.raw, LanguageEnglish)
			if result.HasNoiseDetected != tt.want {
				t.Errorf("HasNoiseDetected = %v, want %v", result.HasNoiseDetected, tt.want)
			}
		})
	}
}

func TestFuse_ErrorShortCircuits(t *testing.T) {
	raw := RawResponse{
		Text:  "should be ignored",
		Error: "model unavailable",
		Words: []RawWord{{Confidence: 0.99}},
	}

	result := Fuse(raw, LanguageTwi)

	if result.Text != "model unavailable" {
		t.Errorf("Text = %q, want the error text", result.Text)
	}
	if result.Confidence != 0 {
		t.Errorf("Confidence = %f, want 0", result.Confidence)
	}
	if result.DetectedLanguage != LanguageEnglish {
		t.Errorf("DetectedLanguage = %q, want %q", result.DetectedLanguage, LanguageEnglish)
	}
	if result.HasNoiseDetected {
		t.Error("HasNoiseDetected must be false on upstream error")
	}
}

func TestDetectLanguage(t *testing.T) {
	tests := []struct {
		name        string
		text        string
		apiLanguage string
		want        Language
	}{
		{"api tag tw", "whatever", "tw", LanguageTwi},
		{"api tag twi", "whatever", "twi", LanguageTwi},
		{"api tag gaa", "whatever", "gaa", LanguageGa},
		{"api tag ga", "whatever", "ga", LanguageGa},
		{"api tag en", "medaase", "en", LanguageEnglish},
		{"api tag en-US", "medaase", "en-US", LanguageEnglish},
		{"twi keywords", "medaase mepaakyew", "", LanguageTwi},
		{"ga keywords", "ojekoo", "", LanguageGa},
		{"no keywords defaults to english", "hello world", "", LanguageEnglish},
		{"tie defaults to english", "medaase ojekoo", "", LanguageEnglish},
		{"unknown tag falls back to keywords", "akwaaba", "xx", LanguageTwi},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectLanguage(tt.text, tt.apiLanguage); got != tt.want {
				t.Errorf("DetectLanguage(%q, %q) = %q, want %q", tt.text, tt.apiLanguage, got, tt.want)
			}
		})
	}
}
