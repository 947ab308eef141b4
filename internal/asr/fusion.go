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
	"strings"
)

const (
	baseConfidence = 0.75
	minConfidence  = 0.40
	maxConfidence  = 0.98

	minLanguageConfidence = 0.70
	maxLanguageConfidence = 0.98

	// defaultWordConfidence is the optimistic placeholder for words the
	// backend returned without a score. Absence of a score usually means
	// the backend did not bother scoring a high-confidence word.
	defaultWordConfidence = 0.85

	noiseConfidenceFloor   = 0.5
	noSpeechProbThreshold  = 0.6
	unclearMarkerPenalty   = 0.65
	singleWordPenalty      = 0.90
	twoWordPenalty         = 0.95
	longUtteranceBoost     = 1.02
	taggedLanguageTrust    = 0.95
	wordLanguageMarginalia = 0.05
)

// Keyword lexicons for last-resort language detection. Short curated lists
// of greeting and politeness terms; low precision on short utterances, which
// is why the backend's own tag always wins.
var (
	twiKeywords = []string{"medaase", "mepaakyew", "ete sen", "akwaaba", "maakye"}
	gaKeywords  = []string{"oyiwaladonŋ", "afoowalemo", "ojekoo", "misaalɛ"}
)

// Fuse combines a raw recognizer response into a calibrated
// TranscriptionResult. It is pure and total: identical input yields
// identical output, absent optional fields degrade to defaults, and it
// never fails. An explicit error payload short-circuits into a degraded
// result carrying the error text so the caller's UI has something to show.
func Fuse(raw RawResponse, requested Language) TranscriptionResult {
	if raw.Error != "" {
		return TranscriptionResult{
			Text:             raw.Error,
			RawText:          raw.Error,
			DetectedLanguage: LanguageEnglish,
			Confidence:       0,
			HasNoiseDetected: false,
		}
	}

	text := strings.TrimSpace(raw.Text)

	detected := requested
	if requested == LanguageAuto || !requested.Valid() {
		detected = DetectLanguage(text, raw.Language)
	}

	confidence := calculateConfidence(raw, text)

	return TranscriptionResult{
		Text:               text,
		RawText:            raw.Text,
		DetectedLanguage:   detected,
		Confidence:         confidence,
		LanguageConfidence: languageConfidence(raw, detected),
		WordConfidences:    wordConfidences(raw),
		HasNoiseDetected:   detectNoise(raw, confidence),
	}
}

// calculateConfidence derives a single confidence score from whatever
// metadata the backend provided, in priority order: word-level scores,
// segment-level log probabilities, then a moderate default. Text length and
// unclear markers adjust the base score before clamping.
func calculateConfidence(raw RawResponse, text string) float64 {
	confidence := baseConfidence

	if mean, ok := meanWordScore(raw.Words); ok {
		confidence = mean
	} else if mean, ok := meanSegmentScore(raw.Segments); ok {
		confidence = mean
	}

	if math.IsNaN(confidence) || math.IsInf(confidence, 0) {
		confidence = baseConfidence
	}

	// Very short transcripts are statistically less reliable per word;
	// longer ones average out recognition noise.
	switch wordCount := len(strings.Fields(text)); {
	case wordCount == 1:
		confidence *= singleWordPenalty
	case wordCount == 2:
		confidence *= twoWordPenalty
	case wordCount >= 5:
		confidence = math.Min(maxConfidence, confidence*longUtteranceBoost)
	}

	if hasUnclearMarkers(text) {
		confidence *= unclearMarkerPenalty
	}

	return clamp(confidence, minConfidence, maxConfidence)
}

// meanWordScore averages word-level scores, ignoring unscored words.
func meanWordScore(words []RawWord) (float64, bool) {
	var sum float64
	var n int
	for _, w := range words {
		if s := w.score(); s > 0 {
			sum += s
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// meanSegmentScore averages exp(avg_logprob) over segments with a usable
// log probability.
func meanSegmentScore(segments []RawSegment) (float64, bool) {
	var sum float64
	var n int
	for _, seg := range segments {
		if seg.AvgLogProb == 0 {
			continue
		}
		if p := math.Exp(seg.AvgLogProb); p > 0 && !math.IsInf(p, 0) {
			sum += p
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

func hasUnclearMarkers(text string) bool {
	lower := strings.ToLower(text)
	return strings.Contains(text, "...") ||
		strings.Contains(lower, "[inaudible]") ||
		strings.Contains(lower, "unclear")
}

// languageConfidence estimates how confident we are in the language call.
// A backend that commits to an explicit language tag is trusted highly;
// word-level scores lift the estimate slightly; otherwise fixed priors
// reflect relative training-data scarcity for the local languages.
func languageConfidence(raw RawResponse, detected Language) float64 {
	if raw.Language != "" {
		return taggedLanguageTrust
	}

	if len(raw.Words) > 0 {
		var sum float64
		for _, w := range raw.Words {
			sum += w.score()
		}
		mean := sum / float64(len(raw.Words))
		return clamp(mean+wordLanguageMarginalia, minLanguageConfidence, maxLanguageConfidence)
	}

	switch detected {
	case LanguageEnglish:
		return 0.85
	case LanguageTwi, LanguageGa:
		return 0.75
	}
	return minLanguageConfidence
}

// wordConfidences extracts per-word scores, substituting the optimistic
// placeholder for words the backend left unscored.
func wordConfidences(raw RawResponse) []float64 {
	if len(raw.Words) == 0 {
		return nil
	}
	out := make([]float64, len(raw.Words))
	for i, w := range raw.Words {
		s := w.score()
		if s == 0 {
			s = defaultWordConfidence
		}
		out[i] = s
	}
	return out
}

// detectNoise flags likely background-noise interference: either overall
// confidence collapsed, or the backend itself judged the audio as non-speech.
func detectNoise(raw RawResponse, confidence float64) bool {
	if confidence < noiseConfidenceFloor {
		return true
	}
	return raw.NoSpeechProb > noSpeechProbThreshold
}

// DetectLanguage resolves the utterance language. The backend's own tag,
// mapped through a fixed code table, always wins; keyword matching against
// the curated lexicons is a last resort, and ties or zero matches default
// to English.
func DetectLanguage(text, apiLanguage string) Language {
	switch tag := strings.ToLower(apiLanguage); {
	case tag == "tw" || tag == "twi":
		return LanguageTwi
	case tag == "gaa" || tag == "ga":
		return LanguageGa
	case strings.HasPrefix(tag, "en"):
		return LanguageEnglish
	}

	lower := strings.ToLower(text)
	twiMatches := countMatches(lower, twiKeywords)
	gaMatches := countMatches(lower, gaKeywords)

	if twiMatches > gaMatches && twiMatches > 0 {
		return LanguageTwi
	}
	if gaMatches > twiMatches && gaMatches > 0 {
		return LanguageGa
	}
	return LanguageEnglish
}

func countMatches(text string, keywords []string) int {
	n := 0
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			n++
		}
	}
	return n
}

// clamp bounds v to [lo, hi]. NaN collapses to the lower bound so crafted
// pathological input can never escape the documented range.
func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
