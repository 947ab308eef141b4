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

// Package audio provides real-time audio quality analysis over microphone
// metering levels. Levels are decibel-like readings in [-160, 0] where -160
// is silence and 0 is maximum input. Analysis is pure and runs synchronously
// on the sampling loop; it never blocks and never fails.
package audio

// LevelSample is a single microphone metering reading in dB, range [-160, 0].
type LevelSample = float64

const (
	// SilenceLevel is the metering floor reported when no input is present.
	SilenceLevel LevelSample = -160

	// quietThreshold marks the average level below which speech is
	// considered too quiet to transcribe reliably.
	quietThreshold = -50

	// loudThreshold marks the peak level above which clipping is likely.
	loudThreshold = -10

	// varianceThreshold is the maximum level variance for input to be
	// considered consistent.
	varianceThreshold = 500

	// minFeedbackSamples is the minimum window size before user-facing
	// feedback is produced. Below this the window is too small to judge.
	minFeedbackSamples = 10
)

// QualityVerdict is an immutable snapshot of recording quality, recomputed
// from the current sample window on every new sample.
type QualityVerdict struct {
	AverageLevel       float64 `json:"average_level"`
	PeakLevel          float64 `json:"peak_level"`
	IsTooQuiet         bool    `json:"is_too_quiet"`
	IsTooLoud          bool    `json:"is_too_loud"`
	HasConsistentInput bool    `json:"has_consistent_input"`
}

// Analyze computes a quality verdict over a window of metering samples.
// An empty window yields the fail-safe "bad" default: silent, too quiet,
// inconsistent. The function is total and has no failure mode.
func Analyze(samples []LevelSample) QualityVerdict {
	if len(samples) == 0 {
		return QualityVerdict{
			AverageLevel:       SilenceLevel,
			PeakLevel:          SilenceLevel,
			IsTooQuiet:         true,
			IsTooLoud:          false,
			HasConsistentInput: false,
		}
	}

	var sum float64
	peak := samples[0]
	for _, s := range samples {
		sum += s
		if s > peak {
			peak = s
		}
	}
	average := sum / float64(len(samples))

	var variance float64
	for _, s := range samples {
		d := s - average
		variance += d * d
	}
	variance /= float64(len(samples))

	return QualityVerdict{
		AverageLevel:       average,
		PeakLevel:          peak,
		IsTooQuiet:         average < quietThreshold,
		IsTooLoud:          peak > loudThreshold,
		HasConsistentInput: variance < varianceThreshold,
	}
}

// Feedback maps a sample window to at most one human-readable hint for the
// speaker. Priority: too quiet, then too loud, then inconsistent input.
// No feedback is produced until at least minFeedbackSamples samples have
// accumulated, which avoids noisy false positives at recording start.
func Feedback(samples []LevelSample) (string, bool) {
	if len(samples) < minFeedbackSamples {
		return "", false
	}

	verdict := Analyze(samples)

	switch {
	case verdict.IsTooQuiet:
		return "Audio too quiet - please speak closer to the microphone", true
	case verdict.IsTooLoud:
		return "Audio too loud - please speak a bit softer", true
	case !verdict.HasConsistentInput:
		return "Inconsistent audio - please reduce background noise", true
	}

	return "", false
}
