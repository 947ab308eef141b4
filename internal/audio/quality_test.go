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

package audio

import (
	"math"
	"strings"
	"testing"
)

func TestAnalyze_EmptyWindow(t *testing.T) {
	verdict := Analyze(nil)

	if verdict.AverageLevel != SilenceLevel {
		t.Errorf("AverageLevel = %f, want %f", verdict.AverageLevel, SilenceLevel)
	}
	if verdict.PeakLevel != SilenceLevel {
		t.Errorf("PeakLevel = %f, want %f", verdict.PeakLevel, SilenceLevel)
	}
	if !verdict.IsTooQuiet {
		t.Error("empty window must be flagged too quiet")
	}
	if verdict.IsTooLoud {
		t.Error("empty window must not be flagged too loud")
	}
	if verdict.HasConsistentInput {
		t.Error("empty window must not be flagged consistent")
	}
}

func TestAnalyze_TotalSilence(t *testing.T) {
	samples := make([]LevelSample, 20)
	for i := range samples {
		samples[i] = -160
	}

	verdict := Analyze(samples)
	if !verdict.IsTooQuiet {
		t.Error("total silence must be flagged too quiet")
	}
	if verdict.IsTooLoud {
		t.Error("total silence must not be flagged too loud")
	}
	if verdict.AverageLevel != -160 {
		t.Errorf("AverageLevel = %f, want -160", verdict.AverageLevel)
	}
	// Zero variance means perfectly consistent input
	if !verdict.HasConsistentInput {
		t.Error("constant input must be flagged consistent")
	}
}

func TestAnalyze_MaxInput(t *testing.T) {
	samples := make([]LevelSample, 20)

	verdict := Analyze(samples)
	if !verdict.IsTooLoud {
		t.Error("0 dB peak must be flagged too loud")
	}
	if verdict.IsTooQuiet {
		t.Error("0 dB average must not be flagged too quiet")
	}
	if verdict.PeakLevel != 0 {
		t.Errorf("PeakLevel = %f, want 0", verdict.PeakLevel)
	}
}

func TestAnalyze_NormalSpeech(t *testing.T) {
	// Typical speech levels around -30 dB with mild variation
	samples := []LevelSample{-32, -28, -30, -29, -31, -27, -33, -30, -28, -31}

	verdict := Analyze(samples)
	if verdict.IsTooQuiet {
		t.Error("normal speech must not be flagged too quiet")
	}
	if verdict.IsTooLoud {
		t.Error("normal speech must not be flagged too loud")
	}
	if !verdict.HasConsistentInput {
		t.Error("low-variance speech must be flagged consistent")
	}
}

func TestAnalyze_InconsistentInput(t *testing.T) {
	// Alternating extremes: variance well above the threshold but an
	// average that is neither too quiet nor at the clipping peak.
	samples := []LevelSample{-15, -90, -15, -90, -15, -90, -15, -90, -15, -90}

	verdict := Analyze(samples)
	if verdict.HasConsistentInput {
		t.Error("high-variance input must not be flagged consistent")
	}

	wantAvg := -52.5
	if math.Abs(verdict.AverageLevel-wantAvg) > 1e-9 {
		t.Errorf("AverageLevel = %f, want %f", verdict.AverageLevel, wantAvg)
	}
}

func TestFeedback_Priority(t *testing.T) {
	tests := []struct {
		name    string
		samples []LevelSample
		want    string
	}{
		{
			name:    "too quiet wins",
			samples: repeat(-80, 12),
			want:    "too quiet",
		},
		{
			name:    "too loud",
			samples: repeat(-5, 12),
			want:    "too loud",
		},
		{
			name: "inconsistent",
			samples: []LevelSample{
				-15, -90, -15, -90, -15, -90, -15, -90, -15, -49, -15, -49,
			},
			want: "Inconsistent",
		},
		{
			name:    "good audio yields no feedback",
			samples: repeat(-30, 12),
			want:    "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, ok := Feedback(tt.samples)
			if tt.want == "" {
				if ok {
					t.Errorf("Feedback() = %q, want none", msg)
				}
				return
			}
			if !ok {
				t.Fatalf("Feedback() returned none, want message containing %q", tt.want)
			}
			if !strings.Contains(msg, tt.want) {
				t.Errorf("Feedback() = %q, want message containing %q", msg, tt.want)
			}
		})
	}
}

func TestFeedback_SuppressedForShortWindows(t *testing.T) {
	// Nine silent samples: clearly bad quality, but below the feedback gate
	if msg, ok := Feedback(repeat(-160, 9)); ok {
		t.Errorf("Feedback() = %q for short window, want none", msg)
	}

	if _, ok := Feedback(repeat(-160, 10)); !ok {
		t.Error("Feedback() must fire once the window reaches 10 samples")
	}
}

func repeat(level LevelSample, n int) []LevelSample {
	out := make([]LevelSample, n)
	for i := range out {
		out[i] = level
	}
	return out
}
