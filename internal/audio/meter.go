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

// DefaultMeterWindow is the default number of metering samples retained for
// quality analysis, roughly the last two seconds at a 100ms sampling cadence.
const DefaultMeterWindow = 20

// MeterBuffer is a bounded ring buffer of metering levels owned by a single
// recording attempt. It has exactly one writer (the sampling loop) and is
// read synchronously on the same goroutine, so it carries no lock.
type MeterBuffer struct {
	levels []LevelSample
	size   int
	head   int
	count  int
}

// NewMeterBuffer creates a meter buffer holding up to size samples.
// A non-positive size falls back to DefaultMeterWindow.
func NewMeterBuffer(size int) *MeterBuffer {
	if size <= 0 {
		size = DefaultMeterWindow
	}
	return &MeterBuffer{
		levels: make([]LevelSample, size),
		size:   size,
	}
}

// Push appends a sample, evicting the oldest when full. Readings outside
// [-160, 0] are clamped to the valid metering range.
func (b *MeterBuffer) Push(level LevelSample) {
	if level < SilenceLevel {
		level = SilenceLevel
	}
	if level > 0 {
		level = 0
	}

	b.levels[b.head] = level
	b.head = (b.head + 1) % b.size
	if b.count < b.size {
		b.count++
	}
}

// Len returns the number of samples currently held.
func (b *MeterBuffer) Len() int {
	return b.count
}

// Samples returns the retained window in insertion order, oldest first.
// The returned slice is a copy; callers may not mutate buffer state.
func (b *MeterBuffer) Samples() []LevelSample {
	out := make([]LevelSample, b.count)
	start := b.head - b.count
	if start < 0 {
		start += b.size
	}
	for i := 0; i < b.count; i++ {
		out[i] = b.levels[(start+i)%b.size]
	}
	return out
}

// Reset discards all samples. Used when a new recording attempt begins so
// analysis never operates on a stale window.
func (b *MeterBuffer) Reset() {
	b.head = 0
	b.count = 0
}
