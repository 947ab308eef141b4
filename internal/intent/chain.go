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
	"time"

	"go.uber.org/zap"

	"github.com/kasalabs/kasa-hub/internal/logging"
	"github.com/kasalabs/kasa-hub/internal/observe"
)

const defaultChainTimeout = 15 * time.Second

// Chain runs the remote classifier first and degrades to the keyword
// fallback on any failure. Classification never fails from the caller's
// point of view: there is always a Result, only its source varies.
type Chain struct {
	remote   Classifier
	fallback Classifier
	metrics  *observe.Metrics
	timeout  time.Duration
}

// NewChain builds the remote-first classification chain. remote may be nil
// when no model is configured; the chain then answers from the keyword
// fallback alone.
func NewChain(remote Classifier, fallback Classifier) *Chain {
	if fallback == nil {
		fallback = NewKeywordClassifier()
	}
	return &Chain{
		remote:   remote,
		fallback: fallback,
		metrics:  observe.DefaultMetrics(),
		timeout:  defaultChainTimeout,
	}
}

// Classify resolves one utterance. The returned Source reports which stage
// produced the result.
func (c *Chain) Classify(ctx context.Context, text string) (Result, Source) {
	startTime := time.Now()
	defer func() {
		c.metrics.IntentDuration.Record(ctx, time.Since(startTime).Seconds())
	}()

	if notSpeech(text) {
		return waitingResult(), c.fallback.Source()
	}

	chainCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if c.remote != nil {
		result, err := c.remote.Classify(chainCtx, text)
		if err == nil {
			logging.LogIntent(string(c.remote.Source()), result.Category,
				zap.Duration("processing_time", time.Since(startTime)),
			)
			return result, c.remote.Source()
		}
		logging.LogWarn("Remote intent classification failed, using fallback",
			zap.Error(err),
			zap.Duration("processing_time", time.Since(startTime)),
		)
	}

	// The keyword classifier cannot fail.
	result, _ := c.fallback.Classify(chainCtx, text)
	logging.LogIntent(string(c.fallback.Source()), result.Category,
		zap.Duration("processing_time", time.Since(startTime)),
	)
	return result, c.fallback.Source()
}
