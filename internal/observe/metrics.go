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

// Package observe provides OpenTelemetry metrics for the hub. Metrics are
// recorded through the OTel Metrics API and exported via a Prometheus bridge
// registered by [InitProvider], so the standard /metrics endpoint keeps
// working. Tests should use [NewMetrics] with their own
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all hub metrics.
const meterName = "github.com/kasalabs/kasa-hub"

// Metrics holds all OpenTelemetry metric instruments for the hub. All fields
// are safe for concurrent use.
type Metrics struct {
	// TranscriptionDuration tracks batch recognition latency.
	TranscriptionDuration metric.Float64Histogram

	// IntentDuration tracks intent classification latency.
	IntentDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// Transcriptions counts processed utterances. Use with attributes:
	//   attribute.String("language", ...), attribute.String("source", ...), attribute.String("status", ...)
	Transcriptions metric.Int64Counter

	// IntentClassifications counts intent results. Use with attributes:
	//   attribute.String("source", ...), attribute.String("category", ...)
	IntentClassifications metric.Int64Counter

	// RecognizerErrors counts failed recognizer calls.
	RecognizerErrors metric.Int64Counter

	// StreamReconnects counts streaming session reconnect attempts.
	StreamReconnects metric.Int64Counter

	// ActiveStreams tracks the number of live streaming sessions.
	ActiveStreams metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// speech pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.TranscriptionDuration, err = m.Float64Histogram("kasa.transcription.duration",
		metric.WithDescription("Latency of batch speech recognition."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.IntentDuration, err = m.Float64Histogram("kasa.intent.duration",
		metric.WithDescription("Latency of intent classification."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("kasa.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if met.Transcriptions, err = m.Int64Counter("kasa.transcriptions",
		metric.WithDescription("Total processed utterances by language, source, and status."),
	); err != nil {
		return nil, err
	}
	if met.IntentClassifications, err = m.Int64Counter("kasa.intent.classifications",
		metric.WithDescription("Total intent classifications by source and category."),
	); err != nil {
		return nil, err
	}
	if met.RecognizerErrors, err = m.Int64Counter("kasa.recognizer.errors",
		metric.WithDescription("Total failed recognizer calls."),
	); err != nil {
		return nil, err
	}
	if met.StreamReconnects, err = m.Int64Counter("kasa.stream.reconnects",
		metric.WithDescription("Total streaming session reconnect attempts."),
	); err != nil {
		return nil, err
	}

	if met.ActiveStreams, err = m.Int64UpDownCounter("kasa.active_streams",
		metric.WithDescription("Number of live streaming sessions."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call using [otel.GetMeterProvider]. Subsequent calls return the
// same pointer.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordTranscription records one processed utterance with the standard
// attribute set.
func (m *Metrics) RecordTranscription(ctx context.Context, language, source, status string) {
	m.Transcriptions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("language", language),
			attribute.String("source", source),
			attribute.String("status", status),
		),
	)
}

// RecordIntent records one intent classification with the standard attribute
// set.
func (m *Metrics) RecordIntent(ctx context.Context, source, category string) {
	m.IntentClassifications.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("source", source),
			attribute.String("category", category),
		),
	)
}

// RecordRecognizerError records one failed recognizer call.
func (m *Metrics) RecordRecognizerError(ctx context.Context, kind string) {
	m.RecognizerErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordStreamReconnect records one streaming reconnect attempt.
func (m *Metrics) RecordStreamReconnect(ctx context.Context) {
	m.StreamReconnects.Add(ctx, 1)
}
