// Package observe provides application-wide observability primitives for
// Beamline: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Beamline metrics.
const meterName = "github.com/acoustio/beamline"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Counters ---

	// FramesDelivered counts frames handed to the consumer queue. Use with
	// attribute: attribute.String("source", ...)
	FramesDelivered metric.Int64Counter

	// FramesLost counts frames evicted from a full queue or discarded
	// during shutdown drain. Use with attribute:
	//   attribute.String("source", ...)
	FramesLost metric.Int64Counter

	// DatasetsFlushed counts datasets written to container files.
	DatasetsFlushed metric.Int64Counter

	// BytesRecorded counts bytes written to container files, after
	// compression.
	BytesRecorded metric.Int64Counter

	// --- Latency histograms ---

	// BeamformDuration tracks per-frame beamforming latency.
	BeamformDuration metric.Float64Histogram

	// FrameWait tracks how long the consumer waited for the next frame.
	FrameWait metric.Float64Histogram

	// --- Gauges ---

	// ActiveSessions tracks the number of running acquisition sessions.
	ActiveSessions metric.Int64UpDownCounter

	// QueueDepth tracks the consumer queue fill level.
	QueueDepth metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// per-frame processing: a 256-sample frame at 50 kHz lasts 5.12 ms, so the
// interesting range sits well below a second.
var latencyBuckets = []float64{
	0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.FramesDelivered, err = m.Int64Counter("beamline.frames.delivered",
		metric.WithDescription("Total frames delivered to the consumer queue, by source."),
	); err != nil {
		return nil, err
	}
	if met.FramesLost, err = m.Int64Counter("beamline.frames.lost",
		metric.WithDescription("Total frames evicted or discarded, by source."),
	); err != nil {
		return nil, err
	}
	if met.DatasetsFlushed, err = m.Int64Counter("beamline.recording.datasets",
		metric.WithDescription("Total datasets flushed to container files."),
	); err != nil {
		return nil, err
	}
	if met.BytesRecorded, err = m.Int64Counter("beamline.recording.bytes",
		metric.WithDescription("Total bytes written to container files."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.BeamformDuration, err = m.Float64Histogram("beamline.beamform.duration",
		metric.WithDescription("Per-frame beamforming latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FrameWait, err = m.Float64Histogram("beamline.frame.wait",
		metric.WithDescription("Consumer wait for the next frame."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("beamline.active_sessions",
		metric.WithDescription("Number of running acquisition sessions."),
	); err != nil {
		return nil, err
	}
	if met.QueueDepth, err = m.Int64UpDownCounter("beamline.queue.depth",
		metric.WithDescription("Consumer queue fill level in frames."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("beamline.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
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

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordFramesDelivered adds n to the delivered-frame counter for source.
func (m *Metrics) RecordFramesDelivered(ctx context.Context, source string, n int64) {
	m.FramesDelivered.Add(ctx, n,
		metric.WithAttributes(attribute.String("source", source)),
	)
}

// RecordFramesLost adds n to the lost-frame counter for source.
func (m *Metrics) RecordFramesLost(ctx context.Context, source string, n int64) {
	m.FramesLost.Add(ctx, n,
		metric.WithAttributes(attribute.String("source", source)),
	)
}

// RecordDatasetFlush records one flushed dataset of the given encoded size.
func (m *Metrics) RecordDatasetFlush(ctx context.Context, bytes int64) {
	m.DatasetsFlushed.Add(ctx, 1)
	m.BytesRecorded.Add(ctx, bytes)
}
