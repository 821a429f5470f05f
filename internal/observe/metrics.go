// Package observe provides application-wide observability primitives for
// chatterbox: OpenTelemetry metrics, tracing, structured logging, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped from the /metrics endpoint. A package-level default [Metrics]
// instance ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all chatterbox metrics.
const meterName = "github.com/MrWong99/chatterbox"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Session ---

	// ConnectDuration tracks the time from connect request to the transport
	// reporting the session open. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ConnectDuration metric.Float64Histogram

	// SessionTransitions counts state machine transitions. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	SessionTransitions metric.Int64Counter

	// SessionErrors counts session failures by error kind. Use with attribute:
	//   attribute.String("kind", ...)
	SessionErrors metric.Int64Counter

	// ActiveSessions tracks the number of connected sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- Playback ---

	// ChunksScheduled counts inbound audio chunks placed on the timeline.
	ChunksScheduled metric.Int64Counter

	// DecodeErrors counts inbound chunks that failed to decode.
	DecodeErrors metric.Int64Counter

	// PlaybackInterrupts counts timeline flushes. Use with attribute:
	//   attribute.String("reason", ...)
	PlaybackInterrupts metric.Int64Counter

	// PlaybackGaps tracks audible silence between consecutive chunks caused
	// by late arrival.
	PlaybackGaps metric.Float64Histogram

	// --- Capture ---

	// FramesSent counts captured frames handed to the transport.
	FramesSent metric.Int64Counter

	// FramesDropped counts captured frames that were not sent. Use with
	// attribute:
	//   attribute.String("reason", ...)
	FramesDropped metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// connection setup.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// gapBuckets defines histogram bucket boundaries (in seconds) for playback
// gaps. Anything above a few milliseconds is audible.
var gapBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("chatterbox.session.connect.duration",
		metric.WithDescription("Latency from connect request to session open."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PlaybackGaps, err = m.Float64Histogram("chatterbox.playback.gap",
		metric.WithDescription("Silence inserted between consecutive chunks because of late arrival."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(gapBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.SessionTransitions, err = m.Int64Counter("chatterbox.session.transitions",
		metric.WithDescription("Total session state transitions by source and target status."),
	); err != nil {
		return nil, err
	}
	if met.SessionErrors, err = m.Int64Counter("chatterbox.session.errors",
		metric.WithDescription("Total session failures by error kind."),
	); err != nil {
		return nil, err
	}
	if met.ChunksScheduled, err = m.Int64Counter("chatterbox.playback.chunks",
		metric.WithDescription("Total inbound audio chunks scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.DecodeErrors, err = m.Int64Counter("chatterbox.playback.decode_errors",
		metric.WithDescription("Total inbound audio chunks that failed to decode."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackInterrupts, err = m.Int64Counter("chatterbox.playback.interrupts",
		metric.WithDescription("Total playback flushes by reason."),
	); err != nil {
		return nil, err
	}
	if met.FramesSent, err = m.Int64Counter("chatterbox.capture.frames_sent",
		metric.WithDescription("Total captured frames sent to the service."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("chatterbox.capture.frames_dropped",
		metric.WithDescription("Total captured frames dropped by reason."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("chatterbox.active_sessions",
		metric.WithDescription("Number of connected voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("chatterbox.http.request.duration",
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

// RecordConnect records how long a connection attempt took to open (or fail).
func (m *Metrics) RecordConnect(ctx context.Context, provider, status string, d time.Duration) {
	m.ConnectDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordTransition records one session state transition.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.SessionTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordSessionError records a session failure of the given kind.
func (m *Metrics) RecordSessionError(ctx context.Context, kind string) {
	m.SessionErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordInterrupt records a playback flush.
func (m *Metrics) RecordInterrupt(ctx context.Context, reason string) {
	m.PlaybackInterrupts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordFrameDropped records a captured frame that was not sent.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}
