// Package observe provides application-wide observability primitives for
// livedub: OpenTelemetry metrics, distributed tracing, structured logging,
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all livedub metrics.
const meterName = "github.com/MrWong99/livedub"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Capture path ---

	// FramesCaptured counts frames produced by the framer.
	FramesCaptured metric.Int64Counter

	// FramesDropped counts frames discarded because the transport could
	// not accept them. Use with attribute:
	//   attribute.String("reason", ...)
	FramesDropped metric.Int64Counter

	// FramesSent counts frames written to the speech endpoint.
	FramesSent metric.Int64Counter

	// --- Playback path ---

	// ChunksReceived counts synthesised audio chunks read from the endpoint.
	ChunksReceived metric.Int64Counter

	// ChunksDropped counts chunks the scheduler rejected. Use with attribute:
	//   attribute.String("reason", ...)
	ChunksDropped metric.Int64Counter

	// PlaybackLead tracks how far ahead of the device clock chunks are
	// scheduled.
	PlaybackLead metric.Float64Histogram

	// StatusMessages counts inbound status messages. Use with attribute:
	//   attribute.String("type", ...)
	StatusMessages metric.Int64Counter

	// --- Suppression ---

	// SuppressionCommands counts MUTE/UNMUTE transmissions. Use with
	// attributes:
	//   attribute.String("command", ...), attribute.String("attempt", ...)
	SuppressionCommands metric.Int64Counter

	// --- Session lifecycle ---

	// SessionStartDuration tracks the time from Start to Capturing.
	SessionStartDuration metric.Float64Histogram

	// SessionFailures counts sessions that ended unexpectedly. Use with
	// attribute:
	//   attribute.String("cause", ...)
	SessionFailures metric.Int64Counter

	// ActiveSessions tracks the number of sessions in the Capturing state.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks control API latency, labelled with method,
	// route path ("unmatched" for 404s from the mux) and status class.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// session start and playback lead times.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.FramesCaptured, err = m.Int64Counter("livedub.capture.frames",
		metric.WithDescription("Total frames produced by the capture framer."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("livedub.capture.frames_dropped",
		metric.WithDescription("Total captured frames dropped by reason."),
	); err != nil {
		return nil, err
	}
	if met.FramesSent, err = m.Int64Counter("livedub.transport.frames_sent",
		metric.WithDescription("Total frames written to the speech endpoint."),
	); err != nil {
		return nil, err
	}
	if met.ChunksReceived, err = m.Int64Counter("livedub.transport.chunks_received",
		metric.WithDescription("Total synthesised audio chunks received."),
	); err != nil {
		return nil, err
	}
	if met.ChunksDropped, err = m.Int64Counter("livedub.playback.chunks_dropped",
		metric.WithDescription("Total playback chunks rejected by reason."),
	); err != nil {
		return nil, err
	}
	if met.StatusMessages, err = m.Int64Counter("livedub.transport.status_messages",
		metric.WithDescription("Total inbound status messages by type."),
	); err != nil {
		return nil, err
	}
	if met.SuppressionCommands, err = m.Int64Counter("livedub.suppression.commands",
		metric.WithDescription("Total suppression commands sent by command and attempt."),
	); err != nil {
		return nil, err
	}
	if met.SessionFailures, err = m.Int64Counter("livedub.session.failures",
		metric.WithDescription("Total sessions ended unexpectedly by cause."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.PlaybackLead, err = m.Float64Histogram("livedub.playback.lead",
		metric.WithDescription("Scheduling lead of playback chunks over the device clock."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionStartDuration, err = m.Float64Histogram("livedub.session.start.duration",
		metric.WithDescription("Time from session start request to capturing."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("livedub.active_sessions",
		metric.WithDescription("Number of sessions currently capturing."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("livedub.http.request.duration",
		metric.WithDescription("Control API latency by method, route and status class."),
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

// RecordFrameDropped records one dropped capture frame.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordStatus records one inbound status message.
func (m *Metrics) RecordStatus(ctx context.Context, typ string) {
	m.StatusMessages.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", typ)),
	)
}

// RecordSuppressionCommand records one MUTE/UNMUTE transmission. attempt is
// "initial" or "retry".
func (m *Metrics) RecordSuppressionCommand(ctx context.Context, command, attempt string) {
	m.SuppressionCommands.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("command", command),
			attribute.String("attempt", attempt),
		),
	)
}

// RecordSessionFailure records one unexpected session end.
func (m *Metrics) RecordSessionFailure(ctx context.Context, cause string) {
	m.SessionFailures.Add(ctx, 1,
		metric.WithAttributes(attribute.String("cause", cause)),
	)
}

// PlaybackRecorder adapts m to the playback scheduler's measurement hook.
func (m *Metrics) PlaybackRecorder() *PlaybackRecorder {
	return &PlaybackRecorder{m: m}
}

// PlaybackRecorder forwards scheduler measurements to [Metrics]. It
// satisfies the playback package's Recorder interface.
type PlaybackRecorder struct {
	m *Metrics
}

// ChunkScheduled records the chunk's scheduling lead.
func (r *PlaybackRecorder) ChunkScheduled(lead, _ time.Duration) {
	r.m.PlaybackLead.Record(context.Background(), lead.Seconds())
}

// ChunkDropped counts one rejected chunk.
func (r *PlaybackRecorder) ChunkDropped(reason string) {
	r.m.ChunksDropped.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}
