// Package observe provides application-wide observability primitives for
// sonicbridge: OpenTelemetry metrics, tracing helpers, and the quality sinks
// consumed by the jitter buffer and framer.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still
// be scraped via the standard /metrics endpoint. A package-level default
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

// meterName is the instrumentation scope name used for all bridge metrics.
const meterName = "github.com/MrWong99/sonicbridge"

// Metrics holds all OpenTelemetry metric instruments for the bridge.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Media path counters ---

	// FramesSent counts outbound carrier media frames.
	FramesSent metric.Int64Counter

	// FrameSendErrors counts failed carrier socket sends.
	FrameSendErrors metric.Int64Counter

	// BufferOverruns counts jitter-buffer overruns (oldest audio dropped).
	BufferOverruns metric.Int64Counter

	// BufferUnderruns counts jitter-buffer underruns (tick with too little
	// data while audio was pending).
	BufferUnderruns metric.Int64Counter

	// SendQueueOverruns counts outbound send-queue drops.
	SendQueueOverruns metric.Int64Counter

	// TimerDelays counts framer ticks that arrived more than the tolerance
	// past their nominal interval.
	TimerDelays metric.Int64Counter

	// BackpressureSkips counts pump turns skipped because the socket's
	// buffered bytes exceeded the threshold.
	BackpressureSkips metric.Int64Counter

	// --- Model RPC ---

	// ModelEvents counts model events dispatched, by event type.
	ModelEvents metric.Int64Counter

	// ModelErrors counts model error variants surfaced, by type.
	ModelErrors metric.Int64Counter

	// UsageTokens accumulates token usage reported in usageEvent, by
	// direction ("input"/"output").
	UsageTokens metric.Int64Counter

	// --- Histograms ---

	// QueueLatency tracks time spent by media frames in the send queue.
	QueueLatency metric.Float64Histogram

	// --- Gauges ---

	// ActiveSessions tracks the number of live call sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for frame-pacing latencies.
var latencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.02, 0.05, 0.1, 0.25, 0.5, 1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.FramesSent, err = m.Int64Counter("sonicbridge.frames.sent",
		metric.WithDescription("Outbound carrier media frames sent."),
	); err != nil {
		return nil, err
	}
	if met.FrameSendErrors, err = m.Int64Counter("sonicbridge.frames.errors",
		metric.WithDescription("Failed carrier socket sends."),
	); err != nil {
		return nil, err
	}
	if met.BufferOverruns, err = m.Int64Counter("sonicbridge.jitter.overruns",
		metric.WithDescription("Jitter buffer overruns (oldest audio dropped)."),
	); err != nil {
		return nil, err
	}
	if met.BufferUnderruns, err = m.Int64Counter("sonicbridge.jitter.underruns",
		metric.WithDescription("Jitter buffer underruns."),
	); err != nil {
		return nil, err
	}
	if met.SendQueueOverruns, err = m.Int64Counter("sonicbridge.sendqueue.overruns",
		metric.WithDescription("Outbound send-queue drops."),
	); err != nil {
		return nil, err
	}
	if met.TimerDelays, err = m.Int64Counter("sonicbridge.framer.timer_delays",
		metric.WithDescription("Framer ticks arriving past tolerance."),
	); err != nil {
		return nil, err
	}
	if met.BackpressureSkips, err = m.Int64Counter("sonicbridge.sendqueue.backpressure_skips",
		metric.WithDescription("Pump turns skipped due to socket backpressure."),
	); err != nil {
		return nil, err
	}
	if met.ModelEvents, err = m.Int64Counter("sonicbridge.model.events",
		metric.WithDescription("Model events dispatched, by type."),
	); err != nil {
		return nil, err
	}
	if met.ModelErrors, err = m.Int64Counter("sonicbridge.model.errors",
		metric.WithDescription("Model error variants surfaced, by type."),
	); err != nil {
		return nil, err
	}
	if met.UsageTokens, err = m.Int64Counter("sonicbridge.model.usage_tokens",
		metric.WithDescription("Token usage reported by the model, by direction."),
	); err != nil {
		return nil, err
	}

	if met.QueueLatency, err = m.Float64Histogram("sonicbridge.sendqueue.latency",
		metric.WithDescription("Time media frames spend in the send queue."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("sonicbridge.active_sessions",
		metric.WithDescription("Number of live call sessions."),
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
// same pointer. Panics if instrument creation fails (should not happen with
// the global provider).
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

// RecordModelEvent records a dispatched model event by type.
func (m *Metrics) RecordModelEvent(ctx context.Context, eventType string) {
	m.ModelEvents.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", eventType)))
}

// RecordModelError records a surfaced model error variant by type.
func (m *Metrics) RecordModelError(ctx context.Context, errType string) {
	m.ModelErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", errType)))
}

// RecordUsage records token usage by direction.
func (m *Metrics) RecordUsage(ctx context.Context, direction string, tokens int64) {
	m.UsageTokens.Add(ctx, tokens,
		metric.WithAttributes(attribute.String("direction", direction)))
}
