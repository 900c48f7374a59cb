// Package observe provides application-wide observability primitives:
// OpenTelemetry metrics with a Prometheus exporter bridge so instruments can
// be scraped from the standard /metrics endpoint.
//
// A package-level default [Metrics] instance ([DefaultMetrics]) is provided
// for call sites that are not dependency-injected; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/parlorbank/voxgate"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ToolDuration tracks tool execution latency. Use with attribute:
	//   attribute.String("tool", ...)
	ToolDuration metric.Float64Histogram

	// DecisionDuration tracks decision-evaluator latency.
	DecisionDuration metric.Float64Histogram

	// HTTPRequestDuration tracks REST request processing time. Use with
	// attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// Handoffs counts handoff attempts. Use with attribute:
	//   attribute.String("outcome", ...)   e.g. "ok", "failed", "blocked"
	Handoffs metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("outcome", ...)
	ToolCalls metric.Int64Counter

	// Decisions counts decision evaluations. Use with attribute:
	//   attribute.String("outcome", ...)   e.g. "ok", "fallback"
	Decisions metric.Int64Counter

	// VoiceEvents counts events received from the voice model. Use with
	// attribute:
	//   attribute.String("type", ...)
	VoiceEvents metric.Int64Counter

	// QueueDrops counts inputs discarded by a full session queue. Use with
	// attribute:
	//   attribute.String("kind", ...)   e.g. "audio", "text"
	QueueDrops metric.Int64Counter

	// StoreOps counts session-store operations. Use with attributes:
	//   attribute.String("backend", ...), attribute.String("op", ...),
	//   attribute.String("outcome", ...)
	StoreOps metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// conversational latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ToolDuration, err = m.Float64Histogram("voxgate.tool.duration",
		metric.WithDescription("Latency of tool execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DecisionDuration, err = m.Float64Histogram("voxgate.decision.duration",
		metric.WithDescription("Latency of decision evaluation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxgate.http.request.duration",
		metric.WithDescription("REST request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Handoffs, err = m.Int64Counter("voxgate.handoffs",
		metric.WithDescription("Total handoff attempts by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("voxgate.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and outcome."),
	); err != nil {
		return nil, err
	}
	if met.Decisions, err = m.Int64Counter("voxgate.decision.evaluations",
		metric.WithDescription("Total decision evaluations by outcome."),
	); err != nil {
		return nil, err
	}
	if met.VoiceEvents, err = m.Int64Counter("voxgate.voice.events",
		metric.WithDescription("Total voice-model events by type."),
	); err != nil {
		return nil, err
	}
	if met.QueueDrops, err = m.Int64Counter("voxgate.queue.drops",
		metric.WithDescription("Total inputs discarded by a full session queue, by kind."),
	); err != nil {
		return nil, err
	}
	if met.StoreOps, err = m.Int64Counter("voxgate.store.operations",
		metric.WithDescription("Total session-store operations by backend, op, and outcome."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxgate.active_sessions",
		metric.WithDescription("Number of live sessions."),
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

// SessionStarted records a session coming online.
func (m *Metrics) SessionStarted(ctx context.Context) {
	m.ActiveSessions.Add(ctx, 1)
}

// SessionEnded records a session going away.
func (m *Metrics) SessionEnded(ctx context.Context) {
	m.ActiveSessions.Add(ctx, -1)
}

// RecordHandoff records one handoff attempt with its outcome.
func (m *Metrics) RecordHandoff(ctx context.Context, outcome string) {
	m.Handoffs.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordToolCall records one tool invocation: the counter by tool and
// outcome, and the latency histogram by tool.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, outcome string, seconds float64) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("outcome", outcome),
		),
	)
	m.ToolDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("tool", tool)),
	)
}

// RecordDecision records one decision evaluation: the counter by outcome and
// the latency histogram.
func (m *Metrics) RecordDecision(ctx context.Context, outcome string, seconds float64) {
	m.Decisions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
	m.DecisionDuration.Record(ctx, seconds)
}

// RecordVoiceEvent records one event received from the voice model.
func (m *Metrics) RecordVoiceEvent(ctx context.Context, eventType string) {
	m.VoiceEvents.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", eventType)),
	)
}

// RecordHTTPRequest records one REST request's latency by method and path.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, seconds float64) {
	m.HTTPRequestDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("method", method),
			attribute.String("path", path),
		),
	)
}

// RecordQueueDrop records one input discarded by a full session queue.
func (m *Metrics) RecordQueueDrop(ctx context.Context, kind string) {
	m.QueueDrops.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordStoreOp records one session-store operation.
func (m *Metrics) RecordStoreOp(ctx context.Context, backend, op, outcome string) {
	m.StoreOps.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("op", op),
			attribute.String("outcome", outcome),
		),
	)
}
