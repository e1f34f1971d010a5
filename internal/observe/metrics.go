// Package observe provides application-wide observability primitives for
// livecoach: OpenTelemetry metrics and the SDK provider setup that bridges
// them to Prometheus.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
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

// meterName is the instrumentation scope name used for all livecoach metrics.
const meterName = "github.com/callwise/livecoach"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// GenerationDuration tracks generative-AI nudge generation latency,
	// including fallback substitution time.
	GenerationDuration metric.Float64Histogram

	// DispatchDuration tracks the delivery fan-out latency from dispatch to first
	// client acknowledgement.
	DispatchDuration metric.Float64Histogram

	// --- Counters ---

	// SegmentsIngested counts finalized segments accepted by the normalizer.
	// Use with attribute.String("speaker", ...).
	SegmentsIngested metric.Int64Counter

	// SegmentsDropped counts raw segments rejected by validation.
	// Use with attribute.String("reason", ...).
	SegmentsDropped metric.Int64Counter

	// Triggers counts trigger detector outcomes. Use with attributes:
	//   attribute.String("category", ...), attribute.String("outcome", "fired"|"suppressed")
	Triggers metric.Int64Counter

	// GenerationFallbacks counts static-template substitutions. Use with
	// attribute.String("reason", "timeout"|"failure").
	GenerationFallbacks metric.Int64Counter

	// NudgeTransitions counts nudge lifecycle transitions. Use with
	// attribute.String("state", ...).
	NudgeTransitions metric.Int64Counter

	// DeliveryFailures counts nudges that could not reach a client.
	DeliveryFailures metric.Int64Counter

	// --- Gauges ---

	// ActiveConversations tracks the number of live conversation pipelines.
	ActiveConversations metric.Int64UpDownCounter

	// ActiveSubscribers tracks connected nudge clients across all conversations.
	ActiveSubscribers metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for the live-coaching latency budget.
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
	if met.GenerationDuration, err = m.Float64Histogram("livecoach.generation.duration",
		metric.WithDescription("Latency of generative-AI nudge generation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DispatchDuration, err = m.Float64Histogram("livecoach.dispatch.duration",
		metric.WithDescription("Latency of nudge delivery fan-out to first client acknowledgement."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.SegmentsIngested, err = m.Int64Counter("livecoach.segments.ingested",
		metric.WithDescription("Finalized transcript segments accepted by the normalizer."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsDropped, err = m.Int64Counter("livecoach.segments.dropped",
		metric.WithDescription("Raw segments rejected by validation, by reason."),
	); err != nil {
		return nil, err
	}
	if met.Triggers, err = m.Int64Counter("livecoach.triggers",
		metric.WithDescription("Trigger detector outcomes by category and outcome."),
	); err != nil {
		return nil, err
	}
	if met.GenerationFallbacks, err = m.Int64Counter("livecoach.generation.fallbacks",
		metric.WithDescription("Static-template substitutions by reason."),
	); err != nil {
		return nil, err
	}
	if met.NudgeTransitions, err = m.Int64Counter("livecoach.nudge.transitions",
		metric.WithDescription("Nudge lifecycle transitions by target state."),
	); err != nil {
		return nil, err
	}
	if met.DeliveryFailures, err = m.Int64Counter("livecoach.delivery.failures",
		metric.WithDescription("Nudges that could not be delivered to any client."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveConversations, err = m.Int64UpDownCounter("livecoach.active_conversations",
		metric.WithDescription("Number of live conversation pipelines."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSubscribers, err = m.Int64UpDownCounter("livecoach.active_subscribers",
		metric.WithDescription("Connected nudge clients across all conversations."),
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

// RecordTrigger records a trigger detector outcome with the standard
// attribute set.
func (m *Metrics) RecordTrigger(ctx context.Context, category, outcome string) {
	m.Triggers.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("category", category),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordDrop records a validation drop with its reason.
func (m *Metrics) RecordDrop(ctx context.Context, reason string) {
	m.SegmentsDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordTransition records a nudge lifecycle transition.
func (m *Metrics) RecordTransition(ctx context.Context, state string) {
	m.NudgeTransitions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("state", state)),
	)
}
