// Package observe provides application-wide observability primitives for
// terracetalk: OpenTelemetry metrics, tracing, and trace-aware structured
// logging.
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

// meterName is the instrumentation scope name used for all terracetalk
// metrics.
const meterName = "github.com/MrWong99/terracetalk"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// RequestDuration tracks end-to-end chat request latency.
	RequestDuration metric.Float64Histogram

	// RetrievalDuration tracks the retrieval pipeline (parse, search, fuse).
	RetrievalDuration metric.Float64Histogram

	// GeneratorDuration tracks LLM generation latency.
	GeneratorDuration metric.Float64Histogram

	// --- Counters ---

	// Requests counts chat requests. Use with attributes:
	//   attribute.String("intent", ...), attribute.String("status", ...)
	Requests metric.Int64Counter

	// Deflections counts security deflections. Use with attributes:
	//   attribute.String("level", ...), attribute.String("pattern", ...)
	Deflections metric.Int64Counter

	// FallbackSteps counts retrieval fallback widening by step. Use with:
	//   attribute.Int("step", ...)
	FallbackSteps metric.Int64Counter

	// GeneratorErrors counts generator failures (including retries).
	GeneratorErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveConversations tracks the number of live conversations.
	ActiveConversations metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// chat-pipeline latencies including the security rate-limit stalls.
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
	if met.RequestDuration, err = m.Float64Histogram("terracetalk.request.duration",
		metric.WithDescription("End-to-end chat request latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RetrievalDuration, err = m.Float64Histogram("terracetalk.retrieval.duration",
		metric.WithDescription("Latency of the retrieval pipeline."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.GeneratorDuration, err = m.Float64Histogram("terracetalk.generator.duration",
		metric.WithDescription("Latency of LLM generation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Requests, err = m.Int64Counter("terracetalk.requests",
		metric.WithDescription("Total chat requests by intent and status."),
	); err != nil {
		return nil, err
	}
	if met.Deflections, err = m.Int64Counter("terracetalk.security.deflections",
		metric.WithDescription("Total security deflections by trust level and pattern."),
	); err != nil {
		return nil, err
	}
	if met.FallbackSteps, err = m.Int64Counter("terracetalk.retrieval.fallback_steps",
		metric.WithDescription("Total retrieval fallback widenings by step."),
	); err != nil {
		return nil, err
	}
	if met.GeneratorErrors, err = m.Int64Counter("terracetalk.generator.errors",
		metric.WithDescription("Total generator failures including retried attempts."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveConversations, err = m.Int64UpDownCounter("terracetalk.active_conversations",
		metric.WithDescription("Number of live conversations."),
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

// RecordRequest records one completed chat request with the standard
// attribute set.
func (m *Metrics) RecordRequest(ctx context.Context, intent, status string) {
	m.Requests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("intent", intent),
			attribute.String("status", status),
		),
	)
}

// RecordDeflection records one security deflection.
func (m *Metrics) RecordDeflection(ctx context.Context, level, pattern string) {
	m.Deflections.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("level", level),
			attribute.String("pattern", pattern),
		),
	)
}

// RecordFallbackStep records a retrieval fallback widening.
func (m *Metrics) RecordFallbackStep(ctx context.Context, step int) {
	m.FallbackSteps.Add(ctx, 1,
		metric.WithAttributes(attribute.Int("step", step)),
	)
}
