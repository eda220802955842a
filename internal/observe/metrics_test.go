package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumValue returns the total across all data points of an int64 sum,
// optionally restricted to points carrying the given attribute value.
func sumValue(t *testing.T, met *metricdata.Metrics, attrKey, attrValue string) int64 {
	t.Helper()
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not an int64 sum", met.Name)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		if attrKey != "" {
			match := false
			for _, kv := range dp.Attributes.ToSlice() {
				if string(kv.Key) == attrKey && kv.Value.Emit() == attrValue {
					match = true
				}
			}
			if !match {
				continue
			}
		}
		total += dp.Value
	}
	return total
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"terracetalk.request.duration", m.RequestDuration},
		{"terracetalk.retrieval.duration", m.RetrievalDuration},
		{"terracetalk.generator.duration", m.GeneratorDuration},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.123)
		tc.h.Record(ctx, 2.1) // inside the rate-limit-stall buckets
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestRecordRequest(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordRequest(ctx, "scores", "ok")
	m.RecordRequest(ctx, "scores", "ok")
	m.RecordRequest(ctx, "standings", "degraded")

	rm := collect(t, reader)
	met := findMetric(rm, "terracetalk.requests")
	if met == nil {
		t.Fatal("metric not found")
	}
	if got := sumValue(t, met, "intent", "scores"); got != 2 {
		t.Errorf("scores requests = %d, want 2", got)
	}
	if got := sumValue(t, met, "status", "degraded"); got != 1 {
		t.Errorf("degraded requests = %d, want 1", got)
	}
}

func TestRecordDeflection(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordDeflection(ctx, "warned", "instruction-override")
	m.RecordDeflection(ctx, "cautious", "instruction-override")

	rm := collect(t, reader)
	met := findMetric(rm, "terracetalk.security.deflections")
	if met == nil {
		t.Fatal("metric not found")
	}
	if got := sumValue(t, met, "pattern", "instruction-override"); got != 2 {
		t.Errorf("deflections = %d, want 2", got)
	}
	if got := sumValue(t, met, "level", "warned"); got != 1 {
		t.Errorf("warned deflections = %d, want 1", got)
	}
}

func TestRecordFallbackStep(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordFallbackStep(ctx, 1)
	m.RecordFallbackStep(ctx, 1)
	m.RecordFallbackStep(ctx, 3)

	rm := collect(t, reader)
	met := findMetric(rm, "terracetalk.retrieval.fallback_steps")
	if met == nil {
		t.Fatal("metric not found")
	}
	if got := sumValue(t, met, "", ""); got != 3 {
		t.Errorf("total fallback widenings = %d, want 3", got)
	}
}

func TestActiveConversationsUpDown(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveConversations.Add(ctx, 1)
	m.ActiveConversations.Add(ctx, 1)
	m.ActiveConversations.Add(ctx, -1)

	rm := collect(t, reader)
	met := findMetric(rm, "terracetalk.active_conversations")
	if met == nil {
		t.Fatal("metric not found")
	}
	if got := sumValue(t, met, "", ""); got != 1 {
		t.Errorf("active conversations = %d, want 1", got)
	}
}

func TestDefaultMetrics_Singleton(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned distinct instances")
	}
}
