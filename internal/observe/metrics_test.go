package observe

import (
	"context"
	"testing"

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

// counterValue returns the value of the data point whose attribute set
// contains key=value, or -1 when no such point exists.
func counterValue(met *metricdata.Metrics, key, value string) int64 {
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		return -1
	}
	for _, dp := range sum.DataPoints {
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == key && kv.Value.AsString() == value {
				return dp.Value
			}
		}
	}
	return -1
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestRecordToolCall(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordToolCall(ctx, "check_balance", "ok", 0.12)
	m.RecordToolCall(ctx, "check_balance", "ok", 0.34)
	m.RecordToolCall(ctx, "check_balance", "error", 0.56)

	rm := collect(t, reader)

	calls := findMetric(rm, "voxgate.tool.calls")
	if calls == nil {
		t.Fatal("tool.calls metric not found")
	}
	if got := counterValue(calls, "outcome", "ok"); got != 2 {
		t.Errorf("ok calls = %d, want 2", got)
	}
	if got := counterValue(calls, "outcome", "error"); got != 1 {
		t.Errorf("error calls = %d, want 1", got)
	}

	dur := findMetric(rm, "voxgate.tool.duration")
	if dur == nil {
		t.Fatal("tool.duration metric not found")
	}
	hist, ok := dur.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("tool.duration is not a histogram")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("tool.duration has no data points")
	}
	if got := hist.DataPoints[0].Count; got != 3 {
		t.Errorf("sample count = %d, want 3", got)
	}
}

func TestRecordDecision(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordDecision(ctx, "ok", 0.2)
	m.RecordDecision(ctx, "fallback", 0.1)

	rm := collect(t, reader)

	evals := findMetric(rm, "voxgate.decision.evaluations")
	if evals == nil {
		t.Fatal("decision.evaluations metric not found")
	}
	if got := counterValue(evals, "outcome", "fallback"); got != 1 {
		t.Errorf("fallback evaluations = %d, want 1", got)
	}

	dur := findMetric(rm, "voxgate.decision.duration")
	if dur == nil {
		t.Fatal("decision.duration metric not found")
	}
	hist, ok := dur.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("decision.duration is not a histogram")
	}
	if got := hist.DataPoints[0].Count; got != 2 {
		t.Errorf("sample count = %d, want 2", got)
	}
}

func TestRecordHandoff(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordHandoff(ctx, "ok")
	m.RecordHandoff(ctx, "ok")
	m.RecordHandoff(ctx, "blocked")

	rm := collect(t, reader)
	met := findMetric(rm, "voxgate.handoffs")
	if met == nil {
		t.Fatal("handoffs metric not found")
	}
	if got := counterValue(met, "outcome", "ok"); got != 2 {
		t.Errorf("ok handoffs = %d, want 2", got)
	}
	if got := counterValue(met, "outcome", "blocked"); got != 1 {
		t.Errorf("blocked handoffs = %d, want 1", got)
	}
}

func TestRecordStoreOp(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordStoreOp(ctx, "redis", "get", "ok")
	m.RecordStoreOp(ctx, "redis", "get", "error")

	rm := collect(t, reader)
	met := findMetric(rm, "voxgate.store.operations")
	if met == nil {
		t.Fatal("store.operations metric not found")
	}
	if got := counterValue(met, "outcome", "error"); got != 1 {
		t.Errorf("error ops = %d, want 1", got)
	}
}

func TestActiveSessionsGauge(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.SessionStarted(ctx)
	m.SessionStarted(ctx)
	m.SessionEnded(ctx)

	rm := collect(t, reader)
	met := findMetric(rm, "voxgate.active_sessions")
	if met == nil {
		t.Fatal("active_sessions metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("active_sessions is not a sum")
	}
	if len(sum.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := sum.DataPoints[0].Value; got != 1 {
		t.Errorf("gauge value = %d, want 1", got)
	}
}

func TestHTTPRequestDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordHTTPRequest(ctx, "GET", "/healthz", 0.05)

	rm := collect(t, reader)
	met := findMetric(rm, "voxgate.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := hist.DataPoints[0].Count; got != 1 {
		t.Errorf("sample count = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	// DefaultMetrics uses the global OTel provider so we just check
	// that repeated calls return the same pointer.
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
