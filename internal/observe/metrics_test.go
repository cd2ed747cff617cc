package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
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
		{"scribeflow.llm.duration", m.LLMDuration},
		{"scribeflow.scheduler.queue_delay", m.QueueDelay},
		{"scribeflow.worker.run_duration", m.WorkerRunDuration},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.123)
		tc.h.Record(ctx, 1.456)
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
			if len(hist.DataPoints) != 1 {
				t.Fatalf("got %d data points, want 1", len(hist.DataPoints))
			}
			if hist.DataPoints[0].Count != 2 {
				t.Errorf("Count = %d, want 2", hist.DataPoints[0].Count)
			}
		})
	}
}

func TestRecordWorkerRun(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordWorkerRun(ctx, "turn", "completed")
	m.RecordWorkerRun(ctx, "turn", "completed")
	m.RecordWorkerRun(ctx, "semantic", "failed")

	rm := collect(t, reader)
	met := findMetric(rm, "scribeflow.worker.runs")
	if met == nil {
		t.Fatal("worker runs metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not an int64 sum")
	}
	if len(sum.DataPoints) != 2 {
		t.Fatalf("got %d attribute sets, want 2", len(sum.DataPoints))
	}
	for _, dp := range sum.DataPoints {
		worker, _ := dp.Attributes.Value(attribute.Key("worker"))
		switch worker.AsString() {
		case "turn":
			if dp.Value != 2 {
				t.Errorf("turn runs = %d, want 2", dp.Value)
			}
		case "semantic":
			if dp.Value != 1 {
				t.Errorf("semantic runs = %d, want 1", dp.Value)
			}
		default:
			t.Errorf("unexpected worker attribute %q", worker.AsString())
		}
	}
}

func TestRecordFallbackAndValidationFailure(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordFallback(ctx, "turn")
	m.RecordValidationFailure(ctx, "turn", "gap")
	m.RecordValidationFailure(ctx, "turn", "overlap")

	rm := collect(t, reader)

	fb := findMetric(rm, "scribeflow.worker.fallbacks")
	if fb == nil {
		t.Fatal("fallback metric not found")
	}
	if sum := fb.Data.(metricdata.Sum[int64]); len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 1 {
		t.Errorf("fallbacks = %+v, want single point of 1", sum.DataPoints)
	}

	vf := findMetric(rm, "scribeflow.worker.validation_failures")
	if vf == nil {
		t.Fatal("validation failure metric not found")
	}
	if sum := vf.Data.(metricdata.Sum[int64]); len(sum.DataPoints) != 2 {
		t.Errorf("validation failures have %d attribute sets, want 2 (gap, overlap)", len(sum.DataPoints))
	}
}

func TestRecordRateLimit(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordRateLimit(ctx, "turn")
	m.RecordRateLimit(ctx, "turn")
	m.RecordRateLimit(ctx, "global")

	rm := collect(t, reader)
	met := findMetric(rm, "scribeflow.scheduler.rate_limits")
	if met == nil {
		t.Fatal("rate limit metric not found")
	}
	sum := met.Data.(metricdata.Sum[int64])
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	if total != 3 {
		t.Errorf("total rate limits = %d, want 3", total)
	}
}

func TestActiveSessionsUpDown(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)

	rm := collect(t, reader)
	met := findMetric(rm, "scribeflow.active_sessions")
	if met == nil {
		t.Fatal("active sessions metric not found")
	}
	sum := met.Data.(metricdata.Sum[int64])
	if len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 1 {
		t.Errorf("active sessions = %+v, want 1", sum.DataPoints)
	}
}

func TestDefaultMetricsSingleton(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different instances")
	}
}
