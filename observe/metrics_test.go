package observe

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

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

func newTestMetrics(t *testing.T) (*metricsImpl, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := newMetrics(mp.Meter("test"))
	if err != nil {
		t.Fatalf("newMetrics() error = %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	return rm
}

func sumValue(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	found := findMetric(rm, name)
	if found == nil {
		return 0
	}
	sum, ok := found.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("%s: expected Sum[int64], got %T", name, found.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestMetrics_RecordExecution(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()
	meta := TaskMeta{Name: "add", Queue: "math"}

	m.RecordExecution(ctx, meta, 12*time.Millisecond, nil)
	m.RecordExecution(ctx, meta, 3*time.Millisecond, errors.New("bad input"))

	rm := collect(t, reader)
	if got := sumValue(t, rm, "task.exec.total"); got != 2 {
		t.Errorf("task.exec.total = %d, want 2", got)
	}
	if got := sumValue(t, rm, "task.exec.errors"); got != 1 {
		t.Errorf("task.exec.errors = %d, want 1", got)
	}

	hist := findMetric(rm, "task.exec.duration_ms")
	if hist == nil {
		t.Fatal("task.exec.duration_ms not found")
	}
	data, ok := hist.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("expected Histogram[float64], got %T", hist.Data)
	}
	if len(data.DataPoints) != 1 || data.DataPoints[0].Count != 2 {
		t.Errorf("histogram data points = %+v, want one point with count 2", data.DataPoints)
	}
}

func TestMetrics_RetryAndDeadLetter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()
	meta := TaskMeta{Name: "flaky"}

	m.RecordRetry(ctx, meta)
	m.RecordRetry(ctx, meta)
	m.RecordDeadLetter(ctx, meta)

	rm := collect(t, reader)
	if got := sumValue(t, rm, "task.retry.total"); got != 2 {
		t.Errorf("task.retry.total = %d, want 2", got)
	}
	if got := sumValue(t, rm, "task.deadletter.total"); got != 1 {
		t.Errorf("task.deadletter.total = %d, want 1", got)
	}
}

func TestMetrics_LabelsApplied(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.RecordExecution(context.Background(), TaskMeta{Name: "add", Queue: "math", ID: "ignored"}, time.Millisecond, nil)

	found := findMetric(collect(t, reader), "task.exec.total")
	if found == nil {
		t.Fatal("task.exec.total not found")
	}
	dp := found.Data.(metricdata.Sum[int64]).DataPoints[0]

	if v, ok := dp.Attributes.Value(attribute.Key("task.name")); !ok || v.AsString() != "add" {
		t.Errorf("task.name = %v, want add", v.AsString())
	}
	if v, ok := dp.Attributes.Value(attribute.Key("task.queue")); !ok || v.AsString() != "math" {
		t.Errorf("task.queue = %v, want math", v.AsString())
	}
	if _, ok := dp.Attributes.Value(attribute.Key("task.id")); ok {
		t.Error("task.id must not be a metric label")
	}
}

func TestMetrics_ConcurrentRecording(t *testing.T) {
	m, reader := newTestMetrics(t)
	const n = 50

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.RecordExecution(context.Background(), TaskMeta{Name: "c"}, time.Millisecond, nil)
		}()
	}
	wg.Wait()

	if got := sumValue(t, collect(t, reader), "task.exec.total"); got != n {
		t.Errorf("task.exec.total = %d, want %d", got, n)
	}
}
