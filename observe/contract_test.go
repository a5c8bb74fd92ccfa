package observe

import (
	"context"
	"testing"
	"time"
)

func TestObserverContract_Noops(t *testing.T) {
	cfg := Config{
		ServiceName: "taskops-test",
		Tracing:     TracingConfig{Enabled: false, Exporter: "none"},
		Metrics:     MetricsConfig{Enabled: false, Exporter: "none"},
		Logging:     LoggingConfig{Enabled: false, Level: "info"},
	}

	obs, err := NewObserver(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewObserver failed: %v", err)
	}

	if obs.Tracer() == nil {
		t.Fatalf("expected non-nil tracer")
	}
	if obs.Meter() == nil {
		t.Fatalf("expected non-nil meter")
	}
	if obs.Logger() == nil {
		t.Fatalf("expected non-nil logger")
	}
	if err := obs.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}

func TestLoggerContract_NopDerivations(t *testing.T) {
	logger := NopLogger()
	if logger.WithTask(TaskMeta{Name: "noop"}) == nil {
		t.Fatalf("WithTask should return non-nil logger")
	}
	if logger.With(F("k", "v")) == nil {
		t.Fatalf("With should return non-nil logger")
	}
}

func TestMetricsContract_NoPanic(t *testing.T) {
	metrics := NopMetrics()
	meta := TaskMeta{Name: "noop"}
	metrics.RecordExecution(context.Background(), meta, 10*time.Millisecond, nil)
	metrics.RecordRetry(context.Background(), meta)
	metrics.RecordDeadLetter(context.Background(), meta)
}

func TestTracerContract_NoPanic(t *testing.T) {
	tracer := NewNoopTracer()
	_, span := tracer.StartSpan(context.Background(), TaskMeta{Name: "noop"})
	tracer.EndSpan(span, nil)
}
