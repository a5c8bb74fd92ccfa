package observe

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestMiddleware_SuccessPath(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	reader := sdkmetric.NewManualReader()
	metrics, err := newMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test"))
	if err != nil {
		t.Fatalf("newMetrics() error = %v", err)
	}
	var buf bytes.Buffer

	mw := NewMiddleware(NewTracer(tp.Tracer("test")), metrics, NewLoggerWithWriter("info", &buf))
	wrapped := mw.Wrap(func(ctx context.Context, meta TaskMeta) (any, error) {
		return 42, nil
	})

	got, err := wrapped(context.Background(), TaskMeta{Name: "answer", Queue: "default"})
	if err != nil {
		t.Fatalf("wrapped() error = %v", err)
	}
	if got != 42 {
		t.Errorf("wrapped() = %v, want 42", got)
	}

	spans := rec.Ended()
	if len(spans) != 1 || spans[0].Name() != "task.exec.default.answer" {
		t.Fatalf("spans = %v, want one span task.exec.default.answer", spans)
	}
	if sumValue(t, collect(t, reader), "task.exec.total") != 1 {
		t.Error("task.exec.total not incremented")
	}

	entries := decodeLines(t, &buf)
	if len(entries) != 1 || entries[0]["msg"] != "task execution completed" {
		t.Errorf("log entries = %v, want one completion entry", entries)
	}
	if _, ok := entries[0]["duration_ms"]; !ok {
		t.Error("log entry missing duration_ms")
	}
}

func TestMiddleware_ErrorPath(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	metrics, _ := newMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test"))
	var buf bytes.Buffer
	wantErr := errors.New("division by zero")

	mw := NewMiddleware(nil, metrics, NewLoggerWithWriter("info", &buf))
	_, err := mw.Wrap(func(ctx context.Context, meta TaskMeta) (any, error) {
		return nil, wantErr
	})(context.Background(), TaskMeta{Name: "divide"})

	if !errors.Is(err, wantErr) {
		t.Errorf("error = %v, want %v", err, wantErr)
	}
	if sumValue(t, collect(t, reader), "task.exec.errors") != 1 {
		t.Error("task.exec.errors not incremented")
	}
	e := decodeLines(t, &buf)[0]
	if e["level"] != "error" || e["error"] != "division by zero" {
		t.Errorf("log entry = %v, want error level with error field", e)
	}
}

func TestMiddleware_PropagatesSpanContext(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	mw := NewMiddleware(NewTracer(tp.Tracer("test")), nil, nil)

	var inner trace.SpanContext
	_, _ = mw.Wrap(func(ctx context.Context, meta TaskMeta) (any, error) {
		inner = trace.SpanContextFromContext(ctx)
		return nil, nil
	})(context.Background(), TaskMeta{Name: "ctx"})

	if !inner.IsValid() {
		t.Fatal("handler context carries no span")
	}
	if inner.SpanID() != rec.Ended()[0].SpanContext().SpanID() {
		t.Error("handler span context differs from recorded span")
	}
}

func TestMiddleware_MeasuresDuration(t *testing.T) {
	var buf bytes.Buffer
	mw := NewMiddleware(nil, nil, NewLoggerWithWriter("info", &buf))
	_, _ = mw.Wrap(func(ctx context.Context, meta TaskMeta) (any, error) {
		time.Sleep(20 * time.Millisecond)
		return nil, nil
	})(context.Background(), TaskMeta{Name: "slow"})

	e := decodeLines(t, &buf)[0]
	d, ok := e["duration_ms"].(float64)
	if !ok || d < 20 {
		t.Errorf("duration_ms = %v, want >= 20", e["duration_ms"])
	}
	if !strings.Contains(buf.String(), `"task.name":"slow"`) {
		t.Errorf("log line %q missing task.name", buf.String())
	}
}

func TestMiddleware_NilComponentsAreNoops(t *testing.T) {
	mw := NewMiddleware(nil, nil, nil)
	got, err := mw.Wrap(func(ctx context.Context, meta TaskMeta) (any, error) {
		return "ok", nil
	})(context.Background(), TaskMeta{Name: "noop"})
	if err != nil || got != "ok" {
		t.Errorf("wrapped() = (%v, %v), want (ok, nil)", got, err)
	}
}
