package observe

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// TaskMeta contains metadata about a task execution for telemetry purposes.
type TaskMeta struct {
	ID       string // Task identifier (optional for metrics, set for spans/logs)
	Name     string // Registered task name (required)
	Queue    string // Queue the message was received from (optional)
	Attempt  int    // 1-based execution attempt, retry_count+1 (optional)
	WorkerID string // Executing worker (optional)
}

// SpanName returns the deterministic span name for this task.
// Format: task.exec.<queue>.<name> or task.exec.<name>
func (m TaskMeta) SpanName() string {
	if m.Queue != "" {
		return "task.exec." + m.Queue + "." + m.Name
	}
	return "task.exec." + m.Name
}

// Tracer wraps OpenTelemetry tracing with task-specific span management.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Errors: EndSpan must be best-effort and must not panic.
type Tracer interface {
	// StartSpan starts a new span for a task execution.
	StartSpan(ctx context.Context, meta TaskMeta) (context.Context, trace.Span)

	// EndSpan ends the span, recording any error.
	EndSpan(span trace.Span, err error)
}

type tracerImpl struct {
	tracer trace.Tracer
}

// NewTracer creates a Tracer wrapping the given OpenTelemetry tracer.
func NewTracer(t trace.Tracer) Tracer {
	return &tracerImpl{tracer: t}
}

// StartSpan starts a new span with task metadata as attributes.
func (t *tracerImpl) StartSpan(ctx context.Context, meta TaskMeta) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("task.name", meta.Name),
		attribute.Bool("task.error", false),
	}
	if meta.ID != "" {
		attrs = append(attrs, attribute.String("task.id", meta.ID))
	}
	if meta.Queue != "" {
		attrs = append(attrs, attribute.String("task.queue", meta.Queue))
	}
	if meta.Attempt > 0 {
		attrs = append(attrs, attribute.Int("task.attempt", meta.Attempt))
	}
	if meta.WorkerID != "" {
		attrs = append(attrs, attribute.String("worker.id", meta.WorkerID))
	}

	return t.tracer.Start(ctx, meta.SpanName(),
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
}

// EndSpan ends the span and records the error status if present.
func (t *tracerImpl) EndSpan(span trace.Span, err error) {
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.Bool("task.error", true))
		span.RecordError(err)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

type noopTracer struct {
	noop trace.Tracer
}

// NewNoopTracer creates a tracer that records nothing.
func NewNoopTracer() Tracer {
	return &noopTracer{
		noop: tracenoop.NewTracerProvider().Tracer("noop"),
	}
}

func (t *noopTracer) StartSpan(ctx context.Context, meta TaskMeta) (context.Context, trace.Span) {
	return t.noop.Start(ctx, meta.SpanName())
}

func (t *noopTracer) EndSpan(span trace.Span, err error) {
	span.End()
}
