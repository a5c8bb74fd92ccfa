package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records execution metrics for tasks.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Context: must honor cancellation/deadlines and return quickly.
// - Errors: implementations must not panic.
type Metrics interface {
	// RecordExecution records one handler execution with duration and error status.
	RecordExecution(ctx context.Context, meta TaskMeta, duration time.Duration, err error)

	// RecordRetry records that a failed task was re-enqueued.
	RecordRetry(ctx context.Context, meta TaskMeta)

	// RecordDeadLetter records that a task exhausted its retry budget.
	RecordDeadLetter(ctx context.Context, meta TaskMeta)
}

type metricsImpl struct {
	totalCount      metric.Int64Counter
	errorCount      metric.Int64Counter
	retryCount      metric.Int64Counter
	deadLetterCount metric.Int64Counter
	durationHist    metric.Float64Histogram
}

// NewMetrics creates a Metrics instance with the given meter.
func NewMetrics(meter metric.Meter) (Metrics, error) {
	return newMetrics(meter)
}

func newMetrics(meter metric.Meter) (*metricsImpl, error) {
	totalCount, err := meter.Int64Counter(
		"task.exec.total",
		metric.WithDescription("Total number of task executions"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	errorCount, err := meter.Int64Counter(
		"task.exec.errors",
		metric.WithDescription("Total number of failed task executions"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	retryCount, err := meter.Int64Counter(
		"task.retry.total",
		metric.WithDescription("Total number of task retries scheduled"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return nil, err
	}

	deadLetterCount, err := meter.Int64Counter(
		"task.deadletter.total",
		metric.WithDescription("Total number of tasks that exhausted their retries"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, err
	}

	durationHist, err := meter.Float64Histogram(
		"task.exec.duration_ms",
		metric.WithDescription("Task execution duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &metricsImpl{
		totalCount:      totalCount,
		errorCount:      errorCount,
		retryCount:      retryCount,
		deadLetterCount: deadLetterCount,
		durationHist:    durationHist,
	}, nil
}

func attrsFor(meta TaskMeta) metric.MeasurementOption {
	attrs := []attribute.KeyValue{
		attribute.String("task.name", meta.Name),
	}
	if meta.Queue != "" {
		attrs = append(attrs, attribute.String("task.queue", meta.Queue))
	}
	return metric.WithAttributes(attrs...)
}

// RecordExecution records metrics for a task execution.
func (m *metricsImpl) RecordExecution(ctx context.Context, meta TaskMeta, duration time.Duration, err error) {
	opt := attrsFor(meta)

	m.totalCount.Add(ctx, 1, opt)
	if err != nil {
		m.errorCount.Add(ctx, 1, opt)
	}
	m.durationHist.Record(ctx, float64(duration.Microseconds())/1000, opt)
}

func (m *metricsImpl) RecordRetry(ctx context.Context, meta TaskMeta) {
	m.retryCount.Add(ctx, 1, attrsFor(meta))
}

func (m *metricsImpl) RecordDeadLetter(ctx context.Context, meta TaskMeta) {
	m.deadLetterCount.Add(ctx, 1, attrsFor(meta))
}

// NopMetrics returns a Metrics implementation that does nothing.
func NopMetrics() Metrics {
	return noopMetrics{}
}

type noopMetrics struct{}

func (noopMetrics) RecordExecution(ctx context.Context, meta TaskMeta, duration time.Duration, err error) {
}
func (noopMetrics) RecordRetry(ctx context.Context, meta TaskMeta)      {}
func (noopMetrics) RecordDeadLetter(ctx context.Context, meta TaskMeta) {}
