package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonwraymond/taskops/queue"
	"github.com/jonwraymond/taskops/resilience"
	"github.com/jonwraymond/taskops/storage"
	"github.com/jonwraymond/taskops/worker"
)

func TestQueueChecker(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemory(queue.MemoryConfig{})
	c := NewQueueChecker(q)
	if c.Name() != "queue" {
		t.Errorf("Name() = %q", c.Name())
	}
	if r := c.Check(ctx); r.Status != StatusUnhealthy || !errors.Is(r.Error, queue.ErrNotConnected) {
		t.Errorf("disconnected queue = %+v, want unhealthy", r)
	}
	_ = q.Connect(ctx)
	if r := c.Check(ctx); r.Status != StatusHealthy {
		t.Errorf("connected queue = %+v, want healthy", r)
	}
}

func TestStorageChecker(t *testing.T) {
	s := storage.NewMemory(storage.MemoryConfig{SweepInterval: -1})
	if r := NewStorageChecker(s).Check(context.Background()); r.Status != StatusHealthy {
		t.Errorf("memory storage = %+v, want healthy", r)
	}
}

func TestPingChecker(t *testing.T) {
	boom := errors.New("refused")
	r := NewPingChecker("db", func(context.Context) error { return boom }).Check(context.Background())
	if r.Status != StatusUnhealthy || r.Error != boom {
		t.Errorf("Check() = %+v", r)
	}
}

func TestWorkerChecker(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemory(queue.MemoryConfig{})
	_ = q.Connect(ctx)
	w := worker.NewLocal(q, worker.LocalConfig{PollTimeout: 10 * time.Millisecond, MinSleep: time.Millisecond})
	c := NewWorkerChecker(w)

	if r := c.Check(ctx); r.Status != StatusDegraded {
		t.Errorf("stopped worker = %+v, want degraded", r)
	}

	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer w.Stop(ctx)
	r := c.Check(ctx)
	if r.Status != StatusHealthy || r.Details["running"] != true {
		t.Errorf("running worker = %+v, want healthy", r)
	}

	_ = q.Disconnect(ctx)
	if r := c.Check(ctx); r.Status != StatusUnhealthy {
		t.Errorf("worker on disconnected queue = %+v, want unhealthy", r)
	}
}

func TestBreakerChecker(t *testing.T) {
	ctx := context.Background()
	m := resilience.NewManager()
	m.Get("storage", resilience.CircuitBreakerConfig{FailureThreshold: 5})
	kafka := m.Get("kafka", resilience.CircuitBreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Hour})
	c := NewBreakerChecker(m)

	if r := c.Check(ctx); r.Status != StatusHealthy {
		t.Errorf("closed breakers = %+v, want healthy", r)
	}

	_ = kafka.Execute(ctx, func(context.Context) error { return errors.New("broker down") })
	r := c.Check(ctx)
	if r.Status != StatusDegraded {
		t.Errorf("open breaker = %+v, want degraded", r)
	}
	if r.Details["kafka"] != "open" || r.Details["storage"] != "closed" {
		t.Errorf("Details = %v", r.Details)
	}
}

func TestRuntimeChecker(t *testing.T) {
	ctx := context.Background()
	if r := NewRuntimeChecker(RuntimeCheckerConfig{}).Check(ctx); r.Status != StatusHealthy {
		t.Errorf("no limits = %+v, want healthy", r)
	}
	if r := NewRuntimeChecker(RuntimeCheckerConfig{MaxGoroutines: 1}).Check(ctx); r.Status != StatusDegraded {
		t.Errorf("goroutine limit 1 = %+v, want degraded", r)
	}
	if r := NewRuntimeChecker(RuntimeCheckerConfig{MaxHeapBytes: 1}).Check(ctx); r.Status != StatusDegraded {
		t.Errorf("heap limit 1 = %+v, want degraded", r)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if r := NewRuntimeChecker(RuntimeCheckerConfig{}).Check(cancelled); r.Status != StatusUnhealthy {
		t.Errorf("cancelled = %+v, want unhealthy", r)
	}
}
