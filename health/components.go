package health

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/jonwraymond/taskops/queue"
	"github.com/jonwraymond/taskops/resilience"
	"github.com/jonwraymond/taskops/storage"
	"github.com/jonwraymond/taskops/worker"
)

// PingFunc reports a component's reachability.
type PingFunc func(ctx context.Context) error

// NewPingChecker returns a Checker that is healthy while ping succeeds.
func NewPingChecker(name string, ping PingFunc) Checker {
	return NewCheckerFunc(name, func(ctx context.Context) Result {
		if err := ping(ctx); err != nil {
			return Unhealthy(fmt.Sprintf("%s unreachable", name), err)
		}
		return Healthy(fmt.Sprintf("%s reachable", name))
	})
}

// NewQueueChecker checks a queue backend.
func NewQueueChecker(q queue.Queue) Checker {
	return NewPingChecker("queue", q.HealthCheck)
}

// NewStorageChecker checks a storage backend.
func NewStorageChecker(s storage.Storage) Checker {
	return NewPingChecker("storage", s.HealthCheck)
}

// NewWorkerChecker checks a worker. A stopped worker is degraded rather than
// unhealthy, so producer-only processes can still report ready.
func NewWorkerChecker(w worker.Worker) Checker {
	return NewCheckerFunc("worker", func(ctx context.Context) Result {
		s := w.Stats()
		details := map[string]any{
			"worker_id": s.WorkerID,
			"running":   s.Running,
			"tasks":     len(s.Tasks),
			"processed": s.Processed,
			"failed":    s.Failed,
			"active":    s.Active,
		}
		err := w.HealthCheck(ctx)
		switch {
		case errors.Is(err, worker.ErrNotRunning):
			return Degraded("worker not running").WithDetails(details)
		case err != nil:
			return Unhealthy("worker cannot make progress", err).WithDetails(details)
		}
		return Healthy("worker running").WithDetails(details)
	})
}

// NewBreakerChecker reports the breakers owned by m. Any open breaker makes
// the result degraded: callers are failing fast, but the process is up.
func NewBreakerChecker(m *resilience.Manager) Checker {
	return NewCheckerFunc("breakers", func(context.Context) Result {
		statuses := m.AllStatus()
		details := make(map[string]any, len(statuses))
		var open []string
		for name, st := range statuses {
			details[name] = st.State.String()
			if st.State == resilience.StateOpen {
				open = append(open, name)
			}
		}
		if len(open) > 0 {
			slices.Sort(open)
			return Degraded(fmt.Sprintf("circuit open: %v", open)).WithDetails(details)
		}
		return Healthy(fmt.Sprintf("%d breakers closed", len(statuses))).WithDetails(details)
	})
}
