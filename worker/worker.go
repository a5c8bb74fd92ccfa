package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jonwraymond/taskops/task"
)

var (
	// ErrAlreadyRunning is returned by Start on a running worker.
	ErrAlreadyRunning = errors.New("worker: already running")

	// ErrNotRunning is returned by HealthCheck on a stopped worker.
	ErrNotRunning = errors.New("worker: not running")

	// ErrInvalidTaskName is returned when registering a blank task name.
	ErrInvalidTaskName = errors.New("worker: invalid task name")

	// ErrNilHandler is returned when registering a nil handler.
	ErrNilHandler = errors.New("worker: nil handler")

	// ErrUnknownTask is reported for messages naming an unregistered task.
	ErrUnknownTask = errors.New("worker: unknown task")

	// ErrTaskTimeout is matched by every *TimeoutError.
	ErrTaskTimeout = errors.New("worker: task timed out")

	// ErrTaskPanicked is matched by every *PanicError.
	ErrTaskPanicked = errors.New("worker: task panicked")
)

// Worker executes registered tasks.
//
// Contract:
//   - Concurrency: implementations must be safe for concurrent use.
//   - Lifecycle: Start on a running worker returns ErrAlreadyRunning; Stop on a
//     stopped worker is a no-op.
//   - Context: Stop waits for in-flight work until ctx is done.
type Worker interface {
	// RegisterTask binds name to handler. Re-registering replaces the handler.
	RegisterTask(name string, handler task.Handler) error

	// Tasks returns the registered task names, sorted.
	Tasks() []string

	// Start begins consuming queues. No queues means the default queue.
	Start(ctx context.Context, queues ...string) error

	// Stop ends consumption and waits for the current task to finish.
	Stop(ctx context.Context) error

	// Running reports whether the worker has been started and not stopped.
	Running() bool

	// HealthCheck reports whether the worker can make progress.
	HealthCheck(ctx context.Context) error

	// Stats returns a snapshot of the worker counters.
	Stats() Stats
}

// Stats is a point-in-time view of a worker.
type Stats struct {
	WorkerID     string    `json:"worker_id"`
	Running      bool      `json:"running"`
	StartedAt    time.Time `json:"started_at,omitzero"`
	Queues       []string  `json:"queues"`
	Tasks        []string  `json:"tasks"`
	Processed    int64     `json:"processed"`
	Succeeded    int64     `json:"succeeded"`
	Failed       int64     `json:"failed"`
	Retried      int64     `json:"retried"`
	DeadLettered int64     `json:"dead_lettered"`
	Revoked      int64     `json:"revoked"`
	Active       int64     `json:"active"`
}

// TimeoutError reports a task that exceeded its timeout.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("Task timed out after %vs", e.Timeout.Seconds())
}

// Is matches ErrTaskTimeout.
func (e *TimeoutError) Is(target error) bool { return target == ErrTaskTimeout }

// PanicError carries a recovered handler panic and its stack.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}

// Is matches ErrTaskPanicked.
func (e *PanicError) Is(target error) bool { return target == ErrTaskPanicked }

// traceback returns the stack recorded for err, if any.
func traceback(err error) string {
	var pe *PanicError
	if errors.As(err, &pe) {
		return string(pe.Stack)
	}
	return ""
}

// call runs h, converting a panic into *PanicError.
func call(ctx context.Context, h task.Handler, msg *task.Message) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return h.Call(ctx, msg.Args, msg.Kwargs)
}

func newWorkerID(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

// handlerSet is the name to handler table shared by worker implementations.
type handlerSet struct {
	mu       sync.RWMutex
	handlers map[string]task.Handler
}

func newHandlerSet() *handlerSet {
	return &handlerSet{handlers: make(map[string]task.Handler)}
}

func (s *handlerSet) register(name string, h task.Handler) (replaced bool, err error) {
	if name == "" {
		return false, ErrInvalidTaskName
	}
	if h == nil {
		return false, ErrNilHandler
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, replaced = s.handlers[name]
	s.handlers[name] = h
	return replaced, nil
}

func (s *handlerSet) lookup(name string) (task.Handler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[name]
	return h, ok
}

func (s *handlerSet) names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// counters holds the Stats counters.
type counters struct {
	processed    atomic.Int64
	succeeded    atomic.Int64
	failed       atomic.Int64
	retried      atomic.Int64
	deadLettered atomic.Int64
	revoked      atomic.Int64
	active       atomic.Int64
}

func (c *counters) fill(s *Stats) {
	s.Processed = c.processed.Load()
	s.Succeeded = c.succeeded.Load()
	s.Failed = c.failed.Load()
	s.Retried = c.retried.Load()
	s.DeadLettered = c.deadLettered.Load()
	s.Revoked = c.revoked.Load()
	s.Active = c.active.Load()
}
