package dispatch

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/jonwraymond/taskops/observe"
	"github.com/jonwraymond/taskops/queue"
	"github.com/jonwraymond/taskops/task"
	"github.com/jonwraymond/taskops/worker"
)

// ServiceConfig configures a Service.
type ServiceConfig struct {
	// Queue transports messages. Required.
	Queue queue.Queue

	// Worker receives handler registrations. Nil for producer-only processes.
	Worker worker.Worker

	// PollInterval is the AsyncResult status poll period.
	// Default: 1s
	PollInterval time.Duration

	// Logger receives diagnostics.
	// Default: observe.NopLogger()
	Logger observe.Logger
}

// Service sends tasks and binds their handlers to a worker.
//
// Contract:
//   - Concurrency: safe for concurrent use.
//   - Registration is explicit; a task is unusable until Register binds it.
//   - A worker registration failure does not fail Register for the task; it is
//     retried once on the task's next send.
type Service struct {
	q      queue.Queue
	w      worker.Worker
	poll   time.Duration
	logger observe.Logger

	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewService creates a Service over cfg.Queue.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Queue == nil {
		return nil, errors.New("dispatch: queue is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = observe.NopLogger()
	}
	return &Service{
		q:      cfg.Queue,
		w:      cfg.Worker,
		poll:   cfg.PollInterval,
		logger: cfg.Logger,
		tasks:  make(map[string]*Task),
	}, nil
}

// Queue returns the underlying queue.
func (s *Service) Queue() queue.Queue { return s.q }

// Worker returns the bound worker, or nil.
func (s *Service) Worker() worker.Worker { return s.w }

// Register binds tasks to s and registers their handlers with the worker.
// A name already bound to a different task is an error.
func (s *Service) Register(tasks ...*Task) error {
	var errs []error
	for _, t := range tasks {
		if t == nil {
			errs = append(errs, errors.New("dispatch: nil task"))
			continue
		}

		s.mu.Lock()
		if prev, ok := s.tasks[t.name]; ok && prev != t {
			s.mu.Unlock()
			errs = append(errs, fmt.Errorf("dispatch: task %q already registered", t.name))
			continue
		}
		s.tasks[t.name] = t
		s.mu.Unlock()

		regErr := s.registerHandler(t)
		if regErr != nil {
			s.logger.Warn(context.Background(), "worker registration failed, will retry on send",
				observe.F("task_name", t.name), observe.Err(regErr))
		}
		t.mu.Lock()
		t.svc = s
		t.regErr = regErr
		t.regRetried = false
		t.mu.Unlock()
	}
	return errors.Join(errs...)
}

func (s *Service) registerHandler(t *Task) error {
	if s.w == nil {
		return nil
	}
	return s.w.RegisterTask(t.name, t.handler)
}

// Task returns the task bound under name.
func (s *Service) Task(name string) (*Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[name]
	return t, ok
}

// Tasks returns the bound task names, sorted.
func (s *Service) Tasks() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.tasks))
}

// Send enqueues msg and returns its handle.
func (s *Service) Send(ctx context.Context, msg *task.Message) (*AsyncResult, error) {
	id, err := s.q.SendTask(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("dispatch: send %s: %w", msg.Name, err)
	}
	s.logger.Debug(ctx, "task sent",
		observe.F("task_id", id), observe.F("task_name", msg.Name), observe.F("queue", msg.Queue))
	return s.AsyncResult(id), nil
}

// SendTask builds a message by name and enqueues it. The name need not be
// bound to s, which lets producers send tasks implemented elsewhere.
func (s *Service) SendTask(ctx context.Context, name string, args []any, kwargs map[string]any, opts ...task.Option) (*AsyncResult, error) {
	base := []task.Option{task.WithArgs(args...), task.WithKwargs(kwargs)}
	return s.Send(ctx, task.NewMessage(name, append(base, opts...)...))
}

// AsyncResult returns a handle for an already sent task.
func (s *Service) AsyncResult(id string) *AsyncResult {
	return NewAsyncResult(id, s.q, s.poll)
}
