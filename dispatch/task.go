package dispatch

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/jonwraymond/taskops/observe"
	"github.com/jonwraymond/taskops/task"
)

var (
	// ErrNoName is returned when a task name is empty and cannot be inferred.
	ErrNoName = errors.New("dispatch: task name cannot be inferred")

	// ErrNotRegistered is returned when a task is used before Service.Register.
	ErrNotRegistered = errors.New("dispatch: task not registered with a service")
)

// Option configures a Task's sending defaults.
type Option func(*Task)

// WithQueue sets the default queue.
func WithQueue(name string) Option {
	return func(t *Task) { t.queue = name }
}

// WithPriority sets the default priority.
func WithPriority(p task.Priority) Option {
	return func(t *Task) { t.priority = p }
}

// WithMaxRetries sets the default retry budget.
func WithMaxRetries(n int) Option {
	return func(t *Task) { t.maxRetries = n }
}

// WithTimeout sets the default execution timeout.
func WithTimeout(d time.Duration) Option {
	return func(t *Task) { t.timeout = d }
}

// Task is a named handler plus sending defaults.
type Task struct {
	name       string
	handler    task.Handler
	queue      string
	priority   task.Priority
	maxRetries int
	timeout    time.Duration

	mu         sync.Mutex
	svc        *Service
	regErr     error
	regRetried bool
}

// NewTask wraps handler. An empty name is inferred from the handler's
// function, e.g. "tasks.Add" for a func Add in package tasks.
func NewTask(name string, handler task.Handler, opts ...Option) (*Task, error) {
	if handler == nil {
		return nil, errors.New("dispatch: nil handler")
	}
	if name == "" {
		name = inferName(handler)
		if name == "" {
			return nil, ErrNoName
		}
	}
	t := &Task{
		name:       name,
		handler:    handler,
		queue:      task.DefaultQueue,
		priority:   task.PriorityNormal,
		maxRetries: task.DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// inferName derives "pkg.Func" from the function behind h.
func inferName(h task.Handler) string {
	v := reflect.ValueOf(h)
	if v.Kind() != reflect.Func || v.IsNil() {
		return ""
	}
	fn := runtime.FuncForPC(v.Pointer())
	if fn == nil {
		return ""
	}
	full := fn.Name()
	if i := strings.LastIndex(full, "/"); i >= 0 {
		full = full[i+1:]
	}
	return strings.TrimSuffix(full, "-fm")
}

// Name returns the task name.
func (t *Task) Name() string { return t.name }

// Handler returns the wrapped handler.
func (t *Task) Handler() task.Handler { return t.handler }

// Call runs the handler in the calling goroutine without a queue.
func (t *Task) Call(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	return t.handler.Call(ctx, args, kwargs)
}

// Delay sends the task with positional arguments and the task defaults.
func (t *Task) Delay(ctx context.Context, args ...any) (*AsyncResult, error) {
	return t.ApplyAsync(ctx, args, nil)
}

// ApplyAsync sends the task. opts override the task defaults. If the earlier
// worker registration failed it is retried once before sending.
func (t *Task) ApplyAsync(ctx context.Context, args []any, kwargs map[string]any, opts ...task.Option) (*AsyncResult, error) {
	svc, err := t.service(ctx)
	if err != nil {
		return nil, err
	}

	base := []task.Option{
		task.WithArgs(args...),
		task.WithKwargs(kwargs),
		task.WithQueue(t.queue),
		task.WithPriority(t.priority),
		task.WithMaxRetries(t.maxRetries),
	}
	if t.timeout > 0 {
		base = append(base, task.WithTimeout(t.timeout))
	}
	msg := task.NewMessage(t.name, append(base, opts...)...)
	return svc.Send(ctx, msg)
}

func (t *Task) service(ctx context.Context) (*Service, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.svc == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, t.name)
	}
	if t.regErr != nil && !t.regRetried {
		t.regRetried = true
		if err := t.svc.registerHandler(t); err != nil {
			t.svc.logger.Warn(ctx, "task registration retry failed",
				observe.F("task_name", t.name), observe.Err(err))
		} else {
			t.regErr = nil
		}
	}
	return t.svc, nil
}
