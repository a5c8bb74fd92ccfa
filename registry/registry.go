package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jonwraymond/taskops/config"
	"github.com/jonwraymond/taskops/dispatch"
	"github.com/jonwraymond/taskops/health"
	"github.com/jonwraymond/taskops/observe"
	"github.com/jonwraymond/taskops/queue"
	"github.com/jonwraymond/taskops/resilience"
	"github.com/jonwraymond/taskops/storage"
	"github.com/jonwraymond/taskops/worker"
)

// ErrNotInitialized is returned by operations that need Initialize first.
var ErrNotInitialized = errors.New("registry: not initialized")

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger handed to every component.
func WithLogger(l observe.Logger) Option {
	return func(r *Registry) { r.deps.Logger = l }
}

// WithMiddleware sets the middleware wrapping task executions.
func WithMiddleware(m *observe.Middleware) Option {
	return func(r *Registry) { r.deps.Middleware = m }
}

// WithBreakers replaces the breaker Manager built from configuration.
func WithBreakers(m *resilience.Manager) Option {
	return func(r *Registry) { r.deps.Breakers = m }
}

// WithInvoker replaces the function invoker built from configuration.
func WithInvoker(inv worker.Invoker) Option {
	return func(r *Registry) { r.deps.Invoker = inv }
}

// WithStorage supplies a prebuilt storage backend. The registry still
// connects and disconnects it.
func WithStorage(s storage.Storage) Option {
	return func(r *Registry) { r.prebuiltStorage = s }
}

// WithQueue supplies a prebuilt queue backend. The registry still connects
// and disconnects it.
func WithQueue(q queue.Queue) Option {
	return func(r *Registry) { r.prebuiltQueue = q }
}

// Registry is the composition root: it builds the configured storage, queue
// and worker, owns their connections, and hands out references.
//
// Contract:
//   - Concurrency: safe for concurrent use.
//   - Ownership: components obtained from a Registry must not be connected,
//     disconnected or stopped by callers.
//   - Initialize either leaves every component connected or none.
type Registry struct {
	cfg  *config.Config
	deps Deps

	prebuiltStorage storage.Storage
	prebuiltQueue   queue.Queue

	mu          sync.RWMutex
	initialized bool
	storage     storage.Storage
	results     *storage.ResultStore
	queue       queue.Queue
	worker      worker.Worker
	service     *dispatch.Service
	health      *health.Aggregator
}

// New validates cfg and creates an uninitialized Registry.
func New(cfg *config.Config, opts ...Option) (*Registry, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Registry{cfg: cfg}
	for _, opt := range opts {
		opt(r)
	}
	if r.deps.Logger == nil {
		r.deps.Logger = observe.NopLogger()
	}
	if r.deps.Breakers == nil {
		r.deps.Breakers = NewBreakerManager(cfg.Breakers, r.deps.Logger)
	}
	return r, nil
}

// Initialize connects storage, then the queue, then builds the worker. On
// failure everything already connected is disconnected again and the first
// error is returned. Initializing twice is a no-op.
func (r *Registry) Initialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initialized {
		return nil
	}
	logger := r.deps.Logger

	s := r.prebuiltStorage
	if s == nil {
		var err error
		if s, err = NewStorage(r.cfg.Storage, r.deps); err != nil {
			return err
		}
	}
	if err := s.Connect(ctx); err != nil {
		return fmt.Errorf("registry: connect storage: %w", err)
	}
	results := NewResultStore(s, r.cfg.Storage)

	q := r.prebuiltQueue
	if q == nil {
		var err error
		if q, err = NewQueue(r.cfg.Queue, results, r.deps); err != nil {
			r.rollback(ctx, nil, s)
			return err
		}
	}
	if err := q.Connect(ctx); err != nil {
		r.rollback(ctx, nil, s)
		return fmt.Errorf("registry: connect queue: %w", err)
	}

	w, err := NewWorker(ctx, r.cfg.Worker, q, r.deps)
	if err != nil {
		r.rollback(ctx, q, s)
		return fmt.Errorf("registry: build worker: %w", err)
	}

	svc, err := dispatch.NewService(dispatch.ServiceConfig{Queue: q, Worker: w, Logger: logger})
	if err != nil {
		r.rollback(ctx, q, s)
		return fmt.Errorf("registry: build dispatch service: %w", err)
	}

	agg := health.NewAggregator(health.AggregatorConfig{})
	agg.Register(health.NewStorageChecker(s))
	agg.Register(health.NewQueueChecker(q))
	agg.Register(health.NewWorkerChecker(w))
	agg.Register(health.NewBreakerChecker(r.deps.Breakers))
	agg.Register(health.NewRuntimeChecker(health.RuntimeCheckerConfig{}))

	r.storage, r.results, r.queue, r.worker = s, results, q, w
	r.service, r.health = svc, agg
	r.initialized = true

	logger.Info(ctx, "services initialized",
		observe.F("storage", string(r.cfg.Storage.Backend)),
		observe.F("queue", string(r.cfg.Queue.Backend)),
		observe.F("worker", string(r.cfg.Worker.Backend)))
	return nil
}

// rollback disconnects what Initialize connected so far. Errors are logged.
func (r *Registry) rollback(ctx context.Context, q queue.Queue, s storage.Storage) {
	if q != nil {
		if err := q.Disconnect(ctx); err != nil {
			r.deps.Logger.Error(ctx, "rollback: queue disconnect failed", observe.Err(err))
		}
	}
	if err := s.Disconnect(ctx); err != nil {
		r.deps.Logger.Error(ctx, "rollback: storage disconnect failed", observe.Err(err))
	}
}

// Cleanup stops the worker, then disconnects the queue and storage. Every
// step runs even if an earlier one fails; failures are logged and returned
// joined. Cleaning up an uninitialized Registry is a no-op.
func (r *Registry) Cleanup(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.initialized {
		return nil
	}
	logger := r.deps.Logger

	var errs []error
	step := func(name string, fn func(context.Context) error) {
		if err := fn(ctx); err != nil {
			logger.Error(ctx, "cleanup step failed", observe.F("step", name), observe.Err(err))
			errs = append(errs, fmt.Errorf("registry: %s: %w", name, err))
		}
	}
	step("stop worker", r.worker.Stop)
	step("disconnect queue", r.queue.Disconnect)
	step("disconnect storage", r.storage.Disconnect)

	r.initialized = false
	r.storage, r.results, r.queue, r.worker = nil, nil, nil, nil
	r.service, r.health = nil, nil

	logger.Info(ctx, "services cleaned up", observe.F("errors", len(errs)))
	return errors.Join(errs...)
}

// Initialized reports whether Initialize has completed.
func (r *Registry) Initialized() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.initialized
}

// Config returns the configuration the registry was built from.
func (r *Registry) Config() *config.Config { return r.cfg }

// Breakers returns the breaker Manager.
func (r *Registry) Breakers() *resilience.Manager { return r.deps.Breakers }

// Logger returns the logger handed to components.
func (r *Registry) Logger() observe.Logger { return r.deps.Logger }

// Storage returns the connected storage, or nil before Initialize.
func (r *Registry) Storage() storage.Storage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.storage
}

// Results returns the result store over Storage, or nil before Initialize.
func (r *Registry) Results() *storage.ResultStore {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.results
}

// Queue returns the connected queue, or nil before Initialize.
func (r *Registry) Queue() queue.Queue {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.queue
}

// Worker returns the worker, or nil before Initialize. It is not started.
func (r *Registry) Worker() worker.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.worker
}

// Dispatcher returns the task service bound to Queue and Worker, or nil
// before Initialize.
func (r *Registry) Dispatcher() *dispatch.Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.service
}

// Health returns the aggregator over every component, or nil before
// Initialize.
func (r *Registry) Health() *health.Aggregator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.health
}

// StartWorker starts the worker on the configured queue names.
func (r *Registry) StartWorker(ctx context.Context) error {
	w := r.Worker()
	if w == nil {
		return ErrNotInitialized
	}
	return w.Start(ctx, r.cfg.Queue.Names...)
}
