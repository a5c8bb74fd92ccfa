package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonwraymond/taskops/observe"
	"github.com/jonwraymond/taskops/queue"
	"github.com/jonwraymond/taskops/resilience"
	"github.com/jonwraymond/taskops/task"
)

// LocalConfig configures a Local worker.
type LocalConfig struct {
	// WorkerID identifies the worker in results and logs.
	// Default: "local-" plus a random suffix
	WorkerID string

	// PollTimeout bounds each receive call.
	// Default: 1s
	PollTimeout time.Duration

	// MinSleep is the idle sleep after a pass that found work.
	// Default: 100ms
	MinSleep time.Duration

	// MaxSleep caps the idle sleep.
	// Default: 5s
	MaxSleep time.Duration

	// BackoffFactor grows the idle sleep after each empty pass.
	// Default: 1.5
	BackoffFactor float64

	// ErrorPause is the pause after a receive error.
	// Default: 1s
	ErrorPause time.Duration

	// PoolSize bounds concurrently running blocking handlers.
	// Default: 4
	PoolSize int

	// RetryBaseDelay is the delay before the first retry.
	// Default: 1s
	RetryBaseDelay time.Duration

	// RetryMaxDelay caps the retry delay before jitter.
	// Default: 60s
	RetryMaxDelay time.Duration

	// RetryJitter scales each retry delay by U[1-RetryJitter, 1+RetryJitter].
	// Default: 0.2
	RetryJitter float64

	// Middleware wraps each execution with tracing, metrics and logging.
	// Default: no-op tracer and metrics over Logger
	Middleware *observe.Middleware

	// Logger receives worker diagnostics.
	// Default: observe.NopLogger()
	Logger observe.Logger
}

func (c LocalConfig) withDefaults() LocalConfig {
	if c.WorkerID == "" {
		c.WorkerID = newWorkerID("local")
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = time.Second
	}
	if c.MinSleep <= 0 {
		c.MinSleep = 100 * time.Millisecond
	}
	if c.MaxSleep <= 0 {
		c.MaxSleep = 5 * time.Second
	}
	if c.MaxSleep < c.MinSleep {
		c.MaxSleep = c.MinSleep
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = 1.5
	}
	if c.ErrorPause <= 0 {
		c.ErrorPause = time.Second
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 4
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 60 * time.Second
	}
	if c.RetryJitter <= 0 || c.RetryJitter >= 1 {
		c.RetryJitter = 0.2
	}
	if c.Logger == nil {
		c.Logger = observe.NopLogger()
	}
	if c.Middleware == nil {
		c.Middleware = observe.NewMiddleware(nil, nil, c.Logger)
	}
	return c
}

func (c LocalConfig) pollSettings() pollSettings {
	return pollSettings{
		timeout:    c.PollTimeout,
		minSleep:   c.MinSleep,
		maxSleep:   c.MaxSleep,
		errorPause: c.ErrorPause,
		factor:     c.BackoffFactor,
	}
}

// Local polls a queue and runs handlers in-process.
//
// Non-blocking handlers run on the polling goroutine. Blocking handlers run on
// a bounded pool so a synchronous client cannot starve the loop; the loop
// still waits for their outcome, so one message is processed at a time.
type Local struct {
	cfg      LocalConfig
	q        queue.Queue
	handlers *handlerSet
	pool     *resilience.Bulkhead
	backoff  *resilience.Retry
	logger   observe.Logger
	stats    counters

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
	queues    []string
	startedAt time.Time
}

var _ Worker = (*Local)(nil)

// NewLocal creates a polling worker over q.
func NewLocal(q queue.Queue, cfg LocalConfig) *Local {
	cfg = cfg.withDefaults()
	return &Local{
		cfg:      cfg,
		q:        q,
		handlers: newHandlerSet(),
		pool: resilience.NewBulkhead(resilience.BulkheadConfig{
			MaxConcurrent: cfg.PoolSize,
			MaxWait:       -1,
		}),
		backoff: resilience.NewRetry(resilience.RetryConfig{
			InitialDelay: cfg.RetryBaseDelay,
			MaxDelay:     cfg.RetryMaxDelay,
			Multiplier:   2,
			Strategy:     resilience.BackoffExponential,
			JitterFactor: cfg.RetryJitter,
		}),
		logger: cfg.Logger.With(observe.F("worker_id", cfg.WorkerID)),
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

// ID returns the worker id.
func (w *Local) ID() string { return w.cfg.WorkerID }

// Config returns the effective configuration.
func (w *Local) Config() LocalConfig { return w.cfg }

// RegisterTask binds name to h.
func (w *Local) RegisterTask(name string, h task.Handler) error {
	replaced, err := w.handlers.register(name, h)
	if err != nil {
		return err
	}
	if replaced {
		w.logger.Debug(context.Background(), "task handler replaced", observe.F("task_name", name))
	}
	return nil
}

// Tasks returns the registered task names.
func (w *Local) Tasks() []string { return w.handlers.names() }

// Start launches the poll loop over queues. Cancelling ctx stops the loop
// like Stop does.
func (w *Local) Start(ctx context.Context, queues ...string) error {
	if len(queues) == 0 {
		queues = []string{task.DefaultQueue}
	}
	for _, name := range queues {
		if err := queue.ValidateQueueName(name); err != nil {
			return err
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return ErrAlreadyRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	w.running = true
	w.cancel = cancel
	w.done = make(chan struct{})
	w.queues = append([]string(nil), queues...)
	w.startedAt = w.now()

	go w.loop(loopCtx, w.queues, w.done)

	w.logger.Info(ctx, "worker started",
		observe.F("queues", w.queues),
		observe.F("tasks", w.handlers.names()),
	)
	return nil
}

// Stop cancels polling and waits for the loop to exit. A task already
// executing runs to completion.
func (w *Local) Stop(ctx context.Context) error {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("worker: stop: %w", ctx.Err())
	}
	w.logger.Info(ctx, "worker stopped")
	return nil
}

// Running reports whether the poll loop is active.
func (w *Local) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// HealthCheck fails when the loop is not running or the queue is unhealthy.
func (w *Local) HealthCheck(ctx context.Context) error {
	if !w.Running() {
		return ErrNotRunning
	}
	if err := w.q.HealthCheck(ctx); err != nil {
		return fmt.Errorf("worker: queue unhealthy: %w", err)
	}
	return nil
}

// Stats returns a snapshot of the worker counters.
func (w *Local) Stats() Stats {
	w.mu.Lock()
	s := Stats{
		WorkerID:  w.cfg.WorkerID,
		Running:   w.running,
		StartedAt: w.startedAt,
		Queues:    append([]string(nil), w.queues...),
	}
	w.mu.Unlock()
	s.Tasks = w.handlers.names()
	w.stats.fill(&s)
	return s
}

func (w *Local) loop(ctx context.Context, queues []string, done chan struct{}) {
	defer func() {
		w.mu.Lock()
		if w.done == done {
			w.running = false
			w.cancel = nil
		}
		w.mu.Unlock()
		close(done)
	}()

	pollQueues(ctx, w.q, queues, w.cfg.pollSettings(), w.sleep, w.logger, w.process)
}

// process handles one received message and reports whether it was consumed.
// A message deferred for its ETA does not count, so the loop keeps backing off
// instead of spinning on it.
func (w *Local) process(pollCtx context.Context, queueName string, msg *task.Message) bool {
	// Work already received is finished even when polling stops.
	ctx := context.WithoutCancel(pollCtx)
	now := w.now()
	log := w.logger.With(
		observe.F("task_id", msg.ID),
		observe.F("task_name", msg.Name),
		observe.F("queue", queueName),
	)

	if reason, ok := w.revocation(ctx, msg, now); ok {
		w.stats.processed.Add(1)
		w.stats.revoked.Add(1)
		w.ack(ctx, log, msg.ID)
		w.submit(ctx, log, task.NewResult(msg.ID, task.StatusPending).Revoke(reason, now))
		log.Info(ctx, "task skipped", observe.F("reason", reason))
		return true
	}

	if !msg.IsDue(now) {
		if _, err := w.q.NackTask(ctx, msg.ID, true); err != nil {
			log.Error(ctx, "requeue of early task failed", observe.Err(err))
		}
		log.Debug(ctx, "task not yet due", observe.F("eta", msg.ETA))
		return false
	}

	w.stats.processed.Add(1)

	h, ok := w.handlers.lookup(msg.Name)
	if !ok {
		err := fmt.Errorf("%w: %s", ErrUnknownTask, msg.Name)
		w.stats.failed.Add(1)
		w.stats.deadLettered.Add(1)
		w.submit(ctx, log, task.NewResult(msg.ID, task.StatusPending).Fail(err, "", now))
		w.nack(ctx, log, msg.ID)
		log.Error(ctx, "no handler registered", observe.Err(err))
		return true
	}

	started := w.now()
	running := task.Running(msg.ID, w.cfg.WorkerID, started)
	w.submit(ctx, log, running)

	meta := observe.TaskMeta{
		ID:       msg.ID,
		Name:     msg.Name,
		Queue:    queueName,
		Attempt:  msg.RetryCount + 1,
		WorkerID: w.cfg.WorkerID,
	}
	w.stats.active.Add(1)
	value, err := w.cfg.Middleware.Wrap(func(ctx context.Context, _ observe.TaskMeta) (any, error) {
		return w.execute(ctx, h, msg)
	})(ctx, meta)
	w.stats.active.Add(-1)

	if err == nil {
		if _, merr := json.Marshal(value); merr != nil {
			err = fmt.Errorf("worker: result of %s is not JSON-serializable: %w", msg.Name, merr)
		}
	}

	if err == nil {
		w.stats.succeeded.Add(1)
		w.ack(ctx, log, msg.ID)
		w.submit(ctx, log, running.Succeed(value, w.now()))
		return true
	}

	if msg.CanRetry() {
		w.retry(pollCtx, log, meta, msg, running, err)
		return true
	}

	w.stats.failed.Add(1)
	w.stats.deadLettered.Add(1)
	w.cfg.Middleware.Metrics().RecordDeadLetter(ctx, meta)
	w.submit(ctx, log, running.Fail(err, traceback(err), w.now()))
	w.nack(ctx, log, msg.ID)
	log.Warn(ctx, "task failed permanently",
		observe.F("retry_count", msg.RetryCount),
		observe.F("max_retries", msg.MaxRetries),
		observe.Err(err),
	)
	return true
}

// revocation reports why msg must be skipped, if it must.
func (w *Local) revocation(ctx context.Context, msg *task.Message, now time.Time) (string, bool) {
	if msg.IsExpired(now) {
		return "expired", true
	}
	status, ok, err := w.q.GetTaskStatus(ctx, msg.ID)
	if err == nil && ok && status == task.StatusRevoked {
		return "revoked", true
	}
	return "", false
}

// execute runs h under the message timeout.
func (w *Local) execute(ctx context.Context, h task.Handler, msg *task.Message) (any, error) {
	if msg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, msg.Timeout)
		defer cancel()
	}

	if !h.Blocking() {
		value, err := call(ctx, h, msg)
		// A value returned after the deadline still counts as a timeout.
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &TimeoutError{Timeout: msg.Timeout}
		}
		return value, err
	}

	type outcome struct {
		value any
		err   error
	}
	ch := make(chan outcome, 1)
	if _, err := w.pool.Go(ctx, func() {
		v, err := call(ctx, h, msg)
		ch <- outcome{v, err}
	}); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &TimeoutError{Timeout: msg.Timeout}
		}
		return nil, fmt.Errorf("worker: blocking pool: %w", err)
	}

	select {
	case o := <-ch:
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &TimeoutError{Timeout: msg.Timeout}
		}
		return o.value, o.err
	case <-ctx.Done():
		// The handler keeps its pool slot until it returns.
		return nil, &TimeoutError{Timeout: msg.Timeout}
	}
}

// retry records the failed attempt, waits out the backoff and resends the
// message with RetryCount+1. If polling stops during the wait the message is
// resent at once with an ETA covering the remaining delay.
//
// The nack and the resend are not atomic: a crash between them loses the
// message. None of the queue backends offers a transaction spanning both.
func (w *Local) retry(pollCtx context.Context, log observe.Logger, meta observe.TaskMeta, msg *task.Message, running *task.Result, cause error) {
	ctx := context.WithoutCancel(pollCtx)
	attempt := msg.RetryCount + 1
	delay := w.backoff.Delay(attempt)

	w.stats.retried.Add(1)
	w.cfg.Middleware.Metrics().RecordRetry(ctx, meta)
	w.submit(ctx, log, running.Retrying(cause, w.now()))
	w.nack(ctx, log, msg.ID)
	log.Warn(ctx, "task failed, retrying",
		observe.F("retry_count", attempt),
		observe.F("max_retries", msg.MaxRetries),
		observe.F("delay_seconds", delay.Seconds()),
		observe.Err(cause),
	)

	next := msg.NextRetry(cause.Error(), delay)
	waitStart := w.now()
	if err := w.sleep(pollCtx, delay); err != nil {
		eta := waitStart.Add(delay)
		next.ETA = &eta
	}
	if _, err := w.q.SendTask(ctx, next); err != nil {
		w.stats.failed.Add(1)
		w.submit(ctx, log, task.NewResult(msg.ID, task.StatusPending).
			Fail(fmt.Errorf("worker: resend failed: %w", err), "", w.now()))
		log.Error(ctx, "retry resend failed", observe.Err(err))
	}
}

func (w *Local) ack(ctx context.Context, log observe.Logger, id string) {
	if _, err := w.q.AckTask(ctx, id); err != nil {
		log.Error(ctx, "ack failed", observe.Err(err))
	}
}

func (w *Local) nack(ctx context.Context, log observe.Logger, id string) {
	if _, err := w.q.NackTask(ctx, id, false); err != nil {
		log.Error(ctx, "nack failed", observe.Err(err))
	}
}

func (w *Local) submit(ctx context.Context, log observe.Logger, r *task.Result) {
	if err := w.q.SubmitResult(ctx, r); err != nil {
		log.Error(ctx, "result submission failed",
			observe.F("status", string(r.Status)),
			observe.Err(err),
		)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
