package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/jonwraymond/taskops/observe"
	"github.com/jonwraymond/taskops/queue"
	"github.com/jonwraymond/taskops/resilience"
	"github.com/jonwraymond/taskops/task"
)

// ErrFunctionNotFound is returned by HealthCheck for a mapped function the
// invoker cannot find.
var ErrFunctionNotFound = errors.New("worker: function not found")

// Invoker calls remotely deployed task functions.
//
// Contract:
//   - Concurrency: implementations must be safe for concurrent use.
//   - Invoke sends the wire-encoded message and returns the raw response body.
//   - Exists reports (false, nil) for a function that is not deployed.
type Invoker interface {
	Invoke(ctx context.Context, function string, payload []byte) ([]byte, error)
	Exists(ctx context.Context, function string) (bool, error)
}

// FunctionResponse is the body a task function returns. A non-empty Error
// marks the execution failed.
type FunctionResponse struct {
	Result    any    `json:"result"`
	Error     string `json:"error,omitempty"`
	Traceback string `json:"traceback,omitempty"`
}

// RemoteError is a failure reported by the task function itself.
type RemoteError struct {
	Function string
	Message  string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("function %s: %s", e.Function, e.Message)
}

// FunctionConfig configures a Function worker.
type FunctionConfig struct {
	// Invoker performs the remote calls. Required.
	Invoker Invoker

	// Queue is consumed by Start and receives every result Execute records.
	// Without a queue the worker only invokes: Start keeps no loop, results
	// are returned but not stored, and failures are not retried.
	Queue queue.Queue

	// FunctionPrefix is prepended to task names by RegisterTask.
	// Default: "taskops-"
	FunctionPrefix string

	// WorkerID identifies the worker in results.
	// Default: "function-" plus a random suffix
	WorkerID string

	// HealthConcurrency bounds parallel existence checks.
	// Default: 8
	HealthConcurrency int

	// PollTimeout, MinSleep, MaxSleep, BackoffFactor and ErrorPause tune the
	// receive loop exactly as in LocalConfig, with the same defaults.
	PollTimeout   time.Duration
	MinSleep      time.Duration
	MaxSleep      time.Duration
	BackoffFactor float64
	ErrorPause    time.Duration

	// RetryBaseDelay, RetryMaxDelay and RetryJitter shape the retry delay
	// exactly as in LocalConfig, with the same defaults.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	RetryJitter    float64

	// Middleware wraps each invocation with tracing, metrics and logging.
	// Default: no-op tracer and metrics over Logger
	Middleware *observe.Middleware

	// Logger receives diagnostics.
	// Default: observe.NopLogger()
	Logger observe.Logger
}

func (c FunctionConfig) withDefaults() FunctionConfig {
	if c.FunctionPrefix == "" {
		c.FunctionPrefix = "taskops-"
	}
	if c.WorkerID == "" {
		c.WorkerID = newWorkerID("function")
	}
	if c.HealthConcurrency <= 0 {
		c.HealthConcurrency = 8
	}
	local := LocalConfig{
		WorkerID:       c.WorkerID,
		PollTimeout:    c.PollTimeout,
		MinSleep:       c.MinSleep,
		MaxSleep:       c.MaxSleep,
		BackoffFactor:  c.BackoffFactor,
		ErrorPause:     c.ErrorPause,
		RetryBaseDelay: c.RetryBaseDelay,
		RetryMaxDelay:  c.RetryMaxDelay,
		RetryJitter:    c.RetryJitter,
		Middleware:     c.Middleware,
		Logger:         c.Logger,
	}.withDefaults()
	c.PollTimeout, c.MinSleep, c.MaxSleep = local.PollTimeout, local.MinSleep, local.MaxSleep
	c.BackoffFactor, c.ErrorPause = local.BackoffFactor, local.ErrorPause
	c.RetryBaseDelay, c.RetryMaxDelay, c.RetryJitter = local.RetryBaseDelay, local.RetryMaxDelay, local.RetryJitter
	c.Middleware, c.Logger = local.Middleware, local.Logger
	return c
}

func (c FunctionConfig) pollSettings() pollSettings {
	return pollSettings{
		timeout:    c.PollTimeout,
		minSleep:   c.MinSleep,
		maxSleep:   c.MaxSleep,
		errorPause: c.ErrorPause,
		factor:     c.BackoffFactor,
	}
}

// Function runs tasks by invoking remote functions.
//
// With a Queue, Start consumes it like Local does and hands each message to
// Execute. Push-based triggers call Execute directly.
type Function struct {
	cfg     FunctionConfig
	logger  observe.Logger
	backoff *resilience.Retry
	stats   counters
	health  singleflight.Group

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu        sync.RWMutex
	functions map[string]string
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
	queues    []string
	startedAt time.Time
}

var _ Worker = (*Function)(nil)

// NewFunction creates a function-invocation worker.
func NewFunction(cfg FunctionConfig) (*Function, error) {
	if cfg.Invoker == nil {
		return nil, errors.New("worker: function invoker is required")
	}
	cfg = cfg.withDefaults()
	return &Function{
		cfg:    cfg,
		logger: cfg.Logger.With(observe.F("worker_id", cfg.WorkerID)),
		backoff: resilience.NewRetry(resilience.RetryConfig{
			InitialDelay: cfg.RetryBaseDelay,
			MaxDelay:     cfg.RetryMaxDelay,
			Multiplier:   2,
			Strategy:     resilience.BackoffExponential,
			JitterFactor: cfg.RetryJitter,
		}),
		functions: make(map[string]string),
		now:       time.Now,
		sleep:     sleepCtx,
	}, nil
}

// Config returns the effective configuration.
func (f *Function) Config() FunctionConfig { return f.cfg }

// RegisterTask maps name to FunctionPrefix+name. The handler is not called;
// the remote function is the implementation, so h may be nil.
func (f *Function) RegisterTask(name string, _ task.Handler) error {
	return f.RegisterFunction(name, f.cfg.FunctionPrefix+name)
}

// RegisterFunction maps name to an explicit function identifier.
func (f *Function) RegisterFunction(name, function string) error {
	if name == "" {
		return ErrInvalidTaskName
	}
	if function == "" {
		return fmt.Errorf("worker: empty function for task %q", name)
	}
	f.mu.Lock()
	f.functions[name] = function
	f.mu.Unlock()
	return nil
}

// FunctionFor returns the function mapped to name.
func (f *Function) FunctionFor(name string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	fn, ok := f.functions[name]
	return fn, ok
}

// Tasks returns the registered task names.
func (f *Function) Tasks() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return slices.Sorted(maps.Keys(f.functions))
}

// Start records the served queues and, when a Queue is configured, starts
// consuming them. Cancelling ctx stops the loop like Stop does.
func (f *Function) Start(ctx context.Context, queues ...string) error {
	if len(queues) == 0 {
		queues = []string{task.DefaultQueue}
	}
	for _, name := range queues {
		if err := queue.ValidateQueueName(name); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return ErrAlreadyRunning
	}
	f.running = true
	f.queues = append([]string(nil), queues...)
	f.startedAt = f.now()

	if f.cfg.Queue != nil {
		loopCtx, cancel := context.WithCancel(ctx)
		f.cancel = cancel
		f.done = make(chan struct{})
		go f.loop(loopCtx, f.queues, f.done)
	}
	f.logger.Info(ctx, "function worker started",
		observe.F("queues", f.queues), observe.F("polling", f.cfg.Queue != nil))
	return nil
}

func (f *Function) loop(ctx context.Context, queues []string, done chan struct{}) {
	defer func() {
		f.mu.Lock()
		if f.done == done {
			f.running = false
			f.cancel = nil
		}
		f.mu.Unlock()
		close(done)
	}()
	pollQueues(ctx, f.cfg.Queue, queues, f.cfg.pollSettings(), f.sleep, f.logger, f.process)
}

// Stop ends consumption and waits for the loop to exit. An invocation
// already in progress runs to completion.
func (f *Function) Stop(ctx context.Context) error {
	f.mu.Lock()
	cancel, done := f.cancel, f.done
	if cancel == nil {
		f.running = false
	}
	f.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("worker: stop: %w", ctx.Err())
	}
	f.logger.Info(ctx, "function worker stopped")
	return nil
}

// Running reports whether Start has been called without a later Stop.
func (f *Function) Running() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.running
}

// Stats returns a snapshot of the worker counters.
func (f *Function) Stats() Stats {
	f.mu.RLock()
	s := Stats{
		WorkerID:  f.cfg.WorkerID,
		Running:   f.running,
		StartedAt: f.startedAt,
		Queues:    append([]string(nil), f.queues...),
	}
	f.mu.RUnlock()
	s.Tasks = f.Tasks()
	f.stats.fill(&s)
	return s
}

// HealthCheck verifies every mapped function exists. Concurrent callers share
// one round of checks.
func (f *Function) HealthCheck(ctx context.Context) error {
	_, err, _ := f.health.Do("health", func() (any, error) {
		return nil, f.checkFunctions(ctx)
	})
	return err
}

func (f *Function) checkFunctions(ctx context.Context) error {
	f.mu.RLock()
	functions := slices.Sorted(maps.Values(f.functions))
	f.mu.RUnlock()
	functions = slices.Compact(functions)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.cfg.HealthConcurrency)
	for _, fn := range functions {
		g.Go(func() error {
			ok, err := f.cfg.Invoker.Exists(gctx, fn)
			if err != nil {
				return fmt.Errorf("worker: check %s: %w", fn, err)
			}
			if !ok {
				return fmt.Errorf("%w: %s", ErrFunctionNotFound, fn)
			}
			return nil
		})
	}
	return g.Wait()
}

// process settles one received message around Execute. The retry resend
// happens inside Execute before the original is nacked, so a crash in
// between duplicates the message rather than losing it.
func (f *Function) process(pollCtx context.Context, queueName string, msg *task.Message) bool {
	ctx := context.WithoutCancel(pollCtx)
	q := f.cfg.Queue
	if !msg.IsDue(f.now()) && !msg.IsExpired(f.now()) {
		if _, err := q.NackTask(ctx, msg.ID, true); err != nil {
			f.logger.Error(ctx, "requeue of early task failed", observe.F("task_id", msg.ID), observe.Err(err))
		}
		return false
	}

	r, err := f.Execute(ctx, msg)
	switch {
	case err != nil:
		f.logger.Error(ctx, "message rejected", observe.F("task_id", msg.ID), observe.F("queue", queueName), observe.Err(err))
		_, err = q.NackTask(ctx, msg.ID, false)
	case r.Status == task.StatusSuccess || r.Status == task.StatusRevoked:
		_, err = q.AckTask(ctx, msg.ID)
	default:
		_, err = q.NackTask(ctx, msg.ID, false)
	}
	if err != nil {
		f.logger.Error(ctx, "settling message failed", observe.F("task_id", msg.ID), observe.Err(err))
	}
	return true
}

// Execute invokes the function mapped to msg.Name and returns the outcome.
// Invocation failures become FAILURE results; the error return is reserved
// for messages that cannot be sent at all.
//
// With a Queue, Execute also records RUNNING and the outcome through
// SubmitResult, skips expired or revoked tasks, and resends a failed task
// with RetryCount+1 and an ETA covering the retry delay while its budget
// lasts, returning the RETRY result.
func (f *Function) Execute(ctx context.Context, msg *task.Message) (*task.Result, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: nil message", task.ErrInvalidMessage)
	}
	msg.Normalize()
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	log := f.logger.With(
		observe.F("task_id", msg.ID),
		observe.F("task_name", msg.Name),
		observe.F("queue", msg.Queue),
	)

	started := f.now()
	f.stats.processed.Add(1)
	if reason, ok := f.revocation(ctx, msg, started); ok {
		f.stats.revoked.Add(1)
		r := task.NewResult(msg.ID, task.StatusPending).Revoke(reason, started)
		f.submit(ctx, log, r)
		log.Info(ctx, "task skipped", observe.F("reason", reason))
		return r, nil
	}

	running := task.Running(msg.ID, f.cfg.WorkerID, started)
	fn, ok := f.FunctionFor(msg.Name)
	if !ok {
		f.stats.failed.Add(1)
		r := running.Fail(fmt.Errorf("%w: %s", ErrUnknownTask, msg.Name), "", f.now())
		f.submit(ctx, log, r)
		return r, nil
	}

	payload, err := task.Encode(msg)
	if err != nil {
		return nil, err
	}
	f.submit(ctx, log, running)

	meta := observe.TaskMeta{
		ID:       msg.ID,
		Name:     msg.Name,
		Queue:    msg.Queue,
		Attempt:  msg.RetryCount + 1,
		WorkerID: f.cfg.WorkerID,
	}
	var resp FunctionResponse
	f.stats.active.Add(1)
	_, err = f.cfg.Middleware.Wrap(func(ctx context.Context, _ observe.TaskMeta) (any, error) {
		return nil, f.invoke(ctx, fn, msg, payload, &resp)
	})(ctx, meta)
	f.stats.active.Add(-1)

	if err == nil {
		f.stats.succeeded.Add(1)
		r := running.Succeed(resp.Result, f.now())
		f.submit(ctx, log, r)
		return r, nil
	}

	trace := resp.Traceback
	if trace == "" {
		trace = traceback(err)
	}
	if f.cfg.Queue != nil && msg.CanRetry() {
		return f.retry(ctx, log, meta, msg, running, err), nil
	}

	f.stats.failed.Add(1)
	if f.cfg.Queue != nil {
		f.stats.deadLettered.Add(1)
		f.cfg.Middleware.Metrics().RecordDeadLetter(ctx, meta)
	}
	r := running.Fail(err, trace, f.now())
	f.submit(ctx, log, r)
	return r, nil
}

// retry records the failed attempt and resends msg due after the backoff.
func (f *Function) retry(ctx context.Context, log observe.Logger, meta observe.TaskMeta, msg *task.Message, running *task.Result, cause error) *task.Result {
	attempt := msg.RetryCount + 1
	delay := f.backoff.Delay(attempt)

	f.stats.retried.Add(1)
	f.cfg.Middleware.Metrics().RecordRetry(ctx, meta)
	r := running.Retrying(cause, f.now())
	f.submit(ctx, log, r)

	next := msg.NextRetry(cause.Error(), delay)
	eta := f.now().Add(delay)
	next.ETA = &eta
	if _, err := f.cfg.Queue.SendTask(ctx, next); err != nil {
		f.stats.failed.Add(1)
		r = running.Fail(fmt.Errorf("worker: resend failed: %w", err), "", f.now())
		f.submit(ctx, log, r)
		log.Error(ctx, "retry resend failed", observe.Err(err))
		return r
	}
	log.Warn(ctx, "task failed, retrying",
		observe.F("retry_count", attempt),
		observe.F("max_retries", msg.MaxRetries),
		observe.F("delay_seconds", delay.Seconds()),
		observe.Err(cause),
	)
	return r
}

// revocation reports why msg must be skipped, if it must.
func (f *Function) revocation(ctx context.Context, msg *task.Message, now time.Time) (string, bool) {
	if msg.IsExpired(now) {
		return "expired", true
	}
	if f.cfg.Queue == nil {
		return "", false
	}
	status, ok, err := f.cfg.Queue.GetTaskStatus(ctx, msg.ID)
	if err == nil && ok && status == task.StatusRevoked {
		return "revoked", true
	}
	return "", false
}

func (f *Function) submit(ctx context.Context, log observe.Logger, r *task.Result) {
	if f.cfg.Queue == nil {
		return
	}
	if err := f.cfg.Queue.SubmitResult(ctx, r); err != nil {
		log.Error(ctx, "result submission failed", observe.F("status", string(r.Status)), observe.Err(err))
	}
}

func (f *Function) invoke(ctx context.Context, fn string, msg *task.Message, payload []byte, resp *FunctionResponse) error {
	if msg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, msg.Timeout)
		defer cancel()
	}

	body, err := f.cfg.Invoker.Invoke(ctx, fn, payload)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &TimeoutError{Timeout: msg.Timeout}
		}
		return err
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, resp); err != nil {
			return fmt.Errorf("worker: decode response of %s: %w", fn, err)
		}
	}
	if resp.Error != "" {
		return &RemoteError{Function: fn, Message: resp.Error}
	}
	return nil
}
