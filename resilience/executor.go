package resilience

import (
	"context"
	"time"
)

// Op is a unit of work guarded by a resilience pattern.
type Op func(context.Context) error

// Executor composes multiple resilience patterns around an outbound call.
type Executor struct {
	circuitBreaker *CircuitBreaker
	retry          *Retry
	rateLimiter    *RateLimiter
	bulkhead       *Bulkhead
	timeout        *Timeout
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// NewExecutor creates a new resilience executor.
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// WithCircuitBreaker adds a circuit breaker to the executor.
func WithCircuitBreaker(cb *CircuitBreaker) ExecutorOption {
	return func(e *Executor) { e.circuitBreaker = cb }
}

// WithRetry adds retry logic to the executor.
func WithRetry(r *Retry) ExecutorOption {
	return func(e *Executor) { e.retry = r }
}

// WithRateLimiter adds the sliding-window rate limiter to the executor.
func WithRateLimiter(rl *RateLimiter) ExecutorOption {
	return func(e *Executor) { e.rateLimiter = rl }
}

// WithBulkhead adds bulkhead isolation to the executor.
func WithBulkhead(b *Bulkhead) ExecutorOption {
	return func(e *Executor) { e.bulkhead = b }
}

// WithTimeout bounds each attempt to d.
func WithTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.timeout = NewTimeout(TimeoutConfig{Timeout: d}) }
}

// CircuitBreaker returns the configured breaker, or nil.
func (e *Executor) CircuitBreaker() *CircuitBreaker {
	return e.circuitBreaker
}

// Execute runs op through all configured patterns.
//
// From the outside in: rate limiter, bulkhead, circuit breaker, retry,
// timeout. Each retry attempt gets its own timeout, and the whole retry
// sequence counts as a single call for the breaker.
func (e *Executor) Execute(ctx context.Context, op func(context.Context) error) error {
	chain := Op(op)
	if e.timeout != nil {
		chain = wrapOp(chain, e.timeout.Execute)
	}
	if e.retry != nil {
		chain = wrapOp(chain, e.retry.Execute)
	}
	if e.circuitBreaker != nil {
		chain = wrapOp(chain, e.circuitBreaker.Execute)
	}
	if e.bulkhead != nil {
		chain = wrapOp(chain, e.bulkhead.Execute)
	}
	if e.rateLimiter != nil {
		chain = wrapOp(chain, e.rateLimiter.Execute)
	}
	return chain(ctx)
}

func wrapOp(inner Op, layer func(context.Context, func(context.Context) error) error) Op {
	return func(ctx context.Context) error {
		return layer(ctx, inner)
	}
}

// Do runs fn through e and returns its value.
func Do[T any](ctx context.Context, e *Executor, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := e.Execute(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
