package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonwraymond/taskops/observe"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed means the circuit is operating normally.
	StateClosed State = iota
	// StateOpen means the circuit is blocking all requests.
	StateOpen
	// StateHalfOpen means the circuit is testing if the service recovered.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText renders the state as its string form.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// maxRecoveryBuffer bounds how early an open breaker may try recovery.
const maxRecoveryBuffer = 50 * time.Millisecond

// CircuitBreakerConfig configures the circuit breaker.
type CircuitBreakerConfig struct {
	// Name identifies the guarded dependency in logs and errors.
	Name string `yaml:"-" mapstructure:"-"`

	// FailureThreshold is the number of consecutive failures that opens the circuit.
	// Default: 5
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`

	// RecoveryTimeout is how long the circuit stays open before probing.
	// Default: 60 seconds
	RecoveryTimeout time.Duration `yaml:"recovery_timeout" mapstructure:"recovery_timeout"`

	// SuccessThreshold is the number of half-open successes that closes the circuit.
	// Default: 1
	SuccessThreshold int `yaml:"success_threshold" mapstructure:"success_threshold"`

	// OnStateChange is called after the circuit state changes.
	OnStateChange func(name string, from, to State) `yaml:"-" mapstructure:"-"`

	// IsFailure determines if an error should count as a failure.
	// Default: non-nil errors other than context.Canceled.
	IsFailure func(err error) bool `yaml:"-" mapstructure:"-"`

	// Logger receives a structured event for every transition.
	// Default: no-op
	Logger observe.Logger `yaml:"-" mapstructure:"-"`
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 60 * time.Second
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 1
	}
	if c.IsFailure == nil {
		c.IsFailure = defaultIsFailure
	}
	if c.Logger == nil {
		c.Logger = observe.NopLogger()
	}
	return c
}

func defaultIsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// CircuitBreaker guards calls to one external dependency and fails fast once
// that dependency is judged unhealthy.
//
// Contract:
//   - Concurrency: safe for concurrent use.
//   - Errors: the wrapped operation's error is returned unchanged; rejections
//     return *CircuitOpenError.
type CircuitBreaker struct {
	config CircuitBreakerConfig

	mu            sync.Mutex
	state         State
	failures      int
	successes     int
	lastFailure   time.Time
	stateChangeAt time.Time
}

type transition struct {
	from, to State
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		config:        config.withDefaults(),
		state:         StateClosed,
		stateChangeAt: time.Now(),
	}
}

// Name returns the breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.config.Name
}

// Config returns the effective configuration.
func (cb *CircuitBreaker) Config() CircuitBreakerConfig {
	return cb.config
}

// Execute runs the operation through the circuit breaker.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := cb.beforeRequest(ctx); err != nil {
		return err
	}

	err := op(ctx)
	cb.afterRequest(ctx, err)
	return err
}

// Call runs fn through cb and returns its value.
func Call[T any](ctx context.Context, cb *CircuitBreaker, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := cb.Execute(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset forces the circuit closed and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.failures = 0
	cb.successes = 0
	var tr *transition
	if from != StateClosed {
		tr = cb.setStateLocked(StateClosed, time.Now())
	}
	cb.mu.Unlock()

	cb.notify(context.Background(), tr, "circuit breaker reset")
}

func (cb *CircuitBreaker) beforeRequest(ctx context.Context) error {
	cb.mu.Lock()

	if cb.state != StateOpen {
		cb.mu.Unlock()
		return nil
	}

	now := time.Now()
	elapsed := now.Sub(cb.lastFailure)
	if elapsed < cb.config.RecoveryTimeout-cb.recoveryBuffer() {
		retryAfter := cb.config.RecoveryTimeout - elapsed
		cb.mu.Unlock()
		return &CircuitOpenError{Service: cb.config.Name, RetryAfter: retryAfter}
	}

	cb.successes = 0
	tr := cb.setStateLocked(StateHalfOpen, now)
	cb.mu.Unlock()

	cb.notify(ctx, tr, "circuit breaker probing recovery")
	return nil
}

func (cb *CircuitBreaker) afterRequest(ctx context.Context, err error) {
	failed := cb.config.IsFailure(err)
	now := time.Now()

	cb.mu.Lock()
	var tr *transition
	switch cb.state {
	case StateClosed:
		if failed {
			cb.failures++
			cb.lastFailure = now
			if cb.failures >= cb.config.FailureThreshold {
				cb.successes = 0
				tr = cb.setStateLocked(StateOpen, now)
			}
		} else if err == nil {
			cb.failures = 0
		}

	case StateHalfOpen:
		if failed {
			cb.lastFailure = now
			tr = cb.setStateLocked(StateOpen, now)
		} else if err == nil {
			cb.successes++
			if cb.successes >= cb.config.SuccessThreshold {
				cb.failures = 0
				cb.successes = 0
				tr = cb.setStateLocked(StateClosed, now)
			}
		}

	case StateOpen:
		// A call admitted before another goroutine reopened the circuit.
		if failed {
			cb.lastFailure = now
		}
	}
	cb.mu.Unlock()

	cb.notify(ctx, tr, "circuit breaker state changed", observe.Err(err))
}

// recoveryBuffer lets an open circuit try recovery slightly early rather than late.
func (cb *CircuitBreaker) recoveryBuffer() time.Duration {
	return min(maxRecoveryBuffer, cb.config.RecoveryTimeout/10)
}

func (cb *CircuitBreaker) setStateLocked(to State, now time.Time) *transition {
	from := cb.state
	cb.state = to
	cb.stateChangeAt = now
	return &transition{from: from, to: to}
}

func (cb *CircuitBreaker) notify(ctx context.Context, tr *transition, msg string, extra ...observe.Field) {
	if tr == nil {
		return
	}
	fields := append([]observe.Field{
		observe.F("service", cb.config.Name),
		observe.F("from", tr.from.String()),
		observe.F("to", tr.to.String()),
	}, extra...)
	if tr.to == StateOpen {
		cb.config.Logger.Warn(ctx, msg, fields...)
	} else {
		cb.config.Logger.Info(ctx, msg, fields...)
	}
	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, tr.from, tr.to)
	}
}

// CircuitStatus is a point-in-time snapshot of a breaker.
type CircuitStatus struct {
	Name             string        `json:"name"`
	State            State         `json:"state"`
	FailureCount     int           `json:"failure_count"`
	SuccessCount     int           `json:"success_count"`
	FailureThreshold int           `json:"failure_threshold"`
	SuccessThreshold int           `json:"success_threshold"`
	RecoveryTimeout  time.Duration `json:"recovery_timeout"`
	LastFailure      time.Time     `json:"last_failure,omitzero"`
	StateChangedAt   time.Time     `json:"state_changed_at"`
	TimeInState      time.Duration `json:"time_in_state"`

	// TimeUntilRetry is set only while open.
	TimeUntilRetry time.Duration `json:"time_until_retry,omitempty"`

	// SuccessesNeeded is set only while half-open.
	SuccessesNeeded int `json:"successes_needed,omitempty"`
}

// Status returns a snapshot of the breaker.
func (cb *CircuitBreaker) Status() CircuitStatus {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	st := CircuitStatus{
		Name:             cb.config.Name,
		State:            cb.state,
		FailureCount:     cb.failures,
		SuccessCount:     cb.successes,
		FailureThreshold: cb.config.FailureThreshold,
		SuccessThreshold: cb.config.SuccessThreshold,
		RecoveryTimeout:  cb.config.RecoveryTimeout,
		LastFailure:      cb.lastFailure,
		StateChangedAt:   cb.stateChangeAt,
		TimeInState:      now.Sub(cb.stateChangeAt),
	}
	switch cb.state {
	case StateOpen:
		st.TimeUntilRetry = max(0, cb.config.RecoveryTimeout-now.Sub(cb.lastFailure))
	case StateHalfOpen:
		st.SuccessesNeeded = cb.config.SuccessThreshold - cb.successes
	}
	return st
}
