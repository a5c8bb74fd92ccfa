package resilience

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for resilience operations.
var (
	// ErrCircuitOpen is returned when the circuit breaker is open.
	ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

	// ErrMaxRetriesExceeded is returned when max retry attempts are exhausted.
	ErrMaxRetriesExceeded = errors.New("resilience: max retries exceeded")

	// ErrRateLimited is returned when a downstream API signaled throttling.
	ErrRateLimited = errors.New("resilience: rate limited")

	// ErrBulkheadFull is returned when the bulkhead is at capacity.
	ErrBulkheadFull = errors.New("resilience: bulkhead at capacity")

	// ErrTimeout is returned when an operation times out.
	ErrTimeout = errors.New("resilience: operation timed out")
)

// CircuitOpenError is returned when a breaker rejects a call.
type CircuitOpenError struct {
	// Service is the breaker name.
	Service string

	// RetryAfter is the remaining time until the breaker will try recovery.
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	if e.Service == "" {
		return fmt.Sprintf("%s (retry in %s)", ErrCircuitOpen, e.RetryAfter.Round(time.Millisecond))
	}
	return fmt.Sprintf("%s: %s (retry in %s)", ErrCircuitOpen, e.Service, e.RetryAfter.Round(time.Millisecond))
}

func (e *CircuitOpenError) Unwrap() error { return ErrCircuitOpen }

// ErrorKind classifies a failure reported by an outbound call.
type ErrorKind int

const (
	// KindOther is any failure that is neither throttling nor a timeout.
	KindOther ErrorKind = iota
	// KindRateLimited means the server asked the caller to slow down.
	KindRateLimited
	// KindTimeout means the call did not complete in time.
	KindTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindTimeout:
		return "timeout"
	default:
		return "other"
	}
}

// RateLimitError is a structured failure set by a backend that knows the
// transport status. Callers that can produce one should, so the rate limiter
// does not have to sniff error text.
type RateLimitError struct {
	Kind       ErrorKind
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	msg := "resilience: " + e.Kind.String()
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// RateLimitedError wraps a call failure that was classified as throttling.
// It matches both ErrRateLimited and the original error with errors.Is.
type RateLimitedError struct {
	RetryAfter time.Duration
	Err        error

	// Wait is set when the backoff wait was cut short, usually by ctx.
	Wait error
}

func (e *RateLimitedError) Error() string {
	if e.Wait != nil {
		return fmt.Sprintf("%s: %v (backoff interrupted: %v)", ErrRateLimited, e.Err, e.Wait)
	}
	return fmt.Sprintf("%s: %v", ErrRateLimited, e.Err)
}

func (e *RateLimitedError) Unwrap() []error {
	if e.Wait != nil {
		return []error{ErrRateLimited, e.Err, e.Wait}
	}
	return []error{ErrRateLimited, e.Err}
}
