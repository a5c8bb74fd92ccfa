package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestExecutor_NoPatterns(t *testing.T) {
	e := NewExecutor()
	if err := e.Execute(context.Background(), succeed); err != nil {
		t.Errorf("Execute() error = %v", err)
	}
	if e.CircuitBreaker() != nil {
		t.Error("CircuitBreaker() != nil without option")
	}
}

func TestExecutor_RetryInsideBreaker(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2})
	e := NewExecutor(
		WithCircuitBreaker(cb),
		WithRetry(NewRetry(RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond})),
	)

	attempts := 0
	err := e.Execute(context.Background(), func(context.Context) error {
		attempts++
		return errBoom
	})
	if !errors.Is(err, errBoom) {
		t.Errorf("Execute() error = %v, want errBoom", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if got := cb.Status().FailureCount; got != 1 {
		t.Errorf("breaker failures = %d, want 1 for one retried call", got)
	}
}

func TestExecutor_TimeoutPerAttempt(t *testing.T) {
	e := NewExecutor(WithTimeout(10 * time.Millisecond))
	err := e.Execute(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Execute() error = %v, want ErrTimeout", err)
	}
}

func TestExecutor_RateLimiterOutermost(t *testing.T) {
	rl := fastLimiter(10, time.Second)
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1})
	e := NewExecutor(WithRateLimiter(rl), WithCircuitBreaker(cb), WithBulkhead(NewBulkhead(BulkheadConfig{MaxConcurrent: 1})))

	err := e.Execute(context.Background(), func(context.Context) error {
		return &RateLimitError{Kind: KindRateLimited, RetryAfter: time.Millisecond}
	})
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("Execute() error = %v, want ErrRateLimited", err)
	}
	if rl.Stats().RateLimitedRequests != 1 {
		t.Error("rate limiter did not record the throttled call")
	}
	if cb.State() != StateOpen {
		t.Errorf("breaker state = %v, want open", cb.State())
	}
}

func TestDo_ReturnsValue(t *testing.T) {
	e := NewExecutor(WithTimeout(time.Second))
	got, err := Do(context.Background(), e, func(context.Context) (string, error) {
		return "ok", nil
	})
	if err != nil || got != "ok" {
		t.Errorf("Do() = (%q, %v), want (ok, nil)", got, err)
	}
}
