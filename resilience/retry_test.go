package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNewRetry_Defaults(t *testing.T) {
	cfg := NewRetry(RetryConfig{}).Config()
	if cfg.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", cfg.MaxAttempts)
	}
	if cfg.InitialDelay != 100*time.Millisecond {
		t.Errorf("InitialDelay = %v, want 100ms", cfg.InitialDelay)
	}
	if cfg.MaxDelay != 30*time.Second {
		t.Errorf("MaxDelay = %v, want 30s", cfg.MaxDelay)
	}
}

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	r := NewRetry(RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond})

	attempts := 0
	err := r.Execute(context.Background(), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errBoom
		}
		return nil
	})
	if err != nil {
		t.Errorf("Execute() error = %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetry_Exhausted(t *testing.T) {
	r := NewRetry(RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond})

	attempts := 0
	err := r.Execute(context.Background(), func(context.Context) error {
		attempts++
		return errBoom
	})
	if !errors.Is(err, ErrMaxRetriesExceeded) || !errors.Is(err, errBoom) {
		t.Errorf("Execute() error = %v, want ErrMaxRetriesExceeded wrapping errBoom", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestRetry_RetryIfStopsEarly(t *testing.T) {
	permanent := errors.New("permanent")
	r := NewRetry(RetryConfig{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		RetryIf:      func(err error) bool { return !errors.Is(err, permanent) },
	})

	attempts := 0
	err := r.Execute(context.Background(), func(context.Context) error {
		attempts++
		return permanent
	})
	if err != permanent {
		t.Errorf("Execute() error = %v, want permanent unchanged", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestRetry_ContextCancellation(t *testing.T) {
	r := NewRetry(RetryConfig{MaxAttempts: 5, InitialDelay: time.Second})
	ctx, cancel := context.WithCancel(context.Background())

	err := r.Execute(ctx, func(context.Context) error {
		cancel()
		return errBoom
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Execute() error = %v, want context.Canceled", err)
	}
}

func TestRetry_OnRetry(t *testing.T) {
	var seen []int
	r := NewRetry(RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		OnRetry:      func(attempt int, err error, delay time.Duration) { seen = append(seen, attempt) },
	})
	_ = r.Execute(context.Background(), fail)

	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Errorf("OnRetry attempts = %v, want [1 2]", seen)
	}
}

func TestRetry_Delay(t *testing.T) {
	tests := []struct {
		name     string
		strategy BackoffStrategy
		attempt  int
		want     time.Duration
	}{
		{"exponential 1", BackoffExponential, 1, time.Second},
		{"exponential 3", BackoffExponential, 3, 4 * time.Second},
		{"exponential capped", BackoffExponential, 10, 60 * time.Second},
		{"linear 3", BackoffLinear, 3, 3 * time.Second},
		{"constant 5", BackoffConstant, 5, time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRetry(RetryConfig{InitialDelay: time.Second, MaxDelay: time.Minute, Strategy: tt.strategy})
			if got := r.Delay(tt.attempt); got != tt.want {
				t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestRetry_DelayJitterBounds(t *testing.T) {
	r := NewRetry(RetryConfig{InitialDelay: time.Second, MaxDelay: time.Minute, JitterFactor: 0.2})

	for i := 0; i < 200; i++ {
		d := r.Delay(2)
		if d < 1600*time.Millisecond || d > 2400*time.Millisecond {
			t.Fatalf("Delay(2) = %v, want within [1.6s, 2.4s]", d)
		}
	}
}
