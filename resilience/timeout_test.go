package resilience

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNewTimeout_Default(t *testing.T) {
	if got := NewTimeout(TimeoutConfig{}).Config().Timeout; got != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", got)
	}
}

func TestTimeout_PassesThrough(t *testing.T) {
	to := NewTimeout(TimeoutConfig{Timeout: time.Second})

	if err := to.Execute(context.Background(), succeed); err != nil {
		t.Errorf("Execute() error = %v", err)
	}
	if err := to.Execute(context.Background(), fail); !errors.Is(err, errBoom) {
		t.Errorf("Execute() error = %v, want errBoom", err)
	}
}

func TestTimeout_Expires(t *testing.T) {
	err := ExecuteWithTimeout(context.Background(), 20*time.Millisecond, func(context.Context) error {
		time.Sleep(200 * time.Millisecond)
		return nil
	})

	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("error = %v, want ErrTimeout", err)
	}
	var te *TimeoutError
	if !errors.As(err, &te) || te.After != 20*time.Millisecond {
		t.Errorf("TimeoutError = %+v, want After 20ms", te)
	}
	if !strings.Contains(err.Error(), "20ms") {
		t.Errorf("Error() = %q, want duration", err.Error())
	}
}

func TestTimeout_CooperativeOpReportsTimeout(t *testing.T) {
	err := ExecuteWithTimeout(context.Background(), 20*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("error = %v, want ErrTimeout", err)
	}
}

func TestTimeout_ParentCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := ExecuteWithTimeout(ctx, time.Second, func(ctx context.Context) error {
		time.Sleep(50 * time.Millisecond)
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}
