package resilience

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestCircuitOpenError(t *testing.T) {
	err := error(&CircuitOpenError{Service: "broker", RetryAfter: 1500 * time.Millisecond})

	if !errors.Is(err, ErrCircuitOpen) {
		t.Error("errors.Is(err, ErrCircuitOpen) = false, want true")
	}
	var coe *CircuitOpenError
	if !errors.As(err, &coe) || coe.Service != "broker" {
		t.Errorf("errors.As = %+v, want service broker", coe)
	}
	if !strings.Contains(err.Error(), "broker") {
		t.Errorf("Error() = %q, want service name", err.Error())
	}
}

func TestRateLimitedError_MatchesBoth(t *testing.T) {
	orig := errors.New("HTTP 429")
	err := error(&RateLimitedError{Err: orig})

	if !errors.Is(err, ErrRateLimited) {
		t.Error("errors.Is(err, ErrRateLimited) = false, want true")
	}
	if !errors.Is(err, orig) {
		t.Error("errors.Is(err, orig) = false, want true")
	}
}

func TestRateLimitError_Unwrap(t *testing.T) {
	inner := errors.New("slow down")
	err := &RateLimitError{Kind: KindRateLimited, StatusCode: 429, Err: inner}
	if !errors.Is(err, inner) {
		t.Error("errors.Is(err, inner) = false, want true")
	}
	if got := err.Error(); !strings.Contains(got, "rate_limited") || !strings.Contains(got, "429") {
		t.Errorf("Error() = %q", got)
	}
}
