package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonwraymond/taskops/observe"
)

// RateLimiterConfig configures the outbound rate limiter.
type RateLimiterConfig struct {
	// Name identifies the protected API in logs.
	Name string `yaml:"-" mapstructure:"-"`

	// MaxRequestsPerSecond is the number of requests admitted per window.
	// Default: 10
	MaxRequestsPerSecond int `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second"`

	// WindowSize is the sliding window length.
	// Default: 1 second
	WindowSize time.Duration `yaml:"window_size" mapstructure:"window_size"`

	// BaseBackoff is the backoff unit applied per backoff level.
	// Default: 1 second
	BaseBackoff time.Duration `yaml:"base_backoff" mapstructure:"base_backoff"`

	// BackoffMultiplier is the exponential growth factor.
	// Default: 2.0
	BackoffMultiplier float64 `yaml:"backoff_multiplier" mapstructure:"backoff_multiplier"`

	// MaxBackoff caps any single backoff sleep.
	// Default: 60 seconds
	MaxBackoff time.Duration `yaml:"max_backoff" mapstructure:"max_backoff"`

	// MaxBackoffAttempts caps the backoff level.
	// Default: 5
	MaxBackoffAttempts int `yaml:"max_backoff_attempts" mapstructure:"max_backoff_attempts"`

	// JitterMin and JitterMax bound the uniform delay added to every Acquire.
	// Default: 50ms and 200ms
	JitterMin time.Duration `yaml:"jitter_min" mapstructure:"jitter_min"`
	JitterMax time.Duration `yaml:"jitter_max" mapstructure:"jitter_max"`

	// Logger receives backoff events.
	// Default: no-op
	Logger observe.Logger `yaml:"-" mapstructure:"-"`
}

func (c RateLimiterConfig) withDefaults() RateLimiterConfig {
	if c.MaxRequestsPerSecond <= 0 {
		c.MaxRequestsPerSecond = 10
	}
	if c.WindowSize <= 0 {
		c.WindowSize = time.Second
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.BackoffMultiplier <= 0 {
		c.BackoffMultiplier = 2.0
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 60 * time.Second
	}
	if c.MaxBackoffAttempts <= 0 {
		c.MaxBackoffAttempts = 5
	}
	if c.JitterMin <= 0 && c.JitterMax <= 0 {
		c.JitterMin = 50 * time.Millisecond
		c.JitterMax = 200 * time.Millisecond
	}
	if c.JitterMax < c.JitterMin {
		c.JitterMax = c.JitterMin
	}
	if c.Logger == nil {
		c.Logger = observe.NopLogger()
	}
	return c
}

// RateLimiterStats is a snapshot of limiter counters.
type RateLimiterStats struct {
	TotalRequests       int64   `json:"total_requests"`
	RateLimitedRequests int64   `json:"rate_limited_requests"`
	BackoffEvents       int64   `json:"backoff_events"`
	TotalDelaySeconds   float64 `json:"total_delay_seconds"`
	CurrentBackoffLevel int     `json:"current_backoff_level"`
	WindowRequests      int     `json:"window_requests"`
}

// RateLimiter keeps callers under a requests-per-window budget for a single
// external API and backs off when that API signals throttling.
//
// Contract:
//   - Concurrency: safe for concurrent use; the lock is never held while sleeping.
//   - Context: every sleep honors ctx cancellation.
//   - Errors: Execute never swallows the operation's error.
type RateLimiter struct {
	config RateLimiterConfig

	mu         sync.Mutex
	window     []time.Time
	level      int
	total      int64
	limited    int64
	backoffs   int64
	totalDelay time.Duration
}

// NewRateLimiter creates a new sliding-window rate limiter.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	return &RateLimiter{config: config.withDefaults()}
}

// Config returns the effective configuration.
func (rl *RateLimiter) Config() RateLimiterConfig {
	return rl.config
}

// Acquire waits until a request may be sent.
//
// Every call pays a small jitter even without contention so concurrent
// callers are staggered.
func (rl *RateLimiter) Acquire(ctx context.Context) error {
	if err := rl.waitForSlot(ctx); err != nil {
		return err
	}

	rl.mu.Lock()
	backoff := rl.backoffDelay(rl.level)
	if rl.level == 0 {
		backoff = 0
	}
	rl.mu.Unlock()

	if err := sleepCtx(ctx, backoff+rl.jitter()); err != nil {
		return err
	}

	// Another caller may have filled the window while we slept.
	for {
		rl.mu.Lock()
		now := time.Now()
		rl.purgeLocked(now)
		if len(rl.window) < rl.config.MaxRequestsPerSecond {
			rl.window = append(rl.window, now)
			rl.total++
			rl.mu.Unlock()
			return nil
		}
		wait := rl.window[0].Add(rl.config.WindowSize).Sub(now)
		rl.mu.Unlock()

		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
}

func (rl *RateLimiter) waitForSlot(ctx context.Context) error {
	for {
		rl.mu.Lock()
		now := time.Now()
		rl.purgeLocked(now)
		if len(rl.window) < rl.config.MaxRequestsPerSecond {
			rl.mu.Unlock()
			return nil
		}
		wait := rl.window[0].Add(rl.config.WindowSize).Sub(now)
		rl.mu.Unlock()

		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
}

func (rl *RateLimiter) purgeLocked(now time.Time) {
	cutoff := now.Add(-rl.config.WindowSize)
	i := 0
	for i < len(rl.window) && !rl.window[i].After(cutoff) {
		i++
	}
	if i > 0 {
		rl.window = append(rl.window[:0], rl.window[i:]...)
	}
}

func (rl *RateLimiter) backoffDelay(level int) time.Duration {
	d := float64(rl.config.BaseBackoff) * math.Pow(rl.config.BackoffMultiplier, float64(level))
	if d > float64(rl.config.MaxBackoff) {
		return rl.config.MaxBackoff
	}
	return time.Duration(d)
}

func (rl *RateLimiter) jitter() time.Duration {
	span := rl.config.JitterMax - rl.config.JitterMin
	if span <= 0 {
		return rl.config.JitterMin
	}
	// #nosec G404 -- jitter is non-cryptographic timing variance.
	return rl.config.JitterMin + time.Duration(rand.Int64N(int64(span)+1))
}

// HandleRateLimitError records a throttling signal, raises the backoff level
// and sleeps. A positive retryAfter overrides the computed backoff.
func (rl *RateLimiter) HandleRateLimitError(ctx context.Context, err error, retryAfter time.Duration) error {
	rl.mu.Lock()
	rl.limited++
	rl.backoffs++
	if rl.level < rl.config.MaxBackoffAttempts {
		rl.level++
	}
	level := rl.level
	delay := retryAfter
	if delay <= 0 {
		delay = rl.backoffDelay(level)
	}
	rl.totalDelay += delay
	rl.mu.Unlock()

	rl.config.Logger.Warn(ctx, "rate limit signaled, backing off",
		observe.F("limiter", rl.config.Name),
		observe.F("backoff_level", level),
		observe.F("delay_seconds", delay.Seconds()),
		observe.Err(err),
	)

	return sleepCtx(ctx, delay)
}

// ResetBackoff clears the backoff level after an observed success.
func (rl *RateLimiter) ResetBackoff() {
	rl.mu.Lock()
	rl.level = 0
	rl.mu.Unlock()
}

// Stats returns a snapshot of the limiter counters.
func (rl *RateLimiter) Stats() RateLimiterStats {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.purgeLocked(time.Now())
	return RateLimiterStats{
		TotalRequests:       rl.total,
		RateLimitedRequests: rl.limited,
		BackoffEvents:       rl.backoffs,
		TotalDelaySeconds:   rl.totalDelay.Seconds(),
		CurrentBackoffLevel: rl.level,
		WindowRequests:      len(rl.window),
	}
}

// Execute acquires a slot, runs op and classifies its failure.
//
// A throttling failure is recorded through HandleRateLimitError and returned
// as *RateLimitedError, which also carries ctx's error if the backoff wait was
// interrupted. Any other failure is returned untouched.
func (rl *RateLimiter) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := rl.Acquire(ctx); err != nil {
		return err
	}

	err := op(ctx)
	if err == nil {
		rl.ResetBackoff()
		return nil
	}

	limited, retryAfter := IsRateLimitError(err)
	if !limited {
		return err
	}
	wait := rl.HandleRateLimitError(ctx, err, retryAfter)
	return &RateLimitedError{RetryAfter: retryAfter, Err: err, Wait: wait}
}

// Wrap returns op guarded by the limiter.
func (rl *RateLimiter) Wrap(op func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		return rl.Execute(ctx, op)
	}
}

var rateLimitSignatures = []string{
	"429",
	"rate limit",
	"too many requests",
	"throttled",
}

// IsRateLimitError reports whether err signals throttling and any server
// supplied retry delay. A structured *RateLimitError is authoritative; error
// text is inspected only when none is present.
func IsRateLimitError(err error) (bool, time.Duration) {
	if err == nil {
		return false, 0
	}
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle.Kind == KindRateLimited, rle.RetryAfter
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range rateLimitSignatures {
		if strings.Contains(msg, sig) {
			return true, 0
		}
	}
	return false, 0
}

// ClassifyHTTPStatus maps a response status to a structured error, or nil for
// non-error statuses. retryAfter is the raw Retry-After header value.
func ClassifyHTTPStatus(code int, retryAfter string) error {
	if code < 400 {
		return nil
	}
	e := &RateLimitError{
		Kind:       KindOther,
		StatusCode: code,
		Err:        errors.New(http.StatusText(code)),
	}
	switch code {
	case http.StatusTooManyRequests:
		e.Kind = KindRateLimited
		e.RetryAfter = parseRetryAfter(retryAfter)
	case http.StatusServiceUnavailable:
		if retryAfter != "" {
			e.Kind = KindRateLimited
			e.RetryAfter = parseRetryAfter(retryAfter)
		}
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		e.Kind = KindTimeout
	}
	return e
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
