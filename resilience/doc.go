// Package resilience guards calls into unreliable external dependencies.
//
// # Patterns
//
//   - CircuitBreaker: a per-dependency CLOSED / OPEN / HALF_OPEN state machine
//     that fails fast with *CircuitOpenError once a dependency is judged
//     unhealthy, then tests recovery after RecoveryTimeout.
//
//   - Manager: the named registry of breakers, one per logical service.
//
//   - RateLimiter: a sliding-window limiter for a single outbound API budget
//     with exponential backoff when the API signals throttling.
//
//   - Retry, Timeout and Bulkhead: attempt, deadline and concurrency bounds.
//
// Executor composes any subset of these.
//
// # Rate limit classification
//
// Backends that know the transport status should return *RateLimitError
// (see ClassifyHTTPStatus). Errors without one are matched by text, looking
// for "429", "rate limit", "too many requests" or "throttled".
//
// # Usage
//
//	breakers := resilience.NewManager(resilience.WithManagerLogger(logger))
//	cb := breakers.Get("filings-api", resilience.CircuitBreakerConfig{
//	    FailureThreshold: 5,
//	    RecoveryTimeout:  time.Minute,
//	})
//
//	rl := resilience.NewRateLimiter(resilience.RateLimiterConfig{
//	    MaxRequestsPerSecond: 10,
//	})
//
//	exec := resilience.NewExecutor(
//	    resilience.WithRateLimiter(rl),
//	    resilience.WithCircuitBreaker(cb),
//	    resilience.WithTimeout(5*time.Second),
//	)
//
//	err := exec.Execute(ctx, func(ctx context.Context) error {
//	    return fetchFiling(ctx, accession)
//	})
package resilience
