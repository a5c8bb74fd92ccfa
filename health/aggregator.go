package health

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// AggregatorConfig configures an Aggregator.
type AggregatorConfig struct {
	// Timeout bounds a full CheckAll pass. Checks still running when it
	// elapses are reported unhealthy with ErrCheckTimeout.
	// Default: 10s
	Timeout time.Duration

	// Concurrency limits how many checks run at once. Zero means no limit;
	// 1 runs checks sequentially in registration order.
	// Default: 0
	Concurrency int
}

// Aggregator runs a named set of checkers and folds their results.
//
// Contract:
//   - Concurrency: safe for concurrent use.
//   - A panicking checker yields an unhealthy result; it never takes down
//     the caller.
type Aggregator struct {
	cfg AggregatorConfig

	mu       sync.RWMutex
	checkers map[string]Checker
	order    []string
}

// NewAggregator creates an empty Aggregator.
func NewAggregator(cfg AggregatorConfig) *Aggregator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Concurrency < 0 {
		cfg.Concurrency = 0
	}
	return &Aggregator{
		cfg:      cfg,
		checkers: make(map[string]Checker),
	}
}

// Register adds c under c.Name(), replacing any checker of that name.
func (a *Aggregator) Register(c Checker) {
	a.RegisterAs(c.Name(), c)
}

// RegisterAs adds c under name, replacing any checker of that name.
func (a *Aggregator) RegisterAs(name string, c Checker) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.checkers[name]; !ok {
		a.order = append(a.order, name)
	}
	a.checkers[name] = c
}

// Unregister removes the checker registered under name.
func (a *Aggregator) Unregister(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.checkers[name]; !ok {
		return
	}
	delete(a.checkers, name)
	a.order = slices.DeleteFunc(a.order, func(n string) bool { return n == name })
}

// Names returns checker names in registration order.
func (a *Aggregator) Names() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return slices.Clone(a.order)
}

// Check runs the checker registered under name.
func (a *Aggregator) Check(ctx context.Context, name string) (Result, error) {
	a.mu.RLock()
	c, ok := a.checkers[name]
	a.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrCheckerNotFound, name)
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()
	return runCheck(ctx, c), nil
}

// CheckAll runs every checker and returns results by name.
func (a *Aggregator) CheckAll(ctx context.Context) map[string]Result {
	a.mu.RLock()
	names := slices.Clone(a.order)
	checkers := maps.Clone(a.checkers)
	a.mu.RUnlock()

	results := make(map[string]Result, len(names))
	if len(names) == 0 {
		return results
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	var mu sync.Mutex
	g := new(errgroup.Group)
	if a.cfg.Concurrency > 0 {
		g.SetLimit(a.cfg.Concurrency)
	}
	for _, name := range names {
		c := checkers[name]
		g.Go(func() error {
			r := runCheck(ctx, c)
			mu.Lock()
			results[name] = r
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Report is the folded outcome of a CheckAll pass.
type Report struct {
	Status    Status
	Results   map[string]Result
	CheckedAt time.Time
}

// Run runs every checker and folds the results into a Report.
func (a *Aggregator) Run(ctx context.Context) Report {
	results := a.CheckAll(ctx)
	return Report{
		Status:    Overall(results),
		Results:   results,
		CheckedAt: time.Now(),
	}
}

// Overall returns the worst status in results, or StatusHealthy when there
// are none.
func Overall(results map[string]Result) Status {
	status := StatusHealthy
	for _, r := range results {
		status = status.Worse(r.Status)
	}
	return status
}

// Checker exposes the aggregator itself as a single Checker named
// "aggregate" whose details hold each component's status.
func (a *Aggregator) Checker() Checker {
	return NewCheckerFunc("aggregate", func(ctx context.Context) Result {
		report := a.Run(ctx)
		details := make(map[string]any, len(report.Results))
		for name, r := range report.Results {
			details[name] = r.Status.String()
		}
		msg := "all checks passed"
		switch report.Status {
		case StatusDegraded:
			msg = "some checks degraded"
		case StatusUnhealthy:
			msg = "some checks failed"
		}
		return Result{Status: report.Status, Message: msg, Details: details, Timestamp: report.CheckedAt}
	})
}

// runCheck runs c in its own goroutine so a checker that ignores ctx cannot
// hold the caller past the deadline.
func runCheck(ctx context.Context, c Checker) Result {
	start := time.Now()
	done := make(chan Result, 1)
	go func() {
		defer func() {
			if v := recover(); v != nil {
				done <- Unhealthy(fmt.Sprintf("check panicked: %v", v), ErrCheckPanicked)
			}
		}()
		done <- c.Check(ctx)
	}()

	var r Result
	select {
	case r = <-done:
	case <-ctx.Done():
		r = Unhealthy("check timed out", ErrCheckTimeout)
	}
	r.Duration = time.Since(start)
	if r.Timestamp.IsZero() {
		r.Timestamp = start
	}
	return r
}
