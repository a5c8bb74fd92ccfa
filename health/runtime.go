package health

import (
	"context"
	"fmt"
	"runtime"
)

// RuntimeCheckerConfig sets the limits of a RuntimeChecker. A zero limit is
// not enforced.
type RuntimeCheckerConfig struct {
	// MaxGoroutines degrades the result when exceeded. A steadily growing
	// count usually means leaked task goroutines.
	MaxGoroutines int `yaml:"max_goroutines" mapstructure:"max_goroutines"`

	// MaxHeapBytes degrades the result when the live heap exceeds it.
	MaxHeapBytes uint64 `yaml:"max_heap_bytes" mapstructure:"max_heap_bytes"`
}

// RuntimeChecker reports goroutine and heap usage of the process.
type RuntimeChecker struct {
	cfg RuntimeCheckerConfig
}

// NewRuntimeChecker creates a RuntimeChecker.
func NewRuntimeChecker(cfg RuntimeCheckerConfig) *RuntimeChecker {
	return &RuntimeChecker{cfg: cfg}
}

// Name returns "runtime".
func (c *RuntimeChecker) Name() string { return "runtime" }

// Check samples the runtime.
func (c *RuntimeChecker) Check(ctx context.Context) Result {
	if err := ctx.Err(); err != nil {
		return Unhealthy("context done", err)
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	goroutines := runtime.NumGoroutine()
	details := map[string]any{
		"goroutines":   goroutines,
		"heap_alloc":   ms.HeapAlloc,
		"heap_objects": ms.HeapObjects,
		"num_gc":       ms.NumGC,
	}

	if c.cfg.MaxGoroutines > 0 && goroutines > c.cfg.MaxGoroutines {
		return Degraded(fmt.Sprintf("%d goroutines exceed limit %d", goroutines, c.cfg.MaxGoroutines)).
			WithDetails(details)
	}
	if c.cfg.MaxHeapBytes > 0 && ms.HeapAlloc > c.cfg.MaxHeapBytes {
		return Degraded(fmt.Sprintf("heap %d bytes exceeds limit %d", ms.HeapAlloc, c.cfg.MaxHeapBytes)).
			WithDetails(details)
	}
	return Healthy("runtime within limits").WithDetails(details)
}
