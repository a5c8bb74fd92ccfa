package task

import "context"

// Handler executes one task.
//
// Contract:
//   - Args and the returned value must be JSON-serializable.
//   - Blocking handlers may ignore ctx; the worker runs them on a bounded
//     pool so they cannot stall polling.
//   - Non-blocking handlers run on the polling goroutine and must honor ctx.
type Handler interface {
	Call(ctx context.Context, args []any, kwargs map[string]any) (any, error)
	Blocking() bool
}

// HandlerFunc adapts a context-aware function to Handler.
type HandlerFunc func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

// Call invokes f.
func (f HandlerFunc) Call(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	return f(ctx, args, kwargs)
}

// Blocking reports false.
func (f HandlerFunc) Blocking() bool { return false }

// BlockingFunc adapts a function that does not take a context, such as a
// wrapper around a synchronous client, to Handler.
type BlockingFunc func(args []any, kwargs map[string]any) (any, error)

// Call invokes f. ctx is not forwarded.
func (f BlockingFunc) Call(_ context.Context, args []any, kwargs map[string]any) (any, error) {
	return f(args, kwargs)
}

// Blocking reports true.
func (f BlockingFunc) Blocking() bool { return true }

var (
	_ Handler = HandlerFunc(nil)
	_ Handler = BlockingFunc(nil)
)
