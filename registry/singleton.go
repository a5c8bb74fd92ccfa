package registry

import (
	"context"
	"sync"

	"github.com/jonwraymond/taskops/config"
)

var (
	globalMu sync.Mutex
	global   *Registry
)

// InitializeServices builds and initializes the process-wide Registry. A
// second call returns the existing registry and ignores its arguments.
func InitializeServices(ctx context.Context, cfg *config.Config, opts ...Option) (*Registry, error) {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global != nil {
		return global, nil
	}
	r, err := New(cfg, opts...)
	if err != nil {
		return nil, err
	}
	if err := r.Initialize(ctx); err != nil {
		return nil, err
	}
	global = r
	return r, nil
}

// GetRegistry returns the process-wide Registry. It panics when called
// before InitializeServices or after CleanupServices.
func GetRegistry() *Registry {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		panic("registry: GetRegistry called before InitializeServices")
	}
	return global
}

// CleanupServices cleans up and forgets the process-wide Registry.
func CleanupServices(ctx context.Context) error {
	globalMu.Lock()
	r := global
	global = nil
	globalMu.Unlock()
	if r == nil {
		return nil
	}
	return r.Cleanup(ctx)
}
