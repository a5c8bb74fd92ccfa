package resilience

import (
	"context"
	"slices"
	"sync"

	"github.com/jonwraymond/taskops/observe"
)

// Manager owns one CircuitBreaker per logical external service.
//
// Contract:
//   - Concurrency: safe for concurrent use.
//   - Identity: Get returns the same instance for the same name for the
//     lifetime of the Manager; the first caller's configuration wins.
type Manager struct {
	logger    observe.Logger
	overrides map[string]CircuitBreakerConfig

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the logger handed to every breaker the manager creates.
func WithManagerLogger(l observe.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithServiceConfig supplies thresholds for a named service. They fill any
// zero fields of the config passed to Get for that name.
func WithServiceConfig(name string, cfg CircuitBreakerConfig) ManagerOption {
	return func(m *Manager) {
		m.overrides[name] = cfg
	}
}

// NewManager creates an empty breaker manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		logger:    observe.NopLogger(),
		overrides: make(map[string]CircuitBreakerConfig),
		breakers:  make(map[string]*CircuitBreaker),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get returns the breaker for name, creating it from cfg on first use.
// Later calls ignore cfg.
func (m *Manager) Get(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cb, ok := m.breakers[name]; ok {
		return cb
	}

	if o, ok := m.overrides[name]; ok {
		if cfg.FailureThreshold <= 0 {
			cfg.FailureThreshold = o.FailureThreshold
		}
		if cfg.RecoveryTimeout <= 0 {
			cfg.RecoveryTimeout = o.RecoveryTimeout
		}
		if cfg.SuccessThreshold <= 0 {
			cfg.SuccessThreshold = o.SuccessThreshold
		}
	}
	cfg.Name = name
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}

	cb := NewCircuitBreaker(cfg)
	m.breakers[name] = cb
	return cb
}

// ServiceConfig returns the thresholds registered for name with
// WithServiceConfig.
func (m *Manager) ServiceConfig(name string) (CircuitBreakerConfig, bool) {
	cfg, ok := m.overrides[name]
	return cfg, ok
}

// Lookup returns an existing breaker without creating one.
func (m *Manager) Lookup(name string) (*CircuitBreaker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cb, ok := m.breakers[name]
	return cb, ok
}

// Names returns the registered breaker names in sorted order.
func (m *Manager) Names() []string {
	m.mu.Lock()
	names := make([]string, 0, len(m.breakers))
	for name := range m.breakers {
		names = append(names, name)
	}
	m.mu.Unlock()
	slices.Sort(names)
	return names
}

// AllStatus returns a snapshot of every breaker keyed by name.
func (m *Manager) AllStatus() map[string]CircuitStatus {
	m.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(m.breakers))
	for _, cb := range m.breakers {
		breakers = append(breakers, cb)
	}
	m.mu.Unlock()

	out := make(map[string]CircuitStatus, len(breakers))
	for _, cb := range breakers {
		out[cb.Name()] = cb.Status()
	}
	return out
}

// ResetAll forces every breaker closed.
func (m *Manager) ResetAll() {
	m.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(m.breakers))
	for _, cb := range m.breakers {
		breakers = append(breakers, cb)
	}
	m.mu.Unlock()

	for _, cb := range breakers {
		cb.Reset()
	}
	m.logger.Info(context.Background(), "all circuit breakers reset", observe.F("count", len(breakers)))
}

// ResetService forces one breaker closed. It reports whether name was known.
func (m *Manager) ResetService(name string) bool {
	cb, ok := m.Lookup(name)
	if !ok {
		return false
	}
	cb.Reset()
	return true
}
