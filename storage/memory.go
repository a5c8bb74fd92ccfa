package storage

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/jonwraymond/taskops/observe"
)

// MemoryConfig configures a Memory backend.
type MemoryConfig struct {
	// SweepInterval is how often expired keys are purged in the background.
	// A negative value disables the sweep.
	// Default: 60s
	SweepInterval time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval"`

	// Logger receives sweep diagnostics.
	// Default: observe.NopLogger()
	Logger observe.Logger `yaml:"-" mapstructure:"-"`
}

// Memory is an in-process Storage. Data lives until the process exits.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
	cfg     MemoryConfig

	stop chan struct{}
	done chan struct{}
	now  func() time.Time
}

type memoryEntry struct {
	value     []byte
	expiresAt *time.Time
}

// NewMemory creates an in-memory store.
func NewMemory(cfg MemoryConfig) *Memory {
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = observe.NopLogger()
	}
	return &Memory{
		entries: make(map[string]*memoryEntry),
		cfg:     cfg,
		now:     time.Now,
	}
}

// Connect starts the expiry sweep. Calling it twice is a no-op.
func (m *Memory) Connect(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop != nil || m.cfg.SweepInterval < 0 {
		return nil
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.sweep(m.stop, m.done)
	return nil
}

// Disconnect stops the sweep. Stored data is kept.
func (m *Memory) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	stop, done := m.stop, m.done
	m.stop, m.done = nil, nil
	m.mu.Unlock()

	if stop == nil {
		return nil
	}
	close(stop)
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) sweep(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if n := m.PurgeExpired(); n > 0 {
				m.cfg.Logger.Debug(context.Background(), "purged expired keys",
					observe.F("backend", "memory"), observe.F("count", n))
			}
		}
	}
}

// PurgeExpired removes every expired key and returns how many were removed.
func (m *Memory) PurgeExpired() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, e := range m.entries {
		if expired(e.expiresAt, now) {
			delete(m.entries, k)
			n++
		}
	}
	return n
}

// live returns the entry for key, dropping it if expired. Caller holds m.mu.
func (m *Memory) live(key string) (*memoryEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if expired(e.expiresAt, m.now()) {
		delete(m.entries, key)
		return nil, false
	}
	return e, true
}

// Get returns the decoded value for key.
func (m *Memory) Get(_ context.Context, key string) (any, bool, error) {
	if err := ValidateKey(key); err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	e, ok := m.live(key)
	var data []byte
	if ok {
		data = e.value
	}
	m.mu.Unlock()
	if !ok {
		return nil, false, nil
	}
	v, err := decodeValue(data)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// Set stores value under key.
func (m *Memory) Set(_ context.Context, key string, value any, opts ...SetOption) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}
	data, err := encodeValue(value)
	if err != nil {
		return false, err
	}
	o := applySetOptions(opts)
	m.mu.Lock()
	m.entries[key] = &memoryEntry{value: data, expiresAt: o.expiresAt(m.now())}
	m.mu.Unlock()
	return true, nil
}

// Delete removes key. Idempotent.
func (m *Memory) Delete(_ context.Context, key string) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.live(key)
	delete(m.entries, key)
	return ok, nil
}

// Exists reports whether key holds an unexpired value.
func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.live(key)
	return ok, nil
}

// Increment adds amount to the counter at key, keeping any existing TTL.
func (m *Memory) Increment(_ context.Context, key string, amount int64) (int64, error) {
	if err := ValidateKey(key); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		cur int64
		exp *time.Time
	)
	if e, ok := m.live(key); ok {
		cur = counterValue(e.value)
		exp = e.expiresAt
	}
	next := cur + amount
	data, err := encodeValue(next)
	if err != nil {
		return 0, err
	}
	m.entries[key] = &memoryEntry{value: data, expiresAt: exp}
	return next, nil
}

// SetHash stores mapping under key.
func (m *Memory) SetHash(ctx context.Context, key string, mapping map[string]any, opts ...SetOption) (bool, error) {
	if mapping == nil {
		mapping = map[string]any{}
	}
	return m.Set(ctx, key, maps.Clone(mapping), opts...)
}

// GetHash returns the map stored at key.
func (m *Memory) GetHash(ctx context.Context, key string) (map[string]any, bool, error) {
	v, ok, err := m.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	h, ok := asHash(v)
	return h, ok, nil
}

// ClearPattern deletes every key matching pattern. Expired keys are removed
// but not counted.
func (m *Memory) ClearPattern(_ context.Context, pattern string) (int, error) {
	re, err := compileGlob(pattern)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for k, e := range m.entries {
		if !re.MatchString(k) {
			continue
		}
		delete(m.entries, k)
		if !expired(e.expiresAt, now) {
			n++
		}
	}
	return n, nil
}

// HealthCheck always succeeds.
func (m *Memory) HealthCheck(_ context.Context) error { return nil }

// Len returns the number of stored keys, expired ones included until swept.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

var _ Storage = (*Memory)(nil)
