package secret

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
)

// ProviderFactory creates a Provider from configuration.
type ProviderFactory func(cfg map[string]any) (Provider, error)

// Registry manages provider factories.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]ProviderFactory
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]ProviderFactory)}
}

// Register adds a provider factory.
func (r *Registry) Register(name string, factory ProviderFactory) error {
	name = strings.TrimSpace(name)
	if name == "" || factory == nil {
		return errors.New("secret: invalid provider registration")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("secret: provider %q already registered", name)
	}
	r.providers[name] = factory
	return nil
}

// Create instantiates a provider by name.
func (r *Registry) Create(name string, cfg map[string]any) (Provider, error) {
	name = strings.TrimSpace(name)
	r.mu.RLock()
	factory, ok := r.providers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProviderNotRegistered, name)
	}
	return factory(cfg)
}

// List returns registered provider names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.providers))
}

// NewResolver builds a Resolver holding one provider per entry of specs,
// keyed by provider name. Providers created before a failure are closed.
func (r *Registry) NewResolver(strict bool, specs map[string]map[string]any) (*Resolver, error) {
	res := NewResolver(strict)
	for _, name := range slices.Sorted(maps.Keys(specs)) {
		p, err := r.Create(name, specs[name])
		if err != nil {
			_ = res.Close()
			return nil, fmt.Errorf("secret: create provider %q: %w", name, err)
		}
		res.Register(p)
	}
	return res, nil
}

// DefaultRegistry is the global registry. It knows the "env" and "file"
// providers.
var DefaultRegistry = func() *Registry {
	r := NewRegistry()
	_ = r.Register("env", func(map[string]any) (Provider, error) { return EnvProvider{}, nil })
	_ = r.Register("file", func(cfg map[string]any) (Provider, error) {
		p := FileProvider{}
		if v, ok := cfg["base_dir"]; ok {
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("secret: file provider base_dir must be a string, got %T", v)
			}
			p.BaseDir = s
		}
		return p, nil
	})
	return r
}()
