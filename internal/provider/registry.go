package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Factory builds a provider on first use.
type Factory func() (Provider, error)

// Info describes the registry for the providers endpoint.
type Info struct {
	Current   string            `json:"current"`
	Available []string          `json:"available"`
	Models    map[string]string `json:"models"`
}

// Registry maps provider names to lazily built instances and tracks which
// one is active. Switching is metadata only: it does not contact a backend.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	instances map[string]Provider
	order     []string
	active    string
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		instances: make(map[string]Provider),
	}
}

// Register adds or replaces a factory. The first registered name becomes
// active.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; !exists {
		r.order = append(r.order, name)
	}
	r.factories[name] = factory
	delete(r.instances, name)
	if r.active == "" {
		r.active = name
	}
}

func (r *Registry) Get(name string) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getLocked(name)
}

func (r *Registry) getLocked(name string) (Provider, error) {
	if p, ok := r.instances[name]; ok {
		return p, nil
	}
	factory, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	p, err := factory()
	if err != nil {
		return nil, fmt.Errorf("init provider %s: %w", name, err)
	}
	r.instances[name] = p
	return p, nil
}

// Active returns the current provider, building it if needed.
func (r *Registry) Active() (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == "" {
		return nil, fmt.Errorf("%w: no provider registered", ErrUnknownProvider)
	}
	return r.getLocked(r.active)
}

func (r *Registry) ActiveName() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Switch changes the active provider name.
func (r *Registry) Switch(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[name]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	r.active = name
	return nil
}

func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

// Info reports the active name, all names, and the default model of every
// provider that has already been built.
func (r *Registry) Info() Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	info := Info{
		Current:   r.active,
		Available: append([]string(nil), r.order...),
		Models:    make(map[string]string, len(r.instances)),
	}
	for name, p := range r.instances {
		if m, ok := p.(modeler); ok {
			info.Models[name] = m.DefaultModel()
		}
	}
	return info
}

// HealthAll checks every registered provider. Providers that cannot be built
// are reported unhealthy.
func (r *Registry) HealthAll(ctx context.Context) map[string]Health {
	names := r.Names()
	sort.Strings(names)
	out := make(map[string]Health, len(names))
	for _, name := range names {
		p, err := r.Get(name)
		if err != nil {
			out[name] = Health{Provider: name, Status: StatusUnhealthy, Error: err.Error()}
			continue
		}
		out[name] = p.HealthCheck(ctx)
	}
	return out
}
