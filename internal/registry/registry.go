package registry

import (
	"context"
	"log"
	"sync"

	"github.com/GEJFY/inference-gateway/internal/provider"
)

// Factory constructs one backend adapter. A factory that fails is logged and
// its backend is simply absent from the registry; it is not fatal.
type Factory func() (provider.Provider, error)

// Registry owns the single live instance per backend name.
type Registry struct {
	mu          sync.RWMutex
	factories   map[string]Factory
	order       []string // factory registration order, for deterministic listings
	providers   map[string]provider.Provider
	initialized bool
}

func New() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		providers: make(map[string]provider.Provider),
	}
}

// AddFactory declares a configured backend. Call before Initialize.
func (r *Registry) AddFactory(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.factories[name]; !dup {
		r.order = append(r.order, name)
	}
	r.factories[name] = f
}

// Initialize instantiates every configured factory. Idempotent: a second
// call is a no-op, so each backend is registered exactly once.
func (r *Registry) Initialize() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initialized {
		return
	}
	r.initialized = true

	for _, name := range r.order {
		p, err := r.factories[name]()
		if err != nil {
			log.Printf("registry: provider %s failed to construct, skipping: %v", name, err)
			continue
		}
		r.providers[name] = p
	}
}

// Get returns the registered instance for name.
func (r *Registry) Get(name string) (provider.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, &provider.UnavailableError{Provider: name}
	}
	return p, nil
}

// Register inserts or overwrites an instance, e.g. a substitute backend in
// tests. Overwriting is not an error.
func (r *Registry) Register(name string, p provider.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, known := r.providers[name]; !known {
		r.order = append(r.order, name)
	}
	r.providers[name] = p
}

func (r *Registry) Available() []provider.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []provider.Provider
	for _, name := range r.order {
		if p, ok := r.providers[name]; ok && p.Available() {
			out = append(out, p)
		}
	}
	return out
}

func (r *Registry) AvailableNames() []string {
	var out []string
	for _, p := range r.Available() {
		out = append(out, p.Name())
	}
	return out
}

// HealthCheckAll probes available backends. Unavailable backends report
// false without being probed.
func (r *Registry) HealthCheckAll(ctx context.Context) map[string]bool {
	r.mu.RLock()
	providers := make(map[string]provider.Provider, len(r.providers))
	for name, p := range r.providers {
		providers[name] = p
	}
	r.mu.RUnlock()

	out := make(map[string]bool, len(providers))
	for name, p := range providers {
		if !p.Available() {
			out[name] = false
			continue
		}
		out[name] = p.HealthCheck(ctx)
	}
	return out
}

// Close releases every registered provider's network resources.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, p := range r.providers {
		if err := p.Close(); err != nil {
			log.Printf("registry: closing provider %s: %v", name, err)
		}
	}
}

type ProviderInfo struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
}

// Snapshot is the admin-facing view of registered backends.
func (r *Registry) Snapshot() map[string]ProviderInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]ProviderInfo, len(r.providers))
	for name, p := range r.providers {
		out[name] = ProviderInfo{Name: name, Available: p.Available()}
	}
	return out
}
