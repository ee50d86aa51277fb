package runtime

import (
	"context"
	"sort"
	"sync"
)

// Provider is one chat completion endpoint.
type Provider interface {
	// Name returns the provider name.
	Name() string

	// Models returns the models the provider advertises. An empty list
	// means any model name is accepted.
	Models() []string

	// Available checks if the provider is available.
	Available(ctx context.Context) bool

	// Complete performs a completion request.
	Complete(ctx context.Context, params CompletionParams) (*CompletionResult, error)
}

// Registry manages available providers. Registering a name twice replaces
// the earlier provider.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates a new provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
	}
}

// Register adds a provider to the registry.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get retrieves a provider by name.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// List returns all registered providers ordered by name.
func (r *Registry) List() []Provider {
	r.mu.RLock()
	providers := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		providers = append(providers, p)
	}
	r.mu.RUnlock()

	sort.Slice(providers, func(i, j int) bool {
		return providers[i].Name() < providers[j].Name()
	})
	return providers
}

// Available returns all available providers ordered by name.
func (r *Registry) Available(ctx context.Context) []Provider {
	var available []Provider
	for _, p := range r.List() {
		if p.Available(ctx) {
			available = append(available, p)
		}
	}
	return available
}

// Serves reports whether p advertises model.
func Serves(p Provider, model string) bool {
	models := p.Models()
	if len(models) == 0 || model == "" {
		return true
	}
	for _, m := range models {
		if m == model {
			return true
		}
	}
	return false
}
