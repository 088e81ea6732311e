package triage

import (
	"strings"
	"sync"
)

type ProviderFactory func(apiKey string) Provider

// Registry maps provider names to factories so the wiring layer can build the
// configured provider without knowing the concrete types.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]ProviderFactory
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]ProviderFactory),
	}
}

// DefaultRegistry returns a registry with the built-in providers registered.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.RegisterFactory("anthropic", func(apiKey string) Provider {
		return NewAnthropicProvider(apiKey)
	})
	r.RegisterFactory("openai", func(apiKey string) Provider {
		return NewOpenAIProvider(apiKey)
	})
	return r
}

func (r *Registry) RegisterFactory(name string, factory ProviderFactory) {
	if r == nil || factory == nil {
		return
	}
	key := normalizeProviderName(name)
	if key == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[key] = factory
}

func (r *Registry) New(name, apiKey string) (Provider, bool) {
	if r == nil {
		return nil, false
	}
	key := normalizeProviderName(name)
	if key == "" {
		return nil, false
	}

	r.mu.RLock()
	factory, ok := r.factories[key]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}

	provider := factory(apiKey)
	if provider == nil {
		return nil, false
	}
	return provider, true
}

func normalizeProviderName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
