package providers

import (
	"fmt"
	"strings"
	"sync"
)

// Registry maps provider names and model-id prefixes to adapters.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	fallback  string
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: map[string]Provider{}}
}

// Register adds a provider. The first registration becomes the
// fallback for unrecognized model ids.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
	if r.fallback == "" {
		r.fallback = p.Name()
	}
}

// Get returns a provider by name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", name)
	}
	return p, nil
}

// ForModel routes a model id to its provider: Bedrock ARNs and
// vendor-prefixed ids go to bedrock, gpt-*/o-series to openai,
// gemini-* to gemini. Unrecognized ids use the fallback.
func (r *Registry) ForModel(modelID string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name := r.fallback
	id := strings.ToLower(modelID)
	switch {
	case strings.Contains(id, "anthropic.") || strings.Contains(id, "amazon.") || strings.HasPrefix(id, "arn:"):
		name = "bedrock"
	case strings.HasPrefix(id, "gpt-") || strings.HasPrefix(id, "o1") || strings.HasPrefix(id, "o3") || strings.HasPrefix(id, "o4"):
		name = "openai"
	case strings.HasPrefix(id, "gemini-"):
		name = "gemini"
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("no provider registered for model %q", modelID)
	}
	return p, nil
}
