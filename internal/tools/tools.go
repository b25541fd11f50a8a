// Package tools holds the tool registry the turn coordinator dispatches
// to between model calls.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nextlevelbuilder/agentcore/internal/providers"
)

// Tool is one callable capability exposed to the model.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]any
	Execute(ctx context.Context, input map[string]any) (*Result, error)
}

// Registry is a name-keyed tool set shared across turns.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: map[string]Tool{}}
}

func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Definitions returns provider-facing tool declarations in stable order.
func (r *Registry) Definitions() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]providers.ToolDefinition, 0, len(names))
	for _, name := range names {
		t := r.tools[name]
		out = append(out, providers.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		})
	}
	return out
}

// Execute runs a tool by name. Unknown tools come back as an error
// result rather than a hard failure so the model can recover.
func (r *Registry) Execute(ctx context.Context, name string, input map[string]any) *Result {
	t, ok := r.Get(name)
	if !ok {
		return ErrorResult(fmt.Sprintf("unknown tool: %s", name))
	}
	res, err := t.Execute(ctx, input)
	if err != nil {
		return ErrorResult(err.Error()).WithError(err)
	}
	if res == nil {
		res = NewResult("")
	}
	return res
}
