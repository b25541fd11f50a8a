// Package providers defines the loose event protocol model backends
// speak and the adapters that translate each vendor SDK onto it.
package providers

import (
	"context"

	"github.com/nextlevelbuilder/agentcore/internal/store"
)

// RawEvent is one provider-native stream event: a loosely typed map
// keyed by the provider's own event names (messageStart,
// contentBlockDelta, metadata, ...). The stream processor normalizes
// these into canonical events; adapters only reshape, never interpret.
type RawEvent = map[string]any

// StreamRequest is the input to one model call.
type StreamRequest struct {
	ModelID     string
	System      string
	Messages    []store.Message
	Tools       []ToolDefinition
	MaxTokens   int
	Temperature *float64
}

// ToolDefinition describes one tool offered to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// Provider streams raw events for one model call. Implementations
// must close the returned channel when the stream ends and must honor
// ctx cancellation.
type Provider interface {
	// Stream opens the model stream. Fatal setup errors return
	// immediately; mid-stream errors arrive as an "error" raw event
	// followed by channel close.
	Stream(ctx context.Context, req StreamRequest) (<-chan RawEvent, error)

	// Name is the provider identifier ("bedrock", "openai", "gemini").
	Name() string

	// DefaultModel is used when a request does not name a model.
	DefaultModel() string
}

// errorEvent wraps a mid-stream failure into the raw protocol.
func errorEvent(err error) RawEvent {
	return RawEvent{"error": map[string]any{"message": err.Error()}}
}
