// Package events defines the canonical event stream produced by the
// stream processor and consumed by the coordinator and SSE clients.
// Wire field names are camelCase (contentBlockIndex, toolUseId, ...).
package events

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Canonical event type tags.
const (
	TypeInitEventLoop     = "init_event_loop"
	TypeStartEventLoop    = "start_event_loop"
	TypeMessageStart      = "message_start"
	TypeContentBlockStart = "content_block_start"
	TypeContentBlockDelta = "content_block_delta"
	TypeContentBlockStop  = "content_block_stop"
	TypeMessageStop       = "message_stop"
	TypeToolUse           = "tool_use"
	TypeToolResult        = "tool_result"
	TypeToolError         = "tool_error"
	TypeReasoning         = "reasoning"
	TypeCitationStart     = "citation_start"
	TypeCitationEnd       = "citation_end"
	TypeMetadata          = "metadata"
	TypeMetadataSummary   = "metadata_summary"
	TypeDone              = "done"
	TypeError             = "error"
)

// Stop reasons carried by message_stop events.
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
	StopError     = "error"
)

// Stable error codes on the wire.
const (
	CodeStreamError     = "STREAM_ERROR"
	CodeAgentError      = "AGENT_ERROR"
	CodeTimeout         = "TIMEOUT"
	CodeValidationError = "VALIDATION_ERROR"
)

// Event is one canonical event: a type tag plus a loosely typed payload.
// Unknown payload shapes pass through untouched so clients can evolve
// independently of the runtime.
type Event struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// New builds an event with the given type and payload.
func New(typ string, data map[string]any) Event {
	return Event{Type: typ, Data: data}
}

// Done is the final sentinel event terminating a stream.
func Done() Event { return Event{Type: TypeDone} }

// Error builds an in-band error event with a stable code.
func Error(code, message string) Event {
	return Event{Type: TypeError, Data: map[string]any{
		"error": message,
		"code":  code,
	}}
}

// MarshalData serializes the payload for the SSE data line. A payload
// that cannot be serialized (non-JSON-able values) is replaced by an
// error description rather than breaking the stream.
func (e Event) MarshalData() []byte {
	if e.Data == nil {
		return []byte("{}")
	}
	b, err := json.Marshal(e.Data)
	if err != nil {
		fallback, _ := json.Marshal(map[string]any{
			"error": fmt.Sprintf("event serialization failed: %v", err),
			"code":  CodeStreamError,
		})
		return fallback
	}
	return b
}

// WriteSSE writes one event as an SSE frame and flushes.
func WriteSSE(w io.Writer, f http.Flusher, e Event) error {
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, e.MarshalData()); err != nil {
		return err
	}
	if f != nil {
		f.Flush()
	}
	return nil
}
