// Package stream normalizes provider-native event streams into the
// canonical event sequence clients and the coordinator consume.
package stream

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/agentcore/internal/providers"
	"github.com/nextlevelbuilder/agentcore/pkg/events"
)

// Processor converts one provider stream into canonical events. It is
// single-reader: the coordinator feeds raw events in arrival order and
// forwards what comes back.
type Processor struct {
	log *slog.Logger
	now func() time.Time

	// Block-index bookkeeping. Providers that do not number their
	// blocks get the monotonic counter, which resets on message_start
	// and advances on content_block_stop.
	counter int

	// Tool accumulation for the currently open tool block.
	tool *toolAccum

	firstToken time.Time

	usage      map[string]any
	metrics    map[string]any
	completed  bool
	resultSeen bool
	forceStop  bool
}

type toolAccum struct {
	id    string
	name  string
	index int
	buf   string
	input map[string]any
}

// NewProcessor builds a processor for one turn's provider stream.
func NewProcessor(log *slog.Logger) *Processor {
	if log == nil {
		log = slog.Default()
	}
	return &Processor{
		log:     log,
		now:     time.Now,
		usage:   map[string]any{},
		metrics: map[string]any{},
	}
}

// Usage returns the accumulated usage counts.
func (p *Processor) Usage() map[string]any { return p.usage }

// Metrics returns the accumulated provider metrics.
func (p *Processor) Metrics() map[string]any { return p.metrics }

// FirstTokenTime returns when the first content or reasoning delta
// arrived; zero if none has.
func (p *Processor) FirstTokenTime() time.Time { return p.firstToken }

// Stopped reports whether the stream signaled completion and its
// terminal metadata has been seen. The coordinator must not break its
// loop on a completion signal alone: a trailing result event may still
// carry usage.
func (p *Processor) Stopped() bool {
	if p.forceStop {
		return true
	}
	return p.completed && p.resultSeen
}

// Handle converts one raw event into zero or more canonical events.
func (p *Processor) Handle(raw providers.RawEvent) []events.Event {
	switch {
	case raw["messageStart"] != nil:
		return p.onMessageStart(asMap(raw["messageStart"]))
	case raw["contentBlockStart"] != nil:
		return p.onBlockStart(asMap(raw["contentBlockStart"]))
	case raw["contentBlockDelta"] != nil:
		return p.onBlockDelta(asMap(raw["contentBlockDelta"]))
	case raw["contentBlockStop"] != nil:
		return p.onBlockStop(asMap(raw["contentBlockStop"]))
	case raw["messageStop"] != nil:
		return p.onMessageStop(asMap(raw["messageStop"]))
	case raw["metadata"] != nil:
		return p.onMetadata(asMap(raw["metadata"]))
	case raw["usage"] != nil || raw["metrics"] != nil:
		p.mergeUsage(asMap(raw["usage"]))
		p.mergeMetrics(asMap(raw["metrics"]))
		return []events.Event{p.metadataEvent()}
	case raw["result"] != nil:
		return p.onResult(asMap(raw["result"]))
	case raw["event"] != nil:
		return p.onInnerEvent(asMap(raw["event"]))
	case raw["complete"] != nil:
		p.completed = true
		return nil
	case raw["forceStop"] != nil:
		p.forceStop = true
		return []events.Event{events.Error(events.CodeAgentError, "model loop force-stopped")}
	case raw["toolResult"] != nil:
		return []events.Event{events.New(events.TypeToolResult, asMap(raw["toolResult"]))}
	case raw["toolError"] != nil:
		return []events.Event{events.New(events.TypeToolError, asMap(raw["toolError"]))}
	case raw["citationStart"] != nil:
		return []events.Event{events.New(events.TypeCitationStart, asMap(raw["citationStart"]))}
	case raw["citationEnd"] != nil:
		return []events.Event{events.New(events.TypeCitationEnd, asMap(raw["citationEnd"]))}
	case raw["error"] != nil:
		msg := "provider stream error"
		if m := asMap(raw["error"]); m != nil {
			if s, ok := m["message"].(string); ok && s != "" {
				msg = s
			}
		}
		return []events.Event{events.Error(events.CodeStreamError, msg)}
	default:
		// Unknown raw shapes are dropped, not fatal.
		p.log.Debug("unrecognized provider event", "keys", keysOf(raw))
		return nil
	}
}

// Finish emits the terminal summary and sentinel after the provider
// stream ends.
func (p *Processor) Finish() []events.Event {
	summary := map[string]any{}
	if len(p.usage) > 0 {
		summary["usage"] = p.usage
	}
	if len(p.metrics) > 0 {
		summary["metrics"] = p.metrics
	}
	if !p.firstToken.IsZero() {
		summary["first_token_time"] = p.firstToken.UnixMilli()
	}
	return []events.Event{
		events.New(events.TypeMetadataSummary, summary),
		events.Done(),
	}
}

func (p *Processor) onMessageStart(m map[string]any) []events.Event {
	p.counter = 0
	p.tool = nil
	role := "assistant"
	if r, ok := m["role"].(string); ok && r != "" {
		role = r
	}
	return []events.Event{events.New(events.TypeMessageStart, map[string]any{"role": role})}
}

// resolveIndex prefers the provider's own index and falls back to the
// monotonic counter.
func (p *Processor) resolveIndex(m map[string]any) int {
	if v, ok := m["contentBlockIndex"]; ok {
		return asInt(v)
	}
	return p.counter
}

func (p *Processor) onBlockStart(m map[string]any) []events.Event {
	idx := p.resolveIndex(m)
	data := map[string]any{"contentBlockIndex": idx, "type": "text"}
	if start := asMap(m["start"]); start != nil {
		if tu := asMap(start["toolUse"]); tu != nil {
			data["type"] = "tool_use"
			data["toolUse"] = tu
			p.tool = &toolAccum{
				id:    asString(tu["toolUseId"]),
				name:  asString(tu["name"]),
				index: idx,
			}
			if in := asMap(tu["input"]); in != nil {
				p.tool.input = in
			}
		}
	}
	return []events.Event{events.New(events.TypeContentBlockStart, data)}
}

func (p *Processor) onBlockDelta(m map[string]any) []events.Event {
	idx := p.resolveIndex(m)
	delta := asMap(m["delta"])
	if delta == nil {
		return nil
	}

	if rc := asMap(delta["reasoningContent"]); rc != nil {
		p.markFirstToken()
		data := map[string]any{}
		if s, ok := rc["text"].(string); ok {
			data["reasoningText"] = bestEffortText(s)
		}
		if s, ok := rc["signature"].(string); ok {
			data["reasoning_signature"] = s
		}
		if v, ok := rc["redactedContent"]; ok {
			data["redactedContent"] = v
		}
		return []events.Event{events.New(events.TypeReasoning, data)}
	}

	if text, ok := delta["text"].(string); ok {
		p.markFirstToken()
		return []events.Event{events.New(events.TypeContentBlockDelta, map[string]any{
			"contentBlockIndex": idx,
			"type":              "text",
			"text":              text,
		})}
	}

	if tu := asMap(delta["toolUse"]); tu != nil {
		p.markFirstToken()
		input := tu["input"]
		if p.tool != nil {
			if s, ok := input.(string); ok {
				p.tool.buf += s
			}
		}
		return []events.Event{events.New(events.TypeContentBlockDelta, map[string]any{
			"contentBlockIndex": idx,
			"type":              "tool_use",
			"input":             input,
		})}
	}
	return nil
}

func (p *Processor) onBlockStop(m map[string]any) []events.Event {
	idx := p.resolveIndex(m)
	out := []events.Event{events.New(events.TypeContentBlockStop, map[string]any{
		"contentBlockIndex": idx,
	})}

	if p.tool != nil {
		data := map[string]any{
			"toolUseId": p.tool.id,
			"name":      p.tool.name,
		}
		switch {
		case p.tool.input != nil:
			data["input"] = p.tool.input
		case p.tool.buf != "":
			data["input"] = p.tool.buf
		}
		out = append(out, events.New(events.TypeToolUse, data))
		p.tool = nil
	}

	// Monotonic counter advances once per closed block.
	if idx >= p.counter {
		p.counter = idx + 1
	} else {
		p.counter++
	}
	return out
}

func (p *Processor) onMessageStop(m map[string]any) []events.Event {
	stop := asString(m["stopReason"])
	if stop == "" {
		stop = events.StopEndTurn
	}
	return []events.Event{events.New(events.TypeMessageStop, map[string]any{"stopReason": stop})}
}

// onMetadata is extraction path one: a top-level metadata event.
func (p *Processor) onMetadata(m map[string]any) []events.Event {
	p.mergeUsage(asMap(m["usage"]))
	p.mergeMetrics(asMap(m["metrics"]))
	return []events.Event{p.metadataEvent()}
}

// onResult is extraction path two: terminal metadata nested inside a
// result object. Arrival order relative to complete is not guaranteed.
func (p *Processor) onResult(m map[string]any) []events.Event {
	p.resultSeen = true
	if meta := asMap(m["metadata"]); meta != nil {
		p.mergeUsage(asMap(meta["usage"]))
		p.mergeMetrics(asMap(meta["metrics"]))
	}
	p.mergeUsage(asMap(m["usage"]))
	if len(p.usage) == 0 && len(p.metrics) == 0 {
		return nil
	}
	return []events.Event{p.metadataEvent()}
}

// onInnerEvent is extraction path three: usage nested inside a wrapped
// model event.
func (p *Processor) onInnerEvent(m map[string]any) []events.Event {
	if meta := asMap(m["modelMetadataEvent"]); meta != nil {
		p.mergeUsage(asMap(meta["usage"]))
		p.mergeMetrics(asMap(meta["metrics"]))
		return []events.Event{p.metadataEvent()}
	}
	return nil
}

func (p *Processor) markFirstToken() {
	if p.firstToken.IsZero() {
		p.firstToken = p.now()
	}
}

func (p *Processor) metadataEvent() events.Event {
	data := map[string]any{}
	if len(p.usage) > 0 {
		data["usage"] = p.usage
	}
	if len(p.metrics) > 0 {
		data["metrics"] = p.metrics
	}
	return events.New(events.TypeMetadata, data)
}

// mergeUsage deep-merges usage counts. Cache fields use presence, not
// truthiness, so an explicit zero survives.
func (p *Processor) mergeUsage(usage map[string]any) {
	if usage == nil {
		return
	}
	for _, k := range []string{"inputTokens", "outputTokens", "totalTokens"} {
		if v, ok := usage[k]; ok {
			p.usage[k] = asInt(v)
		}
	}
	for _, k := range []string{"cacheReadInputTokens", "cacheWriteInputTokens"} {
		if v, ok := usage[k]; ok && v != nil {
			p.usage[k] = asInt(v)
		}
	}
}

func (p *Processor) mergeMetrics(metrics map[string]any) {
	if metrics == nil {
		return
	}
	for k, v := range metrics {
		p.metrics[k] = v
	}
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func keysOf(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// bestEffortText replaces invalid UTF-8 so binary reasoning payloads
// cannot poison the JSON encoder.
func bestEffortText(s string) string {
	for _, r := range s {
		if r == 0xFFFD {
			return fmt.Sprintf("%q", s)
		}
	}
	return s
}
