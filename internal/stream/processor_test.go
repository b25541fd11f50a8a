package stream

import (
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentcore/internal/providers"
	"github.com/nextlevelbuilder/agentcore/pkg/events"
)

func collect(p *Processor, raws ...providers.RawEvent) []events.Event {
	var out []events.Event
	for _, r := range raws {
		out = append(out, p.Handle(r)...)
	}
	return out
}

func typesOf(evs []events.Event) []string {
	out := make([]string, len(evs))
	for i, e := range evs {
		out[i] = e.Type
	}
	return out
}

func TestTextStreamProducesCanonicalSequence(t *testing.T) {
	p := NewProcessor(nil)
	evs := collect(p,
		providers.RawEvent{"messageStart": map[string]any{"role": "assistant"}},
		providers.RawEvent{"contentBlockStart": map[string]any{"contentBlockIndex": 0}},
		providers.RawEvent{"contentBlockDelta": map[string]any{
			"contentBlockIndex": 0,
			"delta":             map[string]any{"text": "Hello"},
		}},
		providers.RawEvent{"contentBlockStop": map[string]any{"contentBlockIndex": 0}},
		providers.RawEvent{"messageStop": map[string]any{"stopReason": "end_turn"}},
	)

	want := []string{
		events.TypeMessageStart,
		events.TypeContentBlockStart,
		events.TypeContentBlockDelta,
		events.TypeContentBlockStop,
		events.TypeMessageStop,
	}
	got := typesOf(evs)
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i], want[i])
		}
	}
	if evs[2].Data["text"] != "Hello" {
		t.Errorf("delta text = %v", evs[2].Data["text"])
	}
	if evs[4].Data["stopReason"] != "end_turn" {
		t.Errorf("stopReason = %v", evs[4].Data["stopReason"])
	}
}

func TestMonotonicCounterWhenIndicesAbsent(t *testing.T) {
	p := NewProcessor(nil)
	p.Handle(providers.RawEvent{"messageStart": map[string]any{"role": "assistant"}})

	var starts []int
	for i := 0; i < 3; i++ {
		evs := collect(p,
			providers.RawEvent{"contentBlockStart": map[string]any{
				"start": map[string]any{"toolUse": map[string]any{
					"toolUseId": "t", "name": "search",
				}},
			}},
			providers.RawEvent{"contentBlockDelta": map[string]any{
				"delta": map[string]any{"toolUse": map[string]any{"input": `{}`}},
			}},
			providers.RawEvent{"contentBlockStop": map[string]any{}},
		)
		starts = append(starts, evs[0].Data["contentBlockIndex"].(int))
	}

	for i, got := range starts {
		if got != i {
			t.Errorf("block %d index = %d, want %d", i, got, i)
		}
	}
}

func TestCounterResetsOnMessageStart(t *testing.T) {
	p := NewProcessor(nil)
	p.Handle(providers.RawEvent{"messageStart": map[string]any{}})
	p.Handle(providers.RawEvent{"contentBlockStart": map[string]any{}})
	p.Handle(providers.RawEvent{"contentBlockStop": map[string]any{}})

	p.Handle(providers.RawEvent{"messageStart": map[string]any{}})
	evs := p.Handle(providers.RawEvent{"contentBlockStart": map[string]any{}})
	if idx := evs[0].Data["contentBlockIndex"].(int); idx != 0 {
		t.Fatalf("index after second message_start = %d, want 0", idx)
	}
}

func TestToolUseEventEmittedOnBlockStop(t *testing.T) {
	p := NewProcessor(nil)
	p.Handle(providers.RawEvent{"messageStart": map[string]any{}})
	p.Handle(providers.RawEvent{"contentBlockStart": map[string]any{
		"start": map[string]any{"toolUse": map[string]any{
			"toolUseId": "tool-1", "name": "get_weather",
		}},
	}})
	p.Handle(providers.RawEvent{"contentBlockDelta": map[string]any{
		"delta": map[string]any{"toolUse": map[string]any{"input": `{"city":`}},
	}})
	p.Handle(providers.RawEvent{"contentBlockDelta": map[string]any{
		"delta": map[string]any{"toolUse": map[string]any{"input": `"Hanoi"}`}},
	}})
	evs := p.Handle(providers.RawEvent{"contentBlockStop": map[string]any{}})

	if len(evs) != 2 {
		t.Fatalf("expected stop + tool_use, got %v", typesOf(evs))
	}
	tu := evs[1]
	if tu.Type != events.TypeToolUse {
		t.Fatalf("second event = %s", tu.Type)
	}
	if tu.Data["name"] != "get_weather" || tu.Data["toolUseId"] != "tool-1" {
		t.Errorf("tool identity = %v", tu.Data)
	}
	if tu.Data["input"] != `{"city":"Hanoi"}` {
		t.Errorf("accumulated input = %v", tu.Data["input"])
	}
}

func TestMetadataExtractionPaths(t *testing.T) {
	cases := []struct {
		name string
		raw  providers.RawEvent
	}{
		{"top-level metadata", providers.RawEvent{"metadata": map[string]any{
			"usage": map[string]any{"inputTokens": 100, "outputTokens": 50},
		}}},
		{"nested result", providers.RawEvent{"result": map[string]any{
			"metadata": map[string]any{
				"usage": map[string]any{"inputTokens": 100, "outputTokens": 50},
			},
		}}},
		{"inner model event", providers.RawEvent{"event": map[string]any{
			"modelMetadataEvent": map[string]any{
				"usage": map[string]any{"inputTokens": 100, "outputTokens": 50},
			},
		}}},
		{"bare usage", providers.RawEvent{"usage": map[string]any{
			"inputTokens": 100, "outputTokens": 50,
		}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := NewProcessor(nil)
			evs := p.Handle(tc.raw)
			if len(evs) != 1 || evs[0].Type != events.TypeMetadata {
				t.Fatalf("got %v", typesOf(evs))
			}
			if p.Usage()["inputTokens"] != 100 || p.Usage()["outputTokens"] != 50 {
				t.Errorf("usage = %v", p.Usage())
			}
		})
	}
}

func TestMetricsAccumulateAcrossEvents(t *testing.T) {
	p := NewProcessor(nil)
	p.Handle(providers.RawEvent{"metadata": map[string]any{
		"usage":   map[string]any{"inputTokens": 1},
		"metrics": map[string]any{"latencyMs": 1200},
	}})
	if p.Metrics()["latencyMs"] != 1200 {
		t.Errorf("metrics = %v", p.Metrics())
	}
}

func TestCacheFieldsKeptOnExplicitZero(t *testing.T) {
	p := NewProcessor(nil)
	p.Handle(providers.RawEvent{"metadata": map[string]any{
		"usage": map[string]any{
			"inputTokens":           10,
			"cacheReadInputTokens":  0,
			"cacheWriteInputTokens": nil,
		},
	}})
	if v, ok := p.Usage()["cacheReadInputTokens"]; !ok || v != 0 {
		t.Errorf("explicit zero cacheRead dropped: %v", p.Usage())
	}
	if _, ok := p.Usage()["cacheWriteInputTokens"]; ok {
		t.Errorf("nil cacheWrite should be dropped: %v", p.Usage())
	}
}

func TestCompleteBeforeResultKeepsMetadata(t *testing.T) {
	p := NewProcessor(nil)
	p.Handle(providers.RawEvent{"complete": true})
	if p.Stopped() {
		t.Fatalf("stopped before result arrived")
	}
	p.Handle(providers.RawEvent{"result": map[string]any{
		"metadata": map[string]any{
			"usage": map[string]any{"inputTokens": 42, "outputTokens": 7},
		},
	}})
	if !p.Stopped() {
		t.Fatalf("not stopped after complete+result")
	}
	if p.Usage()["inputTokens"] != 42 {
		t.Errorf("result metadata lost: %v", p.Usage())
	}
}

func TestResultBeforeComplete(t *testing.T) {
	p := NewProcessor(nil)
	p.Handle(providers.RawEvent{"result": map[string]any{
		"usage": map[string]any{"inputTokens": 5},
	}})
	if p.Stopped() {
		t.Fatalf("stopped before complete")
	}
	p.Handle(providers.RawEvent{"complete": true})
	if !p.Stopped() {
		t.Fatalf("not stopped after both signals")
	}
}

func TestForceStopEmitsAgentError(t *testing.T) {
	p := NewProcessor(nil)
	evs := p.Handle(providers.RawEvent{"forceStop": true})
	if len(evs) != 1 || evs[0].Type != events.TypeError {
		t.Fatalf("got %v", typesOf(evs))
	}
	if evs[0].Data["code"] != events.CodeAgentError {
		t.Errorf("code = %v", evs[0].Data["code"])
	}
	if !p.Stopped() {
		t.Errorf("force stop should stop the stream")
	}
}

func TestErrorEventMapsToStreamError(t *testing.T) {
	p := NewProcessor(nil)
	evs := p.Handle(providers.RawEvent{"error": map[string]any{"message": "boom"}})
	if len(evs) != 1 || evs[0].Type != events.TypeError {
		t.Fatalf("got %v", typesOf(evs))
	}
	if evs[0].Data["code"] != events.CodeStreamError || evs[0].Data["error"] != "boom" {
		t.Errorf("payload = %v", evs[0].Data)
	}
}

func TestFirstTokenRecordedOnce(t *testing.T) {
	p := NewProcessor(nil)
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	calls := 0
	p.now = func() time.Time {
		calls++
		return base.Add(time.Duration(calls) * time.Second)
	}

	p.Handle(providers.RawEvent{"contentBlockDelta": map[string]any{
		"delta": map[string]any{"text": "a"},
	}})
	first := p.FirstTokenTime()
	p.Handle(providers.RawEvent{"contentBlockDelta": map[string]any{
		"delta": map[string]any{"text": "b"},
	}})
	if !p.FirstTokenTime().Equal(first) {
		t.Fatalf("first-token time moved")
	}

	evs := p.Finish()
	if len(evs) != 2 || evs[0].Type != events.TypeMetadataSummary || evs[1].Type != events.TypeDone {
		t.Fatalf("finish sequence = %v", typesOf(evs))
	}
	if evs[0].Data["first_token_time"] != first.UnixMilli() {
		t.Errorf("first_token_time = %v, want %d", evs[0].Data["first_token_time"], first.UnixMilli())
	}
}

func TestReasoningDelta(t *testing.T) {
	p := NewProcessor(nil)
	evs := p.Handle(providers.RawEvent{"contentBlockDelta": map[string]any{
		"delta": map[string]any{
			"reasoningContent": map[string]any{"text": "thinking..."},
		},
	}})
	if len(evs) != 1 || evs[0].Type != events.TypeReasoning {
		t.Fatalf("got %v", typesOf(evs))
	}
	if evs[0].Data["reasoningText"] != "thinking..." {
		t.Errorf("reasoningText = %v", evs[0].Data)
	}
	if p.FirstTokenTime().IsZero() {
		t.Errorf("reasoning should count as first token")
	}
}

func TestUnknownEventDropped(t *testing.T) {
	p := NewProcessor(nil)
	if evs := p.Handle(providers.RawEvent{"mystery": map[string]any{"x": 1}}); evs != nil {
		t.Fatalf("unknown event produced %v", typesOf(evs))
	}
}
