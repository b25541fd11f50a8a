// Package agent runs one conversation turn end to end: provider stream
// in, canonical events out, messages persisted, metadata and cost
// aggregation settled after the client has been acknowledged.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/agentcore/internal/compaction"
	"github.com/nextlevelbuilder/agentcore/internal/cost"
	"github.com/nextlevelbuilder/agentcore/internal/providers"
	"github.com/nextlevelbuilder/agentcore/internal/session"
	"github.com/nextlevelbuilder/agentcore/internal/stream"
	"github.com/nextlevelbuilder/agentcore/internal/store"
	"github.com/nextlevelbuilder/agentcore/internal/tools"
	"github.com/nextlevelbuilder/agentcore/pkg/events"
)

// DefaultMaxIterations bounds the model-call/tool-dispatch loop inside
// one turn.
const DefaultMaxIterations = 8

// TTFT heuristic bounds: a measured first-token interval below the
// floor with provider latency above the threshold is treated as clock
// skew and estimated from the provider latency instead.
const (
	ttfbFloorMs        = 10
	ttfbLatencyMinMs   = 100
	ttfbLatencyPortion = 0.3
)

// Config wires a Coordinator.
type Config struct {
	Backend   store.Backend
	Providers *providers.Registry
	Tools     *tools.Registry    // nil = no tools offered
	Prices    *cost.PriceTable
	Costs     *cost.Aggregator   // nil = cost aggregation off
	Compactor *compaction.Engine // nil = compaction off
	Log       *slog.Logger
	Tracer    trace.Tracer

	MaxIterations int
	BatchSize     int
}

// TurnRequest is one user turn.
type TurnRequest struct {
	UserID    string
	SessionID string
	ModelID   string
	System    string
	Prompt    []store.ContentBlock

	MaxTokens   int
	Temperature *float64
}

// Coordinator integrates the provider stream, the processor, the
// session buffer, compaction, and cost aggregation for one turn at a
// time. It is safe for concurrent use across turns.
type Coordinator struct {
	backend   store.Backend
	providers *providers.Registry
	tools     *tools.Registry
	prices    *cost.PriceTable
	costs     *cost.Aggregator
	compactor *compaction.Engine
	log       *slog.Logger
	tracer    trace.Tracer

	maxIterations int
	batchSize     int
	now           func() time.Time
}

// New builds a coordinator.
func New(cfg Config) *Coordinator {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("agentcore/agent")
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.Prices == nil {
		cfg.Prices = cost.NewPriceTable(nil)
	}
	return &Coordinator{
		backend:       cfg.Backend,
		providers:     cfg.Providers,
		tools:         cfg.Tools,
		prices:        cfg.Prices,
		costs:         cfg.Costs,
		compactor:     cfg.Compactor,
		log:           cfg.Log,
		tracer:        cfg.Tracer,
		maxIterations: cfg.MaxIterations,
		batchSize:     cfg.BatchSize,
		now:           time.Now,
	}
}

// messageState tracks one assistant message inside the turn.
type messageState struct {
	seq        int
	usage      store.TokenUsage
	start      time.Time
	firstToken time.Time
	end        time.Time
	stopReason string
	ttfbMs     int64
}

// StreamTurn runs one turn. Canonical events go to emit in order; a
// false return from emit means the client is gone and the turn winds
// down with an emergency flush. The returned error covers only
// pre-stream failures (session open); once streaming has begun all
// failures surface as in-band events.
func (c *Coordinator) StreamTurn(ctx context.Context, req TurnRequest, emit func(events.Event) bool) error {
	ctx, span := c.tracer.Start(ctx, "agent.stream_turn", trace.WithAttributes(
		attribute.String("session.id", req.SessionID),
		attribute.String("model.id", req.ModelID),
	))
	defer span.End()

	streamStart := c.now()
	sess, err := session.Open(ctx, c.backend, req.SessionID, req.UserID, c.batchSize, c.log)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	// Captured eagerly; the turn-structure invariant is derived from
	// this count, never from a post-stream query.
	initial := sess.NextSequence()

	defer func() {
		if r := recover(); r != nil {
			c.log.Error("turn panicked", "session_id", req.SessionID, "panic", r)
			c.emergencyFlush(sess)
		}
	}()

	live := true
	send := func(e events.Event) bool {
		if !live {
			return false
		}
		if !emit(e) {
			live = false
			sess.Cancel()
		}
		return live
	}

	send(events.New(events.TypeInitEventLoop, map[string]any{
		"sessionId": req.SessionID,
		"userId":    req.UserID,
	}))

	history := c.loadHistory(ctx, sess)

	userSeq := sess.Append(ctx, store.RoleUser, req.Prompt)
	turn := append(history, store.Message{
		Sequence:  userSeq,
		Role:      store.RoleUser,
		Content:   req.Prompt,
		CreatedAt: streamStart.UTC(),
	})

	provider, err := c.providers.ForModel(req.ModelID)
	if err != nil {
		c.conversationalError(ctx, sess, send, events.CodeValidationError, err.Error())
		return nil
	}
	modelID := req.ModelID
	if modelID == "" {
		modelID = provider.DefaultModel()
	}

	var (
		states    []*messageState
		turnUsage store.TokenUsage
	)

	for iter := 0; iter < c.maxIterations; iter++ {
		if !send(events.New(events.TypeStartEventLoop, map[string]any{"iteration": iter})) {
			c.emergencyFlush(sess)
			return nil
		}

		ch, err := provider.Stream(ctx, providers.StreamRequest{
			ModelID:     modelID,
			System:      req.System,
			Messages:    turn,
			Tools:       c.toolDefs(),
			MaxTokens:   req.MaxTokens,
			Temperature: req.Temperature,
		})
		if err != nil {
			c.emergencyFlush(sess)
			c.conversationalError(ctx, sess, send, events.CodeStreamError, err.Error())
			return nil
		}

		proc := stream.NewProcessor(c.log)
		asm := newAssistantBuilder()
		var cur *messageState

		for raw := range ch {
			for _, ev := range proc.Handle(raw) {
				switch ev.Type {
				case events.TypeMessageStart:
					cur = &messageState{seq: -1, start: c.now()}
					states = append(states, cur)
				case events.TypeContentBlockStart:
					asm.startBlock(ev.Data)
				case events.TypeContentBlockDelta:
					if cur != nil && cur.firstToken.IsZero() {
						cur.firstToken = c.now()
					}
					asm.addDelta(ev.Data)
				case events.TypeToolUse:
					asm.addToolUse(ev.Data)
				case events.TypeReasoning:
					if cur != nil && cur.firstToken.IsZero() {
						cur.firstToken = c.now()
					}
				case events.TypeMessageStop:
					if cur != nil {
						cur.end = c.now()
						cur.stopReason, _ = ev.Data["stopReason"].(string)
					}
				case events.TypeMetadata:
					ev = c.enrichMetadata(ev, cur)
				case events.TypeError:
					c.emergencyFlush(sess)
					code, _ := ev.Data["code"].(string)
					msg, _ := ev.Data["error"].(string)
					if code == "" {
						code = events.CodeStreamError
					}
					c.conversationalError(ctx, sess, send, code, msg)
					return nil
				}
				if !send(ev) {
					c.emergencyFlush(sess)
					return nil
				}
			}
			// A completion signal alone does not end the read: terminal
			// metadata may still be in flight.
			if proc.Stopped() {
				break
			}
		}

		content := asm.blocks()
		seq := sess.Append(ctx, store.RoleAssistant, content)
		// Provider usage counts are cumulative within one model call, so
		// the call's final snapshot is added to the turn total exactly
		// once.
		callUsage := usageFromMap(proc.Usage())
		addUsage(&turnUsage, callUsage)
		if cur != nil {
			cur.seq = seq
			cur.usage = callUsage
		}
		turn = append(turn, store.Message{
			Sequence:  seq,
			Role:      store.RoleAssistant,
			Content:   content,
			CreatedAt: c.now().UTC(),
		})

		calls := asm.toolCalls()
		if cur == nil || cur.stopReason != events.StopToolUse || len(calls) == 0 {
			break
		}
		results := c.dispatchTools(ctx, calls, send)
		resSeq := sess.Append(ctx, store.RoleUser, results)
		turn = append(turn, store.Message{
			Sequence:  resSeq,
			Role:      store.RoleUser,
			Content:   results,
			CreatedAt: c.now().UTC(),
		})
	}

	c.finishTurn(ctx, sess, send, states, turnUsage, modelID, streamStart)

	// Post-acknowledgement bookkeeping.
	c.settleTurn(ctx, sess, req, states, turn, turnUsage, modelID, initial)
	return nil
}

// finishTurn emits the terminal frames: accumulated summary, one final
// metadata frame carrying calculated TTFT and best-effort cost, then
// the done sentinel.
func (c *Coordinator) finishTurn(ctx context.Context, sess *session.Session, send func(events.Event) bool, states []*messageState, turnUsage store.TokenUsage, modelID string, streamStart time.Time) {
	summary := map[string]any{"usage": usageToMap(turnUsage)}
	var firstToken time.Time
	for _, st := range states {
		if !st.firstToken.IsZero() && (firstToken.IsZero() || st.firstToken.Before(firstToken)) {
			firstToken = st.firstToken
		}
	}
	if !firstToken.IsZero() {
		summary["first_token_time"] = firstToken.UnixMilli()
	}
	send(events.New(events.TypeMetadataSummary, summary))

	final := map[string]any{"usage": usageToMap(turnUsage)}
	metrics := map[string]any{
		"endToEndMs": c.now().Sub(streamStart).Milliseconds(),
	}
	if len(states) > 0 {
		metrics["timeToFirstByteMs"] = states[0].ttfbMs
	}
	final["metrics"] = metrics
	if snap := c.prices.Snapshot(modelID, c.now()); snap != nil {
		final["cost"] = cost.Compute(turnUsage, snap)
	}
	send(events.New(events.TypeMetadata, final))
	send(events.Done())
}

// settleTurn is the post-stream tail: flush, turn-structure sanity
// check, session metadata merge, parallel per-message metadata writes,
// compaction advance, and cost fan-out. Every step is best-effort.
func (c *Coordinator) settleTurn(ctx context.Context, sess *session.Session, req TurnRequest, states []*messageState, turn []store.Message, turnUsage store.TokenUsage, modelID string, initial int) {
	// The cloud backend has already persisted per-append; a no-op
	// flush returning the cached last sequence is expected there.
	if _, err := sess.Flush(ctx); err != nil {
		c.log.Error("post-turn flush failed", "session_id", req.SessionID, "error", err)
	}

	for i, st := range states {
		want := initial + 2*i + 1
		if st.seq >= 0 && st.seq != want {
			c.log.Warn("assistant sequence off turn structure",
				"session_id", req.SessionID, "got", st.seq, "want", want)
		}
	}

	now := c.now().UTC()
	count := sess.NextSequence()
	patch := store.SessionUpdate{
		LastMessageAt: &now,
		MessageCount:  &count,
		Preferences: &store.Preferences{
			LastModel:        modelID,
			Temperature:      req.Temperature,
			SystemPromptHash: store.PromptHash(req.System),
		},
	}
	if err := c.backend.UpdateSession(ctx, req.SessionID, req.UserID, patch); err != nil {
		c.log.Error("session update failed", "session_id", req.SessionID, "error", err)
	}

	snap := c.prices.Snapshot(modelID, now)

	// One write per assistant message, gathered without cancelling
	// siblings: a single failed sidecar must not abort the rest.
	var g errgroup.Group
	for _, st := range states {
		if st.seq < 0 {
			continue
		}
		st := st
		g.Go(func() error {
			meta := &store.MessageMetadata{
				Usage: st.usage,
				Latency: store.Latency{
					TimeToFirstTokenMs: st.ttfbMs,
					EndToEndMs:         st.end.Sub(st.start).Milliseconds(),
				},
				Model: store.ModelInfo{
					ModelID: modelID,
					Pricing: snap,
				},
				Attribution: store.Attribution{
					UserID:    req.UserID,
					SessionID: req.SessionID,
					Timestamp: now,
				},
				CostUSD: cost.Compute(st.usage, snap),
			}
			msgID := store.MessageID(req.SessionID, st.seq)
			if err := c.backend.PutMessageMetadata(ctx, req.SessionID, msgID, meta); err != nil {
				c.log.Warn("message metadata write failed",
					"session_id", req.SessionID, "message_id", msgID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	if c.compactor != nil {
		contextTokens := turnUsage.InputTokens + turnUsage.CacheReadTokens + turnUsage.CacheWriteTokens
		c.compactor.UpdateAfterTurn(ctx, sess.Meta(), turn, contextTokens)
	}

	if c.costs != nil {
		for _, st := range states {
			if st.seq < 0 {
				continue
			}
			c.costs.Apply(ctx, cost.Usage{
				UserID:    req.UserID,
				SessionID: req.SessionID,
				MessageID: store.MessageID(req.SessionID, st.seq),
				ModelID:   modelID,
				Tokens:    st.usage,
				Pricing:   snap,
				Timestamp: now,
			})
		}
	}
}

// loadHistory reads the visible window: messages past the compaction
// checkpoint, summary preamble injected, stage-1 truncation applied.
func (c *Coordinator) loadHistory(ctx context.Context, sess *session.Session) []store.Message {
	meta := sess.Meta()
	from := 0
	if meta.Compaction != nil {
		from = meta.Compaction.Checkpoint
	}
	msgs, err := c.backend.LoadMessages(ctx, meta.SessionID, from)
	if err != nil {
		c.log.Warn("history load failed, starting empty",
			"session_id", meta.SessionID, "error", err)
		return nil
	}
	if c.compactor != nil {
		msgs = c.compactor.LoadWindow(meta, msgs)
		msgs = c.compactor.TruncateForTurn(msgs)
	}
	return msgs
}

// dispatchTools executes the model's tool calls in order, emitting
// tool_result/tool_error frames and returning the toolResult blocks
// for the follow-up user message.
func (c *Coordinator) dispatchTools(ctx context.Context, calls []store.ToolUseBlock, send func(events.Event) bool) []store.ContentBlock {
	out := make([]store.ContentBlock, 0, len(calls))
	for _, call := range calls {
		var res *tools.Result
		if c.tools == nil {
			res = tools.ErrorResult(fmt.Sprintf("no tools available: %s", call.Name))
		} else {
			res = c.tools.Execute(ctx, call.Name, call.Input)
		}

		frame := events.TypeToolResult
		if res.IsError {
			frame = events.TypeToolError
		}
		send(events.New(frame, map[string]any{
			"toolUseId": call.ToolUseID,
			"name":      call.Name,
			"content":   res.ForLLM,
		}))

		out = append(out, store.ContentBlock{ToolResult: &store.ToolResultBlock{
			ToolUseID: call.ToolUseID,
			Content:   []store.ContentBlock{store.TextBlock(res.ForLLM)},
		}})
	}
	return out
}

// conversationalError turns a failure into visible conversation: a
// synthetic assistant message the client renders, the error frame, and
// the done sentinel. The message is persisted so history reflects what
// the user saw.
func (c *Coordinator) conversationalError(ctx context.Context, sess *session.Session, send func(events.Event) bool, code, detail string) {
	text := fmt.Sprintf("I apologize, but I encountered an error while processing your request: %s", detail)
	sess.Append(ctx, store.RoleAssistant, []store.ContentBlock{store.TextBlock(text)})

	send(events.New(events.TypeMessageStart, map[string]any{"role": store.RoleAssistant}))
	send(events.New(events.TypeContentBlockStart, map[string]any{"contentBlockIndex": 0, "type": "text"}))
	send(events.New(events.TypeContentBlockDelta, map[string]any{"contentBlockIndex": 0, "type": "text", "text": text}))
	send(events.New(events.TypeContentBlockStop, map[string]any{"contentBlockIndex": 0}))
	send(events.New(events.TypeMessageStop, map[string]any{"stopReason": events.StopError}))
	send(events.Error(code, detail))
	send(events.Done())

	if _, err := sess.Flush(ctx); err != nil {
		c.log.Error("error-path flush failed", "session_id", sess.Meta().SessionID, "error", err)
	}
}

// emergencyFlush is the cancellation/panic tail: persist what we can,
// log, never raise.
func (c *Coordinator) emergencyFlush(sess *session.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := sess.Flush(ctx); err != nil {
		c.log.Error("emergency flush failed", "session_id", sess.Meta().SessionID, "error", err)
	}
}

// enrichMetadata attributes a metadata event to the current assistant
// message and stamps the calculated time-to-first-token onto its
// metrics before the frame goes out.
func (c *Coordinator) enrichMetadata(ev events.Event, st *messageState) events.Event {
	if st == nil {
		return ev
	}
	latencyMs := int64(0)
	if metrics, ok := ev.Data["metrics"].(map[string]any); ok {
		latencyMs = asInt64(metrics["latencyMs"])
	}

	measured := int64(0)
	if !st.firstToken.IsZero() {
		measured = st.firstToken.Sub(st.start).Milliseconds()
	}
	// Sub-clock-resolution measurements against a slow provider call
	// mean the local clocks lied; estimate from provider latency.
	if measured < ttfbFloorMs && latencyMs > ttfbLatencyMinMs {
		measured = int64(float64(latencyMs) * ttfbLatencyPortion)
	}
	st.ttfbMs = measured

	data := make(map[string]any, len(ev.Data))
	for k, v := range ev.Data {
		data[k] = v
	}
	metrics := map[string]any{}
	if m, ok := data["metrics"].(map[string]any); ok {
		for k, v := range m {
			metrics[k] = v
		}
	}
	metrics["timeToFirstByteMs"] = measured
	data["metrics"] = metrics
	return events.New(ev.Type, data)
}

func (c *Coordinator) toolDefs() []providers.ToolDefinition {
	if c.tools == nil {
		return nil
	}
	return c.tools.Definitions()
}

// assistantBuilder reassembles the assistant message content from the
// canonical event stream.
type assistantBuilder struct {
	out      []store.ContentBlock
	calls    []store.ToolUseBlock
	textOpen bool
}

func newAssistantBuilder() *assistantBuilder {
	return &assistantBuilder{}
}

func (b *assistantBuilder) startBlock(data map[string]any) {
	if t, _ := data["type"].(string); t == "text" {
		b.out = append(b.out, store.TextBlock(""))
		b.textOpen = true
	} else {
		b.textOpen = false
	}
}

func (b *assistantBuilder) addDelta(data map[string]any) {
	text, ok := data["text"].(string)
	if !ok {
		return
	}
	if !b.textOpen {
		b.out = append(b.out, store.TextBlock(""))
		b.textOpen = true
	}
	last := &b.out[len(b.out)-1]
	*last = store.TextBlock(lastText(*last) + text)
}

func (b *assistantBuilder) addToolUse(data map[string]any) {
	call := store.ToolUseBlock{
		ToolUseID: asString(data["toolUseId"]),
		Name:      asString(data["name"]),
	}
	switch in := data["input"].(type) {
	case map[string]any:
		call.Input = in
	case string:
		var parsed map[string]any
		if err := json.Unmarshal([]byte(in), &parsed); err == nil {
			call.Input = parsed
		} else {
			call.Input = map[string]any{"raw": in}
		}
	}
	b.textOpen = false
	b.out = append(b.out, store.ContentBlock{ToolUse: &call})
	b.calls = append(b.calls, call)
}

func (b *assistantBuilder) blocks() []store.ContentBlock {
	if len(b.out) == 0 {
		// A message with no content still occupies its turn slot.
		return []store.ContentBlock{store.TextBlock("")}
	}
	return b.out
}

func (b *assistantBuilder) toolCalls() []store.ToolUseBlock { return b.calls }

func lastText(b store.ContentBlock) string {
	if b.IsText() {
		return b.Text
	}
	return ""
}

func usageFromMap(m map[string]any) store.TokenUsage {
	return store.TokenUsage{
		InputTokens:      int(asInt64(m["inputTokens"])),
		OutputTokens:     int(asInt64(m["outputTokens"])),
		CacheReadTokens:  int(asInt64(m["cacheReadInputTokens"])),
		CacheWriteTokens: int(asInt64(m["cacheWriteInputTokens"])),
	}
}

func usageToMap(u store.TokenUsage) map[string]any {
	m := map[string]any{
		"inputTokens":  u.InputTokens,
		"outputTokens": u.OutputTokens,
		"totalTokens":  u.Total(),
	}
	if u.CacheReadTokens > 0 {
		m["cacheReadInputTokens"] = u.CacheReadTokens
	}
	if u.CacheWriteTokens > 0 {
		m["cacheWriteInputTokens"] = u.CacheWriteTokens
	}
	return m
}

func addUsage(total *store.TokenUsage, u store.TokenUsage) {
	total.InputTokens += u.InputTokens
	total.OutputTokens += u.OutputTokens
	total.CacheReadTokens += u.CacheReadTokens
	total.CacheWriteTokens += u.CacheWriteTokens
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	default:
		return 0
	}
}
