// Package compaction keeps per-turn input below the model's context
// budget. Stage 1 trims oversized tool content and images on every
// turn; stage 2 advances a persistent checkpoint once the provider
// reports the input has outgrown the threshold.
package compaction

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/agentcore/internal/store"
)

// Defaults applied when config values are unset.
const (
	DefaultMaxToolContentLength = 500
	DefaultProtectedTurns       = 2
	DefaultTokenThreshold       = 100000

	maxSummaryTopics   = 10
	maxSummaryLineLen  = 100
	summaryOpenTag     = "<conversation_summary>"
	summaryCloseTag    = "</conversation_summary>"
)

// Config tunes both stages.
type Config struct {
	MaxToolContentLength int
	ProtectedTurns       int
	TokenThreshold       int
}

func (c Config) withDefaults() Config {
	if c.MaxToolContentLength <= 0 {
		c.MaxToolContentLength = DefaultMaxToolContentLength
	}
	if c.ProtectedTurns <= 0 {
		c.ProtectedTurns = DefaultProtectedTurns
	}
	if c.TokenThreshold <= 0 {
		c.TokenThreshold = DefaultTokenThreshold
	}
	return c
}

// SummaryProvider supplies externally maintained per-session summaries.
// When it returns nothing the engine falls back to topic extraction.
type SummaryProvider interface {
	Summaries(ctx context.Context, sessionID string) ([]string, error)
}

// Engine applies both compaction stages for one storage backend.
type Engine struct {
	cfg       Config
	backend   store.Backend
	summaries SummaryProvider
	log       *slog.Logger
}

// New builds an engine. summaries may be nil.
func New(cfg Config, backend store.Backend, summaries SummaryProvider, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{cfg: cfg.withDefaults(), backend: backend, summaries: summaries, log: log}
}

// isUserTurn reports whether the message opens a user turn: user role
// and not a tool-result carrier.
func isUserTurn(m store.Message) bool {
	if m.Role != store.RoleUser {
		return false
	}
	for _, b := range m.Content {
		if b.ToolResult != nil {
			return false
		}
	}
	return true
}

// protectedStart returns the index of the oldest message inside the
// protected window: the last n user-turn boundaries through the end.
func protectedStart(msgs []store.Message, turns int) int {
	seen := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		if isUserTurn(msgs[i]) {
			seen++
			if seen == turns {
				return i
			}
		}
	}
	return 0
}

// TruncateForTurn is stage 1: outside the protected window, bound tool
// content length and replace images with placeholders. The last
// ProtectedTurns user turns pass through whole. The input slice is not
// modified.
func (e *Engine) TruncateForTurn(msgs []store.Message) []store.Message {
	protected := protectedStart(msgs, e.cfg.ProtectedTurns)
	out := make([]store.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m
		out[i].Content = e.truncateBlocks(m.Content, i >= protected)
	}
	return out
}

// truncateBlocks bounds one message's content. Messages inside the
// protected window pass through whole: the model still needs the
// current turn's full tool exchange.
func (e *Engine) truncateBlocks(blocks []store.ContentBlock, protected bool) []store.ContentBlock {
	if protected {
		return blocks
	}
	out := make([]store.ContentBlock, len(blocks))
	for i, b := range blocks {
		switch {
		case b.ToolUse != nil:
			out[i] = b
			if raw, err := json.Marshal(b.ToolUse.Input); err == nil && len(raw) > e.cfg.MaxToolContentLength {
				cp := *b.ToolUse
				cp.Input = map[string]any{
					"truncated": fmt.Sprintf("[Tool input truncated: %d chars]", len(raw)),
				}
				out[i].ToolUse = &cp
			}
		case b.ToolResult != nil:
			cp := *b.ToolResult
			cp.Content = e.truncateResultContent(b.ToolResult.Content)
			out[i] = store.ContentBlock{ToolResult: &cp}
		case b.Image != nil:
			out[i] = store.TextBlock(fmt.Sprintf(
				"[Image placeholder: format=%s, original_size=%d bytes]",
				b.Image.Format, len(b.Image.Bytes)))
		default:
			out[i] = b
		}
	}
	return out
}

func (e *Engine) truncateResultContent(blocks []store.ContentBlock) []store.ContentBlock {
	out := make([]store.ContentBlock, len(blocks))
	for i, b := range blocks {
		if b.IsText() && len(b.Text) > e.cfg.MaxToolContentLength {
			out[i] = store.TextBlock(b.Text[:e.cfg.MaxToolContentLength] +
				fmt.Sprintf("... [truncated, %d chars total]", len(b.Text)))
			continue
		}
		out[i] = b
	}
	return out
}

// UpdateAfterTurn is stage 2: advance the checkpoint when the last
// turn's input token count exceeded the threshold. Best-effort; any
// failure leaves the stored state untouched.
func (e *Engine) UpdateAfterTurn(ctx context.Context, sess *store.Session, msgs []store.Message, inputTokens int) {
	prev := 0
	if sess.Compaction != nil {
		prev = sess.Compaction.Checkpoint
	}
	st := &store.CompactionState{Checkpoint: prev, LastInputTokens: inputTokens}
	if sess.Compaction != nil {
		st.Summary = sess.Compaction.Summary
	}

	if inputTokens > e.cfg.TokenThreshold {
		seq, idx := e.findCutoff(msgs, prev)
		if seq > prev {
			st.Checkpoint = seq
			st.Summary = e.summarize(ctx, sess.SessionID, msgs[:idx])
			e.log.Info("compaction checkpoint advanced",
				"session_id", sess.SessionID, "checkpoint", seq, "input_tokens", inputTokens)
		}
	}

	if err := e.backend.SaveCompactionState(ctx, sess.SessionID, sess.UserID, st); err != nil {
		e.log.Warn("compaction state save failed", "session_id", sess.SessionID, "error", err)
		return
	}
	sess.Compaction = st
}

// findCutoff picks the oldest protected-turn boundary as the new
// checkpoint. msgs is the current window, so slice positions and
// stored sequences diverge after the first advance: the persisted
// checkpoint is always the boundary message's absolute Sequence. A
// valid cutoff is a user message that is not a tool result; returns
// (prev, -1) when no valid point past it exists.
func (e *Engine) findCutoff(msgs []store.Message, prev int) (int, int) {
	if len(msgs) == 0 {
		return prev, -1
	}
	idx := protectedStart(msgs, e.cfg.ProtectedTurns)
	if !isUserTurn(msgs[idx]) {
		return prev, -1
	}
	if msgs[idx].Sequence <= prev {
		return prev, -1
	}
	return msgs[idx].Sequence, idx
}

// summarize prefers external summaries; otherwise extracts the first
// non-markup line of each user message in the discarded prefix.
func (e *Engine) summarize(ctx context.Context, sessionID string, discarded []store.Message) string {
	if e.summaries != nil {
		if parts, err := e.summaries.Summaries(ctx, sessionID); err == nil && len(parts) > 0 {
			return strings.Join(parts, "\n")
		} else if err != nil {
			e.log.Debug("summary provider failed, using fallback", "session_id", sessionID, "error", err)
		}
	}

	var topics []string
	for _, m := range discarded {
		if !isUserTurn(m) {
			continue
		}
		line := firstPlainLine(m)
		if line == "" {
			continue
		}
		if len(line) > maxSummaryLineLen {
			line = line[:maxSummaryLineLen]
		}
		topics = append(topics, line)
		if len(topics) == maxSummaryTopics {
			break
		}
	}
	if len(topics) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Previous conversation topics:")
	for _, topic := range topics {
		sb.WriteString("\n- User asked about: ")
		sb.WriteString(topic)
	}
	return sb.String()
}

// firstPlainLine returns the first text line that is not markup
// (headings, tags, code fences).
func firstPlainLine(m store.Message) string {
	for _, b := range m.Content {
		if !b.IsText() {
			continue
		}
		for _, line := range strings.Split(b.Text, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if strings.HasPrefix(line, "#") || strings.HasPrefix(line, "<") || strings.HasPrefix(line, "```") {
				continue
			}
			return line
		}
	}
	return ""
}

// LoadWindow prepends the summary preamble to the first user message
// of a checkpoint-based window. The backend already restricts
// LoadMessages to sequences at or past the checkpoint, so nothing is
// cut here.
func (e *Engine) LoadWindow(sess *store.Session, msgs []store.Message) []store.Message {
	if sess.Compaction == nil || sess.Compaction.Checkpoint <= 0 || sess.Compaction.Summary == "" {
		return msgs
	}
	window := make([]store.Message, len(msgs))
	copy(window, msgs)
	for i, m := range window {
		if m.Role != store.RoleUser {
			continue
		}
		preamble := summaryOpenTag + "\n" + sess.Compaction.Summary + "\n" + summaryCloseTag + "\n\n"
		blocks := make([]store.ContentBlock, 0, len(m.Content))
		injected := false
		for _, b := range m.Content {
			if !injected && b.IsText() {
				blocks = append(blocks, store.TextBlock(preamble+b.Text))
				injected = true
				continue
			}
			blocks = append(blocks, b)
		}
		if !injected {
			blocks = append([]store.ContentBlock{store.TextBlock(strings.TrimSuffix(preamble, "\n\n"))}, blocks...)
		}
		window[i].Content = blocks
		break
	}
	return window
}
