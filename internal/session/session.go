// Package session is the buffered write layer between the coordinator
// and a storage backend. It owns the message sequence counter for one
// open session and decides when appends reach the backend.
package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nextlevelbuilder/agentcore/internal/store"
)

// DefaultBatchSize is how many buffered messages trigger an implicit
// flush in local mode.
const DefaultBatchSize = 5

// Session wraps one open conversation. Appends buffer locally unless
// the backend persists eagerly; Flush drains the buffer and reports
// the last persisted assistant sequence.
type Session struct {
	backend   store.Backend
	log       *slog.Logger
	batchSize int

	meta      *store.Session
	cancelled atomic.Bool

	mu               sync.Mutex
	pending          []store.Message
	nextSeq          int
	lastAssistantSeq int
}

// Open reads or creates the session and captures the message count so
// sequence numbers are assigned without re-querying mid-turn.
func Open(ctx context.Context, backend store.Backend, sessionID, userID string, batchSize int, log *slog.Logger) (*Session, error) {
	if log == nil {
		log = slog.Default()
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	meta, err := backend.OpenSession(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	return &Session{
		backend:          backend,
		log:              log,
		batchSize:        batchSize,
		meta:             meta,
		nextSeq:          meta.MessageCount,
		lastAssistantSeq: -1,
	}, nil
}

// Meta returns the session record as read at open.
func (s *Session) Meta() *store.Session { return s.meta }

// NextSequence returns the sequence the next appended message gets.
func (s *Session) NextSequence() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSeq
}

// Append enqueues one message, assigning its sequence. Cancelled
// sessions drop appends silently. Persistence failures are logged,
// never returned: the conversation keeps streaming and the message is
// retried on the next flush.
func (s *Session) Append(ctx context.Context, role string, content []store.ContentBlock) int {
	if s.cancelled.Load() {
		s.log.Debug("append dropped, session cancelled", "session_id", s.meta.SessionID)
		return -1
	}
	s.mu.Lock()
	msg := store.Message{
		Sequence: s.nextSeq,
		Role:     role,
		Content:  content,
	}
	s.nextSeq++
	s.pending = append(s.pending, msg)
	shouldFlush := s.backend.EagerPersist() || len(s.pending) >= s.batchSize
	s.mu.Unlock()

	if shouldFlush {
		if _, err := s.Flush(ctx); err != nil {
			s.log.Error("append flush failed",
				"session_id", s.meta.SessionID, "sequence", msg.Sequence, "error", err)
		}
	}
	return msg.Sequence
}

// Flush persists pending messages and returns the sequence of the last
// persisted assistant message, or -1 when no assistant message has
// been persisted yet. Errors leave the buffer intact for retry.
func (s *Session) Flush(ctx context.Context) (int, error) {
	s.mu.Lock()
	if len(s.pending) == 0 {
		last := s.lastAssistantSeq
		s.mu.Unlock()
		return last, nil
	}
	batch := make([]store.Message, len(s.pending))
	copy(batch, s.pending)
	s.mu.Unlock()

	if err := s.backend.AppendMessages(ctx, s.meta.SessionID, batch); err != nil {
		return -1, err
	}

	s.mu.Lock()
	for _, m := range batch {
		if m.Role == store.RoleAssistant && m.Sequence > s.lastAssistantSeq {
			s.lastAssistantSeq = m.Sequence
		}
	}
	// Drop exactly what was written; appends racing the write stay
	// queued.
	s.pending = s.pending[len(batch):]
	last := s.lastAssistantSeq
	s.mu.Unlock()
	return last, nil
}

// Cancel marks the session cancelled. Later appends are ignored; the
// coordinator polls Cancelled to cut the provider stream.
func (s *Session) Cancel() {
	s.cancelled.Store(true)
}

// Cancelled reports whether Cancel has been called.
func (s *Session) Cancelled() bool { return s.cancelled.Load() }

// Pending returns how many messages await persistence.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
