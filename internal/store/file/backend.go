// Package file implements the session/message backend and the cost
// backend on the local filesystem as plain JSON files. It is the
// development-mode store: durable enough for local work, zero external
// dependencies.
package file

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agentcore/internal/store"
)

// Backend persists sessions under root/sessions/session_{id}/ with one
// JSON file per message. A per-session mutex serializes writers; the
// session-metadata file is the source of truth for message count.
type Backend struct {
	root string
	log  *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a file backend rooted at dir, creating it if needed.
func New(dir string, log *slog.Logger) (*Backend, error) {
	if err := os.MkdirAll(filepath.Join(dir, "sessions"), 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Backend{root: dir, log: log, locks: map[string]*sync.Mutex{}}, nil
}

// EagerPersist is false: the session layer buffers appends and flushes
// in batches.
func (b *Backend) EagerPersist() bool { return false }

func (b *Backend) lock(sessionID string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		b.locks[sessionID] = l
	}
	return l
}

// writeJSONAtomic writes via temp file + rename so readers never see a
// partial file.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// OpenSession loads the session metadata, creating an ACTIVE session on
// first open. MessageCount comes from the metadata file, not a
// directory scan, so opens stay O(1).
func (b *Backend) OpenSession(ctx context.Context, sessionID, userID string) (*store.Session, error) {
	l := b.lock(sessionID)
	l.Lock()
	defer l.Unlock()

	var sess store.Session
	err := readJSON(store.SessionMetaPath(b.root, sessionID), &sess)
	switch {
	case err == nil:
		return &sess, nil
	case errors.Is(err, fs.ErrNotExist):
		now := time.Now().UTC()
		sess = store.Session{
			SessionID:     sessionID,
			UserID:        userID,
			Status:        store.StatusActive,
			CreatedAt:     now,
			LastMessageAt: now,
		}
		if err := writeJSONAtomic(store.SessionMetaPath(b.root, sessionID), &sess); err != nil {
			return nil, fmt.Errorf("create session %s: %w", sessionID, err)
		}
		b.log.Debug("session created", "session_id", sessionID, "user_id", userID)
		return &sess, nil
	default:
		return nil, fmt.Errorf("open session %s: %w", sessionID, err)
	}
}

// AppendMessages writes one file per message, then bumps the session
// metadata once. Message files are keyed by sequence, so a retried
// batch overwrites identical content instead of duplicating.
func (b *Backend) AppendMessages(ctx context.Context, sessionID string, msgs []store.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	l := b.lock(sessionID)
	l.Lock()
	defer l.Unlock()

	maxSeq := -1
	for _, m := range msgs {
		if err := writeJSONAtomic(store.MessagePath(b.root, sessionID, m.Sequence), &m); err != nil {
			return fmt.Errorf("write message %d: %w", m.Sequence, err)
		}
		if m.Sequence > maxSeq {
			maxSeq = m.Sequence
		}
	}

	var sess store.Session
	if err := readJSON(store.SessionMetaPath(b.root, sessionID), &sess); err != nil {
		return fmt.Errorf("read session %s: %w", sessionID, err)
	}
	if maxSeq+1 > sess.MessageCount {
		sess.MessageCount = maxSeq + 1
	}
	sess.LastMessageAt = time.Now().UTC()
	return writeJSONAtomic(store.SessionMetaPath(b.root, sessionID), &sess)
}

// LoadMessages reads sequences >= from in order. A missing file inside
// the range is an error: sequences are dense by construction.
func (b *Backend) LoadMessages(ctx context.Context, sessionID string, from int) ([]store.Message, error) {
	var sess store.Session
	if err := readJSON(store.SessionMetaPath(b.root, sessionID), &sess); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read session %s: %w", sessionID, err)
	}
	if from < 0 {
		from = 0
	}
	msgs := make([]store.Message, 0, sess.MessageCount-from)
	for seq := from; seq < sess.MessageCount; seq++ {
		var m store.Message
		if err := readJSON(store.MessagePath(b.root, sessionID, seq), &m); err != nil {
			return nil, fmt.Errorf("read message %d: %w", seq, err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// ListMessages pages through messages with a base64 sequence cursor.
func (b *Backend) ListMessages(ctx context.Context, sessionID string, limit int, cursor string) ([]store.Message, string, error) {
	start := 0
	if cursor != "" {
		raw, err := base64.StdEncoding.DecodeString(cursor)
		if err != nil {
			return nil, "", fmt.Errorf("bad cursor: %w", err)
		}
		start, err = strconv.Atoi(string(raw))
		if err != nil {
			return nil, "", fmt.Errorf("bad cursor: %w", err)
		}
	}
	if limit <= 0 {
		limit = 50
	}

	all, err := b.LoadMessages(ctx, sessionID, start)
	if err != nil {
		return nil, "", err
	}
	if len(all) <= limit {
		return all, "", nil
	}
	next := base64.StdEncoding.EncodeToString([]byte(strconv.Itoa(start + limit)))
	return all[:limit], next, nil
}

// UpdateSession deep-merges the patch into session metadata.
func (b *Backend) UpdateSession(ctx context.Context, sessionID, userID string, patch store.SessionUpdate) error {
	l := b.lock(sessionID)
	l.Lock()
	defer l.Unlock()

	var sess store.Session
	if err := readJSON(store.SessionMetaPath(b.root, sessionID), &sess); err != nil {
		return fmt.Errorf("read session %s: %w", sessionID, err)
	}
	if patch.Title != nil {
		sess.Title = *patch.Title
	}
	if patch.Status != nil {
		sess.Status = *patch.Status
	}
	if patch.LastMessageAt != nil {
		sess.LastMessageAt = *patch.LastMessageAt
	}
	if patch.MessageCount != nil {
		sess.MessageCount = *patch.MessageCount
	}
	if patch.Preferences != nil {
		sess.Preferences = mergePreferences(sess.Preferences, patch.Preferences)
	}
	return writeJSONAtomic(store.SessionMetaPath(b.root, sessionID), &sess)
}

func mergePreferences(base, patch *store.Preferences) *store.Preferences {
	if base == nil {
		cp := *patch
		return &cp
	}
	out := *base
	if patch.LastModel != "" {
		out.LastModel = patch.LastModel
	}
	if patch.Temperature != nil {
		out.Temperature = patch.Temperature
	}
	if patch.EnabledTools != nil {
		out.EnabledTools = patch.EnabledTools
	}
	if patch.SystemPromptHash != "" {
		out.SystemPromptHash = patch.SystemPromptHash
	}
	if patch.AssistantID != "" {
		out.AssistantID = patch.AssistantID
	}
	return &out
}

// PutMessageMetadata appends to the per-agent metadata map file keyed
// by message ID. Existing entries are never overwritten.
func (b *Backend) PutMessageMetadata(ctx context.Context, sessionID, messageID string, meta *store.MessageMetadata) error {
	l := b.lock(sessionID)
	l.Lock()
	defer l.Unlock()

	path := store.MessageMetaPath(b.root, sessionID)
	all := map[string]*store.MessageMetadata{}
	if err := readJSON(path, &all); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("read metadata map: %w", err)
	}
	if _, exists := all[messageID]; exists {
		b.log.Debug("metadata already present, skipping", "message_id", messageID)
		return nil
	}
	all[messageID] = meta
	return writeJSONAtomic(path, all)
}

// GetMessageMetadata reads one metadata entry, nil when absent.
func (b *Backend) GetMessageMetadata(ctx context.Context, sessionID, messageID string) (*store.MessageMetadata, error) {
	all := map[string]*store.MessageMetadata{}
	if err := readJSON(store.MessageMetaPath(b.root, sessionID), &all); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return all[messageID], nil
}

// SaveCompactionState stores the checkpoint on the session record.
func (b *Backend) SaveCompactionState(ctx context.Context, sessionID, userID string, st *store.CompactionState) error {
	l := b.lock(sessionID)
	l.Lock()
	defer l.Unlock()

	var sess store.Session
	if err := readJSON(store.SessionMetaPath(b.root, sessionID), &sess); err != nil {
		return fmt.Errorf("read session %s: %w", sessionID, err)
	}
	// Checkpoint regressions are dropped, not errors: a stale writer
	// racing a fresher one must not rewind the window.
	if sess.Compaction != nil && st.Checkpoint < sess.Compaction.Checkpoint {
		return nil
	}
	sess.Compaction = st
	return writeJSONAtomic(store.SessionMetaPath(b.root, sessionID), &sess)
}

// ListSessions returns a user's sessions newest-first.
func (b *Backend) ListSessions(ctx context.Context, userID string) ([]store.Session, error) {
	entries, err := os.ReadDir(filepath.Join(b.root, "sessions"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []store.Session
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var sess store.Session
		if err := readJSON(filepath.Join(b.root, "sessions", e.Name(), "session-metadata.json"), &sess); err != nil {
			continue
		}
		if sess.UserID == userID && sess.Status != store.StatusDeleted {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	return out, nil
}
