package file

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentcore/internal/store"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func TestOpenSessionCreatesActive(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	sess, err := b.OpenSession(ctx, "s1", "u1")
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	if sess.Status != store.StatusActive {
		t.Errorf("status = %q, want ACTIVE", sess.Status)
	}
	if sess.MessageCount != 0 {
		t.Errorf("MessageCount = %d, want 0", sess.MessageCount)
	}

	// Second open returns the existing record, not a fresh one.
	again, err := b.OpenSession(ctx, "s1", "u1")
	if err != nil {
		t.Fatalf("OpenSession again: %v", err)
	}
	if !again.CreatedAt.Equal(sess.CreatedAt) {
		t.Errorf("CreatedAt changed on reopen: %v vs %v", again.CreatedAt, sess.CreatedAt)
	}
}

func TestAppendAndLoadMessages(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	if _, err := b.OpenSession(ctx, "s1", "u1"); err != nil {
		t.Fatalf("OpenSession: %v", err)
	}

	msgs := []store.Message{
		{Sequence: 0, Role: store.RoleUser, Content: []store.ContentBlock{store.TextBlock("hello")}, CreatedAt: time.Now()},
		{Sequence: 1, Role: store.RoleAssistant, Content: []store.ContentBlock{store.TextBlock("hi there")}, CreatedAt: time.Now()},
	}
	if err := b.AppendMessages(ctx, "s1", msgs); err != nil {
		t.Fatalf("AppendMessages: %v", err)
	}

	got, err := b.LoadMessages(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d messages, want 2", len(got))
	}
	if got[0].Content[0].Text != "hello" || got[1].Content[0].Text != "hi there" {
		t.Errorf("content round-trip mismatch: %+v", got)
	}

	sess, _ := b.OpenSession(ctx, "s1", "u1")
	if sess.MessageCount != 2 {
		t.Errorf("MessageCount = %d, want 2", sess.MessageCount)
	}
}

func TestAppendIsIdempotentBySequence(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	b.OpenSession(ctx, "s1", "u1")

	msg := []store.Message{{Sequence: 0, Role: store.RoleUser, Content: []store.ContentBlock{store.TextBlock("once")}}}
	if err := b.AppendMessages(ctx, "s1", msg); err != nil {
		t.Fatalf("first append: %v", err)
	}
	if err := b.AppendMessages(ctx, "s1", msg); err != nil {
		t.Fatalf("retry append: %v", err)
	}

	got, err := b.LoadMessages(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("retry duplicated the message: %d entries", len(got))
	}
}

func TestLoadMessagesFromOffset(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	b.OpenSession(ctx, "s1", "u1")

	var msgs []store.Message
	for i := 0; i < 6; i++ {
		role := store.RoleUser
		if i%2 == 1 {
			role = store.RoleAssistant
		}
		msgs = append(msgs, store.Message{Sequence: i, Role: role, Content: []store.ContentBlock{store.TextBlock("m")}})
	}
	if err := b.AppendMessages(ctx, "s1", msgs); err != nil {
		t.Fatalf("AppendMessages: %v", err)
	}

	got, err := b.LoadMessages(ctx, "s1", 4)
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if len(got) != 2 || got[0].Sequence != 4 {
		t.Errorf("offset load wrong: %+v", got)
	}
}

func TestListMessagesCursor(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	b.OpenSession(ctx, "s1", "u1")

	var msgs []store.Message
	for i := 0; i < 5; i++ {
		msgs = append(msgs, store.Message{Sequence: i, Role: store.RoleUser, Content: []store.ContentBlock{store.TextBlock("m")}})
	}
	b.AppendMessages(ctx, "s1", msgs)

	page1, cursor, err := b.ListMessages(ctx, "s1", 2, "")
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}
	if len(page1) != 2 || cursor == "" {
		t.Fatalf("page 1 = %d msgs, cursor %q", len(page1), cursor)
	}

	page2, cursor, err := b.ListMessages(ctx, "s1", 2, cursor)
	if err != nil {
		t.Fatalf("page 2: %v", err)
	}
	if len(page2) != 2 || page2[0].Sequence != 2 {
		t.Fatalf("page 2 wrong: %+v", page2)
	}

	page3, cursor, err := b.ListMessages(ctx, "s1", 2, cursor)
	if err != nil {
		t.Fatalf("page 3: %v", err)
	}
	if len(page3) != 1 || cursor != "" {
		t.Errorf("final page = %d msgs, cursor %q; want 1 msg, empty cursor", len(page3), cursor)
	}
}

func TestUpdateSessionDeepMerge(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	b.OpenSession(ctx, "s1", "u1")

	title := "first chat"
	temp := 0.3
	if err := b.UpdateSession(ctx, "s1", "u1", store.SessionUpdate{
		Title:       &title,
		Preferences: &store.Preferences{LastModel: "model-a", Temperature: &temp},
	}); err != nil {
		t.Fatalf("first update: %v", err)
	}

	// Patch only the model; temperature must survive.
	if err := b.UpdateSession(ctx, "s1", "u1", store.SessionUpdate{
		Preferences: &store.Preferences{LastModel: "model-b"},
	}); err != nil {
		t.Fatalf("second update: %v", err)
	}

	sess, _ := b.OpenSession(ctx, "s1", "u1")
	if sess.Title != "first chat" {
		t.Errorf("title lost: %q", sess.Title)
	}
	if sess.Preferences.LastModel != "model-b" {
		t.Errorf("LastModel = %q, want model-b", sess.Preferences.LastModel)
	}
	if sess.Preferences.Temperature == nil || *sess.Preferences.Temperature != 0.3 {
		t.Errorf("temperature clobbered by partial patch: %+v", sess.Preferences.Temperature)
	}
}

func TestPutMessageMetadataWriteOnce(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	b.OpenSession(ctx, "s1", "u1")

	id := store.MessageID("s1", 1)
	first := &store.MessageMetadata{Usage: store.TokenUsage{InputTokens: 10, OutputTokens: 5}}
	if err := b.PutMessageMetadata(ctx, "s1", id, first); err != nil {
		t.Fatalf("first put: %v", err)
	}
	second := &store.MessageMetadata{Usage: store.TokenUsage{InputTokens: 999}}
	if err := b.PutMessageMetadata(ctx, "s1", id, second); err != nil {
		t.Fatalf("second put: %v", err)
	}

	got, err := b.GetMessageMetadata(ctx, "s1", id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Usage.InputTokens != 10 {
		t.Errorf("metadata overwritten: input tokens = %d", got.Usage.InputTokens)
	}
}

func TestSaveCompactionStateNeverRewinds(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	b.OpenSession(ctx, "s1", "u1")

	if err := b.SaveCompactionState(ctx, "s1", "u1", &store.CompactionState{Checkpoint: 10}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := b.SaveCompactionState(ctx, "s1", "u1", &store.CompactionState{Checkpoint: 4}); err != nil {
		t.Fatalf("stale save: %v", err)
	}

	sess, _ := b.OpenSession(ctx, "s1", "u1")
	if sess.Compaction.Checkpoint != 10 {
		t.Errorf("checkpoint rewound to %d", sess.Compaction.Checkpoint)
	}
}

func TestMarkerFirstWriterWins(t *testing.T) {
	cb, err := NewCostBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewCostBackend: %v", err)
	}
	ctx := context.Background()

	if err := cb.CreateActiveMarker(ctx, "DAILY#2026-08-26", "u1", 0); err != nil {
		t.Fatalf("first marker: %v", err)
	}
	err = cb.CreateActiveMarker(ctx, "DAILY#2026-08-26", "u1", 0)
	if !errors.Is(err, store.ErrMarkerExists) {
		t.Errorf("second marker err = %v, want ErrMarkerExists", err)
	}
	// Different scope counts again.
	if err := cb.CreateActiveMarker(ctx, "MONTHLY#2026-08", "u1", 0); err != nil {
		t.Errorf("different scope should succeed: %v", err)
	}
}
