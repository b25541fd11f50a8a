package store

import (
	"strings"
	"testing"
	"time"
)

func TestMessageIDDeterministic(t *testing.T) {
	a := MessageID("abc", 7)
	b := MessageID("abc", 7)
	if a != b {
		t.Fatalf("MessageID not stable: %q vs %q", a, b)
	}
	if a != "msg-abc-7" {
		t.Errorf("MessageID = %q", a)
	}
}

func TestSanitizeModelID(t *testing.T) {
	got := SanitizeModelID("us.anthropic.claude-sonnet-4:0")
	if strings.ContainsAny(got, ".:-/") {
		t.Errorf("unsafe chars remain: %q", got)
	}
	if got != "us_anthropic_claude_sonnet_4_0" {
		t.Errorf("SanitizeModelID = %q", got)
	}
}

func TestScopesHashOrderIndependent(t *testing.T) {
	a := ScopesHash([]string{"read", "write", "admin"})
	b := ScopesHash([]string{"admin", "read", "write"})
	if a != b {
		t.Errorf("order changed hash: %q vs %q", a, b)
	}
	c := ScopesHash([]string{"read", "write"})
	if a == c {
		t.Errorf("different sets collided")
	}
	if len(a) != 16 {
		t.Errorf("hash length = %d, want 16", len(a))
	}
}

func TestPromptHashLength(t *testing.T) {
	h := PromptHash("You are a helpful assistant.")
	if len(h) != 16 {
		t.Errorf("hash length = %d, want 16", len(h))
	}
	if h == PromptHash("You are a different assistant.") {
		t.Errorf("distinct prompts collided")
	}
}

func TestCostRankSKLexicographicOrder(t *testing.T) {
	low := CostRankSK(950)
	high := CostRankSK(12345)
	if !(low < high) {
		t.Errorf("rank keys out of order: %q vs %q", low, high)
	}
}

func TestSessionSKSortsByRecency(t *testing.T) {
	early := SessionSK(StatusActive, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), "a")
	late := SessionSK(StatusActive, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC), "b")
	if !(early < late) {
		t.Errorf("session keys out of order: %q vs %q", early, late)
	}
	if !strings.HasPrefix(early, "S#ACTIVE#") {
		t.Errorf("unexpected prefix: %q", early)
	}
}
