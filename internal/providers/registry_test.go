package providers

import (
	"context"
	"testing"
)

type stubProvider struct{ name string }

func (s stubProvider) Stream(ctx context.Context, req StreamRequest) (<-chan RawEvent, error) {
	ch := make(chan RawEvent)
	close(ch)
	return ch, nil
}
func (s stubProvider) Name() string         { return s.name }
func (s stubProvider) DefaultModel() string { return "default" }

func TestForModelRouting(t *testing.T) {
	r := NewRegistry()
	r.Register(stubProvider{name: "bedrock"})
	r.Register(stubProvider{name: "openai"})
	r.Register(stubProvider{name: "gemini"})

	cases := []struct {
		model string
		want  string
	}{
		{"us.anthropic.claude-sonnet-4-20250514-v1:0", "bedrock"},
		{"arn:aws:bedrock:us-east-1::inference-profile/x", "bedrock"},
		{"gpt-4o-mini", "openai"},
		{"o3-mini", "openai"},
		{"gemini-2.5-flash", "gemini"},
		{"unknown-model", "bedrock"}, // first registered wins
	}
	for _, tc := range cases {
		p, err := r.ForModel(tc.model)
		if err != nil {
			t.Fatalf("ForModel(%q): %v", tc.model, err)
		}
		if p.Name() != tc.want {
			t.Errorf("ForModel(%q) = %s, want %s", tc.model, p.Name(), tc.want)
		}
	}
}

func TestGetUnknownProvider(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Get("nope"); err == nil {
		t.Fatalf("expected error for unknown provider")
	}
}
