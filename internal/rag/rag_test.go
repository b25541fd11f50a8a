package rag

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/qdrant/go-client/qdrant"
)

type fakeEmbedder struct{ err error }

func (f fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

type fakeQuerier struct {
	req    *qdrant.QueryPoints
	points []*qdrant.ScoredPoint
	err    error
}

func (f *fakeQuerier) Query(ctx context.Context, req *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error) {
	f.req = req
	return f.points, f.err
}

func payload(kv map[string]string) map[string]*qdrant.Value {
	out := map[string]*qdrant.Value{}
	for k, v := range kv {
		out[k] = qdrant.NewValueString(v)
	}
	return out
}

func TestSearchFiltersByAssistant(t *testing.T) {
	q := &fakeQuerier{points: []*qdrant.ScoredPoint{
		{Score: 0.92, Payload: payload(map[string]string{
			"text": "refund policy is 30 days",
			"key":  "docs/policy.pdf",
		})},
	}}
	presigned := ""
	svc := newService(q, fakeEmbedder{}, func(ctx context.Context, bucket, key string) (string, error) {
		presigned = bucket + "/" + key
		return "https://signed.example/" + key, nil
	}, "kb", "docs-bucket", nil)

	chunks, err := svc.Search(context.Background(), "asst-1", "refunds?", 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if q.req.CollectionName != "kb" {
		t.Errorf("collection = %s", q.req.CollectionName)
	}
	if q.req.Limit == nil || *q.req.Limit != DefaultTopK {
		t.Errorf("limit = %v", q.req.Limit)
	}
	if len(q.req.Filter.Must) != 1 {
		t.Fatalf("filter missing: %+v", q.req.Filter)
	}
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks", len(chunks))
	}
	c := chunks[0]
	if c.Text != "refund policy is 30 days" || c.Key != "docs/policy.pdf" {
		t.Errorf("chunk = %+v", c)
	}
	if c.S3URL != "https://signed.example/docs/policy.pdf" {
		t.Errorf("s3 url = %s", c.S3URL)
	}
	if presigned != "docs-bucket/docs/policy.pdf" {
		t.Errorf("presign args = %s", presigned)
	}
}

func TestSearchOrEmptyDegradesOnError(t *testing.T) {
	q := &fakeQuerier{err: errors.New("connection refused")}
	svc := newService(q, fakeEmbedder{}, nil, "kb", "", nil)
	if chunks := svc.SearchOrEmpty(context.Background(), "a", "q", 5); chunks != nil {
		t.Fatalf("expected nil chunks, got %v", chunks)
	}
}

func TestAugmentZeroChunksUnchanged(t *testing.T) {
	if got := Augment("what is the policy?", nil, 0); got != "what is the policy?" {
		t.Fatalf("augmented without chunks: %q", got)
	}
}

func TestAugmentFormatsSections(t *testing.T) {
	got := Augment("what is the policy?", []Chunk{
		{Text: "refunds within 30 days"},
		{Text: "exchanges within 60 days"},
	}, 0)
	if !strings.Contains(got, "[Context 1]\nrefunds within 30 days") {
		t.Errorf("first section missing:\n%s", got)
	}
	if !strings.Contains(got, "[Context 2]\nexchanges within 60 days") {
		t.Errorf("second section missing:\n%s", got)
	}
	if !strings.HasSuffix(got, "User Question: what is the policy?") {
		t.Errorf("question suffix missing:\n%s", got)
	}
}

func TestAugmentRespectsBudget(t *testing.T) {
	long := strings.Repeat("x", 5000)
	got := Augment("q", []Chunk{{Text: long}, {Text: long}}, 2000)
	ctx := strings.TrimSuffix(got, "---\nUser Question: q")
	ctx = strings.TrimPrefix(ctx, contextPreamble)
	if len(ctx) > 2000 {
		t.Fatalf("context is %d chars, budget 2000", len(ctx))
	}
}
