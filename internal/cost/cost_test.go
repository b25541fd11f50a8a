package cost

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentcore/internal/store"
	storefile "github.com/nextlevelbuilder/agentcore/internal/store/file"
)

func snapshot(input, output, cacheRead float64) *store.PricingSnapshot {
	return &store.PricingSnapshot{
		InputPerMTok:     input,
		OutputPerMTok:    output,
		CacheReadPerMTok: &cacheRead,
		Currency:         "USD",
	}
}

func approx(t *testing.T, got, want float64, what string) {
	t.Helper()
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("%s = %v, want %v", what, got, want)
	}
}

func TestComputeCacheHitBilling(t *testing.T) {
	// input=100 @ $3, output=50 @ $15, cacheRead=1000 @ $0.30
	usage := store.TokenUsage{InputTokens: 100, OutputTokens: 50, CacheReadTokens: 1000}
	p := snapshot(3.0, 15.0, 0.30)

	approx(t, Compute(usage, p), 0.00135, "cost")
	approx(t, CacheSavings(usage, p), 0.0027, "cache savings")
}

func TestCacheSavingsNeverNegative(t *testing.T) {
	usage := store.TokenUsage{CacheReadTokens: 1000}
	// Cache reads priced above input.
	p := snapshot(1.0, 5.0, 2.0)
	if got := CacheSavings(usage, p); got != 0 {
		t.Errorf("savings = %v, want 0", got)
	}
}

func TestCacheSavingsRequiresCachePricing(t *testing.T) {
	usage := store.TokenUsage{CacheReadTokens: 1000}
	p := &store.PricingSnapshot{InputPerMTok: 3.0, OutputPerMTok: 15.0}
	if got := CacheSavings(usage, p); got != 0 {
		t.Errorf("savings without cache pricing = %v, want 0", got)
	}
}

func TestComputeNilSnapshotIsFree(t *testing.T) {
	if got := Compute(store.TokenUsage{InputTokens: 1000}, nil); got != 0 {
		t.Errorf("cost = %v", got)
	}
}

func TestLookupStripsRegionAndVersion(t *testing.T) {
	table := NewPriceTable(nil)
	p, ok := table.Lookup("us.anthropic.claude-sonnet-4-20250514-v1:0")
	if !ok {
		t.Fatalf("regioned model id did not resolve")
	}
	if p.Provider != "bedrock" {
		t.Errorf("provider = %q", p.Provider)
	}
	if _, ok := table.Lookup("made-up-model"); ok {
		t.Errorf("unknown model resolved")
	}
}

func newFileAggregator(t *testing.T) (*Aggregator, *storefile.CostBackend) {
	t.Helper()
	cb, err := storefile.NewCostBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewCostBackend: %v", err)
	}
	return NewAggregator(cb, NewPriceTable(nil), nil), cb
}

func TestApplyFansOutAllFamilies(t *testing.T) {
	agg, cb := newFileAggregator(t)
	ctx := context.Background()
	ts := time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)

	agg.Apply(ctx, Usage{
		UserID:    "u1",
		SessionID: "s1",
		MessageID: store.MessageID("s1", 1),
		ModelID:   "anthropic.claude-sonnet-4",
		Tokens:    store.TokenUsage{InputTokens: 1000, OutputTokens: 500},
		Pricing:   snapshot(3.0, 15.0, 0.30),
		Timestamp: ts,
	})

	sum, err := agg.UserSummary(ctx, "u1", "2026-08")
	if err != nil {
		t.Fatalf("UserSummary: %v", err)
	}
	if sum.TotalRequests != 1 || sum.InputTokens != 1000 {
		t.Errorf("summary = %+v", sum)
	}
	approx(t, sum.TotalCostUSD, 0.0105, "summary cost")

	daily, _ := cb.GetRollup(ctx, store.RollupDaily, "2026-08-26")
	if daily == nil || daily.ActiveUsers != 1 {
		t.Fatalf("daily rollup = %+v", daily)
	}
	monthly, _ := cb.GetRollup(ctx, store.RollupMonthly, "2026-08")
	if monthly == nil || monthly.ActiveUsers != 1 {
		t.Fatalf("monthly rollup = %+v", monthly)
	}
	model, _ := cb.GetRollup(ctx, store.RollupModel, "2026-08#anthropic_claude_sonnet_4")
	if model == nil || model.UniqueUsers != 1 || model.ModelName != "Claude Sonnet 4" {
		t.Fatalf("model rollup = %+v", model)
	}

	recs, _ := agg.DetailedReport(ctx, "u1", ts.Add(-time.Hour), ts.Add(time.Hour))
	if len(recs) != 1 {
		t.Errorf("detailed report rows = %d", len(recs))
	}
}

func TestActiveUsersCountedOncePerScope(t *testing.T) {
	agg, cb := newFileAggregator(t)
	ctx := context.Background()
	ts := time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		agg.Apply(ctx, Usage{
			UserID:    "u1",
			SessionID: "s1",
			MessageID: store.MessageID("s1", 2*i+1),
			ModelID:   "gpt-4o",
			Tokens:    store.TokenUsage{InputTokens: 10, OutputTokens: 5},
			Pricing:   snapshot(2.5, 10.0, 1.25),
			Timestamp: ts,
		})
	}

	daily, _ := cb.GetRollup(ctx, store.RollupDaily, "2026-08-26")
	if daily.Requests != 3 {
		t.Errorf("requests = %d, want 3", daily.Requests)
	}
	if daily.ActiveUsers != 1 {
		t.Errorf("activeUsers = %d, want 1 (marker counted once)", daily.ActiveUsers)
	}
}

func TestUserSummaryAbsentIsEmptyNotError(t *testing.T) {
	agg, _ := newFileAggregator(t)
	sum, err := agg.UserSummary(context.Background(), "nobody", "2026-01")
	if err != nil {
		t.Fatalf("UserSummary: %v", err)
	}
	if sum.TotalRequests != 0 || sum.UserID != "nobody" {
		t.Errorf("empty summary = %+v", sum)
	}
}

func TestDetailedReportCapsWindow(t *testing.T) {
	agg, cb := newFileAggregator(t)
	ctx := context.Background()
	to := time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC)

	old := &store.CostRecord{
		RecordID: "msg-s1-1", UserID: "u1", SessionID: "s1", MessageID: "msg-s1-1",
		ModelID: "gpt-4o", CostUSD: 0.01, Timestamp: to.AddDate(0, 0, -120),
	}
	recent := &store.CostRecord{
		RecordID: "msg-s1-3", UserID: "u1", SessionID: "s1", MessageID: "msg-s1-3",
		ModelID: "gpt-4o", CostUSD: 0.01, Timestamp: to.AddDate(0, 0, -10),
	}
	cb.PutCostRecord(ctx, old)
	cb.PutCostRecord(ctx, recent)

	recs, err := agg.DetailedReport(ctx, "u1", to.AddDate(0, 0, -365), to)
	if err != nil {
		t.Fatalf("DetailedReport: %v", err)
	}
	if len(recs) != 1 || recs[0].RecordID != "msg-s1-3" {
		t.Errorf("window cap not applied: %+v", recs)
	}
}
