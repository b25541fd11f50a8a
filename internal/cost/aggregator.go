package cost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/nextlevelbuilder/agentcore/internal/store"
)

// maxReportWindow caps the detailed report range.
const maxReportWindow = 90 * 24 * time.Hour

// Usage is one billable message observation handed to the aggregator.
type Usage struct {
	UserID    string
	SessionID string
	MessageID string
	ModelID   string
	Tokens    store.TokenUsage
	Pricing   *store.PricingSnapshot
	Timestamp time.Time
}

// Aggregator fans one message's cost into the user summary, the
// per-model breakdown, and the three rollup families. All writes are
// fire-and-forget: failures are logged, never returned.
type Aggregator struct {
	backend store.CostBackend
	prices  *PriceTable
	log     *slog.Logger
}

// NewAggregator builds an aggregator over a cost backend.
func NewAggregator(backend store.CostBackend, prices *PriceTable, log *slog.Logger) *Aggregator {
	if log == nil {
		log = slog.Default()
	}
	return &Aggregator{backend: backend, prices: prices, log: log}
}

// Apply runs the per-message write path. It never returns an error;
// each step logs and continues on failure so supplementary data loss
// cannot affect the conversation.
func (a *Aggregator) Apply(ctx context.Context, u Usage) {
	ts := u.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	period := store.PeriodMonth(ts)
	date := store.PeriodDay(ts)

	costUSD := Compute(u.Tokens, u.Pricing)
	savings := CacheSavings(u.Tokens, u.Pricing)
	tokens := int64(u.Tokens.Total())
	safe := store.SanitizeModelID(u.ModelID)

	// User summary ADD, then the sorted-index rank from the best-known
	// running total.
	if err := a.backend.AddUserSummary(ctx, u.UserID, period, store.SummaryDelta{
		CostUSD:          costUSD,
		Requests:         1,
		InputTokens:      int64(u.Tokens.InputTokens),
		OutputTokens:     int64(u.Tokens.OutputTokens),
		CacheReadTokens:  int64(u.Tokens.CacheReadTokens),
		CacheWriteTokens: int64(u.Tokens.CacheWriteTokens),
		CacheSavingsUSD:  savings,
	}); err != nil {
		a.log.Warn("cost: user summary write failed", "user_id", u.UserID, "error", err)
	} else if summary, err := a.backend.GetUserSummary(ctx, u.UserID, period); err == nil && summary != nil {
		cents := int64(math.Round(summary.TotalCostUSD * 100))
		if err := a.backend.SetSummaryCostRank(ctx, u.UserID, period, cents); err != nil {
			a.log.Warn("cost: rank update failed", "user_id", u.UserID, "error", err)
		}
	}

	if err := a.backend.AddModelUsage(ctx, u.UserID, period, safe, store.ModelDelta{
		CostUSD:  costUSD,
		Requests: 1,
		Tokens:   tokens,
	}); err != nil {
		a.log.Warn("cost: model breakdown write failed", "model", safe, "error", err)
	}

	modelName, provider := u.ModelID, ""
	if p, ok := a.prices.Lookup(u.ModelID); ok {
		modelName, provider = p.ModelName, p.Provider
	}

	a.addRollup(ctx, store.RollupDaily, date,
		fmt.Sprintf("DAILY#%s", date), u.UserID, store.MarkerTTLDaily,
		store.RollupDelta{CostUSD: costUSD, Requests: 1, Tokens: tokens})

	a.addRollup(ctx, store.RollupMonthly, period,
		fmt.Sprintf("MONTHLY#%s", period), u.UserID, store.MarkerTTLMonthly,
		store.RollupDelta{CostUSD: costUSD, Requests: 1, Tokens: tokens, CacheSavingsUSD: savings})

	a.addRollup(ctx, store.RollupModel, fmt.Sprintf("%s#%s", period, safe),
		fmt.Sprintf("MODEL#%s#%s", period, safe), u.UserID, store.MarkerTTLMonthly,
		store.RollupDelta{CostUSD: costUSD, Requests: 1, Tokens: tokens, ModelName: modelName, Provider: provider})

	if err := a.backend.PutCostRecord(ctx, &store.CostRecord{
		RecordID:  u.MessageID,
		UserID:    u.UserID,
		SessionID: u.SessionID,
		MessageID: u.MessageID,
		ModelID:   u.ModelID,
		Usage:     u.Tokens,
		CostUSD:   costUSD,
		Timestamp: ts,
	}); err != nil {
		a.log.Warn("cost: record write failed", "message_id", u.MessageID, "error", err)
	}
}

// addRollup creates the scope marker first; only a fresh marker earns
// the distinct-user increment.
func (a *Aggregator) addRollup(ctx context.Context, family, key, markerScope, userID string, ttl time.Duration, delta store.RollupDelta) {
	switch err := a.backend.CreateActiveMarker(ctx, markerScope, userID, ttl); {
	case err == nil:
		delta.ActiveUsers = 1
	case errors.Is(err, store.ErrMarkerExists):
		// Already counted in this scope.
	default:
		a.log.Warn("cost: marker create failed", "scope", markerScope, "error", err)
	}
	if err := a.backend.AddRollup(ctx, family, key, delta); err != nil {
		a.log.Warn("cost: rollup write failed", "family", family, "key", key, "error", err)
	}
}

// UserSummary is the O(1) fast read. A user with no usage gets an
// empty summary, not an error.
func (a *Aggregator) UserSummary(ctx context.Context, userID, period string) (*store.UserCostSummary, error) {
	s, err := a.backend.GetUserSummary(ctx, userID, period)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return &store.UserCostSummary{UserID: userID, Period: period}, nil
	}
	return s, nil
}

// DetailedReport rebuilds the breakdown message-by-message over a date
// range capped at 90 days.
func (a *Aggregator) DetailedReport(ctx context.Context, userID string, from, to time.Time) ([]store.CostRecord, error) {
	if to.Before(from) {
		return nil, fmt.Errorf("report range inverted: %s after %s", from, to)
	}
	if to.Sub(from) > maxReportWindow {
		from = to.Add(-maxReportWindow)
	}
	return a.backend.QueryCostRecords(ctx, userID, from, to)
}
