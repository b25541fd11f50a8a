package cost

import (
	"github.com/nextlevelbuilder/agentcore/internal/store"
)

const mtok = 1_000_000

// Compute returns the USD cost of one message under a frozen pricing
// snapshot. Cache reads bill at the cache-read rate, cache writes at
// the cache-write rate; tokens without cache pricing bill at the base
// input rate.
func Compute(usage store.TokenUsage, p *store.PricingSnapshot) float64 {
	if p == nil {
		return 0
	}
	cost := float64(usage.InputTokens)/mtok*p.InputPerMTok +
		float64(usage.OutputTokens)/mtok*p.OutputPerMTok
	if usage.CacheReadTokens > 0 {
		rate := p.InputPerMTok
		if p.CacheReadPerMTok != nil {
			rate = *p.CacheReadPerMTok
		}
		cost += float64(usage.CacheReadTokens) / mtok * rate
	}
	if usage.CacheWriteTokens > 0 {
		rate := p.InputPerMTok
		if p.CacheWritePerMTok != nil {
			rate = *p.CacheWritePerMTok
		}
		cost += float64(usage.CacheWriteTokens) / mtok * rate
	}
	return cost
}

// CacheSavings is what the cache-read discount saved versus paying the
// base input rate. Never negative, even if a model prices cache reads
// above input.
func CacheSavings(usage store.TokenUsage, p *store.PricingSnapshot) float64 {
	if p == nil || p.CacheReadPerMTok == nil || usage.CacheReadTokens == 0 {
		return 0
	}
	savings := float64(usage.CacheReadTokens) / mtok * (p.InputPerMTok - *p.CacheReadPerMTok)
	if savings < 0 {
		return 0
	}
	return savings
}
