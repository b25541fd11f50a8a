// Package cost computes per-message USD cost from token usage and
// folds it into pre-aggregated summaries and rollups.
package cost

import (
	"strings"
	"time"

	"github.com/nextlevelbuilder/agentcore/internal/store"
)

// ModelPricing is the live price table entry for one model, in USD
// per million tokens.
type ModelPricing struct {
	ModelName         string
	Provider          string
	InputPerMTok      float64
	OutputPerMTok     float64
	CacheReadPerMTok  *float64
	CacheWritePerMTok *float64
}

func f(v float64) *float64 { return &v }

// defaultPricing covers the models the runtime routes to. Unknown
// models fall back to zero pricing so usage is still recorded.
var defaultPricing = map[string]ModelPricing{
	"anthropic.claude-sonnet-4": {
		ModelName: "Claude Sonnet 4", Provider: "bedrock",
		InputPerMTok: 3.0, OutputPerMTok: 15.0,
		CacheReadPerMTok: f(0.30), CacheWritePerMTok: f(3.75),
	},
	"anthropic.claude-haiku-4": {
		ModelName: "Claude Haiku 4", Provider: "bedrock",
		InputPerMTok: 0.80, OutputPerMTok: 4.0,
		CacheReadPerMTok: f(0.08), CacheWritePerMTok: f(1.0),
	},
	"gpt-4o": {
		ModelName: "GPT-4o", Provider: "openai",
		InputPerMTok: 2.50, OutputPerMTok: 10.0,
		CacheReadPerMTok: f(1.25),
	},
	"gpt-4o-mini": {
		ModelName: "GPT-4o mini", Provider: "openai",
		InputPerMTok: 0.15, OutputPerMTok: 0.60,
		CacheReadPerMTok: f(0.075),
	},
	"gemini-2.5-pro": {
		ModelName: "Gemini 2.5 Pro", Provider: "gemini",
		InputPerMTok: 1.25, OutputPerMTok: 10.0,
		CacheReadPerMTok: f(0.31),
	},
	"gemini-2.5-flash": {
		ModelName: "Gemini 2.5 Flash", Provider: "gemini",
		InputPerMTok: 0.30, OutputPerMTok: 2.50,
		CacheReadPerMTok: f(0.075),
	},
}

// PriceTable resolves model IDs to pricing. Matching strips region
// prefixes (us./eu.) and version suffixes so "us.anthropic.claude-
// sonnet-4-20250514-v1:0" resolves to "anthropic.claude-sonnet-4".
type PriceTable struct {
	models map[string]ModelPricing
}

// NewPriceTable returns the default table; overrides replace or add
// entries.
func NewPriceTable(overrides map[string]ModelPricing) *PriceTable {
	models := make(map[string]ModelPricing, len(defaultPricing)+len(overrides))
	for k, v := range defaultPricing {
		models[k] = v
	}
	for k, v := range overrides {
		models[k] = v
	}
	return &PriceTable{models: models}
}

// Lookup finds pricing for a model ID. The second return is false when
// the model is unknown.
func (t *PriceTable) Lookup(modelID string) (ModelPricing, bool) {
	if p, ok := t.models[modelID]; ok {
		return p, true
	}
	id := modelID
	for _, prefix := range []string{"us.", "eu.", "apac.", "global."} {
		id = strings.TrimPrefix(id, prefix)
	}
	if p, ok := t.models[id]; ok {
		return p, true
	}
	for key, p := range t.models {
		if strings.HasPrefix(id, key) {
			return p, true
		}
	}
	return ModelPricing{}, false
}

// Snapshot freezes the model's pricing for embedding into message
// metadata. Unknown models snapshot as zero so the record still
// documents what was charged.
func (t *PriceTable) Snapshot(modelID string, now time.Time) *store.PricingSnapshot {
	p, _ := t.Lookup(modelID)
	return &store.PricingSnapshot{
		InputPerMTok:      p.InputPerMTok,
		OutputPerMTok:     p.OutputPerMTok,
		CacheReadPerMTok:  p.CacheReadPerMTok,
		CacheWritePerMTok: p.CacheWritePerMTok,
		Currency:          "USD",
		SnapshotAt:        now.UTC(),
	}
}
