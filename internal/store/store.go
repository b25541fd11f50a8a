// Package store defines the durable-state model of the agent runtime:
// sessions, messages, per-message metadata, cost summaries, and system
// rollups, plus the backend interfaces the file and DynamoDB
// implementations satisfy.
package store

import (
	"context"
	"errors"
	"time"
)

// Session status values.
const (
	StatusActive  = "ACTIVE"
	StatusDeleted = "DELETED"
)

// Message roles. Tool results travel as user-role messages whose
// content contains toolResult blocks.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrMarkerExists is returned by CreateActiveMarker when the marker is
// already present: the user was counted for that scope before.
var ErrMarkerExists = errors.New("active-user marker already exists")

// Marker and record TTLs. Daily markers age out after 90 days; monthly
// and per-model markers outlive a full year so a period is never
// counted twice within its window.
const (
	MarkerTTLDaily   = 90 * 24 * time.Hour
	MarkerTTLMonthly = 400 * 24 * time.Hour
	CostRecordTTL    = 365 * 24 * time.Hour
)

// Session is the per-conversation root record.
type Session struct {
	SessionID     string           `json:"sessionId"`
	UserID        string           `json:"userId"`
	Title         string           `json:"title,omitempty"`
	Status        string           `json:"status"`
	CreatedAt     time.Time        `json:"createdAt"`
	LastMessageAt time.Time        `json:"lastMessageAt"`
	MessageCount  int              `json:"messageCount"`
	Preferences   *Preferences     `json:"preferences,omitempty"`
	Compaction    *CompactionState `json:"compaction,omitempty"`
}

// Preferences caches the last-used model settings on the session so a
// returning client resumes where it left off.
type Preferences struct {
	LastModel        string   `json:"lastModel,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
	EnabledTools     []string `json:"enabledTools,omitempty"`
	SystemPromptHash string   `json:"systemPromptHash,omitempty"`
	AssistantID      string   `json:"assistantId,omitempty"`
}

// CompactionState tracks the context-window checkpoint for a session.
// Checkpoint only ever advances.
type CompactionState struct {
	Checkpoint      int    `json:"checkpoint"`
	Summary         string `json:"summary,omitempty"`
	LastInputTokens int    `json:"lastInputTokens,omitempty"`
}

// Message is one immutable conversation entry. Sequence is 0-based and
// dense within a session; user and assistant roles alternate starting
// with user at 0.
type Message struct {
	Sequence  int            `json:"sequence"`
	Role      string         `json:"role"`
	Content   []ContentBlock `json:"content"`
	CreatedAt time.Time      `json:"createdAt"`
}

// TokenUsage counts tokens for one assistant message.
type TokenUsage struct {
	InputTokens      int `json:"inputTokens"`
	OutputTokens     int `json:"outputTokens"`
	CacheReadTokens  int `json:"cacheReadInputTokens,omitempty"`
	CacheWriteTokens int `json:"cacheWriteInputTokens,omitempty"`
}

// Total returns input + output tokens.
func (u TokenUsage) Total() int { return u.InputTokens + u.OutputTokens }

// Latency holds per-message timing measurements in milliseconds.
type Latency struct {
	TimeToFirstTokenMs int64 `json:"timeToFirstByteMs,omitempty"`
	EndToEndMs         int64 `json:"endToEndMs,omitempty"`
}

// PricingSnapshot freezes per-model pricing at emission time so
// historical cost reports stay accurate across price changes.
type PricingSnapshot struct {
	InputPerMTok      float64   `json:"inputPricePerMtok"`
	OutputPerMTok     float64   `json:"outputPricePerMtok"`
	CacheReadPerMTok  *float64  `json:"cacheReadPricePerMtok,omitempty"`
	CacheWritePerMTok *float64  `json:"cacheWritePricePerMtok,omitempty"`
	Currency          string    `json:"currency"`
	SnapshotAt        time.Time `json:"snapshotAt"`
}

// ModelInfo identifies the model that produced a message.
type ModelInfo struct {
	ModelID   string           `json:"modelId"`
	ModelName string           `json:"modelName,omitempty"`
	Provider  string           `json:"provider,omitempty"`
	Pricing   *PricingSnapshot `json:"pricingSnapshot,omitempty"`
}

// Attribution ties a metadata record to its owner.
type Attribution struct {
	UserID    string    `json:"userId"`
	SessionID string    `json:"sessionId"`
	Timestamp time.Time `json:"timestamp"`
}

// MessageMetadata is the write-once sidecar record for one assistant
// message, keyed by {session_id, message_id}.
type MessageMetadata struct {
	Usage       TokenUsage  `json:"tokenUsage"`
	Latency     Latency     `json:"latency"`
	Model       ModelInfo   `json:"modelInfo"`
	Attribution Attribution `json:"attribution"`
	CostUSD     float64     `json:"cost"`
}

// SessionUpdate is a deep-merge patch for session metadata. Nil fields
// leave the stored value untouched.
type SessionUpdate struct {
	Title         *string      `json:"title,omitempty"`
	Status        *string      `json:"status,omitempty"`
	LastMessageAt *time.Time   `json:"lastMessageAt,omitempty"`
	MessageCount  *int         `json:"messageCount,omitempty"`
	Preferences   *Preferences `json:"preferences,omitempty"`
}

// Backend is the session/message storage contract shared by the file
// and DynamoDB implementations.
type Backend interface {
	// OpenSession reads the session, creating it as ACTIVE if absent.
	// The returned MessageCount is read eagerly so the caller can
	// compute new-message sequences without re-querying mid-turn.
	OpenSession(ctx context.Context, sessionID, userID string) (*Session, error)

	// AppendMessages persists a batch in sequence order. Writes are
	// idempotent: the key is derived from the sequence number.
	AppendMessages(ctx context.Context, sessionID string, msgs []Message) error

	// ListMessages returns up to limit messages from the opaque
	// cursor (empty = start). The returned cursor is empty when the
	// listing is exhausted.
	ListMessages(ctx context.Context, sessionID string, limit int, cursor string) ([]Message, string, error)

	// LoadMessages returns all messages with sequence >= from.
	LoadMessages(ctx context.Context, sessionID string, from int) ([]Message, error)

	// UpdateSession deep-merges the patch into the session record.
	UpdateSession(ctx context.Context, sessionID, userID string, patch SessionUpdate) error

	// PutMessageMetadata writes the sidecar record for one message.
	// Metadata is written at most once per message.
	PutMessageMetadata(ctx context.Context, sessionID, messageID string, meta *MessageMetadata) error

	// SaveCompactionState persists the session's compaction state.
	SaveCompactionState(ctx context.Context, sessionID, userID string, st *CompactionState) error

	// EagerPersist reports whether AppendMessages should be called on
	// every append (cloud hooks) rather than batched by the session
	// buffer.
	EagerPersist() bool
}

// SummaryDelta is the atomic increment applied to a user's monthly
// cost summary. All fields are added, never assigned.
type SummaryDelta struct {
	CostUSD          float64
	Requests         int64
	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
	CacheWriteTokens int64
	CacheSavingsUSD  float64
}

// ModelDelta is the atomic increment for one model's entry in the
// per-model breakdown map.
type ModelDelta struct {
	CostUSD  float64
	Requests int64
	Tokens   int64
}

// RollupDelta is the atomic increment for a system rollup row.
type RollupDelta struct {
	CostUSD         float64
	Requests        int64
	Tokens          int64
	ActiveUsers     int64
	CacheSavingsUSD float64
	ModelName       string
	Provider        string
}

// Rollup families.
const (
	RollupDaily   = "DAILY"
	RollupMonthly = "MONTHLY"
	RollupModel   = "MODEL"
)

// ModelBreakdown is one entry of the per-model map in a user summary.
type ModelBreakdown struct {
	CostUSD  float64 `json:"cost"`
	Requests int64   `json:"requests"`
	Tokens   int64   `json:"tokens"`
}

// UserCostSummary is the pre-aggregated monthly record read by the
// fast path.
type UserCostSummary struct {
	UserID           string                    `json:"userId"`
	Period           string                    `json:"period"`
	TotalCostUSD     float64                   `json:"totalCost"`
	TotalRequests    int64                     `json:"totalRequests"`
	InputTokens      int64                     `json:"inputTokens"`
	OutputTokens     int64                     `json:"outputTokens"`
	CacheReadTokens  int64                     `json:"cacheReadTokens"`
	CacheWriteTokens int64                     `json:"cacheWriteTokens"`
	CacheSavingsUSD  float64                   `json:"cacheSavings"`
	Models           map[string]ModelBreakdown `json:"models,omitempty"`
	LastUpdated      time.Time                 `json:"lastUpdated"`
}

// SystemRollup is one pre-aggregated daily/monthly/per-model row.
type SystemRollup struct {
	Key             string  `json:"key"`
	CostUSD         float64 `json:"cost"`
	Requests        int64   `json:"requests"`
	Tokens          int64   `json:"tokens"`
	ActiveUsers     int64   `json:"activeUsers,omitempty"`
	UniqueUsers     int64   `json:"uniqueUsers,omitempty"`
	CacheSavingsUSD float64 `json:"cacheSavings,omitempty"`
	ModelName       string  `json:"modelName,omitempty"`
	Provider        string  `json:"provider,omitempty"`
}

// CostRecord is the per-message cost row used by the detailed report.
type CostRecord struct {
	RecordID  string     `json:"recordId"`
	UserID    string     `json:"userId"`
	SessionID string     `json:"sessionId"`
	MessageID string     `json:"messageId"`
	ModelID   string     `json:"modelId"`
	Usage     TokenUsage `json:"usage"`
	CostUSD   float64    `json:"cost"`
	Timestamp time.Time  `json:"timestamp"`
}

// CostBackend is the atomic-increment contract backing the cost
// aggregator. Every mutation is an ADD or a conditional create; no
// read-modify-write.
type CostBackend interface {
	// AddUserSummary atomically folds the delta into the user's
	// monthly summary, creating the record on first write.
	AddUserSummary(ctx context.Context, userID, period string, delta SummaryDelta) error

	// SetSummaryCostRank updates the sorted-by-cost index key from
	// the post-ADD total, zero-padded cents.
	SetSummaryCostRank(ctx context.Context, userID, period string, totalCents int64) error

	// AddModelUsage applies the three-step nested-map update for one
	// sanitized model ID.
	AddModelUsage(ctx context.Context, userID, period, modelIDSafe string, delta ModelDelta) error

	// AddRollup atomically folds the delta into one rollup row.
	AddRollup(ctx context.Context, family, key string, delta RollupDelta) error

	// CreateActiveMarker conditionally creates the {scope, user}
	// marker. Returns ErrMarkerExists when the user was already
	// counted for the scope.
	CreateActiveMarker(ctx context.Context, scope, userID string, ttl time.Duration) error

	// PutCostRecord writes the per-message cost row (TTL 365 days in
	// the cloud backend).
	PutCostRecord(ctx context.Context, rec *CostRecord) error

	// GetUserSummary is the O(1) fast read path.
	GetUserSummary(ctx context.Context, userID, period string) (*UserCostSummary, error)

	// QueryCostRecords returns per-message rows in [from, to] for the
	// detailed report.
	QueryCostRecords(ctx context.Context, userID string, from, to time.Time) ([]CostRecord, error)

	// GetRollup reads one rollup row, nil when absent.
	GetRollup(ctx context.Context, family, key string) (*SystemRollup, error)
}
