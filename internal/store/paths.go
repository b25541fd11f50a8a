package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// DefaultAgentID is the single agent namespace inside a session. The
// on-disk layout reserves room for multi-agent sessions but the
// runtime writes only this one.
const DefaultAgentID = "agent_default"

// MessageID derives the stable per-message identifier used for
// metadata and cost records. Deterministic so retries collide instead
// of duplicating.
func MessageID(sessionID string, sequence int) string {
	return fmt.Sprintf("msg-%s-%d", sessionID, sequence)
}

// SessionDir returns the on-disk directory for a session.
func SessionDir(root, sessionID string) string {
	return filepath.Join(root, "sessions", "session_"+sessionID)
}

// AgentDir returns the agent namespace directory inside a session.
func AgentDir(root, sessionID string) string {
	return filepath.Join(SessionDir(root, sessionID), "agents", DefaultAgentID)
}

// MessagePath returns the file path for one message by sequence.
func MessagePath(root, sessionID string, sequence int) string {
	return filepath.Join(AgentDir(root, sessionID), "messages", fmt.Sprintf("message_%d.json", sequence))
}

// SessionMetaPath returns the session metadata file path.
func SessionMetaPath(root, sessionID string) string {
	return filepath.Join(SessionDir(root, sessionID), "session-metadata.json")
}

// MessageMetaPath returns the per-agent message-metadata map path.
func MessageMetaPath(root, sessionID string) string {
	return filepath.Join(AgentDir(root, sessionID), "message-metadata.json")
}

// DynamoDB key builders. One table holds sessions and their messages;
// the partition key groups everything a user owns.

// UserPK builds the partition key for user-owned items.
func UserPK(userID string) string { return "USER#" + userID }

// SessionSK builds the sort key for a session record. The status
// segment makes status a range-query prefix; the last-message
// timestamp orders sessions by recency, so the key moves (delete+put)
// whenever the session is touched.
func SessionSK(status string, lastMessageAt time.Time, sessionID string) string {
	return fmt.Sprintf("S#%s#%s#%s", status, lastMessageAt.UTC().Format(time.RFC3339), sessionID)
}

// MessageSK builds the sort key for a conversation message. The UUID
// suffix keeps same-millisecond messages distinct.
func MessageSK(createdAt time.Time, uid string) string {
	return fmt.Sprintf("C#%s#%s", createdAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"), uid)
}

// Cost table key builders.

// SummarySK builds the sort key for a monthly user summary.
func SummarySK(period string) string { return "SUMMARY#" + period }

// MarkerPK builds the partition key for an active-user marker scope,
// e.g. "ACTIVE#DAILY#2026-08-26".
func MarkerPK(scope string) string { return "ACTIVE#" + scope }

// RollupPK builds the partition key for a system rollup family.
func RollupPK(family string) string { return "ROLLUP#" + family }

// CostRecordSK builds the sort key for a per-message cost row.
func CostRecordSK(ts time.Time, messageID string) string {
	return fmt.Sprintf("COST#%s#%s", ts.UTC().Format(time.RFC3339), messageID)
}

// CostRankSK encodes a running total as a fixed-width cents string so
// lexicographic GSI order matches numeric order.
func CostRankSK(totalCents int64) string {
	return fmt.Sprintf("COST#%015d", totalCents)
}

// PeriodMonth returns the monthly period key, e.g. "2026-08".
func PeriodMonth(t time.Time) string { return t.UTC().Format("2006-01") }

// PeriodDay returns the daily period key, e.g. "2026-08-26".
func PeriodDay(t time.Time) string { return t.UTC().Format("2006-01-02") }

// SanitizeModelID makes a model identifier safe for use as a DynamoDB
// map key and a file name: dots, colons and dashes become underscores.
func SanitizeModelID(modelID string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', ':', '-', '/':
			return '_'
		}
		return r
	}, modelID)
}

// PromptHash fingerprints a system prompt for preference caching.
// Sixteen hex chars is plenty for change detection.
func PromptHash(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])[:16]
}

// ScopesHash fingerprints a tool/permission scope set independent of
// order: the same set always hashes the same.
func ScopesHash(scopes []string) string {
	sorted := append([]string(nil), scopes...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\n")))
	return hex.EncodeToString(sum[:])[:16]
}
