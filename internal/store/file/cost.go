package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agentcore/internal/store"
)

// CostBackend keeps cost aggregates as JSON files under root/costs/.
// A single mutex serializes all aggregate writes; the volumes the file
// mode sees (one developer) do not need finer locking. Active-user
// markers use O_CREATE|O_EXCL so first-writer-wins holds even across
// processes.
type CostBackend struct {
	root string
	mu   sync.Mutex
}

// NewCostBackend creates the cost store under dir/costs.
func NewCostBackend(dir string) (*CostBackend, error) {
	for _, sub := range []string{"summaries", "rollups", "markers", "records"} {
		if err := os.MkdirAll(filepath.Join(dir, "costs", sub), 0o755); err != nil {
			return nil, fmt.Errorf("create cost dir: %w", err)
		}
	}
	return &CostBackend{root: filepath.Join(dir, "costs")}, nil
}

func (c *CostBackend) summaryPath(userID, period string) string {
	return filepath.Join(c.root, "summaries", fmt.Sprintf("%s_%s.json", userID, period))
}

func (c *CostBackend) rollupPath(family, key string) string {
	return filepath.Join(c.root, "rollups", fmt.Sprintf("%s_%s.json", family, store.SanitizeModelID(key)))
}

func (c *CostBackend) loadSummary(userID, period string) (*store.UserCostSummary, error) {
	var s store.UserCostSummary
	err := readJSON(c.summaryPath(userID, period), &s)
	if errors.Is(err, fs.ErrNotExist) {
		return &store.UserCostSummary{UserID: userID, Period: period}, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// AddUserSummary folds the delta into the monthly summary under the
// store lock, mirroring an ADD update.
func (c *CostBackend) AddUserSummary(ctx context.Context, userID, period string, delta store.SummaryDelta) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.loadSummary(userID, period)
	if err != nil {
		return err
	}
	s.TotalCostUSD += delta.CostUSD
	s.TotalRequests += delta.Requests
	s.InputTokens += delta.InputTokens
	s.OutputTokens += delta.OutputTokens
	s.CacheReadTokens += delta.CacheReadTokens
	s.CacheWriteTokens += delta.CacheWriteTokens
	s.CacheSavingsUSD += delta.CacheSavingsUSD
	s.LastUpdated = time.Now().UTC()
	return writeJSONAtomic(c.summaryPath(userID, period), s)
}

// SetSummaryCostRank is a no-op on disk: the file mode has no
// sorted-by-cost index to maintain.
func (c *CostBackend) SetSummaryCostRank(ctx context.Context, userID, period string, totalCents int64) error {
	return nil
}

// AddModelUsage folds the delta into the per-model map entry.
func (c *CostBackend) AddModelUsage(ctx context.Context, userID, period, modelIDSafe string, delta store.ModelDelta) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.loadSummary(userID, period)
	if err != nil {
		return err
	}
	if s.Models == nil {
		s.Models = map[string]store.ModelBreakdown{}
	}
	m := s.Models[modelIDSafe]
	m.CostUSD += delta.CostUSD
	m.Requests += delta.Requests
	m.Tokens += delta.Tokens
	s.Models[modelIDSafe] = m
	return writeJSONAtomic(c.summaryPath(userID, period), s)
}

// AddRollup folds the delta into one rollup row.
func (c *CostBackend) AddRollup(ctx context.Context, family, key string, delta store.RollupDelta) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	path := c.rollupPath(family, key)
	var r store.SystemRollup
	if err := readJSON(path, &r); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	r.Key = key
	r.CostUSD += delta.CostUSD
	r.Requests += delta.Requests
	r.Tokens += delta.Tokens
	r.ActiveUsers += delta.ActiveUsers
	r.UniqueUsers += delta.ActiveUsers
	r.CacheSavingsUSD += delta.CacheSavingsUSD
	if delta.ModelName != "" {
		r.ModelName = delta.ModelName
	}
	if delta.Provider != "" {
		r.Provider = delta.Provider
	}
	return writeJSONAtomic(path, &r)
}

// CreateActiveMarker creates the marker file exclusively. TTL is
// ignored in file mode; markers are scoped by period key so they age
// out naturally.
func (c *CostBackend) CreateActiveMarker(ctx context.Context, scope, userID string, ttl time.Duration) error {
	name := fmt.Sprintf("%s_%s", store.SanitizeModelID(scope), userID)
	f, err := os.OpenFile(filepath.Join(c.root, "markers", name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return store.ErrMarkerExists
		}
		return err
	}
	return f.Close()
}

// PutCostRecord appends one per-message row as its own file.
func (c *CostBackend) PutCostRecord(ctx context.Context, rec *store.CostRecord) error {
	return writeJSONAtomic(filepath.Join(c.root, "records", rec.RecordID+".json"), rec)
}

// GetUserSummary reads the monthly summary, nil when the user has no
// usage in the period.
func (c *CostBackend) GetUserSummary(ctx context.Context, userID, period string) (*store.UserCostSummary, error) {
	var s store.UserCostSummary
	err := readJSON(c.summaryPath(userID, period), &s)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// QueryCostRecords scans record files for the user inside the window.
func (c *CostBackend) QueryCostRecords(ctx context.Context, userID string, from, to time.Time) ([]store.CostRecord, error) {
	entries, err := os.ReadDir(filepath.Join(c.root, "records"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []store.CostRecord
	for _, e := range entries {
		var rec store.CostRecord
		if err := readJSON(filepath.Join(c.root, "records", e.Name()), &rec); err != nil {
			continue
		}
		if rec.UserID != userID {
			continue
		}
		if rec.Timestamp.Before(from) || rec.Timestamp.After(to) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// GetRollup reads one rollup row, nil when absent.
func (c *CostBackend) GetRollup(ctx context.Context, family, key string) (*store.SystemRollup, error) {
	var r store.SystemRollup
	err := readJSON(c.rollupPath(family, key), &r)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}
