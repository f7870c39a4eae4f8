package correlation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MLidstrom/Castellan-sub009/internal/core"
	"github.com/MLidstrom/Castellan-sub009/internal/store"
)

// Store is the append-only correlation store. Add reports false when the
// correlation duplicates an existing one: same type and event id set within
// the correlation's window.
type Store interface {
	Add(ctx context.Context, c *core.Correlation) (bool, error)
	GetRange(ctx context.Context, from, to time.Time) ([]*core.Correlation, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// dedupKey identifies a correlation by its type and sorted event id set.
func dedupKey(c *core.Correlation) string {
	ids := append([]string(nil), c.EventIDs...)
	sort.Strings(ids)
	sum := sha256.Sum256([]byte(string(c.Type) + ":" + strings.Join(ids, ",")))
	return hex.EncodeToString(sum[:16])
}

// SQLStore persists correlations to the relational backend.
type SQLStore struct {
	db     *store.DB
	logger *log.Logger
}

// NewSQLStore creates the store and its schema.
func NewSQLStore(db *store.DB) (*SQLStore, error) {
	s := &SQLStore{
		db:     db,
		logger: log.New(log.Writer(), "[CorrelationStore] ", log.LstdFlags),
	}
	schema := `
	CREATE TABLE IF NOT EXISTS correlations (
		id           TEXT PRIMARY KEY,
		ctype        TEXT NOT NULL,
		dedup_key    TEXT NOT NULL,
		detected_at  BIGINT NOT NULL,
		window_nanos BIGINT NOT NULL,
		payload      TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_correlations_detected ON correlations(detected_at);
	CREATE INDEX IF NOT EXISTS idx_correlations_dedup ON correlations(dedup_key);`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create correlations schema: %w", err)
	}
	return s, nil
}

// Add appends a correlation unless a duplicate exists within its window.
func (s *SQLStore) Add(ctx context.Context, c *core.Correlation) (bool, error) {
	key := dedupKey(c)
	since := c.DetectedAt.Add(-c.TimeWindow).UnixNano()

	dupQuery := s.db.Rebind(`
		SELECT COUNT(*) FROM correlations
		WHERE dedup_key = ? AND detected_at >= ?`)
	var dups int
	if err := s.db.QueryRowContext(ctx, dupQuery, key, since).Scan(&dups); err != nil {
		return false, fmt.Errorf("%w: correlation dedup check: %v", store.ErrStorageUnavailable, err)
	}
	if dups > 0 {
		return false, nil
	}

	payload, err := json.Marshal(c)
	if err != nil {
		return false, fmt.Errorf("marshal correlation %s: %w", c.ID, err)
	}

	insert := s.db.Rebind(`
		INSERT INTO correlations (id, ctype, dedup_key, detected_at, window_nanos, payload)
		VALUES (?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, insert,
		c.ID, string(c.Type), key, c.DetectedAt.UnixNano(), int64(c.TimeWindow), string(payload))
	if err != nil {
		return false, fmt.Errorf("%w: add correlation %s: %v", store.ErrStorageUnavailable, c.ID, err)
	}
	return true, nil
}

// GetRange returns correlations with detected_at in [from, to], oldest first.
func (s *SQLStore) GetRange(ctx context.Context, from, to time.Time) ([]*core.Correlation, error) {
	query := s.db.Rebind(`
		SELECT payload FROM correlations
		WHERE detected_at >= ? AND detected_at <= ?
		ORDER BY detected_at ASC`)

	rows, err := s.db.QueryContext(ctx, query, from.UnixNano(), to.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("%w: query correlations: %v", store.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var out []*core.Correlation
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("%w: scan correlation: %v", store.ErrStorageUnavailable, err)
		}
		var c core.Correlation
		if err := json.Unmarshal([]byte(payload), &c); err != nil {
			s.logger.Printf("Skipping corrupt correlation row: %v", err)
			continue
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// DeleteOlderThan removes correlations detected before the cutoff and
// returns how many were removed.
func (s *SQLStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	query := s.db.Rebind(`DELETE FROM correlations WHERE detected_at < ?`)
	res, err := s.db.ExecContext(ctx, query, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("%w: cleanup correlations: %v", store.ErrStorageUnavailable, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// MemoryStore is the in-memory Store used in tests.
type MemoryStore struct {
	mu   sync.Mutex
	rows []*core.Correlation
	keys map[string]time.Time // dedup key -> latest detected_at
}

// NewMemoryStore creates an empty in-memory correlation store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]time.Time)}
}

func (s *MemoryStore) Add(_ context.Context, c *core.Correlation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := dedupKey(c)
	if prev, ok := s.keys[key]; ok && !prev.Before(c.DetectedAt.Add(-c.TimeWindow)) {
		return false, nil
	}

	clone := *c
	s.rows = append(s.rows, &clone)
	s.keys[key] = c.DetectedAt
	return true, nil
}

func (s *MemoryStore) GetRange(_ context.Context, from, to time.Time) ([]*core.Correlation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*core.Correlation
	for _, c := range s.rows {
		if c.DetectedAt.Before(from) || c.DetectedAt.After(to) {
			continue
		}
		clone := *c
		out = append(out, &clone)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out, nil
}

func (s *MemoryStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.rows[:0]
	removed := 0
	for _, c := range s.rows {
		if c.DetectedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, c)
	}
	s.rows = kept
	return removed, nil
}
