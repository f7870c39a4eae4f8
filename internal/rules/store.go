// Package rules holds the deterministic detection table: ordered
// SecurityEventRules keyed by (channel, event id), a positive cache with
// explicit invalidation, and the normalizer that applies the table to
// incoming log events.
package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/MLidstrom/Castellan-sub009/internal/core"
	"github.com/MLidstrom/Castellan-sub009/internal/store"
)

// ErrRuleConflict signals an attempt to create or update a rule that would
// duplicate (channel, event_id, priority). The caller must resolve.
var ErrRuleConflict = errors.New("rule conflict")

// Store is the ordered, cached rule table. Rules are ordered by priority
// DESC then event id ASC; only enabled rules participate in matching.
// The cache holds the full enabled set and is invalidated on any mutation.
type Store struct {
	db     *store.DB
	logger *log.Logger

	mu    sync.RWMutex
	cache []core.SecurityEventRule // nil means invalidated
}

// NewStore creates the store and its schema. An empty table serves the
// built-in default rule set until rules are persisted.
func NewStore(db *store.DB) (*Store, error) {
	s := &Store{
		db:     db,
		logger: log.New(log.Writer(), "[RuleStore] ", log.LstdFlags),
	}
	schema := `
	CREATE TABLE IF NOT EXISTS security_event_rules (
		channel  TEXT NOT NULL,
		event_id INTEGER NOT NULL,
		priority INTEGER NOT NULL,
		enabled  INTEGER NOT NULL,
		payload  TEXT NOT NULL,
		PRIMARY KEY (channel, event_id, priority)
	);`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create security_event_rules schema: %w", err)
	}
	return s, nil
}

// List returns the enabled rules in match order. Reads hit the cache within
// one invalidation window; a miss repopulates from storage under a single
// in-flight loader.
func (s *Store) List(ctx context.Context) ([]core.SecurityEventRule, error) {
	s.mu.RLock()
	cached := s.cache
	s.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Another loader may have repopulated while we waited.
	if s.cache != nil {
		return s.cache, nil
	}

	rules, err := s.loadEnabled(ctx)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		rules = DefaultRules()
		sortRules(rules)
	}
	s.cache = rules
	return rules, nil
}

// Match resolves (channel, event id) against the enabled rules; first match
// in order wins.
func (s *Store) Match(ctx context.Context, channel string, eventID int) (*core.SecurityEventRule, error) {
	rules, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range rules {
		if rules[i].Channel == channel && rules[i].EventID == eventID {
			rule := rules[i]
			return &rule, nil
		}
	}
	return nil, nil
}

// Create persists a new rule. Duplicate (channel, event_id, priority) is a
// conflict.
func (s *Store) Create(ctx context.Context, rule core.SecurityEventRule) error {
	payload, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("marshal rule: %w", err)
	}

	query := s.db.Rebind(`
		INSERT INTO security_event_rules (channel, event_id, priority, enabled, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (channel, event_id, priority) DO NOTHING`)

	res, err := s.db.ExecContext(ctx, query,
		rule.Channel, rule.EventID, rule.Priority, boolInt(rule.Enabled), string(payload))
	if err != nil {
		return fmt.Errorf("%w: create rule: %v", store.ErrStorageUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: (%s, %d, %d)", ErrRuleConflict, rule.Channel, rule.EventID, rule.Priority)
	}

	s.invalidate()
	return nil
}

// Update rewrites the rule identified by (channel, event_id, priority).
func (s *Store) Update(ctx context.Context, rule core.SecurityEventRule) error {
	payload, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("marshal rule: %w", err)
	}

	query := s.db.Rebind(`
		UPDATE security_event_rules SET enabled = ?, payload = ?
		WHERE channel = ? AND event_id = ? AND priority = ?`)

	res, err := s.db.ExecContext(ctx, query,
		boolInt(rule.Enabled), string(payload), rule.Channel, rule.EventID, rule.Priority)
	if err != nil {
		return fmt.Errorf("%w: update rule: %v", store.ErrStorageUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rule (%s, %d, %d): %w", rule.Channel, rule.EventID, rule.Priority, store.ErrNotFound)
	}

	s.invalidate()
	return nil
}

// Delete removes the rule identified by (channel, event_id, priority).
func (s *Store) Delete(ctx context.Context, channel string, eventID, priority int) error {
	query := s.db.Rebind(`
		DELETE FROM security_event_rules
		WHERE channel = ? AND event_id = ? AND priority = ?`)

	if _, err := s.db.ExecContext(ctx, query, channel, eventID, priority); err != nil {
		return fmt.Errorf("%w: delete rule: %v", store.ErrStorageUnavailable, err)
	}

	s.invalidate()
	return nil
}

// Seed persists the default rule set. Existing rows win; only missing
// defaults are inserted.
func (s *Store) Seed(ctx context.Context) error {
	for _, rule := range DefaultRules() {
		err := s.Create(ctx, rule)
		if err != nil && !errors.Is(err, ErrRuleConflict) {
			return err
		}
	}
	s.invalidate()
	return nil
}

func (s *Store) invalidate() {
	s.mu.Lock()
	s.cache = nil
	s.mu.Unlock()
}

func (s *Store) loadEnabled(ctx context.Context) ([]core.SecurityEventRule, error) {
	query := s.db.Rebind(`
		SELECT payload FROM security_event_rules
		WHERE enabled = 1
		ORDER BY priority DESC, event_id ASC, channel ASC`)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: load rules: %v", store.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var rules []core.SecurityEventRule
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("%w: scan rule: %v", store.ErrStorageUnavailable, err)
		}
		var rule core.SecurityEventRule
		if err := json.Unmarshal([]byte(payload), &rule); err != nil {
			s.logger.Printf("Skipping corrupt rule row: %v", err)
			continue
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

func sortRules(rules []core.SecurityEventRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		if rules[i].EventID != rules[j].EventID {
			return rules[i].EventID < rules[j].EventID
		}
		return rules[i].Channel < rules[j].Channel
	})
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
