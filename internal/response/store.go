package response

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/MLidstrom/Castellan-sub009/internal/core"
	"github.com/MLidstrom/Castellan-sub009/internal/store"
)

// ActionStore persists response actions through their lifecycle.
type ActionStore interface {
	// Save upserts the action keyed by id.
	Save(ctx context.Context, action *core.ActionExecution) error
	// Get returns the action or store.ErrNotFound.
	Get(ctx context.Context, id string) (*core.ActionExecution, error)
	// ListByStatus returns actions in the given state, oldest first.
	ListByStatus(ctx context.Context, status core.ActionStatus) ([]*core.ActionExecution, error)
	// ListByConversation returns a conversation's actions, newest first.
	ListByConversation(ctx context.Context, conversationID string, limit int) ([]*core.ActionExecution, error)
	// CountPending counts a conversation's pending actions.
	CountPending(ctx context.Context, conversationID string) (int, error)
}

// ====================================================================
// SQL store
// ====================================================================

// SQLActionStore keeps actions in a response_actions table. Queryable
// columns are extracted; the full record rides in the payload column.
type SQLActionStore struct {
	db *store.DB
}

func NewSQLActionStore(ctx context.Context, db *store.DB) (*SQLActionStore, error) {
	s := &SQLActionStore{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate response_actions: %w", err)
	}
	return s, nil
}

func (s *SQLActionStore) migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS response_actions (
		seq             %s,
		id              TEXT NOT NULL UNIQUE,
		conversation_id TEXT NOT NULL,
		action_type     TEXT NOT NULL,
		status          TEXT NOT NULL,
		suggested_at    BIGINT NOT NULL,
		payload         TEXT NOT NULL
	)`, s.db.Serial())
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_actions_conversation ON response_actions (conversation_id, status)`)
	return err
}

func (s *SQLActionStore) Save(ctx context.Context, action *core.ActionExecution) error {
	payload, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("encode action: %w", err)
	}

	query := s.db.Rebind(`INSERT INTO response_actions
		(id, conversation_id, action_type, status, suggested_at, payload)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			payload = excluded.payload`)

	return store.WithRetry(ctx, func() error {
		_, execErr := s.db.ExecContext(ctx, query,
			action.ID, action.ConversationID, action.Type, string(action.Status),
			action.SuggestedAt.UnixNano(), string(payload))
		return execErr
	})
}

func (s *SQLActionStore) Get(ctx context.Context, id string) (*core.ActionExecution, error) {
	query := s.db.Rebind(`SELECT payload FROM response_actions WHERE id = ?`)

	var payload string
	err := store.WithRetry(ctx, func() error {
		return s.db.QueryRowContext(ctx, query, id).Scan(&payload)
	})
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("action %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load action: %w", err)
	}
	return decodeAction(payload)
}

func (s *SQLActionStore) ListByStatus(ctx context.Context, status core.ActionStatus) ([]*core.ActionExecution, error) {
	query := s.db.Rebind(`SELECT payload FROM response_actions
		WHERE status = ? ORDER BY suggested_at ASC, seq ASC`)
	return s.list(ctx, query, string(status))
}

func (s *SQLActionStore) ListByConversation(ctx context.Context, conversationID string, limit int) ([]*core.ActionExecution, error) {
	if limit <= 0 {
		limit = 100
	}
	query := s.db.Rebind(`SELECT payload FROM response_actions
		WHERE conversation_id = ? ORDER BY suggested_at DESC, seq DESC LIMIT ?`)
	return s.list(ctx, query, conversationID, limit)
}

func (s *SQLActionStore) CountPending(ctx context.Context, conversationID string) (int, error) {
	query := s.db.Rebind(`SELECT COUNT(*) FROM response_actions
		WHERE conversation_id = ? AND status = ?`)

	var n int
	err := store.WithRetry(ctx, func() error {
		return s.db.QueryRowContext(ctx, query, conversationID, string(core.ActionPending)).Scan(&n)
	})
	if err != nil {
		return 0, fmt.Errorf("count pending actions: %w", err)
	}
	return n, nil
}

func (s *SQLActionStore) list(ctx context.Context, query string, args ...interface{}) ([]*core.ActionExecution, error) {
	var out []*core.ActionExecution
	err := store.WithRetry(ctx, func() error {
		rows, queryErr := s.db.QueryContext(ctx, query, args...)
		if queryErr != nil {
			return queryErr
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			var payload string
			if scanErr := rows.Scan(&payload); scanErr != nil {
				return scanErr
			}
			action, decErr := decodeAction(payload)
			if decErr != nil {
				return decErr
			}
			out = append(out, action)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	return out, nil
}

func decodeAction(payload string) (*core.ActionExecution, error) {
	var action core.ActionExecution
	if err := json.Unmarshal([]byte(payload), &action); err != nil {
		return nil, fmt.Errorf("decode action: %w", err)
	}
	return &action, nil
}

// ====================================================================
// In-memory store
// ====================================================================

// MemoryActionStore is the in-memory ActionStore used by tests and the
// memory storage mode.
type MemoryActionStore struct {
	mu      sync.RWMutex
	actions map[string]*core.ActionExecution
	order   []string
}

func NewMemoryActionStore() *MemoryActionStore {
	return &MemoryActionStore{actions: make(map[string]*core.ActionExecution)}
}

func (s *MemoryActionStore) Save(_ context.Context, action *core.ActionExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.actions[action.ID]; !ok {
		s.order = append(s.order, action.ID)
	}
	s.actions[action.ID] = cloneAction(action)
	return nil
}

func (s *MemoryActionStore) Get(_ context.Context, id string) (*core.ActionExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	action, ok := s.actions[id]
	if !ok {
		return nil, fmt.Errorf("action %s: %w", id, store.ErrNotFound)
	}
	return cloneAction(action), nil
}

func (s *MemoryActionStore) ListByStatus(_ context.Context, status core.ActionStatus) ([]*core.ActionExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*core.ActionExecution
	for _, id := range s.order {
		if a := s.actions[id]; a.Status == status {
			out = append(out, cloneAction(a))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].SuggestedAt.Before(out[j].SuggestedAt)
	})
	return out, nil
}

func (s *MemoryActionStore) ListByConversation(_ context.Context, conversationID string, limit int) ([]*core.ActionExecution, error) {
	if limit <= 0 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*core.ActionExecution
	for _, id := range s.order {
		if a := s.actions[id]; a.ConversationID == conversationID {
			out = append(out, cloneAction(a))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].SuggestedAt.After(out[j].SuggestedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryActionStore) CountPending(_ context.Context, conversationID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, a := range s.actions {
		if a.ConversationID == conversationID && a.Status == core.ActionPending {
			n++
		}
	}
	return n, nil
}

func cloneAction(a *core.ActionExecution) *core.ActionExecution {
	clone := *a
	if a.ActionData != nil {
		clone.ActionData = make(map[string]interface{}, len(a.ActionData))
		for k, v := range a.ActionData {
			clone.ActionData[k] = v
		}
	}
	if a.ExecutionLog != nil {
		clone.ExecutionLog = append([]core.ActionLogEntry(nil), a.ExecutionLog...)
	}
	if a.ExecutedAt != nil {
		t := *a.ExecutedAt
		clone.ExecutedAt = &t
	}
	if a.RolledBackAt != nil {
		t := *a.RolledBackAt
		clone.RolledBackAt = &t
	}
	return &clone
}

var _ ActionStore = (*SQLActionStore)(nil)
var _ ActionStore = (*MemoryActionStore)(nil)
