package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/MLidstrom/Castellan-sub009/internal/core"
)

// Filter keys recognized by Get and Count.
const (
	FilterEventType      = "event_type"
	FilterRiskLevel      = "risk_level"
	FilterHost           = "host"
	FilterUser           = "user"
	FilterFromTime       = "from_time" // RFC3339
	FilterToTime         = "to_time"   // RFC3339
	FilterHasCorrelation = "has_correlation"
)

// EventStore is the pipeline's contract for committed security events.
// Add is idempotent on original.unique_id; reads are ordered by event time
// descending, ties by insertion order.
type EventStore interface {
	Add(ctx context.Context, ev *core.SecurityEvent) error
	Update(ctx context.Context, ev *core.SecurityEvent) error
	Get(ctx context.Context, page, pageSize int, filters map[string]string) ([]*core.SecurityEvent, error)
	GetByID(ctx context.Context, id string) (*core.SecurityEvent, error)
	Count(ctx context.Context, filters map[string]string) (int, error)
}

// SQLEventStore persists security events to the relational backend. Each
// event is stored as a JSON payload plus indexed filter columns, the same
// row shape the rest of the stores use.
type SQLEventStore struct {
	db     *DB
	logger *log.Logger
}

// NewSQLEventStore creates the store and its schema.
func NewSQLEventStore(db *DB) (*SQLEventStore, error) {
	s := &SQLEventStore{
		db:     db,
		logger: log.New(log.Writer(), "[EventStore] ", log.LstdFlags),
	}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLEventStore) init() error {
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS security_events (
		seq             %s,
		id              TEXT NOT NULL UNIQUE,
		unique_id       TEXT NOT NULL UNIQUE,
		event_type      TEXT NOT NULL,
		risk_level      TEXT NOT NULL,
		host            TEXT NOT NULL,
		username        TEXT NOT NULL,
		event_time      BIGINT NOT NULL,
		has_correlation INTEGER NOT NULL DEFAULT 0,
		payload         TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_security_events_time ON security_events(event_time);
	CREATE INDEX IF NOT EXISTS idx_security_events_host ON security_events(host);
	CREATE INDEX IF NOT EXISTS idx_security_events_type ON security_events(event_type);
	`, s.db.Serial())

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create security_events schema: %w", err)
	}
	return nil
}

func validateEvent(ev *core.SecurityEvent) error {
	if ev == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	if ev.Original.UniqueID == "" {
		return fmt.Errorf("%w: missing original.unique_id", ErrInvalidEvent)
	}
	if ev.EventType == "" || ev.EventType == core.EventUnknown {
		return fmt.Errorf("%w: event_type %q", ErrInvalidEvent, ev.EventType)
	}
	return nil
}

// Add commits an event. Redelivery of the same unique_id inserts nothing.
// An empty id is assigned here so the store owns id uniqueness.
func (s *SQLEventStore) Add(ctx context.Context, ev *core.SecurityEvent) error {
	if err := validateEvent(ev); err != nil {
		return err
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("%w: marshal event %s", ErrInvalidEvent, ev.ID)
	}

	query := s.db.Rebind(`
		INSERT INTO security_events
			(id, unique_id, event_type, risk_level, host, username, event_time, has_correlation, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (unique_id) DO NOTHING`)

	err = WithRetry(ctx, func() error {
		res, execErr := s.db.ExecContext(ctx, query,
			ev.ID, ev.Original.UniqueID, string(ev.EventType), string(ev.RiskLevel),
			ev.Original.Host, ev.Original.User, ev.Original.Time.UnixNano(),
			boolToInt(len(ev.CorrelationIDs) > 0), string(payload))
		if execErr != nil {
			return execErr
		}
		if n, _ := res.RowsAffected(); n == 0 {
			s.logger.Printf("Duplicate unique_id %s, skipped", ev.Original.UniqueID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: add event %s: %v", ErrStorageUnavailable, ev.ID, err)
	}
	return nil
}

// Update rewrites an already committed event in place. Used by correlation
// enrichment before downstream delivery.
func (s *SQLEventStore) Update(ctx context.Context, ev *core.SecurityEvent) error {
	if err := validateEvent(ev); err != nil {
		return err
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("%w: marshal event %s", ErrInvalidEvent, ev.ID)
	}

	query := s.db.Rebind(`
		UPDATE security_events
		SET event_type = ?, risk_level = ?, has_correlation = ?, payload = ?
		WHERE id = ?`)

	err = WithRetry(ctx, func() error {
		res, execErr := s.db.ExecContext(ctx, query,
			string(ev.EventType), string(ev.RiskLevel),
			boolToInt(len(ev.CorrelationIDs) > 0), string(payload), ev.ID)
		if execErr != nil {
			return execErr
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
	switch {
	case err == nil:
		return nil
	case err == ErrNotFound:
		return fmt.Errorf("update event %s: %w", ev.ID, ErrNotFound)
	default:
		return fmt.Errorf("%w: update event %s: %v", ErrStorageUnavailable, ev.ID, err)
	}
}

// Get returns one page of events matching the filters, newest first.
// Page numbering starts at 1.
func (s *SQLEventStore) Get(ctx context.Context, page, pageSize int, filters map[string]string) ([]*core.SecurityEvent, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}

	where, args, err := buildFilters(filters)
	if err != nil {
		return nil, err
	}

	query := s.db.Rebind(fmt.Sprintf(`
		SELECT payload FROM security_events %s
		ORDER BY event_time DESC, seq ASC
		LIMIT ? OFFSET ?`, where))
	args = append(args, pageSize, (page-1)*pageSize)

	var events []*core.SecurityEvent
	err = WithRetry(ctx, func() error {
		rows, queryErr := s.db.QueryContext(ctx, query, args...)
		if queryErr != nil {
			return queryErr
		}
		defer rows.Close()

		events = events[:0]
		for rows.Next() {
			var payload string
			if scanErr := rows.Scan(&payload); scanErr != nil {
				return scanErr
			}
			var ev core.SecurityEvent
			if unmarshalErr := json.Unmarshal([]byte(payload), &ev); unmarshalErr != nil {
				s.logger.Printf("Skipping corrupt event row: %v", unmarshalErr)
				continue
			}
			events = append(events, &ev)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("%w: query events: %v", ErrStorageUnavailable, err)
	}
	return events, nil
}

// GetByID fetches a single event.
func (s *SQLEventStore) GetByID(ctx context.Context, id string) (*core.SecurityEvent, error) {
	query := s.db.Rebind(`SELECT payload FROM security_events WHERE id = ?`)

	var ev core.SecurityEvent
	err := WithRetry(ctx, func() error {
		var payload string
		scanErr := s.db.QueryRowContext(ctx, query, id).Scan(&payload)
		if scanErr == sql.ErrNoRows {
			return ErrNotFound
		}
		if scanErr != nil {
			return scanErr
		}
		return json.Unmarshal([]byte(payload), &ev)
	})
	switch {
	case err == nil:
		return &ev, nil
	case err == ErrNotFound:
		return nil, fmt.Errorf("event %s: %w", id, ErrNotFound)
	default:
		return nil, fmt.Errorf("%w: get event %s: %v", ErrStorageUnavailable, id, err)
	}
}

// Count returns the number of events matching the filters.
func (s *SQLEventStore) Count(ctx context.Context, filters map[string]string) (int, error) {
	where, args, err := buildFilters(filters)
	if err != nil {
		return 0, err
	}

	query := s.db.Rebind(fmt.Sprintf(`SELECT COUNT(*) FROM security_events %s`, where))

	var count int
	err = WithRetry(ctx, func() error {
		return s.db.QueryRowContext(ctx, query, args...).Scan(&count)
	})
	if err != nil {
		return 0, fmt.Errorf("%w: count events: %v", ErrStorageUnavailable, err)
	}
	return count, nil
}

// buildFilters translates the recognized filter map into a WHERE clause.
// Unrecognized keys are rejected rather than silently ignored.
func buildFilters(filters map[string]string) (string, []interface{}, error) {
	if len(filters) == 0 {
		return "", nil, nil
	}

	var clauses []string
	var args []interface{}
	for key, value := range filters {
		switch key {
		case FilterEventType:
			clauses = append(clauses, "event_type = ?")
			args = append(args, value)
		case FilterRiskLevel:
			clauses = append(clauses, "risk_level = ?")
			args = append(args, value)
		case FilterHost:
			clauses = append(clauses, "host = ?")
			args = append(args, value)
		case FilterUser:
			clauses = append(clauses, "username = ?")
			args = append(args, value)
		case FilterFromTime:
			t, err := time.Parse(time.RFC3339, value)
			if err != nil {
				return "", nil, fmt.Errorf("filter from_time %q: %w", value, err)
			}
			clauses = append(clauses, "event_time >= ?")
			args = append(args, t.UnixNano())
		case FilterToTime:
			t, err := time.Parse(time.RFC3339, value)
			if err != nil {
				return "", nil, fmt.Errorf("filter to_time %q: %w", value, err)
			}
			clauses = append(clauses, "event_time <= ?")
			args = append(args, t.UnixNano())
		case FilterHasCorrelation:
			want := 0
			if value == "true" || value == "1" {
				want = 1
			}
			clauses = append(clauses, "has_correlation = ?")
			args = append(args, want)
		default:
			return "", nil, fmt.Errorf("unrecognized filter key %q", key)
		}
	}

	where := "WHERE " + clauses[0]
	for _, c := range clauses[1:] {
		where += " AND " + c
	}
	return where, args, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
