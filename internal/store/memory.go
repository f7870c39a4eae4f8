package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MLidstrom/Castellan-sub009/internal/core"
)

// MemoryEventStore is an in-memory EventStore with the same ordering and
// idempotence semantics as the SQL store. Used in tests and by hosts that
// run without persistence.
type MemoryEventStore struct {
	mu       sync.RWMutex
	events   []*core.SecurityEvent // insertion order
	byID     map[string]*core.SecurityEvent
	byUnique map[string]struct{}
}

// NewMemoryEventStore creates an empty in-memory store.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{
		byID:     make(map[string]*core.SecurityEvent),
		byUnique: make(map[string]struct{}),
	}
}

// Add commits an event; duplicates on unique_id are dropped.
func (s *MemoryEventStore) Add(_ context.Context, ev *core.SecurityEvent) error {
	if err := validateEvent(ev); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.byUnique[ev.Original.UniqueID]; dup {
		return nil
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}

	clone := *ev
	s.events = append(s.events, &clone)
	s.byID[clone.ID] = &clone
	s.byUnique[clone.Original.UniqueID] = struct{}{}
	return nil
}

// Update rewrites a committed event in place.
func (s *MemoryEventStore) Update(_ context.Context, ev *core.SecurityEvent) error {
	if err := validateEvent(ev); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.byID[ev.ID]
	if !ok {
		return fmt.Errorf("update event %s: %w", ev.ID, ErrNotFound)
	}
	*existing = *ev
	return nil
}

// Get returns one page, newest first, ties by insertion order.
func (s *MemoryEventStore) Get(_ context.Context, page, pageSize int, filters map[string]string) ([]*core.SecurityEvent, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}

	matched, err := s.match(filters)
	if err != nil {
		return nil, err
	}

	start := (page - 1) * pageSize
	if start >= len(matched) {
		return nil, nil
	}
	end := start + pageSize
	if end > len(matched) {
		end = len(matched)
	}

	out := make([]*core.SecurityEvent, 0, end-start)
	for _, ev := range matched[start:end] {
		clone := *ev
		out = append(out, &clone)
	}
	return out, nil
}

// GetByID fetches a single event.
func (s *MemoryEventStore) GetByID(_ context.Context, id string) (*core.SecurityEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ev, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	clone := *ev
	return &clone, nil
}

// Count returns the number of matching events.
func (s *MemoryEventStore) Count(_ context.Context, filters map[string]string) (int, error) {
	matched, err := s.match(filters)
	if err != nil {
		return 0, err
	}
	return len(matched), nil
}

func (s *MemoryEventStore) match(filters map[string]string) ([]*core.SecurityEvent, error) {
	var fromTime, toTime time.Time
	var err error
	if v, ok := filters[FilterFromTime]; ok {
		if fromTime, err = time.Parse(time.RFC3339, v); err != nil {
			return nil, fmt.Errorf("filter from_time %q: %w", v, err)
		}
	}
	if v, ok := filters[FilterToTime]; ok {
		if toTime, err = time.Parse(time.RFC3339, v); err != nil {
			return nil, fmt.Errorf("filter to_time %q: %w", v, err)
		}
	}
	for key := range filters {
		switch key {
		case FilterEventType, FilterRiskLevel, FilterHost, FilterUser,
			FilterFromTime, FilterToTime, FilterHasCorrelation:
		default:
			return nil, fmt.Errorf("unrecognized filter key %q", key)
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*core.SecurityEvent
	for _, ev := range s.events {
		if v, ok := filters[FilterEventType]; ok && string(ev.EventType) != v {
			continue
		}
		if v, ok := filters[FilterRiskLevel]; ok && string(ev.RiskLevel) != v {
			continue
		}
		if v, ok := filters[FilterHost]; ok && ev.Original.Host != v {
			continue
		}
		if v, ok := filters[FilterUser]; ok && ev.Original.User != v {
			continue
		}
		if !fromTime.IsZero() && ev.Original.Time.Before(fromTime) {
			continue
		}
		if !toTime.IsZero() && ev.Original.Time.After(toTime) {
			continue
		}
		if v, ok := filters[FilterHasCorrelation]; ok {
			want := v == "true" || v == "1"
			if (len(ev.CorrelationIDs) > 0) != want {
				continue
			}
		}
		matched = append(matched, ev)
	}

	// Newest first; stable sort keeps insertion order for equal times.
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Original.Time.After(matched[j].Original.Time)
	})
	return matched, nil
}
