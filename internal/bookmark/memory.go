package bookmark

import (
	"context"
	"sync"
	"time"

	"github.com/MLidstrom/Castellan-sub009/internal/core"
)

// MemoryStore is an in-memory bookmark store for tests and for channels
// configured with bookmark persistence "None".
type MemoryStore struct {
	mu        sync.RWMutex
	bookmarks map[string]*core.EventBookmark
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bookmarks: make(map[string]*core.EventBookmark)}
}

func (s *MemoryStore) Load(_ context.Context, channel string) (*core.EventBookmark, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bm, ok := s.bookmarks[channel]
	if !ok {
		return nil, nil
	}
	clone := *bm
	clone.Token = append([]byte(nil), bm.Token...)
	return &clone, nil
}

func (s *MemoryStore) Save(_ context.Context, channel string, token []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.bookmarks[channel] = &core.EventBookmark{
		Channel:     channel,
		Token:       append([]byte(nil), token...),
		LastUpdated: time.Now(),
	}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bookmarks, channel)
	return nil
}

func (s *MemoryStore) Exists(_ context.Context, channel string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.bookmarks[channel]
	return ok, nil
}

func (s *MemoryStore) LastUpdated(_ context.Context, channel string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if bm, ok := s.bookmarks[channel]; ok {
		return bm.LastUpdated, nil
	}
	return time.Time{}, nil
}
