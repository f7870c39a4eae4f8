// Package bookmark persists per-channel resume tokens. Tokens are opaque
// bytes and are preserved byte-for-byte; a corrupt or absent bookmark loads
// as none so the watcher starts from the stream's current tail.
package bookmark

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"log"
	"time"

	"github.com/MLidstrom/Castellan-sub009/internal/core"
	"github.com/MLidstrom/Castellan-sub009/internal/store"
)

// Store is the bookmark contract. Load returns (nil, nil) when no bookmark
// exists; saves are last-writer-wins per channel.
type Store interface {
	Load(ctx context.Context, channel string) (*core.EventBookmark, error)
	Save(ctx context.Context, channel string, token []byte) error
	Delete(ctx context.Context, channel string) error
	Exists(ctx context.Context, channel string) (bool, error)
	LastUpdated(ctx context.Context, channel string) (time.Time, error)
}

// SQLStore keeps bookmarks in the relational backend, keyed by channel name.
// Tokens are stored base64-encoded so the row shape is portable across
// sqlite3 and postgres.
type SQLStore struct {
	db     *store.DB
	logger *log.Logger
}

// NewSQLStore creates the store and its schema.
func NewSQLStore(db *store.DB) (*SQLStore, error) {
	s := &SQLStore{
		db:     db,
		logger: log.New(log.Writer(), "[BookmarkStore] ", log.LstdFlags),
	}
	schema := `
	CREATE TABLE IF NOT EXISTS channel_bookmarks (
		channel      TEXT PRIMARY KEY,
		token        TEXT NOT NULL,
		last_updated BIGINT NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create channel_bookmarks schema: %w", err)
	}
	return s, nil
}

// Load returns the channel's bookmark, or nil when absent or corrupt.
func (s *SQLStore) Load(ctx context.Context, channel string) (*core.EventBookmark, error) {
	query := s.db.Rebind(`SELECT token, last_updated FROM channel_bookmarks WHERE channel = ?`)

	var encoded string
	var updatedNanos int64
	err := s.db.QueryRowContext(ctx, query, channel).Scan(&encoded, &updatedNanos)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load bookmark %s: %v", store.ErrStorageUnavailable, channel, err)
	}

	token, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		// BookmarkCorrupt is non-fatal: resume from tail.
		s.logger.Printf("Corrupt bookmark for channel %s, resuming from tail: %v", channel, err)
		return nil, nil
	}

	return &core.EventBookmark{
		Channel:     channel,
		Token:       token,
		LastUpdated: time.Unix(0, updatedNanos),
	}, nil
}

// Save upserts the channel's bookmark. Last writer wins.
func (s *SQLStore) Save(ctx context.Context, channel string, token []byte) error {
	query := s.db.Rebind(`
		INSERT INTO channel_bookmarks (channel, token, last_updated)
		VALUES (?, ?, ?)
		ON CONFLICT (channel) DO UPDATE SET token = excluded.token, last_updated = excluded.last_updated`)

	_, err := s.db.ExecContext(ctx, query,
		channel, base64.StdEncoding.EncodeToString(token), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("%w: save bookmark %s: %v", store.ErrStorageUnavailable, channel, err)
	}
	return nil
}

// Delete removes the channel's bookmark. Deleting a missing bookmark is not
// an error.
func (s *SQLStore) Delete(ctx context.Context, channel string) error {
	query := s.db.Rebind(`DELETE FROM channel_bookmarks WHERE channel = ?`)
	if _, err := s.db.ExecContext(ctx, query, channel); err != nil {
		return fmt.Errorf("%w: delete bookmark %s: %v", store.ErrStorageUnavailable, channel, err)
	}
	return nil
}

// Exists reports whether the channel has a bookmark.
func (s *SQLStore) Exists(ctx context.Context, channel string) (bool, error) {
	query := s.db.Rebind(`SELECT COUNT(*) FROM channel_bookmarks WHERE channel = ?`)
	var count int
	if err := s.db.QueryRowContext(ctx, query, channel).Scan(&count); err != nil {
		return false, fmt.Errorf("%w: bookmark exists %s: %v", store.ErrStorageUnavailable, channel, err)
	}
	return count > 0, nil
}

// LastUpdated returns the timestamp of the last successful save, or the zero
// time when no bookmark exists.
func (s *SQLStore) LastUpdated(ctx context.Context, channel string) (time.Time, error) {
	query := s.db.Rebind(`SELECT last_updated FROM channel_bookmarks WHERE channel = ?`)
	var nanos int64
	err := s.db.QueryRowContext(ctx, query, channel).Scan(&nanos)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bookmark last_updated %s: %v", store.ErrStorageUnavailable, channel, err)
	}
	return time.Unix(0, nanos), nil
}
