package bookmark

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MLidstrom/Castellan-sub009/internal/core"
	"github.com/MLidstrom/Castellan-sub009/internal/store"
)

const redisKeyPrefix = "castellan:bookmark:"

// RedisStore keeps bookmarks in Redis for hosts that already run one.
// Same contract as the SQL store; tokens survive byte-for-byte.
type RedisStore struct {
	rdb    *redis.Client
	logger *log.Logger
}

// NewRedisStore connects to Redis and verifies connectivity before
// returning; the caller decides whether to fall back to the SQL store.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	return &RedisStore{
		rdb:    rdb,
		logger: log.New(log.Writer(), "[BookmarkStore:Redis] ", log.LstdFlags),
	}, nil
}

// Close shuts down the underlying redis client.
func (s *RedisStore) Close() error { return s.rdb.Close() }

type redisBookmark struct {
	Token       string `json:"token"` // base64
	LastUpdated int64  `json:"last_updated"`
}

func (s *RedisStore) key(channel string) string { return redisKeyPrefix + channel }

// Load returns the channel's bookmark, or nil when absent or corrupt.
func (s *RedisStore) Load(ctx context.Context, channel string) (*core.EventBookmark, error) {
	raw, err := s.rdb.Get(ctx, s.key(channel)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load bookmark %s: %v", store.ErrStorageUnavailable, channel, err)
	}

	var rb redisBookmark
	if err := json.Unmarshal(raw, &rb); err != nil {
		s.logger.Printf("Corrupt bookmark for channel %s, resuming from tail: %v", channel, err)
		return nil, nil
	}
	token, err := base64.StdEncoding.DecodeString(rb.Token)
	if err != nil {
		s.logger.Printf("Corrupt bookmark token for channel %s, resuming from tail: %v", channel, err)
		return nil, nil
	}

	return &core.EventBookmark{
		Channel:     channel,
		Token:       token,
		LastUpdated: time.Unix(0, rb.LastUpdated),
	}, nil
}

// Save upserts the channel's bookmark. Last writer wins.
func (s *RedisStore) Save(ctx context.Context, channel string, token []byte) error {
	raw, err := json.Marshal(redisBookmark{
		Token:       base64.StdEncoding.EncodeToString(token),
		LastUpdated: time.Now().UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("marshal bookmark %s: %w", channel, err)
	}
	if err := s.rdb.Set(ctx, s.key(channel), raw, 0).Err(); err != nil {
		return fmt.Errorf("%w: save bookmark %s: %v", store.ErrStorageUnavailable, channel, err)
	}
	return nil
}

// Delete removes the channel's bookmark.
func (s *RedisStore) Delete(ctx context.Context, channel string) error {
	if err := s.rdb.Del(ctx, s.key(channel)).Err(); err != nil {
		return fmt.Errorf("%w: delete bookmark %s: %v", store.ErrStorageUnavailable, channel, err)
	}
	return nil
}

// Exists reports whether the channel has a bookmark.
func (s *RedisStore) Exists(ctx context.Context, channel string) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.key(channel)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: bookmark exists %s: %v", store.ErrStorageUnavailable, channel, err)
	}
	return n > 0, nil
}

// LastUpdated returns the timestamp of the last successful save.
func (s *RedisStore) LastUpdated(ctx context.Context, channel string) (time.Time, error) {
	bm, err := s.Load(ctx, channel)
	if err != nil {
		return time.Time{}, err
	}
	if bm == nil {
		return time.Time{}, nil
	}
	return bm.LastUpdated, nil
}
