// Package store provides the persistence layer for the Castellan pipeline:
// connection handling for the embedded (sqlite3) and server (postgres)
// backends, bounded retry for transient I/O, health probing, and the
// security-event store itself.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const (
	// retryAttempts is the retry budget for transient storage errors.
	retryAttempts = 3
	retryBaseWait = 50 * time.Millisecond

	// DefaultHealthTimeout bounds a single health probe.
	DefaultHealthTimeout = 5 * time.Second
)

// DB wraps a sql.DB with the driver name so stores can rebind placeholders
// for postgres.
type DB struct {
	*sql.DB
	driver string
	logger *log.Logger
}

// Open connects to the configured backend. Driver is "sqlite3" or "postgres".
func Open(driver, dsn string) (*DB, error) {
	raw, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", driver, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), DefaultHealthTimeout)
	defer cancel()
	if err := raw.PingContext(ctx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("ping %s store: %w", driver, err)
	}

	if driver == "sqlite3" {
		// Single writer; sqlite rejects concurrent write transactions.
		raw.SetMaxOpenConns(1)
	}

	return &DB{
		DB:     raw,
		driver: driver,
		logger: log.New(log.Writer(), "[Store] ", log.LstdFlags),
	}, nil
}

// Driver returns the driver name the DB was opened with.
func (d *DB) Driver() string { return d.driver }

// Rebind rewrites ? placeholders to $n for postgres. sqlite3 takes the
// query unchanged.
func (d *DB) Rebind(query string) string {
	if d.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Serial returns the dialect's auto-incrementing primary key column type.
func (d *DB) Serial() string {
	if d.driver == "postgres" {
		return "BIGSERIAL PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

// WithRetry runs fn with bounded exponential backoff. The final error is
// returned untouched so callers can wrap it into the taxonomy.
func WithRetry(ctx context.Context, fn func() error) error {
	wait := retryBaseWait
	var err error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == retryAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	return err
}

// ============================================================================
// HEALTH PROBING
// ============================================================================

// Health probes the store and tracks consecutive failures. A failed probe
// flips the store to Unhealthy until the next successful one.
type Health struct {
	db      *DB
	timeout time.Duration
	logger  *log.Logger

	failures atomic.Int64
	healthy  atomic.Bool
}

// NewHealth creates a health prober with the default 5 s timeout.
func NewHealth(db *DB) *Health {
	h := &Health{
		db:      db,
		timeout: DefaultHealthTimeout,
		logger:  log.New(log.Writer(), "[StoreHealth] ", log.LstdFlags),
	}
	h.healthy.Store(true)
	return h
}

// Probe pings the store. Returns ErrHealthCheckFailed on failure.
func (h *Health) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		n := h.failures.Add(1)
		h.healthy.Store(false)
		h.logger.Printf("Probe failed (consecutive=%d): %v", n, err)
		return fmt.Errorf("%w: %v", ErrHealthCheckFailed, err)
	}

	h.failures.Store(0)
	h.healthy.Store(true)
	return nil
}

// Healthy reports the result of the most recent probe.
func (h *Health) Healthy() bool { return h.healthy.Load() }

// Failures returns the consecutive failure count.
func (h *Health) Failures() int64 { return h.failures.Load() }
