package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/shelfsync/internal/model"
)

// GetCacheEntry returns the entry stored under key.
// The bool is false when no entry exists.
func (s *Store) GetCacheEntry(ctx context.Context, key string) (model.CacheEntry, bool, error) {
	var (
		e         model.CacheEntry
		data      string
		fetchedAt int64
		ttlMs     int64
		pending   int
		stale     int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT key, data, fetched_at, ttl_ms, version, pending_sync, stale, last_refresh_error
		FROM cache_entries
		WHERE key = ?
	`, key).Scan(&e.Key, &data, &fetchedAt, &ttlMs, &e.Version, &pending, &stale, &e.LastRefreshError)
	if errors.Is(err, sql.ErrNoRows) {
		return model.CacheEntry{}, false, nil
	}
	if err != nil {
		return model.CacheEntry{}, false, fmt.Errorf("get cache entry %q: %w", key, err)
	}

	e.Data = []byte(data)
	e.FetchedAt = fromMillis(fetchedAt)
	e.TTL = time.Duration(ttlMs) * time.Millisecond
	e.PendingSync = pending != 0
	e.Stale = stale != 0
	return e, true, nil
}

// PutCacheEntry inserts or replaces the entry under e.Key.
// Versioning is the caller's concern; the row is written as given.
func (s *Store) PutCacheEntry(ctx context.Context, e model.CacheEntry) error {
	if e.Key == "" {
		return fmt.Errorf("put cache entry: empty key")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_entries
		(key, data, fetched_at, ttl_ms, version, pending_sync, stale, last_refresh_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			data = excluded.data,
			fetched_at = excluded.fetched_at,
			ttl_ms = excluded.ttl_ms,
			version = excluded.version,
			pending_sync = excluded.pending_sync,
			stale = excluded.stale,
			last_refresh_error = excluded.last_refresh_error
	`,
		e.Key,
		string(e.Data),
		toMillis(e.FetchedAt),
		e.TTL.Milliseconds(),
		e.Version,
		boolToInt(e.PendingSync),
		boolToInt(e.Stale),
		e.LastRefreshError,
	)
	if err != nil {
		return fmt.Errorf("put cache entry %q: %w", e.Key, err)
	}
	return nil
}

// DeleteCacheEntry removes the entry under key. Missing keys are not an error.
func (s *Store) DeleteCacheEntry(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete cache entry %q: %w", key, err)
	}
	return nil
}

// ClearCache removes every cache entry.
func (s *Store) ClearCache(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries`); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
