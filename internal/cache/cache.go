// Package cache keeps versioned, timestamped snapshots of server data and
// serves them stale-but-available when the server cannot be reached.
//
// Entries are never evicted by age. An expired entry is still returned; the
// caller decides whether to show it with a freshness hint. Only Delete and
// Clear remove entries.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/roach88/shelfsync/internal/model"
)

// DefaultTTL is the freshness window of an entry when none is configured.
const DefaultTTL = 5 * time.Minute

// AnyVersion disables the optimistic version check of Set.
const AnyVersion int64 = -1

var (
	// ErrVersionConflict is returned by Set when the stored version differs
	// from the version the caller read.
	ErrVersionConflict = errors.New("cache entry version conflict")

	// ErrUnchanged may be returned by a MutateFunc to skip the write.
	ErrUnchanged = errors.New("cache entry unchanged")
)

// Backend persists cache entries. *store.Store implements it.
type Backend interface {
	GetCacheEntry(ctx context.Context, key string) (model.CacheEntry, bool, error)
	PutCacheEntry(ctx context.Context, e model.CacheEntry) error
	DeleteCacheEntry(ctx context.Context, key string) error
	ClearCache(ctx context.Context) error
}

// Entry is a cache entry as seen at read time.
type Entry struct {
	model.CacheEntry

	// Expired is IsExpired evaluated against the cache clock at read time.
	Expired bool
}

// LoadFunc fetches fresh data for a key from the server.
type LoadFunc func(ctx context.Context) (any, error)

// ReconcileFunc rewrites freshly loaded data before it is stored, reporting
// whether the result still carries unconfirmed local changes.
type ReconcileFunc func(ctx context.Context, data json.RawMessage) (json.RawMessage, bool, error)

// MutateFunc edits an entry in place. found is false when no entry existed;
// e then has only its Key set.
type MutateFunc func(e *model.CacheEntry, found bool) error

// Cache is a keyed store of server snapshots.
// Safe for concurrent use.
type Cache struct {
	backend Backend
	clock   model.Clock
	ttl     time.Duration
	logger  *slog.Logger

	// mu serializes read-modify-write cycles on entries.
	mu    sync.Mutex
	group singleflight.Group
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock sets the clock used for fetchedAt and expiry.
func WithClock(c model.Clock) Option {
	return func(cc *Cache) { cc.clock = c }
}

// WithTTL sets the freshness window of newly written entries.
func WithTTL(ttl time.Duration) Option {
	return func(cc *Cache) { cc.ttl = ttl }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(cc *Cache) { cc.logger = l }
}

// New creates a cache over backend.
func New(backend Backend, opts ...Option) *Cache {
	c := &Cache{
		backend: backend,
		clock:   model.SystemClock{},
		ttl:     DefaultTTL,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL returns the configured freshness window.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Get returns the entry under key. The bool is false when none exists.
func (c *Cache) Get(ctx context.Context, key string) (Entry, bool, error) {
	e, ok, err := c.backend.GetCacheEntry(ctx, key)
	if err != nil || !ok {
		return Entry{}, ok, err
	}
	return c.view(e), true, nil
}

// GetAs returns the entry under key with its data decoded into T.
func GetAs[T any](ctx context.Context, c *Cache, key string) (T, Entry, bool, error) {
	var zero T
	e, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return zero, e, ok, err
	}
	v, err := Decode[T](e)
	if err != nil {
		return zero, e, true, err
	}
	return v, e, true, nil
}

// Decode decodes the data of e into T.
func Decode[T any](e Entry) (T, error) {
	var v T
	if err := json.Unmarshal(e.Data, &v); err != nil {
		return v, fmt.Errorf("decode cache entry %q: %w", e.Key, err)
	}
	return v, nil
}

// Set writes server-confirmed data under key and returns the new version.
//
// When expectedVersion is not AnyVersion the write only succeeds if the
// stored version (0 for a missing entry) equals it; otherwise
// ErrVersionConflict is returned and nothing is written. The entry is
// marked fresh and not stale. PendingSync is cleared unless reconcile
// reports outstanding local changes.
func (c *Cache) Set(ctx context.Context, key string, data any, expectedVersion int64, reconcile ReconcileFunc) (int64, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("set %q: %w", key, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	prev, _, err := c.backend.GetCacheEntry(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("set %q: %w", key, err)
	}
	if expectedVersion != AnyVersion && prev.Version != expectedVersion {
		return 0, fmt.Errorf("set %q: have version %d, expected %d: %w",
			key, prev.Version, expectedVersion, ErrVersionConflict)
	}

	e, err := c.confirmed(ctx, key, raw, prev.Version, reconcile)
	if err != nil {
		return 0, fmt.Errorf("set %q: %w", key, err)
	}
	return e.Version, nil
}

// Mutate runs a read-modify-write of the entry under key. The version is
// bumped; fetchedAt is kept so an optimistic edit does not make data look
// fresher than the server copy it was derived from.
func (c *Cache) Mutate(ctx context.Context, key string, fn MutateFunc) (Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, found, err := c.backend.GetCacheEntry(ctx, key)
	if err != nil {
		return Entry{}, fmt.Errorf("mutate %q: %w", key, err)
	}
	if !found {
		e = model.CacheEntry{Key: key, TTL: c.ttl}
	}

	prevVersion := e.Version
	if err := fn(&e, found); err != nil {
		if errors.Is(err, ErrUnchanged) {
			return c.view(e), nil
		}
		return Entry{}, fmt.Errorf("mutate %q: %w", key, err)
	}

	e.Key = key
	e.Version = prevVersion + 1
	if err := c.backend.PutCacheEntry(ctx, e); err != nil {
		return Entry{}, fmt.Errorf("mutate %q: %w", key, err)
	}
	return c.view(e), nil
}

// Fetch is a read-through load of key. A fresh entry is returned as is.
// Otherwise load runs once across concurrent callers and its result
// replaces the entry. If load fails and an entry exists, that entry is
// returned with Stale set and no error; its data is untouched. Without a
// previous entry the load error is returned.
func (c *Cache) Fetch(ctx context.Context, key string, load LoadFunc, reconcile ReconcileFunc) (Entry, error) {
	e, ok, err := c.Get(ctx, key)
	if err != nil {
		return Entry{}, fmt.Errorf("fetch %q: %w", key, err)
	}
	if ok && !e.Expired {
		return e, nil
	}
	return c.Refresh(ctx, key, load, reconcile)
}

// Refresh is Fetch without the freshness shortcut.
func (c *Cache) Refresh(ctx context.Context, key string, load LoadFunc, reconcile ReconcileFunc) (Entry, error) {
	v, err, shared := c.group.Do(key, func() (any, error) {
		return c.refresh(ctx, key, load, reconcile)
	})
	if err != nil {
		return Entry{}, err
	}
	if shared {
		c.logger.Debug("cache load shared", "key", key)
	}
	return v.(Entry), nil
}

// loadRounds bounds how often refresh loads when local writes keep
// landing during the load.
const loadRounds = 2

func (c *Cache) refresh(ctx context.Context, key string, load LoadFunc, reconcile ReconcileFunc) (Entry, error) {
	for round := 1; ; round++ {
		before, _, err := c.backend.GetCacheEntry(ctx, key)
		if err != nil {
			return Entry{}, fmt.Errorf("fetch %q: %w", key, err)
		}

		data, loadErr := load(ctx)

		var raw json.RawMessage
		if loadErr == nil {
			b, err := json.Marshal(data)
			if err != nil {
				return Entry{}, fmt.Errorf("fetch %q: %w", key, err)
			}
			raw = b
		}

		e, moved, err := c.commit(ctx, key, raw, loadErr, before.Version, round < loadRounds, reconcile)
		if moved {
			c.logger.Debug("cache entry changed during load, reloading", "key", key, "round", round)
			continue
		}
		return e, err
	}
}

// commit writes the outcome of one load. With recheck set, a load whose
// entry version moved while it ran is dropped and moved is true: a local
// write such as a confirmed queue item may have landed after the server
// answered.
func (c *Cache) commit(ctx context.Context, key string, raw json.RawMessage, loadErr error, before int64, recheck bool, reconcile ReconcileFunc) (Entry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev, found, err := c.backend.GetCacheEntry(ctx, key)
	if err != nil {
		return Entry{}, false, fmt.Errorf("fetch %q: %w", key, err)
	}

	if loadErr != nil {
		if !found {
			return Entry{}, false, fmt.Errorf("fetch %q: %w", key, loadErr)
		}
		prev.Stale = true
		prev.LastRefreshError = loadErr.Error()
		if err := c.backend.PutCacheEntry(ctx, prev); err != nil {
			return Entry{}, false, fmt.Errorf("fetch %q: mark stale: %w", key, err)
		}
		c.logger.Warn("serving stale cache entry",
			"key", key,
			"version", prev.Version,
			"fetched_at", prev.FetchedAt,
			"error", loadErr,
		)
		return c.view(prev), false, nil
	}

	if recheck && prev.Version != before {
		return Entry{}, true, nil
	}

	e, err := c.confirmed(ctx, key, raw, prev.Version, reconcile)
	if err != nil {
		return Entry{}, false, fmt.Errorf("fetch %q: %w", key, err)
	}
	return c.view(e), false, nil
}

// confirmed writes server data as the new version. Caller holds c.mu.
func (c *Cache) confirmed(ctx context.Context, key string, raw json.RawMessage, prevVersion int64, reconcile ReconcileFunc) (model.CacheEntry, error) {
	pending := false
	if reconcile != nil {
		var err error
		raw, pending, err = reconcile(ctx, raw)
		if err != nil {
			return model.CacheEntry{}, fmt.Errorf("reconcile: %w", err)
		}
	}

	e := model.CacheEntry{
		Key:         key,
		Data:        raw,
		FetchedAt:   c.clock.Now(),
		TTL:         c.ttl,
		Version:     prevVersion + 1,
		PendingSync: pending,
	}
	if err := c.backend.PutCacheEntry(ctx, e); err != nil {
		return model.CacheEntry{}, err
	}
	return e, nil
}

// MarkStale flags the entry under key as stale without touching its data.
// Missing entries are ignored.
func (c *Cache) MarkStale(ctx context.Context, key string, cause error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, found, err := c.backend.GetCacheEntry(ctx, key)
	if err != nil {
		return fmt.Errorf("mark stale %q: %w", key, err)
	}
	if !found {
		return nil
	}
	e.Stale = true
	if cause != nil {
		e.LastRefreshError = cause.Error()
	}
	if err := c.backend.PutCacheEntry(ctx, e); err != nil {
		return fmt.Errorf("mark stale %q: %w", key, err)
	}
	return nil
}

// Delete removes the entry under key.
func (c *Cache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.backend.DeleteCacheEntry(ctx, key); err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

// Clear removes every entry.
func (c *Cache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.backend.ClearCache(ctx); err != nil {
		return fmt.Errorf("clear: %w", err)
	}
	return nil
}

func (c *Cache) view(e model.CacheEntry) Entry {
	return Entry{CacheEntry: e, Expired: e.IsExpired(c.clock.Now())}
}
