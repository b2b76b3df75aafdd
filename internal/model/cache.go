package model

import (
	"encoding/json"
	"time"
)

// CacheEntry is a keyed, versioned snapshot of server-owned data.
//
// An expired entry is still servable ("stale-but-available"). Only an
// explicit clear removes it.
type CacheEntry struct {
	Key       string          `json:"key"`
	Data      json.RawMessage `json:"data"`
	FetchedAt time.Time       `json:"fetched_at"`
	TTL       time.Duration   `json:"ttl"`

	// Version increments on every write, optimistic or confirmed.
	Version int64 `json:"version"`

	// PendingSync is set while local unconfirmed changes are folded into Data.
	PendingSync bool `json:"pending_sync"`

	// Stale is set when the last refresh failed; Data is untouched.
	Stale            bool   `json:"stale"`
	LastRefreshError string `json:"last_refresh_error,omitempty"`
}

// IsExpired reports now - FetchedAt > TTL.
func (e CacheEntry) IsExpired(now time.Time) bool {
	return now.Sub(e.FetchedAt) > e.TTL
}

// Clock supplies wall-clock time. Tests inject a manual clock.
type Clock interface {
	Now() time.Time
}

// SystemClock reads time.Now.
type SystemClock struct{}

// Now returns the current wall-clock time.
func (SystemClock) Now() time.Time { return time.Now() }
