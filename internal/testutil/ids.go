package testutil

import (
	"fmt"
	"sync"
)

// SequentialIDs generates predictable queue item IDs.
//
// This enables deterministic test execution and golden trace comparison:
// the same scenario produces the same Idempotency-Key headers every run.
//
// Thread-safety: SequentialIDs is safe for concurrent use via internal mutex.
type SequentialIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialIDs creates a generator returning "<prefix>-0001", "<prefix>-0002", ...
//
// If prefix is empty, "item" is used.
func NewSequentialIDs(prefix string) *SequentialIDs {
	if prefix == "" {
		prefix = "item"
	}
	return &SequentialIDs{prefix: prefix}
}

// NewID returns the next ID.
func (g *SequentialIDs) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%04d", g.prefix, g.n)
}
