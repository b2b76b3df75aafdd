package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/shelfsync/internal/model"
)

// createTestStore creates a new store in a temporary directory for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestItem creates a pending stock adjustment item with a valid hash.
func createTestItem(t *testing.T, id string, seq int64, productID, delta int64) model.QueueItem {
	t.Helper()
	payload, hash, err := model.EncodeMutation(model.AdjustStock{ProductID: productID, Delta: delta})
	if err != nil {
		t.Fatalf("EncodeMutation() failed: %v", err)
	}
	return model.QueueItem{
		ID:          id,
		Seq:         seq,
		Kind:        model.KindAdjustStock,
		Payload:     payload,
		PayloadHash: hash,
		Status:      model.StatusPending,
		CreatedAt:   time.UnixMilli(1_700_000_000_000).UTC(),
	}
}
