package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// DefaultMaxRetries bounds the attempts of one queue item and of one
// resilient client call.
const DefaultMaxRetries = 3

// Status is the lifecycle state of a queue item.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// CanTransition reports whether the status machine allows s → to.
//
//	pending    → processing
//	processing → completed | pending | failed
//	failed     → pending (manual requeue only)
func (s Status) CanTransition(to Status) bool {
	switch s {
	case StatusPending:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusCompleted || to == StatusPending || to == StatusFailed
	case StatusFailed:
		return to == StatusPending
	default:
		return false
	}
}

// Unconfirmed reports whether an item in this status still carries a local
// effect the server has not confirmed.
func (s Status) Unconfirmed() bool {
	return s == StatusPending || s == StatusProcessing || s == StatusFailed
}

// QueueItem is a persisted, not-yet-confirmed write.
type QueueItem struct {
	ID            string          `json:"id"`
	Seq           int64           `json:"seq"`
	Kind          Kind            `json:"kind"`
	Payload       json.RawMessage `json:"payload"`
	PayloadHash   string          `json:"payload_hash"`
	Status        Status          `json:"status"`
	Attempts      int             `json:"attempts"`
	CreatedAt     time.Time       `json:"created_at"`
	LastAttemptAt time.Time       `json:"last_attempt_at,omitzero"`
	LastError     string          `json:"last_error,omitempty"`

	// Prior is the affected product as cached at enqueue time.
	Prior *Product `json:"prior,omitempty"`
}

// Mutation verifies the payload hash and decodes the typed mutation.
func (it QueueItem) Mutation() (Mutation, error) {
	if got := PayloadHash(it.Kind, it.Payload); got != it.PayloadHash {
		return nil, fmt.Errorf("queue item %s: payload hash mismatch", it.ID)
	}
	return DecodeMutation(it.Kind, it.Payload)
}
