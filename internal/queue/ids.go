package queue

import "github.com/google/uuid"

// IDGenerator mints queue item IDs. IDs double as Idempotency-Key values,
// so they must be unique across devices.
type IDGenerator interface {
	NewID() string
}

// UUIDv7 generates time-sortable UUIDv7 item IDs.
//
// Thread-safety: UUIDv7 is stateless and safe for concurrent use.
type UUIDv7 struct{}

// NewID returns a new hyphenated UUIDv7.
//
// Panics if UUID generation fails (should never happen in practice).
func (UUIDv7) NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}
