package queue

import "sync/atomic"

// SeqClock is the monotonic logical clock that orders queue items.
//
// Every enqueued item is stamped with a strictly increasing seq. FIFO drain
// order is seq order, never wall-clock order, so a device whose clock jumps
// backwards still replays its writes in the order they were made.
//
// Thread-safety: SeqClock is safe for concurrent use (atomic operations).
type SeqClock struct {
	seq atomic.Int64
}

// NewSeqClock creates a clock starting at 0.
func NewSeqClock() *SeqClock {
	return &SeqClock{}
}

// NewSeqClockAt creates a clock resuming after start.
// Used at startup to continue from the highest persisted seq.
func NewSeqClockAt(start int64) *SeqClock {
	c := &SeqClock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number and increments the clock.
func (c *SeqClock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last issued sequence number.
func (c *SeqClock) Current() int64 {
	return c.seq.Load()
}
