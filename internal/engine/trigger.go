package engine

import (
	"sync"
	"time"
)

// Reason says why a drain cycle was requested.
type Reason string

const (
	// ReasonStartup is the cycle run when the orchestrator starts.
	ReasonStartup Reason = "startup"
	// ReasonOnline follows an offline → online transition.
	ReasonOnline Reason = "online"
	// ReasonPeriodic is fired by the sync interval ticker.
	ReasonPeriodic Reason = "periodic"
	// ReasonUser is an explicit user refresh.
	ReasonUser Reason = "user"
	// ReasonEnqueue nudges the orchestrator after a local write.
	ReasonEnqueue Reason = "enqueue"
)

// Trigger is a request for a drain cycle.
type Trigger struct {
	Reason Reason
	At     time.Time
}

// triggerQueue is a thread-safe FIFO of cycle requests.
//
// Any goroutine may enqueue; only the Run loop dequeues. A buffered signal
// channel of size 1 lets the loop wait with select alongside its context,
// ticker and connectivity subscription.
type triggerQueue struct {
	mu       sync.Mutex
	triggers []Trigger
	closed   bool
	signal   chan struct{}
}

func newTriggerQueue() *triggerQueue {
	return &triggerQueue{
		triggers: make([]Trigger, 0, 8),
		signal:   make(chan struct{}, 1),
	}
}

// Enqueue adds t to the back of the queue.
// Returns false if the queue is closed.
func (q *triggerQueue) Enqueue(t Trigger) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.triggers = append(q.triggers, t)

	// Non-blocking; the buffer of 1 coalesces signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front trigger without blocking.
func (q *triggerQueue) TryDequeue() (Trigger, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.triggers) == 0 {
		return Trigger{}, false
	}
	t := q.triggers[0]
	if len(q.triggers) == 1 {
		q.triggers = q.triggers[:0]
	} else {
		q.triggers = q.triggers[1:]
	}
	return t, true
}

// DrainAll removes and returns every queued trigger. Triggers that piled up
// while a cycle ran are served by a single follow-up cycle.
func (q *triggerQueue) DrainAll() []Trigger {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.triggers) == 0 {
		return nil
	}
	out := make([]Trigger, len(q.triggers))
	copy(out, q.triggers)
	q.triggers = q.triggers[:0]
	return out
}

// Wait returns a channel that signals when triggers may be available.
// It is closed by Close.
func (q *triggerQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued triggers.
func (q *triggerQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.triggers)
}

// Closed reports whether Close was called.
func (q *triggerQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close stops accepting triggers and wakes the waiter.
func (q *triggerQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
