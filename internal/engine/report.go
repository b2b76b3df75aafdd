package engine

import (
	"time"

	"github.com/roach88/shelfsync/internal/model"
)

// Outcome is what a drain cycle did with one queue item.
type Outcome string

const (
	// OutcomeCompleted means the server confirmed the item.
	OutcomeCompleted Outcome = "completed"
	// OutcomeRetry means the attempt failed transiently; the item is pending.
	OutcomeRetry Outcome = "retry"
	// OutcomeFailed means the item is failed and awaits the user.
	OutcomeFailed Outcome = "failed"
	// OutcomeReleased means the item went back to pending uncounted.
	OutcomeReleased Outcome = "released"
	// OutcomeSkipped means the item was not attempted in this cycle.
	OutcomeSkipped Outcome = "skipped"
)

// ItemOutcome is the result of one item in a cycle.
type ItemOutcome struct {
	ItemID   string     `json:"item_id"`
	Seq      int64      `json:"seq"`
	Kind     model.Kind `json:"kind"`
	Outcome  Outcome    `json:"outcome"`
	Attempts int        `json:"attempts"`
	Error    string     `json:"error,omitempty"`
}

// StopReason says why a cycle ended before its snapshot was exhausted.
type StopReason string

const (
	StopNone               StopReason = ""
	StopOffline            StopReason = "offline"
	StopNetworkUnavailable StopReason = "network_unavailable"
	StopSessionTerminated  StopReason = "session_terminated"
	StopCanceled           StopReason = "canceled"
)

// CycleReport summarizes one drain cycle.
type CycleReport struct {
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Skipped    bool          `json:"skipped"`
	Stopped    StopReason    `json:"stopped,omitempty"`
	Recovered  int           `json:"recovered,omitempty"`
	Items      []ItemOutcome `json:"items"`
	Pending    int           `json:"pending"`
	Failed     int           `json:"failed"`
	Refreshed  bool          `json:"refreshed"`
}

// Count returns the number of items with outcome o.
func (r CycleReport) Count(o Outcome) int {
	n := 0
	for _, it := range r.Items {
		if it.Outcome == o {
			n++
		}
	}
	return n
}
