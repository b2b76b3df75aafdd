package engine

import (
	"errors"
	"fmt"
)

// ErrCycleInProgress is returned by Drain when another cycle holds the
// drain lock.
var ErrCycleInProgress = errors.New("sync cycle already in progress")

// ItemPanicError records a panic raised while processing one queue item.
// The panic is contained to that item; the cycle continues.
type ItemPanicError struct {
	ItemID string
	Value  any
}

// Error implements the error interface.
func (e *ItemPanicError) Error() string {
	return fmt.Sprintf("panic processing queue item %s: %v", e.ItemID, e.Value)
}

// IsCycleInProgress returns true if err is ErrCycleInProgress.
// Uses errors.Is to handle wrapped errors.
func IsCycleInProgress(err error) bool {
	return errors.Is(err, ErrCycleInProgress)
}

// IsItemPanic returns true if err records a contained item panic.
func IsItemPanic(err error) bool {
	var pe *ItemPanicError
	return errors.As(err, &pe)
}
