package state

import (
	"fmt"

	"github.com/PipeOpsHQ/uq-campaign-go/types"
)

var allowedTransitions = map[types.Status][]types.Status{
	types.StatusNew:     {types.StatusEncoded, types.StatusFailed},
	types.StatusEncoded: {types.StatusActive, types.StatusCollated},
	types.StatusActive:  {types.StatusFailed, types.StatusCollated, types.StatusEncoded},
	types.StatusFailed:  {types.StatusEncoded, types.StatusNew},
}

func CanTransition(from, to types.Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type TransitionError struct {
	RunID int64
	From  types.Status
	To    types.Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("state: run %d cannot move from %s to %s", e.RunID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrIllegalTransition }

// CheckTransition validates a transition against the run's current status.
// A mismatch between expected and current status that would still be legal
// is reported as ErrConflict so callers can reload and retry.
func CheckTransition(id int64, current, expected, to types.Status) error {
	if !CanTransition(current, to) {
		return &TransitionError{RunID: id, From: current, To: to}
	}
	if current != expected {
		return fmt.Errorf("%w: run %d is %s, expected %s", ErrConflict, id, current, expected)
	}
	return nil
}
