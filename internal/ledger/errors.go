package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means the row does not exist or its status guard did not match.
	// Losing a claim race surfaces as this error.
	ErrNotFound = errors.New("job not found or not in expected state")

	// ErrIllegalTransition is matched by every *TransitionError.
	ErrIllegalTransition = errors.New("illegal status transition")

	// ErrUnsupportedDriver is returned by Open for drivers other than sqlite and postgres.
	ErrUnsupportedDriver = errors.New("unsupported ledger driver")

	// ErrTokenNotFound means no active token matches.
	ErrTokenNotFound = errors.New("token not found")
)

// TransitionError records a rejected state change.
type TransitionError struct {
	From       Status
	Transition Transition
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s a job in state %s", e.Transition, e.From)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}
