package calls

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("session not found")
	ErrInvalidState    = errors.New("invalid session state")
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrVersionConflict is returned by a store when the record no longer
	// holds the version the writer last saw.
	ErrVersionConflict = errors.New("session changed concurrently")
)

// StateError is returned when an operation is not legal in the session's current status.
// It matches ErrInvalidState under errors.Is.
type StateError struct {
	Op      string
	Current Status
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: %s in state %s", e.Op, ErrInvalidState, e.Current)
}

func (e *StateError) Is(target error) bool { return target == ErrInvalidState }

// CurrentState extracts the session status carried by a StateError, if any.
func CurrentState(err error) (Status, bool) {
	var se *StateError
	if errors.As(err, &se) {
		return se.Current, true
	}
	return "", false
}
