package store

import "errors"

// Store errors shared by the finding store and its callers.
var (
	// ErrConflict means a conditional write lost a race with a concurrent writer.
	ErrConflict = errors.New("finding write conflict")
	// ErrNotFound means the requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition means an operator status change is not allowed
	// from the finding's current state.
	ErrInvalidTransition = errors.New("invalid status transition")
)
