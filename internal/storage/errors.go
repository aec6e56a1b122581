package storage

import "errors"

// Sentinel errors returned by both the Postgres and in-memory run stores.
var (
	// ErrNotFound is returned when a record does not exist or is not visible
	// to the requesting user.
	ErrNotFound = errors.New("storage: not found")

	// ErrInvalidTransition is returned when a run status change would break
	// the monotonic lifecycle.
	ErrInvalidTransition = errors.New("storage: invalid run status transition")

	// ErrAlreadyResolved is returned when an invocation has already left the
	// state the caller expected (confirmation resolved or execution finished).
	ErrAlreadyResolved = errors.New("storage: invocation already resolved")

	// ErrStepPatched is returned on a second output patch of the same step.
	ErrStepPatched = errors.New("storage: step output already patched")

	// ErrConflict is returned on uniqueness violations such as a duplicate
	// step index within a run.
	ErrConflict = errors.New("storage: conflict")
)
