package mapping

import "errors"

// Store errors.
var (
	// ErrNotFound is returned when no mapping exists for the given id.
	ErrNotFound = errors.New("mapping not found")

	// ErrInvalidState is returned when an illegal state transition is
	// requested, or when Delete is called on a record that has not
	// reached the removed state.
	ErrInvalidState = errors.New("invalid mapping state")

	// ErrPortConflict is returned when a create or update would give two
	// live mappings the same listen port.
	ErrPortConflict = errors.New("listen port already in use by another mapping")

	// ErrDuplicateID is returned when a create reuses an existing id.
	ErrDuplicateID = errors.New("mapping id already exists")
)
