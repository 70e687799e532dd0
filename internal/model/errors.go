package model

import "errors"

// Error taxonomy shared across the ordering and sync layers. Callers match
// with errors.Is; all errors are wrapped with context at each layer.
var (
	// ErrNotFound: a referenced owner, item, or list does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnsupportedController: a controller transition's precondition is
	// unmet (e.g. Plugin without a plugin detail reporting task state).
	ErrUnsupportedController = errors.New("unsupported controller")

	// ErrInconsistentState: a row expected to exist after a transaction is
	// missing. Indicates a modeling or transaction bug and is always logged
	// loudly by callers.
	ErrInconsistentState = errors.New("inconsistent state")

	// ErrExternalFetch: a remote service fetch failed. Retried at the next
	// scheduled cycle, never surfaced to a user synchronously.
	ErrExternalFetch = errors.New("external fetch failed")

	// ErrPersistence: a write failed. Aborts and rolls back the enclosing
	// transaction and propagates to the caller.
	ErrPersistence = errors.New("persistence failed")
)
