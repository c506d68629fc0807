package persistence

import "errors"

// Domain-specific errors for persistence operations.
// Use errors.Is() to check error types, as errors may be wrapped.
var (
	// ErrPersistenceIO wraps storage failures during replay and flush.
	ErrPersistenceIO = errors.New("persistence: storage failure")

	// ErrNoTransaction is returned by FinishTransaction without a matching
	// StartTransaction.
	ErrNoTransaction = errors.New("persistence: no open transaction")

	// ErrNotStarted is returned by operations that need the snapshot
	// source before Start was called.
	ErrNotStarted = errors.New("persistence: coordinator not started")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("persistence: coordinator closed")
)
