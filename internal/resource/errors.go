package resource

import (
	"errors"

	"github.com/nerrad567/gray-logic-resdb/internal/schema"
)

// Domain-specific errors for resource operations.
// Use errors.Is() to check error types, as errors may be wrapped.
var (
	// ErrInvalidType is returned for unknown or incompatible types and
	// invalid names. It matches schema.ErrInvalidType as well.
	ErrInvalidType = schema.ErrInvalidType

	// ErrAlreadyExists is returned when a live node already occupies a name.
	ErrAlreadyExists = errors.New("resource: already exists")

	// ErrNotFound is returned for operations on nodes that are not indexed,
	// undeclared children and dangling references.
	ErrNotFound = errors.New("resource: not found")

	// ErrCircularReference is returned when a link would make a node alias
	// itself or a node in its own subtree.
	ErrCircularReference = errors.New("resource: circular reference")

	// ErrIndexCorruption is returned when an index disagrees with the id table.
	ErrIndexCorruption = errors.New("resource: index corruption")

	// ErrInvalidValue is returned when a value does not fit the node's kind.
	ErrInvalidValue = errors.New("resource: invalid value")

	// ErrNotReady is returned when the store has not finished replay.
	ErrNotReady = errors.New("resource: store not ready")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("resource: store closed")
)
