package schema

import "errors"

var (
	// ErrInvalidType is returned when a descriptor fails validation or
	// references an unknown type.
	ErrInvalidType = errors.New("schema: invalid type")

	// ErrUnknownType is returned by lookups for unregistered names.
	ErrUnknownType = errors.New("schema: unknown type")
)
