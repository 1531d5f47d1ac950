package storage

import "errors"

// Common storage errors.
var (
	// ErrNotFound is returned when an entity is not found.
	ErrNotFound = errors.New("entity not found")

	// ErrConflict is returned when a row changed between read and write.
	ErrConflict = errors.New("entity was modified concurrently")

	// ErrExpired is returned when acting on a pending opportunity past its deadline.
	ErrExpired = errors.New("opportunity expired")
)
