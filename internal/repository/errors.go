package repository

import "errors"

var (
	// ErrNotFound is returned when a requested entity doesn't exist
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict is returned when an optimistic concurrency check fails
	ErrVersionConflict = errors.New("version conflict: allocation was modified by another caller")

	// ErrForeignKeyViolation is returned when a foreign key constraint fails
	ErrForeignKeyViolation = errors.New("foreign key violation")
)
