package store

import "errors"

var (
	// ErrNotFound is returned when a record does not exist in the caller's scope.
	ErrNotFound = errors.New("record not found")

	// ErrUnavailable is returned when the backing database file lock is held
	// by another process after all open retries.
	ErrUnavailable = errors.New("store unavailable: database is locked")
)
