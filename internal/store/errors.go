package store

import "errors"

var (
	// ErrNotFound is returned when a pipeline or workload record does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicateID is returned when creating a pipeline whose id is taken.
	ErrDuplicateID = errors.New("store: duplicate id")
	// ErrInvalidInput is returned for empty names, unknown statuses and similar.
	ErrInvalidInput = errors.New("store: invalid input")
	// ErrStaleTransition is returned when a conditional status update finds the
	// pipeline in a status it may not move from.
	ErrStaleTransition = errors.New("store: stale status transition")
)
