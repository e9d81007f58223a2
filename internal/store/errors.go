package store

import "errors"

var (
	// ErrNotFound is returned when a request, session or volunteer id does
	// not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a conditional update lost a race: the
	// row exists but its status/assignee no longer match what the caller
	// read. The caller re-reads and decides; the store never retries.
	ErrConflict = errors.New("conflict: state changed concurrently")
)
