package eventstore

import "errors"

var (
	// ErrConcurrencyConflict indicates the expected stream version no longer
	// matches the stored version, or two appends raced on the same stream.
	// Callers must re-read and reapply; the store never retries this itself.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrNotFound indicates the requested stream or snapshot is absent.
	ErrNotFound = errors.New("not found")
)
