package saga

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no saga matches the lookup.
	ErrNotFound = errors.New("saga not found")
	// ErrAlreadyExists is returned when inserting a saga id twice.
	ErrAlreadyExists = errors.New("saga already exists")
	// ErrVersionConflict is returned when a compare-and-swap update loses
	// against a concurrent writer. Callers re-read and reapply.
	ErrVersionConflict = errors.New("saga version conflict")
)

// Store persists saga contexts. Update is a compare-and-swap keyed on the
// context version: exactly one of two concurrent writers with the same
// expected version wins, the other gets ErrVersionConflict.
type Store interface {
	// Insert creates a new saga context at version 0.
	Insert(ctx context.Context, sc *Context) error

	// Get returns the saga with the given id.
	Get(ctx context.Context, sagaID string) (*Context, error)

	// FindByCorrelationID returns the saga carrying the correlation id.
	FindByCorrelationID(ctx context.Context, correlationID string) (*Context, error)

	// FindByComplaintID returns the saga tracking the complaint.
	FindByComplaintID(ctx context.Context, complaintID string) (*Context, error)

	// Update persists sc if its stored version still equals
	// expectedVersion, then bumps the version by one.
	Update(ctx context.Context, sc *Context, expectedVersion int64) error

	// ListUnfinished returns non-terminal sagas last updated before the
	// cutoff, for stuck-saga detection.
	ListUnfinished(ctx context.Context, updatedBefore time.Time) ([]*Context, error)
}
