// Package eventstore provides the append-only, per-stream, version-ordered
// event log backing every aggregate that needs replay or audit.
package eventstore

import (
	"context"
	"time"

	"github.com/Minh-Khoi-Le/log430-lab7-sub000/event"
)

// Query filters events across streams. Zero-value fields are not applied.
type Query struct {
	AggregateID   string
	AggregateType string
	EventType     string
	CorrelationID string
	From          time.Time
	To            time.Time
	Limit         int
	Offset        int
}

// Snapshot is a cached materialized state at a given stream version. It
// bounds replay cost for long streams; the event log stays authoritative.
type Snapshot struct {
	AggregateID string    `json:"aggregateId"`
	Version     int64     `json:"version"`
	Data        []byte    `json:"data"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Store is the event store contract. It must be implementable over a
// relational backend (unique constraint on (stream_id, version), append
// inside one transaction) or a document backend (stream-head entity with a
// conditional update serving the same role). The store, not the caller,
// detects races between concurrent appends to the same stream.
type Store interface {
	// AppendEvents assigns versions currentVersion+1..currentVersion+n and
	// persists the events and the updated stream head atomically. When
	// expected is Exact and differs from the stream's current version the
	// append fails with ErrConcurrencyConflict and writes nothing. An empty
	// slice is a no-op returning the current version.
	AppendEvents(ctx context.Context, streamID string, events []event.Event, expected ExpectedVersion) (int64, error)

	// GetEvents returns the stream's events ascending by version, starting
	// at fromVersion (0 means from the beginning).
	GetEvents(ctx context.Context, streamID string, fromVersion int64) ([]event.StoredEvent, error)

	// QueryEvents returns events across streams matching the query, ordered
	// by occurrence time.
	QueryEvents(ctx context.Context, q Query) ([]event.StoredEvent, error)

	// GetStream returns stream metadata without loading its events.
	GetStream(ctx context.Context, streamID string) (event.Stream, error)

	// StreamVersion returns the stream's current version, 0 when absent.
	StreamVersion(ctx context.Context, streamID string) (int64, error)

	// StreamExists reports whether the stream has at least one event.
	StreamExists(ctx context.Context, streamID string) (bool, error)

	// CreateSnapshot stores a snapshot for the aggregate, replacing any
	// previous one.
	CreateSnapshot(ctx context.Context, snap Snapshot) error

	// GetSnapshot returns the latest snapshot, or ErrNotFound.
	GetSnapshot(ctx context.Context, aggregateID string) (Snapshot, error)
}
