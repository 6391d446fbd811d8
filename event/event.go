// Package event defines the shared domain event model used by the store,
// the message bus and the saga manager.
package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Metadata carries the contextual fields of a domain event.
type Metadata struct {
	OccurredOn    time.Time `json:"occurredOn"`
	Version       int       `json:"version"`
	CorrelationID string    `json:"correlationId"`
	CausationID   string    `json:"causationId,omitempty"`
	UserID        string    `json:"userId,omitempty"`
	SagaID        string    `json:"sagaId,omitempty"`
	Source        string    `json:"source"`
}

// Event is an immutable domain event. It is a value object until persisted.
type Event struct {
	EventID       string          `json:"eventId"`
	AggregateID   string          `json:"aggregateId"`
	AggregateType string          `json:"aggregateType"`
	EventType     string          `json:"eventType"`
	EventData     json.RawMessage `json:"eventData"`
	Metadata      Metadata        `json:"metadata"`
}

// StoredEvent is an Event plus the store-assigned stream version and
// persistence timestamp. Versions are contiguous per stream, starting at 1,
// and are assigned by the store, never by the caller.
type StoredEvent struct {
	Event
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
}

// Stream describes an event stream without its events.
type Stream struct {
	StreamID      string    `json:"streamId"`
	AggregateType string    `json:"aggregateType"`
	Version       int64     `json:"version"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// New creates an event with a fresh id and a new correlation id.
func New(aggregateID, aggregateType, eventType, source string, data any) (Event, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return Event{}, err
	}
	return Event{
		EventID:       uuid.NewString(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		EventData:     payload,
		Metadata: Metadata{
			OccurredOn:    time.Now().UTC(),
			Version:       1,
			CorrelationID: uuid.NewString(),
			Source:        source,
		},
	}, nil
}

// Followup creates an event caused by a previously observed event. The
// correlation id is inherited and the causation id points at the parent.
func Followup(parent Event, aggregateID, aggregateType, eventType, source string, data any) (Event, error) {
	ev, err := New(aggregateID, aggregateType, eventType, source, data)
	if err != nil {
		return Event{}, err
	}
	ev.Metadata.CorrelationID = parent.Metadata.CorrelationID
	ev.Metadata.CausationID = parent.EventID
	ev.Metadata.SagaID = parent.Metadata.SagaID
	return ev, nil
}
