// Package bus abstracts publish/subscribe messaging over a topic-based
// broker with at-least-once delivery, bounded retry and correlation
// propagation.
package bus

import (
	"context"
	"errors"

	"github.com/Minh-Khoi-Le/log430-lab7-sub000/event"
)

// Wildcard subscribes a handler to every event type on a queue.
const Wildcard = "*"

// Handler processes a delivered event. Delivery is at-least-once, so
// handlers must be idempotent; the bus acknowledges only after the handler
// returns nil.
type Handler func(ctx context.Context, ev event.Event) error

// Bus is the messaging contract implemented by the broker backends.
type Bus interface {
	// Initialize establishes the broker connection and declares the
	// exchange/queue topology the backend needs.
	Initialize(ctx context.Context) error

	// Publish sends the event with persistent delivery. The message id is
	// the event id; eventType, aggregateType, aggregateId and source ride
	// as headers so consumers can filter without deserializing the body.
	Publish(ctx context.Context, exchange, routingKey string, ev event.Event) error

	// Subscribe binds a named durable queue and delivers events whose type
	// matches eventType (Wildcard for all) to the handler.
	Subscribe(ctx context.Context, queue, eventType string, h Handler) error

	// SubscribeAll is Subscribe with the wildcard event type.
	SubscribeAll(ctx context.Context, queue string, h Handler) error

	// IsHealthy reports broker liveness.
	IsHealthy(ctx context.Context) bool

	// Close releases the broker connection.
	Close() error
}

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("bus is closed")
