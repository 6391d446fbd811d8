package bus

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Minh-Khoi-Le/log430-lab7-sub000/correlation"
	"github.com/Minh-Khoi-Le/log430-lab7-sub000/event"
)

// Instrumented decorates any Bus, propagating correlation context around
// every publish and handler invocation and recording latency and outcome. It
// is a plain decorator over the same interface; the wrapped implementation
// is never modified.
type Instrumented struct {
	inner  Bus
	logger *log.Logger
}

// NewInstrumented wraps a bus.
func NewInstrumented(inner Bus, logger *log.Logger) *Instrumented {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Instrumented{inner: inner, logger: logger}
}

// Initialize implements Bus.
func (b *Instrumented) Initialize(ctx context.Context) error {
	return b.inner.Initialize(ctx)
}

// Publish implements Bus. Missing correlation fields on the outgoing event
// are filled from the ambient context before it reaches the broker.
func (b *Instrumented) Publish(ctx context.Context, exchange, routingKey string, ev event.Event) error {
	ctx, _ = correlation.Ensure(ctx)
	correlation.Apply(ctx, &ev)

	start := time.Now()
	err := b.inner.Publish(ctx, exchange, routingKey, ev)
	entry := b.logger.WithFields(log.Fields{
		"exchange":      exchange,
		"routingKey":    routingKey,
		"eventId":       ev.EventID,
		"eventType":     ev.EventType,
		"correlationId": ev.Metadata.CorrelationID,
		"elapsed_ms":    millis(time.Since(start)),
	})
	if err != nil {
		entry.WithError(err).Error("bus.publish")
		return err
	}
	entry.Debug("bus.publish")
	return nil
}

// Subscribe implements Bus.
func (b *Instrumented) Subscribe(ctx context.Context, queue, eventType string, h Handler) error {
	return b.inner.Subscribe(ctx, queue, eventType, b.instrument(queue, h))
}

// SubscribeAll implements Bus.
func (b *Instrumented) SubscribeAll(ctx context.Context, queue string, h Handler) error {
	return b.inner.SubscribeAll(ctx, queue, b.instrument(queue, h))
}

func (b *Instrumented) instrument(queue string, h Handler) Handler {
	return func(ctx context.Context, ev event.Event) error {
		ctx = correlation.FromEvent(ctx, ev)

		start := time.Now()
		err := h(ctx, ev)
		entry := b.logger.WithFields(log.Fields{
			"queue":         queue,
			"eventId":       ev.EventID,
			"eventType":     ev.EventType,
			"correlationId": ev.Metadata.CorrelationID,
			"elapsed_ms":    millis(time.Since(start)),
		})
		if err != nil {
			entry.WithError(err).Error("bus.consume")
			return err
		}
		entry.Debug("bus.consume")
		return nil
	}
}

// IsHealthy implements Bus.
func (b *Instrumented) IsHealthy(ctx context.Context) bool {
	return b.inner.IsHealthy(ctx)
}

// Close implements Bus.
func (b *Instrumented) Close() error {
	return b.inner.Close()
}

func millis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}

var _ Bus = (*Instrumented)(nil)
