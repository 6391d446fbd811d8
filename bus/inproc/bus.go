// Package inproc provides a channel-based bus for tests and single-process
// wiring. It applies the same bounded-retry and dead-letter semantics as the
// broker backends.
package inproc

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Minh-Khoi-Le/log430-lab7-sub000/bus"
	"github.com/Minh-Khoi-Le/log430-lab7-sub000/event"
)

type subscription struct {
	queue     string
	eventType string
	handler   bus.Handler
}

// Bus delivers published events to matching subscriptions in-process.
type Bus struct {
	policy     bus.RetryPolicy
	deadLetter bus.DeadLetter
	logger     *log.Logger
	sleep      func(time.Duration)

	mu     sync.Mutex
	subs   []subscription
	closed bool
	wg     sync.WaitGroup
}

// New creates an in-process bus. A nil deadLetter discards after logging.
func New(policy bus.RetryPolicy, deadLetter bus.DeadLetter, logger *log.Logger) *Bus {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if deadLetter == nil {
		deadLetter = bus.DiscardSink{Logger: logger}
	}
	return &Bus{
		policy:     policy,
		deadLetter: deadLetter,
		logger:     logger,
		sleep:      time.Sleep,
	}
}

// Initialize implements bus.Bus.
func (b *Bus) Initialize(ctx context.Context) error { return nil }

// Publish implements bus.Bus. Delivery is asynchronous; each matching
// subscription processes the event on its own goroutine with the configured
// retry policy.
func (b *Bus) Publish(ctx context.Context, exchange, routingKey string, ev event.Event) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return bus.ErrClosed
	}
	matching := make([]subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.eventType == bus.Wildcard || sub.eventType == ev.EventType {
			matching = append(matching, sub)
		}
	}
	b.wg.Add(len(matching))
	b.mu.Unlock()

	for _, sub := range matching {
		go b.deliver(sub, ev)
	}
	return nil
}

func (b *Bus) deliver(sub subscription, ev event.Event) {
	defer b.wg.Done()

	ctx := context.Background()
	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = sub.handler(ctx, ev)
		if lastErr == nil {
			return
		}
		if b.policy.Exhausted(attempt + 1) {
			break
		}
		b.sleep(b.policy.Delay(attempt))
	}
	if err := b.deadLetter.DeadLetter(ev, sub.queue, b.policy.MaxAttempts, lastErr); err != nil {
		b.logger.WithError(err).Error("dead-letter sink failed")
	}
}

// Subscribe implements bus.Bus.
func (b *Bus) Subscribe(ctx context.Context, queue, eventType string, h bus.Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return bus.ErrClosed
	}
	b.subs = append(b.subs, subscription{queue: queue, eventType: eventType, handler: h})
	return nil
}

// SubscribeAll implements bus.Bus.
func (b *Bus) SubscribeAll(ctx context.Context, queue string, h bus.Handler) error {
	return b.Subscribe(ctx, queue, bus.Wildcard, h)
}

// IsHealthy implements bus.Bus.
func (b *Bus) IsHealthy(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed
}

// Close implements bus.Bus. It waits for in-flight deliveries to finish.
func (b *Bus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.wg.Wait()
	return nil
}

// Flush blocks until every delivery in flight has completed or been
// dead-lettered. Intended for tests.
func (b *Bus) Flush() {
	b.wg.Wait()
}

// SetSleep overrides the backoff sleeper. Intended for tests.
func (b *Bus) SetSleep(fn func(time.Duration)) {
	b.sleep = fn
}

var _ bus.Bus = (*Bus)(nil)
