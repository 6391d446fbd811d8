// Package storagequeue implements the message bus over Azure Storage queues.
//
// Storage queues have no topic routing, so every subscription owns a queue
// named <exchange>-<queue> that receives all events and filters by event
// type client-side using the envelope headers. The queue's DequeueCount acts
// as the retry counter: a failing handler leaves the message invisible for
// the backoff duration and the service redelivers it; once the budget is
// spent the message is dead-lettered and deleted.
package storagequeue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"

	"github.com/Minh-Khoi-Le/log430-lab7-sub000/bus"
	"github.com/Minh-Khoi-Le/log430-lab7-sub000/event"
)

// Config configures the storage-queue bus.
type Config struct {
	// ConnectionString is the storage account connection string.
	ConnectionString string

	// Queues lists the subscription queues to publish into. Publishing
	// fans out a copy of every event to each listed queue.
	Queues []string

	// PollInterval is the idle wait between dequeue attempts. Default 1s.
	PollInterval time.Duration

	// Retry bounds redelivery of failing messages.
	Retry bus.RetryPolicy

	// DeadLetter receives messages after retry exhaustion.
	DeadLetter bus.DeadLetter

	Logger *log.Logger
}

func (c Config) applyDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = bus.DefaultRetryPolicy()
	}
	if c.Logger == nil {
		c.Logger = log.StandardLogger()
	}
	if c.DeadLetter == nil {
		c.DeadLetter = bus.DiscardSink{Logger: c.Logger}
	}
	return c
}

// Bus is the Azure Storage queue backed implementation of bus.Bus.
type Bus struct {
	cfg Config

	mu      sync.Mutex
	clients map[string]*azqueue.QueueClient
	closed  bool
	wg      sync.WaitGroup
}

// New creates an unconnected bus; call Initialize before use.
func New(cfg Config) *Bus {
	return &Bus{cfg: cfg.applyDefaults(), clients: make(map[string]*azqueue.QueueClient)}
}

func queueClientOptions() *azqueue.ClientOptions {
	return &azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: 30 * time.Second,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
}

func (b *Bus) client(queue string) (*azqueue.QueueClient, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, bus.ErrClosed
	}
	if c, ok := b.clients[queue]; ok {
		return c, nil
	}
	c, err := azqueue.NewQueueClientFromConnectionString(b.cfg.ConnectionString, queue, queueClientOptions())
	if err != nil {
		return nil, fmt.Errorf("queue client %s: %w", queue, err)
	}
	b.clients[queue] = c
	return c, nil
}

// Initialize implements bus.Bus. Queue creation is the provisioning
// command's job; Initialize only builds the clients so a bad connection
// string fails fast.
func (b *Bus) Initialize(ctx context.Context) error {
	for _, q := range b.cfg.Queues {
		if _, err := b.client(q); err != nil {
			return err
		}
	}
	return nil
}

// Publish implements bus.Bus. Storage queues cannot route, so the exchange
// and routing key ride only inside the envelope; a copy of the event goes to
// every configured subscription queue.
func (b *Bus) Publish(ctx context.Context, exchange, routingKey string, ev event.Event) error {
	_ = exchange
	_ = routingKey
	body, err := bus.Encode(ev)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", ev.EventID, err)
	}
	for _, q := range b.cfg.Queues {
		client, err := b.client(q)
		if err != nil {
			return err
		}
		if _, err := client.EnqueueMessage(ctx, string(body), nil); err != nil {
			return fmt.Errorf("enqueue to %s: %w", q, err)
		}
	}
	return nil
}

// Subscribe implements bus.Bus. The consumer loop polls until ctx is done
// or the bus is closed.
func (b *Bus) Subscribe(ctx context.Context, queue, eventType string, h bus.Handler) error {
	client, err := b.client(queue)
	if err != nil {
		return err
	}
	b.wg.Add(1)
	go b.consume(ctx, client, queue, eventType, h)
	b.cfg.Logger.WithField("queue", queue).Info("bus subscription started")
	return nil
}

// SubscribeAll implements bus.Bus.
func (b *Bus) SubscribeAll(ctx context.Context, queue string, h bus.Handler) error {
	return b.Subscribe(ctx, queue, bus.Wildcard, h)
}

func (b *Bus) consume(ctx context.Context, client *azqueue.QueueClient, queue, eventType string, h bus.Handler) {
	defer b.wg.Done()

	for {
		if ctx.Err() != nil || b.isClosed() {
			return
		}
		resp, err := client.DequeueMessage(ctx, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.cfg.Logger.WithError(err).WithField("queue", queue).Error("dequeue failed")
			b.sleep(ctx, b.cfg.PollInterval)
			continue
		}
		if len(resp.Messages) == 0 {
			b.sleep(ctx, b.cfg.PollInterval)
			continue
		}
		b.handleMessage(ctx, client, queue, eventType, resp.Messages[0], h)
	}
}

func (b *Bus) handleMessage(ctx context.Context, client *azqueue.QueueClient, queue, eventType string, msg *azqueue.DequeuedMessage, h bus.Handler) {
	if msg.MessageText == nil || msg.MessageID == nil || msg.PopReceipt == nil {
		return
	}
	remove := func() {
		if _, err := client.DeleteMessage(ctx, *msg.MessageID, *msg.PopReceipt, nil); err != nil {
			b.cfg.Logger.WithError(err).WithField("queue", queue).Error("delete message failed")
		}
	}

	ev, err := bus.Decode([]byte(*msg.MessageText))
	if err != nil {
		b.cfg.Logger.WithError(err).WithField("queue", queue).Error("undecodable message")
		if dlErr := b.cfg.DeadLetter.DeadLetter(event.Event{}, queue, 0, err); dlErr != nil {
			b.cfg.Logger.WithError(dlErr).Error("dead-letter sink failed")
		}
		remove()
		return
	}
	if eventType != bus.Wildcard && eventType != "" && ev.EventType != eventType {
		remove()
		return
	}

	herr := h(ctx, ev)
	if herr == nil {
		remove()
		return
	}

	// DequeueCount starts at 1 for the first delivery.
	attempt := 1
	if msg.DequeueCount != nil {
		attempt = int(*msg.DequeueCount)
	}
	if b.cfg.Retry.Exhausted(attempt) {
		if dlErr := b.cfg.DeadLetter.DeadLetter(ev, queue, attempt, herr); dlErr != nil {
			b.cfg.Logger.WithError(dlErr).Error("dead-letter sink failed")
			return // leave the message for redelivery
		}
		remove()
		return
	}
	delay := b.cfg.Retry.Delay(attempt - 1)
	b.cfg.Logger.WithFields(log.Fields{
		"queue":   queue,
		"eventId": ev.EventID,
		"attempt": attempt,
		"delay":   delay.String(),
	}).Warn("handler failed, extending visibility for retry")
	visibility := int32(delay / time.Second)
	if visibility < 1 {
		visibility = 1
	}
	opts := &azqueue.UpdateMessageOptions{VisibilityTimeout: &visibility}
	if _, err := client.UpdateMessage(ctx, *msg.MessageID, *msg.PopReceipt, *msg.MessageText, opts); err != nil {
		b.cfg.Logger.WithError(err).WithField("queue", queue).Error("visibility update failed")
	}
}

func (b *Bus) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (b *Bus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// IsHealthy implements bus.Bus.
func (b *Bus) IsHealthy(ctx context.Context) bool {
	return !b.isClosed()
}

// Close implements bus.Bus.
func (b *Bus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.wg.Wait()
	return nil
}

var _ bus.Bus = (*Bus)(nil)
