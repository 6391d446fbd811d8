package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Minh-Khoi-Le/log430-lab7-sub000/event"
)

// RedisDeduper keeps a bounded recently-seen-event-id set so consumers can
// skip obvious redeliveries. It is best-effort only: delivery stays
// at-least-once and handlers must still be idempotent.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper over the provided client. Entries expire
// after ttl.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (r *RedisDeduper) key(queue, eventID string) string {
	return fmt.Sprintf("seen:%s:%s", queue, eventID)
}

// Seen records the event id and reports whether it was already present.
func (r *RedisDeduper) Seen(ctx context.Context, queue, eventID string) (bool, error) {
	added, err := r.client.SetNX(ctx, r.key(queue, eventID), 1, r.ttl).Result()
	if err != nil {
		return false, err
	}
	return !added, nil
}

// Forget removes a recorded id so a failed handler run can be redelivered.
func (r *RedisDeduper) Forget(ctx context.Context, queue, eventID string) error {
	return r.client.Del(ctx, r.key(queue, eventID)).Err()
}

// Deduped wraps a handler, consulting the deduper before every invocation.
// When the deduper itself fails the message is processed anyway; losing
// dedupe is preferable to losing delivery.
func Deduped(d *RedisDeduper, queue string, h Handler) Handler {
	return func(ctx context.Context, ev event.Event) error {
		seen, err := d.Seen(ctx, queue, ev.EventID)
		if err == nil && seen {
			return nil
		}
		if herr := h(ctx, ev); herr != nil {
			if err == nil {
				_ = d.Forget(ctx, queue, ev.EventID)
			}
			return herr
		}
		return nil
	}
}
