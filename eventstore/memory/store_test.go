package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/Minh-Khoi-Le/log430-lab7-sub000/event"
	"github.com/Minh-Khoi-Le/log430-lab7-sub000/eventstore"
)

func newEvent(t *testing.T, aggregateID, eventType string) event.Event {
	t.Helper()
	ev, err := event.New(aggregateID, event.AggregateOrder, eventType, "test", map[string]any{"n": 1})
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	return ev
}

func TestAppendAssignsContiguousVersions(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	v, err := store.AppendEvents(ctx, "order-42", []event.Event{
		newEvent(t, "order-42", event.SaleCreated),
		newEvent(t, "order-42", event.StockReserved),
	}, eventstore.NoStream())
	if err != nil {
		t.Fatalf("first append: %v", err)
	}
	if v != 2 {
		t.Fatalf("version after first append = %d, want 2", v)
	}

	v, err = store.AppendEvents(ctx, "order-42", []event.Event{
		newEvent(t, "order-42", event.OrderVerified),
	}, eventstore.Exact(2))
	if err != nil {
		t.Fatalf("second append: %v", err)
	}
	if v != 3 {
		t.Fatalf("version after second append = %d, want 3", v)
	}

	events, err := store.GetEvents(ctx, "order-42", 1)
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	for i, ev := range events {
		if ev.Version != int64(i)+1 {
			t.Fatalf("event %d has version %d, want %d", i, ev.Version, i+1)
		}
	}
}

func TestStaleExpectedVersionConflicts(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	if _, err := store.AppendEvents(ctx, "order-42", []event.Event{
		newEvent(t, "order-42", event.SaleCreated),
		newEvent(t, "order-42", event.StockReserved),
	}, eventstore.Any()); err != nil {
		t.Fatalf("seed append: %v", err)
	}

	current, err := store.AppendEvents(ctx, "order-42", []event.Event{
		newEvent(t, "order-42", event.OrderVerified),
	}, eventstore.Exact(1))
	if !errors.Is(err, eventstore.ErrConcurrencyConflict) {
		t.Fatalf("want ErrConcurrencyConflict, got %v", err)
	}
	if current != 2 {
		t.Fatalf("conflict should report current version 2, got %d", current)
	}

	// The losing append must leave the stream untouched.
	events, err := store.GetEvents(ctx, "order-42", 1)
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("stream changed by failed append: %d events", len(events))
	}
}

func TestNoStreamRejectsExisting(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	if _, err := store.AppendEvents(ctx, "sale-1", []event.Event{newEvent(t, "sale-1", event.SaleCreated)}, eventstore.NoStream()); err != nil {
		t.Fatalf("first append: %v", err)
	}
	_, err := store.AppendEvents(ctx, "sale-1", []event.Event{newEvent(t, "sale-1", event.SaleCreated)}, eventstore.NoStream())
	if !errors.Is(err, eventstore.ErrConcurrencyConflict) {
		t.Fatalf("want ErrConcurrencyConflict, got %v", err)
	}
}

func TestGetEventsFromVersion(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := store.AppendEvents(ctx, "order-1", []event.Event{newEvent(t, "order-1", event.SaleCreated)}, eventstore.Any()); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	events, err := store.GetEvents(ctx, "order-1", 4)
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	if len(events) != 2 || events[0].Version != 4 {
		t.Fatalf("fromVersion slice wrong: %d events, first %d", len(events), events[0].Version)
	}
}

func TestGetEventsUnknownStream(t *testing.T) {
	store := NewStore()
	if _, err := store.GetEvents(context.Background(), "missing", 1); !errors.Is(err, eventstore.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestQueryEventsFilters(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	sale := newEvent(t, "order-1", event.SaleCreated)
	refund := newEvent(t, "refund-1", event.RefundCompleted)
	refund.AggregateType = event.AggregateRefund
	if _, err := store.AppendEvents(ctx, "order-1", []event.Event{sale}, eventstore.Any()); err != nil {
		t.Fatalf("append sale: %v", err)
	}
	if _, err := store.AppendEvents(ctx, "refund-1", []event.Event{refund}, eventstore.Any()); err != nil {
		t.Fatalf("append refund: %v", err)
	}

	byType, err := store.QueryEvents(ctx, eventstore.Query{EventType: event.RefundCompleted})
	if err != nil {
		t.Fatalf("query by type: %v", err)
	}
	if len(byType) != 1 || byType[0].EventID != refund.EventID {
		t.Fatalf("type filter wrong: %d results", len(byType))
	}

	byCorrelation, err := store.QueryEvents(ctx, eventstore.Query{CorrelationID: sale.Metadata.CorrelationID})
	if err != nil {
		t.Fatalf("query by correlation: %v", err)
	}
	if len(byCorrelation) != 1 || byCorrelation[0].EventID != sale.EventID {
		t.Fatalf("correlation filter wrong: %d results", len(byCorrelation))
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	if _, err := store.GetSnapshot(ctx, "order-1"); !errors.Is(err, eventstore.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got no snapshot error: %v", err)
	}
	if err := store.CreateSnapshot(ctx, eventstore.Snapshot{
		AggregateID: "order-1",
		Version:     7,
		Data:        []byte(`{"state":"shipped"}`),
	}); err != nil {
		t.Fatalf("create snapshot: %v", err)
	}
	snap, err := store.GetSnapshot(ctx, "order-1")
	if err != nil {
		t.Fatalf("get snapshot: %v", err)
	}
	if snap.Version != 7 || string(snap.Data) != `{"state":"shipped"}` {
		t.Fatalf("snapshot mismatch: %+v", snap)
	}
	if snap.CreatedAt.IsZero() {
		t.Fatal("snapshot createdAt not set")
	}
}
