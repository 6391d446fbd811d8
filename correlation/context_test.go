package correlation

import (
	"context"
	"testing"

	"github.com/Minh-Khoi-Le/log430-lab7-sub000/event"
)

func TestWithAndLookup(t *testing.T) {
	ctx := With(context.Background(), "corr-1", "cause-1")
	if got := ID(ctx); got != "corr-1" {
		t.Fatalf("correlation id: %q", got)
	}
	if got := CausationID(ctx); got != "cause-1" {
		t.Fatalf("causation id: %q", got)
	}
}

func TestEnsureGeneratesOnce(t *testing.T) {
	ctx, id := Ensure(context.Background())
	if id == "" {
		t.Fatal("expected generated id")
	}
	ctx2, id2 := Ensure(ctx)
	if id2 != id {
		t.Fatalf("ensure must keep the existing id, got %q and %q", id, id2)
	}
	if ID(ctx2) != id {
		t.Fatalf("context lost the id")
	}
}

func TestFromEventThenApply(t *testing.T) {
	parent, err := event.New("complaint-1", event.AggregateComplaint, event.ComplaintCreated, "complaint-service", nil)
	if err != nil {
		t.Fatalf("parent: %v", err)
	}
	ctx := FromEvent(context.Background(), parent)

	var out event.Event
	Apply(ctx, &out)
	if out.Metadata.CorrelationID != parent.Metadata.CorrelationID {
		t.Fatalf("correlation not propagated")
	}
	if out.Metadata.CausationID != parent.EventID {
		t.Fatalf("causation should be the consumed event id")
	}
}

func TestApplyKeepsExplicitFields(t *testing.T) {
	ctx := With(context.Background(), "corr-ctx", "cause-ctx")
	out := event.Event{}
	out.Metadata.CorrelationID = "corr-explicit"
	Apply(ctx, &out)
	if out.Metadata.CorrelationID != "corr-explicit" {
		t.Fatalf("explicit correlation overwritten: %q", out.Metadata.CorrelationID)
	}
	if out.Metadata.CausationID != "cause-ctx" {
		t.Fatalf("missing causation not filled: %q", out.Metadata.CausationID)
	}
}
