package correlation

import (
	"context"

	"github.com/Minh-Khoi-Le/log430-lab7-sub000/event"
)

// FromEvent derives the hop context for handling a consumed event: the
// event's correlation id is carried forward and the event itself becomes the
// causation parent of anything published while handling it.
func FromEvent(ctx context.Context, ev event.Event) context.Context {
	return With(ctx, ev.Metadata.CorrelationID, ev.EventID)
}

// Apply stamps missing correlation fields on an outgoing event from ctx.
func Apply(ctx context.Context, ev *event.Event) {
	if ev.Metadata.CorrelationID == "" {
		ev.Metadata.CorrelationID = ID(ctx)
	}
	if ev.Metadata.CausationID == "" {
		ev.Metadata.CausationID = CausationID(ctx)
	}
}
