package eventstore

import (
	"context"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Minh-Khoi-Le/log430-lab7-sub000/event"
)

// Handler consumes replayed events. EventTypes declares which event types the
// handler accepts; an empty list accepts everything.
type Handler interface {
	EventTypes() []string
	Handle(ctx context.Context, ev event.StoredEvent) error
}

// ReplayRequest selects the events to replay.
type ReplayRequest struct {
	AggregateID   string    `json:"aggregateId,omitempty"`
	AggregateType string    `json:"aggregateType,omitempty"`
	EventType     string    `json:"eventType,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`
	From          time.Time `json:"from,omitempty"`
	To            time.Time `json:"to,omitempty"`
	Limit         int       `json:"limit,omitempty"`
}

// ReplayResult summarizes a replay run.
type ReplayResult struct {
	Events     int `json:"events"`
	Dispatched int `json:"dispatched"`
	Failures   int `json:"failures"`
}

// Replay loads the matching events ordered by occurrence time and dispatches
// them through the handlers. A handler failure is logged and does not abort
// the replay of the remaining handlers or events.
func Replay(ctx context.Context, store Store, req ReplayRequest, logger *log.Logger, handlers ...Handler) (ReplayResult, error) {
	events, err := store.QueryEvents(ctx, Query{
		AggregateID:   req.AggregateID,
		AggregateType: req.AggregateType,
		EventType:     req.EventType,
		CorrelationID: req.CorrelationID,
		From:          req.From,
		To:            req.To,
		Limit:         req.Limit,
	})
	if err != nil {
		return ReplayResult{}, err
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Metadata.OccurredOn.Before(events[j].Metadata.OccurredOn)
	})

	res := ReplayResult{Events: len(events)}
	for _, ev := range events {
		for _, h := range handlers {
			if !accepts(h, ev.EventType) {
				continue
			}
			if err := h.Handle(ctx, ev); err != nil {
				res.Failures++
				if logger != nil {
					logger.WithError(err).WithFields(log.Fields{
						"eventId":   ev.EventID,
						"eventType": ev.EventType,
					}).Error("replay handler failed")
				}
				continue
			}
			res.Dispatched++
		}
	}
	return res, nil
}

func accepts(h Handler, eventType string) bool {
	types := h.EventTypes()
	if len(types) == 0 {
		return true
	}
	for _, t := range types {
		if t == eventType || t == "*" {
			return true
		}
	}
	return false
}

// Fold reduces a stream's events into a state using a pure reducer. The
// reducer must not capture mutable state so that replay stays deterministic.
func Fold[S any](events []event.StoredEvent, initial S, reduce func(S, event.StoredEvent) S) S {
	state := initial
	for _, ev := range events {
		state = reduce(state, ev)
	}
	return state
}
