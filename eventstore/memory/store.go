// Package memory provides a mutex-guarded in-memory event store. It is the
// reference backend for tests and single-process wiring; the postgres and
// aztable backends provide the same semantics durably.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Minh-Khoi-Le/log430-lab7-sub000/event"
	"github.com/Minh-Khoi-Le/log430-lab7-sub000/eventstore"
)

// Store keeps streams and snapshots in process memory.
type Store struct {
	mu        sync.RWMutex
	streams   map[string]*streamState
	snapshots map[string]eventstore.Snapshot
	now       func() time.Time
}

type streamState struct {
	aggregateType string
	version       int64
	updatedAt     time.Time
	events        []event.StoredEvent
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		streams:   make(map[string]*streamState),
		snapshots: make(map[string]eventstore.Snapshot),
		now:       time.Now,
	}
}

// AppendEvents implements eventstore.Store.
func (s *Store) AppendEvents(ctx context.Context, streamID string, events []event.Event, expected eventstore.ExpectedVersion) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.streams[streamID]
	current := int64(0)
	if st != nil {
		current = st.version
	}
	if len(events) == 0 {
		return current, nil
	}
	if !expected.Matches(current) {
		return current, eventstore.ErrConcurrencyConflict
	}

	if st == nil {
		st = &streamState{aggregateType: events[0].AggregateType}
		s.streams[streamID] = st
	}
	now := s.now().UTC()
	for i, ev := range events {
		st.events = append(st.events, event.StoredEvent{
			Event:     ev,
			Version:   current + int64(i) + 1,
			CreatedAt: now,
		})
	}
	st.version = current + int64(len(events))
	st.updatedAt = now
	return st.version, nil
}

// GetEvents implements eventstore.Store.
func (s *Store) GetEvents(ctx context.Context, streamID string, fromVersion int64) ([]event.StoredEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := s.streams[streamID]
	if st == nil {
		return nil, eventstore.ErrNotFound
	}
	out := make([]event.StoredEvent, 0, len(st.events))
	for _, ev := range st.events {
		if ev.Version >= fromVersion {
			out = append(out, ev)
		}
	}
	return out, nil
}

// QueryEvents implements eventstore.Store.
func (s *Store) QueryEvents(ctx context.Context, q eventstore.Query) ([]event.StoredEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []event.StoredEvent
	for streamID, st := range s.streams {
		if q.AggregateID != "" && q.AggregateID != streamID {
			continue
		}
		if q.AggregateType != "" && q.AggregateType != st.aggregateType {
			continue
		}
		for _, ev := range st.events {
			if matches(q, ev) {
				out = append(out, ev)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Metadata.OccurredOn.Before(out[j].Metadata.OccurredOn)
	})
	if q.Offset > 0 {
		if q.Offset >= len(out) {
			return nil, nil
		}
		out = out[q.Offset:]
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func matches(q eventstore.Query, ev event.StoredEvent) bool {
	if q.EventType != "" && q.EventType != ev.EventType {
		return false
	}
	if q.CorrelationID != "" && q.CorrelationID != ev.Metadata.CorrelationID {
		return false
	}
	if !q.From.IsZero() && ev.Metadata.OccurredOn.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && ev.Metadata.OccurredOn.After(q.To) {
		return false
	}
	return true
}

// GetStream implements eventstore.Store.
func (s *Store) GetStream(ctx context.Context, streamID string) (event.Stream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := s.streams[streamID]
	if st == nil {
		return event.Stream{}, eventstore.ErrNotFound
	}
	return event.Stream{
		StreamID:      streamID,
		AggregateType: st.aggregateType,
		Version:       st.version,
		UpdatedAt:     st.updatedAt,
	}, nil
}

// StreamVersion implements eventstore.Store.
func (s *Store) StreamVersion(ctx context.Context, streamID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if st := s.streams[streamID]; st != nil {
		return st.version, nil
	}
	return 0, nil
}

// StreamExists implements eventstore.Store.
func (s *Store) StreamExists(ctx context.Context, streamID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.streams[streamID]
	return ok, nil
}

// CreateSnapshot implements eventstore.Store.
func (s *Store) CreateSnapshot(ctx context.Context, snap eventstore.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = s.now().UTC()
	}
	s.snapshots[snap.AggregateID] = snap
	return nil
}

// GetSnapshot implements eventstore.Store.
func (s *Store) GetSnapshot(ctx context.Context, aggregateID string) (eventstore.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[aggregateID]
	if !ok {
		return eventstore.Snapshot{}, eventstore.ErrNotFound
	}
	return snap, nil
}

var _ eventstore.Store = (*Store)(nil)
