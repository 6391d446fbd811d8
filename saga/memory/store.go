// Package memory provides an in-memory saga store for tests and local runs.
package memory

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/Minh-Khoi-Le/log430-lab7-sub000/saga"
)

// Store keeps saga contexts in a map guarded by a mutex. Reads and writes
// deep-copy contexts so callers cannot mutate stored state without going
// through Update.
type Store struct {
	mu    sync.Mutex
	sagas map[string]*saga.Context

	now func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		sagas: make(map[string]*saga.Context),
		now:   time.Now,
	}
}

// SetNow overrides the clock, for tests.
func (s *Store) SetNow(now func() time.Time) { s.now = now }

func (s *Store) Insert(_ context.Context, sc *saga.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sagas[sc.SagaID]; ok {
		return saga.ErrAlreadyExists
	}
	now := s.now().UTC()
	sc.Version = 0
	sc.CreatedAt = now
	sc.UpdatedAt = now
	s.sagas[sc.SagaID] = clone(sc)
	return nil
}

func (s *Store) Get(_ context.Context, sagaID string) (*saga.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.sagas[sagaID]
	if !ok {
		return nil, saga.ErrNotFound
	}
	return clone(sc), nil
}

func (s *Store) FindByCorrelationID(_ context.Context, correlationID string) (*saga.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sc := range s.sagas {
		if sc.CorrelationID == correlationID {
			return clone(sc), nil
		}
	}
	return nil, saga.ErrNotFound
}

func (s *Store) FindByComplaintID(_ context.Context, complaintID string) (*saga.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sc := range s.sagas {
		if sc.ComplaintID == complaintID {
			return clone(sc), nil
		}
	}
	return nil, saga.ErrNotFound
}

func (s *Store) Update(_ context.Context, sc *saga.Context, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.sagas[sc.SagaID]
	if !ok {
		return saga.ErrNotFound
	}
	if stored.Version != expectedVersion {
		return saga.ErrVersionConflict
	}
	sc.Version = expectedVersion + 1
	sc.UpdatedAt = s.now().UTC()
	sc.CreatedAt = stored.CreatedAt
	s.sagas[sc.SagaID] = clone(sc)
	return nil
}

func (s *Store) ListUnfinished(_ context.Context, updatedBefore time.Time) ([]*saga.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*saga.Context
	for _, sc := range s.sagas {
		if !saga.IsTerminal(sc.Status) && sc.UpdatedAt.Before(updatedBefore) {
			out = append(out, clone(sc))
		}
	}
	return out, nil
}

func clone(sc *saga.Context) *saga.Context {
	cp := *sc
	if sc.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), sc.Payload...)
	}
	if sc.StepResults != nil {
		cp.StepResults = make(map[saga.Step]json.RawMessage, len(sc.StepResults))
		for k, v := range sc.StepResults {
			cp.StepResults[k] = append(json.RawMessage(nil), v...)
		}
	}
	cp.Errors = append([]saga.StepError(nil), sc.Errors...)
	cp.StepHistory = append([]saga.StepExecution(nil), sc.StepHistory...)
	return &cp
}

var _ saga.Store = (*Store)(nil)
