package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Minh-Khoi-Le/log430-lab7-sub000/saga"
)

func insert(t *testing.T, s *Store, sagaID string) *saga.Context {
	t.Helper()
	sc := &saga.Context{
		SagaID:      sagaID,
		ComplaintID: "complaint-" + sagaID,
		Status:      saga.StatusInitiated,
	}
	if err := s.Insert(context.Background(), sc); err != nil {
		t.Fatalf("insert: %v", err)
	}
	return sc
}

func TestInsertRejectsDuplicates(t *testing.T) {
	s := New()
	insert(t, s, "s1")
	err := s.Insert(context.Background(), &saga.Context{SagaID: "s1"})
	if !errors.Is(err, saga.ErrAlreadyExists) {
		t.Fatalf("want ErrAlreadyExists, got %v", err)
	}
}

func TestUpdateBumpsVersion(t *testing.T) {
	s := New()
	sc := insert(t, s, "s1")
	ctx := context.Background()

	sc.Status = saga.StatusCustomerValidating
	if err := s.Update(ctx, sc, 0); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := s.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != 1 || got.Status != saga.StatusCustomerValidating {
		t.Fatalf("unexpected state: version=%d status=%s", got.Version, got.Status)
	}
}

func TestConcurrentUpdateOneWins(t *testing.T) {
	s := New()
	insert(t, s, "s1")
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sc, err := s.Get(ctx, "s1")
			if err != nil {
				results[i] = err
				return
			}
			sc.Status = saga.StatusCustomerValidating
			results[i] = s.Update(ctx, sc, 0)
		}(i)
	}
	wg.Wait()

	wins, conflicts := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, saga.ErrVersionConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || conflicts != 1 {
		t.Fatalf("wins=%d conflicts=%d, want exactly one of each", wins, conflicts)
	}
}

func TestFindByComplaintAndCorrelation(t *testing.T) {
	s := New()
	ctx := context.Background()
	sc := &saga.Context{
		SagaID:        "s1",
		ComplaintID:   "complaint-7",
		CorrelationID: "corr-7",
		Status:        saga.StatusInitiated,
	}
	if err := s.Insert(ctx, sc); err != nil {
		t.Fatalf("insert: %v", err)
	}

	byComplaint, err := s.FindByComplaintID(ctx, "complaint-7")
	if err != nil || byComplaint.SagaID != "s1" {
		t.Fatalf("find by complaint: %v %+v", err, byComplaint)
	}
	byCorrelation, err := s.FindByCorrelationID(ctx, "corr-7")
	if err != nil || byCorrelation.SagaID != "s1" {
		t.Fatalf("find by correlation: %v %+v", err, byCorrelation)
	}
	if _, err := s.FindByComplaintID(ctx, "other"); !errors.Is(err, saga.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestListUnfinished(t *testing.T) {
	s := New()
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	s.SetNow(func() time.Time { return now })
	ctx := context.Background()

	stale := insert(t, s, "stale")
	_ = stale

	s.SetNow(func() time.Time { return now.Add(10 * time.Minute) })
	insert(t, s, "fresh")

	done := &saga.Context{SagaID: "done", Status: saga.StatusInitiated}
	if err := s.Insert(ctx, done); err != nil {
		t.Fatalf("insert done: %v", err)
	}
	// Terminal sagas are never reported, however old.
	done.Status = saga.StatusCompleted
	s.SetNow(func() time.Time { return now })
	if err := s.Update(ctx, done, 0); err != nil {
		t.Fatalf("complete: %v", err)
	}

	stuck, err := s.ListUnfinished(ctx, now.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("list unfinished: %v", err)
	}
	if len(stuck) != 1 || stuck[0].SagaID != "stale" {
		t.Fatalf("unexpected stuck set: %+v", stuck)
	}
}
