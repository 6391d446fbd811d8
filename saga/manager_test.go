package saga_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Minh-Khoi-Le/log430-lab7-sub000/event"
	"github.com/Minh-Khoi-Le/log430-lab7-sub000/saga"
	"github.com/Minh-Khoi-Le/log430-lab7-sub000/saga/memory"
)

func newManager(t *testing.T) (*saga.Manager, *memory.Store) {
	t.Helper()
	store := memory.New()
	return saga.NewManager(store, 5*time.Minute, nil), store
}

func workflowEvent(t *testing.T, eventType, correlationID string) event.Event {
	t.Helper()
	aggregate := "customer-7"
	aggregateType := event.AggregateCustomer
	switch eventType {
	case event.OrderVerified, event.OrderRejected:
		aggregate, aggregateType = "order-42", event.AggregateOrder
	case event.ResolutionProcessed, event.ResolutionFailed:
		aggregate, aggregateType = "refund-1", event.AggregateRefund
	case event.StockReleased:
		aggregate, aggregateType = "stock-1", event.AggregateStock
	}
	ev, err := event.New(aggregate, aggregateType, eventType, "test", map[string]bool{"ok": true})
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	ev.Metadata.CorrelationID = correlationID
	return ev
}

func initiateViaEvent(t *testing.T, m *saga.Manager, store *memory.Store) *saga.Context {
	t.Helper()
	ctx := context.Background()
	created, err := event.New("complaint-42", event.AggregateComplaint, event.ComplaintCreated, "complaint-service",
		map[string]string{"customerId": "customer-7"})
	if err != nil {
		t.Fatalf("complaint event: %v", err)
	}
	if err := m.HandleEvent(ctx, created); err != nil {
		t.Fatalf("handle complaint-created: %v", err)
	}
	sc, err := store.FindByComplaintID(ctx, "complaint-42")
	if err != nil {
		t.Fatalf("saga not created: %v", err)
	}
	if sc.Status != saga.StatusInitiated || sc.CustomerID != "customer-7" {
		t.Fatalf("unexpected initial state: %+v", sc)
	}
	sc.CorrelationID = created.Metadata.CorrelationID
	return sc
}

func TestWorkflowHappyPath(t *testing.T) {
	m, store := newManager(t)
	ctx := context.Background()
	sc := initiateViaEvent(t, m, store)

	steps := []string{event.CustomerValidated, event.OrderVerified, event.ResolutionProcessed}
	for _, eventType := range steps {
		if err := m.HandleEvent(ctx, workflowEvent(t, eventType, sc.CorrelationID)); err != nil {
			t.Fatalf("handle %s: %v", eventType, err)
		}
	}

	final, err := store.Get(ctx, sc.SagaID)
	if err != nil {
		t.Fatalf("get saga: %v", err)
	}
	if final.Status != saga.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", final.Status)
	}
	if final.Version != 3 {
		t.Fatalf("version = %d, want 3", final.Version)
	}
	for _, step := range []saga.Step{saga.StepCustomerValidation, saga.StepOrderVerification, saga.StepResolution} {
		if _, ok := final.StepResults[step]; !ok {
			t.Errorf("missing result for %s", step)
		}
	}
	if len(final.StepHistory) != 3 {
		t.Fatalf("history has %d entries, want 3", len(final.StepHistory))
	}
}

func TestMarkStepCompletedAdvancesAndVersions(t *testing.T) {
	m, store := newManager(t)
	ctx := context.Background()

	sc, err := m.Initiate(ctx, "complaint-42", "customer-7", "corr-42", nil)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if sc.Version != 0 {
		t.Fatalf("fresh saga version = %d, want 0", sc.Version)
	}

	result := json.RawMessage(`{"isValid":true}`)
	if err := m.MarkStepCompleted(ctx, sc.SagaID, saga.StepCustomerValidation, result); err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	got, err := store.Get(ctx, sc.SagaID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != 1 {
		t.Fatalf("version = %d, want 1", got.Version)
	}
	if got.Status != saga.StatusOrderVerifying {
		t.Fatalf("status = %s, want ORDER_VERIFYING", got.Status)
	}
	if string(got.StepResults[saga.StepCustomerValidation]) != `{"isValid":true}` {
		t.Fatalf("step result %s", got.StepResults[saga.StepCustomerValidation])
	}
}

func TestResolutionFailureCompensates(t *testing.T) {
	m, store := newManager(t)
	ctx := context.Background()
	sc := initiateViaEvent(t, m, store)

	for _, eventType := range []string{event.CustomerValidated, event.OrderVerified, event.ResolutionFailed} {
		if err := m.HandleEvent(ctx, workflowEvent(t, eventType, sc.CorrelationID)); err != nil {
			t.Fatalf("handle %s: %v", eventType, err)
		}
	}
	got, err := store.Get(ctx, sc.SagaID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != saga.StatusCompensating {
		t.Fatalf("status = %s, want COMPENSATING", got.Status)
	}
	if len(got.Errors) != 1 || got.Errors[0].Step != saga.StepResolution {
		t.Fatalf("unexpected errors: %+v", got.Errors)
	}

	stockReleased := workflowEvent(t, event.StockReleased, sc.CorrelationID)
	stockReleased.Metadata.SagaID = sc.SagaID
	if err := m.HandleEvent(ctx, stockReleased); err != nil {
		t.Fatalf("handle stock-released: %v", err)
	}
	got, err = store.Get(ctx, sc.SagaID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != saga.StatusCompensated {
		t.Fatalf("status = %s, want COMPENSATED", got.Status)
	}
}

func TestCustomerRejectionFailsWithoutCompensation(t *testing.T) {
	m, store := newManager(t)
	ctx := context.Background()
	sc := initiateViaEvent(t, m, store)

	if err := m.HandleEvent(ctx, workflowEvent(t, event.CustomerRejected, sc.CorrelationID)); err != nil {
		t.Fatalf("handle rejection: %v", err)
	}
	got, err := store.Get(ctx, sc.SagaID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != saga.StatusFailed {
		t.Fatalf("status = %s, want FAILED", got.Status)
	}
}

func TestEventsAfterTerminalAreRejected(t *testing.T) {
	m, store := newManager(t)
	ctx := context.Background()
	sc := initiateViaEvent(t, m, store)

	for _, eventType := range []string{event.CustomerValidated, event.OrderVerified, event.ResolutionProcessed} {
		if err := m.HandleEvent(ctx, workflowEvent(t, eventType, sc.CorrelationID)); err != nil {
			t.Fatalf("handle %s: %v", eventType, err)
		}
	}
	err := m.HandleEvent(ctx, workflowEvent(t, event.CustomerValidated, sc.CorrelationID))
	if !errors.Is(err, saga.ErrInvalidTransition) {
		t.Fatalf("want ErrInvalidTransition, got %v", err)
	}
}

func TestCompleteOnlyFromResolutionProcessing(t *testing.T) {
	m, store := newManager(t)
	ctx := context.Background()
	sc := initiateViaEvent(t, m, store)

	if err := m.Complete(ctx, sc.SagaID); !errors.Is(err, saga.ErrInvalidTransition) {
		t.Fatalf("complete from INITIATED: want ErrInvalidTransition, got %v", err)
	}
	for _, eventType := range []string{event.CustomerValidated, event.OrderVerified} {
		if err := m.HandleEvent(ctx, workflowEvent(t, eventType, sc.CorrelationID)); err != nil {
			t.Fatalf("handle %s: %v", eventType, err)
		}
	}
	if err := m.MarkStepStarted(ctx, sc.SagaID, saga.StepResolution); err != nil {
		t.Fatalf("start resolution: %v", err)
	}
	if err := m.Complete(ctx, sc.SagaID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, err := store.Get(ctx, sc.SagaID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != saga.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", got.Status)
	}
}

func TestInitiateIsIdempotentPerComplaint(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	first, err := m.Initiate(ctx, "complaint-42", "customer-7", "corr-a", nil)
	if err != nil {
		t.Fatalf("first initiate: %v", err)
	}
	second, err := m.Initiate(ctx, "complaint-42", "customer-7", "corr-b", nil)
	if err != nil {
		t.Fatalf("second initiate: %v", err)
	}
	if second.SagaID != first.SagaID {
		t.Fatalf("redelivered creation forked a second saga: %s vs %s", first.SagaID, second.SagaID)
	}
}

func TestWorkflowEventForUnknownSagaErrors(t *testing.T) {
	m, _ := newManager(t)
	err := m.HandleEvent(context.Background(), workflowEvent(t, event.CustomerValidated, "corr-unknown"))
	if !errors.Is(err, saga.ErrNotFound) {
		t.Fatalf("want ErrNotFound so the bus redelivers, got %v", err)
	}
}

func TestStepHistoryRecordsDurations(t *testing.T) {
	store := memory.New()
	m := saga.NewManager(store, 5*time.Minute, nil)
	base := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	now := base
	m.SetNow(func() time.Time { return now })
	ctx := context.Background()

	sc, err := m.Initiate(ctx, "complaint-42", "customer-7", "corr-42", nil)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if err := m.MarkStepStarted(ctx, sc.SagaID, saga.StepCustomerValidation); err != nil {
		t.Fatalf("start: %v", err)
	}
	now = base.Add(750 * time.Millisecond)
	if err := m.MarkStepCompleted(ctx, sc.SagaID, saga.StepCustomerValidation, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, err := store.Get(ctx, sc.SagaID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.StepHistory) != 1 {
		t.Fatalf("history entries = %d, want 1", len(got.StepHistory))
	}
	entry := got.StepHistory[0]
	if entry.Status != saga.ExecutionCompleted {
		t.Fatalf("entry status %s", entry.Status)
	}
	if entry.DurationMs != 750 {
		t.Fatalf("duration = %dms, want 750", entry.DurationMs)
	}
}

func TestCheckStuckReportsStalled(t *testing.T) {
	store := memory.New()
	m := saga.NewManager(store, 5*time.Minute, nil)
	base := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	store.SetNow(func() time.Time { return base })
	ctx := context.Background()

	sc, err := m.Initiate(ctx, "complaint-42", "customer-7", "corr-42", nil)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	var alerted []string
	m.OnStuck = func(_ context.Context, sc *saga.Context) {
		alerted = append(alerted, sc.SagaID)
	}

	m.SetNow(func() time.Time { return base.Add(time.Minute) })
	stuck, err := m.CheckStuck(ctx)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(stuck) != 0 {
		t.Fatalf("fresh saga reported stuck")
	}

	m.SetNow(func() time.Time { return base.Add(10 * time.Minute) })
	stuck, err = m.CheckStuck(ctx)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(stuck) != 1 || stuck[0].SagaID != sc.SagaID {
		t.Fatalf("stuck set wrong: %+v", stuck)
	}
	if len(alerted) != 1 || alerted[0] != sc.SagaID {
		t.Fatalf("OnStuck not invoked: %v", alerted)
	}
}
