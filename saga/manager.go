package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/Minh-Khoi-Le/log430-lab7-sub000/event"
)

// casAttempts bounds the read-modify-write loop on version conflicts.
const casAttempts = 3

// Manager drives saga contexts through the state machine in reaction to
// observed domain events. All mutations go through a compare-and-swap on the
// saga version, so concurrent consumers of the same saga cannot clobber each
// other.
type Manager struct {
	store      Store
	logger     *log.Logger
	stuckAfter time.Duration
	now        func() time.Time

	// OnStuck is invoked for every stuck saga found by CheckStuck, e.g. to
	// publish an operator alert. Optional.
	OnStuck func(ctx context.Context, sc *Context)
}

// NewManager returns a manager flagging sagas as stuck after stuckAfter
// without progress.
func NewManager(store Store, stuckAfter time.Duration, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Manager{
		store:      store,
		logger:     logger,
		stuckAfter: stuckAfter,
		now:        time.Now,
	}
}

// SetNow overrides the clock, for tests.
func (m *Manager) SetNow(now func() time.Time) { m.now = now }

// Initiate starts a saga for a complaint. If the complaint already has an
// unfinished saga the existing one is returned, so redelivered
// complaint-created events do not fork a second workflow.
func (m *Manager) Initiate(ctx context.Context, complaintID, customerID, correlationID string, payload json.RawMessage) (*Context, error) {
	if existing, err := m.store.FindByComplaintID(ctx, complaintID); err == nil {
		if !IsTerminal(existing.Status) {
			return existing, nil
		}
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	sc := &Context{
		SagaID:        uuid.NewString(),
		ComplaintID:   complaintID,
		CustomerID:    customerID,
		CorrelationID: correlationID,
		Payload:       payload,
		Status:        StatusInitiated,
		StepResults:   make(map[Step]json.RawMessage),
	}
	if err := m.store.Insert(ctx, sc); err != nil {
		return nil, err
	}
	m.logger.WithFields(log.Fields{
		"sagaId":        sc.SagaID,
		"complaintId":   complaintID,
		"correlationId": correlationID,
	}).Info("Saga initiated")
	return sc, nil
}

// HandleEvent advances the saga matching the event. Events that do not
// belong to the workflow are ignored; workflow events for an unknown saga
// return an error so the bus redelivers them.
func (m *Manager) HandleEvent(ctx context.Context, ev event.Event) error {
	switch ev.EventType {
	case event.ComplaintCreated:
		var body struct {
			CustomerID string `json:"customerId"`
		}
		if err := json.Unmarshal(ev.EventData, &body); err != nil {
			return fmt.Errorf("decode complaint-created payload: %w", err)
		}
		_, err := m.Initiate(ctx, ev.AggregateID, body.CustomerID, ev.Metadata.CorrelationID, ev.EventData)
		return err

	case event.CustomerValidated:
		return m.onStep(ctx, ev, StepCustomerValidation, true, false)
	case event.CustomerRejected:
		return m.onStep(ctx, ev, StepCustomerValidation, false, false)
	case event.OrderVerified:
		return m.onStep(ctx, ev, StepOrderVerification, true, false)
	case event.OrderRejected:
		return m.onStep(ctx, ev, StepOrderVerification, false, false)
	case event.ResolutionProcessed:
		return m.onStep(ctx, ev, StepResolution, true, false)
	case event.ResolutionFailed:
		// A failed resolution may have reserved stock or issued a partial
		// refund, so the saga has to unwind.
		return m.onStep(ctx, ev, StepResolution, false, true)

	case event.StockReleased, event.RefundCompleted:
		return m.onCompensationEvent(ctx, ev)
	}
	return nil
}

func (m *Manager) onStep(ctx context.Context, ev event.Event, step Step, ok, requiresCompensation bool) error {
	sc, err := m.resolve(ctx, ev)
	if err != nil {
		return err
	}
	if ok {
		return m.MarkStepCompleted(ctx, sc.SagaID, step, ev.EventData)
	}
	return m.MarkStepFailed(ctx, sc.SagaID, step, ev.EventType, requiresCompensation)
}

func (m *Manager) onCompensationEvent(ctx context.Context, ev event.Event) error {
	sc, err := m.resolve(ctx, ev)
	if errors.Is(err, ErrNotFound) {
		// Stock and refund events also flow outside any saga.
		return nil
	}
	if err != nil {
		return err
	}
	if sc.Status != StatusCompensating {
		return nil
	}
	return m.MarkCompensated(ctx, sc.SagaID)
}

// resolve locates the saga an event belongs to, preferring the explicit saga
// id, then the correlation id, then the complaint aggregate.
func (m *Manager) resolve(ctx context.Context, ev event.Event) (*Context, error) {
	if ev.Metadata.SagaID != "" {
		return m.store.Get(ctx, ev.Metadata.SagaID)
	}
	if ev.Metadata.CorrelationID != "" {
		if sc, err := m.store.FindByCorrelationID(ctx, ev.Metadata.CorrelationID); err == nil {
			return sc, nil
		} else if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	if ev.AggregateType == event.AggregateComplaint {
		return m.store.FindByComplaintID(ctx, ev.AggregateID)
	}
	return nil, ErrNotFound
}

// MarkStepStarted moves the saga into the step's active status and opens a
// history entry.
func (m *Manager) MarkStepStarted(ctx context.Context, sagaID string, step Step) error {
	return m.mutate(ctx, sagaID, func(sc *Context) error {
		if err := sc.transitionTo(activeStatus[step]); err != nil {
			return err
		}
		sc.CurrentStep = step
		sc.StepHistory = append(sc.StepHistory, StepExecution{
			Step:      step,
			Status:    ExecutionStarted,
			StartedAt: m.now().UTC(),
		})
		return nil
	})
}

// MarkStepCompleted records the step result and advances the saga. A step
// that was never explicitly started is still accepted: choreography means
// the completion event may be the first thing this service sees.
func (m *Manager) MarkStepCompleted(ctx context.Context, sagaID string, step Step, result json.RawMessage) error {
	return m.mutate(ctx, sagaID, func(sc *Context) error {
		if err := sc.transitionTo(activeStatus[step]); err != nil {
			return err
		}
		if err := sc.transitionTo(nextStatus[step]); err != nil {
			return err
		}
		now := m.now().UTC()
		if sc.StepResults == nil {
			sc.StepResults = make(map[Step]json.RawMessage)
		}
		sc.StepResults[step] = append(json.RawMessage(nil), result...)
		m.closeExecution(sc, step, ExecutionCompleted, "", now)
		sc.CurrentStep = ""
		m.logger.WithFields(log.Fields{
			"sagaId": sagaID,
			"step":   step,
			"status": sc.Status,
		}).Info("Saga step completed")
		return nil
	})
}

// MarkStepFailed records the failure and moves the saga to COMPENSATING or
// FAILED depending on whether prior steps produced side effects to unwind.
func (m *Manager) MarkStepFailed(ctx context.Context, sagaID string, step Step, reason string, requiresCompensation bool) error {
	return m.mutate(ctx, sagaID, func(sc *Context) error {
		now := m.now().UTC()
		sc.Errors = append(sc.Errors, StepError{Step: step, Message: reason, OccurredAt: now})
		m.closeExecution(sc, step, ExecutionFailed, reason, now)
		target := StatusFailed
		if requiresCompensation {
			target = StatusCompensating
		}
		if err := sc.transitionTo(target); err != nil {
			return err
		}
		sc.CurrentStep = ""
		m.logger.WithFields(log.Fields{
			"sagaId": sagaID,
			"step":   step,
			"status": sc.Status,
			"reason": reason,
		}).Warn("Saga step failed")
		return nil
	})
}

// Complete marks a saga COMPLETED outside the step flow, for callers that
// finish the workflow without a resolution event. Only valid from
// RESOLUTION_PROCESSING.
func (m *Manager) Complete(ctx context.Context, sagaID string) error {
	return m.mutate(ctx, sagaID, func(sc *Context) error {
		return sc.transitionTo(StatusCompleted)
	})
}

// Fail force-fails a saga outside any step, e.g. from operator tooling.
func (m *Manager) Fail(ctx context.Context, sagaID, reason string, requiresCompensation bool) error {
	return m.mutate(ctx, sagaID, func(sc *Context) error {
		target := StatusFailed
		if requiresCompensation {
			target = StatusCompensating
		}
		if err := sc.transitionTo(target); err != nil {
			return err
		}
		sc.Errors = append(sc.Errors, StepError{Message: reason, OccurredAt: m.now().UTC()})
		return nil
	})
}

// MarkCompensated closes a compensating saga.
func (m *Manager) MarkCompensated(ctx context.Context, sagaID string) error {
	return m.mutate(ctx, sagaID, func(sc *Context) error {
		return sc.transitionTo(StatusCompensated)
	})
}

// CheckStuck returns non-terminal sagas without progress for longer than the
// configured threshold, logging each and invoking OnStuck. Stuck sagas are
// reported, never auto-failed.
func (m *Manager) CheckStuck(ctx context.Context) ([]*Context, error) {
	cutoff := m.now().Add(-m.stuckAfter)
	stuck, err := m.store.ListUnfinished(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	for _, sc := range stuck {
		m.logger.WithFields(log.Fields{
			"sagaId":      sc.SagaID,
			"complaintId": sc.ComplaintID,
			"status":      sc.Status,
			"updatedAt":   sc.UpdatedAt,
		}).Warn("Saga appears stuck")
		if m.OnStuck != nil {
			m.OnStuck(ctx, sc)
		}
	}
	return stuck, nil
}

// Watch runs CheckStuck on the given interval until the context is
// cancelled.
func (m *Manager) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.CheckStuck(ctx); err != nil {
				m.logger.WithError(err).Error("Stuck saga check failed")
			}
		}
	}
}

// mutate applies fn to the saga under a compare-and-swap, retrying a bounded
// number of times when a concurrent writer wins the race.
func (m *Manager) mutate(ctx context.Context, sagaID string, fn func(*Context) error) error {
	var lastErr error
	for attempt := 0; attempt < casAttempts; attempt++ {
		sc, err := m.store.Get(ctx, sagaID)
		if err != nil {
			return err
		}
		if err := fn(sc); err != nil {
			return err
		}
		err = m.store.Update(ctx, sc, sc.Version)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

func (m *Manager) closeExecution(sc *Context, step Step, status, errMsg string, now time.Time) {
	if i := sc.openExecution(step); i >= 0 {
		entry := &sc.StepHistory[i]
		entry.Status = status
		completed := now
		entry.CompletedAt = &completed
		entry.DurationMs = now.Sub(entry.StartedAt).Milliseconds()
		entry.Error = errMsg
		return
	}
	completed := now
	sc.StepHistory = append(sc.StepHistory, StepExecution{
		Step:        step,
		Status:      status,
		StartedAt:   now,
		CompletedAt: &completed,
		Error:       errMsg,
	})
}
