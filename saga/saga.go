// Package saga tracks the choreographed complaint-handling process. The
// state manager observes domain events, mutates persisted saga contexts
// through an explicit finite-state machine and surfaces stuck sagas for
// operator intervention.
package saga

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status is the saga state machine state.
type Status string

const (
	StatusInitiated            Status = "INITIATED"
	StatusCustomerValidating   Status = "CUSTOMER_VALIDATING"
	StatusOrderVerifying       Status = "ORDER_VERIFYING"
	StatusResolutionProcessing Status = "RESOLUTION_PROCESSING"
	StatusCompleted            Status = "COMPLETED"
	StatusCompensating         Status = "COMPENSATING"
	StatusCompensated          Status = "COMPENSATED"
	StatusFailed               Status = "FAILED"
)

// Step identifies one step of the complaint workflow.
type Step string

const (
	StepCustomerValidation Step = "CUSTOMER_VALIDATION"
	StepOrderVerification  Step = "ORDER_VERIFICATION"
	StepResolution         Step = "RESOLUTION"
)

// transitions is the explicit allow-list; anything absent is invalid and is
// never coerced to the nearest valid state.
var transitions = map[Status][]Status{
	StatusInitiated:            {StatusCustomerValidating, StatusCompensating, StatusFailed},
	StatusCustomerValidating:   {StatusOrderVerifying, StatusResolutionProcessing, StatusCompensating, StatusFailed},
	StatusOrderVerifying:       {StatusResolutionProcessing, StatusCompensating, StatusFailed},
	StatusResolutionProcessing: {StatusCompleted, StatusCompensating, StatusFailed},
	StatusCompensating:         {StatusCompensated, StatusFailed},
	StatusCompleted:            nil,
	StatusCompensated:          nil,
	StatusFailed:               nil,
}

// activeStatus maps a step to the status the saga holds while the step runs.
var activeStatus = map[Step]Status{
	StepCustomerValidation: StatusCustomerValidating,
	StepOrderVerification:  StatusOrderVerifying,
	StepResolution:         StatusResolutionProcessing,
}

// nextStatus maps a completed step to the status the saga advances into.
var nextStatus = map[Step]Status{
	StepCustomerValidation: StatusOrderVerifying,
	StepOrderVerification:  StatusResolutionProcessing,
	StepResolution:         StatusCompleted,
}

// ErrInvalidTransition is returned for a transition not on the allow-list.
var ErrInvalidTransition = errors.New("invalid saga state transition")

// IsTerminal reports whether the status has no outgoing transitions.
func IsTerminal(s Status) bool {
	return s == StatusCompleted || s == StatusCompensated || s == StatusFailed
}

// CanTransition reports whether from -> to is on the allow-list.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StepExecution is one entry of the saga's step history. Steps are bracketed
// so history always has matching start/end pairs even when a step never
// completes.
type StepExecution struct {
	Step        Step       `json:"step"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	DurationMs  int64      `json:"durationMs,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Execution statuses recorded in the step history.
const (
	ExecutionStarted   = "started"
	ExecutionCompleted = "completed"
	ExecutionFailed    = "failed"
)

// StepError records a failed step in the saga's error list.
type StepError struct {
	Step       Step      `json:"step"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Context is the persisted state of one saga instance. It is mutated only
// through the Manager and never physically deleted; terminal sagas are
// retained for audit.
type Context struct {
	SagaID        string                   `json:"sagaId"`
	ComplaintID   string                   `json:"complaintId"`
	CustomerID    string                   `json:"customerId"`
	CorrelationID string                   `json:"correlationId"`
	Payload       json.RawMessage          `json:"payload,omitempty"`
	Status        Status                   `json:"status"`
	CurrentStep   Step                     `json:"currentStep,omitempty"`
	StepResults   map[Step]json.RawMessage `json:"stepResults,omitempty"`
	Errors        []StepError              `json:"errors,omitempty"`
	StepHistory   []StepExecution          `json:"stepHistory,omitempty"`
	Version       int64                    `json:"version"`
	CreatedAt     time.Time                `json:"createdAt"`
	UpdatedAt     time.Time                `json:"updatedAt"`
}

// transitionTo validates and applies a status change.
func (c *Context) transitionTo(to Status) error {
	if c.Status == to {
		return nil
	}
	if !CanTransition(c.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, to)
	}
	c.Status = to
	return nil
}

// openExecution returns the index of the unclosed history entry for the
// step, or -1.
func (c *Context) openExecution(step Step) int {
	for i := len(c.StepHistory) - 1; i >= 0; i-- {
		if c.StepHistory[i].Step == step && c.StepHistory[i].Status == ExecutionStarted {
			return i
		}
	}
	return -1
}
