package txn

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Step is one operation of a distributed sequence. Operation runs inside the
// shared transaction; Compensate undoes the side effects that live outside it
// (broker publishes, remote calls). A nil Compensate marks the step as having
// none.
type Step struct {
	Name       string
	Operation  func(context.Context, *sql.Tx) error
	Compensate func(context.Context) error
}

// CompensationFailure records a compensation that itself failed.
type CompensationFailure struct {
	Step string
	Err  error
}

// DistributedError reports a failed distributed execution: which step broke,
// why, and which compensations could not be applied.
type DistributedError struct {
	FailedStep           string
	Cause                error
	CompensationFailures []CompensationFailure
}

func (e *DistributedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "step %s failed: %v", e.FailedStep, e.Cause)
	for _, f := range e.CompensationFailures {
		fmt.Fprintf(&b, "; compensation for %s failed: %v", f.Step, f.Err)
	}
	return b.String()
}

func (e *DistributedError) Unwrap() error { return e.Cause }

// ExecuteDistributed runs the steps in order inside one transaction, retried
// as a whole on transient failure. Database writes of completed steps roll
// back with the transaction; compensations cover the external side effects
// and run in reverse order, best effort: a failing compensation is recorded
// and the remaining ones still run. The step failure is always the returned
// cause.
func (c *Coordinator) ExecuteDistributed(ctx context.Context, steps []Step) error {
	var completed []Step
	var failedStep string
	err := c.ExecuteWithRetry(ctx, func(ctx context.Context) error {
		completed = completed[:0]
		failedStep = ""
		return c.ExecuteInTransaction(ctx, func(tx *sql.Tx) error {
			for _, step := range steps {
				if err := step.Operation(ctx, tx); err != nil {
					failedStep = step.Name
					return err
				}
				completed = append(completed, step)
			}
			return nil
		})
	})
	if err == nil {
		return nil
	}
	if failedStep == "" {
		// Every step succeeded and the commit itself failed.
		failedStep = "commit"
	}
	c.logger.WithFields(log.Fields{
		"step": failedStep,
		"kind": Classify(err).String(),
	}).WithError(err).Error("Distributed step failed, compensating")
	return &DistributedError{
		FailedStep:           failedStep,
		Cause:                err,
		CompensationFailures: c.compensate(ctx, completed),
	}
}

// compensate unwinds completed steps last-in-first-out.
func (c *Coordinator) compensate(ctx context.Context, completed []Step) []CompensationFailure {
	var failures []CompensationFailure
	for i := len(completed) - 1; i >= 0; i-- {
		step := completed[i]
		if step.Compensate == nil {
			continue
		}
		if err := step.Compensate(ctx); err != nil {
			c.logger.WithFields(log.Fields{"step": step.Name}).
				WithError(err).Error("Compensation failed")
			failures = append(failures, CompensationFailure{Step: step.Name, Err: err})
			continue
		}
		c.logger.WithFields(log.Fields{"step": step.Name}).Info("Compensation applied")
	}
	return failures
}
