package txn

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"time"

	log "github.com/sirupsen/logrus"
)

// RetryPolicy bounds the retry loop for transient failures.
type RetryPolicy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultRetryPolicy retries three times starting at 100ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, InitialDelay: 100 * time.Millisecond, MaxDelay: 5 * time.Second}
}

// Delay returns the backoff before the given retry, exponential with jitter.
func (p RetryPolicy) Delay(retry int) time.Duration {
	d := p.InitialDelay
	for i := 0; i < retry; i++ {
		d *= 2
		if d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(d)/5+1)) - d/10
	return d + jitter
}

// Timeouts bound the two points where a transaction can hang on the pool:
// waiting for a free connection and committing.
type Timeouts struct {
	Begin  time.Duration
	Commit time.Duration
}

// DefaultTimeouts allows 5s to acquire a connection and 10s to commit.
func DefaultTimeouts() Timeouts {
	return Timeouts{Begin: 5 * time.Second, Commit: 10 * time.Second}
}

// Coordinator executes database work inside transactions and retries
// transient failures. A zero MaxRetries means operations run exactly once.
type Coordinator struct {
	db       *sql.DB
	policy   RetryPolicy
	timeouts Timeouts
	logger   *log.Logger

	sleep func(time.Duration)
}

// New returns a coordinator over db with DefaultTimeouts.
func New(db *sql.DB, policy RetryPolicy, logger *log.Logger) *Coordinator {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Coordinator{db: db, policy: policy, timeouts: DefaultTimeouts(), logger: logger, sleep: time.Sleep}
}

// SetSleep overrides the backoff sleep, for tests.
func (c *Coordinator) SetSleep(sleep func(time.Duration)) { c.sleep = sleep }

// SetTimeouts overrides the transaction timeouts.
func (c *Coordinator) SetTimeouts(t Timeouts) { c.timeouts = t }

// ExecuteInTransaction runs fn inside a transaction. Waiting for a pool
// connection is bounded by Timeouts.Begin and the commit by Timeouts.Commit;
// fn itself runs on the caller's context. Any error from fn or the commit
// rolls everything back and is returned classified.
func (c *Coordinator) ExecuteInTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	waitCtx, cancelWait := context.WithTimeout(ctx, c.timeouts.Begin)
	conn, err := c.db.Conn(waitCtx)
	cancelWait()
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	txCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	tx, err := conn.BeginTx(txCtx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			c.logger.WithError(rbErr).Error("Transaction rollback failed")
		}
		return err
	}
	// Cancelling the transaction context aborts a commit that outlives its
	// bound.
	timer := time.AfterFunc(c.timeouts.Commit, cancel)
	defer timer.Stop()
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ExecuteWithRetry runs op, retrying transient failures with exponential
// backoff. Permanent failures return immediately.
func (c *Coordinator) ExecuteWithRetry(ctx context.Context, op func(context.Context) error) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) || attempt >= c.policy.MaxRetries {
			return lastErr
		}
		delay := c.policy.Delay(attempt)
		c.logger.WithFields(log.Fields{
			"attempt": attempt + 1,
			"kind":    Classify(lastErr).String(),
			"delay":   delay,
		}).WithError(lastErr).Warn("Retrying transient failure")
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		c.sleep(delay)
	}
}

// ExecuteTransactionWithRetry combines ExecuteInTransaction and
// ExecuteWithRetry: the whole transaction is retried on transient failure,
// including serialization and deadlock aborts.
func (c *Coordinator) ExecuteTransactionWithRetry(ctx context.Context, fn func(*sql.Tx) error) error {
	return c.ExecuteWithRetry(ctx, func(ctx context.Context) error {
		return c.ExecuteInTransaction(ctx, fn)
	})
}

// ExecuteBatch runs all operations in one transaction; the first failure
// rolls back every operation.
func (c *Coordinator) ExecuteBatch(ctx context.Context, ops []func(*sql.Tx) error) error {
	return c.ExecuteInTransaction(ctx, func(tx *sql.Tx) error {
		for i, op := range ops {
			if err := op(tx); err != nil {
				return fmt.Errorf("batch operation %d: %w", i, err)
			}
		}
		return nil
	})
}

// ExecuteConditional evaluates cond inside the transaction and runs fn only
// when it holds, keeping check and action atomic. It reports whether fn ran.
func (c *Coordinator) ExecuteConditional(ctx context.Context, cond func(*sql.Tx) (bool, error), fn func(*sql.Tx) error) (bool, error) {
	ran := false
	err := c.ExecuteInTransaction(ctx, func(tx *sql.Tx) error {
		ok, err := cond(tx)
		if err != nil {
			return fmt.Errorf("evaluate condition: %w", err)
		}
		if !ok {
			return nil
		}
		ran = true
		return fn(tx)
	})
	return ran, err
}
