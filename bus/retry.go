package bus

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy bounds redelivery of a message whose handler failed. After
// MaxAttempts the message is acknowledged and handed to the dead-letter sink
// so a poison message can never loop forever.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultRetryPolicy matches the documented 1s, 2s, 4s schedule.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
	}
}

// Delay returns the backoff before the given redelivery attempt. Attempts
// are counted from zero: the first retry waits InitialDelay, each following
// retry doubles it, capped at MaxDelay with a little jitter.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	initial := p.InitialDelay
	if initial <= 0 {
		initial = time.Second
	}
	max := p.MaxDelay
	if max <= 0 {
		max = 30 * time.Second
	}
	backoff := float64(initial) * math.Pow(2, float64(attempt))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	jitter := 0.1 * backoff
	return time.Duration(backoff + (rand.Float64()-0.5)*2*jitter)
}

// Exhausted reports whether the retry budget is spent.
func (p RetryPolicy) Exhausted(attempt int) bool {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	return attempt >= attempts
}
