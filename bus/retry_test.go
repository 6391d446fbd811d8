package bus

import (
	"testing"
	"time"
)

func TestDelayDoublesAndCaps(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, InitialDelay: time.Second, MaxDelay: 4 * time.Second}

	within := func(d, base time.Duration) bool {
		// 10% jitter either way.
		lo := time.Duration(float64(base) * 0.9)
		hi := time.Duration(float64(base) * 1.1)
		return d >= lo && d <= hi
	}

	if d := p.Delay(0); !within(d, time.Second) {
		t.Fatalf("attempt 0 delay %v, want ~1s", d)
	}
	if d := p.Delay(1); !within(d, 2*time.Second) {
		t.Fatalf("attempt 1 delay %v, want ~2s", d)
	}
	if d := p.Delay(10); !within(d, 4*time.Second) {
		t.Fatalf("attempt 10 delay %v, want capped at ~4s", d)
	}
}

func TestExhausted(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3}
	if p.Exhausted(2) {
		t.Fatal("attempt 2 of 3 must not be exhausted")
	}
	if !p.Exhausted(3) {
		t.Fatal("attempt 3 of 3 must be exhausted")
	}
}

func TestZeroPolicyDefaults(t *testing.T) {
	var p RetryPolicy
	if p.Exhausted(2) {
		t.Fatal("zero policy should default to 3 attempts")
	}
	if !p.Exhausted(3) {
		t.Fatal("zero policy should exhaust after 3 attempts")
	}
	if d := p.Delay(0); d <= 0 {
		t.Fatalf("zero policy delay %v, want positive", d)
	}
}
