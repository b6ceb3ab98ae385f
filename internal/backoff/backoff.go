// Package backoff implements the retry delay policy shared by every
// reconnecting component. Delays grow multiplicatively from Base up to Cap,
// with optional jitter, and reset after one fully successful attempt.
package backoff

import (
	"math/rand"
	"time"
)

// Policy describes an exponential backoff schedule. The zero value is not
// usable; call Default or fill in every field.
type Policy struct {
	// Base is the delay before the first retry.
	Base time.Duration
	// Multiplier scales the delay after each failed attempt. Must be >= 1.
	Multiplier float64
	// Cap bounds the delay regardless of attempt count.
	Cap time.Duration
	// Jitter, in [0,1], randomizes each delay by up to that fraction so
	// simultaneously-disconnected tabs do not reconnect in lockstep.
	Jitter float64
	// MaxAttempts bounds the number of retries. Zero means unlimited.
	MaxAttempts int
}

// Default returns the schedule used by the push channel: 1s, 2s, 4s ...
// capped at 30s with 20% jitter, giving up after 10 attempts.
func Default() Policy {
	return Policy{
		Base:        time.Second,
		Multiplier:  2,
		Cap:         30 * time.Second,
		Jitter:      0.2,
		MaxAttempts: 10,
	}
}

// Delay returns the delay before retry number attempt (0-based), without
// jitter. The result is monotonically non-decreasing in attempt and never
// exceeds Cap.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(p.Base)
	for i := 0; i < attempt; i++ {
		d *= p.Multiplier
		if time.Duration(d) >= p.Cap {
			return p.Cap
		}
	}
	if time.Duration(d) > p.Cap {
		return p.Cap
	}
	return time.Duration(d)
}

// JitteredDelay returns Delay(attempt) perturbed by up to +/- Jitter.
func (p Policy) JitteredDelay(attempt int) time.Duration {
	d := p.Delay(attempt)
	if p.Jitter <= 0 {
		return d
	}
	// Uniform in [1-Jitter, 1+Jitter].
	f := 1 + p.Jitter*(2*rand.Float64()-1)
	j := time.Duration(float64(d) * f)
	if j < 0 {
		return 0
	}
	return j
}

// Exhausted reports whether attempt (0-based, counting failures so far)
// has reached the retry ceiling.
func (p Policy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt >= p.MaxAttempts
}

// Counter tracks consecutive failures against a Policy. It is not safe for
// concurrent use; owners serialize access the same way they own their
// connection state.
type Counter struct {
	policy  Policy
	attempt int
}

// NewCounter creates a counter for the given policy.
func NewCounter(policy Policy) *Counter {
	return &Counter{policy: policy}
}

// Next records a failure and returns the jittered delay to wait before the
// next attempt, plus false when the retry ceiling has been reached.
func (c *Counter) Next() (time.Duration, bool) {
	if c.policy.Exhausted(c.attempt) {
		return 0, false
	}
	d := c.policy.JitteredDelay(c.attempt)
	c.attempt++
	return d, true
}

// Reset clears the failure count after a successful attempt (or an explicit
// user-triggered retry).
func (c *Counter) Reset() {
	c.attempt = 0
}

// Attempt returns the number of consecutive failures recorded so far.
func (c *Counter) Attempt() int {
	return c.attempt
}
