// ABOUTME: Explicit exponential backoff state machine for reconnect attempts
// ABOUTME: Tracks the attempt counter so delays and exhaustion are unit-testable

package client

import "time"

// Backoff computes reconnect delays: base, 2*base, 4*base, doubling per
// failed attempt up to MaxAttempts, after which Next reports exhaustion. It
// is a plain counter, not a timer; the caller decides how to wait.
type Backoff struct {
	Base        time.Duration
	MaxAttempts int

	attempt int
}

// Next returns the delay before the next attempt, or false when the attempt
// budget is spent.
func (b *Backoff) Next() (time.Duration, bool) {
	if b.attempt >= b.MaxAttempts {
		return 0, false
	}
	d := b.Base << b.attempt
	b.attempt++
	return d, true
}

// Reset clears the attempt counter after a successful connect.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempt returns the number of attempts consumed since the last reset.
func (b *Backoff) Attempt() int {
	return b.attempt
}
