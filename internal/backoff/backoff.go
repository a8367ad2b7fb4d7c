// Package backoff tracks a doubling retry delay for reconnect loops that are
// polled from a single goroutine.
package backoff

import "time"

// Backoff gates retries. The delay starts at the initial value, doubles on
// every failed attempt up to the maximum and drops back after a success.
// It is not safe for concurrent use; the owner polls it from its loop.
type Backoff struct {
	initial time.Duration
	max     time.Duration

	current     time.Duration
	lastAttempt time.Time
	inProgress  bool
}

// New returns a Backoff whose delay starts at initial. A max below initial is
// raised to initial.
func New(initial, max time.Duration) *Backoff {
	if initial <= 0 {
		initial = time.Millisecond
	}
	if max < initial {
		max = initial
	}
	return &Backoff{initial: initial, max: max, current: initial}
}

// Delay is the wait currently required between two attempts.
func (b *Backoff) Delay() time.Duration { return b.current }

// InProgress reports whether an attempt was started and has not resolved yet.
func (b *Backoff) InProgress() bool { return b.inProgress }

// Arm starts the timer without starting an attempt. The first attempt is
// then due one full delay after now.
func (b *Backoff) Arm(now time.Time) { b.lastAttempt = now }

// Due reports whether a new attempt may start at now.
func (b *Backoff) Due(now time.Time) bool {
	if b.inProgress {
		return false
	}
	if b.lastAttempt.IsZero() {
		return true
	}
	return now.Sub(b.lastAttempt) >= b.current
}

// Start records an attempt beginning at now.
func (b *Backoff) Start(now time.Time) {
	b.inProgress = true
	b.lastAttempt = now
}

// Succeed resets the delay to its initial value.
func (b *Backoff) Succeed() {
	b.inProgress = false
	b.current = b.initial
}

// Fail doubles the delay, bounded by max, and restarts the wait from now.
func (b *Backoff) Fail(now time.Time) {
	b.inProgress = false
	b.lastAttempt = now
	b.current = min(b.current*2, b.max)
}

// Cancel ends an in-flight attempt without judging it.
func (b *Backoff) Cancel() { b.inProgress = false }

// Reset forgets all history; the next attempt is due immediately.
func (b *Backoff) Reset() {
	b.inProgress = false
	b.lastAttempt = time.Time{}
	b.current = b.initial
}

func min(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
