package agent

import "time"

const (
	initialBackoff = time.Second
	maxBackoff     = 300 * time.Second
)

// BackoffState is a copy of the backoff counters.
type BackoffState struct {
	Delay    time.Duration
	Failures int
}

// Backoff tracks consecutive failed exchanges. It belongs to a single engine
// and is only touched from its scheduling goroutine.
type Backoff struct {
	delay    time.Duration
	failures int
}

func NewBackoff() *Backoff {
	return &Backoff{delay: initialBackoff}
}

func (b *Backoff) RecordSuccess() {
	b.delay = initialBackoff
	b.failures = 0
}

// RecordFailure returns the wait for the n-th consecutive failure,
// min(1s * 2^(n-1), 300s).
func (b *Backoff) RecordFailure() time.Duration {
	wait := b.delay
	b.failures++
	b.delay = min(b.delay*2, maxBackoff)
	return wait
}

func (b *Backoff) State() BackoffState {
	return BackoffState{Delay: b.delay, Failures: b.failures}
}
