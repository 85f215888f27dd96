package replicator

import (
	"time"
)

// backoff computes reconnect delays: initialRetryDelay doubling per failed
// attempt, capped at max.
type backoff struct {
	initial     time.Duration
	max         time.Duration
	maxAttempts int // total attempts including the first; 0 for unbounded
}

// next returns the delay after the given number of failed attempts, or
// false when no more attempts are allowed.
func (b backoff) next(failures int) (time.Duration, bool) {
	if b.maxAttempts > 0 && failures >= b.maxAttempts {
		return 0, false
	}
	delay := b.initial
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= b.max {
			return b.max, true
		}
	}
	return min(delay, b.max), true
}
