package dispatch

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// maxReconnectDelay caps the wait between two reconnects of one task
const maxReconnectDelay = 30 * time.Second

// newBackOff returns the reconnect schedule of one task: step, then twice
// the previous wait. A zero step never waits.
func newBackOff(step time.Duration) backoff.BackOff {
	if step <= 0 {
		return &backoff.ZeroBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = step
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = maxReconnectDelay
	// Attempts are bounded by session.MaxAttempts, not by time
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
