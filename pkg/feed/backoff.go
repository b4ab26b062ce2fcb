package feed

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

const DefaultReconnectDelay = 5 * time.Second

// NewReconnectPolicy returns the wait applied after every upstream failure: a
// fixed delay, optionally spread by jitter (0 <= jitter < 1) so that many
// symbols dropped at once do not reconnect in lockstep.
func NewReconnectPolicy(delay time.Duration, jitter float64) backoff.BackOff {
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	if jitter <= 0 {
		return backoff.NewConstantBackOff(delay)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = delay
	b.MaxInterval = delay
	b.Multiplier = 1
	b.RandomizationFactor = jitter
	b.Reset()
	return b
}
