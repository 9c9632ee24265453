package transport

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// newReconnectBackOff returns a deterministic exponential schedule: base, 2*base,
// 4*base ... capped at max. Attempt bounding is done by the channel, not here.
func newReconnectBackOff(base, maxDelay time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = maxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
