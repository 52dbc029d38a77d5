package session

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ReconnectionPolicy produces a schedule of delays before the Nth
// reconnection attempt to a down host.
type ReconnectionPolicy interface {
	NextDelay(attempt int) time.Duration
}

// ConstantReconnectionPolicy retries at a fixed interval forever.
type ConstantReconnectionPolicy struct {
	Delay time.Duration
}

func (p ConstantReconnectionPolicy) NextDelay(attempt int) time.Duration { return p.Delay }

// ExponentialReconnectionPolicy doubles the delay from Base up to Max,
// backed by cenkalti/backoff/v4 rather than a hand-rolled doubling loop.
type ExponentialReconnectionPolicy struct {
	Base time.Duration
	Max  time.Duration
}

// NextDelay draws attempt+1 intervals from a fresh
// backoff.ExponentialBackOff and returns the last one, clamped to Max, so
// attempt 0 yields Base. The policy is
// stateless across calls (the Registry tracks attempt count per host), so a
// new backoff generator is seeded each time rather than kept live.
func (p ExponentialReconnectionPolicy) NextDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.MaxInterval = p.Max
	b.MaxElapsedTime = 0 // never give up
	b.Multiplier = 2.0
	b.RandomizationFactor = 0
	b.Reset() // restart from InitialInterval instead of the library default

	delay := p.Base
	for i := 0; i <= attempt; i++ {
		delay = b.NextBackOff()
		if delay == backoff.Stop {
			return p.Max
		}
	}
	if delay > p.Max {
		return p.Max
	}
	return delay
}
