// Package backoff computes capped exponential retry delays with
// multiplicative jitter.
package backoff

import (
	"math/rand/v2"
	"time"
)

// DefaultJitter is the ±fraction applied to every delay.
const DefaultJitter = 0.25

// Policy describes an exponential backoff: Base doubles per attempt up to
// Max, then a uniform jitter of ±Jitter is applied.
type Policy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64

	// Uniform returns a value in [0, 1). Nil uses math/rand/v2.
	Uniform func() float64
}

// New returns a Policy with the default jitter.
func New(base, maxDelay time.Duration) Policy {
	return Policy{Base: base, Max: maxDelay, Jitter: DefaultJitter}
}

// BaseDelay returns the un-jittered delay for a zero-based attempt:
// min(Base * 2^attempt, Max).
func (p Policy) BaseDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.Base
	for i := 0; i < attempt; i++ {
		if d >= p.Max {
			break
		}
		d *= 2
	}
	if d > p.Max {
		d = p.Max
	}
	return d
}

// Delay returns BaseDelay(attempt) scaled by (1 + Jitter*u), u uniform in
// [-1, 1] and drawn per call.
func (p Policy) Delay(attempt int) time.Duration {
	return p.jitter(p.BaseDelay(attempt))
}

func (p Policy) jitter(d time.Duration) time.Duration {
	uniform := p.Uniform
	if uniform == nil {
		uniform = rand.Float64
	}
	u := 2*uniform() - 1
	return time.Duration(float64(d) * (1 + p.Jitter*u))
}
