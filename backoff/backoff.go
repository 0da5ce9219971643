// Package backoff computes retry delays for failed connection and channel
// attach attempts. It is pure; callers own the timers.
package backoff

import (
	"math/rand"
	"time"
)

// The multiplier grows by a third per attempt and saturates at 2×, so
// delays are bounded: retries slow down but never stop.
const maxMultiplier = 2.0

// Nominal returns the un-jittered delay for the given attempt (1-indexed)
// and base timeout: min((attempt+2)/3, 2) × base.
//
// Attempt 1 gives exactly the base timeout; attempts 4 and beyond give
// twice the base.
func Nominal(attempt int, base time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	m := (float64(attempt) + 2) / 3
	if m > maxMultiplier {
		m = maxMultiplier
	}
	return time.Duration(m * float64(base))
}

// Delay returns the delay to actually arm: uniformly random in
// [0.8 × nominal, 1.0 × nominal]. The spread keeps a fleet of clients that
// dropped together from reconnecting in lockstep.
//
// rnd may be nil, in which case the global source is used. Tests inject a
// seeded source for reproducibility.
func Delay(attempt int, base time.Duration, rnd *rand.Rand) time.Duration {
	nominal := Nominal(attempt, base)

	var f float64
	if rnd != nil {
		f = rnd.Float64()
	} else {
		f = rand.Float64()
	}
	return time.Duration((0.8 + 0.2*f) * float64(nominal))
}
