// ABOUTME: Exponential reconnect backoff with symmetric percentage jitter
// ABOUTME: Delays double from the base up to the cap; each wait is jittered independently

package transport

import (
	"math/rand/v2"
	"time"
)

// JitteredDelay returns base moved up or down by a random fraction of at
// most jitterPct percent, capped at ceiling. A non-positive jitterPct uses 25.
func JitteredDelay(base, ceiling time.Duration, jitterPct int) time.Duration {
	if jitterPct <= 0 {
		jitterPct = 25
	}
	delta := (rand.Float64()*2 - 1) * float64(jitterPct) / 100.0
	wait := time.Duration(float64(base) * (1 + delta))
	if wait < 0 {
		wait = base
	}
	if wait > ceiling {
		wait = ceiling
	}
	return wait
}

// Backoff yields successive reconnect delays. It is not safe for concurrent use.
type Backoff struct {
	Base          time.Duration
	Max           time.Duration
	JitterPercent int

	current time.Duration
}

// Next returns the delay before the next attempt and grows the base.
func (b *Backoff) Next() time.Duration {
	if b.current <= 0 {
		b.current = b.Base
	}
	wait := JitteredDelay(b.current, b.Max, b.JitterPercent)
	if b.current*2 < b.Max {
		b.current *= 2
	} else {
		b.current = b.Max
	}
	return wait
}

// Reset starts the sequence over from Base.
func (b *Backoff) Reset() { b.current = 0 }
