package exchange

import (
	"math"
	"math/rand"
	"time"
)

// RandomSource supplies the jitter for backoff intervals. Tests inject
// a fixed source for deterministic timing.
type RandomSource interface {
	// Float64 returns a value in [0, 1).
	Float64() float64
}

type mathRandSource struct{}

func (mathRandSource) Float64() float64 { return rand.Float64() }

// Backoff computes MRP retransmission wait times (Spec Section
// 4.12.2.1):
//
//	t = i * BackoffBase^max(0, n-BackoffThreshold) * (1 + random * BackoffJitter)
//
// where i is the peer's retry interval scaled by BackoffMargin and n
// is the number of sends already made.
type Backoff struct {
	rand RandomSource
}

// NewBackoff creates a backoff calculator. A nil source uses math/rand.
func NewBackoff(src RandomSource) *Backoff {
	if src == nil {
		src = mathRandSource{}
	}
	return &Backoff{rand: src}
}

// Interval returns the wait before send attempt n+1, given the peer's
// base retry interval and n prior sends.
func (b *Backoff) Interval(base time.Duration, sends int) time.Duration {
	return b.interval(base, sends, b.rand.Float64())
}

// IntervalMin returns the smallest possible wait (zero jitter).
func (b *Backoff) IntervalMin(base time.Duration, sends int) time.Duration {
	return b.interval(base, sends, 0)
}

// IntervalMax returns the largest possible wait (full jitter).
func (b *Backoff) IntervalMax(base time.Duration, sends int) time.Duration {
	return b.interval(base, sends, 1)
}

func (b *Backoff) interval(base time.Duration, sends int, jitter float64) time.Duration {
	exponent := sends - BackoffThreshold
	if exponent < 0 {
		exponent = 0
	}
	t := float64(base) * BackoffMargin
	t *= math.Pow(BackoffBase, float64(exponent))
	t *= 1 + jitter*BackoffJitter
	return time.Duration(t)
}
