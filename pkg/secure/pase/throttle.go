package pase

import (
	"sync"
	"time"
)

// Throttle defaults.
const (
	// DefaultMaxFailures locks the responder out of further PASE
	// attempts until an administrative reset.
	DefaultMaxFailures = 20

	// DefaultHoldOffBase is the hold-off after the first failure; it
	// doubles with every consecutive failure up to DefaultHoldOffMax.
	DefaultHoldOffBase = 500 * time.Millisecond
	DefaultHoldOffMax  = 10 * time.Minute
)

// Throttle rate-limits PASE attempts to blunt passcode brute forcing.
// Every failed confirmation doubles a hold-off window during which new
// attempts are refused with Busy; after MaxFailures consecutive
// failures the responder locks out entirely until Reset. A successful
// establishment clears the counter.
type Throttle struct {
	mu       sync.Mutex
	now      func() time.Time
	failures int
	until    time.Time

	MaxFailures int
	HoldOffBase time.Duration
	HoldOffMax  time.Duration
}

// NewThrottle returns a Throttle with the default policy.
func NewThrottle() *Throttle {
	return &Throttle{
		now:         time.Now,
		MaxFailures: DefaultMaxFailures,
		HoldOffBase: DefaultHoldOffBase,
		HoldOffMax:  DefaultHoldOffMax,
	}
}

// Admit reports whether a new attempt may start. When refused,
// retryAfter is how long the peer should wait before trying again; a
// zero retryAfter with ok false means the responder is locked out.
func (t *Throttle) Admit() (retryAfter time.Duration, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failures >= t.MaxFailures {
		return 0, false
	}
	if remaining := t.until.Sub(t.now()); remaining > 0 {
		return remaining, false
	}
	return 0, true
}

// RecordFailure notes a failed attempt and extends the hold-off.
func (t *Throttle) RecordFailure() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures++
	t.until = t.now().Add(t.holdOffLocked())
}

// RecordSuccess clears the failure history.
func (t *Throttle) RecordSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures = 0
	t.until = time.Time{}
}

// Reset is the administrative unlock; it also clears any hold-off.
func (t *Throttle) Reset() {
	t.RecordSuccess()
}

// Failures returns the consecutive failure count.
func (t *Throttle) Failures() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failures
}

// LockedOut reports whether the failure limit has been reached.
func (t *Throttle) LockedOut() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failures >= t.MaxFailures
}

func (t *Throttle) holdOffLocked() time.Duration {
	d := t.HoldOffBase
	for i := 1; i < t.failures; i++ {
		d *= 2
		if d >= t.HoldOffMax {
			return t.HoldOffMax
		}
	}
	return d
}
