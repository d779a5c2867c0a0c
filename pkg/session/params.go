package session

import "time"

// MRP timing defaults and limits (Spec Section 4.12.8). Defaults apply
// when the peer advertises nothing.
const (
	DefaultIdleInterval    = 500 * time.Millisecond
	DefaultActiveInterval  = 300 * time.Millisecond
	DefaultActiveThreshold = 4000 * time.Millisecond

	MaxIdleInterval    = time.Hour
	MaxActiveInterval  = time.Hour
	MaxActiveThreshold = 65535 * time.Millisecond
)

// Params are the per-session MRP timing parameters exchanged during
// establishment (Spec Section 4.13.1).
type Params struct {
	// IdleInterval is the retransmission interval while the peer is
	// presumed idle.
	IdleInterval time.Duration

	// ActiveInterval is the retransmission interval while the peer is
	// presumed active.
	ActiveInterval time.Duration

	// ActiveThreshold is how long after its last transmission the peer
	// counts as active.
	ActiveThreshold time.Duration
}

// DefaultParams returns the spec defaults.
func DefaultParams() Params {
	return Params{
		IdleInterval:    DefaultIdleInterval,
		ActiveInterval:  DefaultActiveInterval,
		ActiveThreshold: DefaultActiveThreshold,
	}
}

// WithDefaults fills zero fields with the spec defaults.
func (p Params) WithDefaults() Params {
	if p.IdleInterval == 0 {
		p.IdleInterval = DefaultIdleInterval
	}
	if p.ActiveInterval == 0 {
		p.ActiveInterval = DefaultActiveInterval
	}
	if p.ActiveThreshold == 0 {
		p.ActiveThreshold = DefaultActiveThreshold
	}
	return p
}

// Valid reports whether all parameters are positive and within the
// spec maxima.
func (p Params) Valid() bool {
	return p.IdleInterval > 0 && p.IdleInterval <= MaxIdleInterval &&
		p.ActiveInterval > 0 && p.ActiveInterval <= MaxActiveInterval &&
		p.ActiveThreshold > 0 && p.ActiveThreshold <= MaxActiveThreshold
}
