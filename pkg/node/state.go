package node

// State is the lifecycle state of a Node.
type State int

const (
	// StateInitialized means the node is built but not started.
	StateInitialized State = iota

	// StateUncommissioned means the node is running with no fabric
	// identity installed.
	StateUncommissioned

	// StateCommissioningOpen means a commissioning window is open and
	// the node answers PASE.
	StateCommissioningOpen

	// StateCommissioned means the node is running with at least one
	// fabric identity.
	StateCommissioned

	// StateStopped means the node was shut down.
	StateStopped
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateInitialized:
		return "Initialized"
	case StateUncommissioned:
		return "Uncommissioned"
	case StateCommissioningOpen:
		return "CommissioningOpen"
	case StateCommissioned:
		return "Commissioned"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// Running reports whether the node is in an operational state.
func (s State) Running() bool {
	switch s {
	case StateUncommissioned, StateCommissioningOpen, StateCommissioned:
		return true
	default:
		return false
	}
}
