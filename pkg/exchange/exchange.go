// Package exchange multiplexes conversations over sessions and runs
// the Message Reliability Protocol.
//
// An Exchange is one conversation between two nodes, identified by the
// tuple {session, exchange ID, role} (Spec Section 4.10.1). The layer
// sits between pkg/session and protocol implementations: it routes
// decrypted messages to per-exchange delegates, dispatches unsolicited
// messages to registered protocol handlers, and, for UDP peers,
// retransmits unacknowledged messages and acknowledges received ones
// per Spec Section 4.12.
package exchange

import "errors"

// Errors returned by the exchange package.
var (
	ErrClosed            = errors.New("exchange: closed")
	ErrClosing           = errors.New("exchange: closing")
	ErrDuplicateExchange = errors.New("exchange: exchange already exists")
	ErrNoHandler         = errors.New("exchange: no handler for protocol")
	ErrNoSession         = errors.New("exchange: no session for message")
	ErrReliablePending   = errors.New("exchange: reliable message pending")
	ErrDeliveryFailed    = errors.New("exchange: retransmissions exhausted")
	ErrBadMessage        = errors.New("exchange: malformed message")
)

// Role says which side of the conversation this node is on. It is
// independent of the session establishment role: a CASE responder can
// initiate exchanges of its own.
type Role uint8

const (
	// RoleInitiator sent the first message of the exchange, allocated
	// its ID, and sets the I flag on everything it sends.
	RoleInitiator Role = iota

	// RoleResponder adopted the ID from an incoming unsolicited message
	// and leaves the I flag clear.
	RoleResponder
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "Initiator"
	case RoleResponder:
		return "Responder"
	default:
		return "Unknown"
	}
}

// State is the exchange lifecycle (Spec Section 4.10.5.3).
type State uint8

const (
	// StateActive accepts sends and receives.
	StateActive State = iota

	// StateClosing flushes pending acks and waits for in-flight
	// retransmissions; no new sends.
	StateClosing

	// StateClosed accepts nothing.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "Active"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// key identifies an exchange in the manager's tables. The role is this
// node's role, so both sides of a conversation use distinct keys even
// when a node talks to itself.
type key struct {
	localSessionID uint16
	exchangeID     uint16
	role           Role
}
