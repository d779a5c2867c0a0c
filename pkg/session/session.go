// Package session tracks the messaging state of peers: secure session
// contexts established by PASE or CASE, the unsecured session used
// during establishment, session ID allocation, and MRP timing
// parameters (Matter Specification Section 4.13).
package session

import "errors"

// Session errors.
var (
	ErrBadKind          = errors.New("session: invalid session kind")
	ErrBadRole          = errors.New("session: invalid session role")
	ErrBadSessionID     = errors.New("session: session ID must be non-zero")
	ErrBadKey           = errors.New("session: session key must be 16 bytes")
	ErrClosed           = errors.New("session: session closed")
	ErrTableFull        = errors.New("session: session table full")
	ErrIDExhausted      = errors.New("session: no free session IDs")
	ErrDuplicateSession = errors.New("session: session ID already in use")
	ErrNotFound         = errors.New("session: session not found")
)

// Kind distinguishes how a secure session was established.
type Kind uint8

const (
	KindPASE Kind = iota
	KindCASE
)

func (k Kind) String() string {
	switch k {
	case KindPASE:
		return "PASE"
	case KindCASE:
		return "CASE"
	default:
		return "Unknown"
	}
}

// IsValid reports whether the kind is defined.
func (k Kind) IsValid() bool {
	return k == KindPASE || k == KindCASE
}

// Role records which side of the establishment this node was. The
// initiator encrypts with I2R and decrypts with R2I; the responder the
// reverse.
type Role uint8

const (
	RoleInitiator Role = iota
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

// IsValid reports whether the role is defined.
func (r Role) IsValid() bool {
	return r == RoleInitiator || r == RoleResponder
}
