// Package wire implements the Matter message wire format: packet and
// payload headers, secure message encryption, privacy obfuscation,
// message counters, and replay detection, per Matter Specification
// Chapter 4.
//
// All multi-byte header fields are little-endian on the wire.
package wire

// Message format constants (Spec Section 4.4).
const (
	// FormatVersion is the only supported message format version.
	FormatVersion uint8 = 0

	// MinPacketHeaderSize is Message Flags (1) + Session ID (2) +
	// Security Flags (1) + Message Counter (4).
	MinPacketHeaderSize = 8

	// MinPayloadHeaderSize is Exchange Flags (1) + Opcode (1) +
	// Exchange ID (2) + Protocol ID (2).
	MinPayloadHeaderSize = 6

	// MaxUDPMessageSize is the IPv6 minimum MTU (Spec Section 4.4.4).
	MaxUDPMessageSize = 1280

	// MICSize is the AES-CCM message integrity check size.
	MICSize = 16

	// NodeIDSize is the size of a 64-bit node ID.
	NodeIDSize = 8

	// GroupIDSize is the size of a 16-bit group ID.
	GroupIDSize = 2

	// StreamLengthPrefixSize is the TCP length prefix size
	// (Spec Section 4.5.1).
	StreamLengthPrefixSize = 4
)

// Counter constants (Spec Section 4.6).
const (
	// CounterWindowSize is MSG_COUNTER_WINDOW_SIZE.
	CounterWindowSize = 32

	// CounterInitMax bounds random counter initialization: counters
	// start in [1, 2^28].
	CounterInitMax = 1 << 28
)

// UnspecifiedNodeID is used in nonces for PASE sessions, which have no
// operational identity yet.
const UnspecifiedNodeID uint64 = 0

// Message Flags bits (Spec Section 4.4.1.1).
const (
	msgFlagDSIZMask      uint8 = 0x03
	msgFlagSourcePresent uint8 = 0x04
	msgFlagVersionShift        = 4
	msgFlagVersionMask   uint8 = 0x0F
)

// Security Flags bits (Spec Section 4.4.1.3).
const (
	secFlagSessionTypeMask uint8 = 0x03
	secFlagExtensions      uint8 = 0x20
	secFlagControl         uint8 = 0x40
	secFlagPrivacy         uint8 = 0x80
)

// Exchange Flags bits (Spec Section 4.4.3.1).
const (
	exchFlagInitiator  uint8 = 0x01
	exchFlagAck        uint8 = 0x02
	exchFlagReliable   uint8 = 0x04
	exchFlagExtensions uint8 = 0x08
	exchFlagVendor     uint8 = 0x10
)

// SessionType is the session type carried in the Security Flags
// (Spec Section 4.4.1.3).
type SessionType uint8

const (
	// SessionTypeUnicast is a unicast (PASE/CASE) session. Session ID 0
	// with this type denotes the unsecured session.
	SessionTypeUnicast SessionType = 0

	// SessionTypeGroup is a group session.
	SessionTypeGroup SessionType = 1
)

func (s SessionType) String() string {
	switch s {
	case SessionTypeUnicast:
		return "Unicast"
	case SessionTypeGroup:
		return "Group"
	default:
		return "Unknown"
	}
}

// IsValid reports whether the session type is a defined value.
func (s SessionType) IsValid() bool {
	return s <= SessionTypeGroup
}

// DestinationKind is the DSIZ field of the Message Flags
// (Spec Section 4.4.1.1).
type DestinationKind uint8

const (
	// DestinationNone means no destination field is present.
	DestinationNone DestinationKind = 0

	// DestinationNode means a 64-bit destination node ID is present.
	DestinationNode DestinationKind = 1

	// DestinationGroup means a 16-bit destination group ID is present.
	DestinationGroup DestinationKind = 2
)

func (d DestinationKind) String() string {
	switch d {
	case DestinationNone:
		return "None"
	case DestinationNode:
		return "NodeID"
	case DestinationGroup:
		return "GroupID"
	default:
		return "Unknown"
	}
}

// IsValid reports whether the DSIZ value is defined.
func (d DestinationKind) IsValid() bool {
	return d <= DestinationGroup
}

// Size returns the wire size of the destination field.
func (d DestinationKind) Size() int {
	switch d {
	case DestinationNode:
		return NodeIDSize
	case DestinationGroup:
		return GroupIDSize
	default:
		return 0
	}
}

// ProtocolID identifies the protocol namespace of an opcode
// (Spec Section 4.4.3.4).
type ProtocolID uint16

const (
	// ProtocolSecureChannel carries PASE, CASE, MRP acks, and status.
	ProtocolSecureChannel ProtocolID = 0x0000

	// ProtocolInteractionModel is the Interaction Model protocol.
	ProtocolInteractionModel ProtocolID = 0x0001

	// ProtocolBDX is the Bulk Data Exchange protocol.
	ProtocolBDX ProtocolID = 0x0002

	// ProtocolUDC is the User Directed Commissioning protocol.
	ProtocolUDC ProtocolID = 0x0003

	// ProtocolTesting is reserved for isolated test environments.
	ProtocolTesting ProtocolID = 0x0004
)

func (p ProtocolID) String() string {
	switch p {
	case ProtocolSecureChannel:
		return "SecureChannel"
	case ProtocolInteractionModel:
		return "InteractionModel"
	case ProtocolBDX:
		return "BDX"
	case ProtocolUDC:
		return "UDC"
	case ProtocolTesting:
		return "Testing"
	default:
		return "Unknown"
	}
}

// VendorIDMatter is the standard vendor ID namespacing the protocol IDs
// above.
const VendorIDMatter uint16 = 0x0000
