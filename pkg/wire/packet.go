package wire

import (
	"encoding/binary"
)

// PacketHeader is the outer, unencrypted message header
// (Spec Section 4.4.1). It is authenticated as AAD for secure messages.
type PacketHeader struct {
	// SessionID selects the decryption context. 0 with
	// SessionTypeUnicast denotes the unsecured session.
	SessionID uint16

	// MessageCounter feeds replay detection and the AEAD nonce.
	MessageCounter uint32

	// SessionType is carried in the Security Flags.
	SessionType SessionType

	// SourceNodeID is present when SourcePresent is set. Required for
	// group messages.
	SourceNodeID uint64

	// Destination describes which destination field follows the
	// optional source.
	Destination DestinationKind

	// DestinationNodeID is valid when Destination == DestinationNode.
	DestinationNodeID uint64

	// DestinationGroupID is valid when Destination == DestinationGroup.
	DestinationGroupID uint16

	// SourcePresent is the S flag.
	SourcePresent bool

	// Privacy is the P flag: the counter and addressing fields are
	// obfuscated with the privacy key.
	Privacy bool

	// Control is the C flag (control messages use the control counter).
	Control bool

	// Extensions is the MX flag. Version 1.0 senders leave it clear.
	Extensions bool
}

// Size returns the encoded header size.
func (h *PacketHeader) Size() int {
	size := MinPacketHeaderSize
	if h.SourcePresent {
		size += NodeIDSize
	}
	return size + h.Destination.Size()
}

// Encode serializes the header. The result doubles as the AAD for
// secure message processing.
func (h *PacketHeader) Encode() []byte {
	buf := make([]byte, h.Size())
	h.EncodeTo(buf)
	return buf
}

// EncodeTo serializes the header into buf, which must hold Size()
// bytes. It returns the number of bytes written.
func (h *PacketHeader) EncodeTo(buf []byte) int {
	buf[0] = h.messageFlags()
	binary.LittleEndian.PutUint16(buf[1:3], h.SessionID)
	buf[3] = h.SecurityFlags()
	binary.LittleEndian.PutUint32(buf[4:8], h.MessageCounter)
	off := MinPacketHeaderSize

	if h.SourcePresent {
		binary.LittleEndian.PutUint64(buf[off:], h.SourceNodeID)
		off += NodeIDSize
	}
	switch h.Destination {
	case DestinationNode:
		binary.LittleEndian.PutUint64(buf[off:], h.DestinationNodeID)
		off += NodeIDSize
	case DestinationGroup:
		binary.LittleEndian.PutUint16(buf[off:], h.DestinationGroupID)
		off += GroupIDSize
	}
	return off
}

func (h *PacketHeader) messageFlags() uint8 {
	flags := FormatVersion << msgFlagVersionShift
	if h.SourcePresent {
		flags |= msgFlagSourcePresent
	}
	return flags | (uint8(h.Destination) & msgFlagDSIZMask)
}

// SecurityFlags returns the Security Flags byte. It is exported because
// the byte is the first component of the AEAD nonce (Spec 4.8.2).
func (h *PacketHeader) SecurityFlags() uint8 {
	flags := uint8(h.SessionType) & secFlagSessionTypeMask
	if h.Extensions {
		flags |= secFlagExtensions
	}
	if h.Control {
		flags |= secFlagControl
	}
	if h.Privacy {
		flags |= secFlagPrivacy
	}
	return flags
}

// Decode parses a header from data, returning the number of bytes
// consumed.
func (h *PacketHeader) Decode(data []byte) (int, error) {
	if len(data) < MinPacketHeaderSize {
		return 0, ErrTooShort
	}

	msgFlags := data[0]
	if (msgFlags>>msgFlagVersionShift)&msgFlagVersionMask != FormatVersion {
		return 0, ErrBadVersion
	}
	h.SourcePresent = msgFlags&msgFlagSourcePresent != 0
	h.Destination = DestinationKind(msgFlags & msgFlagDSIZMask)
	if !h.Destination.IsValid() {
		return 0, ErrBadDSIZ
	}

	h.SessionID = binary.LittleEndian.Uint16(data[1:3])

	secFlags := data[3]
	h.SessionType = SessionType(secFlags & secFlagSessionTypeMask)
	if !h.SessionType.IsValid() {
		return 0, ErrBadSessionType
	}
	h.Extensions = secFlags&secFlagExtensions != 0
	h.Control = secFlags&secFlagControl != 0
	h.Privacy = secFlags&secFlagPrivacy != 0

	h.MessageCounter = binary.LittleEndian.Uint32(data[4:8])
	off := MinPacketHeaderSize

	need := off + h.Destination.Size()
	if h.SourcePresent {
		need += NodeIDSize
	}
	if len(data) < need {
		return 0, ErrTooShort
	}

	h.SourceNodeID = 0
	if h.SourcePresent {
		h.SourceNodeID = binary.LittleEndian.Uint64(data[off:])
		off += NodeIDSize
	}
	h.DestinationNodeID = 0
	h.DestinationGroupID = 0
	switch h.Destination {
	case DestinationNode:
		h.DestinationNodeID = binary.LittleEndian.Uint64(data[off:])
		off += NodeIDSize
	case DestinationGroup:
		h.DestinationGroupID = binary.LittleEndian.Uint16(data[off:])
		off += GroupIDSize
	}
	return off, nil
}

// IsSecure reports whether the message is encrypted. The unsecured
// session is session ID 0 with unicast session type.
func (h *PacketHeader) IsSecure() bool {
	return !(h.SessionType == SessionTypeUnicast && h.SessionID == 0)
}

// Validate checks cross-field constraints (Spec Section 4.7.2).
func (h *PacketHeader) Validate() error {
	if h.SessionType == SessionTypeGroup {
		if !h.SourcePresent {
			return ErrSourceRequired
		}
		if h.Destination == DestinationNone {
			return ErrBadDSIZ
		}
	}
	if h.SessionType == SessionTypeUnicast && h.Destination == DestinationGroup {
		return ErrBadDSIZ
	}
	return nil
}

// privacyRegion returns the offset and length of the header bytes that
// privacy processing obfuscates: the counter plus any addressing fields
// (everything after Message Flags, Session ID, and Security Flags).
func (h *PacketHeader) privacyRegion() (offset, length int) {
	return 4, h.Size() - 4
}
