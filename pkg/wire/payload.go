package wire

import (
	"encoding/binary"
)

// PayloadHeader is the protocol header at the start of the (possibly
// encrypted) message payload (Spec Section 4.4.3).
type PayloadHeader struct {
	// ProtocolID namespaces the opcode.
	ProtocolID ProtocolID

	// Opcode is the protocol-specific message type.
	Opcode uint8

	// ExchangeID ties the message to an exchange.
	ExchangeID uint16

	// VendorID namespaces ProtocolID; present only with VendorPresent.
	VendorID uint16

	// AckCounter is the acknowledged message counter; valid only with
	// AckPresent.
	AckCounter uint32

	// Initiator is the I flag: sent by the exchange initiator.
	Initiator bool

	// AckPresent is the A flag: AckCounter is included.
	AckPresent bool

	// Reliable is the R flag: the sender expects an acknowledgement.
	Reliable bool

	// Extensions is the SX flag. Version 1.0 senders leave it clear.
	Extensions bool

	// VendorPresent is the V flag: VendorID is included.
	VendorPresent bool
}

// Size returns the encoded payload header size.
func (p *PayloadHeader) Size() int {
	size := MinPayloadHeaderSize
	if p.VendorPresent {
		size += 2
	}
	if p.AckPresent {
		size += 4
	}
	return size
}

// Encode serializes the payload header.
func (p *PayloadHeader) Encode() []byte {
	buf := make([]byte, p.Size())
	p.EncodeTo(buf)
	return buf
}

// EncodeTo serializes the payload header into buf, returning the number
// of bytes written.
func (p *PayloadHeader) EncodeTo(buf []byte) int {
	buf[0] = p.exchangeFlags()
	buf[1] = p.Opcode
	binary.LittleEndian.PutUint16(buf[2:4], p.ExchangeID)
	off := 4
	if p.VendorPresent {
		binary.LittleEndian.PutUint16(buf[off:], p.VendorID)
		off += 2
	}
	binary.LittleEndian.PutUint16(buf[off:], uint16(p.ProtocolID))
	off += 2
	if p.AckPresent {
		binary.LittleEndian.PutUint32(buf[off:], p.AckCounter)
		off += 4
	}
	return off
}

func (p *PayloadHeader) exchangeFlags() uint8 {
	var flags uint8
	if p.Initiator {
		flags |= exchFlagInitiator
	}
	if p.AckPresent {
		flags |= exchFlagAck
	}
	if p.Reliable {
		flags |= exchFlagReliable
	}
	if p.Extensions {
		flags |= exchFlagExtensions
	}
	if p.VendorPresent {
		flags |= exchFlagVendor
	}
	return flags
}

// Decode parses a payload header from data, returning the number of
// bytes consumed.
func (p *PayloadHeader) Decode(data []byte) (int, error) {
	if len(data) < MinPayloadHeaderSize {
		return 0, ErrTooShort
	}

	flags := data[0]
	p.Initiator = flags&exchFlagInitiator != 0
	p.AckPresent = flags&exchFlagAck != 0
	p.Reliable = flags&exchFlagReliable != 0
	p.Extensions = flags&exchFlagExtensions != 0
	p.VendorPresent = flags&exchFlagVendor != 0

	p.Opcode = data[1]
	p.ExchangeID = binary.LittleEndian.Uint16(data[2:4])
	off := 4

	need := off + 2
	if p.VendorPresent {
		need += 2
	}
	if p.AckPresent {
		need += 4
	}
	if len(data) < need {
		return 0, ErrTooShort
	}

	p.VendorID = VendorIDMatter
	if p.VendorPresent {
		p.VendorID = binary.LittleEndian.Uint16(data[off:])
		off += 2
	}
	p.ProtocolID = ProtocolID(binary.LittleEndian.Uint16(data[off:]))
	off += 2

	p.AckCounter = 0
	if p.AckPresent {
		p.AckCounter = binary.LittleEndian.Uint32(data[off:])
		off += 4
	}
	return off, nil
}

// IsSecureChannel reports whether this is a Secure Channel protocol
// message.
func (p *PayloadHeader) IsSecureChannel() bool {
	return p.VendorID == VendorIDMatter && p.ProtocolID == ProtocolSecureChannel
}
