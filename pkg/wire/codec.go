package wire

import (
	"errors"

	"github.com/hearthlink/matter/pkg/crypto"
)

// SecureCodec encrypts and decrypts messages for one secure session
// (Spec Sections 4.7.1 and 4.7.2). It keys its AEAD and privacy ciphers
// once at construction; a codec is bound to a single direction's key.
type SecureCodec struct {
	aead    *crypto.AEAD
	privacy *crypto.PrivacyCipher
}

// NewSecureCodec builds a codec from a 16-byte session encryption key.
// The privacy key is derived eagerly so privacy-flagged messages need no
// extra key material later.
func NewSecureCodec(encryptionKey []byte) (*SecureCodec, error) {
	aead, err := crypto.NewAEAD(encryptionKey)
	if err != nil {
		return nil, ErrBadKey
	}
	privacyKey, err := crypto.DerivePrivacyKey(encryptionKey)
	if err != nil {
		return nil, ErrBadKey
	}
	privacy, err := crypto.NewPrivacyCipher(privacyKey)
	if err != nil {
		return nil, ErrBadKey
	}
	return &SecureCodec{aead: aead, privacy: privacy}, nil
}

// Seal encodes the packet header and encrypts payload under it,
// returning the full wire message: header || ciphertext || MIC. The
// encoded header is the AAD. nonceSourceNodeID is the sender's node ID
// for CASE sessions, UnspecifiedNodeID for PASE (Spec 4.8.2). When the
// header carries the P flag the counter and addressing fields are
// obfuscated afterwards (Spec 4.8.3).
func (c *SecureCodec) Seal(header *PacketHeader, payload []byte, nonceSourceNodeID uint64) ([]byte, error) {
	headerSize := header.Size()
	if headerSize+len(payload)+MICSize > MaxUDPMessageSize {
		return nil, ErrTooLong
	}

	aad := header.Encode()
	nonce := crypto.MessageNonce(header.SecurityFlags(), header.MessageCounter, nonceSourceNodeID)
	sealed, err := c.aead.Seal(nonce[:], payload, aad)
	if err != nil {
		return nil, err
	}

	msg := make([]byte, 0, headerSize+len(sealed))
	msg = append(msg, aad...)
	msg = append(msg, sealed...)

	if header.Privacy {
		if err := c.obfuscate(header, msg); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

// Open decrypts a full wire message, returning the decoded packet
// header and the plaintext payload. nonceSourceNodeID is the peer's
// node ID for CASE sessions, UnspecifiedNodeID for PASE. Authentication
// failures surface as ErrAuthentication.
func (c *SecureCodec) Open(data []byte, nonceSourceNodeID uint64) (*PacketHeader, []byte, error) {
	if len(data) < MinPacketHeaderSize+MICSize {
		return nil, nil, ErrTooShort
	}

	// The P flag lives in the clear part of the header; deobfuscate
	// before the full header decode.
	if data[3]&secFlagPrivacy != 0 {
		deobfuscated, err := c.deobfuscate(data)
		if err != nil {
			return nil, nil, err
		}
		data = deobfuscated
	}

	header := &PacketHeader{}
	headerSize, err := header.Decode(data)
	if err != nil {
		return nil, nil, err
	}
	if err := header.Validate(); err != nil {
		return nil, nil, err
	}
	if len(data) < headerSize+MICSize {
		return nil, nil, ErrTooShort
	}

	aad := data[:headerSize]
	nonce := crypto.MessageNonce(header.SecurityFlags(), header.MessageCounter, nonceSourceNodeID)
	payload, err := c.aead.Open(nonce[:], data[headerSize:], aad)
	if err != nil {
		if errors.Is(err, crypto.ErrAEADOpen) {
			return nil, nil, ErrAuthentication
		}
		return nil, nil, err
	}
	return header, payload, nil
}

// obfuscate applies the privacy keystream in place over the counter and
// addressing fields of an already-sealed message.
func (c *SecureCodec) obfuscate(header *PacketHeader, msg []byte) error {
	offset, length := header.privacyRegion()
	nonce, err := crypto.PrivacyNonce(header.SessionID, msg[len(msg)-MICSize:])
	if err != nil {
		return err
	}
	scrambled, err := c.privacy.Apply(nonce[:], msg[offset:offset+length])
	if err != nil {
		return err
	}
	copy(msg[offset:], scrambled)
	return nil
}

// deobfuscate undoes privacy processing on a received message, returning
// a copy with the header fields restored. The privacy nonce depends only
// on the clear session ID and the trailing MIC, so no header decode is
// needed first; the region length follows from the clear Message Flags.
func (c *SecureCodec) deobfuscate(data []byte) ([]byte, error) {
	msgFlags := data[0]
	length := 4 // Message Counter
	if msgFlags&msgFlagSourcePresent != 0 {
		length += NodeIDSize
	}
	length += DestinationKind(msgFlags & msgFlagDSIZMask).Size()
	if len(data) < 4+length+MICSize {
		return nil, ErrTooShort
	}

	sessionID := uint16(data[1]) | uint16(data[2])<<8
	nonce, err := crypto.PrivacyNonce(sessionID, data[len(data)-MICSize:])
	if err != nil {
		return nil, err
	}
	restored, err := c.privacy.Apply(nonce[:], data[4:4+length])
	if err != nil {
		return nil, err
	}

	out := make([]byte, len(data))
	copy(out, data)
	copy(out[4:], restored)
	return out, nil
}

// UnsecuredCodec frames messages for the unsecured session (session ID
// 0, no encryption). Payloads travel in the clear with no MIC.
type UnsecuredCodec struct{}

// Seal encodes header || payload.
func (UnsecuredCodec) Seal(header *PacketHeader, payload []byte) ([]byte, error) {
	if header.IsSecure() {
		return nil, ErrMalformedHeader
	}
	if header.Size()+len(payload) > MaxUDPMessageSize {
		return nil, ErrTooLong
	}
	msg := make([]byte, 0, header.Size()+len(payload))
	msg = append(msg, header.Encode()...)
	return append(msg, payload...), nil
}

// Open decodes an unsecured message into its header and payload. The
// payload aliases data.
func (UnsecuredCodec) Open(data []byte) (*PacketHeader, []byte, error) {
	header := &PacketHeader{}
	n, err := header.Decode(data)
	if err != nil {
		return nil, nil, err
	}
	if header.IsSecure() {
		return nil, nil, ErrMalformedHeader
	}
	return header, data[n:], nil
}
