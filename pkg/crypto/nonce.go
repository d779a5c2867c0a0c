package crypto

import (
	"encoding/binary"
	"errors"
)

// ErrPrivacyMICSize is returned when a privacy nonce is requested from a
// truncated MIC.
var ErrPrivacyMICSize = errors.New("crypto: privacy nonce requires a 16-byte MIC")

// privacyKeyInfo is the HKDF info string for privacy key derivation
// (Spec Section 4.8.3).
var privacyKeyInfo = []byte("PrivacyKey")

// MessageNonce builds the 13-byte AEAD nonce for secure messages
// (Spec Section 4.8.2):
//
//	SecurityFlags (1) || MessageCounter LE (4) || SourceNodeID LE (8)
func MessageNonce(securityFlags byte, counter uint32, sourceNodeID uint64) [AEADNonceSize]byte {
	var nonce [AEADNonceSize]byte
	nonce[0] = securityFlags
	binary.LittleEndian.PutUint32(nonce[1:5], counter)
	binary.LittleEndian.PutUint64(nonce[5:13], sourceNodeID)
	return nonce
}

// DerivePrivacyKey derives the privacy key from a session encryption key:
//
//	PrivacyKey = HKDF-SHA256(EncryptionKey, salt=[], info="PrivacyKey", 16)
func DerivePrivacyKey(encryptionKey []byte) ([]byte, error) {
	if len(encryptionKey) != SymmetricKeySize {
		return nil, ErrAEADKeySize
	}
	return HKDFSHA256(encryptionKey, nil, privacyKeyInfo, SymmetricKeySize)
}

// PrivacyNonce builds the 13-byte privacy nonce (Spec Section 4.8.3):
//
//	SessionID BE (2) || MIC[5:16] (11)
func PrivacyNonce(sessionID uint16, mic []byte) ([AEADNonceSize]byte, error) {
	var nonce [AEADNonceSize]byte
	if len(mic) < AEADMICSize {
		return nonce, ErrPrivacyMICSize
	}
	binary.BigEndian.PutUint16(nonce[0:2], sessionID)
	copy(nonce[2:13], mic[5:16])
	return nonce, nil
}
