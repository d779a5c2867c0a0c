// AES-128-CTR privacy obfuscation per Spec Section 3.7.
// The counter block layout matches NIST 800-38C Appendix A.3 with L=2,
// starting at counter 1, mirroring how CCM drives its payload keystream.

package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
)

// Errors for privacy cipher operations.
var (
	ErrPrivacyKeySize   = errors.New("crypto: privacy key must be 16 bytes")
	ErrPrivacyNonceSize = errors.New("crypto: privacy nonce must be 13 bytes")
)

// PrivacyCipher is an AES-128-CTR instance used to obfuscate message
// headers (Crypto_Privacy_Encrypt / Crypto_Privacy_Decrypt).
type PrivacyCipher struct {
	block cipher.Block
}

// NewPrivacyCipher creates a privacy cipher from a 16-byte key.
func NewPrivacyCipher(key []byte) (*PrivacyCipher, error) {
	if len(key) != SymmetricKeySize {
		return nil, ErrPrivacyKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &PrivacyCipher{block: block}, nil
}

// Apply XORs src with the CTR keystream for the given 13-byte nonce.
// Encryption and decryption are the same operation.
func (c *PrivacyCipher) Apply(nonce, src []byte) ([]byte, error) {
	if len(nonce) != AEADNonceSize {
		return nil, ErrPrivacyNonceSize
	}
	dst := make([]byte, len(src))
	if len(src) == 0 {
		return dst, nil
	}

	// Initial counter block: Flags(L-1) || nonce || counter, counter
	// starting at 1 (block 0 is reserved for the CCM tag keystream).
	var iv [ccmBlockSize]byte
	iv[0] = byte(ccmLengthSize - 1)
	copy(iv[1:1+AEADNonceSize], nonce)
	iv[ccmBlockSize-1] = 1

	cipher.NewCTR(c.block, iv[:]).XORKeyStream(dst, src)
	return dst, nil
}

// PrivacyApply is a one-shot convenience around NewPrivacyCipher + Apply.
func PrivacyApply(key, nonce, src []byte) ([]byte, error) {
	c, err := NewPrivacyCipher(key)
	if err != nil {
		return nil, err
	}
	return c.Apply(nonce, src)
}
