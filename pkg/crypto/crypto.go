// Package crypto implements the cryptographic primitives required by the
// Matter protocol, per Matter Specification Chapter 3.
//
// All primitives operate on AES-128 / SHA-256 / P-256 as mandated by the
// Matter crypto suite. Functions that consume randomness accept an
// injectable io.Reader so protocol flows can be tested deterministically;
// production callers use crypto/rand through the package defaults.
package crypto

import (
	"crypto/rand"
	"io"
)

// Sizes shared across the Matter crypto suite (Spec Section 3.1).
const (
	// SymmetricKeySize is the AES-128 key length in bytes
	// (CRYPTO_SYMMETRIC_KEY_LENGTH_BYTES).
	SymmetricKeySize = 16

	// AEADMICSize is the AES-CCM authentication tag length in bytes
	// (CRYPTO_AEAD_MIC_LENGTH_BYTES).
	AEADMICSize = 16

	// AEADNonceSize is the AEAD nonce length in bytes
	// (CRYPTO_AEAD_NONCE_LENGTH_BYTES).
	AEADNonceSize = 13

	// HashSize is the SHA-256 digest length in bytes
	// (CRYPTO_HASH_LEN_BYTES).
	HashSize = 32
)

// Rand is the default randomness source for key and nonce generation.
// Tests may construct protocol objects with their own reader instead;
// this variable itself is never reassigned by the package.
var Rand io.Reader = rand.Reader

// RandomBytes fills and returns a fresh buffer of n random bytes read
// from r. A nil reader falls back to the package default.
func RandomBytes(r io.Reader, n int) ([]byte, error) {
	if r == nil {
		r = Rand
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
