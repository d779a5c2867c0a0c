package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"hash"
)

// SHA256 computes the SHA-256 digest of msg.
// This implements Crypto_Hash() from Spec Section 3.3.
func SHA256(msg []byte) [HashSize]byte {
	return sha256.Sum256(msg)
}

// SHA256Slice is SHA256 returning a slice, for callers that append
// digests into larger buffers.
func SHA256Slice(msg []byte) []byte {
	d := sha256.Sum256(msg)
	return d[:]
}

// NewSHA256 returns an incremental SHA-256 hasher for transcript
// accumulation.
func NewSHA256() hash.Hash {
	return sha256.New()
}

// HMACSHA256 computes HMAC-SHA256 over msg with the given key.
// This implements Crypto_HMAC() from Spec Section 3.4.
func HMACSHA256(key, msg []byte) []byte {
	m := hmac.New(sha256.New, key)
	m.Write(msg)
	return m.Sum(nil)
}

// HMACVerify reports whether mac is the HMAC-SHA256 of msg under key,
// comparing in constant time.
func HMACVerify(key, msg, mac []byte) bool {
	return hmac.Equal(HMACSHA256(key, msg), mac)
}

// ConstantTimeEqual compares two MACs without leaking timing.
func ConstantTimeEqual(a, b []byte) bool {
	return hmac.Equal(a, b)
}
