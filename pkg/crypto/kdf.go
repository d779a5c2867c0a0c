package crypto

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

// PBKDF2 iteration bounds from Spec Section 3.9 (Crypto_PBKDF).
const (
	// PBKDF2MinIterations is CRYPTO_PBKDF_ITERATIONS_MIN.
	PBKDF2MinIterations = 1000

	// PBKDF2MaxIterations is CRYPTO_PBKDF_ITERATIONS_MAX.
	PBKDF2MaxIterations = 100000
)

// HKDFSHA256 derives length bytes of key material from inputKey using
// HKDF-SHA256 with the given salt and info.
// This implements Crypto_KDF() from Spec Section 3.8.
func HKDFSHA256(inputKey, salt, info []byte, length int) ([]byte, error) {
	out := make([]byte, length)
	r := hkdf.New(sha256.New, inputKey, salt, info)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// HKDFExtractSHA256 performs only the HKDF extract step, returning a
// pseudorandom key.
func HKDFExtractSHA256(inputKey, salt []byte) []byte {
	return hkdf.Extract(sha256.New, inputKey, salt)
}

// HKDFExpandSHA256 performs only the HKDF expand step over an already
// extracted pseudorandom key.
func HKDFExpandSHA256(prk, info []byte, length int) ([]byte, error) {
	out := make([]byte, length)
	r := hkdf.Expand(sha256.New, prk, info)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// PBKDF2SHA256 derives keyLen bytes from the password and salt.
// This implements Crypto_PBKDF() from Spec Section 3.9. Callers enforce
// the iteration bounds where the spec requires it (PASE parameter
// validation does).
func PBKDF2SHA256(password, salt []byte, iterations, keyLen int) []byte {
	return pbkdf2.Key(password, salt, iterations, keyLen, sha256.New)
}
