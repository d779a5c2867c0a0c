package crypto

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"errors"
	"fmt"
	"io"
	"math/big"
)

// P-256 sizes from Spec Section 3.5.1.
const (
	// P256ScalarSize is CRYPTO_GROUP_SIZE_BYTES.
	P256ScalarSize = 32

	// P256PointSize is the uncompressed public key size
	// (CRYPTO_PUBLIC_KEY_SIZE_BYTES): 0x04 || X || Y.
	P256PointSize = 65

	// P256SignatureSize is the raw signature size (r || s).
	P256SignatureSize = 64
)

// Errors for P-256 operations.
var (
	ErrP256PointFormat = errors.New("crypto: public key must be a 65-byte uncompressed point")
	ErrP256OffCurve    = errors.New("crypto: public key point is not on the P-256 curve")
	ErrP256Signature   = errors.New("crypto: signature must be 64 bytes (r || s)")
)

// KeyPair is a P-256 key pair usable for both ECDH key agreement and
// ECDSA signing, per Spec Section 3.5.1. The same scalar backs both
// views of the key.
type KeyPair struct {
	agree *ecdh.PrivateKey
	sign  *ecdsa.PrivateKey
}

// GenerateKeyPair generates a fresh P-256 key pair from r (nil means the
// package default randomness). This implements Crypto_GenerateKeyPair()
// from Spec Section 3.5.2.
func GenerateKeyPair(r io.Reader) (*KeyPair, error) {
	if r == nil {
		r = Rand
	}
	agree, err := ecdh.P256().GenerateKey(r)
	if err != nil {
		return nil, fmt.Errorf("generating P-256 key: %w", err)
	}
	return keyPairFromECDH(agree)
}

// KeyPairFromScalar reconstructs a key pair from a 32-byte private scalar.
func KeyPairFromScalar(scalar []byte) (*KeyPair, error) {
	if len(scalar) != P256ScalarSize {
		return nil, fmt.Errorf("crypto: private scalar must be %d bytes, got %d", P256ScalarSize, len(scalar))
	}
	agree, err := ecdh.P256().NewPrivateKey(scalar)
	if err != nil {
		return nil, fmt.Errorf("invalid private scalar: %w", err)
	}
	return keyPairFromECDH(agree)
}

func keyPairFromECDH(agree *ecdh.PrivateKey) (*KeyPair, error) {
	pub := agree.PublicKey().Bytes()
	if len(pub) != P256PointSize || pub[0] != 0x04 {
		return nil, ErrP256PointFormat
	}
	sign := &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{
			Curve: elliptic.P256(),
			X:     new(big.Int).SetBytes(pub[1:33]),
			Y:     new(big.Int).SetBytes(pub[33:65]),
		},
		D: new(big.Int).SetBytes(agree.Bytes()),
	}
	return &KeyPair{agree: agree, sign: sign}, nil
}

// PublicKey returns the 65-byte uncompressed public key.
func (kp *KeyPair) PublicKey() []byte {
	return kp.agree.PublicKey().Bytes()
}

// PrivateScalar returns the raw 32-byte private scalar.
func (kp *KeyPair) PrivateScalar() []byte {
	return kp.agree.Bytes()
}

// Sign signs msg with ECDSA over SHA-256, returning a 64-byte raw
// signature (r || s, each zero-padded to 32 bytes).
// This implements Crypto_Sign() from Spec Section 3.5.3.
func (kp *KeyPair) Sign(msg []byte) ([]byte, error) {
	digest := SHA256(msg)
	r, s, err := ecdsa.Sign(Rand, kp.sign, digest[:])
	if err != nil {
		return nil, fmt.Errorf("ECDSA sign: %w", err)
	}
	sig := make([]byte, P256SignatureSize)
	r.FillBytes(sig[:P256ScalarSize])
	s.FillBytes(sig[P256ScalarSize:])
	return sig, nil
}

// ECDH computes the shared secret with the peer's 65-byte uncompressed
// public key. This implements Crypto_ECDH() from Spec Section 3.5.4.
// Off-curve and malformed peer points are rejected.
func (kp *KeyPair) ECDH(peerPublicKey []byte) ([]byte, error) {
	if len(peerPublicKey) != P256PointSize {
		return nil, ErrP256PointFormat
	}
	peer, err := ecdh.P256().NewPublicKey(peerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrP256OffCurve, err)
	}
	secret, err := kp.agree.ECDH(peer)
	if err != nil {
		return nil, fmt.Errorf("ECDH: %w", err)
	}
	return secret, nil
}

// VerifySignature verifies a raw 64-byte ECDSA signature over msg
// against a 65-byte uncompressed public key.
// This implements Crypto_Verify() from Spec Section 3.5.3.
func VerifySignature(publicKey, msg, signature []byte) (bool, error) {
	pub, err := parsePublicKey(publicKey)
	if err != nil {
		return false, err
	}
	if len(signature) != P256SignatureSize {
		return false, ErrP256Signature
	}
	r := new(big.Int).SetBytes(signature[:P256ScalarSize])
	s := new(big.Int).SetBytes(signature[P256ScalarSize:])
	digest := SHA256(msg)
	return ecdsa.Verify(pub, digest[:], r, s), nil
}

// ValidatePublicKey checks that publicKey is a well-formed uncompressed
// point on P-256.
func ValidatePublicKey(publicKey []byte) error {
	_, err := parsePublicKey(publicKey)
	return err
}

func parsePublicKey(publicKey []byte) (*ecdsa.PublicKey, error) {
	if len(publicKey) != P256PointSize || publicKey[0] != 0x04 {
		return nil, ErrP256PointFormat
	}
	x := new(big.Int).SetBytes(publicKey[1:33])
	y := new(big.Int).SetBytes(publicKey[33:65])
	if !elliptic.P256().IsOnCurve(x, y) {
		return nil, ErrP256OffCurve
	}
	return &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}, nil
}
