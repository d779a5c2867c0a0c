// AES-128-CCM authenticated encryption per NIST SP 800-38C / RFC 3610.
// The Go standard library does not ship a CCM mode, so the mode is built
// here on top of crypto/aes block operations.
//
// Matter fixes the CCM parameters (Spec Section 3.6):
//   - tag length M = 16 bytes
//   - nonce length = 13 bytes, so the length field is L = 2 bytes

package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
	"errors"
)

const (
	ccmBlockSize = 16
	// ccmLengthSize is L, the size of the message length field.
	// L = 15 - nonceSize = 2 for the mandated 13-byte nonce.
	ccmLengthSize = 2
)

// Errors for AEAD operations.
var (
	ErrAEADKeySize   = errors.New("crypto: AEAD key must be 16 bytes")
	ErrAEADNonceSize = errors.New("crypto: AEAD nonce must be 13 bytes")
	ErrAEADOpen      = errors.New("crypto: AEAD authentication failed")
	ErrAEADTooLong   = errors.New("crypto: AEAD payload exceeds CCM length field")
)

// AEAD is an AES-128-CCM instance bound to a key.
// It implements Crypto_AEAD_GenerateEncrypt and Crypto_AEAD_DecryptVerify
// from Spec Sections 3.6.1 and 3.6.2.
type AEAD struct {
	block cipher.Block
}

// NewAEAD creates an AES-128-CCM instance. The key must be 16 bytes.
func NewAEAD(key []byte) (*AEAD, error) {
	if len(key) != SymmetricKeySize {
		return nil, ErrAEADKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &AEAD{block: block}, nil
}

// Seal encrypts and authenticates plaintext, authenticating aad as well.
// It returns ciphertext || 16-byte MIC.
func (a *AEAD) Seal(nonce, plaintext, aad []byte) ([]byte, error) {
	if len(nonce) != AEADNonceSize {
		return nil, ErrAEADNonceSize
	}
	if len(plaintext) >= 1<<(8*ccmLengthSize) {
		return nil, ErrAEADTooLong
	}

	tag := a.mac(nonce, plaintext, aad)

	out := make([]byte, len(plaintext)+AEADMICSize)
	a.keystreamXOR(nonce, 1, out[:len(plaintext)], plaintext)

	// The transmitted MIC is the CBC-MAC tag encrypted with counter
	// block zero.
	var s0 [ccmBlockSize]byte
	a.counterBlock(nonce, 0, &s0)
	for i := 0; i < AEADMICSize; i++ {
		out[len(plaintext)+i] = tag[i] ^ s0[i]
	}
	return out, nil
}

// Open authenticates and decrypts ciphertext produced by Seal.
// It returns ErrAEADOpen when the MIC does not verify; no plaintext is
// released on failure.
func (a *AEAD) Open(nonce, ciphertext, aad []byte) ([]byte, error) {
	if len(nonce) != AEADNonceSize {
		return nil, ErrAEADNonceSize
	}
	if len(ciphertext) < AEADMICSize {
		return nil, ErrAEADOpen
	}

	body := ciphertext[:len(ciphertext)-AEADMICSize]
	mic := ciphertext[len(ciphertext)-AEADMICSize:]

	plaintext := make([]byte, len(body))
	a.keystreamXOR(nonce, 1, plaintext, body)

	expected := a.mac(nonce, plaintext, aad)
	var s0 [ccmBlockSize]byte
	a.counterBlock(nonce, 0, &s0)
	for i := range expected {
		expected[i] ^= s0[i]
	}

	if subtle.ConstantTimeCompare(expected[:], mic) != 1 {
		// Wipe the tentative plaintext before reporting failure.
		for i := range plaintext {
			plaintext[i] = 0
		}
		return nil, ErrAEADOpen
	}
	return plaintext, nil
}

// mac computes the raw CBC-MAC tag over B0 || AAD blocks || payload
// blocks (NIST 800-38C Section 6.1, steps 1-4).
func (a *AEAD) mac(nonce, payload, aad []byte) [AEADMICSize]byte {
	var b0 [ccmBlockSize]byte
	// Flags: Adata | ((M-2)/2)<<3 | (L-1)
	b0[0] = byte((AEADMICSize-2)/2)<<3 | byte(ccmLengthSize-1)
	if len(aad) > 0 {
		b0[0] |= 0x40
	}
	copy(b0[1:1+AEADNonceSize], nonce)
	binary.BigEndian.PutUint16(b0[ccmBlockSize-ccmLengthSize:], uint16(len(payload)))

	var mac [ccmBlockSize]byte
	a.block.Encrypt(mac[:], b0[:])

	cbc := func(data []byte) {
		var blk [ccmBlockSize]byte
		for len(data) > 0 {
			n := copy(blk[:], data)
			for i := n; i < ccmBlockSize; i++ {
				blk[i] = 0
			}
			for i := 0; i < ccmBlockSize; i++ {
				mac[i] ^= blk[i]
			}
			a.block.Encrypt(mac[:], mac[:])
			data = data[n:]
		}
	}

	if len(aad) > 0 {
		// AAD is framed with a 2-byte big-endian length. Matter never
		// authenticates more than 2^16-2^8 bytes of AAD (the message
		// header), so the short encoding always applies.
		var hdr [2]byte
		binary.BigEndian.PutUint16(hdr[:], uint16(len(aad)))
		framed := make([]byte, 0, 2+len(aad))
		framed = append(framed, hdr[:]...)
		framed = append(framed, aad...)
		cbc(framed)
	}
	cbc(payload)

	var tag [AEADMICSize]byte
	copy(tag[:], mac[:])
	return tag
}

// counterBlock writes counter block A_i for the given index into dst.
func (a *AEAD) counterBlock(nonce []byte, index uint16, dst *[ccmBlockSize]byte) {
	var ctr [ccmBlockSize]byte
	ctr[0] = byte(ccmLengthSize - 1)
	copy(ctr[1:1+AEADNonceSize], nonce)
	binary.BigEndian.PutUint16(ctr[ccmBlockSize-ccmLengthSize:], index)
	a.block.Encrypt(dst[:], ctr[:])
}

// keystreamXOR XORs src into dst using the CCM counter keystream
// starting at the given counter index.
func (a *AEAD) keystreamXOR(nonce []byte, start uint16, dst, src []byte) {
	var ks [ccmBlockSize]byte
	idx := start
	for off := 0; off < len(src); off += ccmBlockSize {
		a.counterBlock(nonce, idx, &ks)
		idx++
		end := off + ccmBlockSize
		if end > len(src) {
			end = len(src)
		}
		for i := off; i < end; i++ {
			dst[i] = src[i] ^ ks[i-off]
		}
	}
}

// AEADSeal is a one-shot convenience around NewAEAD + Seal.
func AEADSeal(key, nonce, plaintext, aad []byte) ([]byte, error) {
	a, err := NewAEAD(key)
	if err != nil {
		return nil, err
	}
	return a.Seal(nonce, plaintext, aad)
}

// AEADOpen is a one-shot convenience around NewAEAD + Open.
func AEADOpen(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	a, err := NewAEAD(key)
	if err != nil {
		return nil, err
	}
	return a.Open(nonce, ciphertext, aad)
}
