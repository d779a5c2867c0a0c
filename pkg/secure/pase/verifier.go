package pase

import (
	"encoding/binary"

	"github.com/hearthlink/matter/pkg/crypto"
	"github.com/hearthlink/matter/pkg/crypto/spake2p"
)

// VerifierSize is the serialized verifier length: w0 || L.
const VerifierSize = spake2p.ScalarSize + spake2p.ElementSize

// Verifier is the commissionee-side PASE credential: it proves the
// passcode was known at provisioning time without storing the passcode
// itself. W0 is the reduced first PBKDF scalar; L = w1*P is the SPAKE2+
// registration record.
type Verifier struct {
	W0 [spake2p.ScalarSize]byte
	L  [spake2p.ElementSize]byte
}

// GenerateVerifier derives the verifier for a passcode (Spec 3.10):
// ws = PBKDF2-SHA256(passcode LE32, salt, iterations, 80), split into
// two oversized scalars reduced mod the group order, then L = w1*P.
func GenerateVerifier(passcode uint32, salt []byte, iterations uint32) (*Verifier, error) {
	if err := ValidatePasscode(passcode); err != nil {
		return nil, err
	}
	if err := ValidatePBKDFParams(salt, iterations); err != nil {
		return nil, err
	}

	w0, w1 := deriveW0W1(passcode, salt, iterations)
	l, err := spake2p.RegistrationRecord(w1)
	if err != nil {
		return nil, err
	}

	v := &Verifier{}
	copy(v.W0[:], w0)
	copy(v.L[:], l)
	return v, nil
}

// DeriveW0W1 computes the prover-side scalars from the passcode. The
// initiator runs this once the responder's PBKDF parameters are known.
func DeriveW0W1(passcode uint32, salt []byte, iterations uint32) (w0, w1 []byte, err error) {
	if err := ValidatePasscode(passcode); err != nil {
		return nil, nil, err
	}
	if err := ValidatePBKDFParams(salt, iterations); err != nil {
		return nil, nil, err
	}
	w0, w1 = deriveW0W1(passcode, salt, iterations)
	return w0, w1, nil
}

func deriveW0W1(passcode uint32, salt []byte, iterations uint32) (w0, w1 []byte) {
	var pin [4]byte
	binary.LittleEndian.PutUint32(pin[:], passcode)

	ws := crypto.PBKDF2SHA256(pin[:], salt, int(iterations), 2*spake2p.OversizedScalarSize)
	w0 = spake2p.ReduceScalar(ws[:spake2p.OversizedScalarSize])
	w1 = spake2p.ReduceScalar(ws[spake2p.OversizedScalarSize:])
	return w0, w1
}

// ValidatePasscode enforces the setup code rules of Spec Section 5.1.7:
// at most eight digits, no all-same-digit codes, no ascending or
// descending runs.
func ValidatePasscode(passcode uint32) error {
	if passcode > 99999999 {
		return ErrBadPasscode
	}
	switch passcode {
	case 0, 11111111, 22222222, 33333333, 44444444,
		55555555, 66666666, 77777777, 88888888, 99999999,
		12345678, 87654321:
		return ErrBadPasscode
	}
	return nil
}

// ValidatePBKDFParams checks salt length and iteration bounds.
func ValidatePBKDFParams(salt []byte, iterations uint32) error {
	if len(salt) < MinSaltLength || len(salt) > MaxSaltLength {
		return ErrBadSalt
	}
	if iterations < MinIterations || iterations > MaxIterations {
		return ErrBadIterations
	}
	return nil
}

// Serialize returns w0 || L.
func (v *Verifier) Serialize() []byte {
	out := make([]byte, VerifierSize)
	copy(out, v.W0[:])
	copy(out[spake2p.ScalarSize:], v.L[:])
	return out
}

// DeserializeVerifier parses a serialized verifier.
func DeserializeVerifier(data []byte) (*Verifier, error) {
	if len(data) != VerifierSize {
		return nil, ErrBadMessage
	}
	v := &Verifier{}
	copy(v.W0[:], data[:spake2p.ScalarSize])
	copy(v.L[:], data[spake2p.ScalarSize:])
	return v, nil
}
