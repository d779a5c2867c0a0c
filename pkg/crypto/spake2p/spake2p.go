// Package spake2p implements the SPAKE2+ augmented password-authenticated
// key exchange with the P256-SHA256-HKDF-HMAC ciphersuite.
//
// It follows RFC 9383 and Matter Specification Section 3.10. The prover
// (commissioner) holds the password-derived scalars w0/w1; the verifier
// (commissionee) holds w0 and the registration point L = w1*P, so a stolen
// verifier record does not directly reveal the password.
//
// Message flow:
//
//	Prover                              Verifier
//	NewProver(w0, w1)                   NewVerifier(w0, L)
//	pA = ShareElement()  ----pA---->    AbsorbPeerElement(pA)
//	                     <---pB-----    pB = ShareElement()
//	AbsorbPeerElement(pB)               cB = Confirm()
//	                     <---cB-----
//	CheckPeerConfirm(cB)
//	cA = Confirm()       ----cA---->    CheckPeerConfirm(cA)
//	Secret()                            Secret()
package spake2p

import (
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"
	"math/big"

	"github.com/hearthlink/matter/pkg/crypto"
)

// Sizes for the P256-SHA256-HKDF-HMAC ciphersuite.
const (
	// ScalarSize is the size of a P-256 scalar (w0, w1).
	ScalarSize = 32

	// ElementSize is the size of an uncompressed P-256 group element.
	ElementSize = 65

	// ConfirmSize is the size of a confirmation MAC.
	ConfirmSize = 32

	// OversizedScalarSize is the PBKDF2 output per scalar (32 + 8 bytes,
	// reduced mod the group order for bias resistance per RFC 9383).
	OversizedScalarSize = 40
)

// Errors.
var (
	ErrScalarSize    = errors.New("spake2p: scalar must be 32 bytes")
	ErrElementSize   = errors.New("spake2p: group element must be 65 bytes")
	ErrNotOnCurve    = errors.New("spake2p: element is not a valid curve point")
	ErrBadState      = errors.New("spake2p: operation not valid in current state")
	ErrConfirmFailed = errors.New("spake2p: confirmation mismatch")
)

// The fixed blinding generators M and N for P-256 from RFC 9383 Section 4,
// as uncompressed points.
var (
	elementM = []byte{
		0x04, 0x88, 0x6e, 0x2f, 0x97, 0xac, 0xe4, 0x6e, 0x55, 0xba, 0x9d, 0xd7, 0x24, 0x25, 0x79, 0xf2, 0x99,
		0x3b, 0x64, 0xe1, 0x6e, 0xf3, 0xdc, 0xab, 0x95, 0xaf, 0xd4, 0x97, 0x33, 0x3d, 0x8f, 0xa1, 0x2f, 0x5f,
		0xf3, 0x55, 0x16, 0x3e, 0x43, 0xce, 0x22, 0x4e, 0x0b, 0x0e, 0x65, 0xff, 0x02, 0xac, 0x8e, 0x5c, 0x7b,
		0xe0, 0x94, 0x19, 0xc7, 0x85, 0xe0, 0xca, 0x54, 0x7d, 0x55, 0xa1, 0x2e, 0x2d, 0x20,
	}
	elementN = []byte{
		0x04, 0xd8, 0xbb, 0xd6, 0xc6, 0x39, 0xc6, 0x29, 0x37, 0xb0, 0x4d, 0x99, 0x7f, 0x38, 0xc3, 0x77, 0x07,
		0x19, 0xc6, 0x29, 0xd7, 0x01, 0x4d, 0x49, 0xa2, 0x4b, 0x4f, 0x98, 0xba, 0xa1, 0x29, 0x2b, 0x49, 0x07,
		0xd6, 0x0a, 0xa6, 0xbf, 0xad, 0xe4, 0x50, 0x08, 0xa6, 0x36, 0x33, 0x7f, 0x51, 0x68, 0xc6, 0x4d, 0x9b,
		0xd3, 0x60, 0x34, 0x80, 0x8c, 0xd5, 0x64, 0x49, 0x0b, 0x1e, 0x65, 0x6e, 0xdb, 0xe7,
	}

	genM = mustElement(elementM)
	genN = mustElement(elementN)

	curve = elliptic.P256()
)

type phase int

const (
	phaseNew phase = iota
	phaseShared
	phaseKeyed
	phaseConfirmed
)

type element struct {
	x, y *big.Int
}

// State carries one party's view of a SPAKE2+ run. A State is single-use;
// start a fresh one for every handshake attempt.
type State struct {
	prover     bool
	context    []byte
	idProver   []byte
	idVerifier []byte

	w0 *big.Int
	w1 *big.Int  // prover only
	l  *element  // verifier only

	ephemeral *big.Int
	ownShare  []byte
	peerShare []byte
	zz        []byte
	vv        []byte

	ka  []byte
	ke  []byte
	kcA []byte
	kcB []byte

	phase phase
	rand  io.Reader
}

// NewProver creates the prover side (the party that knows the password).
// context binds the run to the surrounding protocol; idProver/idVerifier
// may be empty. rand may be nil to use crypto/rand.
func NewProver(context, idProver, idVerifier, w0, w1 []byte, rand io.Reader) (*State, error) {
	if len(w0) != ScalarSize {
		return nil, ErrScalarSize
	}
	if len(w1) != ScalarSize {
		return nil, ErrScalarSize
	}
	return &State{
		prover:     true,
		context:    cloned(context),
		idProver:   cloned(idProver),
		idVerifier: cloned(idVerifier),
		w0:         new(big.Int).SetBytes(w0),
		w1:         new(big.Int).SetBytes(w1),
		phase:      phaseNew,
		rand:       orDefault(rand),
	}, nil
}

// NewVerifier creates the verifier side from the registration record
// (w0, L). rand may be nil to use crypto/rand.
func NewVerifier(context, idProver, idVerifier, w0, l []byte, rand io.Reader) (*State, error) {
	if len(w0) != ScalarSize {
		return nil, ErrScalarSize
	}
	lp, err := parseElement(l)
	if err != nil {
		return nil, err
	}
	return &State{
		prover:     false,
		context:    cloned(context),
		idProver:   cloned(idProver),
		idVerifier: cloned(idVerifier),
		w0:         new(big.Int).SetBytes(w0),
		l:          lp,
		phase:      phaseNew,
		rand:       orDefault(rand),
	}, nil
}

// ShareElement generates and returns this party's public share:
// pA = x*P + w0*M for the prover, pB = y*P + w0*N for the verifier.
func (s *State) ShareElement() ([]byte, error) {
	if s.phase != phaseNew {
		return nil, ErrBadState
	}
	eph, err := randomScalar(s.rand)
	if err != nil {
		return nil, err
	}
	s.ephemeral = eph

	gen := genM
	if !s.prover {
		gen = genN
	}
	s.ownShare = serializeElement(addElements(baseMult(eph), scalarMult(gen, s.w0)))
	s.phase = phaseShared
	return cloned(s.ownShare), nil
}

// AbsorbPeerElement validates the peer's share, computes the shared
// values Z and V, and derives the session and confirmation keys.
func (s *State) AbsorbPeerElement(peerShare []byte) error {
	if s.phase != phaseShared {
		return ErrBadState
	}
	peer, err := parseElement(peerShare)
	if err != nil {
		return err
	}
	s.peerShare = cloned(peerShare)

	if s.prover {
		// Unblind: Y - w0*N. Z = x*(Y - w0*N), V = w1*(Y - w0*N).
		// P-256 has cofactor 1, so no cofactor multiplication.
		unblinded := subElements(peer, scalarMult(genN, s.w0))
		s.zz = serializeElement(scalarMult(unblinded, s.ephemeral))
		s.vv = serializeElement(scalarMult(unblinded, s.w1))
	} else {
		// Unblind: X - w0*M. Z = y*(X - w0*M), V = y*L.
		unblinded := subElements(peer, scalarMult(genM, s.w0))
		s.zz = serializeElement(scalarMult(unblinded, s.ephemeral))
		s.vv = serializeElement(scalarMult(s.l, s.ephemeral))
	}

	if err := s.deriveKeys(); err != nil {
		return err
	}
	s.phase = phaseKeyed
	return nil
}

// Confirm returns this party's confirmation MAC: cA = HMAC(KcA, pB) for
// the prover, cB = HMAC(KcB, pA) for the verifier.
func (s *State) Confirm() ([]byte, error) {
	if s.phase != phaseKeyed && s.phase != phaseConfirmed {
		return nil, ErrBadState
	}
	if s.prover {
		return mac(s.kcA, s.peerShare), nil
	}
	return mac(s.kcB, s.peerShare), nil
}

// CheckPeerConfirm verifies the peer's confirmation MAC in constant time.
// On mismatch the run must be abandoned; no secret is released.
func (s *State) CheckPeerConfirm(peerConfirm []byte) error {
	if s.phase != phaseKeyed && s.phase != phaseConfirmed {
		return ErrBadState
	}
	var expected []byte
	if s.prover {
		expected = mac(s.kcB, s.ownShare)
	} else {
		expected = mac(s.kcA, s.ownShare)
	}
	if !hmac.Equal(expected, peerConfirm) {
		return ErrConfirmFailed
	}
	s.phase = phaseConfirmed
	return nil
}

// Secret returns the shared secret Ke. Callers must only use it after
// CheckPeerConfirm succeeded.
func (s *State) Secret() []byte {
	return cloned(s.ke)
}

// Confirmed reports whether the peer's confirmation has been verified.
func (s *State) Confirmed() bool {
	return s.phase == phaseConfirmed
}

// deriveKeys hashes the transcript and splits the result into Ka/Ke,
// then expands Ka into the confirmation keys KcA/KcB.
func (s *State) deriveKeys() error {
	kae := sha256.Sum256(s.transcript())
	s.ka = cloned(kae[:16])
	s.ke = cloned(kae[16:])

	kc, err := crypto.HKDFSHA256(s.ka, nil, []byte("ConfirmationKeys"), 32)
	if err != nil {
		return err
	}
	s.kcA = cloned(kc[:16])
	s.kcB = cloned(kc[16:])
	return nil
}

// transcript builds TT per RFC 9383 Section 3.3: each field prefixed
// with its 8-byte little-endian length.
//
//	TT = len(Context) || Context || len(idP) || idP || len(idV) || idV
//	  || len(M) || M || len(N) || N || len(X) || X || len(Y) || Y
//	  || len(Z) || Z || len(V) || V || len(w0) || w0
func (s *State) transcript() []byte {
	shareX, shareY := s.ownShare, s.peerShare
	if !s.prover {
		shareX, shareY = s.peerShare, s.ownShare
	}

	w0Bytes := make([]byte, ScalarSize)
	s.w0.FillBytes(w0Bytes)

	var tt []byte
	for _, field := range [][]byte{
		s.context, s.idProver, s.idVerifier,
		elementM, elementN,
		shareX, shareY,
		s.zz, s.vv, w0Bytes,
	} {
		var lenBuf [8]byte
		binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(field)))
		tt = append(tt, lenBuf[:]...)
		tt = append(tt, field...)
	}
	return tt
}

// RegistrationRecord computes L = w1*P for verifier provisioning.
func RegistrationRecord(w1 []byte) ([]byte, error) {
	if len(w1) != ScalarSize {
		return nil, ErrScalarSize
	}
	x, y := curve.ScalarBaseMult(w1)
	return serializeElement(&element{x: x, y: y}), nil
}

// ReduceScalar reduces an oversized PBKDF2-derived scalar modulo the
// group order, returning a fixed 32-byte value (RFC 9383 bias-resistant
// reduction).
func ReduceScalar(oversized []byte) []byte {
	v := new(big.Int).SetBytes(oversized)
	v.Mod(v, curve.Params().N)
	out := make([]byte, ScalarSize)
	v.FillBytes(out)
	return out
}

// Group element helpers.

func mustElement(data []byte) *element {
	e, err := parseElement(data)
	if err != nil {
		panic(err)
	}
	return e
}

func parseElement(data []byte) (*element, error) {
	if len(data) != ElementSize {
		return nil, ErrElementSize
	}
	if data[0] != 0x04 {
		return nil, ErrNotOnCurve
	}
	x := new(big.Int).SetBytes(data[1:33])
	y := new(big.Int).SetBytes(data[33:65])
	if !curve.IsOnCurve(x, y) {
		return nil, ErrNotOnCurve
	}
	return &element{x: x, y: y}, nil
}

func serializeElement(e *element) []byte {
	out := make([]byte, ElementSize)
	out[0] = 0x04
	e.x.FillBytes(out[1:33])
	e.y.FillBytes(out[33:65])
	return out
}

func baseMult(k *big.Int) *element {
	x, y := curve.ScalarBaseMult(k.Bytes())
	return &element{x: x, y: y}
}

func scalarMult(e *element, k *big.Int) *element {
	x, y := curve.ScalarMult(e.x, e.y, k.Bytes())
	return &element{x: x, y: y}
}

func addElements(a, b *element) *element {
	x, y := curve.Add(a.x, a.y, b.x, b.y)
	return &element{x: x, y: y}
}

func subElements(a, b *element) *element {
	negY := new(big.Int).Neg(b.y)
	negY.Mod(negY, curve.Params().P)
	x, y := curve.Add(a.x, a.y, b.x, negY)
	return &element{x: x, y: y}
}

func randomScalar(r io.Reader) (*big.Int, error) {
	n := curve.Params().N
	for {
		buf := make([]byte, ScalarSize)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		k := new(big.Int).SetBytes(buf)
		if k.Sign() > 0 && k.Cmp(n) < 0 {
			return k, nil
		}
	}
}

func mac(key, data []byte) []byte {
	m := hmac.New(sha256.New, key)
	m.Write(data)
	return m.Sum(nil)
}

func cloned(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func orDefault(r io.Reader) io.Reader {
	if r == nil {
		return crypto.Rand
	}
	return r
}
