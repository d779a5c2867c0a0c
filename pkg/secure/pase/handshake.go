package pase

import (
	"io"

	"github.com/hearthlink/matter/pkg/crypto"
	"github.com/hearthlink/matter/pkg/crypto/spake2p"
)

// sessionKeysInfo labels the final HKDF expansion (Spec Section 4.14.1.3).
var sessionKeysInfo = []byte("SessionKeys")

type step int

const (
	stepStart step = iota
	stepAwaitResponse
	stepAwaitPake1
	stepAwaitPake2
	stepAwaitPake3
	stepEstablished
	stepFailed
)

// Handshake runs one PASE establishment attempt for either role. It is
// a pure state machine: callers feed it decoded peer payloads and send
// the payloads it returns. A Handshake is single-use.
type Handshake struct {
	initiator bool
	step      step
	rand      io.Reader

	// Initiator credentials.
	passcode uint32

	// Responder credentials.
	verifier   *Verifier
	salt       []byte
	iterations uint32

	// Initiator-known PBKDF parameters, if provisioned out of band.
	knownSalt       []byte
	knownIterations uint32

	localSessionID uint16
	peerSessionID  uint16
	peerParams     *SessionParams

	initiatorRandom [RandomSize]byte
	requestBytes    []byte
	responseBytes   []byte

	spake *spake2p.State
	keys  *SessionKeys
}

// NewInitiator builds the commissioner side. localSessionID is the
// session identifier the peer should address us with once established.
// rand may be nil to use crypto/rand.
func NewInitiator(passcode uint32, localSessionID uint16, rand io.Reader) (*Handshake, error) {
	if err := ValidatePasscode(passcode); err != nil {
		return nil, err
	}
	return &Handshake{
		initiator:      true,
		step:           stepStart,
		rand:           rand,
		passcode:       passcode,
		localSessionID: localSessionID,
	}, nil
}

// NewResponder builds the commissionee side from its provisioned
// verifier and the PBKDF parameters it was derived with.
func NewResponder(verifier *Verifier, salt []byte, iterations uint32, localSessionID uint16, rand io.Reader) (*Handshake, error) {
	if verifier == nil {
		return nil, ErrBadState
	}
	if err := ValidatePBKDFParams(salt, iterations); err != nil {
		return nil, err
	}
	return &Handshake{
		initiator:      false,
		step:           stepAwaitPake1,
		rand:           rand,
		verifier:       verifier,
		salt:           append([]byte(nil), salt...),
		iterations:     iterations,
		localSessionID: localSessionID,
	}, nil
}

// SetKnownPBKDFParams tells the initiator the responder's PBKDF
// parameters are already known (from the onboarding payload), letting
// the responder omit them from its response.
func (h *Handshake) SetKnownPBKDFParams(salt []byte, iterations uint32) error {
	if !h.initiator || h.step != stepStart {
		return ErrBadState
	}
	if err := ValidatePBKDFParams(salt, iterations); err != nil {
		return err
	}
	h.knownSalt = append([]byte(nil), salt...)
	h.knownIterations = iterations
	return nil
}

// Start produces the PBKDFParamRequest payload. params advertises our
// MRP intervals and may be nil.
func (h *Handshake) Start(params *SessionParams) ([]byte, error) {
	if !h.initiator || h.step != stepStart {
		return nil, ErrBadState
	}
	rnd, err := crypto.RandomBytes(h.rand, RandomSize)
	if err != nil {
		return nil, h.fail(err)
	}
	copy(h.initiatorRandom[:], rnd)
	req := &PBKDFParamRequest{
		InitiatorRandom:    h.initiatorRandom,
		InitiatorSessionID: h.localSessionID,
		PasscodeID:         DefaultPasscodeID,
		HasPBKDFParams:     h.knownSalt != nil,
		SessionParams:      params,
	}
	out, err := req.Encode()
	if err != nil {
		return nil, h.fail(err)
	}
	h.requestBytes = out
	h.step = stepAwaitResponse
	return out, nil
}

// HandlePBKDFParamRequest processes the initiator's opening message and
// returns the PBKDFParamResponse payload. params advertises our MRP
// intervals and may be nil.
func (h *Handshake) HandlePBKDFParamRequest(data []byte, params *SessionParams) ([]byte, error) {
	if h.initiator || h.step != stepAwaitPake1 || h.requestBytes != nil {
		return nil, ErrBadState
	}
	req, err := DecodePBKDFParamRequest(data)
	if err != nil {
		return nil, h.fail(err)
	}
	if req.PasscodeID != DefaultPasscodeID {
		return nil, h.fail(ErrBadPasscodeID)
	}
	h.requestBytes = append([]byte(nil), data...)
	h.peerSessionID = req.InitiatorSessionID
	h.peerParams = req.SessionParams

	resp := &PBKDFParamResponse{
		InitiatorRandom:    req.InitiatorRandom,
		ResponderSessionID: h.localSessionID,
		SessionParams:      params,
	}
	rnd, err := crypto.RandomBytes(h.rand, RandomSize)
	if err != nil {
		return nil, h.fail(err)
	}
	copy(resp.ResponderRandom[:], rnd)
	if !req.HasPBKDFParams {
		resp.PBKDFParams = &PBKDFParams{Iterations: h.iterations, Salt: h.salt}
	}
	out, err := resp.Encode()
	if err != nil {
		return nil, h.fail(err)
	}
	h.responseBytes = out
	return out, nil
}

// HandlePBKDFParamResponse processes the responder's parameters and
// returns the Pake1 payload carrying our public share.
func (h *Handshake) HandlePBKDFParamResponse(data []byte) ([]byte, error) {
	if !h.initiator || h.step != stepAwaitResponse {
		return nil, ErrBadState
	}
	resp, err := DecodePBKDFParamResponse(data)
	if err != nil {
		return nil, h.fail(err)
	}
	if resp.InitiatorRandom != h.initiatorRandom {
		return nil, h.fail(ErrRandomMismatch)
	}
	h.responseBytes = append([]byte(nil), data...)
	h.peerSessionID = resp.ResponderSessionID
	h.peerParams = resp.SessionParams

	salt, iterations := h.knownSalt, h.knownIterations
	if resp.PBKDFParams != nil {
		salt, iterations = resp.PBKDFParams.Salt, resp.PBKDFParams.Iterations
	}
	if salt == nil {
		return nil, h.fail(ErrMissingParams)
	}
	w0, w1, err := DeriveW0W1(h.passcode, salt, iterations)
	if err != nil {
		return nil, h.fail(err)
	}
	h.spake, err = spake2p.NewProver(h.transcriptContext(), nil, nil, w0, w1, h.rand)
	if err != nil {
		return nil, h.fail(err)
	}

	pa, err := h.spake.ShareElement()
	if err != nil {
		return nil, h.fail(err)
	}
	p1 := &Pake1{}
	copy(p1.PA[:], pa)
	out, err := p1.Encode()
	if err != nil {
		return nil, h.fail(err)
	}
	h.step = stepAwaitPake2
	return out, nil
}

// HandlePake1 processes the initiator's share and returns the Pake2
// payload carrying our share and confirmation.
func (h *Handshake) HandlePake1(data []byte) ([]byte, error) {
	if h.initiator || h.step != stepAwaitPake1 || h.responseBytes == nil {
		return nil, ErrBadState
	}
	p1, err := DecodePake1(data)
	if err != nil {
		return nil, h.fail(err)
	}

	h.spake, err = spake2p.NewVerifier(h.transcriptContext(), nil, nil,
		h.verifier.W0[:], h.verifier.L[:], h.rand)
	if err != nil {
		return nil, h.fail(err)
	}
	// Generate our share before absorbing the peer's: the confirmation
	// MACs cover both shares, so ordering is fixed by the state machine.
	pb, err := h.spake.ShareElement()
	if err != nil {
		return nil, h.fail(err)
	}
	if err := h.spake.AbsorbPeerElement(p1.PA[:]); err != nil {
		return nil, h.fail(err)
	}
	cb, err := h.spake.Confirm()
	if err != nil {
		return nil, h.fail(err)
	}

	p2 := &Pake2{}
	copy(p2.PB[:], pb)
	copy(p2.CB[:], cb)
	out, err := p2.Encode()
	if err != nil {
		return nil, h.fail(err)
	}
	h.step = stepAwaitPake3
	return out, nil
}

// HandlePake2 verifies the responder's confirmation and returns the
// Pake3 payload with ours. On ErrAuthentication the passcode did not
// match and the attempt must be abandoned.
func (h *Handshake) HandlePake2(data []byte) ([]byte, error) {
	if !h.initiator || h.step != stepAwaitPake2 {
		return nil, ErrBadState
	}
	p2, err := DecodePake2(data)
	if err != nil {
		return nil, h.fail(err)
	}
	if err := h.spake.AbsorbPeerElement(p2.PB[:]); err != nil {
		return nil, h.fail(err)
	}
	if err := h.spake.CheckPeerConfirm(p2.CB[:]); err != nil {
		return nil, h.fail(ErrAuthentication)
	}
	ca, err := h.spake.Confirm()
	if err != nil {
		return nil, h.fail(err)
	}
	if err := h.deriveSessionKeys(); err != nil {
		return nil, h.fail(err)
	}

	p3 := &Pake3{}
	copy(p3.CA[:], ca)
	out, err := p3.Encode()
	if err != nil {
		return nil, h.fail(err)
	}
	h.step = stepEstablished
	return out, nil
}

// HandlePake3 verifies the initiator's confirmation, completing the
// responder side. On ErrAuthentication the passcode did not match.
func (h *Handshake) HandlePake3(data []byte) error {
	if h.initiator || h.step != stepAwaitPake3 {
		return ErrBadState
	}
	p3, err := DecodePake3(data)
	if err != nil {
		return h.fail(err)
	}
	if err := h.spake.CheckPeerConfirm(p3.CA[:]); err != nil {
		return h.fail(ErrAuthentication)
	}
	if err := h.deriveSessionKeys(); err != nil {
		return h.fail(err)
	}
	h.step = stepEstablished
	return nil
}

// SessionKeys returns the derived keys once both confirmations have
// been exchanged.
func (h *Handshake) SessionKeys() (*SessionKeys, error) {
	if h.step != stepEstablished || h.keys == nil {
		return nil, ErrNotEstablished
	}
	return h.keys, nil
}

// Established reports whether key derivation completed.
func (h *Handshake) Established() bool { return h.step == stepEstablished }

// Failed reports whether the attempt aborted.
func (h *Handshake) Failed() bool { return h.step == stepFailed }

// Initiator reports the handshake role.
func (h *Handshake) Initiator() bool { return h.initiator }

// LocalSessionID returns the session identifier we allocated.
func (h *Handshake) LocalSessionID() uint16 { return h.localSessionID }

// PeerSessionID returns the session identifier the peer allocated,
// valid once the parameter exchange is done.
func (h *Handshake) PeerSessionID() uint16 { return h.peerSessionID }

// PeerParams returns the MRP parameters the peer advertised, or nil.
func (h *Handshake) PeerParams() *SessionParams { return h.peerParams }

// transcriptContext hashes the parameter exchange into the SPAKE2+
// context: SHA-256 of the context prefix and both PBKDF messages as
// they appeared on the wire.
func (h *Handshake) transcriptContext() []byte {
	buf := make([]byte, 0, len(ContextPrefix)+len(h.requestBytes)+len(h.responseBytes))
	buf = append(buf, ContextPrefix...)
	buf = append(buf, h.requestBytes...)
	buf = append(buf, h.responseBytes...)
	sum := crypto.SHA256(buf)
	return sum[:]
}

func (h *Handshake) deriveSessionKeys() error {
	ke := h.spake.Secret()
	okm, err := crypto.HKDFSHA256(ke, nil, sessionKeysInfo,
		2*SessionKeySize+AttestationChallengeSize)
	if err != nil {
		return err
	}
	keys := &SessionKeys{}
	copy(keys.I2RKey[:], okm[:SessionKeySize])
	copy(keys.R2IKey[:], okm[SessionKeySize:2*SessionKeySize])
	copy(keys.AttestationChallenge[:], okm[2*SessionKeySize:])
	h.keys = keys
	return nil
}

func (h *Handshake) fail(err error) error {
	h.step = stepFailed
	h.spake = nil
	return err
}
