package sigma

import (
	"io"

	"github.com/hearthlink/matter/pkg/crypto"
	"github.com/hearthlink/matter/pkg/fabric"
)

type step int

const (
	stepStart step = iota
	stepAwaitSigma2
	stepAwaitSigma1
	stepAwaitSigma3
	stepEstablished
	stepFailed
)

// Config tunes a Handshake. The zero value uses crypto/rand, the
// reference chain validator, and no resumption.
type Config struct {
	// Rand supplies randoms and ephemeral keys; nil uses crypto/rand.
	Rand io.Reader

	// Validate verifies peer certificate chains; nil uses
	// fabric.ValidateChain.
	Validate ValidateChainFunc

	// Resumptions, when set, lets the handshake attempt and record
	// session resumption.
	Resumptions *ResumptionCache
}

func (c Config) validate() ValidateChainFunc {
	if c.Validate != nil {
		return c.Validate
	}
	return fabric.ValidateChain
}

// Handshake runs one CASE establishment attempt for either role. Like
// its PASE counterpart it is a pure state machine fed with decoded
// payloads; transport and retries belong to the caller.
type Handshake struct {
	initiator bool
	step      step
	cfg       Config

	// local is fixed for the initiator; the responder resolves it from
	// the destination identifier.
	local *fabric.Identity
	store *fabric.Store
	ipk   [fabric.IPKSize]byte

	localSessionID uint16
	peerSessionID  uint16
	peerParams     *SessionParams

	peerNodeID fabric.NodeID // initiator's target
	resumeWith *ResumptionRecord

	ephKey          *crypto.KeyPair
	initiatorRandom [RandomSize]byte
	initiatorEphPub [crypto.P256PointSize]byte
	responderEphPub [crypto.P256PointSize]byte
	sharedSecret    []byte
	msg1            []byte
	msg2            []byte

	newResumptionID [ResumptionIDSize]byte

	keys         *SessionKeys
	peer         PeerIdentity
	resumptionID [ResumptionIDSize]byte
}

// NewInitiator builds the initiator side targeting peerNodeID on the
// identity's fabric.
func NewInitiator(local *fabric.Identity, peerNodeID fabric.NodeID,
	localSessionID uint16, cfg Config) (*Handshake, error) {
	if local == nil {
		return nil, ErrBadState
	}
	if !peerNodeID.IsOperational() {
		return nil, fabric.ErrBadNodeID
	}
	ipk, err := local.OperationalIPK()
	if err != nil {
		return nil, err
	}
	h := &Handshake{
		initiator:      true,
		step:           stepStart,
		cfg:            cfg,
		local:          local,
		ipk:            ipk,
		localSessionID: localSessionID,
		peerNodeID:     peerNodeID,
	}
	if cfg.Resumptions != nil {
		peer := PeerIdentity{FabricID: local.FabricID, NodeID: peerNodeID}
		if rec, ok := cfg.Resumptions.ByPeer(peer); ok {
			h.resumeWith = rec
		}
	}
	return h, nil
}

// NewResponder builds the responder side over the node's commissioned
// identities.
func NewResponder(store *fabric.Store, localSessionID uint16, cfg Config) (*Handshake, error) {
	if store == nil {
		return nil, ErrBadState
	}
	return &Handshake{
		initiator:      false,
		step:           stepAwaitSigma1,
		cfg:            cfg,
		store:          store,
		localSessionID: localSessionID,
	}, nil
}

// Start produces the Sigma1 payload. When a resumption record for the
// target peer exists it is offered; the responder decides whether to
// honor it.
func (h *Handshake) Start(params *SessionParams) ([]byte, error) {
	if !h.initiator || h.step != stepStart {
		return nil, ErrBadState
	}
	rnd, err := crypto.RandomBytes(h.cfg.Rand, RandomSize)
	if err != nil {
		return nil, h.fail(err)
	}
	copy(h.initiatorRandom[:], rnd)

	h.ephKey, err = crypto.GenerateKeyPair(h.cfg.Rand)
	if err != nil {
		return nil, h.fail(err)
	}
	copy(h.initiatorEphPub[:], h.ephKey.PublicKey())

	s1 := &Sigma1{
		InitiatorRandom:    h.initiatorRandom,
		InitiatorSessionID: h.localSessionID,
		InitiatorEphPubKey: h.initiatorEphPub,
		SessionParams:      params,
		DestinationID: ComputeDestinationID(h.ipk, h.initiatorRandom,
			h.local.RootPublicKey, h.local.FabricID, h.peerNodeID),
	}
	if h.resumeWith != nil {
		s1rk, err := deriveS1RK(h.resumeWith.SharedSecret, h.initiatorRandom, h.resumeWith.ResumptionID)
		if err != nil {
			return nil, h.fail(err)
		}
		mic, err := computeResumeMIC(s1rk, nonceResume1)
		if err != nil {
			return nil, h.fail(err)
		}
		s1.HasResumption = true
		s1.ResumptionID = h.resumeWith.ResumptionID
		s1.ResumeMIC = mic
	}

	out, err := s1.Encode()
	if err != nil {
		return nil, h.fail(err)
	}
	h.msg1 = out
	h.step = stepAwaitSigma2
	return out, nil
}

// HandleSigma1 processes the initiator's opening message and returns
// either a Sigma2 or, when a valid resumption was offered, a
// Sigma2Resume (resumed true). ErrNoSharedTrustRoots means no local
// fabric recognized the destination identifier.
func (h *Handshake) HandleSigma1(data []byte, params *SessionParams) (resp []byte, resumed bool, err error) {
	if h.initiator || h.step != stepAwaitSigma1 {
		return nil, false, ErrBadState
	}
	s1, err := DecodeSigma1(data)
	if err != nil {
		return nil, false, h.fail(err)
	}
	h.msg1 = append([]byte(nil), data...)
	h.peerSessionID = s1.InitiatorSessionID
	h.peerParams = s1.SessionParams
	copy(h.initiatorEphPub[:], s1.InitiatorEphPubKey[:])

	if err := h.resolveIdentity(s1); err != nil {
		return nil, false, h.fail(err)
	}

	// A resumption attempt that cannot be honored falls through to the
	// full handshake without signaling why; an attacker probing with
	// stolen resumption IDs learns nothing.
	if s1.HasResumption && h.cfg.Resumptions != nil {
		if out, ok := h.tryResume(s1, params); ok {
			return out, true, nil
		}
	}

	out, err := h.buildSigma2(s1, params)
	if err != nil {
		return nil, false, h.fail(err)
	}
	h.step = stepAwaitSigma3
	return out, false, nil
}

func (h *Handshake) resolveIdentity(s1 *Sigma1) error {
	var matched *fabric.Identity
	h.store.ForEach(func(id *fabric.Identity) bool {
		ok, err := MatchDestinationID(s1.DestinationID, id, s1.InitiatorRandom)
		if err == nil && ok {
			matched = id
			return false
		}
		return true
	})
	if matched == nil {
		return ErrNoSharedTrustRoots
	}
	h.local = matched
	ipk, err := matched.OperationalIPK()
	if err != nil {
		return err
	}
	h.ipk = ipk
	return nil
}

func (h *Handshake) tryResume(s1 *Sigma1, params *SessionParams) ([]byte, bool) {
	rec, ok := h.cfg.Resumptions.ByID(s1.ResumptionID)
	if !ok {
		return nil, false
	}
	s1rk, err := deriveS1RK(rec.SharedSecret, s1.InitiatorRandom, s1.ResumptionID)
	if err != nil || !verifyResumeMIC(s1rk, nonceResume1, s1.ResumeMIC) {
		return nil, false
	}

	newID, err := crypto.RandomBytes(h.cfg.Rand, ResumptionIDSize)
	if err != nil {
		return nil, false
	}
	copy(h.newResumptionID[:], newID)

	s2rk, err := deriveS2RK(rec.SharedSecret, s1.InitiatorRandom, h.newResumptionID)
	if err != nil {
		return nil, false
	}
	mic, err := computeResumeMIC(s2rk, nonceResume2)
	if err != nil {
		return nil, false
	}

	s2r := &Sigma2Resume{
		ResumptionID:       h.newResumptionID,
		ResumeMIC:          mic,
		ResponderSessionID: h.localSessionID,
		SessionParams:      params,
	}
	out, err := s2r.Encode()
	if err != nil {
		return nil, false
	}
	keys, err := deriveResumptionSessionKeys(rec.SharedSecret, h.ipk, h.msg1, out)
	if err != nil {
		return nil, false
	}

	h.keys = keys
	h.peer = rec.Peer
	h.sharedSecret = append([]byte(nil), rec.SharedSecret...)
	h.resumptionID = h.newResumptionID
	h.cfg.Resumptions.Store(&ResumptionRecord{
		ResumptionID: h.newResumptionID,
		SharedSecret: rec.SharedSecret,
		FabricIndex:  h.local.Index,
		Peer:         rec.Peer,
	})
	h.step = stepEstablished
	return out, true
}

func (h *Handshake) buildSigma2(s1 *Sigma1, params *SessionParams) ([]byte, error) {
	var err error
	h.ephKey, err = crypto.GenerateKeyPair(h.cfg.Rand)
	if err != nil {
		return nil, err
	}
	copy(h.responderEphPub[:], h.ephKey.PublicKey())

	h.sharedSecret, err = h.ephKey.ECDH(s1.InitiatorEphPubKey[:])
	if err != nil {
		return nil, err
	}

	rnd, err := crypto.RandomBytes(h.cfg.Rand, RandomSize)
	if err != nil {
		return nil, err
	}
	var responderRandom [RandomSize]byte
	copy(responderRandom[:], rnd)

	newID, err := crypto.RandomBytes(h.cfg.Rand, ResumptionIDSize)
	if err != nil {
		return nil, err
	}
	copy(h.newResumptionID[:], newID)

	tbs, err := encodeTBS(h.local.NOC, h.local.ICAC, h.responderEphPub[:], h.initiatorEphPub[:])
	if err != nil {
		return nil, err
	}
	sig, err := h.local.OperationalKey.Sign(tbs)
	if err != nil {
		return nil, err
	}

	tbe := &tbeData{
		NOC:             h.local.NOC,
		ICAC:            h.local.ICAC,
		HasResumptionID: true,
		ResumptionID:    h.newResumptionID,
	}
	copy(tbe.Signature[:], sig)
	plaintext, err := tbe.encode()
	if err != nil {
		return nil, err
	}

	s2k, err := deriveS2K(h.sharedSecret, h.ipk, responderRandom, h.responderEphPub[:], h.msg1)
	if err != nil {
		return nil, err
	}
	encrypted, err := sealTBE(s2k, nonceSigma2, plaintext)
	if err != nil {
		return nil, err
	}

	s2 := &Sigma2{
		ResponderRandom:    responderRandom,
		ResponderSessionID: h.localSessionID,
		ResponderEphPubKey: h.responderEphPub,
		Encrypted:          encrypted,
		SessionParams:      params,
	}
	out, err := s2.Encode()
	if err != nil {
		return nil, err
	}
	h.msg2 = out
	return out, nil
}

// HandleSigma2 authenticates the responder and returns the Sigma3
// payload. The checks run in a fixed order: decrypt, certificate
// chain, peer identity, signature; each failure keeps its own error.
func (h *Handshake) HandleSigma2(data []byte) ([]byte, error) {
	if !h.initiator || h.step != stepAwaitSigma2 {
		return nil, ErrBadState
	}
	s2, err := DecodeSigma2(data)
	if err != nil {
		return nil, h.fail(err)
	}
	h.msg2 = append([]byte(nil), data...)
	h.peerSessionID = s2.ResponderSessionID
	h.peerParams = s2.SessionParams
	h.responderEphPub = s2.ResponderEphPubKey

	h.sharedSecret, err = h.ephKey.ECDH(s2.ResponderEphPubKey[:])
	if err != nil {
		return nil, h.fail(err)
	}

	s2k, err := deriveS2K(h.sharedSecret, h.ipk, s2.ResponderRandom, s2.ResponderEphPubKey[:], h.msg1)
	if err != nil {
		return nil, h.fail(err)
	}
	plaintext, err := openTBE(s2k, nonceSigma2, s2.Encrypted)
	if err != nil {
		return nil, h.fail(err)
	}
	tbe, err := decodeTBEData(plaintext)
	if err != nil {
		return nil, h.fail(err)
	}
	if !tbe.HasResumptionID {
		return nil, h.fail(ErrBadMessage)
	}

	cert, err := h.cfg.validate()(tbe.NOC, tbe.ICAC, h.local.RootCert, h.local.RootPublicKey)
	if err != nil {
		return nil, h.fail(err)
	}
	if cert.FabricID != h.local.FabricID || cert.NodeID != h.peerNodeID {
		return nil, h.fail(ErrPeerIdentity)
	}

	tbs, err := encodeTBS(tbe.NOC, tbe.ICAC, s2.ResponderEphPubKey[:], h.initiatorEphPub[:])
	if err != nil {
		return nil, h.fail(err)
	}
	ok, err := crypto.VerifySignature(cert.PublicKey[:], tbs, tbe.Signature[:])
	if err != nil || !ok {
		return nil, h.fail(ErrSignature)
	}

	// Authenticated; answer with our own credentials.
	ownTBS, err := encodeTBS(h.local.NOC, h.local.ICAC, h.initiatorEphPub[:], h.responderEphPub[:])
	if err != nil {
		return nil, h.fail(err)
	}
	sig, err := h.local.OperationalKey.Sign(ownTBS)
	if err != nil {
		return nil, h.fail(err)
	}
	ownTBE := &tbeData{NOC: h.local.NOC, ICAC: h.local.ICAC}
	copy(ownTBE.Signature[:], sig)
	plaintext, err = ownTBE.encode()
	if err != nil {
		return nil, h.fail(err)
	}
	s3k, err := deriveS3K(h.sharedSecret, h.ipk, h.msg1, h.msg2)
	if err != nil {
		return nil, h.fail(err)
	}
	encrypted, err := sealTBE(s3k, nonceSigma3, plaintext)
	if err != nil {
		return nil, h.fail(err)
	}
	s3 := &Sigma3{Encrypted: encrypted}
	msg3, err := s3.Encode()
	if err != nil {
		return nil, h.fail(err)
	}

	h.keys, err = deriveSessionKeys(h.sharedSecret, h.ipk, h.msg1, h.msg2, msg3)
	if err != nil {
		return nil, h.fail(err)
	}
	h.peer = PeerIdentity{FabricID: cert.FabricID, NodeID: cert.NodeID}
	h.resumptionID = tbe.ResumptionID
	if h.cfg.Resumptions != nil {
		h.cfg.Resumptions.Store(&ResumptionRecord{
			ResumptionID: tbe.ResumptionID,
			SharedSecret: h.sharedSecret,
			FabricIndex:  h.local.Index,
			Peer:         h.peer,
		})
	}
	h.step = stepEstablished
	return msg3, nil
}

// HandleSigma2Resume completes a resumed handshake on the initiator.
func (h *Handshake) HandleSigma2Resume(data []byte) error {
	if !h.initiator || h.step != stepAwaitSigma2 {
		return ErrBadState
	}
	if h.resumeWith == nil {
		return h.fail(ErrBadMessage)
	}
	s2r, err := DecodeSigma2Resume(data)
	if err != nil {
		return h.fail(err)
	}

	s2rk, err := deriveS2RK(h.resumeWith.SharedSecret, h.initiatorRandom, s2r.ResumptionID)
	if err != nil {
		return h.fail(err)
	}
	if !verifyResumeMIC(s2rk, nonceResume2, s2r.ResumeMIC) {
		return h.fail(ErrSignature)
	}

	h.keys, err = deriveResumptionSessionKeys(h.resumeWith.SharedSecret, h.ipk, h.msg1, data)
	if err != nil {
		return h.fail(err)
	}
	h.peerSessionID = s2r.ResponderSessionID
	h.peerParams = s2r.SessionParams
	h.peer = h.resumeWith.Peer
	h.sharedSecret = append([]byte(nil), h.resumeWith.SharedSecret...)
	h.resumptionID = s2r.ResumptionID
	if h.cfg.Resumptions != nil {
		h.cfg.Resumptions.Store(&ResumptionRecord{
			ResumptionID: s2r.ResumptionID,
			SharedSecret: h.resumeWith.SharedSecret,
			FabricIndex:  h.local.Index,
			Peer:         h.peer,
		})
	}
	h.step = stepEstablished
	return nil
}

// HandleSigma3 authenticates the initiator, completing the responder
// side. The verification order matches HandleSigma2.
func (h *Handshake) HandleSigma3(data []byte) error {
	if h.initiator || h.step != stepAwaitSigma3 {
		return ErrBadState
	}
	s3, err := DecodeSigma3(data)
	if err != nil {
		return h.fail(err)
	}

	s3k, err := deriveS3K(h.sharedSecret, h.ipk, h.msg1, h.msg2)
	if err != nil {
		return h.fail(err)
	}
	plaintext, err := openTBE(s3k, nonceSigma3, s3.Encrypted)
	if err != nil {
		return h.fail(err)
	}
	tbe, err := decodeTBEData(plaintext)
	if err != nil {
		return h.fail(err)
	}

	cert, err := h.cfg.validate()(tbe.NOC, tbe.ICAC, h.local.RootCert, h.local.RootPublicKey)
	if err != nil {
		return h.fail(err)
	}
	if cert.FabricID != h.local.FabricID {
		return h.fail(ErrPeerIdentity)
	}

	tbs, err := encodeTBS(tbe.NOC, tbe.ICAC, h.initiatorEphPub[:], h.responderEphPub[:])
	if err != nil {
		return h.fail(err)
	}
	ok, err := crypto.VerifySignature(cert.PublicKey[:], tbs, tbe.Signature[:])
	if err != nil || !ok {
		return h.fail(ErrSignature)
	}

	h.keys, err = deriveSessionKeys(h.sharedSecret, h.ipk, h.msg1, h.msg2, data)
	if err != nil {
		return h.fail(err)
	}
	h.peer = PeerIdentity{FabricID: cert.FabricID, NodeID: cert.NodeID}
	h.resumptionID = h.newResumptionID
	if h.cfg.Resumptions != nil {
		h.cfg.Resumptions.Store(&ResumptionRecord{
			ResumptionID: h.newResumptionID,
			SharedSecret: h.sharedSecret,
			FabricIndex:  h.local.Index,
			Peer:         h.peer,
		})
	}
	h.step = stepEstablished
	return nil
}

// SessionKeys returns the derived keys once the handshake completed.
func (h *Handshake) SessionKeys() (*SessionKeys, error) {
	if h.step != stepEstablished || h.keys == nil {
		return nil, ErrNotEstablished
	}
	return h.keys, nil
}

// Peer returns the authenticated peer identity; valid once established.
func (h *Handshake) Peer() PeerIdentity { return h.peer }

// SharedSecret returns the ECDH secret backing the session, for
// resumption state. Valid once established.
func (h *Handshake) SharedSecret() []byte { return h.sharedSecret }

// ResumptionID returns the resumption identifier attached to the
// established session.
func (h *Handshake) ResumptionID() [ResumptionIDSize]byte { return h.resumptionID }

// Identity returns the local fabric identity in use. On the responder
// it is resolved by Sigma1's destination identifier.
func (h *Handshake) Identity() *fabric.Identity { return h.local }

// Established reports whether key derivation completed.
func (h *Handshake) Established() bool { return h.step == stepEstablished }

// Failed reports whether the attempt aborted.
func (h *Handshake) Failed() bool { return h.step == stepFailed }

// Initiator reports the handshake role.
func (h *Handshake) Initiator() bool { return h.initiator }

// LocalSessionID returns the session identifier we allocated.
func (h *Handshake) LocalSessionID() uint16 { return h.localSessionID }

// PeerSessionID returns the session identifier the peer allocated.
func (h *Handshake) PeerSessionID() uint16 { return h.peerSessionID }

// PeerParams returns the MRP parameters the peer advertised, or nil.
func (h *Handshake) PeerParams() *SessionParams { return h.peerParams }

func (h *Handshake) fail(err error) error {
	h.step = stepFailed
	h.sharedSecret = nil
	h.keys = nil
	return err
}
