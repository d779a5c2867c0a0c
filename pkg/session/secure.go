package session

import (
	"sync"
	"time"

	"github.com/hearthlink/matter/pkg/fabric"
	"github.com/hearthlink/matter/pkg/wire"
)

const (
	// KeySize is the I2R/R2I session key size.
	KeySize = 16

	// ResumptionIDSize is the CASE resumption ID size.
	ResumptionIDSize = 16

	// MaxCATs is the most CASE Authenticated Tags a NOC may carry.
	MaxCATs = 3
)

// SecureContext is one established secure session. It owns the session
// keys (wrapped in directional codecs), the outbound counter, and the
// inbound replay window, and carries the peer binding and MRP
// parameters negotiated at establishment (Spec Section 4.13.3.1).
type SecureContext struct {
	mu sync.Mutex

	kind           Kind
	role           Role
	localSessionID uint16
	peerSessionID  uint16

	tx *wire.SecureCodec
	rx *wire.SecureCodec

	counter *wire.SessionCounter
	replay  *wire.ReplayWindow

	// Node IDs as used in nonces: zero for PASE, operational for CASE.
	localNodeID uint64
	peerNodeID  uint64

	fabricIndex fabric.FabricIndex
	peer        fabric.NodeID

	sharedSecret []byte
	resumptionID [ResumptionIDSize]byte
	caseAuthTags []uint32

	lastUse   time.Time
	lastHeard time.Time
	params    Params
	closed    bool
}

// SecureConfig is the material handed over by PASE or CASE on success.
type SecureConfig struct {
	Kind           Kind
	Role           Role
	LocalSessionID uint16
	PeerSessionID  uint16

	// I2RKey and R2IKey are the directional 16-byte session keys.
	I2RKey []byte
	R2IKey []byte

	// SharedSecret enables CASE resumption; nil for PASE.
	SharedSecret []byte

	// FabricIndex and PeerNodeID bind CASE sessions to an identity.
	// Zero for PASE.
	FabricIndex fabric.FabricIndex
	PeerNodeID  fabric.NodeID
	LocalNodeID fabric.NodeID

	Params       Params
	ResumptionID [ResumptionIDSize]byte
	CaseAuthTags []uint32

	// Counter overrides the outbound message counter, for tests.
	Counter *wire.SessionCounter
}

// NewSecure builds a secure session context from freshly derived keys.
// The caller's key slices are not retained.
func NewSecure(cfg SecureConfig) (*SecureContext, error) {
	if !cfg.Kind.IsValid() {
		return nil, ErrBadKind
	}
	if !cfg.Role.IsValid() {
		return nil, ErrBadRole
	}
	if cfg.LocalSessionID == 0 || cfg.PeerSessionID == 0 {
		return nil, ErrBadSessionID
	}
	if len(cfg.I2RKey) != KeySize || len(cfg.R2IKey) != KeySize {
		return nil, ErrBadKey
	}

	encryptKey, decryptKey := cfg.I2RKey, cfg.R2IKey
	if cfg.Role == RoleResponder {
		encryptKey, decryptKey = cfg.R2IKey, cfg.I2RKey
	}
	tx, err := wire.NewSecureCodec(encryptKey)
	if err != nil {
		return nil, ErrBadKey
	}
	rx, err := wire.NewSecureCodec(decryptKey)
	if err != nil {
		return nil, ErrBadKey
	}

	localNodeID := uint64(cfg.LocalNodeID)
	peerNodeID := uint64(cfg.PeerNodeID)
	if cfg.Kind == KindPASE {
		// PASE peers have no operational identity yet (Spec 4.8.2).
		localNodeID = wire.UnspecifiedNodeID
		peerNodeID = wire.UnspecifiedNodeID
	}

	counter := cfg.Counter
	if counter == nil {
		counter = wire.NewSessionCounter()
	}

	now := time.Now()
	ctx := &SecureContext{
		kind:           cfg.Kind,
		role:           cfg.Role,
		localSessionID: cfg.LocalSessionID,
		peerSessionID:  cfg.PeerSessionID,
		tx:             tx,
		rx:             rx,
		counter:        counter,
		replay:         wire.NewReplayWindow(),
		localNodeID:    localNodeID,
		peerNodeID:     peerNodeID,
		fabricIndex:    cfg.FabricIndex,
		peer:           cfg.PeerNodeID,
		resumptionID:   cfg.ResumptionID,
		lastUse:        now,
		lastHeard:      now,
		params:         cfg.Params.WithDefaults(),
	}
	if len(cfg.SharedSecret) > 0 {
		ctx.sharedSecret = append([]byte(nil), cfg.SharedSecret...)
	}
	if n := len(cfg.CaseAuthTags); n > 0 {
		if n > MaxCATs {
			n = MaxCATs
		}
		ctx.caseAuthTags = append([]uint32(nil), cfg.CaseAuthTags[:n]...)
	}
	return ctx, nil
}

// Seal encrypts payload (an encoded payload header plus application
// data) into a complete wire message addressed to the peer, returning
// the message counter it was numbered with so reliability layers can
// match acknowledgements. The counter is drawn from the session
// counter; once it is exhausted every call fails with
// wire.ErrCounterExhausted and the session must be torn down.
func (s *SecureContext) Seal(payload []byte) ([]byte, uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, 0, ErrClosed
	}

	counter, err := s.counter.Next()
	if err != nil {
		return nil, 0, err
	}
	header := &wire.PacketHeader{
		SessionID:      s.peerSessionID,
		MessageCounter: counter,
	}
	msg, err := s.tx.Seal(header, payload, s.localNodeID)
	if err != nil {
		return nil, 0, err
	}
	s.lastUse = time.Now()
	return msg, counter, nil
}

// Open authenticates and decrypts an incoming message for this session,
// enforcing the replay window. It returns the packet header and the
// decrypted payload. Failed authentication is wire.ErrAuthentication.
// Duplicates return wire.ErrReplay together with the decoded header
// and payload: an authentic duplicate must not be processed again, but
// the reliability layer still acknowledges it (Spec 4.12.5.2.2).
func (s *SecureContext) Open(data []byte) (*wire.PacketHeader, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, ErrClosed
	}

	header, payload, err := s.rx.Open(data, s.peerNodeID)
	if err != nil {
		return nil, nil, err
	}
	if !s.replay.Admit(header.MessageCounter, false) {
		return header, payload, wire.ErrReplay
	}

	now := time.Now()
	s.lastUse = now
	s.lastHeard = now
	return header, payload, nil
}

// Kind returns how the session was established.
func (s *SecureContext) Kind() Kind {
	return s.kind
}

// Role returns this node's establishment role.
func (s *SecureContext) Role() Role {
	return s.role
}

// LocalSessionID routes incoming messages to this context.
func (s *SecureContext) LocalSessionID() uint16 {
	return s.localSessionID
}

// PeerSessionID is placed in outgoing message headers.
func (s *SecureContext) PeerSessionID() uint16 {
	return s.peerSessionID
}

// FabricIndex returns the bound fabric, or zero for PASE.
func (s *SecureContext) FabricIndex() fabric.FabricIndex {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fabricIndex
}

// BindFabric attaches a PASE session to a fabric once commissioning
// installs an operational identity.
func (s *SecureContext) BindFabric(index fabric.FabricIndex) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fabricIndex = index
}

// PeerNodeID returns the peer's operational node ID, or zero for PASE.
func (s *SecureContext) PeerNodeID() fabric.NodeID {
	return s.peer
}

// Params returns the negotiated MRP parameters.
func (s *SecureContext) Params() Params {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}

// SetParams replaces the MRP parameters.
func (s *SecureContext) SetParams(p Params) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params = p.WithDefaults()
}

// PeerActive reports whether the peer transmitted within the active
// threshold, selecting the MRP retransmission interval.
func (s *SecureContext) PeerActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastHeard) < s.params.ActiveThreshold
}

// LastUse returns the time of the last send or receive, for idle
// session eviction.
func (s *SecureContext) LastUse() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUse
}

// ResumptionID returns the CASE resumption ID.
func (s *SecureContext) ResumptionID() [ResumptionIDSize]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resumptionID
}

// SharedSecret returns a copy of the ECDH shared secret for CASE
// resumption, or nil for PASE.
func (s *SecureContext) SharedSecret() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sharedSecret == nil {
		return nil
	}
	return append([]byte(nil), s.sharedSecret...)
}

// CaseAuthTags returns a copy of the CASE Authenticated Tags.
func (s *SecureContext) CaseAuthTags() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.caseAuthTags == nil {
		return nil
	}
	return append([]uint32(nil), s.caseAuthTags...)
}

// Close zeroizes the key material and marks the session unusable.
func (s *SecureContext) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for i := range s.sharedSecret {
		s.sharedSecret[i] = 0
	}
	s.tx = nil
	s.rx = nil
	s.closed = true
}
