package secure

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/pion/logging"

	"github.com/hearthlink/matter/pkg/exchange"
	"github.com/hearthlink/matter/pkg/fabric"
	"github.com/hearthlink/matter/pkg/secure/pase"
	"github.com/hearthlink/matter/pkg/secure/sigma"
	"github.com/hearthlink/matter/pkg/session"
	"github.com/hearthlink/matter/pkg/transport"
	"github.com/hearthlink/matter/pkg/wire"
)

// Callbacks notify the application of session lifecycle events. All
// callbacks run on the dispatch path and must not block.
type Callbacks struct {
	// OnSessionEstablished fires when a handshake completed and the
	// session is installed, for either role.
	OnSessionEstablished func(sctx *session.SecureContext, peer transport.PeerAddress)

	// OnSessionClosed fires when a session was released by CloseSession,
	// local or peer initiated.
	OnSessionClosed func(sctx *session.SecureContext)

	// OnEstablishmentError fires when a handshake failed.
	OnEstablishmentError func(peer transport.PeerAddress, err error)
}

// ManagerConfig configures the secure channel manager.
type ManagerConfig struct {
	// Sessions installs established sessions. Required.
	Sessions *session.Manager

	// Exchanges carries the handshake exchanges. Required; the manager
	// registers itself as the Secure Channel protocol handler.
	Exchanges *exchange.Manager

	// Fabrics resolves CASE responder identities. Without it the node
	// only answers PASE.
	Fabrics *fabric.Store

	// Params are the local MRP parameters advertised to peers during
	// establishment. Zero fields use the defaults.
	Params session.Params

	// Resumptions is the CASE resumption cache; nil allocates one.
	Resumptions *sigma.ResumptionCache

	// Validate overrides peer certificate chain validation; nil uses
	// fabric.ValidateChain.
	Validate sigma.ValidateChainFunc

	// Rand overrides the randomness source, for tests.
	Rand io.Reader

	// LoggerFactory provides the layer's logger. Nil uses the pion
	// default factory.
	LoggerFactory logging.LoggerFactory

	Callbacks Callbacks
}

// commissioningWindow is the PASE responder credential set while a
// window is open.
type commissioningWindow struct {
	verifier   *pase.Verifier
	salt       []byte
	iterations uint32
}

// Manager drives session establishment over the exchange layer: it is
// the unsolicited-message handler for the Secure Channel protocol and
// the initiator API for PASE and CASE (Spec Section 4.14).
type Manager struct {
	sessions  *session.Manager
	exchanges *exchange.Manager
	fabrics   *fabric.Store
	log       logging.LeveledLogger
	rand      io.Reader
	params    session.Params
	resume    *sigma.ResumptionCache
	validate  sigma.ValidateChainFunc
	cb        Callbacks
	throttle  *pase.Throttle

	mu         sync.Mutex
	window     *commissioningWindow
	paseActive bool
	closed     bool
}

// NewManager creates the secure channel manager and registers it with
// the exchange layer.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Sessions == nil || cfg.Exchanges == nil {
		return nil, errors.New("secure: sessions and exchanges are required")
	}
	lf := cfg.LoggerFactory
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}
	resume := cfg.Resumptions
	if resume == nil {
		resume = sigma.NewResumptionCache()
	}

	m := &Manager{
		sessions:  cfg.Sessions,
		exchanges: cfg.Exchanges,
		fabrics:   cfg.Fabrics,
		log:       lf.NewLogger("secure"),
		rand:      cfg.Rand,
		params:    cfg.Params.WithDefaults(),
		resume:    resume,
		validate:  cfg.Validate,
		cb:        cfg.Callbacks,
		throttle:  pase.NewThrottle(),
	}
	cfg.Exchanges.RegisterHandler(wire.ProtocolSecureChannel, m)
	return m, nil
}

// OpenCommissioningWindow arms the PASE responder with a verifier and
// the PBKDF parameters it was derived with.
func (m *Manager) OpenCommissioningWindow(verifier *pase.Verifier, salt []byte, iterations uint32) error {
	if verifier == nil {
		return pase.ErrBadState
	}
	if err := pase.ValidatePBKDFParams(salt, iterations); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.window = &commissioningWindow{
		verifier:   verifier,
		salt:       append([]byte(nil), salt...),
		iterations: iterations,
	}
	return nil
}

// CloseCommissioningWindow stops answering PASE.
func (m *Manager) CloseCommissioningWindow() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.window = nil
}

// WindowOpen reports whether a commissioning window is armed.
func (m *Manager) WindowOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.window != nil
}

// ResetPASEThrottle is the administrative unlock after the brute-force
// limit tripped.
func (m *Manager) ResetPASEThrottle() {
	m.throttle.Reset()
}

// Close stops the manager: the commissioning window drops and new
// establishments are refused. Exchanges in flight fail on their own.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.window = nil
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Establishment tracks one in-flight session establishment.
type Establishment struct {
	once sync.Once
	done chan struct{}
	sctx *session.SecureContext
	err  error
}

func newEstablishment() *Establishment {
	return &Establishment{done: make(chan struct{})}
}

func (e *Establishment) complete(sctx *session.SecureContext, err error) {
	e.once.Do(func() {
		e.sctx = sctx
		e.err = err
		close(e.done)
	})
}

// Wait blocks until the handshake resolves or ctx expires.
func (e *Establishment) Wait(ctx context.Context) (*session.SecureContext, error) {
	select {
	case <-e.done:
		return e.sctx, e.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed when the handshake resolved.
func (e *Establishment) Done() <-chan struct{} { return e.done }

// StartPASE begins a passcode-authenticated establishment with peer.
func (m *Manager) StartPASE(peer transport.PeerAddress, passcode uint32) (*Establishment, error) {
	sid, err := m.sessions.AllocateSessionID()
	if err != nil {
		return nil, err
	}
	hs, err := pase.NewInitiator(passcode, sid, m.rand)
	if err != nil {
		return nil, err
	}
	d := &paseInitiator{m: m, hs: hs, est: newEstablishment()}
	return d.est, m.startHandshake(peer, d, func(ex *exchange.Exchange) error {
		payload, err := hs.Start(m.pasePeerParams())
		if err != nil {
			return err
		}
		return ex.Send(uint8(OpcodePBKDFParamRequest), payload, true)
	})
}

// StartCASE begins a certificate-authenticated establishment with the
// peer node over the given fabric identity.
func (m *Manager) StartCASE(identity *fabric.Identity, peerNodeID fabric.NodeID, peer transport.PeerAddress) (*Establishment, error) {
	sid, err := m.sessions.AllocateSessionID()
	if err != nil {
		return nil, err
	}
	hs, err := sigma.NewInitiator(identity, peerNodeID, sid, m.sigmaConfig())
	if err != nil {
		return nil, err
	}
	d := &caseInitiator{m: m, hs: hs, est: newEstablishment()}
	return d.est, m.startHandshake(peer, d, func(ex *exchange.Exchange) error {
		payload, err := hs.Start(m.sigmaPeerParams())
		if err != nil {
			return err
		}
		return ex.Send(uint8(OpcodeSigma1), payload, true)
	})
}

// startHandshake opens an unsecured exchange and runs the opening send.
func (m *Manager) startHandshake(peer transport.PeerAddress, d exchange.Delegate, open func(*exchange.Exchange) error) error {
	if m.isClosed() {
		return ErrClosed
	}
	uctx, err := session.NewUnsecured(session.RoleInitiator)
	if err != nil {
		return err
	}
	ex, err := m.exchanges.OpenUnsecured(uctx, peer, wire.ProtocolSecureChannel, d)
	if err != nil {
		return err
	}
	if err := open(ex); err != nil {
		ex.Close()
		return err
	}
	return nil
}

// CloseSession notifies the peer and releases an established session
// (Spec Section 4.11.1.4).
func (m *Manager) CloseSession(sctx *session.SecureContext, peer transport.PeerAddress) error {
	if sctx == nil {
		return session.ErrNotFound
	}
	ex, err := m.exchanges.OpenSecure(sctx, peer, wire.ProtocolSecureChannel, noopDelegate{})
	if err != nil {
		return err
	}
	if err := ex.Send(uint8(OpcodeStatusReport), StatusCloseSession().Encode(), false); err != nil {
		m.log.Warnf("close session %d: %v", sctx.LocalSessionID(), err)
	}
	ex.Close()

	m.sessions.Drop(sctx.LocalSessionID())
	if m.cb.OnSessionClosed != nil {
		m.cb.OnSessionClosed(sctx)
	}
	return nil
}

// Accept routes unsolicited Secure Channel messages: handshake openers
// on the unsecured path, status reports on established sessions.
func (m *Manager) Accept(ex *exchange.Exchange, header *wire.PayloadHeader) (exchange.Delegate, error) {
	if m.isClosed() {
		return nil, ErrClosed
	}
	op := Opcode(header.Opcode)

	if ex.Session() != nil {
		if op == OpcodeStatusReport {
			return &statusDelegate{m: m}, nil
		}
		return nil, ErrBadOpcode
	}

	switch op {
	case OpcodePBKDFParamRequest:
		return &paseResponder{m: m, est: newEstablishment()}, nil
	case OpcodeSigma1:
		if m.fabrics == nil {
			return nil, ErrBadOpcode
		}
		return &caseResponder{m: m, est: newEstablishment()}, nil
	default:
		return nil, ErrBadOpcode
	}
}

// sigmaConfig assembles the per-handshake CASE configuration.
func (m *Manager) sigmaConfig() sigma.Config {
	return sigma.Config{
		Rand:        m.rand,
		Validate:    m.validate,
		Resumptions: m.resume,
	}
}

// pasePeerParams advertises the local MRP intervals in PASE messages.
func (m *Manager) pasePeerParams() *pase.SessionParams {
	return &pase.SessionParams{
		IdleInterval:    uint32(m.params.IdleInterval / time.Millisecond),
		ActiveInterval:  uint32(m.params.ActiveInterval / time.Millisecond),
		ActiveThreshold: uint16(m.params.ActiveThreshold / time.Millisecond),
	}
}

// sigmaPeerParams advertises the local MRP intervals in CASE messages.
func (m *Manager) sigmaPeerParams() *sigma.SessionParams {
	return &sigma.SessionParams{
		IdleInterval:    uint32(m.params.IdleInterval / time.Millisecond),
		ActiveInterval:  uint32(m.params.ActiveInterval / time.Millisecond),
		ActiveThreshold: uint16(m.params.ActiveThreshold / time.Millisecond),
	}
}

// paramsFromPASE turns peer-advertised intervals into session
// parameters, with defaults for anything omitted.
func paramsFromPASE(p *pase.SessionParams) session.Params {
	if p == nil {
		return session.Params{}.WithDefaults()
	}
	return session.Params{
		IdleInterval:    time.Duration(p.IdleInterval) * time.Millisecond,
		ActiveInterval:  time.Duration(p.ActiveInterval) * time.Millisecond,
		ActiveThreshold: time.Duration(p.ActiveThreshold) * time.Millisecond,
	}.WithDefaults()
}

func paramsFromSigma(p *sigma.SessionParams) session.Params {
	if p == nil {
		return session.Params{}.WithDefaults()
	}
	return session.Params{
		IdleInterval:    time.Duration(p.IdleInterval) * time.Millisecond,
		ActiveInterval:  time.Duration(p.ActiveInterval) * time.Millisecond,
		ActiveThreshold: time.Duration(p.ActiveThreshold) * time.Millisecond,
	}.WithDefaults()
}

// installPASE builds and installs the session a finished PASE handshake
// agreed on.
func (m *Manager) installPASE(hs *pase.Handshake, role session.Role) (*session.SecureContext, error) {
	keys, err := hs.SessionKeys()
	if err != nil {
		return nil, err
	}
	sctx, err := session.NewSecure(session.SecureConfig{
		Kind:           session.KindPASE,
		Role:           role,
		LocalSessionID: hs.LocalSessionID(),
		PeerSessionID:  hs.PeerSessionID(),
		I2RKey:         keys.I2RKey[:],
		R2IKey:         keys.R2IKey[:],
		Params:         paramsFromPASE(hs.PeerParams()),
	})
	if err != nil {
		return nil, err
	}
	if err := m.sessions.Install(sctx); err != nil {
		return nil, err
	}
	return sctx, nil
}

// installCASE builds and installs the session a finished CASE handshake
// agreed on, bound to the fabric identity it authenticated under.
func (m *Manager) installCASE(hs *sigma.Handshake, role session.Role) (*session.SecureContext, error) {
	keys, err := hs.SessionKeys()
	if err != nil {
		return nil, err
	}
	id := hs.Identity()
	sctx, err := session.NewSecure(session.SecureConfig{
		Kind:           session.KindCASE,
		Role:           role,
		LocalSessionID: hs.LocalSessionID(),
		PeerSessionID:  hs.PeerSessionID(),
		I2RKey:         keys.I2RKey[:],
		R2IKey:         keys.R2IKey[:],
		SharedSecret:   hs.SharedSecret(),
		FabricIndex:    id.Index,
		PeerNodeID:     hs.Peer().NodeID,
		LocalNodeID:    id.NodeID,
		Params:         paramsFromSigma(hs.PeerParams()),
		ResumptionID:   hs.ResumptionID(),
	})
	if err != nil {
		return nil, err
	}
	if err := m.sessions.Install(sctx); err != nil {
		return nil, err
	}
	return sctx, nil
}

// established runs the success path shared by all handshake delegates.
func (m *Manager) established(sctx *session.SecureContext, peer transport.PeerAddress) {
	m.log.Infof("session %d established with %s (%s)", sctx.LocalSessionID(), peer, sctx.Kind())
	if m.cb.OnSessionEstablished != nil {
		m.cb.OnSessionEstablished(sctx, peer)
	}
}

// failed runs the failure path shared by all handshake delegates.
func (m *Manager) failed(peer transport.PeerAddress, err error) {
	m.log.Warnf("session establishment with %s failed: %v", peer, err)
	if m.cb.OnEstablishmentError != nil {
		m.cb.OnEstablishmentError(peer, err)
	}
}

// statusDelegate handles unsolicited status reports on established
// sessions; today that means peer-initiated CloseSession.
type statusDelegate struct {
	m *Manager
}

func (d *statusDelegate) OnMessage(ex *exchange.Exchange, header *wire.PayloadHeader, payload []byte) error {
	sr, err := DecodeStatusReport(payload)
	if err != nil {
		return err
	}
	if !sr.IsCloseSession() {
		d.m.log.Debugf("ignoring unsolicited %s", sr)
		ex.Close()
		return nil
	}

	sctx := ex.Session()
	ex.Close()
	d.m.sessions.Drop(sctx.LocalSessionID())
	d.m.log.Infof("session %d closed by peer", sctx.LocalSessionID())
	if d.m.cb.OnSessionClosed != nil {
		d.m.cb.OnSessionClosed(sctx)
	}
	return nil
}

func (d *statusDelegate) OnDeliveryFailed(ex *exchange.Exchange) {}
func (d *statusDelegate) OnClose(ex *exchange.Exchange)          {}

// noopDelegate backs fire-and-forget exchanges like CloseSession.
type noopDelegate struct{}

func (noopDelegate) OnMessage(*exchange.Exchange, *wire.PayloadHeader, []byte) error { return nil }
func (noopDelegate) OnDeliveryFailed(*exchange.Exchange)                             {}
func (noopDelegate) OnClose(*exchange.Exchange)                                      {}
