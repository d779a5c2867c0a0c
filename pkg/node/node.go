// Package node assembles the stack into a runnable Matter node:
// transports feeding a single dispatch goroutine, the session table,
// the exchange layer, and secure channel establishment.
//
// All inbound traffic and node API calls are serialized onto one event
// loop, so protocol state is only ever touched from that goroutine.
package node

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pion/logging"

	"github.com/hearthlink/matter/pkg/crypto"
	"github.com/hearthlink/matter/pkg/exchange"
	"github.com/hearthlink/matter/pkg/fabric"
	"github.com/hearthlink/matter/pkg/secure"
	"github.com/hearthlink/matter/pkg/secure/pase"
	"github.com/hearthlink/matter/pkg/session"
	"github.com/hearthlink/matter/pkg/transport"
	"github.com/hearthlink/matter/pkg/wire"
)

// DefaultWindowTimeout is how long a commissioning window stays open
// without an explicit duration.
const DefaultWindowTimeout = 3 * time.Minute

// defaultPBKDFIterations is used when deriving the verifier from a
// configured passcode.
const defaultPBKDFIterations = 1000

// Node lifecycle errors.
var (
	ErrNotRunning     = errors.New("node: not running")
	ErrAlreadyStarted = errors.New("node: already started")
	ErrNoPasscode     = errors.New("node: no passcode configured")
	ErrNoSuchFabric   = errors.New("node: no identity for fabric index")
)

// Config configures a Node.
type Config struct {
	// Passcode is the setup passcode this node is commissioned with.
	// Zero leaves the node unable to open a commissioning window.
	Passcode uint32

	// Port is the listen port for UDP and TCP (0 uses the Matter
	// default).
	Port int

	// DisableUDP and DisableTCP turn individual transports off.
	DisableUDP bool
	DisableTCP bool

	// Fabrics holds the node's operational identities. Nil starts with
	// an empty store.
	Fabrics *fabric.Store

	// WindowTimeout bounds how long an opened commissioning window
	// stays armed. Zero uses DefaultWindowTimeout.
	WindowTimeout time.Duration

	// IdleSessionTimeout evicts established sessions whose last send
	// or receive is older than this. Zero disables idle eviction.
	IdleSessionTimeout time.Duration

	// Params are the local MRP parameters advertised to peers.
	Params session.Params

	// Rand overrides the randomness source, for tests.
	Rand io.Reader

	// LoggerFactory provides the node's loggers. Nil uses the pion
	// default factory.
	LoggerFactory logging.LoggerFactory

	// OnStateChanged fires on every lifecycle transition.
	OnStateChanged func(State)

	// OnSessionEstablished fires when PASE or CASE installs a session.
	// OnSessionClosed fires when a session leaves the table: peer or
	// local close, idle eviction, or counter exhaustion.
	OnSessionEstablished func(*session.SecureContext, transport.PeerAddress)
	OnSessionClosed      func(*session.SecureContext)

	// UDPConn and TCPListener substitute pre-built endpoints, for pipe
	// links in tests.
	UDPConn     net.PacketConn
	TCPListener net.Listener
}

// paseCredentials is the verifier material derived from the configured
// passcode at construction time.
type paseCredentials struct {
	verifier   *pase.Verifier
	salt       []byte
	iterations uint32
}

// Node is a running Matter node.
type Node struct {
	cfg Config
	log logging.LeveledLogger

	fabrics    *fabric.Store
	sessions   *session.Manager
	transports *transport.Manager
	exchanges  *exchange.Manager
	secure     *secure.Manager

	pase *paseCredentials

	tasks chan func()
	done  chan struct{}

	mu          sync.Mutex
	state       State
	windowTimer *time.Timer
	idleTimer   *time.Timer
	stopOnce    sync.Once
}

// New builds a node. Nothing listens until Start.
func New(cfg Config) (*Node, error) {
	lf := cfg.LoggerFactory
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}
	fabrics := cfg.Fabrics
	if fabrics == nil {
		fabrics = fabric.NewStore(0)
	}

	n := &Node{
		cfg:     cfg,
		log:     lf.NewLogger("node"),
		fabrics: fabrics,
		tasks:   make(chan func(), 64),
		done:    make(chan struct{}),
		state:   StateInitialized,
	}

	if cfg.Passcode != 0 {
		creds, err := derivePASECredentials(cfg.Passcode, cfg.Rand)
		if err != nil {
			return nil, err
		}
		n.pase = creds
	}

	// All teardown paths (close requests, idle eviction, counter
	// exhaustion) converge on the session manager's drop hook, so the
	// application sees exactly one closure event per session.
	n.sessions = session.NewManager(session.ManagerConfig{
		OnDropped: cfg.OnSessionClosed,
	})

	var err error
	n.transports, err = transport.NewManager(transport.ManagerConfig{
		Port:          cfg.Port,
		DisableUDP:    cfg.DisableUDP,
		DisableTCP:    cfg.DisableTCP,
		Handler:       n.handleInbound,
		UDPConn:       cfg.UDPConn,
		TCPListener:   cfg.TCPListener,
		LoggerFactory: lf,
	})
	if err != nil {
		return nil, err
	}
	n.exchanges, err = exchange.NewManager(exchange.ManagerConfig{
		Sessions:      n.sessions,
		Transport:     n.transports,
		LoggerFactory: lf,
		Dispatch:      n.post,
	})
	if err != nil {
		return nil, err
	}
	n.secure, err = secure.NewManager(secure.ManagerConfig{
		Sessions:      n.sessions,
		Exchanges:     n.exchanges,
		Fabrics:       fabrics,
		Params:        cfg.Params,
		Rand:          cfg.Rand,
		LoggerFactory: lf,
		Callbacks: secure.Callbacks{
			OnSessionEstablished: cfg.OnSessionEstablished,
		},
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

// derivePASECredentials mints a fresh salt and verifier for the
// configured passcode.
func derivePASECredentials(passcode uint32, rand io.Reader) (*paseCredentials, error) {
	if err := pase.ValidatePasscode(passcode); err != nil {
		return nil, err
	}
	salt, err := crypto.RandomBytes(rand, 32)
	if err != nil {
		return nil, err
	}
	verifier, err := pase.GenerateVerifier(passcode, salt, defaultPBKDFIterations)
	if err != nil {
		return nil, err
	}
	return &paseCredentials{
		verifier:   verifier,
		salt:       salt,
		iterations: defaultPBKDFIterations,
	}, nil
}

// Start brings the transports up and starts the dispatch loop. An
// uncommissioned node with a passcode opens its commissioning window
// immediately.
func (n *Node) Start() error {
	n.mu.Lock()
	if n.state != StateInitialized {
		state := n.state
		n.mu.Unlock()
		if state.Running() {
			return ErrAlreadyStarted
		}
		return ErrNotRunning
	}
	n.mu.Unlock()

	if err := n.transports.Start(); err != nil {
		return err
	}
	go n.run()
	if n.cfg.IdleSessionTimeout > 0 {
		n.armIdleSweep()
	}

	if n.fabrics.Count() > 0 {
		n.setState(StateCommissioned)
	} else {
		n.setState(StateUncommissioned)
		if n.pase != nil {
			if err := n.OpenCommissioningWindow(0); err != nil {
				n.log.Warnf("auto commissioning window: %v", err)
			}
		}
	}
	n.log.Infof("node started (%s)", n.State())
	return nil
}

// Stop shuts the node down: the window closes, transports stop, the
// loop drains, and all session keys are zeroized.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		n.mu.Lock()
		if n.windowTimer != nil {
			n.windowTimer.Stop()
			n.windowTimer = nil
		}
		if n.idleTimer != nil {
			n.idleTimer.Stop()
			n.idleTimer = nil
		}
		n.mu.Unlock()

		n.secure.Close()
		n.transports.Stop()
		close(n.done)
		n.sessions.Clear()
		n.setState(StateStopped)
		n.log.Info("node stopped")
	})
}

// State returns the current lifecycle state.
func (n *Node) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *Node) setState(s State) {
	n.mu.Lock()
	if n.state == s {
		n.mu.Unlock()
		return
	}
	n.state = s
	n.mu.Unlock()
	if n.cfg.OnStateChanged != nil {
		n.cfg.OnStateChanged(s)
	}
}

// run is the dispatch loop. Every inbound message and every posted
// node operation executes here.
func (n *Node) run() {
	for {
		select {
		case fn := <-n.tasks:
			fn()
		case <-n.done:
			return
		}
	}
}

// handleInbound is the transport callback. It hands the message to the
// loop so the transport reader never touches protocol state.
func (n *Node) handleInbound(in *transport.Inbound) {
	n.post(func() { n.exchanges.HandleInbound(in) })
}

// post queues fn on the loop, dropping it if the node stopped.
func (n *Node) post(fn func()) {
	select {
	case n.tasks <- fn:
	case <-n.done:
	}
}

// do runs fn on the loop and waits for its result.
func (n *Node) do(fn func() error) error {
	res := make(chan error, 1)
	select {
	case n.tasks <- func() { res <- fn() }:
	case <-n.done:
		return ErrNotRunning
	}
	select {
	case err := <-res:
		return err
	case <-n.done:
		return ErrNotRunning
	}
}

// armIdleSweep schedules the next idle-session scan on the loop. The
// sweep runs at half the timeout, so a session is evicted at most one
// and a half timeouts after its last use.
func (n *Node) armIdleSweep() {
	period := n.cfg.IdleSessionTimeout / 2
	if period <= 0 {
		period = n.cfg.IdleSessionTimeout
	}
	n.mu.Lock()
	if n.idleTimer != nil {
		n.idleTimer.Stop()
	}
	n.idleTimer = time.AfterFunc(period, func() {
		n.post(func() {
			n.sweepIdleSessions()
			n.armIdleSweep()
		})
	})
	n.mu.Unlock()
}

// sweepIdleSessions drops every secure session idle past the configured
// timeout. Runs on the dispatch loop.
func (n *Node) sweepIdleSessions() {
	timeout := n.cfg.IdleSessionTimeout
	var idle []uint16
	n.sessions.ForEach(func(sctx *session.SecureContext) bool {
		if time.Since(sctx.LastUse()) >= timeout {
			idle = append(idle, sctx.LocalSessionID())
		}
		return true
	})
	for _, id := range idle {
		n.log.Infof("session %d idle past %s, dropping", id, timeout)
		n.sessions.Drop(id)
	}
}

// OpenCommissioningWindow arms PASE with the configured passcode
// verifier. The window closes on its own after timeout (0 uses the
// config value, which defaults to DefaultWindowTimeout).
func (n *Node) OpenCommissioningWindow(timeout time.Duration) error {
	if !n.State().Running() {
		return ErrNotRunning
	}
	if n.pase == nil {
		return ErrNoPasscode
	}
	if timeout == 0 {
		timeout = n.cfg.WindowTimeout
	}
	if timeout == 0 {
		timeout = DefaultWindowTimeout
	}

	err := n.secure.OpenCommissioningWindow(n.pase.verifier, n.pase.salt, n.pase.iterations)
	if err != nil {
		return err
	}

	n.mu.Lock()
	if n.windowTimer != nil {
		n.windowTimer.Stop()
	}
	n.windowTimer = time.AfterFunc(timeout, func() {
		n.post(func() {
			n.log.Info("commissioning window timed out")
			n.CloseCommissioningWindow()
		})
	})
	n.mu.Unlock()

	n.setState(StateCommissioningOpen)
	return nil
}

// CloseCommissioningWindow stops answering PASE.
func (n *Node) CloseCommissioningWindow() {
	n.secure.CloseCommissioningWindow()
	n.mu.Lock()
	if n.windowTimer != nil {
		n.windowTimer.Stop()
		n.windowTimer = nil
	}
	n.mu.Unlock()

	if n.State() == StateCommissioningOpen {
		if n.fabrics.Count() > 0 {
			n.setState(StateCommissioned)
		} else {
			n.setState(StateUncommissioned)
		}
	}
}

// Commission runs a PASE establishment against peer as the initiator
// and returns the resulting session.
func (n *Node) Commission(ctx context.Context, peer transport.PeerAddress, passcode uint32) (*session.SecureContext, error) {
	var est *secure.Establishment
	err := n.do(func() error {
		var err error
		est, err = n.secure.StartPASE(peer, passcode)
		return err
	})
	if err != nil {
		return nil, err
	}
	return est.Wait(ctx)
}

// Connect runs a CASE establishment to peerNodeID over the identity at
// the given fabric index and returns the resulting session.
func (n *Node) Connect(ctx context.Context, index fabric.FabricIndex, peerNodeID fabric.NodeID, peer transport.PeerAddress) (*session.SecureContext, error) {
	identity := n.fabrics.ByIndex(index)
	if identity == nil {
		return nil, ErrNoSuchFabric
	}
	var est *secure.Establishment
	err := n.do(func() error {
		var err error
		est, err = n.secure.StartCASE(identity, peerNodeID, peer)
		return err
	})
	if err != nil {
		return nil, err
	}
	return est.Wait(ctx)
}

// CloseSession notifies the peer and releases an established session.
func (n *Node) CloseSession(sctx *session.SecureContext, peer transport.PeerAddress) error {
	return n.do(func() error { return n.secure.CloseSession(sctx, peer) })
}

// AddFabric installs an operational identity, marking the node
// commissioned and closing any open window.
func (n *Node) AddFabric(identity *fabric.Identity) error {
	if err := n.fabrics.Add(identity); err != nil {
		return err
	}
	n.log.Infof("fabric installed: %s", identity)
	n.CloseCommissioningWindow()
	n.setState(StateCommissioned)
	return nil
}

// RegisterProtocol installs an unsolicited message handler for an
// application protocol. Handler callbacks run on the dispatch loop.
func (n *Node) RegisterProtocol(id wire.ProtocolID, h exchange.Handler) {
	n.exchanges.RegisterHandler(id, h)
}

// OpenExchange opens an application exchange on an established
// session.
func (n *Node) OpenExchange(sctx *session.SecureContext, peer transport.PeerAddress, proto wire.ProtocolID, d exchange.Delegate) (*exchange.Exchange, error) {
	var ex *exchange.Exchange
	err := n.do(func() error {
		var err error
		ex, err = n.exchanges.OpenSecure(sctx, peer, proto, d)
		return err
	})
	return ex, err
}

// Send transmits on an exchange from the dispatch loop.
func (n *Node) Send(ex *exchange.Exchange, opcode uint8, payload []byte, reliable bool) error {
	return n.do(func() error { return ex.Send(opcode, payload, reliable) })
}

// Sessions exposes the session table.
func (n *Node) Sessions() *session.Manager { return n.sessions }

// Fabrics exposes the identity store.
func (n *Node) Fabrics() *fabric.Store { return n.fabrics }

// SecureChannel exposes the secure channel manager.
func (n *Node) SecureChannel() *secure.Manager { return n.secure }

// LocalAddrs lists the bound transport addresses.
func (n *Node) LocalAddrs() []net.Addr { return n.transports.LocalAddrs() }
