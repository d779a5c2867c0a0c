package exchange

import (
	"sync"
	"time"

	"github.com/hearthlink/matter/pkg/session"
	"github.com/hearthlink/matter/pkg/transport"
	"github.com/hearthlink/matter/pkg/wire"
)

// Delegate receives the exchange's inbound traffic and lifecycle
// events. Calls arrive from the manager's dispatch path and from MRP
// timers; implementations that send replies do so via Exchange.Send.
type Delegate interface {
	// OnMessage is called for each non-duplicate message addressed to
	// the exchange. Standalone acknowledgements are consumed by the
	// reliability layer and never reach the delegate.
	OnMessage(ex *Exchange, header *wire.PayloadHeader, payload []byte) error

	// OnDeliveryFailed is called when a reliable message exhausted its
	// retransmissions without an acknowledgement. The exchange is
	// closed afterwards.
	OnDeliveryFailed(ex *Exchange)

	// OnClose is called once when the exchange is fully closed.
	OnClose(ex *Exchange)
}

// Exchange is one conversation over a session (Spec Section 4.10.3).
// Exactly one of the secure or unsecured session references is set.
type Exchange struct {
	id         uint16
	role       Role
	protocolID wire.ProtocolID

	secure    *session.SecureContext
	unsecured *session.UnsecuredContext

	mgr *Manager

	mu       sync.Mutex
	state    State
	peer     transport.PeerAddress
	delegate Delegate
}

// ID returns the exchange ID shared by both parties.
func (ex *Exchange) ID() uint16 { return ex.id }

// Role returns this node's role in the exchange.
func (ex *Exchange) Role() Role { return ex.role }

// ProtocolID returns the protocol the exchange carries.
func (ex *Exchange) ProtocolID() wire.ProtocolID { return ex.protocolID }

// IsInitiator reports whether this node started the exchange.
func (ex *Exchange) IsInitiator() bool { return ex.role == RoleInitiator }

// Peer returns the network address messages are sent to.
func (ex *Exchange) Peer() transport.PeerAddress {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.peer
}

// setPeer follows the peer when its address changes mid-conversation.
func (ex *Exchange) setPeer(peer transport.PeerAddress) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	ex.peer = peer
}

// Session returns the secure session the exchange runs over, or nil
// for unsecured exchanges.
func (ex *Exchange) Session() *session.SecureContext { return ex.secure }

// UnsecuredSession returns the unsecured session context, or nil for
// secure exchanges.
func (ex *Exchange) UnsecuredSession() *session.UnsecuredContext { return ex.unsecured }

// State returns the lifecycle state.
func (ex *Exchange) State() State {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.state
}

// SetDelegate replaces the delegate.
func (ex *Exchange) SetDelegate(d Delegate) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	ex.delegate = d
}

func (ex *Exchange) getDelegate() Delegate {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.delegate
}

// localSessionID is 0 for unsecured exchanges.
func (ex *Exchange) localSessionID() uint16 {
	if ex.secure != nil {
		return ex.secure.LocalSessionID()
	}
	return 0
}

// sessionRole is our role in the underlying session, which fixes the
// parity bit of locally allocated exchange IDs.
func (ex *Exchange) sessionRole() session.Role {
	if ex.secure != nil {
		return ex.secure.Role()
	}
	return ex.unsecured.Role()
}

func (ex *Exchange) key() key {
	return key{
		localSessionID: ex.localSessionID(),
		exchangeID:     ex.id,
		role:           ex.role,
	}
}

// reliableTransport reports whether MRP applies: only UDP peers need
// application-layer reliability (Spec Section 4.12.1).
func (ex *Exchange) reliableTransport() bool {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.peer.Network == transport.NetworkUDP
}

// retryBase is the peer's current retry interval: the active interval
// while the peer is awake, the idle interval otherwise.
func (ex *Exchange) retryBase() time.Duration {
	var p session.Params
	if ex.secure != nil {
		p = ex.secure.Params()
		if ex.secure.PeerActive() {
			return p.ActiveInterval
		}
		return p.IdleInterval
	}
	p = ex.unsecured.Params()
	return p.IdleInterval
}

// Send transmits a protocol message on the exchange. A pending
// acknowledgement is piggybacked automatically. With reliable set and a
// UDP peer, the message is tracked by MRP; a second send is refused
// until the first is acknowledged.
func (ex *Exchange) Send(opcode uint8, payload []byte, reliable bool) error {
	ex.mu.Lock()
	switch ex.state {
	case StateClosing:
		ex.mu.Unlock()
		return ErrClosing
	case StateClosed:
		ex.mu.Unlock()
		return ErrClosed
	}
	ex.mu.Unlock()

	if ex.mgr.retransmits.Pending(ex.key()) {
		return ErrReliablePending
	}

	header := &wire.PayloadHeader{
		ProtocolID: ex.protocolID,
		Opcode:     opcode,
		ExchangeID: ex.id,
		Initiator:  ex.role == RoleInitiator,
		Reliable:   reliable && ex.reliableTransport(),
	}
	return ex.mgr.send(ex, header, payload)
}

// Close shuts the exchange down (Spec Section 4.10.5.3): any owed
// acknowledgement is flushed as a standalone ack, and if a reliable
// message is still in flight the exchange lingers in StateClosing until
// MRP resolves it.
func (ex *Exchange) Close() {
	ex.mu.Lock()
	if ex.state != StateActive {
		ex.mu.Unlock()
		return
	}
	ex.state = StateClosing
	ex.mu.Unlock()

	ex.mgr.flushAck(ex)
	if !ex.mgr.retransmits.Pending(ex.key()) {
		ex.finalize()
	}
}

// finalize transitions to StateClosed and removes the exchange from the
// manager, notifying the delegate once.
func (ex *Exchange) finalize() {
	ex.mu.Lock()
	if ex.state == StateClosed {
		ex.mu.Unlock()
		return
	}
	ex.state = StateClosed
	d := ex.delegate
	ex.mu.Unlock()

	ex.mgr.remove(ex)
	if d != nil {
		d.OnClose(ex)
	}
}

// onReliableDone is called when the in-flight reliable message was
// acknowledged or given up on.
func (ex *Exchange) onReliableDone(failed bool) {
	if failed {
		if d := ex.getDelegate(); d != nil {
			d.OnDeliveryFailed(ex)
		}
		ex.finalize()
		return
	}

	ex.mu.Lock()
	closing := ex.state == StateClosing
	ex.mu.Unlock()
	if closing {
		ex.finalize()
	}
}

// deliver hands a message to the delegate, if the exchange still
// accepts traffic.
func (ex *Exchange) deliver(header *wire.PayloadHeader, payload []byte) error {
	ex.mu.Lock()
	if ex.state == StateClosed {
		ex.mu.Unlock()
		return ErrClosed
	}
	d := ex.delegate
	ex.mu.Unlock()

	if d == nil {
		return nil
	}
	return d.OnMessage(ex, header, payload)
}
