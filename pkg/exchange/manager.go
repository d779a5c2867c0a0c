package exchange

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"sync"

	"github.com/pion/logging"

	"github.com/hearthlink/matter/pkg/fabric"
	"github.com/hearthlink/matter/pkg/session"
	"github.com/hearthlink/matter/pkg/transport"
	"github.com/hearthlink/matter/pkg/wire"
)

// OpcodeStandaloneAck is the Secure Channel opcode of a standalone MRP
// acknowledgement (Spec Section 4.12.5). These messages are produced
// and consumed entirely inside this package.
const OpcodeStandaloneAck uint8 = 0x10

// Sender transmits encoded messages; transport.Manager satisfies it.
type Sender interface {
	Send(data []byte, peer transport.PeerAddress) error
}

// Handler accepts unsolicited messages for one protocol
// (Spec Section 4.10.5.2). Accept returns the delegate that takes over
// the newly created responder exchange; the triggering message is then
// delivered to it. Returning an error or a nil delegate rejects the
// exchange.
type Handler interface {
	Accept(ex *Exchange, header *wire.PayloadHeader) (Delegate, error)
}

// Manager owns every active exchange and the MRP state behind them. It
// is the single consumer of inbound transport messages: wire data goes
// in through HandleInbound, decrypted protocol messages come out
// through exchange delegates.
type Manager struct {
	sessions  *session.Manager
	transport Sender
	log       logging.LeveledLogger
	backoff   *Backoff
	dispatch  func(func())

	acks        *ackTable
	retransmits *retransmitTable

	unsecured wire.UnsecuredCodec

	mu             sync.Mutex
	exchanges      map[key]*Exchange
	handlers       map[wire.ProtocolID]Handler
	nextExchangeID uint16
}

// ManagerConfig configures the exchange manager.
type ManagerConfig struct {
	// Sessions resolves session IDs and numbers unsecured messages.
	// Required.
	Sessions *session.Manager

	// Transport sends encoded messages. Required.
	Transport Sender

	// LoggerFactory provides the layer's logger. Nil uses the pion
	// default factory.
	LoggerFactory logging.LoggerFactory

	// Random overrides the backoff jitter source, for tests.
	Random RandomSource

	// Dispatch runs MRP timer work (retransmissions and standalone
	// acks). Nil runs it directly on the timer goroutine; a node that
	// serializes protocol processing injects its dispatch queue here.
	Dispatch func(func())
}

// NewManager creates an exchange manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Sessions == nil || cfg.Transport == nil {
		return nil, errors.New("exchange: sessions and transport are required")
	}
	lf := cfg.LoggerFactory
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}
	dispatch := cfg.Dispatch
	if dispatch == nil {
		dispatch = func(fn func()) { fn() }
	}

	return &Manager{
		sessions:       cfg.Sessions,
		transport:      cfg.Transport,
		dispatch:       dispatch,
		log:            lf.NewLogger("exchange"),
		backoff:        NewBackoff(cfg.Random),
		acks:           newAckTable(StandaloneAckTimeout),
		retransmits:    newRetransmitTable(),
		exchanges:      make(map[key]*Exchange),
		handlers:       make(map[wire.ProtocolID]Handler),
		nextExchangeID: randomExchangeID(),
	}, nil
}

// RegisterHandler routes unsolicited messages for a protocol to h.
func (m *Manager) RegisterHandler(id wire.ProtocolID, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[id] = h
}

// UnregisterHandler removes the protocol's unsolicited handler.
func (m *Manager) UnregisterHandler(id wire.ProtocolID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, id)
}

// OpenSecure starts a new exchange over an established secure session.
func (m *Manager) OpenSecure(sctx *session.SecureContext, peer transport.PeerAddress, proto wire.ProtocolID, d Delegate) (*Exchange, error) {
	if sctx == nil || !peer.IsValid() {
		return nil, ErrNoSession
	}
	return m.open(&Exchange{
		role:       RoleInitiator,
		protocolID: proto,
		secure:     sctx,
		mgr:        m,
		peer:       peer,
		delegate:   d,
	})
}

// OpenUnsecured starts a new exchange over the unsecured session, for
// session establishment protocols.
func (m *Manager) OpenUnsecured(uctx *session.UnsecuredContext, peer transport.PeerAddress, proto wire.ProtocolID, d Delegate) (*Exchange, error) {
	if uctx == nil || !peer.IsValid() {
		return nil, ErrNoSession
	}
	return m.open(&Exchange{
		role:       RoleInitiator,
		protocolID: proto,
		unsecured:  uctx,
		mgr:        m,
		peer:       peer,
		delegate:   d,
	})
}

func (m *Manager) open(ex *Exchange) (*Exchange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Exchange IDs are partitioned by a session-role parity bit so both
	// peers can allocate new exchanges independently without colliding:
	// the session initiator mints even IDs, the responder odd ones.
	parity := uint16(0)
	if ex.sessionRole() == session.RoleResponder {
		parity = 1
	}

	for attempts := 0; attempts < 0x8000; attempts++ {
		id := m.nextExchangeID&^1 | parity
		m.nextExchangeID += 2
		k := key{localSessionID: ex.localSessionID(), exchangeID: id, role: RoleInitiator}
		if _, taken := m.exchanges[k]; taken {
			continue
		}
		ex.id = id
		m.exchanges[k] = ex
		return ex, nil
	}
	return nil, ErrDuplicateExchange
}

// Count returns the number of active exchanges.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.exchanges)
}

// HandleInbound processes one raw message from the network. It is the
// transport.Handler for the node.
func (m *Manager) HandleInbound(in *transport.Inbound) {
	sessionID, sessionType, err := wire.PeekSessionID(in.Data)
	if err != nil {
		m.log.Debugf("drop from %s: %v", in.Peer, err)
		return
	}
	if sessionType != wire.SessionTypeUnicast {
		m.log.Debugf("drop from %s: group messaging not supported", in.Peer)
		return
	}
	if sessionID == 0 {
		m.handleUnsecured(in)
		return
	}
	m.handleSecure(sessionID, in)
}

func (m *Manager) handleSecure(sessionID uint16, in *transport.Inbound) {
	sctx := m.sessions.ByLocalID(sessionID)
	if sctx == nil {
		m.log.Debugf("drop from %s: no session %d", in.Peer, sessionID)
		return
	}

	pkt, plaintext, err := sctx.Open(in.Data)
	if err != nil {
		if errors.Is(err, wire.ErrReplay) && pkt != nil {
			m.ackDuplicate(sctx, pkt, plaintext, in.Peer)
		} else {
			m.log.Debugf("drop from %s on session %d: %v", in.Peer, sessionID, err)
		}
		return
	}

	var msg wire.Message
	msg.Packet = *pkt
	if err := msg.DecodePayload(plaintext); err != nil {
		m.log.Debugf("drop from %s: bad payload header: %v", in.Peer, err)
		return
	}
	m.route(&msg, in.Peer, sctx, nil)
}

func (m *Manager) handleUnsecured(in *transport.Inbound) {
	pkt, payload, err := m.unsecured.Open(in.Data)
	if err != nil {
		m.log.Debugf("drop from %s: %v", in.Peer, err)
		return
	}

	var msg wire.Message
	msg.Packet = *pkt
	if err := msg.DecodePayload(payload); err != nil {
		m.log.Debugf("drop from %s: bad payload header: %v", in.Peer, err)
		return
	}
	m.route(&msg, in.Peer, nil, nil)
}

// ackDuplicate acknowledges an authentic duplicate of a reliable
// message without re-processing it (Spec Section 4.12.5.2.2).
func (m *Manager) ackDuplicate(sctx *session.SecureContext, pkt *wire.PacketHeader, plaintext []byte, peer transport.PeerAddress) {
	var hdr wire.PayloadHeader
	if _, err := hdr.Decode(plaintext); err != nil {
		return
	}
	if !hdr.Reliable || peer.Network != transport.NetworkUDP {
		return
	}

	role := RoleInitiator
	if hdr.Initiator {
		role = RoleResponder
	}
	m.log.Tracef("re-ack duplicate counter %d on exchange %d", pkt.MessageCounter, hdr.ExchangeID)
	k := key{localSessionID: sctx.LocalSessionID(), exchangeID: hdr.ExchangeID, role: role}
	m.mu.Lock()
	ex := m.exchanges[k]
	m.mu.Unlock()
	if ex == nil {
		// The exchange is gone; ack statelessly so the peer stops
		// retransmitting.
		ack := &wire.PayloadHeader{
			ProtocolID: wire.ProtocolSecureChannel,
			Opcode:     OpcodeStandaloneAck,
			ExchangeID: hdr.ExchangeID,
			Initiator:  role == RoleInitiator,
			AckPresent: true,
			AckCounter: pkt.MessageCounter,
		}
		ackMsg := wire.Message{Payload: *ack}
		data, _, err := m.sealSecure(sctx, ackMsg.EncodePayload())
		if err == nil {
			m.transport.Send(data, peer)
		}
		return
	}
	m.sendStandaloneAck(ex, pkt.MessageCounter)
}

// route matches a decoded message to an exchange, creating a responder
// exchange for unsolicited initiator messages, then runs MRP processing
// and delivers to the delegate (Spec Section 4.10.5.2).
func (m *Manager) route(msg *wire.Message, peer transport.PeerAddress, sctx *session.SecureContext, uctx *session.UnsecuredContext) {
	hdr := &msg.Payload

	role := RoleInitiator
	if hdr.Initiator {
		role = RoleResponder
	}
	var localSessionID uint16
	if sctx != nil {
		localSessionID = sctx.LocalSessionID()
	}
	k := key{localSessionID: localSessionID, exchangeID: hdr.ExchangeID, role: role}

	m.mu.Lock()
	ex := m.exchanges[k]
	m.mu.Unlock()

	if ex == nil {
		ex = m.acceptUnsolicited(k, msg, peer, sctx, uctx)
		if ex == nil {
			return
		}
	} else {
		ex.setPeer(peer)
	}

	// Unencrypted replay policy applies once the exchange's context is
	// known.
	if ex.unsecured != nil && !ex.unsecured.AdmitCounter(msg.Packet.MessageCounter) {
		if hdr.Reliable && peer.Network == transport.NetworkUDP {
			m.sendStandaloneAck(ex, msg.Packet.MessageCounter)
		}
		return
	}

	mrp := peer.Network == transport.NetworkUDP
	if mrp && hdr.AckPresent {
		if m.retransmits.Ack(k, hdr.AckCounter) {
			ex.onReliableDone(false)
		}
	}
	if mrp && hdr.Reliable {
		m.scheduleAck(ex, msg.Packet.MessageCounter)
	}

	if hdr.IsSecureChannel() && hdr.Opcode == OpcodeStandaloneAck {
		// Consumed by the reliability layer.
		return
	}
	if err := ex.deliver(hdr, msg.AppPayload); err != nil {
		m.log.Warnf("exchange %d: delegate: %v", ex.id, err)
	}
}

// acceptUnsolicited creates a responder exchange for the first message
// of a new conversation, or returns nil if the message must be dropped.
func (m *Manager) acceptUnsolicited(k key, msg *wire.Message, peer transport.PeerAddress, sctx *session.SecureContext, uctx *session.UnsecuredContext) *Exchange {
	hdr := &msg.Payload

	if !hdr.Initiator {
		// Mid-exchange message for an exchange we no longer have. Ack
		// so the peer stops retransmitting, then drop.
		m.log.Debugf("drop from %s: no exchange %d", peer, hdr.ExchangeID)
		if hdr.Reliable && peer.Network == transport.NetworkUDP {
			m.ackWithoutExchange(k, msg, peer, sctx, uctx)
		}
		return nil
	}
	if hdr.IsSecureChannel() && hdr.Opcode == OpcodeStandaloneAck {
		// A standalone ack never creates an exchange (Spec 4.10.5.2).
		return nil
	}
	if sctx == nil && !hdr.IsSecureChannel() {
		// The unsecured path carries session establishment only; any
		// other protocol there is a violation (Spec Section 4.10.5.1).
		m.log.Warnf("drop from %s: protocol %s on unsecured session", peer, hdr.ProtocolID)
		return nil
	}

	m.mu.Lock()
	handler := m.handlers[hdr.ProtocolID]
	m.mu.Unlock()
	if handler == nil {
		m.log.Debugf("drop from %s: no handler for protocol %s", peer, hdr.ProtocolID)
		if hdr.Reliable && peer.Network == transport.NetworkUDP {
			m.ackWithoutExchange(k, msg, peer, sctx, uctx)
		}
		return nil
	}

	if sctx == nil && uctx == nil {
		var err error
		uctx, err = session.NewUnsecured(session.RoleResponder)
		if err != nil {
			return nil
		}
		if msg.Packet.SourcePresent {
			uctx.SetEphemeralNodeID(fabric.NodeID(msg.Packet.SourceNodeID))
		}
	}

	ex := &Exchange{
		id:         hdr.ExchangeID,
		role:       RoleResponder,
		protocolID: hdr.ProtocolID,
		secure:     sctx,
		unsecured:  uctx,
		mgr:        m,
		peer:       peer,
	}

	m.mu.Lock()
	if existing, ok := m.exchanges[k]; ok {
		m.mu.Unlock()
		return existing
	}
	m.exchanges[k] = ex
	m.mu.Unlock()

	delegate, err := handler.Accept(ex, hdr)
	if err != nil || delegate == nil {
		m.log.Debugf("handler rejected exchange %d from %s: %v", hdr.ExchangeID, peer, err)
		m.remove(ex)
		return nil
	}
	ex.SetDelegate(delegate)
	return ex
}

// ackWithoutExchange sends a stateless standalone ack for a reliable
// message that matched no exchange.
func (m *Manager) ackWithoutExchange(k key, msg *wire.Message, peer transport.PeerAddress, sctx *session.SecureContext, uctx *session.UnsecuredContext) {
	ack := &wire.PayloadHeader{
		ProtocolID: wire.ProtocolSecureChannel,
		Opcode:     OpcodeStandaloneAck,
		ExchangeID: msg.Payload.ExchangeID,
		Initiator:  k.role == RoleInitiator,
		AckPresent: true,
		AckCounter: msg.Packet.MessageCounter,
	}
	ackMsg := wire.Message{Payload: *ack}
	plain := ackMsg.EncodePayload()

	var data []byte
	var err error
	if sctx != nil {
		data, _, err = m.sealSecure(sctx, plain)
	} else {
		data, _, err = m.sealUnsecured(plain, msg.Packet.SourceNodeID)
	}
	if err != nil {
		m.log.Debugf("stateless ack: %v", err)
		return
	}
	m.transport.Send(data, peer)
}

// scheduleAck arranges the acknowledgement of a received reliable
// message: piggybacked on the next outbound message, or standalone
// after StandaloneAckTimeout. A displaced earlier ack goes out
// immediately.
func (m *Manager) scheduleAck(ex *Exchange, counter uint32) {
	displaced, flush := m.acks.Schedule(ex.key(), counter, func(c uint32) {
		m.dispatch(func() {
			if err := m.sendStandaloneAck(ex, c); err != nil {
				m.log.Warnf("exchange %d: standalone ack: %v", ex.id, err)
			}
		})
	})
	if flush {
		if err := m.sendStandaloneAck(ex, displaced); err != nil {
			m.log.Warnf("exchange %d: displaced ack: %v", ex.id, err)
		}
	}
}

// sendStandaloneAck emits an immediate MRP acknowledgement for counter
// on the exchange.
func (m *Manager) sendStandaloneAck(ex *Exchange, counter uint32) error {
	header := &wire.PayloadHeader{
		ProtocolID: wire.ProtocolSecureChannel,
		Opcode:     OpcodeStandaloneAck,
		ExchangeID: ex.id,
		Initiator:  ex.role == RoleInitiator,
		AckPresent: true,
		AckCounter: counter,
	}
	return m.transmit(ex, header, nil)
}

// flushAck sends any owed acknowledgement as a standalone ack, for
// exchange closure.
func (m *Manager) flushAck(ex *Exchange) {
	if counter, ok := m.acks.Piggyback(ex.key()); ok {
		if err := m.sendStandaloneAck(ex, counter); err != nil {
			m.log.Warnf("exchange %d: closing ack: %v", ex.id, err)
		}
	}
}

// send transmits a protocol message for Exchange.Send, piggybacking any
// pending acknowledgement.
func (m *Manager) send(ex *Exchange, header *wire.PayloadHeader, payload []byte) error {
	if !header.AckPresent {
		if counter, ok := m.acks.Piggyback(ex.key()); ok {
			header.AckPresent = true
			header.AckCounter = counter
		}
	}
	return m.transmit(ex, header, payload)
}

// transmit encodes, protects, and sends a message, registering it with
// the retransmission table when reliable.
func (m *Manager) transmit(ex *Exchange, header *wire.PayloadHeader, payload []byte) error {
	msg := wire.Message{Payload: *header, AppPayload: payload}
	plain := msg.EncodePayload()

	var data []byte
	var counter uint32
	var err error
	if ex.secure != nil {
		data, counter, err = m.sealSecure(ex.secure, plain)
	} else {
		data, counter, err = m.sealUnsecured(plain, uint64(ex.unsecured.EphemeralNodeID()))
	}
	if err != nil {
		return err
	}

	if err := m.transport.Send(data, ex.Peer()); err != nil {
		return err
	}
	if header.Reliable {
		entry, err := m.retransmits.Track(ex.key(), counter, data)
		if err != nil {
			return err
		}
		m.armRetry(ex, entry)
	}
	return nil
}

// sealSecure protects plain under the session. Counter exhaustion is
// terminal: the spent session is dropped from the table so it stops
// carrying traffic in either direction and must be re-established
// (Spec Section 4.6.6).
func (m *Manager) sealSecure(sctx *session.SecureContext, plain []byte) ([]byte, uint32, error) {
	data, counter, err := sctx.Seal(plain)
	if errors.Is(err, wire.ErrCounterExhausted) {
		m.log.Warnf("session %d: message counter exhausted, dropping session", sctx.LocalSessionID())
		m.sessions.Drop(sctx.LocalSessionID())
	}
	return data, counter, err
}

func (m *Manager) sealUnsecured(plain []byte, sourceNodeID uint64) ([]byte, uint32, error) {
	counter, err := m.sessions.NextUnsecuredCounter()
	if err != nil {
		return nil, 0, err
	}
	pkt := &wire.PacketHeader{
		MessageCounter: counter,
		SourcePresent:  true,
		SourceNodeID:   sourceNodeID,
	}
	data, err := m.unsecured.Seal(pkt, plain)
	return data, counter, err
}

// armRetry schedules the next retransmission attempt.
func (m *Manager) armRetry(ex *Exchange, entry *retransmitEntry) {
	sends, active := m.retransmits.Status(entry)
	if !active {
		return
	}
	delay := m.backoff.Interval(ex.retryBase(), sends)
	m.retransmits.Arm(entry, delay, func() {
		m.dispatch(func() { m.onRetryTimeout(ex, entry) })
	})
}

func (m *Manager) onRetryTimeout(ex *Exchange, entry *retransmitEntry) {
	sends, active := m.retransmits.Status(entry)
	if !active {
		return
	}
	if sends >= MaxTransmissions {
		m.retransmits.Remove(entry.key)
		m.log.Warnf("exchange %d: no ack after %d transmissions", ex.id, sends)
		ex.onReliableDone(true)
		return
	}

	m.retransmits.Bump(entry)
	m.log.Tracef("exchange %d: retransmit counter %d (attempt %d)", ex.id, entry.counter, sends+1)
	if err := m.transport.Send(entry.data, ex.Peer()); err != nil {
		m.log.Warnf("exchange %d: retransmit: %v", ex.id, err)
	}
	m.armRetry(ex, entry)
}

// remove drops the exchange and its MRP state.
func (m *Manager) remove(ex *Exchange) {
	k := ex.key()
	m.mu.Lock()
	if m.exchanges[k] == ex {
		delete(m.exchanges, k)
	}
	m.mu.Unlock()
	m.acks.Remove(k)
	m.retransmits.Remove(k)
}

func randomExchangeID() uint16 {
	var buf [2]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 1
	}
	return binary.LittleEndian.Uint16(buf[:])
}
