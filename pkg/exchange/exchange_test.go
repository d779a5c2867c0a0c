package exchange

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hearthlink/matter/pkg/session"
	"github.com/hearthlink/matter/pkg/transport"
	"github.com/hearthlink/matter/pkg/wire"
)

const testOpcode uint8 = 0x42

type received struct {
	opcode  uint8
	payload []byte
}

// recorder is a Delegate that records events on channels. With echo
// set, it replies to every message with opcode+1.
type recorder struct {
	echo bool

	msgs   chan received
	failed chan struct{}
	closed chan struct{}

	mu    sync.Mutex
	count int
}

func newRecorder(echo bool) *recorder {
	return &recorder{
		echo:   echo,
		msgs:   make(chan received, 16),
		failed: make(chan struct{}, 1),
		closed: make(chan struct{}, 1),
	}
}

func (r *recorder) OnMessage(ex *Exchange, header *wire.PayloadHeader, payload []byte) error {
	r.mu.Lock()
	r.count++
	r.mu.Unlock()
	r.msgs <- received{opcode: header.Opcode, payload: append([]byte(nil), payload...)}
	if r.echo {
		return ex.Send(header.Opcode+1, payload, true)
	}
	return nil
}

func (r *recorder) OnDeliveryFailed(*Exchange) {
	select {
	case r.failed <- struct{}{}:
	default:
	}
}

func (r *recorder) OnClose(*Exchange) {
	select {
	case r.closed <- struct{}{}:
	default:
	}
}

func (r *recorder) messageCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// acceptAll hands every unsolicited exchange to the same delegate.
type acceptAll struct{ d Delegate }

func (a acceptAll) Accept(*Exchange, *wire.PayloadHeader) (Delegate, error) {
	return a.d, nil
}

func waitMsg(t *testing.T, r *recorder) received {
	t.Helper()
	select {
	case msg := <-r.msgs:
		return msg
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for message")
		return received{}
	}
}

func newPair(t *testing.T) *TestPair {
	t.Helper()
	p, err := NewTestPair()
	if err != nil {
		t.Fatalf("NewTestPair() error: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestRequestResponse(t *testing.T) {
	p := newPair(t)

	responder := newRecorder(true)
	p.Managers[1].RegisterHandler(wire.ProtocolInteractionModel, acceptAll{responder})

	initiator := newRecorder(false)
	ex, err := p.Managers[0].OpenSecure(p.Secure[0], p.PeerAddr(1), wire.ProtocolInteractionModel, initiator)
	if err != nil {
		t.Fatalf("OpenSecure() error: %v", err)
	}

	request := []byte("read attribute")
	if err := ex.Send(testOpcode, request, true); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	if msg := waitMsg(t, responder); msg.opcode != testOpcode || !bytes.Equal(msg.payload, request) {
		t.Fatalf("responder got (%#x, %q)", msg.opcode, msg.payload)
	}
	if msg := waitMsg(t, initiator); msg.opcode != testOpcode+1 || !bytes.Equal(msg.payload, request) {
		t.Fatalf("initiator got (%#x, %q)", msg.opcode, msg.payload)
	}

	// The echoed reply piggybacked an ack, clearing the initiator's
	// in-flight entry.
	deadline := time.Now().Add(time.Second)
	for p.Managers[0].retransmits.Pending(ex.key()) {
		if time.Now().After(deadline) {
			t.Fatal("piggybacked ack never cleared the retransmit entry")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStandaloneAckClearsRetransmit(t *testing.T) {
	p := newPair(t)

	// The responder never replies, so only a standalone ack can stop
	// retransmission.
	responder := newRecorder(false)
	p.Managers[1].RegisterHandler(wire.ProtocolInteractionModel, acceptAll{responder})

	initiator := newRecorder(false)
	ex, err := p.Managers[0].OpenSecure(p.Secure[0], p.PeerAddr(1), wire.ProtocolInteractionModel, initiator)
	if err != nil {
		t.Fatal(err)
	}
	if err := ex.Send(testOpcode, []byte("one-way"), true); err != nil {
		t.Fatal(err)
	}
	waitMsg(t, responder)

	deadline := time.Now().Add(3 * time.Second)
	for p.Managers[0].retransmits.Pending(ex.key()) {
		if time.Now().After(deadline) {
			t.Fatal("standalone ack never arrived")
		}
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case <-initiator.failed:
		t.Fatal("delivery reported failed despite ack")
	default:
	}
}

func TestRetransmitRecoversFromLoss(t *testing.T) {
	p := newPair(t)

	responder := newRecorder(false)
	p.Managers[1].RegisterHandler(wire.ProtocolInteractionModel, acceptAll{responder})

	initiator := newRecorder(false)
	ex, err := p.Managers[0].OpenSecure(p.Secure[0], p.PeerAddr(1), wire.ProtocolInteractionModel, initiator)
	if err != nil {
		t.Fatal(err)
	}

	// Drop the initial transmission, then heal the link so a
	// retransmission gets through.
	p.Link.UDPLink().SetImpairment(transport.Impairment{DropRate: 1.0})
	if err := ex.Send(testOpcode, []byte("lossy"), true); err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)
	p.Link.UDPLink().SetImpairment(transport.Impairment{})

	waitMsg(t, responder)
}

func TestDeliveryFailureAfterMaxTransmissions(t *testing.T) {
	p := newPair(t)

	initiator := newRecorder(false)
	ex, err := p.Managers[0].OpenSecure(p.Secure[0], p.PeerAddr(1), wire.ProtocolInteractionModel, initiator)
	if err != nil {
		t.Fatal(err)
	}

	p.Link.UDPLink().SetImpairment(transport.Impairment{DropRate: 1.0})
	if err := ex.Send(testOpcode, []byte("void"), true); err != nil {
		t.Fatal(err)
	}

	select {
	case <-initiator.failed:
	case <-time.After(5 * time.Second):
		t.Fatal("delivery failure never reported")
	}
	select {
	case <-initiator.closed:
	case <-time.After(time.Second):
		t.Fatal("exchange not closed after delivery failure")
	}
	if ex.State() != StateClosed {
		t.Fatalf("exchange state = %v, want Closed", ex.State())
	}
	if p.Managers[0].Count() != 0 {
		t.Fatalf("failed exchange still tracked: %s", p)
	}
}

func TestSecondReliableSendRefused(t *testing.T) {
	p := newPair(t)

	initiator := newRecorder(false)
	ex, err := p.Managers[0].OpenSecure(p.Secure[0], p.PeerAddr(1), wire.ProtocolInteractionModel, initiator)
	if err != nil {
		t.Fatal(err)
	}

	p.Link.UDPLink().SetImpairment(transport.Impairment{DropRate: 1.0})
	if err := ex.Send(testOpcode, []byte("first"), true); err != nil {
		t.Fatal(err)
	}
	if err := ex.Send(testOpcode, []byte("second"), true); !errors.Is(err, ErrReliablePending) {
		t.Fatalf("second Send() error = %v, want ErrReliablePending", err)
	}
}

func TestDuplicateDeliveredOnce(t *testing.T) {
	p := newPair(t)

	responder := newRecorder(false)
	p.Managers[1].RegisterHandler(wire.ProtocolInteractionModel, acceptAll{responder})

	initiator := newRecorder(false)
	ex, err := p.Managers[0].OpenSecure(p.Secure[0], p.PeerAddr(1), wire.ProtocolInteractionModel, initiator)
	if err != nil {
		t.Fatal(err)
	}

	p.Link.UDPLink().SetImpairment(transport.Impairment{DuplicateRate: 1.0})
	if err := ex.Send(testOpcode, []byte("dup"), true); err != nil {
		t.Fatal(err)
	}
	waitMsg(t, responder)

	// Give the duplicate time to arrive; the replay window must have
	// swallowed it.
	time.Sleep(100 * time.Millisecond)
	if n := responder.messageCount(); n != 1 {
		t.Fatalf("delegate saw %d messages, want 1", n)
	}
}

func TestUnhandledProtocolDropped(t *testing.T) {
	p := newPair(t)

	initiator := newRecorder(false)
	ex, err := p.Managers[0].OpenSecure(p.Secure[0], p.PeerAddr(1), wire.ProtocolBDX, initiator)
	if err != nil {
		t.Fatal(err)
	}
	if err := ex.Send(testOpcode, []byte("nobody home"), true); err != nil {
		t.Fatal(err)
	}

	// No handler on end 1: no exchange may be created, and the
	// stateless ack must stop our retransmissions.
	deadline := time.Now().Add(3 * time.Second)
	for p.Managers[0].retransmits.Pending(ex.key()) {
		if time.Now().After(deadline) {
			t.Fatal("stateless ack never cleared the retransmit entry")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if n := p.Managers[1].Count(); n != 0 {
		t.Fatalf("unhandled protocol created %d exchanges", n)
	}
}

func TestUnsecuredExchange(t *testing.T) {
	p := newPair(t)

	responder := newRecorder(true)
	p.Managers[1].RegisterHandler(wire.ProtocolSecureChannel, acceptAll{responder})

	uctx, err := session.NewUnsecured(session.RoleInitiator)
	if err != nil {
		t.Fatal(err)
	}
	uctx.SetParams(fastTestParams)

	initiator := newRecorder(false)
	ex, err := p.Managers[0].OpenUnsecured(uctx, p.PeerAddr(1), wire.ProtocolSecureChannel, initiator)
	if err != nil {
		t.Fatalf("OpenUnsecured() error: %v", err)
	}

	hello := []byte("pbkdf param request")
	if err := ex.Send(0x20, hello, true); err != nil {
		t.Fatal(err)
	}

	if msg := waitMsg(t, responder); msg.opcode != 0x20 || !bytes.Equal(msg.payload, hello) {
		t.Fatalf("responder got (%#x, %q)", msg.opcode, msg.payload)
	}
	if msg := waitMsg(t, initiator); msg.opcode != 0x21 || !bytes.Equal(msg.payload, hello) {
		t.Fatalf("initiator got (%#x, %q)", msg.opcode, msg.payload)
	}
}

func TestCloseFlushesAck(t *testing.T) {
	p := newPair(t)

	responder := newRecorder(false)
	p.Managers[1].RegisterHandler(wire.ProtocolInteractionModel, acceptAll{responder})

	initiator := newRecorder(false)
	ex, err := p.Managers[0].OpenSecure(p.Secure[0], p.PeerAddr(1), wire.ProtocolInteractionModel, initiator)
	if err != nil {
		t.Fatal(err)
	}
	if err := ex.Send(testOpcode, []byte("then close"), true); err != nil {
		t.Fatal(err)
	}
	waitMsg(t, responder)

	// Closing the responder's exchange must flush its pending ack
	// immediately instead of waiting out the standalone timer.
	p.Managers[1].mu.Lock()
	var respEx *Exchange
	for _, cand := range p.Managers[1].exchanges {
		respEx = cand
	}
	p.Managers[1].mu.Unlock()
	if respEx == nil {
		t.Fatal("responder exchange not found")
	}
	respEx.Close()

	deadline := time.Now().Add(time.Second)
	for p.Managers[0].retransmits.Pending(ex.key()) {
		if time.Now().After(deadline) {
			t.Fatal("closing flush never acked the message")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := ex.Send(testOpcode, []byte("more"), true); err != nil {
		t.Fatalf("initiator Send() after responder close: %v", err)
	}
}

func TestSendOnClosedExchange(t *testing.T) {
	p := newPair(t)

	initiator := newRecorder(false)
	ex, err := p.Managers[0].OpenSecure(p.Secure[0], p.PeerAddr(1), wire.ProtocolInteractionModel, initiator)
	if err != nil {
		t.Fatal(err)
	}
	ex.Close()
	if ex.State() != StateClosed {
		t.Fatalf("state after Close = %v, want Closed", ex.State())
	}
	if err := ex.Send(testOpcode, nil, false); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send() on closed exchange error = %v, want ErrClosed", err)
	}

	select {
	case <-initiator.closed:
	case <-time.After(time.Second):
		t.Fatal("OnClose never called")
	}
}

func TestCounterExhaustionDropsSession(t *testing.T) {
	p := newPair(t)

	// A session with exactly one counter value left to spend.
	sctx, err := session.NewSecure(session.SecureConfig{
		Kind:           session.KindCASE,
		Role:           session.RoleInitiator,
		LocalSessionID: 300,
		PeerSessionID:  200,
		I2RKey:         bytes.Repeat([]byte{0x5A}, session.KeySize),
		R2IKey:         bytes.Repeat([]byte{0xA5}, session.KeySize),
		LocalNodeID:    0x1001,
		PeerNodeID:     0x2002,
		Params:         fastTestParams,
		Counter:        wire.NewSessionCounterAt(0xFFFFFFFF),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Sessions[0].Install(sctx); err != nil {
		t.Fatal(err)
	}

	ex, err := p.Managers[0].OpenSecure(sctx, p.PeerAddr(1), wire.ProtocolInteractionModel, newRecorder(false))
	if err != nil {
		t.Fatal(err)
	}
	if err := ex.Send(testOpcode, []byte("last"), false); err != nil {
		t.Fatalf("Send() with one counter value left: %v", err)
	}

	// The next Seal exhausts the counter; the session is dead both ways
	// and must leave the table so it stops accepting inbound traffic.
	if err := ex.Send(testOpcode, []byte("late"), false); !errors.Is(err, wire.ErrCounterExhausted) {
		t.Fatalf("Send() after exhaustion = %v, want wire.ErrCounterExhausted", err)
	}
	if p.Sessions[0].ByLocalID(300) != nil {
		t.Error("exhausted session still installed")
	}
}

func TestTimerWorkRoutedThroughDispatch(t *testing.T) {
	var (
		mu         sync.Mutex
		dispatched int
	)
	var mgr *Manager

	// The far end swallows everything, so acknowledgement never arrives
	// and every retransmission must come from a timer firing.
	link, err := transport.NewLinkedManagers(transport.LinkedConfig{
		Handlers: [2]transport.Handler{
			func(in *transport.Inbound) { mgr.HandleInbound(in) },
			func(*transport.Inbound) {},
		},
		DisableTCP: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { link.Close() })

	sessions := session.NewManager(session.ManagerConfig{})
	sctx, err := session.NewSecure(session.SecureConfig{
		Kind:           session.KindCASE,
		Role:           session.RoleInitiator,
		LocalSessionID: 100,
		PeerSessionID:  200,
		I2RKey:         bytes.Repeat([]byte{0x5A}, session.KeySize),
		R2IKey:         bytes.Repeat([]byte{0xA5}, session.KeySize),
		LocalNodeID:    0x1001,
		PeerNodeID:     0x2002,
		Params:         fastTestParams,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := sessions.Install(sctx); err != nil {
		t.Fatal(err)
	}

	mgr, err = NewManager(ManagerConfig{
		Sessions:  sessions,
		Transport: link.Manager(0),
		Dispatch: func(fn func()) {
			mu.Lock()
			dispatched++
			mu.Unlock()
			fn()
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	initiator := newRecorder(false)
	ex, err := mgr.OpenSecure(sctx, link.PeerAddr(1, transport.NetworkUDP), wire.ProtocolInteractionModel, initiator)
	if err != nil {
		t.Fatal(err)
	}
	if err := ex.Send(testOpcode, []byte("unanswered"), true); err != nil {
		t.Fatal(err)
	}

	select {
	case <-initiator.failed:
	case <-time.After(5 * time.Second):
		t.Fatal("delivery failure never reported")
	}

	mu.Lock()
	got := dispatched
	mu.Unlock()
	if got == 0 {
		t.Error("retransmission timers fired without going through Dispatch")
	}
}
