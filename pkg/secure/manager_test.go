package secure

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hearthlink/matter/pkg/exchange"
	"github.com/hearthlink/matter/pkg/fabric"
	"github.com/hearthlink/matter/pkg/secure/pase"
	"github.com/hearthlink/matter/pkg/session"
	"github.com/hearthlink/matter/pkg/transport"
)

const (
	testPasscode   uint32 = 20202021
	testIterations uint32 = 1000

	testFabricID fabric.FabricID = 0xFAB1
	testNodeA    fabric.NodeID   = 0x1001
	testNodeB    fabric.NodeID   = 0x2002
)

var (
	testSalt     = []byte("SPAKE2P Key Salt")
	testEpochKey = []byte("0123456789ABCDEF")
)

var fastParams = session.Params{
	IdleInterval:    50 * time.Millisecond,
	ActiveInterval:  30 * time.Millisecond,
	ActiveThreshold: 4 * time.Second,
}

// testEnd is one node of a two-node network: transport, exchanges,
// sessions, and the secure channel manager, with lifecycle events
// funneled into channels.
type testEnd struct {
	sessions  *session.Manager
	exchanges *exchange.Manager
	secure    *Manager

	established chan *session.SecureContext
	closed      chan *session.SecureContext
	failures    chan error
}

// testNet joins two ends over an in-memory UDP link.
type testNet struct {
	link *transport.LinkedManagers
	ends [2]*testEnd
}

func newTestNet(t *testing.T, fabrics [2]*fabric.Store) *testNet {
	t.Helper()
	n := &testNet{}

	link, err := transport.NewLinkedManagers(transport.LinkedConfig{
		Handlers: [2]transport.Handler{
			func(in *transport.Inbound) { n.ends[0].exchanges.HandleInbound(in) },
			func(in *transport.Inbound) { n.ends[1].exchanges.HandleInbound(in) },
		},
		DisableTCP: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	n.link = link
	t.Cleanup(func() { link.Close() })

	for i := 0; i < 2; i++ {
		end := &testEnd{
			sessions:    session.NewManager(session.ManagerConfig{}),
			established: make(chan *session.SecureContext, 4),
			closed:      make(chan *session.SecureContext, 4),
			failures:    make(chan error, 4),
		}
		end.exchanges, err = exchange.NewManager(exchange.ManagerConfig{
			Sessions:  end.sessions,
			Transport: link.Manager(i),
		})
		if err != nil {
			t.Fatal(err)
		}
		end.secure, err = NewManager(ManagerConfig{
			Sessions:  end.sessions,
			Exchanges: end.exchanges,
			Fabrics:   fabrics[i],
			Params:    fastParams,
			Callbacks: Callbacks{
				OnSessionEstablished: func(sctx *session.SecureContext, _ transport.PeerAddress) {
					end.established <- sctx
				},
				OnSessionClosed: func(sctx *session.SecureContext) {
					end.closed <- sctx
				},
				OnEstablishmentError: func(_ transport.PeerAddress, err error) {
					end.failures <- err
				},
			},
		})
		if err != nil {
			t.Fatal(err)
		}
		n.ends[i] = end
	}
	return n
}

func (n *testNet) peerAddr(end int) transport.PeerAddress {
	return n.link.PeerAddr(end, transport.NetworkUDP)
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func recvSession(t *testing.T, ch chan *session.SecureContext) *session.SecureContext {
	t.Helper()
	select {
	case sctx := <-ch:
		return sctx
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for session event")
		return nil
	}
}

func recvError(t *testing.T, ch chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for error event")
		return nil
	}
}

func openWindow(t *testing.T, m *Manager) {
	t.Helper()
	verifier, err := pase.GenerateVerifier(testPasscode, testSalt, testIterations)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.OpenCommissioningWindow(verifier, testSalt, testIterations); err != nil {
		t.Fatal(err)
	}
}

func TestManagerPASE(t *testing.T) {
	n := newTestNet(t, [2]*fabric.Store{})
	openWindow(t, n.ends[1].secure)

	est, err := n.ends[0].secure.StartPASE(n.peerAddr(1), testPasscode)
	if err != nil {
		t.Fatal(err)
	}
	initiator, err := est.Wait(waitCtx(t))
	if err != nil {
		t.Fatalf("establishment failed: %v", err)
	}
	responder := recvSession(t, n.ends[1].established)

	if initiator.Kind() != session.KindPASE || responder.Kind() != session.KindPASE {
		t.Error("wrong session kind")
	}
	if initiator.PeerSessionID() != responder.LocalSessionID() ||
		responder.PeerSessionID() != initiator.LocalSessionID() {
		t.Error("session IDs not exchanged")
	}

	// Traffic sealed on one end opens on the other.
	sealed, _, err := initiator.Seal([]byte("commissioning data"))
	if err != nil {
		t.Fatal(err)
	}
	_, plain, err := responder.Open(sealed)
	if err != nil {
		t.Fatalf("responder cannot open initiator traffic: %v", err)
	}
	if string(plain) != "commissioning data" {
		t.Errorf("payload corrupted: %q", plain)
	}
}

func TestManagerPASENoWindow(t *testing.T) {
	n := newTestNet(t, [2]*fabric.Store{})

	est, err := n.ends[0].secure.StartPASE(n.peerAddr(1), testPasscode)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := est.Wait(waitCtx(t)); err == nil {
		t.Fatal("establishment succeeded without a window")
	}
	if err := recvError(t, n.ends[1].failures); !errors.Is(err, ErrNoCommissioningWindow) {
		t.Errorf("responder error = %v, want ErrNoCommissioningWindow", err)
	}
}

func TestManagerPASEWrongPasscodeThenRecovery(t *testing.T) {
	n := newTestNet(t, [2]*fabric.Store{})
	openWindow(t, n.ends[1].secure)

	est, err := n.ends[0].secure.StartPASE(n.peerAddr(1), testPasscode+1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := est.Wait(waitCtx(t)); !errors.Is(err, pase.ErrAuthentication) {
		t.Fatalf("wrong passcode error = %v, want ErrAuthentication", err)
	}
	// The responder sees the abort and charges the throttle.
	recvError(t, n.ends[1].failures)

	// An immediate retry lands inside the hold-off.
	est, err = n.ends[0].secure.StartPASE(n.peerAddr(1), testPasscode)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := est.Wait(waitCtx(t)); !errors.Is(err, ErrPeerBusy) {
		t.Fatalf("retry during hold-off = %v, want ErrPeerBusy", err)
	}

	// Administrative reset unlocks the responder.
	n.ends[1].secure.ResetPASEThrottle()
	est, err = n.ends[0].secure.StartPASE(n.peerAddr(1), testPasscode)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := est.Wait(waitCtx(t)); err != nil {
		t.Fatalf("recovery establishment failed: %v", err)
	}
}

// testIdentities mints two identities on one fabric, with the second
// loaded into a responder store.
func testIdentities(t *testing.T) (initiator *fabric.Identity, responderStore *fabric.Store) {
	t.Helper()
	ca, err := fabric.NewCertificateAuthority(0xCA01, nil)
	if err != nil {
		t.Fatal(err)
	}
	idA, err := ca.IssueIdentity(1, testFabricID, testNodeA, testEpochKey)
	if err != nil {
		t.Fatal(err)
	}
	idB, err := ca.IssueIdentity(1, testFabricID, testNodeB, testEpochKey)
	if err != nil {
		t.Fatal(err)
	}
	store := fabric.NewStore(0)
	if err := store.Add(idB); err != nil {
		t.Fatal(err)
	}
	return idA, store
}

func TestManagerCASE(t *testing.T) {
	idA, storeB := testIdentities(t)
	n := newTestNet(t, [2]*fabric.Store{nil, storeB})

	est, err := n.ends[0].secure.StartCASE(idA, testNodeB, n.peerAddr(1))
	if err != nil {
		t.Fatal(err)
	}
	initiator, err := est.Wait(waitCtx(t))
	if err != nil {
		t.Fatalf("establishment failed: %v", err)
	}
	responder := recvSession(t, n.ends[1].established)

	if initiator.Kind() != session.KindCASE || responder.Kind() != session.KindCASE {
		t.Error("wrong session kind")
	}
	if initiator.PeerNodeID() != testNodeB || responder.PeerNodeID() != testNodeA {
		t.Error("peer node identities wrong")
	}
	if initiator.ResumptionID() == ([session.ResumptionIDSize]byte{}) {
		t.Error("no resumption ID recorded")
	}

	sealed, _, err := responder.Seal([]byte("operational traffic"))
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := initiator.Open(sealed); err != nil {
		t.Fatalf("initiator cannot open responder traffic: %v", err)
	}

	// A second establishment rides the resumption cache.
	est, err = n.ends[0].secure.StartCASE(idA, testNodeB, n.peerAddr(1))
	if err != nil {
		t.Fatal(err)
	}
	resumedInit, err := est.Wait(waitCtx(t))
	if err != nil {
		t.Fatalf("resumed establishment failed: %v", err)
	}
	resumedResp := recvSession(t, n.ends[1].established)
	if resumedInit.LocalSessionID() == initiator.LocalSessionID() {
		t.Error("resumed session reused the session ID")
	}
	sealed, _, err = resumedInit.Seal([]byte("resumed traffic"))
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := resumedResp.Open(sealed); err != nil {
		t.Fatalf("resumed session cannot carry traffic: %v", err)
	}
}

func TestManagerCASENoSharedTrustRoots(t *testing.T) {
	idA, _ := testIdentities(t)

	// The responder belongs to an unrelated authority.
	otherCA, err := fabric.NewCertificateAuthority(0xCA02, nil)
	if err != nil {
		t.Fatal(err)
	}
	stranger, err := otherCA.IssueIdentity(1, 0xFAB2, testNodeB, testEpochKey)
	if err != nil {
		t.Fatal(err)
	}
	store := fabric.NewStore(0)
	if err := store.Add(stranger); err != nil {
		t.Fatal(err)
	}
	n := newTestNet(t, [2]*fabric.Store{nil, store})

	est, err := n.ends[0].secure.StartCASE(idA, testNodeB, n.peerAddr(1))
	if err != nil {
		t.Fatal(err)
	}
	_, err = est.Wait(waitCtx(t))
	var sr *StatusReport
	if !errors.As(err, &sr) || sr.Code() != CodeNoSharedTrustRoots {
		t.Fatalf("establishment error = %v, want NO_SHARED_TRUST_ROOTS report", err)
	}
}

func TestManagerCloseSession(t *testing.T) {
	n := newTestNet(t, [2]*fabric.Store{})
	openWindow(t, n.ends[1].secure)

	est, err := n.ends[0].secure.StartPASE(n.peerAddr(1), testPasscode)
	if err != nil {
		t.Fatal(err)
	}
	initiator, err := est.Wait(waitCtx(t))
	if err != nil {
		t.Fatal(err)
	}
	responder := recvSession(t, n.ends[1].established)

	if err := n.ends[0].secure.CloseSession(initiator, n.peerAddr(1)); err != nil {
		t.Fatal(err)
	}
	closedLocal := recvSession(t, n.ends[0].closed)
	if closedLocal != initiator {
		t.Error("local close reported the wrong session")
	}
	closedRemote := recvSession(t, n.ends[1].closed)
	if closedRemote != responder {
		t.Error("peer close reported the wrong session")
	}
	if got := n.ends[1].sessions.ByLocalID(responder.LocalSessionID()); got != nil {
		t.Error("responder session still installed after close")
	}
}

func TestManagerClosed(t *testing.T) {
	n := newTestNet(t, [2]*fabric.Store{})
	openWindow(t, n.ends[1].secure)
	n.ends[1].secure.Close()
	if n.ends[1].secure.WindowOpen() {
		t.Error("window survived Close")
	}
	if _, err := n.ends[1].secure.StartPASE(n.peerAddr(0), testPasscode); !errors.Is(err, ErrClosed) {
		t.Errorf("StartPASE after Close = %v, want ErrClosed", err)
	}
}
