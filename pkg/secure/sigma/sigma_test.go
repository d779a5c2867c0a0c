package sigma

import (
	"bytes"
	"errors"
	"testing"

	"github.com/hearthlink/matter/pkg/fabric"
)

const (
	testFabricID fabric.FabricID = 0xFAB1
	nodeA        fabric.NodeID   = 0x1001
	nodeB        fabric.NodeID   = 0x2002
)

var testEpochKey = []byte("0123456789ABCDEF")

// testFabric mints two node identities on one fabric sharing an IPK.
func testFabric(t *testing.T) (a, b *fabric.Identity) {
	t.Helper()
	ca, err := fabric.NewCertificateAuthority(0xCA01, nil)
	if err != nil {
		t.Fatal(err)
	}
	a, err = ca.IssueIdentity(1, testFabricID, nodeA, testEpochKey)
	if err != nil {
		t.Fatal(err)
	}
	b, err = ca.IssueIdentity(1, testFabricID, nodeB, testEpochKey)
	if err != nil {
		t.Fatal(err)
	}
	return a, b
}

func storeWith(t *testing.T, ids ...*fabric.Identity) *fabric.Store {
	t.Helper()
	s := fabric.NewStore(0)
	for _, id := range ids {
		if err := s.Add(id); err != nil {
			t.Fatal(err)
		}
	}
	return s
}

func TestDestinationID(t *testing.T) {
	a, b := testFabric(t)

	var random [RandomSize]byte
	copy(random[:], bytes.Repeat([]byte{0xAB}, RandomSize))

	ipk, err := a.OperationalIPK()
	if err != nil {
		t.Fatal(err)
	}
	dest := ComputeDestinationID(ipk, random, a.RootPublicKey, testFabricID, nodeB)

	if ok, err := MatchDestinationID(dest, b, random); err != nil || !ok {
		t.Fatalf("destination does not match its target: ok=%v err=%v", ok, err)
	}
	if ok, _ := MatchDestinationID(dest, a, random); ok {
		t.Error("destination matched the wrong node")
	}

	var otherRandom [RandomSize]byte
	if ok, _ := MatchDestinationID(dest, b, otherRandom); ok {
		t.Error("destination matched under a different initiator random")
	}
}

// runHandshake drives a full (non-resumed) establishment.
func runHandshake(t *testing.T, initiator, responder *Handshake) {
	t.Helper()
	msg1, err := initiator.Start(&SessionParams{IdleInterval: 500})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	msg2, resumed, err := responder.HandleSigma1(msg1, &SessionParams{IdleInterval: 5000})
	if err != nil {
		t.Fatalf("HandleSigma1: %v", err)
	}
	if resumed {
		t.Fatal("unexpected resumption")
	}
	msg3, err := initiator.HandleSigma2(msg2)
	if err != nil {
		t.Fatalf("HandleSigma2: %v", err)
	}
	if err := responder.HandleSigma3(msg3); err != nil {
		t.Fatalf("HandleSigma3: %v", err)
	}
}

func TestHandshake(t *testing.T) {
	a, b := testFabric(t)
	initiator, err := NewInitiator(a, nodeB, 10, Config{})
	if err != nil {
		t.Fatal(err)
	}
	responder, err := NewResponder(storeWith(t, b), 20, Config{})
	if err != nil {
		t.Fatal(err)
	}

	runHandshake(t, initiator, responder)

	ik, err := initiator.SessionKeys()
	if err != nil {
		t.Fatal(err)
	}
	rk, err := responder.SessionKeys()
	if err != nil {
		t.Fatal(err)
	}
	if *ik != *rk {
		t.Fatal("session keys disagree")
	}

	if p := initiator.Peer(); p.FabricID != testFabricID || p.NodeID != nodeB {
		t.Errorf("initiator peer = %+v", p)
	}
	if p := responder.Peer(); p.FabricID != testFabricID || p.NodeID != nodeA {
		t.Errorf("responder peer = %+v", p)
	}
	if initiator.PeerSessionID() != 20 || responder.PeerSessionID() != 10 {
		t.Error("session IDs not exchanged")
	}
	if p := initiator.PeerParams(); p == nil || p.IdleInterval != 5000 {
		t.Error("initiator missed responder session params")
	}
}

func TestHandshakeResumption(t *testing.T) {
	a, b := testFabric(t)
	initCache := NewResumptionCache()
	respCache := NewResumptionCache()

	first, err := NewInitiator(a, nodeB, 10, Config{Resumptions: initCache})
	if err != nil {
		t.Fatal(err)
	}
	firstResp, err := NewResponder(storeWith(t, b), 20, Config{Resumptions: respCache})
	if err != nil {
		t.Fatal(err)
	}
	runHandshake(t, first, firstResp)

	// The second establishment should shortcut over the cached secret.
	second, err := NewInitiator(a, nodeB, 11, Config{Resumptions: initCache})
	if err != nil {
		t.Fatal(err)
	}
	secondResp, err := NewResponder(storeWith(t, b), 21, Config{Resumptions: respCache})
	if err != nil {
		t.Fatal(err)
	}

	msg1, err := second.Start(nil)
	if err != nil {
		t.Fatal(err)
	}
	if s1, err := DecodeSigma1(msg1); err != nil || !s1.HasResumption {
		t.Fatalf("resumption not offered: %v", err)
	}
	resp, resumed, err := secondResp.HandleSigma1(msg1, nil)
	if err != nil {
		t.Fatalf("HandleSigma1: %v", err)
	}
	if !resumed {
		t.Fatal("responder did not resume")
	}
	if err := second.HandleSigma2Resume(resp); err != nil {
		t.Fatalf("HandleSigma2Resume: %v", err)
	}

	ik, err := second.SessionKeys()
	if err != nil {
		t.Fatal(err)
	}
	rk, err := secondResp.SessionKeys()
	if err != nil {
		t.Fatal(err)
	}
	if *ik != *rk {
		t.Fatal("resumed session keys disagree")
	}

	firstKeys, _ := first.SessionKeys()
	if *ik == *firstKeys {
		t.Error("resumed session reused the previous session keys")
	}
	if p := second.Peer(); p.NodeID != nodeB {
		t.Errorf("resumed peer = %+v", p)
	}
}

func TestHandshakeResumptionFallback(t *testing.T) {
	a, b := testFabric(t)
	initCache := NewResumptionCache()

	first, err := NewInitiator(a, nodeB, 10, Config{Resumptions: initCache})
	if err != nil {
		t.Fatal(err)
	}
	firstResp, err := NewResponder(storeWith(t, b), 20, Config{Resumptions: NewResumptionCache()})
	if err != nil {
		t.Fatal(err)
	}
	runHandshake(t, first, firstResp)

	// The responder has lost its record; the offer must silently fall
	// back to the full handshake.
	second, err := NewInitiator(a, nodeB, 11, Config{Resumptions: initCache})
	if err != nil {
		t.Fatal(err)
	}
	secondResp, err := NewResponder(storeWith(t, b), 21, Config{Resumptions: NewResumptionCache()})
	if err != nil {
		t.Fatal(err)
	}

	msg1, err := second.Start(nil)
	if err != nil {
		t.Fatal(err)
	}
	msg2, resumed, err := secondResp.HandleSigma1(msg1, nil)
	if err != nil {
		t.Fatalf("HandleSigma1: %v", err)
	}
	if resumed {
		t.Fatal("responder resumed with no record")
	}
	msg3, err := second.HandleSigma2(msg2)
	if err != nil {
		t.Fatalf("fallback HandleSigma2: %v", err)
	}
	if err := secondResp.HandleSigma3(msg3); err != nil {
		t.Fatalf("fallback HandleSigma3: %v", err)
	}
	ik, _ := second.SessionKeys()
	rk, _ := secondResp.SessionKeys()
	if ik == nil || rk == nil || *ik != *rk {
		t.Fatal("fallback session keys disagree")
	}
}

func TestHandshakeNoSharedTrustRoots(t *testing.T) {
	a, _ := testFabric(t)

	// A responder commissioned by a different authority shares nothing
	// with the initiator.
	otherCA, err := fabric.NewCertificateAuthority(0xCA02, nil)
	if err != nil {
		t.Fatal(err)
	}
	stranger, err := otherCA.IssueIdentity(1, 0xFAB2, nodeB, testEpochKey)
	if err != nil {
		t.Fatal(err)
	}

	initiator, err := NewInitiator(a, nodeB, 10, Config{})
	if err != nil {
		t.Fatal(err)
	}
	responder, err := NewResponder(storeWith(t, stranger), 20, Config{})
	if err != nil {
		t.Fatal(err)
	}

	msg1, err := initiator.Start(nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := responder.HandleSigma1(msg1, nil); !errors.Is(err, ErrNoSharedTrustRoots) {
		t.Fatalf("HandleSigma1 = %v, want ErrNoSharedTrustRoots", err)
	}
}

func TestHandshakeWrongTargetNode(t *testing.T) {
	a, b := testFabric(t)
	initiator, err := NewInitiator(a, 0x3003, 10, Config{})
	if err != nil {
		t.Fatal(err)
	}
	responder, err := NewResponder(storeWith(t, b), 20, Config{})
	if err != nil {
		t.Fatal(err)
	}

	msg1, err := initiator.Start(nil)
	if err != nil {
		t.Fatal(err)
	}
	// The destination identifier names a node this responder is not.
	if _, _, err := responder.HandleSigma1(msg1, nil); !errors.Is(err, ErrNoSharedTrustRoots) {
		t.Fatalf("HandleSigma1 = %v, want ErrNoSharedTrustRoots", err)
	}
}

func TestHandshakeTamperedSigma2(t *testing.T) {
	a, b := testFabric(t)
	initiator, err := NewInitiator(a, nodeB, 10, Config{})
	if err != nil {
		t.Fatal(err)
	}
	responder, err := NewResponder(storeWith(t, b), 20, Config{})
	if err != nil {
		t.Fatal(err)
	}

	msg1, err := initiator.Start(nil)
	if err != nil {
		t.Fatal(err)
	}
	msg2, _, err := responder.HandleSigma1(msg1, nil)
	if err != nil {
		t.Fatal(err)
	}

	s2, err := DecodeSigma2(msg2)
	if err != nil {
		t.Fatal(err)
	}
	s2.Encrypted[0] ^= 0xFF
	tampered, err := s2.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := initiator.HandleSigma2(tampered); !errors.Is(err, ErrDecryptFailed) {
		t.Fatalf("tampered Sigma2 = %v, want ErrDecryptFailed", err)
	}
	if !initiator.Failed() {
		t.Error("initiator not marked failed")
	}
	if _, err := initiator.SessionKeys(); !errors.Is(err, ErrNotEstablished) {
		t.Error("keys released after failure")
	}
}

func TestHandshakeOutOfOrder(t *testing.T) {
	a, b := testFabric(t)
	initiator, err := NewInitiator(a, nodeB, 10, Config{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := initiator.HandleSigma2(nil); !errors.Is(err, ErrBadState) {
		t.Error("Sigma2 accepted before Start")
	}

	responder, err := NewResponder(storeWith(t, b), 20, Config{})
	if err != nil {
		t.Fatal(err)
	}
	if err := responder.HandleSigma3(nil); !errors.Is(err, ErrBadState) {
		t.Error("Sigma3 accepted before Sigma1")
	}
}
