package transport

import (
	"bytes"
	"testing"
	"time"
)

func linkedPair(t *testing.T, cfg LinkedConfig) (*LinkedManagers, chan *Inbound, chan *Inbound) {
	t.Helper()
	rx0 := make(chan *Inbound, 16)
	rx1 := make(chan *Inbound, 16)
	cfg.Handlers = [2]Handler{
		func(in *Inbound) { rx0 <- in },
		func(in *Inbound) { rx1 <- in },
	}
	pair, err := NewLinkedManagers(cfg)
	if err != nil {
		t.Fatalf("NewLinkedManagers() error: %v", err)
	}
	t.Cleanup(func() { pair.Close() })
	return pair, rx0, rx1
}

func waitInbound(t *testing.T, ch chan *Inbound) *Inbound {
	t.Helper()
	select {
	case in := <-ch:
		return in
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestLinkedManagersUDP(t *testing.T) {
	pair, rx0, rx1 := linkedPair(t, LinkedConfig{DisableTCP: true})

	msg := []byte("datagram payload")
	if err := pair.Manager(0).Send(msg, pair.PeerAddr(1, NetworkUDP)); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	in := waitInbound(t, rx1)
	if !bytes.Equal(in.Data, msg) {
		t.Fatalf("received %q, want %q", in.Data, msg)
	}
	if in.Peer.Network != NetworkUDP {
		t.Fatalf("peer network = %v, want UDP", in.Peer.Network)
	}

	// Reply using the address the message arrived from.
	reply := []byte("reply")
	if err := pair.Manager(1).Send(reply, in.Peer); err != nil {
		t.Fatalf("reply Send() error: %v", err)
	}
	if in := waitInbound(t, rx0); !bytes.Equal(in.Data, reply) {
		t.Fatalf("received %q, want %q", in.Data, reply)
	}
}

func TestLinkedManagersTCP(t *testing.T) {
	pair, _, rx1 := linkedPair(t, LinkedConfig{DisableUDP: true})

	// Two back-to-back frames must arrive intact and separate.
	first := []byte("first frame")
	second := []byte("second, longer frame with more content")
	addr := pair.PeerAddr(1, NetworkTCP)
	if err := pair.Manager(0).Send(first, addr); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if err := pair.Manager(0).Send(second, addr); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	if in := waitInbound(t, rx1); !bytes.Equal(in.Data, first) {
		t.Fatalf("first frame = %q, want %q", in.Data, first)
	}
	in := waitInbound(t, rx1)
	if !bytes.Equal(in.Data, second) {
		t.Fatalf("second frame = %q, want %q", in.Data, second)
	}
	if in.Peer.Network != NetworkTCP {
		t.Fatalf("peer network = %v, want TCP", in.Peer.Network)
	}
}

func TestLinkDropsEverything(t *testing.T) {
	pair, _, rx1 := linkedPair(t, LinkedConfig{DisableTCP: true})
	pair.UDPLink().SetImpairment(Impairment{DropRate: 1.0})

	if err := pair.Manager(0).Send([]byte("lost"), pair.PeerAddr(1, NetworkUDP)); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	select {
	case in := <-rx1:
		t.Fatalf("message arrived despite full drop: %q", in.Data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLinkDuplicates(t *testing.T) {
	pair, _, rx1 := linkedPair(t, LinkedConfig{DisableTCP: true})
	pair.UDPLink().SetImpairment(Impairment{DuplicateRate: 1.0})

	if err := pair.Manager(0).Send([]byte("twice"), pair.PeerAddr(1, NetworkUDP)); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	waitInbound(t, rx1)
	waitInbound(t, rx1)
}
