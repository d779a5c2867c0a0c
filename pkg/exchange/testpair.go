package exchange

import (
	"bytes"
	"fmt"
	"time"

	"github.com/hearthlink/matter/pkg/fabric"
	"github.com/hearthlink/matter/pkg/session"
	"github.com/hearthlink/matter/pkg/transport"
)

// TestPair is two exchange managers joined by an in-memory UDP link,
// with a CASE-style secure session installed on both ends. It backs
// package tests and higher-layer protocol tests; impairments on the
// link exercise the MRP paths.
type TestPair struct {
	Link     *transport.LinkedManagers
	Managers [2]*Manager
	Sessions [2]*session.Manager
	Secure   [2]*session.SecureContext
}

// fastTestParams keeps MRP tests quick without changing behavior.
var fastTestParams = session.Params{
	IdleInterval:    50 * time.Millisecond,
	ActiveInterval:  30 * time.Millisecond,
	ActiveThreshold: 4 * time.Second,
}

// NewTestPair wires everything up. End 0 holds the session initiator,
// end 1 the responder.
func NewTestPair() (*TestPair, error) {
	p := &TestPair{}

	// The transport handlers are bound before the managers exist; the
	// link stays quiet until a test sends something.
	link, err := transport.NewLinkedManagers(transport.LinkedConfig{
		Handlers: [2]transport.Handler{
			func(in *transport.Inbound) { p.Managers[0].HandleInbound(in) },
			func(in *transport.Inbound) { p.Managers[1].HandleInbound(in) },
		},
		DisableTCP: true,
	})
	if err != nil {
		return nil, err
	}
	p.Link = link

	i2r := bytes.Repeat([]byte{0x5A}, session.KeySize)
	r2i := bytes.Repeat([]byte{0xA5}, session.KeySize)
	roles := [2]session.Role{session.RoleInitiator, session.RoleResponder}
	localIDs := [2]uint16{100, 200}
	nodeIDs := [2]uint64{0x1001, 0x2002}

	for end := 0; end < 2; end++ {
		p.Sessions[end] = session.NewManager(session.ManagerConfig{})

		sctx, err := session.NewSecure(session.SecureConfig{
			Kind:           session.KindCASE,
			Role:           roles[end],
			LocalSessionID: localIDs[end],
			PeerSessionID:  localIDs[1-end],
			I2RKey:         i2r,
			R2IKey:         r2i,
			LocalNodeID:    fabric.NodeID(nodeIDs[end]),
			PeerNodeID:     fabric.NodeID(nodeIDs[1-end]),
			Params:         fastTestParams,
		})
		if err != nil {
			link.Close()
			return nil, err
		}
		if err := p.Sessions[end].Install(sctx); err != nil {
			link.Close()
			return nil, err
		}
		p.Secure[end] = sctx

		mgr, err := NewManager(ManagerConfig{
			Sessions:  p.Sessions[end],
			Transport: link.Manager(end),
		})
		if err != nil {
			link.Close()
			return nil, err
		}
		p.Managers[end] = mgr
	}
	return p, nil
}

// PeerAddr returns the UDP address reaching the given end.
func (p *TestPair) PeerAddr(end int) transport.PeerAddress {
	return p.Link.PeerAddr(end, transport.NetworkUDP)
}

// Close tears the pair down.
func (p *TestPair) Close() error {
	for _, s := range p.Sessions {
		if s != nil {
			s.Clear()
		}
	}
	if p.Link != nil {
		return p.Link.Close()
	}
	return nil
}

// String aids debugging in test failure output.
func (p *TestPair) String() string {
	return fmt.Sprintf("TestPair(sessions %d/%d, exchanges %d/%d)",
		p.Sessions[0].Count(), p.Sessions[1].Count(),
		p.Managers[0].Count(), p.Managers[1].Count())
}
