package transport

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/pion/transport/v3/test"
)

// Impairment simulates adverse network behavior on a Link. Rates are
// probabilities in [0, 1] applied per packet.
type Impairment struct {
	DropRate      float64
	DuplicateRate float64

	// DelayMin and DelayMax bound a uniformly distributed per-packet
	// delay. Zero DelayMax disables delay.
	DelayMin time.Duration
	DelayMax time.Duration
}

// Link is an in-memory bidirectional packet link between two endpoints,
// built on pion's test bridge. A background pump delivers queued
// packets continuously; impairments apply to writes on both ends.
//
// Links replace real sockets in tests: deterministic, no network I/O,
// no flaky ports.
type Link struct {
	bridge *test.Bridge

	mu         sync.Mutex
	impairment Impairment
	rng        *rand.Rand
	closed     bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewLink creates a link with the pump running.
func NewLink() *Link {
	l := &Link{
		bridge: test.NewBridge(),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		done:   make(chan struct{}),
	}
	l.wg.Add(1)
	go l.pump()
	return l
}

func (l *Link) pump() {
	defer l.wg.Done()
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.bridge.Tick()
		}
	}
}

// SetImpairment replaces the link's impairment settings.
func (l *Link) SetImpairment(imp Impairment) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.impairment = imp
}

// Conn returns the raw stream connection for an end (0 or 1).
func (l *Link) Conn(end int) net.Conn {
	if end == 0 {
		return l.bridge.GetConn0()
	}
	return l.bridge.GetConn1()
}

// PacketConn wraps an end of the link as a net.PacketConn so it can
// back the UDP transport.
func (l *Link) PacketConn(end, port int) net.PacketConn {
	return &linkPacketConn{
		Conn:  l.Conn(end),
		link:  l,
		local: LinkAddr{End: end, Port: port},
		peer:  LinkAddr{End: 1 - end, Port: port},
	}
}

// Close stops the pump and closes both ends.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	close(l.done)
	l.wg.Wait()

	err := l.bridge.GetConn0().Close()
	if err2 := l.bridge.GetConn1().Close(); err == nil {
		err = err2
	}
	return err
}

// impair applies the configured impairments to one outgoing packet.
// It reports whether the packet should still be written, and whether it
// should be written twice.
func (l *Link) impair() (deliver, duplicate bool) {
	l.mu.Lock()
	imp := l.impairment
	rng := l.rng
	var roll, dupRoll float64
	if imp.DropRate > 0 {
		roll = rng.Float64()
	}
	if imp.DuplicateRate > 0 {
		dupRoll = rng.Float64()
	}
	l.mu.Unlock()

	if imp.DropRate > 0 && roll < imp.DropRate {
		return false, false
	}
	if imp.DelayMax > 0 {
		delay := imp.DelayMin
		if imp.DelayMax > imp.DelayMin {
			l.mu.Lock()
			delay += time.Duration(l.rng.Int63n(int64(imp.DelayMax - imp.DelayMin)))
			l.mu.Unlock()
		}
		time.Sleep(delay)
	}
	return true, imp.DuplicateRate > 0 && dupRoll < imp.DuplicateRate
}

// LinkAddr is the net.Addr of a link endpoint.
type LinkAddr struct {
	End  int
	Port int
}

func (a LinkAddr) Network() string { return "link" }
func (a LinkAddr) String() string  { return fmt.Sprintf("link:%d:%d", a.End, a.Port) }

// linkPacketConn adapts a link end to net.PacketConn.
type linkPacketConn struct {
	net.Conn
	link  *Link
	local LinkAddr
	peer  LinkAddr
}

func (c *linkPacketConn) ReadFrom(b []byte) (int, net.Addr, error) {
	n, err := c.Conn.Read(b)
	return n, c.peer, err
}

func (c *linkPacketConn) WriteTo(b []byte, _ net.Addr) (int, error) {
	deliver, duplicate := c.link.impair()
	if !deliver {
		return len(b), nil
	}
	if duplicate {
		if _, err := c.Conn.Write(b); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(b)
}

func (c *linkPacketConn) LocalAddr() net.Addr { return c.local }

var _ net.PacketConn = (*linkPacketConn)(nil)

// idleListener satisfies the TCP transport's listener without ever
// producing connections; pipe-linked connections are attached directly.
type idleListener struct {
	addr net.Addr

	mu     sync.Mutex
	done   chan struct{}
	closed bool
}

func newIdleListener(addr net.Addr) *idleListener {
	return &idleListener{addr: addr, done: make(chan struct{})}
}

func (l *idleListener) Accept() (net.Conn, error) {
	<-l.done
	return nil, net.ErrClosed
}

func (l *idleListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.done)
	}
	return nil
}

func (l *idleListener) Addr() net.Addr { return l.addr }

// linkConn fixes the addresses of a link's stream connection so the
// TCP transport can key its connection table.
type linkConn struct {
	net.Conn
	local  LinkAddr
	remote LinkAddr
}

func (c *linkConn) LocalAddr() net.Addr  { return c.local }
func (c *linkConn) RemoteAddr() net.Addr { return c.remote }

// LinkedManagers is a pair of started Managers joined by in-memory
// links, one per transport. End 0 and end 1 address each other through
// PeerAddr.
type LinkedManagers struct {
	managers [2]*Manager
	udpLink  *Link
	tcpLink  *Link
	port     int
}

// LinkedConfig configures a linked manager pair.
type LinkedConfig struct {
	// Handlers receive inbound messages at each end.
	Handlers [2]Handler

	// DisableUDP and DisableTCP mirror ManagerConfig.
	DisableUDP bool
	DisableTCP bool
}

// NewLinkedManagers builds and starts both managers.
func NewLinkedManagers(cfg LinkedConfig) (*LinkedManagers, error) {
	pair := &LinkedManagers{port: DefaultPort}

	var udpConns [2]net.PacketConn
	if !cfg.DisableUDP {
		pair.udpLink = NewLink()
		for end := 0; end < 2; end++ {
			udpConns[end] = pair.udpLink.PacketConn(end, pair.port)
		}
	}

	var tcpListeners [2]net.Listener
	var tcpConns [2]net.Conn
	if !cfg.DisableTCP {
		pair.tcpLink = NewLink()
		for end := 0; end < 2; end++ {
			tcpListeners[end] = newIdleListener(LinkAddr{End: end, Port: pair.port})
			tcpConns[end] = &linkConn{
				Conn:   pair.tcpLink.Conn(end),
				local:  LinkAddr{End: end, Port: pair.port},
				remote: LinkAddr{End: 1 - end, Port: pair.port},
			}
		}
	}

	for end := 0; end < 2; end++ {
		mgr, err := NewManager(ManagerConfig{
			Port:        pair.port,
			DisableUDP:  cfg.DisableUDP,
			DisableTCP:  cfg.DisableTCP,
			Handler:     cfg.Handlers[end],
			UDPConn:     udpConns[end],
			TCPListener: tcpListeners[end],
		})
		if err != nil {
			pair.Close()
			return nil, err
		}
		pair.managers[end] = mgr
		if err := mgr.Start(); err != nil {
			pair.Close()
			return nil, err
		}
		if mgr.TCP() != nil {
			mgr.TCP().Attach(tcpConns[end])
		}
	}
	return pair, nil
}

// Manager returns the manager at an end (0 or 1).
func (p *LinkedManagers) Manager(end int) *Manager {
	if end < 0 || end > 1 {
		return nil
	}
	return p.managers[end]
}

// PeerAddr returns the address that reaches the manager at an end over
// the given network.
func (p *LinkedManagers) PeerAddr(end int, network Network) PeerAddress {
	return PeerAddress{
		Network: network,
		Addr:    LinkAddr{End: end, Port: p.port},
	}
}

// UDPLink returns the UDP link, for impairment configuration.
func (p *LinkedManagers) UDPLink() *Link { return p.udpLink }

// TCPLink returns the TCP link.
func (p *LinkedManagers) TCPLink() *Link { return p.tcpLink }

// Close stops both managers and closes the links.
func (p *LinkedManagers) Close() error {
	for _, mgr := range p.managers {
		if mgr != nil {
			mgr.Stop()
		}
	}
	if p.udpLink != nil {
		p.udpLink.Close()
	}
	if p.tcpLink != nil {
		p.tcpLink.Close()
	}
	return nil
}
