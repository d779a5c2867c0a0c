package transport

import (
	"net"
	"sync"
	"time"

	"github.com/pion/logging"

	"github.com/hearthlink/matter/pkg/wire"
)

// UDP is the datagram transport. One read loop delivers each datagram
// to the configured Handler.
type UDP struct {
	conn    net.PacketConn
	handler Handler
	log     logging.LeveledLogger

	done chan struct{}
	wg   sync.WaitGroup

	mu      sync.Mutex
	started bool
	closed  bool
}

// UDPConfig configures the UDP transport.
type UDPConfig struct {
	// Conn, when set, is used instead of opening a new socket. Pipe
	// links use this for in-memory tests.
	Conn net.PacketConn

	// ListenAddr is the listen address when Conn is nil. Empty means an
	// ephemeral port.
	ListenAddr string

	// Handler receives every datagram. Required.
	Handler Handler

	// LoggerFactory provides the transport logger. Nil uses the pion
	// default factory.
	LoggerFactory logging.LoggerFactory
}

// NewUDP opens the UDP transport. The read loop does not run until
// Start.
func NewUDP(cfg UDPConfig) (*UDP, error) {
	if cfg.Handler == nil {
		return nil, ErrNoHandler
	}
	lf := cfg.LoggerFactory
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}

	u := &UDP{
		conn:    cfg.Conn,
		handler: cfg.Handler,
		log:     lf.NewLogger("transport-udp"),
		done:    make(chan struct{}),
	}
	if u.conn == nil {
		addr := cfg.ListenAddr
		if addr == "" {
			addr = ":0"
		}
		conn, err := net.ListenPacket("udp", addr)
		if err != nil {
			return nil, err
		}
		u.conn = conn
	}
	return u, nil
}

// Start launches the read loop.
func (u *UDP) Start() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return ErrClosed
	}
	if u.started {
		return ErrAlreadyStarted
	}
	u.started = true

	u.log.Infof("listening on %s", u.conn.LocalAddr())
	u.wg.Add(1)
	go u.readLoop()
	return nil
}

// Stop closes the socket and waits for the read loop to exit.
func (u *UDP) Stop() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return ErrClosed
	}
	u.closed = true
	u.mu.Unlock()

	close(u.done)
	u.conn.SetReadDeadline(time.Now())
	u.conn.Close()
	u.wg.Wait()
	return nil
}

// Send transmits one message as a single datagram.
func (u *UDP) Send(data []byte, addr net.Addr) error {
	u.mu.Lock()
	closed := u.closed
	u.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if addr == nil {
		return ErrBadAddress
	}
	if len(data) > wire.MaxUDPMessageSize {
		return ErrTooLong
	}

	u.log.Tracef("send %d bytes to %s", len(data), addr)
	_, err := u.conn.WriteTo(data, addr)
	return err
}

// LocalAddr returns the bound socket address.
func (u *UDP) LocalAddr() net.Addr {
	return u.conn.LocalAddr()
}

func (u *UDP) readLoop() {
	defer u.wg.Done()

	buf := make([]byte, wire.MaxUDPMessageSize)
	for {
		n, addr, err := u.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-u.done:
				return
			default:
				u.log.Warnf("read error: %v", err)
				continue
			}
		}
		if n == 0 {
			continue
		}

		u.log.Tracef("recv %d bytes from %s", n, addr)
		data := make([]byte, n)
		copy(data, buf[:n])
		u.handler(&Inbound{Data: data, Peer: UDPPeer(addr)})
	}
}
