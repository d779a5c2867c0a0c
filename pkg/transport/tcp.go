package transport

import (
	"io"
	"net"
	"sync"

	"github.com/pion/logging"

	"github.com/hearthlink/matter/pkg/wire"
)

// TCP is the stream transport. It maintains one connection per peer,
// framing messages with the 4-byte length prefix (Spec Section 4.5.1).
// Outbound sends dial on demand and reuse existing connections.
type TCP struct {
	listener net.Listener
	handler  Handler
	log      logging.LeveledLogger

	done chan struct{}
	wg   sync.WaitGroup

	connMu sync.Mutex
	conns  map[string]*streamConn

	mu      sync.Mutex
	started bool
	closed  bool
}

// streamConn pairs a connection with its framing codecs. The write lock
// keeps concurrent frames from interleaving.
type streamConn struct {
	conn    net.Conn
	reader  *wire.StreamReader
	writeMu sync.Mutex
	writer  *wire.StreamWriter
}

// TCPConfig configures the TCP transport.
type TCPConfig struct {
	// Listener, when set, is used instead of opening a new one.
	Listener net.Listener

	// ListenAddr is the listen address when Listener is nil. Empty
	// means an ephemeral port.
	ListenAddr string

	// Handler receives every framed message. Required.
	Handler Handler

	// LoggerFactory provides the transport logger. Nil uses the pion
	// default factory.
	LoggerFactory logging.LoggerFactory
}

// NewTCP opens the TCP transport. The accept loop does not run until
// Start.
func NewTCP(cfg TCPConfig) (*TCP, error) {
	if cfg.Handler == nil {
		return nil, ErrNoHandler
	}
	lf := cfg.LoggerFactory
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}

	t := &TCP{
		listener: cfg.Listener,
		handler:  cfg.Handler,
		log:      lf.NewLogger("transport-tcp"),
		done:     make(chan struct{}),
		conns:    make(map[string]*streamConn),
	}
	if t.listener == nil {
		addr := cfg.ListenAddr
		if addr == "" {
			addr = ":0"
		}
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, err
		}
		t.listener = listener
	}
	return t, nil
}

// Start launches the accept loop.
func (t *TCP) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.started {
		return ErrAlreadyStarted
	}
	t.started = true

	t.log.Infof("listening on %s", t.listener.Addr())
	t.wg.Add(1)
	go t.acceptLoop()
	return nil
}

// Stop closes the listener and all peer connections.
func (t *TCP) Stop() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.closed = true
	t.mu.Unlock()

	close(t.done)
	t.listener.Close()

	t.connMu.Lock()
	for _, sc := range t.conns {
		sc.conn.Close()
	}
	t.conns = make(map[string]*streamConn)
	t.connMu.Unlock()

	t.wg.Wait()
	return nil
}

// Send frames one message to the peer, dialing if no connection exists.
func (t *TCP) Send(data []byte, addr net.Addr) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if addr == nil {
		return ErrBadAddress
	}

	sc, err := t.peerConn(addr)
	if err != nil {
		return err
	}

	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	t.log.Tracef("send %d bytes to %s", len(data), addr)
	return sc.writer.WriteMessage(data)
}

// LocalAddr returns the listener address.
func (t *TCP) LocalAddr() net.Addr {
	return t.listener.Addr()
}

// Attach registers an established connection and starts reading from
// it. Used for pipe links in tests.
func (t *TCP) Attach(conn net.Conn) {
	sc := t.track(conn)
	t.wg.Add(1)
	go t.readLoop(sc)
}

func (t *TCP) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.done:
				return
			default:
				continue
			}
		}
		t.Attach(conn)
	}
}

func (t *TCP) readLoop(sc *streamConn) {
	defer t.wg.Done()
	remote := sc.conn.RemoteAddr()
	defer func() {
		sc.conn.Close()
		t.connMu.Lock()
		delete(t.conns, remote.String())
		t.connMu.Unlock()
	}()

	for {
		data, err := sc.reader.ReadMessage()
		if err != nil {
			if err != io.EOF {
				select {
				case <-t.done:
				default:
					t.log.Warnf("read from %s: %v", remote, err)
				}
			}
			return
		}
		t.log.Tracef("recv %d bytes from %s", len(data), remote)
		t.handler(&Inbound{Data: data, Peer: TCPPeer(remote)})
	}
}

func (t *TCP) track(conn net.Conn) *streamConn {
	sc := &streamConn{
		conn:   conn,
		reader: wire.NewStreamReader(conn),
		writer: wire.NewStreamWriter(conn),
	}
	t.connMu.Lock()
	t.conns[conn.RemoteAddr().String()] = sc
	t.connMu.Unlock()
	return sc
}

func (t *TCP) peerConn(addr net.Addr) (*streamConn, error) {
	key := addr.String()

	t.connMu.Lock()
	sc, ok := t.conns[key]
	t.connMu.Unlock()
	if ok {
		return sc, nil
	}

	conn, err := net.Dial("tcp", key)
	if err != nil {
		return nil, err
	}

	t.connMu.Lock()
	if existing, ok := t.conns[key]; ok {
		// Lost the dial race; use the other connection.
		t.connMu.Unlock()
		conn.Close()
		return existing, nil
	}
	sc = &streamConn{
		conn:   conn,
		reader: wire.NewStreamReader(conn),
		writer: wire.NewStreamWriter(conn),
	}
	t.conns[key] = sc
	t.connMu.Unlock()

	t.wg.Add(1)
	go t.readLoop(sc)
	return sc, nil
}
