package transport

import (
	"fmt"
	"net"

	"github.com/pion/logging"
)

// Manager runs the enabled transports behind one Send/Handler surface.
// Outbound routing follows the peer address's Network.
type Manager struct {
	udp *UDP
	tcp *TCP
}

// ManagerConfig configures the transport manager.
type ManagerConfig struct {
	// Port is the listen port for both transports (0 uses DefaultPort).
	Port int

	// DisableUDP and DisableTCP turn individual transports off. Both
	// run by default.
	DisableUDP bool
	DisableTCP bool

	// Handler receives every inbound message. Required.
	Handler Handler

	// UDPConn and TCPListener substitute pre-built endpoints, for pipe
	// links in tests.
	UDPConn     net.PacketConn
	TCPListener net.Listener

	// LoggerFactory provides transport loggers. Nil uses the pion
	// default factory.
	LoggerFactory logging.LoggerFactory
}

// NewManager builds the enabled transports. Nothing listens until
// Start.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Handler == nil {
		return nil, ErrNoHandler
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	listenAddr := fmt.Sprintf(":%d", cfg.Port)

	m := &Manager{}
	if !cfg.DisableUDP {
		udp, err := NewUDP(UDPConfig{
			Conn:          cfg.UDPConn,
			ListenAddr:    listenAddr,
			Handler:       cfg.Handler,
			LoggerFactory: cfg.LoggerFactory,
		})
		if err != nil {
			return nil, fmt.Errorf("udp: %w", err)
		}
		m.udp = udp
	}
	if !cfg.DisableTCP {
		tcp, err := NewTCP(TCPConfig{
			Listener:      cfg.TCPListener,
			ListenAddr:    listenAddr,
			Handler:       cfg.Handler,
			LoggerFactory: cfg.LoggerFactory,
		})
		if err != nil {
			if m.udp != nil {
				m.udp.Stop()
			}
			return nil, fmt.Errorf("tcp: %w", err)
		}
		m.tcp = tcp
	}
	return m, nil
}

// Start begins listening on all enabled transports.
func (m *Manager) Start() error {
	if m.udp != nil {
		if err := m.udp.Start(); err != nil {
			return err
		}
	}
	if m.tcp != nil {
		if err := m.tcp.Start(); err != nil {
			if m.udp != nil {
				m.udp.Stop()
			}
			return err
		}
	}
	return nil
}

// Stop shuts down all enabled transports.
func (m *Manager) Stop() error {
	var first error
	if m.udp != nil {
		if err := m.udp.Stop(); err != nil && err != ErrClosed && first == nil {
			first = err
		}
	}
	if m.tcp != nil {
		if err := m.tcp.Stop(); err != nil && err != ErrClosed && first == nil {
			first = err
		}
	}
	return first
}

// Send routes one encoded message to the peer.
func (m *Manager) Send(data []byte, peer PeerAddress) error {
	if !peer.IsValid() {
		return ErrBadAddress
	}
	switch peer.Network {
	case NetworkUDP:
		if m.udp == nil {
			return ErrNotEnabled
		}
		return m.udp.Send(data, peer.Addr)
	case NetworkTCP:
		if m.tcp == nil {
			return ErrNotEnabled
		}
		return m.tcp.Send(data, peer.Addr)
	default:
		return ErrBadAddress
	}
}

// LocalAddrs returns the addresses the manager listens on.
func (m *Manager) LocalAddrs() []net.Addr {
	var addrs []net.Addr
	if m.udp != nil {
		addrs = append(addrs, m.udp.LocalAddr())
	}
	if m.tcp != nil {
		addrs = append(addrs, m.tcp.LocalAddr())
	}
	return addrs
}

// UDP returns the UDP transport, or nil when disabled.
func (m *Manager) UDP() *UDP { return m.udp }

// TCP returns the TCP transport, or nil when disabled.
func (m *Manager) TCP() *TCP { return m.tcp }
