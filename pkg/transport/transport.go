// Package transport moves raw Matter messages between nodes over UDP
// and TCP. It knows nothing about sessions or exchanges: received
// datagrams and stream frames are handed to a single Handler as opaque
// byte slices, and Send takes fully encoded messages.
//
// TCP messages are framed with the 4-byte length prefix from
// Spec Section 4.5.1; UDP datagrams carry exactly one message.
package transport

import (
	"errors"
	"fmt"
	"net"
)

// DefaultPort is the IANA-assigned Matter port (Spec Section 2.5.6.3).
const DefaultPort = 5540

// Errors returned by the transport package.
var (
	ErrClosed         = errors.New("transport: closed")
	ErrNotStarted     = errors.New("transport: not started")
	ErrAlreadyStarted = errors.New("transport: already started")
	ErrBadAddress     = errors.New("transport: invalid peer address")
	ErrNoHandler      = errors.New("transport: handler is required")
	ErrTooLong        = errors.New("transport: message exceeds transport limit")
	ErrNotEnabled     = errors.New("transport: network not enabled")
)

// Network selects the transport protocol for a peer address.
type Network int

const (
	NetworkUnknown Network = iota
	NetworkUDP
	NetworkTCP
)

func (n Network) String() string {
	switch n {
	case NetworkUDP:
		return "udp"
	case NetworkTCP:
		return "tcp"
	default:
		return "unknown"
	}
}

// IsValid reports whether the network is a defined value.
func (n Network) IsValid() bool {
	return n == NetworkUDP || n == NetworkTCP
}

// PeerAddress identifies a remote node by network address and protocol.
// MRP retransmissions apply only to NetworkUDP peers.
type PeerAddress struct {
	Network Network
	Addr    net.Addr
}

// UDPPeer builds a UDP peer address.
func UDPPeer(addr net.Addr) PeerAddress {
	return PeerAddress{Network: NetworkUDP, Addr: addr}
}

// TCPPeer builds a TCP peer address.
func TCPPeer(addr net.Addr) PeerAddress {
	return PeerAddress{Network: NetworkTCP, Addr: addr}
}

// ResolveUDPPeer parses host:port into a UDP peer address.
func ResolveUDPPeer(addr string) (PeerAddress, error) {
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return PeerAddress{}, err
	}
	return UDPPeer(ua), nil
}

// ResolveTCPPeer parses host:port into a TCP peer address.
func ResolveTCPPeer(addr string) (PeerAddress, error) {
	ta, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return PeerAddress{}, err
	}
	return TCPPeer(ta), nil
}

// IsValid reports whether the address can be sent to.
func (p PeerAddress) IsValid() bool {
	return p.Network.IsValid() && p.Addr != nil
}

func (p PeerAddress) String() string {
	if p.Addr == nil {
		return fmt.Sprintf("%s:<nil>", p.Network)
	}
	return fmt.Sprintf("%s:%s", p.Network, p.Addr)
}

// Inbound is one message received from the network, exactly as it
// appeared on the wire (headers, payload, and MIC for secure messages).
type Inbound struct {
	Data []byte
	Peer PeerAddress
}

// Handler receives inbound messages. It is called from the transport's
// read loop and must not block for long.
type Handler func(in *Inbound)
