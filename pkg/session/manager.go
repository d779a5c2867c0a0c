package session

import (
	"github.com/hearthlink/matter/pkg/fabric"
	"github.com/hearthlink/matter/pkg/wire"
)

// Manager is the session layer's front door: it owns the secure session
// table and the global counter that numbers unsecured messages, and
// enforces key zeroization on every removal path.
type Manager struct {
	table     *Table
	counter   *wire.GlobalCounter
	onDropped func(*SecureContext)
}

// ManagerConfig configures the session manager.
type ManagerConfig struct {
	// MaxSessions caps concurrent secure sessions (0 uses
	// DefaultMaxSessions).
	MaxSessions int

	// OnDropped fires after a session is closed and removed from the
	// table, on every teardown path except Clear. The context's keys
	// are already zeroized when it runs.
	OnDropped func(*SecureContext)
}

// NewManager creates a session manager.
func NewManager(cfg ManagerConfig) *Manager {
	return &Manager{
		table:     NewTable(cfg.MaxSessions),
		counter:   wire.NewGlobalCounter(),
		onDropped: cfg.OnDropped,
	}
}

// AllocateSessionID returns a local session ID free for a new
// establishment.
func (m *Manager) AllocateSessionID() (uint16, error) {
	return m.table.AllocateID()
}

// Install adds an established session to the table.
func (m *Manager) Install(ctx *SecureContext) error {
	return m.table.Add(ctx)
}

// Drop closes (zeroizing keys) and removes the session with the given
// local ID.
func (m *Manager) Drop(localSessionID uint16) {
	ctx := m.table.ByLocalID(localSessionID)
	if ctx == nil {
		return
	}
	ctx.Close()
	m.table.Remove(localSessionID)
	if m.onDropped != nil {
		m.onDropped(ctx)
	}
}

// ByLocalID returns the session a message's session ID routes to, or
// nil.
func (m *Manager) ByLocalID(id uint16) *SecureContext {
	return m.table.ByLocalID(id)
}

// ByPeer returns all sessions to a peer on a fabric.
func (m *Manager) ByPeer(index fabric.FabricIndex, nodeID fabric.NodeID) []*SecureContext {
	return m.table.ByPeer(index, nodeID)
}

// Count returns the number of active secure sessions.
func (m *Manager) Count() int {
	return m.table.Count()
}

// Full reports whether another session can be established.
func (m *Manager) Full() bool {
	return m.table.Full()
}

// NextUnsecuredCounter numbers an outgoing unsecured message.
func (m *Manager) NextUnsecuredCounter() (uint32, error) {
	return m.counter.Next()
}

// DropFabric tears down every session bound to a fabric, zeroizing
// keys. Used when the fabric is removed from the node.
func (m *Manager) DropFabric(index fabric.FabricIndex) {
	for _, ctx := range m.table.ByFabric(index) {
		ctx.Close()
		m.table.Remove(ctx.LocalSessionID())
		if m.onDropped != nil {
			m.onDropped(ctx)
		}
	}
}

// DropPeer tears down every session to a peer.
func (m *Manager) DropPeer(index fabric.FabricIndex, nodeID fabric.NodeID) {
	for _, ctx := range m.table.ByPeer(index, nodeID) {
		ctx.Close()
		m.table.Remove(ctx.LocalSessionID())
		if m.onDropped != nil {
			m.onDropped(ctx)
		}
	}
}

// Clear tears down all sessions.
func (m *Manager) Clear() {
	m.table.ForEach(func(ctx *SecureContext) bool {
		ctx.Close()
		return true
	})
	m.table = NewTable(m.table.max)
	m.counter = wire.NewGlobalCounter()
}

// ForEach visits each secure session until fn returns false.
func (m *Manager) ForEach(fn func(*SecureContext) bool) {
	m.table.ForEach(fn)
}
