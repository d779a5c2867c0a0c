package session

import (
	"sync"

	"github.com/hearthlink/matter/pkg/fabric"
)

// Session ID allocation bounds. ID 0 is the unsecured session.
const (
	MinSessionID uint16 = 1

	// DefaultMaxSessions caps concurrent secure sessions.
	DefaultMaxSessions = 16
)

// Table indexes active secure sessions by local session ID and hands
// out unused IDs. Safe for concurrent use.
type Table struct {
	mu       sync.RWMutex
	sessions map[uint16]*SecureContext
	max      int
	nextID   uint16
}

// NewTable creates a table capped at max sessions (0 uses
// DefaultMaxSessions).
func NewTable(max int) *Table {
	if max <= 0 {
		max = DefaultMaxSessions
	}
	return &Table{
		sessions: make(map[uint16]*SecureContext),
		max:      max,
		nextID:   MinSessionID,
	}
}

// AllocateID reserves nothing but returns a session ID currently unused
// by any active session. The caller installs the session with Add once
// establishment completes.
func (t *Table) AllocateID() (uint16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.sessions) >= t.max {
		return 0, ErrTableFull
	}

	start := t.nextID
	for {
		id := t.nextID
		t.nextID++
		if t.nextID == 0 {
			t.nextID = MinSessionID
		}
		if _, taken := t.sessions[id]; !taken {
			return id, nil
		}
		if t.nextID == start {
			return 0, ErrIDExhausted
		}
	}
}

// Add installs an established session under its local session ID.
func (t *Table) Add(ctx *SecureContext) error {
	if ctx == nil || ctx.LocalSessionID() == 0 {
		return ErrBadSessionID
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.sessions) >= t.max {
		return ErrTableFull
	}
	id := ctx.LocalSessionID()
	if _, taken := t.sessions[id]; taken {
		return ErrDuplicateSession
	}
	t.sessions[id] = ctx
	return nil
}

// Remove drops the session with the given local ID, if present.
func (t *Table) Remove(localSessionID uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, localSessionID)
}

// ByLocalID returns the session with the given local ID, or nil.
func (t *Table) ByLocalID(id uint16) *SecureContext {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessions[id]
}

// ByPeer returns all sessions bound to a peer on a fabric.
func (t *Table) ByPeer(index fabric.FabricIndex, nodeID fabric.NodeID) []*SecureContext {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*SecureContext
	for _, ctx := range t.sessions {
		if ctx.FabricIndex() == index && ctx.PeerNodeID() == nodeID {
			out = append(out, ctx)
		}
	}
	return out
}

// ByFabric returns all sessions bound to a fabric.
func (t *Table) ByFabric(index fabric.FabricIndex) []*SecureContext {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*SecureContext
	for _, ctx := range t.sessions {
		if ctx.FabricIndex() == index {
			out = append(out, ctx)
		}
	}
	return out
}

// Count returns the number of active sessions.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// Full reports whether the table is at capacity.
func (t *Table) Full() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions) >= t.max
}

// ForEach visits sessions until fn returns false.
func (t *Table) ForEach(fn func(*SecureContext) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, ctx := range t.sessions {
		if !fn(ctx) {
			return
		}
	}
}
