package session

import (
	"crypto/rand"
	"encoding/binary"
	"sync"

	"github.com/hearthlink/matter/pkg/fabric"
	"github.com/hearthlink/matter/pkg/wire"
)

// UnsecuredContext is the per-handshake state of the unsecured session
// (session ID 0) used while PASE or CASE runs (Spec Section 4.13.2.1).
// It pairs an ephemeral node ID with replay tracking for unencrypted
// messages.
type UnsecuredContext struct {
	mu sync.Mutex

	role            Role
	ephemeralNodeID fabric.NodeID
	replay          *wire.ReplayWindow
	params          Params
}

// NewUnsecured creates an unsecured session context. Initiators draw a
// random ephemeral node ID; responders adopt the initiator's from its
// first message via SetEphemeralNodeID.
func NewUnsecured(role Role) (*UnsecuredContext, error) {
	if !role.IsValid() {
		return nil, ErrBadRole
	}
	ctx := &UnsecuredContext{
		role:   role,
		replay: wire.NewReplayWindow(),
		params: DefaultParams(),
	}
	if role == RoleInitiator {
		id, err := randomEphemeralNodeID()
		if err != nil {
			return nil, err
		}
		ctx.ephemeralNodeID = id
	}
	return ctx, nil
}

// Role returns the establishment role.
func (u *UnsecuredContext) Role() Role {
	return u.role
}

// EphemeralNodeID identifies this handshake in unsecured message
// source fields.
func (u *UnsecuredContext) EphemeralNodeID() fabric.NodeID {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.ephemeralNodeID
}

// SetEphemeralNodeID records the initiator's ephemeral ID on the
// responder side.
func (u *UnsecuredContext) SetEphemeralNodeID(id fabric.NodeID) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.ephemeralNodeID = id
}

// AdmitCounter applies the unencrypted-message replay policy
// (Spec 4.6.5.3) to an incoming counter.
func (u *UnsecuredContext) AdmitCounter(counter uint32) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.replay.AdmitUnencrypted(counter)
}

// Params returns the session's MRP parameters.
func (u *UnsecuredContext) Params() Params {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.params
}

// SetParams replaces the MRP parameters, typically with values learned
// from discovery records or a peer's parameter response.
func (u *UnsecuredContext) SetParams(p Params) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.params = p.WithDefaults()
}

// randomEphemeralNodeID picks a random node ID in the operational
// range.
func randomEphemeralNodeID() (fabric.NodeID, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	span := uint64(fabric.NodeIDMaxOperational) - uint64(fabric.NodeIDMinOperational) + 1
	v := binary.LittleEndian.Uint64(buf[:])%span + uint64(fabric.NodeIDMinOperational)
	return fabric.NodeID(v), nil
}
