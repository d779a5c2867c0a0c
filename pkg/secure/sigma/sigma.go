// Package sigma implements Certificate-Authenticated Session
// Establishment: the SIGMA-style handshake that builds operational
// secure sessions between two commissioned nodes on a shared fabric.
//
// See Matter Specification Section 4.14.2.
//
// The full flow over an unsecured exchange:
//
//	Initiator                           Responder
//	Sigma1              ------------->
//	                    <-------------  Sigma2 (or Sigma2Resume)
//	Sigma3              ------------->
//	                    <-------------  StatusReport
//
// Both sides prove possession of their node operational key and verify
// the peer's certificate chain against the shared trusted root. A
// completed session leaves behind a resumption record; a later Sigma1
// carrying its resumption ID can shortcut the handshake to two
// messages without any certificate work.
package sigma

import (
	"errors"
	"sync"

	"github.com/hearthlink/matter/pkg/fabric"
)

// Protocol sizes (Spec Section 4.14.2).
const (
	RandomSize               = 32
	ResumptionIDSize         = 16
	DestinationIDSize        = 32
	MICSize                  = 16
	SessionKeySize           = 16
	AttestationChallengeSize = 16
)

// Fixed nonces for the handshake AEAD operations, 13 bytes each.
var (
	nonceSigma2  = []byte("NCASE_Sigma2N")
	nonceSigma3  = []byte("NCASE_Sigma3N")
	nonceResume1 = []byte("NCASE_SigmaS1")
	nonceResume2 = []byte("NCASE_SigmaS2")
)

// HKDF info strings.
var (
	infoS2K         = []byte("Sigma2")
	infoS3K         = []byte("Sigma3")
	infoS1RK        = []byte("Sigma1_Resume")
	infoS2RK        = []byte("Sigma2_Resume")
	infoSessionKeys = []byte("SessionKeys")
)

// Errors. Verification failures are deliberately distinct so a trust
// problem (no shared root, broken chain) never masquerades as a forged
// signature or vice versa.
var (
	ErrBadState           = errors.New("sigma: operation not valid in current state")
	ErrBadMessage         = errors.New("sigma: malformed message")
	ErrNoSharedTrustRoots = errors.New("sigma: no local fabric matches the destination identifier")
	ErrDecryptFailed      = errors.New("sigma: handshake payload decryption failed")
	ErrPeerIdentity       = errors.New("sigma: peer certificate identity mismatch")
	ErrSignature          = errors.New("sigma: handshake signature verification failed")
	ErrNotEstablished     = errors.New("sigma: handshake not complete")
)

// SessionKeys is the HKDF output of a successful handshake.
type SessionKeys struct {
	I2RKey               [SessionKeySize]byte
	R2IKey               [SessionKeySize]byte
	AttestationChallenge [AttestationChallengeSize]byte
}

// PeerIdentity names the authenticated peer of a completed handshake.
type PeerIdentity struct {
	FabricID fabric.FabricID
	NodeID   fabric.NodeID
}

// ValidateChainFunc verifies a peer's operational certificate chain
// against the local trusted root and returns the decoded node
// certificate. The default is fabric.ValidateChain; deployments with
// another certificate encoding plug in their own.
type ValidateChainFunc func(noc, icac, root []byte,
	trustedRootKey [fabric.RootPublicKeySize]byte) (*fabric.Certificate, error)

// ResumptionRecord is what a completed handshake leaves behind: enough
// to shortcut the next establishment with the same peer.
type ResumptionRecord struct {
	ResumptionID [ResumptionIDSize]byte
	SharedSecret []byte
	FabricIndex  fabric.FabricIndex
	Peer         PeerIdentity
}

// ResumptionCache holds resumption records by ID on the responder and
// by peer on the initiator.
type ResumptionCache struct {
	mu      sync.Mutex
	byID    map[[ResumptionIDSize]byte]*ResumptionRecord
	byPeer  map[PeerIdentity]*ResumptionRecord
	maxSize int
}

// DefaultResumptionCacheSize bounds retained records.
const DefaultResumptionCacheSize = 16

// NewResumptionCache returns an empty cache.
func NewResumptionCache() *ResumptionCache {
	return &ResumptionCache{
		byID:    make(map[[ResumptionIDSize]byte]*ResumptionRecord),
		byPeer:  make(map[PeerIdentity]*ResumptionRecord),
		maxSize: DefaultResumptionCacheSize,
	}
}

// Store inserts a record, replacing any previous one for the same peer.
func (c *ResumptionCache) Store(rec *ResumptionRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.byPeer[rec.Peer]; ok {
		delete(c.byID, old.ResumptionID)
	}
	// Simple bound: drop an arbitrary record when full.
	if len(c.byID) >= c.maxSize {
		for id, old := range c.byID {
			delete(c.byID, id)
			delete(c.byPeer, old.Peer)
			break
		}
	}
	c.byID[rec.ResumptionID] = rec
	c.byPeer[rec.Peer] = rec
}

// ByID looks up a record by resumption ID.
func (c *ResumptionCache) ByID(id [ResumptionIDSize]byte) (*ResumptionRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.byID[id]
	return rec, ok
}

// ByPeer looks up a record by peer identity.
func (c *ResumptionCache) ByPeer(peer PeerIdentity) (*ResumptionRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.byPeer[peer]
	return rec, ok
}

// Delete removes a record.
func (c *ResumptionCache) Delete(id [ResumptionIDSize]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.byID[id]; ok {
		delete(c.byID, id)
		delete(c.byPeer, rec.Peer)
	}
}
