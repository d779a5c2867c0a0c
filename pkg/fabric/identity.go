package fabric

import (
	"errors"
	"fmt"

	"github.com/hearthlink/matter/pkg/crypto"
)

var (
	ErrBadIndex       = errors.New("fabric: invalid fabric index")
	ErrBadNodeID      = errors.New("fabric: node ID outside operational range")
	ErrBadCertificate = errors.New("fabric: certificate missing or oversized")
)

// Identity is one commissioned fabric membership: the node's
// operational certificate chain, its identifiers within the fabric, and
// the keys session establishment needs. Certificates are carried as
// opaque Matter TLV blobs; chain validation is the credential
// verifier's concern.
type Identity struct {
	Index    FabricIndex
	FabricID FabricID
	NodeID   NodeID
	VendorID VendorID

	// Label is the user-assigned fabric label, up to 32 bytes.
	Label string

	// RootCert, NOC, and ICAC are Matter TLV certificates. ICAC is nil
	// when the chain has no intermediate.
	RootCert []byte
	NOC      []byte
	ICAC     []byte

	// RootPublicKey is the uncompressed P-256 public key of the root CA.
	RootPublicKey [RootPublicKeySize]byte

	// OperationalKey signs Sigma messages. Its public key must match
	// the NOC subject key.
	OperationalKey *crypto.KeyPair

	// CompressedID is derived from the root key and fabric ID.
	CompressedID [CompressedFabricIDSize]byte

	// IPKEpochKey is key set 0's epoch key from commissioning.
	IPKEpochKey [IPKSize]byte
}

// IdentityConfig carries the material needed to register a fabric
// membership.
type IdentityConfig struct {
	Index          FabricIndex
	FabricID       FabricID
	NodeID         NodeID
	VendorID       VendorID
	RootCert       []byte
	NOC            []byte
	ICAC           []byte
	RootPublicKey  []byte
	OperationalKey *crypto.KeyPair
	IPKEpochKey    []byte
}

// NewIdentity validates the config and builds an Identity, computing
// the compressed fabric ID.
func NewIdentity(cfg IdentityConfig) (*Identity, error) {
	if !cfg.Index.IsValid() {
		return nil, ErrBadIndex
	}
	if !cfg.FabricID.IsValid() {
		return nil, ErrBadFabricID
	}
	if !cfg.NodeID.IsOperational() {
		return nil, ErrBadNodeID
	}
	if len(cfg.NOC) == 0 || len(cfg.NOC) > MaxCertificateSize {
		return nil, ErrBadCertificate
	}
	if len(cfg.RootCert) == 0 || len(cfg.RootCert) > MaxCertificateSize {
		return nil, ErrBadCertificate
	}
	if len(cfg.ICAC) > MaxCertificateSize {
		return nil, ErrBadCertificate
	}
	if len(cfg.RootPublicKey) != RootPublicKeySize {
		return nil, ErrBadRootPublicKey
	}
	if len(cfg.IPKEpochKey) != IPKSize {
		return nil, ErrBadIPK
	}
	if cfg.OperationalKey == nil {
		return nil, errors.New("fabric: operational key required")
	}

	id := &Identity{
		Index:          cfg.Index,
		FabricID:       cfg.FabricID,
		NodeID:         cfg.NodeID,
		VendorID:       cfg.VendorID,
		RootCert:       append([]byte(nil), cfg.RootCert...),
		NOC:            append([]byte(nil), cfg.NOC...),
		OperationalKey: cfg.OperationalKey,
	}
	copy(id.RootPublicKey[:], cfg.RootPublicKey)
	copy(id.IPKEpochKey[:], cfg.IPKEpochKey)
	if cfg.ICAC != nil {
		id.ICAC = append([]byte(nil), cfg.ICAC...)
	}

	compressed, err := CompressFabricID(id.RootPublicKey[:], id.FabricID)
	if err != nil {
		return nil, err
	}
	id.CompressedID = compressed
	return id, nil
}

// OperationalIPK derives the operational identity protection key for
// this fabric.
func (id *Identity) OperationalIPK() ([IPKSize]byte, error) {
	return DeriveOperationalIPK(id.IPKEpochKey[:], id.CompressedID)
}

// HasICAC reports whether the chain includes an intermediate CA.
func (id *Identity) HasICAC() bool {
	return len(id.ICAC) > 0
}

func (id *Identity) String() string {
	return fmt.Sprintf("Identity{%v, %v, %v}", id.Index, id.FabricID, id.NodeID)
}
