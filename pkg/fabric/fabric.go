// Package fabric holds the operational identities a node has been
// commissioned into. A fabric is a security domain rooted in a CA
// certificate and a 64-bit fabric ID; the node's membership in it is an
// Identity carrying its operational certificate, node ID, and the
// identity protection key used by session establishment.
package fabric

import "fmt"

// FabricIndex is the local 8-bit handle for a commissioned fabric.
// Valid values are 1-254; 0 means unassigned (Spec Section 7.5.2).
type FabricIndex uint8

const (
	FabricIndexInvalid FabricIndex = 0
	FabricIndexMin     FabricIndex = 1
	FabricIndexMax     FabricIndex = 254
)

// IsValid reports whether the index is in the assignable range.
func (f FabricIndex) IsValid() bool {
	return f >= FabricIndexMin && f <= FabricIndexMax
}

func (f FabricIndex) String() string {
	if f == FabricIndexInvalid {
		return "FabricIndex(unassigned)"
	}
	return fmt.Sprintf("FabricIndex(%d)", uint8(f))
}

// FabricID is the 64-bit fabric identifier scoped to a root CA.
// Zero is reserved (Spec Section 2.5.1).
type FabricID uint64

// IsValid reports whether the fabric ID is non-zero.
func (f FabricID) IsValid() bool {
	return f != 0
}

func (f FabricID) String() string {
	return fmt.Sprintf("FabricID(0x%016X)", uint64(f))
}

// NodeID is a 64-bit node identifier. Operational node IDs occupy
// [0x1, 0xFFFF_FFFE_FFFF_FFFD] (Spec Section 2.5.5.1).
type NodeID uint64

const (
	NodeIDUnspecified    NodeID = 0
	NodeIDMinOperational NodeID = 0x0000_0000_0000_0001
	NodeIDMaxOperational NodeID = 0xFFFF_FFFE_FFFF_FFFD
)

// IsOperational reports whether the node ID is in the operational
// range.
func (n NodeID) IsOperational() bool {
	return n >= NodeIDMinOperational && n <= NodeIDMaxOperational
}

func (n NodeID) String() string {
	return fmt.Sprintf("NodeID(0x%016X)", uint64(n))
}

// VendorID is a 16-bit vendor identifier (Spec Section 2.5.3).
type VendorID uint16

const (
	VendorIDUnspecified VendorID = 0
	VendorIDTest1       VendorID = 0xFFF1
	VendorIDTest2       VendorID = 0xFFF2
)

// Sizes of fabric key material.
const (
	// CompressedFabricIDSize is the DNS-SD compressed fabric ID size.
	CompressedFabricIDSize = 8

	// RootPublicKeySize is the uncompressed P-256 root CA public key.
	RootPublicKeySize = 65

	// IPKSize is the identity protection key size.
	IPKSize = 16

	// MaxCertificateSize bounds a Matter TLV operational certificate
	// (Spec Section 6.1.3).
	MaxCertificateSize = 400
)
