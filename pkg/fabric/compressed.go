package fabric

import (
	"encoding/binary"
	"errors"

	"github.com/hearthlink/matter/pkg/crypto"
)

var (
	ErrBadRootPublicKey = errors.New("fabric: root public key must be 64 or 65 bytes")
	ErrBadFabricID      = errors.New("fabric: fabric ID must be non-zero")
	ErrBadIPK           = errors.New("fabric: IPK epoch key must be 16 bytes")
)

var (
	compressedFabricInfo = []byte("CompressedFabric")
	groupKeyInfo         = []byte("GroupKey v1.0")
)

// CompressFabricID derives the 8-byte compressed fabric identifier
// (Spec Section 4.3.2.2):
//
//	HKDF-SHA256(rootPublicKey[1:], salt=FabricID BE, info="CompressedFabric", 8)
//
// rootPublicKey may be the 65-byte uncompressed point or the raw 64
// coordinate bytes.
func CompressFabricID(rootPublicKey []byte, fabricID FabricID) ([CompressedFabricIDSize]byte, error) {
	var out [CompressedFabricIDSize]byte
	if !fabricID.IsValid() {
		return out, ErrBadFabricID
	}

	switch len(rootPublicKey) {
	case RootPublicKeySize - 1:
	case RootPublicKeySize:
		if rootPublicKey[0] != 0x04 {
			return out, ErrBadRootPublicKey
		}
		rootPublicKey = rootPublicKey[1:]
	default:
		return out, ErrBadRootPublicKey
	}

	var salt [8]byte
	binary.BigEndian.PutUint64(salt[:], uint64(fabricID))

	derived, err := crypto.HKDFSHA256(rootPublicKey, salt[:], compressedFabricInfo, CompressedFabricIDSize)
	if err != nil {
		return out, err
	}
	copy(out[:], derived)
	return out, nil
}

// DeriveOperationalIPK turns the IPK epoch key distributed at
// commissioning into the operational key used by CASE
// (Spec Section 4.15.2):
//
//	HKDF-SHA256(epochKey, salt=CompressedFabricID, info="GroupKey v1.0", 16)
func DeriveOperationalIPK(epochKey []byte, compressedID [CompressedFabricIDSize]byte) ([IPKSize]byte, error) {
	var out [IPKSize]byte
	if len(epochKey) != IPKSize {
		return out, ErrBadIPK
	}
	derived, err := crypto.HKDFSHA256(epochKey, compressedID[:], groupKeyInfo, IPKSize)
	if err != nil {
		return out, err
	}
	copy(out[:], derived)
	return out, nil
}
