package sigma

import (
	"crypto/subtle"
	"encoding/binary"

	"github.com/hearthlink/matter/pkg/crypto"
	"github.com/hearthlink/matter/pkg/fabric"
)

// ComputeDestinationID derives the Sigma1 destination identifier: an
// HMAC keyed with the fabric's identity protection key over the
// initiator random, the root CA public key, and the little-endian
// fabric and node IDs (Spec Section 4.14.2.4). Only a node on the same
// fabric holding the same IPK can recognize itself in it.
func ComputeDestinationID(ipk [fabric.IPKSize]byte, initiatorRandom [RandomSize]byte,
	rootPublicKey [fabric.RootPublicKeySize]byte,
	fabricID fabric.FabricID, nodeID fabric.NodeID) [DestinationIDSize]byte {

	msg := make([]byte, 0, RandomSize+fabric.RootPublicKeySize+16)
	msg = append(msg, initiatorRandom[:]...)
	msg = append(msg, rootPublicKey[:]...)
	msg = binary.LittleEndian.AppendUint64(msg, uint64(fabricID))
	msg = binary.LittleEndian.AppendUint64(msg, uint64(nodeID))

	var out [DestinationIDSize]byte
	copy(out[:], crypto.HMACSHA256(ipk[:], msg))
	return out
}

// MatchDestinationID reports whether a received destination identifier
// targets the given identity. The comparison is constant time.
func MatchDestinationID(candidate [DestinationIDSize]byte, id *fabric.Identity,
	initiatorRandom [RandomSize]byte) (bool, error) {

	ipk, err := id.OperationalIPK()
	if err != nil {
		return false, err
	}
	expected := ComputeDestinationID(ipk, initiatorRandom, id.RootPublicKey, id.FabricID, id.NodeID)
	return subtle.ConstantTimeCompare(expected[:], candidate[:]) == 1, nil
}
