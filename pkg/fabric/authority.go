package fabric

import (
	"io"

	"github.com/hearthlink/matter/pkg/crypto"
)

// CertificateAuthority mints operational certificate chains: a
// self-signed root plus node (and optionally intermediate) certificates
// under it. It backs commissioning flows and test fixtures; production
// roots would live in an external CA.
type CertificateAuthority struct {
	// ID is the CA identifier placed in issuer/subject fields.
	ID uint64

	// Key signs everything the authority issues.
	Key *crypto.KeyPair

	// RootCert is the encoded self-signed root certificate.
	RootCert []byte

	serial uint64
}

// NewCertificateAuthority generates a root key and self-signs the root
// certificate. rand may be nil to use crypto/rand.
func NewCertificateAuthority(id uint64, rand io.Reader) (*CertificateAuthority, error) {
	key, err := crypto.GenerateKeyPair(rand)
	if err != nil {
		return nil, err
	}
	ca := &CertificateAuthority{ID: id, Key: key}

	root := &Certificate{
		Type:    CertTypeRoot,
		Serial:  ca.nextSerial(),
		Issuer:  id,
		Subject: id,
	}
	copy(root.PublicKey[:], key.PublicKey())
	if err := root.Sign(key); err != nil {
		return nil, err
	}
	ca.RootCert, err = root.Encode()
	if err != nil {
		return nil, err
	}
	return ca, nil
}

// RootPublicKey returns the trusted root key for chain validation.
func (ca *CertificateAuthority) RootPublicKey() [RootPublicKeySize]byte {
	var k [RootPublicKeySize]byte
	copy(k[:], ca.Key.PublicKey())
	return k
}

// IssueICA mints an intermediate certificate for the given subject key.
func (ca *CertificateAuthority) IssueICA(id uint64, subjectKey []byte) ([]byte, error) {
	if err := crypto.ValidatePublicKey(subjectKey); err != nil {
		return nil, err
	}
	cert := &Certificate{
		Type:    CertTypeICA,
		Serial:  ca.nextSerial(),
		Issuer:  ca.ID,
		Subject: id,
	}
	copy(cert.PublicKey[:], subjectKey)
	if err := cert.Sign(ca.Key); err != nil {
		return nil, err
	}
	return cert.Encode()
}

// IssueNOC mints a node operational certificate for the given subject
// key, signed by signerKey under signerID (the root, or an intermediate
// previously issued with IssueICA).
func (ca *CertificateAuthority) IssueNOC(signerID uint64, signerKey *crypto.KeyPair,
	fabricID FabricID, nodeID NodeID, subjectKey []byte) ([]byte, error) {
	if !fabricID.IsValid() {
		return nil, ErrBadFabricID
	}
	if !nodeID.IsOperational() {
		return nil, ErrBadNodeID
	}
	if err := crypto.ValidatePublicKey(subjectKey); err != nil {
		return nil, err
	}
	cert := &Certificate{
		Type:     CertTypeNode,
		Serial:   ca.nextSerial(),
		Issuer:   signerID,
		Subject:  uint64(nodeID),
		FabricID: fabricID,
		NodeID:   nodeID,
	}
	copy(cert.PublicKey[:], subjectKey)
	if err := cert.Sign(signerKey); err != nil {
		return nil, err
	}
	return cert.Encode()
}

// IssueIdentity generates an operational key pair and mints a complete
// root-signed membership for one node, ready for NewIdentity.
func (ca *CertificateAuthority) IssueIdentity(index FabricIndex, fabricID FabricID,
	nodeID NodeID, ipkEpochKey []byte) (*Identity, error) {
	opKey, err := crypto.GenerateKeyPair(nil)
	if err != nil {
		return nil, err
	}
	noc, err := ca.IssueNOC(ca.ID, ca.Key, fabricID, nodeID, opKey.PublicKey())
	if err != nil {
		return nil, err
	}
	return NewIdentity(IdentityConfig{
		Index:          index,
		FabricID:       fabricID,
		NodeID:         nodeID,
		RootCert:       ca.RootCert,
		NOC:            noc,
		RootPublicKey:  ca.Key.PublicKey(),
		OperationalKey: opKey,
		IPKEpochKey:    ipkEpochKey,
	})
}

func (ca *CertificateAuthority) nextSerial() uint64 {
	ca.serial++
	return ca.serial
}
