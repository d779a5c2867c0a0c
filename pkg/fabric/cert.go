package fabric

import (
	"errors"
	"io"

	"github.com/hearthlink/matter/pkg/crypto"
	"github.com/hearthlink/matter/pkg/tlv"
)

// Certificate errors.
var (
	ErrCertDecode    = errors.New("fabric: malformed certificate")
	ErrCertType      = errors.New("fabric: wrong certificate type for position in chain")
	ErrCertSignature = errors.New("fabric: certificate signature verification failed")
	ErrCertIdentity  = errors.New("fabric: certificate subject mismatch")
	ErrCertChain     = errors.New("fabric: certificate chain does not terminate at the trusted root")
)

// CertType distinguishes the three positions in an operational chain.
type CertType uint8

const (
	CertTypeRoot CertType = 1
	CertTypeICA  CertType = 2
	CertTypeNode CertType = 3
)

func (t CertType) String() string {
	switch t {
	case CertTypeRoot:
		return "RCAC"
	case CertTypeICA:
		return "ICAC"
	case CertTypeNode:
		return "NOC"
	default:
		return "Unknown"
	}
}

// Certificate TLV context tags.
const (
	tagCertType      = 1
	tagCertSerial    = 2
	tagCertIssuer    = 3
	tagCertSubject   = 4
	tagCertFabricID  = 5
	tagCertNodeID    = 6
	tagCertPublicKey = 7
	tagCertSignature = 8
)

// Certificate is a Matter operational certificate in its TLV form: the
// to-be-signed fields plus an ECDSA signature by the issuer's key.
// Root certificates are self-signed. Node certificates carry the fabric
// and node identifiers session establishment authenticates against.
type Certificate struct {
	Type CertType

	// Serial is the issuer-assigned serial number.
	Serial uint64

	// Issuer and Subject are CA identifiers; Subject of a node
	// certificate is the node ID.
	Issuer  uint64
	Subject uint64

	// FabricID and NodeID are set on node certificates.
	FabricID FabricID
	NodeID   NodeID

	// PublicKey is the subject's uncompressed P-256 key.
	PublicKey [RootPublicKeySize]byte

	// Signature is the issuer's raw ECDSA signature over the TBS
	// encoding.
	Signature [crypto.P256SignatureSize]byte
}

// TBS returns the to-be-signed encoding: every field except the
// signature.
func (c *Certificate) TBS() ([]byte, error) {
	w := tlv.NewWriter()
	w.StartStruct(tlv.AnonymousTag())
	c.putFields(w)
	w.EndContainer()
	return w.Bytes()
}

// Encode returns the full certificate encoding.
func (c *Certificate) Encode() ([]byte, error) {
	w := tlv.NewWriter()
	w.StartStruct(tlv.AnonymousTag())
	c.putFields(w)
	w.PutBytes(tlv.ContextTag(tagCertSignature), c.Signature[:])
	w.EndContainer()
	return w.Bytes()
}

func (c *Certificate) putFields(w *tlv.Writer) {
	w.PutUint(tlv.ContextTag(tagCertType), uint64(c.Type))
	w.PutUint(tlv.ContextTag(tagCertSerial), c.Serial)
	w.PutUint(tlv.ContextTag(tagCertIssuer), c.Issuer)
	w.PutUint(tlv.ContextTag(tagCertSubject), c.Subject)
	if c.Type == CertTypeNode {
		w.PutUint(tlv.ContextTag(tagCertFabricID), uint64(c.FabricID))
		w.PutUint(tlv.ContextTag(tagCertNodeID), uint64(c.NodeID))
	}
	w.PutBytes(tlv.ContextTag(tagCertPublicKey), c.PublicKey[:])
}

// Sign computes the issuer's signature over the TBS encoding.
func (c *Certificate) Sign(issuer *crypto.KeyPair) error {
	tbs, err := c.TBS()
	if err != nil {
		return err
	}
	sig, err := issuer.Sign(tbs)
	if err != nil {
		return err
	}
	copy(c.Signature[:], sig)
	return nil
}

// VerifySignedBy checks the certificate's signature against the
// issuer's public key.
func (c *Certificate) VerifySignedBy(issuerPublicKey []byte) error {
	tbs, err := c.TBS()
	if err != nil {
		return err
	}
	ok, err := crypto.VerifySignature(issuerPublicKey, tbs, c.Signature[:])
	if err != nil || !ok {
		return ErrCertSignature
	}
	return nil
}

// DecodeCertificate parses a TLV certificate.
func DecodeCertificate(data []byte) (*Certificate, error) {
	if len(data) == 0 || len(data) > MaxCertificateSize {
		return nil, ErrCertDecode
	}
	r := tlv.NewReader(data)
	if err := r.Next(); err != nil || r.Type() != tlv.TypeStruct {
		return nil, ErrCertDecode
	}
	if err := r.EnterContainer(); err != nil {
		return nil, ErrCertDecode
	}

	c := &Certificate{}
	var seenKey, seenSig bool
	for {
		err := r.Next()
		if errors.Is(err, tlv.ErrEndOfContainer) || errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, ErrCertDecode
		}
		tag := r.Tag()
		if !tag.IsContext() {
			continue
		}
		switch tag.Number() {
		case tagCertType:
			v, err := r.Uint()
			if err != nil {
				return nil, ErrCertDecode
			}
			c.Type = CertType(v)
		case tagCertSerial:
			v, err := r.Uint()
			if err != nil {
				return nil, ErrCertDecode
			}
			c.Serial = v
		case tagCertIssuer:
			v, err := r.Uint()
			if err != nil {
				return nil, ErrCertDecode
			}
			c.Issuer = v
		case tagCertSubject:
			v, err := r.Uint()
			if err != nil {
				return nil, ErrCertDecode
			}
			c.Subject = v
		case tagCertFabricID:
			v, err := r.Uint()
			if err != nil {
				return nil, ErrCertDecode
			}
			c.FabricID = FabricID(v)
		case tagCertNodeID:
			v, err := r.Uint()
			if err != nil {
				return nil, ErrCertDecode
			}
			c.NodeID = NodeID(v)
		case tagCertPublicKey:
			b, err := r.Bytes()
			if err != nil || len(b) != RootPublicKeySize {
				return nil, ErrCertDecode
			}
			copy(c.PublicKey[:], b)
			seenKey = true
		case tagCertSignature:
			b, err := r.Bytes()
			if err != nil || len(b) != crypto.P256SignatureSize {
				return nil, ErrCertDecode
			}
			copy(c.Signature[:], b)
			seenSig = true
		}
	}

	if !seenKey || !seenSig {
		return nil, ErrCertDecode
	}
	switch c.Type {
	case CertTypeRoot, CertTypeICA:
	case CertTypeNode:
		if !c.FabricID.IsValid() || !c.NodeID.IsOperational() {
			return nil, ErrCertDecode
		}
	default:
		return nil, ErrCertDecode
	}
	return c, nil
}

// ValidateChain verifies an operational certificate chain against a
// trusted root public key and returns the decoded node certificate.
// icac may be nil for two-certificate chains. The chain checks run
// before any signature check so a caller can tell a trust problem
// (ErrCertChain, ErrCertType) from a forgery (ErrCertSignature).
func ValidateChain(noc, icac, root []byte, trustedRootKey [RootPublicKeySize]byte) (*Certificate, error) {
	rootCert, err := DecodeCertificate(root)
	if err != nil {
		return nil, err
	}
	if rootCert.Type != CertTypeRoot {
		return nil, ErrCertType
	}
	if rootCert.PublicKey != trustedRootKey {
		return nil, ErrCertChain
	}

	nocCert, err := DecodeCertificate(noc)
	if err != nil {
		return nil, err
	}
	if nocCert.Type != CertTypeNode {
		return nil, ErrCertType
	}

	// Resolve the NOC's signer: the intermediate when present,
	// otherwise the root itself. Structural checks complete before any
	// signature math runs.
	signer := rootCert
	var icaCert *Certificate
	if icac != nil {
		icaCert, err = DecodeCertificate(icac)
		if err != nil {
			return nil, err
		}
		if icaCert.Type != CertTypeICA {
			return nil, ErrCertType
		}
		if icaCert.Issuer != rootCert.Subject {
			return nil, ErrCertChain
		}
		signer = icaCert
	}
	if nocCert.Issuer != signer.Subject {
		return nil, ErrCertChain
	}

	if err := rootCert.VerifySignedBy(rootCert.PublicKey[:]); err != nil {
		return nil, err
	}
	if icaCert != nil {
		if err := icaCert.VerifySignedBy(rootCert.PublicKey[:]); err != nil {
			return nil, err
		}
	}
	if err := nocCert.VerifySignedBy(signer.PublicKey[:]); err != nil {
		return nil, err
	}
	return nocCert, nil
}
