package sigma

import (
	"errors"
	"io"

	"github.com/hearthlink/matter/pkg/crypto"
	"github.com/hearthlink/matter/pkg/tlv"
)

// TLV context tags (Spec Section 4.14.2.3).
const (
	tagS1InitiatorRandom    = 1
	tagS1InitiatorSessionID = 2
	tagS1DestinationID      = 3
	tagS1InitiatorEphPubKey = 4
	tagS1SessionParams      = 5
	tagS1ResumptionID       = 6
	tagS1ResumeMIC          = 7

	tagS2ResponderRandom    = 1
	tagS2ResponderSessionID = 2
	tagS2ResponderEphPubKey = 3
	tagS2Encrypted          = 4
	tagS2SessionParams      = 5

	tagS3Encrypted = 1

	tagSRResumptionID      = 1
	tagSRResumeMIC         = 2
	tagSRResponderSession  = 3
	tagSRSessionParams     = 4

	tagTBENOC          = 1
	tagTBEICAC         = 2
	tagTBESignature    = 3
	tagTBEResumptionID = 4

	tagTBSNOC        = 1
	tagTBSICAC       = 2
	tagTBSOwnEphKey  = 3
	tagTBSPeerEphKey = 4
)

// SessionParams carries the MRP intervals advertised during
// establishment (SessionParameterStruct, Spec Section 4.12.8).
type SessionParams struct {
	IdleInterval    uint32 // ms
	ActiveInterval  uint32 // ms
	ActiveThreshold uint16 // ms
}

const (
	tagParamIdleInterval    = 1
	tagParamActiveInterval  = 2
	tagParamActiveThreshold = 4
)

// Sigma1 opens the handshake (opcode 0x30). The resumption fields are
// present only when the initiator attempts to resume a prior session.
type Sigma1 struct {
	InitiatorRandom    [RandomSize]byte
	InitiatorSessionID uint16
	DestinationID      [DestinationIDSize]byte
	InitiatorEphPubKey [crypto.P256PointSize]byte
	SessionParams      *SessionParams

	HasResumption bool
	ResumptionID  [ResumptionIDSize]byte
	ResumeMIC     [MICSize]byte
}

// Encode serializes Sigma1.
func (s *Sigma1) Encode() ([]byte, error) {
	w := tlv.NewWriter()
	w.StartStruct(tlv.AnonymousTag())
	w.PutBytes(tlv.ContextTag(tagS1InitiatorRandom), s.InitiatorRandom[:])
	w.PutUint(tlv.ContextTag(tagS1InitiatorSessionID), uint64(s.InitiatorSessionID))
	w.PutBytes(tlv.ContextTag(tagS1DestinationID), s.DestinationID[:])
	w.PutBytes(tlv.ContextTag(tagS1InitiatorEphPubKey), s.InitiatorEphPubKey[:])
	putSessionParams(w, tagS1SessionParams, s.SessionParams)
	if s.HasResumption {
		w.PutBytes(tlv.ContextTag(tagS1ResumptionID), s.ResumptionID[:])
		w.PutBytes(tlv.ContextTag(tagS1ResumeMIC), s.ResumeMIC[:])
	}
	w.EndContainer()
	return w.Bytes()
}

// DecodeSigma1 parses Sigma1.
func DecodeSigma1(data []byte) (*Sigma1, error) {
	r, err := enterStruct(data)
	if err != nil {
		return nil, err
	}
	s := &Sigma1{}
	var seenRandom, seenDest, seenKey, seenResID, seenResMIC bool

	err = eachContextTag(r, func(tag uint32) error {
		switch tag {
		case tagS1InitiatorRandom:
			seenRandom = true
			return fixedBytes(r, s.InitiatorRandom[:])
		case tagS1InitiatorSessionID:
			v, err := r.Uint()
			if err != nil {
				return err
			}
			s.InitiatorSessionID = uint16(v)
		case tagS1DestinationID:
			seenDest = true
			return fixedBytes(r, s.DestinationID[:])
		case tagS1InitiatorEphPubKey:
			seenKey = true
			return fixedBytes(r, s.InitiatorEphPubKey[:])
		case tagS1SessionParams:
			sp, err := decodeSessionParams(r)
			if err != nil {
				return err
			}
			s.SessionParams = sp
		case tagS1ResumptionID:
			seenResID = true
			return fixedBytes(r, s.ResumptionID[:])
		case tagS1ResumeMIC:
			seenResMIC = true
			return fixedBytes(r, s.ResumeMIC[:])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !seenRandom || !seenDest || !seenKey {
		return nil, ErrBadMessage
	}
	// Resumption fields come as a pair or not at all.
	if seenResID != seenResMIC {
		return nil, ErrBadMessage
	}
	s.HasResumption = seenResID
	return s, nil
}

// Sigma2 answers with the responder's ephemeral key and its encrypted
// credentials (opcode 0x31).
type Sigma2 struct {
	ResponderRandom    [RandomSize]byte
	ResponderSessionID uint16
	ResponderEphPubKey [crypto.P256PointSize]byte
	Encrypted          []byte
	SessionParams      *SessionParams
}

// Encode serializes Sigma2.
func (s *Sigma2) Encode() ([]byte, error) {
	w := tlv.NewWriter()
	w.StartStruct(tlv.AnonymousTag())
	w.PutBytes(tlv.ContextTag(tagS2ResponderRandom), s.ResponderRandom[:])
	w.PutUint(tlv.ContextTag(tagS2ResponderSessionID), uint64(s.ResponderSessionID))
	w.PutBytes(tlv.ContextTag(tagS2ResponderEphPubKey), s.ResponderEphPubKey[:])
	w.PutBytes(tlv.ContextTag(tagS2Encrypted), s.Encrypted)
	putSessionParams(w, tagS2SessionParams, s.SessionParams)
	w.EndContainer()
	return w.Bytes()
}

// DecodeSigma2 parses Sigma2.
func DecodeSigma2(data []byte) (*Sigma2, error) {
	r, err := enterStruct(data)
	if err != nil {
		return nil, err
	}
	s := &Sigma2{}
	var seenRandom, seenKey bool

	err = eachContextTag(r, func(tag uint32) error {
		switch tag {
		case tagS2ResponderRandom:
			seenRandom = true
			return fixedBytes(r, s.ResponderRandom[:])
		case tagS2ResponderSessionID:
			v, err := r.Uint()
			if err != nil {
				return err
			}
			s.ResponderSessionID = uint16(v)
		case tagS2ResponderEphPubKey:
			seenKey = true
			return fixedBytes(r, s.ResponderEphPubKey[:])
		case tagS2Encrypted:
			b, err := r.Bytes()
			if err != nil {
				return err
			}
			s.Encrypted = append([]byte(nil), b...)
		case tagS2SessionParams:
			sp, err := decodeSessionParams(r)
			if err != nil {
				return err
			}
			s.SessionParams = sp
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !seenRandom || !seenKey || len(s.Encrypted) < crypto.AEADMICSize {
		return nil, ErrBadMessage
	}
	return s, nil
}

// Sigma3 carries the initiator's encrypted credentials (opcode 0x32).
type Sigma3 struct {
	Encrypted []byte
}

// Encode serializes Sigma3.
func (s *Sigma3) Encode() ([]byte, error) {
	w := tlv.NewWriter()
	w.StartStruct(tlv.AnonymousTag())
	w.PutBytes(tlv.ContextTag(tagS3Encrypted), s.Encrypted)
	w.EndContainer()
	return w.Bytes()
}

// DecodeSigma3 parses Sigma3.
func DecodeSigma3(data []byte) (*Sigma3, error) {
	r, err := enterStruct(data)
	if err != nil {
		return nil, err
	}
	s := &Sigma3{}
	err = eachContextTag(r, func(tag uint32) error {
		if tag == tagS3Encrypted {
			b, err := r.Bytes()
			if err != nil {
				return err
			}
			s.Encrypted = append([]byte(nil), b...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(s.Encrypted) < crypto.AEADMICSize {
		return nil, ErrBadMessage
	}
	return s, nil
}

// Sigma2Resume is the short-path answer to a resuming Sigma1
// (opcode 0x33).
type Sigma2Resume struct {
	ResumptionID       [ResumptionIDSize]byte
	ResumeMIC          [MICSize]byte
	ResponderSessionID uint16
	SessionParams      *SessionParams
}

// Encode serializes Sigma2Resume.
func (s *Sigma2Resume) Encode() ([]byte, error) {
	w := tlv.NewWriter()
	w.StartStruct(tlv.AnonymousTag())
	w.PutBytes(tlv.ContextTag(tagSRResumptionID), s.ResumptionID[:])
	w.PutBytes(tlv.ContextTag(tagSRResumeMIC), s.ResumeMIC[:])
	w.PutUint(tlv.ContextTag(tagSRResponderSession), uint64(s.ResponderSessionID))
	putSessionParams(w, tagSRSessionParams, s.SessionParams)
	w.EndContainer()
	return w.Bytes()
}

// DecodeSigma2Resume parses Sigma2Resume.
func DecodeSigma2Resume(data []byte) (*Sigma2Resume, error) {
	r, err := enterStruct(data)
	if err != nil {
		return nil, err
	}
	s := &Sigma2Resume{}
	var seenID, seenMIC bool

	err = eachContextTag(r, func(tag uint32) error {
		switch tag {
		case tagSRResumptionID:
			seenID = true
			return fixedBytes(r, s.ResumptionID[:])
		case tagSRResumeMIC:
			seenMIC = true
			return fixedBytes(r, s.ResumeMIC[:])
		case tagSRResponderSession:
			v, err := r.Uint()
			if err != nil {
				return err
			}
			s.ResponderSessionID = uint16(v)
		case tagSRSessionParams:
			sp, err := decodeSessionParams(r)
			if err != nil {
				return err
			}
			s.SessionParams = sp
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !seenID || !seenMIC {
		return nil, ErrBadMessage
	}
	return s, nil
}

// tbeData is the credential payload sealed inside Sigma2 and Sigma3.
// ResumptionID is present only in Sigma2's instance.
type tbeData struct {
	NOC       []byte
	ICAC      []byte
	Signature [crypto.P256SignatureSize]byte

	HasResumptionID bool
	ResumptionID    [ResumptionIDSize]byte
}

func (t *tbeData) encode() ([]byte, error) {
	w := tlv.NewWriter()
	w.StartStruct(tlv.AnonymousTag())
	w.PutBytes(tlv.ContextTag(tagTBENOC), t.NOC)
	if t.ICAC != nil {
		w.PutBytes(tlv.ContextTag(tagTBEICAC), t.ICAC)
	}
	w.PutBytes(tlv.ContextTag(tagTBESignature), t.Signature[:])
	if t.HasResumptionID {
		w.PutBytes(tlv.ContextTag(tagTBEResumptionID), t.ResumptionID[:])
	}
	w.EndContainer()
	return w.Bytes()
}

func decodeTBEData(data []byte) (*tbeData, error) {
	r, err := enterStruct(data)
	if err != nil {
		return nil, err
	}
	t := &tbeData{}
	var seenSig bool

	err = eachContextTag(r, func(tag uint32) error {
		switch tag {
		case tagTBENOC:
			b, err := r.Bytes()
			if err != nil {
				return err
			}
			t.NOC = append([]byte(nil), b...)
		case tagTBEICAC:
			b, err := r.Bytes()
			if err != nil {
				return err
			}
			t.ICAC = append([]byte(nil), b...)
		case tagTBESignature:
			seenSig = true
			return fixedBytes(r, t.Signature[:])
		case tagTBEResumptionID:
			t.HasResumptionID = true
			return fixedBytes(r, t.ResumptionID[:])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(t.NOC) == 0 || !seenSig {
		return nil, ErrBadMessage
	}
	return t, nil
}

// encodeTBS builds the to-be-signed payload binding the signer's
// credentials to both ephemeral keys. Each side lists its own key
// first.
func encodeTBS(noc, icac, ownEphPub, peerEphPub []byte) ([]byte, error) {
	w := tlv.NewWriter()
	w.StartStruct(tlv.AnonymousTag())
	w.PutBytes(tlv.ContextTag(tagTBSNOC), noc)
	if icac != nil {
		w.PutBytes(tlv.ContextTag(tagTBSICAC), icac)
	}
	w.PutBytes(tlv.ContextTag(tagTBSOwnEphKey), ownEphPub)
	w.PutBytes(tlv.ContextTag(tagTBSPeerEphKey), peerEphPub)
	w.EndContainer()
	return w.Bytes()
}

// Decode helpers shared by the message parsers.

func enterStruct(data []byte) (*tlv.Reader, error) {
	r := tlv.NewReader(data)
	if err := r.Next(); err != nil {
		return nil, ErrBadMessage
	}
	if r.Type() != tlv.TypeStruct {
		return nil, ErrBadMessage
	}
	if err := r.EnterContainer(); err != nil {
		return nil, ErrBadMessage
	}
	return r, nil
}

func eachContextTag(r *tlv.Reader, fn func(tag uint32) error) error {
	for {
		err := r.Next()
		if errors.Is(err, tlv.ErrEndOfContainer) || errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return ErrBadMessage
		}
		tag := r.Tag()
		if !tag.IsContext() {
			continue
		}
		if err := fn(tag.Number()); err != nil {
			return err
		}
	}
}

func fixedBytes(r *tlv.Reader, dst []byte) error {
	b, err := r.Bytes()
	if err != nil || len(b) != len(dst) {
		return ErrBadMessage
	}
	copy(dst, b)
	return nil
}

func putSessionParams(w *tlv.Writer, tag uint8, p *SessionParams) {
	if p == nil {
		return
	}
	w.StartStruct(tlv.ContextTag(tag))
	if p.IdleInterval != 0 {
		w.PutUint(tlv.ContextTag(tagParamIdleInterval), uint64(p.IdleInterval))
	}
	if p.ActiveInterval != 0 {
		w.PutUint(tlv.ContextTag(tagParamActiveInterval), uint64(p.ActiveInterval))
	}
	if p.ActiveThreshold != 0 {
		w.PutUint(tlv.ContextTag(tagParamActiveThreshold), uint64(p.ActiveThreshold))
	}
	w.EndContainer()
}

func decodeSessionParams(r *tlv.Reader) (*SessionParams, error) {
	if r.Type() != tlv.TypeStruct {
		return nil, ErrBadMessage
	}
	if err := r.EnterContainer(); err != nil {
		return nil, ErrBadMessage
	}
	p := &SessionParams{}
	err := eachContextTag(r, func(tag uint32) error {
		v, err := r.Uint()
		if err != nil {
			return err
		}
		switch tag {
		case tagParamIdleInterval:
			p.IdleInterval = uint32(v)
		case tagParamActiveInterval:
			p.ActiveInterval = uint32(v)
		case tagParamActiveThreshold:
			p.ActiveThreshold = uint16(v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := r.ExitContainer(); err != nil {
		return nil, ErrBadMessage
	}
	return p, nil
}
