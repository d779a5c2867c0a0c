package pase

import (
	"errors"
	"io"

	"github.com/hearthlink/matter/pkg/crypto/spake2p"
	"github.com/hearthlink/matter/pkg/tlv"
)

// TLV context tags (Spec Section 4.14.1.2).
const (
	tagReqInitiatorRandom    = 1
	tagReqInitiatorSessionID = 2
	tagReqPasscodeID         = 3
	tagReqHasPBKDFParams     = 4
	tagReqSessionParams      = 5

	tagRespInitiatorRandom   = 1
	tagRespResponderRandom   = 2
	tagRespResponderSession  = 3
	tagRespPBKDFParams       = 4
	tagRespSessionParams     = 5

	tagPBKDFIterations = 1
	tagPBKDFSalt       = 2

	tagPake1PA = 1
	tagPake2PB = 1
	tagPake2CB = 2
	tagPake3CA = 1
)

// SessionParams carries the MRP intervals a peer advertises during
// establishment (SessionParameterStruct, Spec Section 4.12.8). Zero
// fields are omitted on the wire.
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

// PBKDFParams are the salt and iteration count the responder derived
// its verifier with.
type PBKDFParams struct {
	Iterations uint32
	Salt       []byte
}

// PBKDFParamRequest opens the handshake (opcode 0x20).
type PBKDFParamRequest struct {
	InitiatorRandom    [RandomSize]byte
	InitiatorSessionID uint16
	PasscodeID         uint16
	HasPBKDFParams     bool
	SessionParams      *SessionParams
}

// Encode serializes the request.
func (p *PBKDFParamRequest) Encode() ([]byte, error) {
	w := tlv.NewWriter()
	w.StartStruct(tlv.AnonymousTag())
	w.PutBytes(tlv.ContextTag(tagReqInitiatorRandom), p.InitiatorRandom[:])
	w.PutUint(tlv.ContextTag(tagReqInitiatorSessionID), uint64(p.InitiatorSessionID))
	w.PutUint(tlv.ContextTag(tagReqPasscodeID), uint64(p.PasscodeID))
	w.PutBool(tlv.ContextTag(tagReqHasPBKDFParams), p.HasPBKDFParams)
	putSessionParams(w, tagReqSessionParams, p.SessionParams)
	w.EndContainer()
	return w.Bytes()
}

// DecodePBKDFParamRequest parses a request.
func DecodePBKDFParamRequest(data []byte) (*PBKDFParamRequest, error) {
	r, err := enterStruct(data)
	if err != nil {
		return nil, err
	}
	p := &PBKDFParamRequest{}
	seenRandom := false

	err = eachContextTag(r, func(tag uint32) error {
		switch tag {
		case tagReqInitiatorRandom:
			if err := fixedBytes(r, p.InitiatorRandom[:]); err != nil {
				return err
			}
			seenRandom = true
		case tagReqInitiatorSessionID:
			v, err := r.Uint()
			if err != nil {
				return err
			}
			p.InitiatorSessionID = uint16(v)
		case tagReqPasscodeID:
			v, err := r.Uint()
			if err != nil {
				return err
			}
			p.PasscodeID = uint16(v)
		case tagReqHasPBKDFParams:
			v, err := r.Bool()
			if err != nil {
				return err
			}
			p.HasPBKDFParams = v
		case tagReqSessionParams:
			sp, err := decodeSessionParams(r)
			if err != nil {
				return err
			}
			p.SessionParams = sp
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !seenRandom {
		return nil, ErrBadMessage
	}
	return p, nil
}

// PBKDFParamResponse answers the request (opcode 0x21). PBKDFParams is
// omitted when the initiator already holds the parameters.
type PBKDFParamResponse struct {
	InitiatorRandom    [RandomSize]byte
	ResponderRandom    [RandomSize]byte
	ResponderSessionID uint16
	PBKDFParams        *PBKDFParams
	SessionParams      *SessionParams
}

// Encode serializes the response.
func (p *PBKDFParamResponse) Encode() ([]byte, error) {
	w := tlv.NewWriter()
	w.StartStruct(tlv.AnonymousTag())
	w.PutBytes(tlv.ContextTag(tagRespInitiatorRandom), p.InitiatorRandom[:])
	w.PutBytes(tlv.ContextTag(tagRespResponderRandom), p.ResponderRandom[:])
	w.PutUint(tlv.ContextTag(tagRespResponderSession), uint64(p.ResponderSessionID))
	if p.PBKDFParams != nil {
		w.StartStruct(tlv.ContextTag(tagRespPBKDFParams))
		w.PutUint(tlv.ContextTag(tagPBKDFIterations), uint64(p.PBKDFParams.Iterations))
		w.PutBytes(tlv.ContextTag(tagPBKDFSalt), p.PBKDFParams.Salt)
		w.EndContainer()
	}
	putSessionParams(w, tagRespSessionParams, p.SessionParams)
	w.EndContainer()
	return w.Bytes()
}

// DecodePBKDFParamResponse parses a response.
func DecodePBKDFParamResponse(data []byte) (*PBKDFParamResponse, error) {
	r, err := enterStruct(data)
	if err != nil {
		return nil, err
	}
	p := &PBKDFParamResponse{}

	err = eachContextTag(r, func(tag uint32) error {
		switch tag {
		case tagRespInitiatorRandom:
			return fixedBytes(r, p.InitiatorRandom[:])
		case tagRespResponderRandom:
			return fixedBytes(r, p.ResponderRandom[:])
		case tagRespResponderSession:
			v, err := r.Uint()
			if err != nil {
				return err
			}
			p.ResponderSessionID = uint16(v)
		case tagRespPBKDFParams:
			params, err := decodePBKDFParams(r)
			if err != nil {
				return err
			}
			p.PBKDFParams = params
		case tagRespSessionParams:
			sp, err := decodeSessionParams(r)
			if err != nil {
				return err
			}
			p.SessionParams = sp
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Pake1 carries the prover's public share pA (opcode 0x22).
type Pake1 struct {
	PA [spake2p.ElementSize]byte
}

// Encode serializes Pake1.
func (p *Pake1) Encode() ([]byte, error) {
	w := tlv.NewWriter()
	w.StartStruct(tlv.AnonymousTag())
	w.PutBytes(tlv.ContextTag(tagPake1PA), p.PA[:])
	w.EndContainer()
	return w.Bytes()
}

// DecodePake1 parses Pake1.
func DecodePake1(data []byte) (*Pake1, error) {
	r, err := enterStruct(data)
	if err != nil {
		return nil, err
	}
	p := &Pake1{}
	seen := false
	err = eachContextTag(r, func(tag uint32) error {
		if tag == tagPake1PA {
			if err := fixedBytes(r, p.PA[:]); err != nil {
				return err
			}
			seen = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !seen {
		return nil, ErrBadMessage
	}
	return p, nil
}

// Pake2 carries the verifier's share pB and confirmation cB (opcode 0x23).
type Pake2 struct {
	PB [spake2p.ElementSize]byte
	CB [spake2p.ConfirmSize]byte
}

// Encode serializes Pake2.
func (p *Pake2) Encode() ([]byte, error) {
	w := tlv.NewWriter()
	w.StartStruct(tlv.AnonymousTag())
	w.PutBytes(tlv.ContextTag(tagPake2PB), p.PB[:])
	w.PutBytes(tlv.ContextTag(tagPake2CB), p.CB[:])
	w.EndContainer()
	return w.Bytes()
}

// DecodePake2 parses Pake2.
func DecodePake2(data []byte) (*Pake2, error) {
	r, err := enterStruct(data)
	if err != nil {
		return nil, err
	}
	p := &Pake2{}
	var seenPB, seenCB bool
	err = eachContextTag(r, func(tag uint32) error {
		switch tag {
		case tagPake2PB:
			if err := fixedBytes(r, p.PB[:]); err != nil {
				return err
			}
			seenPB = true
		case tagPake2CB:
			if err := fixedBytes(r, p.CB[:]); err != nil {
				return err
			}
			seenCB = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !seenPB || !seenCB {
		return nil, ErrBadMessage
	}
	return p, nil
}

// Pake3 carries the prover's confirmation cA (opcode 0x24).
type Pake3 struct {
	CA [spake2p.ConfirmSize]byte
}

// Encode serializes Pake3.
func (p *Pake3) Encode() ([]byte, error) {
	w := tlv.NewWriter()
	w.StartStruct(tlv.AnonymousTag())
	w.PutBytes(tlv.ContextTag(tagPake3CA), p.CA[:])
	w.EndContainer()
	return w.Bytes()
}

// DecodePake3 parses Pake3.
func DecodePake3(data []byte) (*Pake3, error) {
	r, err := enterStruct(data)
	if err != nil {
		return nil, err
	}
	p := &Pake3{}
	seen := false
	err = eachContextTag(r, func(tag uint32) error {
		if tag == tagPake3CA {
			if err := fixedBytes(r, p.CA[:]); err != nil {
				return err
			}
			seen = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !seen {
		return nil, ErrBadMessage
	}
	return p, nil
}

// Decode helpers shared by the message parsers.

// enterStruct positions a reader inside the top-level anonymous struct.
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

// eachContextTag walks the current container, invoking fn for every
// context-tagged member. Unknown tags are skipped for forward
// compatibility.
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

// fixedBytes reads a byte string that must exactly fill dst.
func fixedBytes(r *tlv.Reader, dst []byte) error {
	b, err := r.Bytes()
	if err != nil || len(b) != len(dst) {
		return ErrBadMessage
	}
	copy(dst, b)
	return nil
}

func decodePBKDFParams(r *tlv.Reader) (*PBKDFParams, error) {
	if r.Type() != tlv.TypeStruct {
		return nil, ErrBadMessage
	}
	if err := r.EnterContainer(); err != nil {
		return nil, ErrBadMessage
	}
	p := &PBKDFParams{}
	err := eachContextTag(r, func(tag uint32) error {
		switch tag {
		case tagPBKDFIterations:
			v, err := r.Uint()
			if err != nil {
				return err
			}
			p.Iterations = uint32(v)
		case tagPBKDFSalt:
			b, err := r.Bytes()
			if err != nil {
				return err
			}
			p.Salt = append([]byte(nil), b...)
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
