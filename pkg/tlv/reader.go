package tlv

import (
	"encoding/binary"
	"io"
	"math"
)

// Reader walks TLV elements in a byte slice. Call Next to advance to an
// element, then inspect it with Type, Tag, and the value accessors.
// Value accessors return ErrWrongType when the element has another
// type. Byte and string values alias the input buffer.
type Reader struct {
	data  []byte
	pos   int
	depth int

	elemType Type
	tag      Tag
	value    []byte
	onElem   bool
}

// NewReader creates a reader over data. The cursor starts before the
// first element.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Next advances to the next element in the current container. It
// returns io.EOF at the end of input and ErrEndOfContainer at an
// end-of-container marker (which EnterContainer/ExitContainer manage).
func (r *Reader) Next() error {
	r.onElem = false
	if r.pos >= len(r.data) {
		if r.depth != 0 {
			return ErrTruncated
		}
		return io.EOF
	}

	control := r.data[r.pos]
	elemType := Type(control & typeMask)
	if elemType == typeEnd {
		if r.depth == 0 {
			return ErrBadControl
		}
		return ErrEndOfContainer
	}
	if elemType > typeEnd {
		return ErrBadControl
	}

	pos := r.pos + 1
	tag, n, err := r.readTag(tagForm(control>>5), pos)
	if err != nil {
		return err
	}
	pos += n

	value, n, err := r.readValue(elemType, pos)
	if err != nil {
		return err
	}
	r.pos = pos + n
	r.elemType = elemType
	r.tag = tag
	r.value = value
	r.onElem = true
	return nil
}

// Type returns the current element's type, with integer, boolean, and
// string width variants collapsed (TypeUint64, TypeInt64, TypeTrue,
// TypeUTF8, TypeBytes).
func (r *Reader) Type() Type {
	return r.elemType.canonical()
}

// Tag returns the current element's tag.
func (r *Reader) Tag() Tag {
	return r.tag
}

// Uint returns the current unsigned integer element.
func (r *Reader) Uint() (uint64, error) {
	if !r.onElem || !(r.elemType >= TypeUint8 && r.elemType <= TypeUint64) {
		return 0, ErrWrongType
	}
	return leUint(r.value), nil
}

// Int returns the current signed integer element.
func (r *Reader) Int() (int64, error) {
	if !r.onElem || r.elemType > TypeInt64 {
		return 0, ErrWrongType
	}
	v := leUint(r.value)
	shift := 64 - 8*len(r.value)
	return int64(v<<shift) >> shift, nil
}

// Bool returns the current boolean element.
func (r *Reader) Bool() (bool, error) {
	if !r.onElem || (r.elemType != TypeFalse && r.elemType != TypeTrue) {
		return false, ErrWrongType
	}
	return r.elemType == TypeTrue, nil
}

// Float64 returns the current floating point element, widening a
// 4-octet float if needed.
func (r *Reader) Float64() (float64, error) {
	if !r.onElem {
		return 0, ErrWrongType
	}
	switch r.elemType {
	case TypeFloat32:
		return float64(math.Float32frombits(uint32(leUint(r.value)))), nil
	case TypeFloat64:
		return math.Float64frombits(leUint(r.value)), nil
	}
	return 0, ErrWrongType
}

// Bytes returns the current octet string element. The slice aliases the
// reader's input.
func (r *Reader) Bytes() ([]byte, error) {
	if !r.onElem || !(r.elemType >= TypeBytes && r.elemType <= TypeBytes+3) {
		return nil, ErrWrongType
	}
	return r.value, nil
}

// String returns the current UTF-8 string element.
func (r *Reader) String() (string, error) {
	if !r.onElem || !(r.elemType >= TypeUTF8 && r.elemType <= TypeUTF8+3) {
		return "", ErrWrongType
	}
	return string(r.value), nil
}

// IsNull reports whether the current element is a null.
func (r *Reader) IsNull() bool {
	return r.onElem && r.elemType == TypeNull
}

// EnterContainer descends into the current container element.
// Subsequent Next calls iterate its members.
func (r *Reader) EnterContainer() error {
	if !r.onElem || !r.elemType.IsContainer() {
		return ErrWrongType
	}
	r.depth++
	r.onElem = false
	return nil
}

// ExitContainer skips any remaining members of the current container
// and consumes its end marker, returning the cursor to the enclosing
// level.
func (r *Reader) ExitContainer() error {
	if r.depth == 0 {
		return ErrNotInContainer
	}
	// Skip the unvisited remainder, minding nested containers.
	nested := 0
	for {
		if r.pos >= len(r.data) {
			return ErrTruncated
		}
		control := r.data[r.pos]
		elemType := Type(control & typeMask)
		if elemType == typeEnd {
			r.pos++
			if nested == 0 {
				r.depth--
				r.onElem = false
				return nil
			}
			nested--
			continue
		}
		if elemType > typeEnd {
			return ErrBadControl
		}
		pos := r.pos + 1
		_, n, err := r.readTag(tagForm(control>>5), pos)
		if err != nil {
			return err
		}
		pos += n
		_, n, err = r.readValue(elemType, pos)
		if err != nil {
			return err
		}
		r.pos = pos + n
		if elemType.IsContainer() {
			nested++
		}
	}
}

// readTag decodes the tag field at pos, returning the tag and its
// encoded width.
func (r *Reader) readTag(form tagForm, pos int) (Tag, int, error) {
	size := form.size()
	if pos+size > len(r.data) {
		return Tag{}, 0, ErrTruncated
	}
	tag := Tag{form: form}
	field := r.data[pos : pos+size]
	switch form {
	case formAnonymous:
	case formContext:
		tag.number = uint32(field[0])
	case formCommon2, formImplicit2:
		tag.number = uint32(binary.LittleEndian.Uint16(field))
	case formCommon4, formImplicit4:
		tag.number = binary.LittleEndian.Uint32(field)
	case formFull6:
		tag.vendor = binary.LittleEndian.Uint16(field[0:2])
		tag.profile = binary.LittleEndian.Uint16(field[2:4])
		tag.number = uint32(binary.LittleEndian.Uint16(field[4:6]))
	case formFull8:
		tag.vendor = binary.LittleEndian.Uint16(field[0:2])
		tag.profile = binary.LittleEndian.Uint16(field[2:4])
		tag.number = binary.LittleEndian.Uint32(field[4:8])
	}
	return tag, size, nil
}

// readValue extracts the value bytes at pos, returning the value and
// the total width consumed (length field included for strings).
func (r *Reader) readValue(t Type, pos int) ([]byte, int, error) {
	switch {
	case t <= TypeUint64:
		size := 1 << (uint8(t) & 0x03)
		if pos+size > len(r.data) {
			return nil, 0, ErrTruncated
		}
		return r.data[pos : pos+size], size, nil

	case t == TypeFloat32:
		return r.fixedValue(pos, 4)
	case t == TypeFloat64:
		return r.fixedValue(pos, 8)

	case t >= TypeUTF8 && t <= TypeBytes+3:
		lenSize := 1 << (uint8(t) & 0x03)
		if pos+lenSize > len(r.data) {
			return nil, 0, ErrTruncated
		}
		length := int(leUint(r.data[pos : pos+lenSize]))
		if length < 0 || pos+lenSize+length > len(r.data) {
			return nil, 0, ErrTruncated
		}
		start := pos + lenSize
		return r.data[start : start+length], lenSize + length, nil

	default:
		// Booleans, null, and container opens carry no value.
		return nil, 0, nil
	}
}

func (r *Reader) fixedValue(pos, size int) ([]byte, int, error) {
	if pos+size > len(r.data) {
		return nil, 0, ErrTruncated
	}
	return r.data[pos : pos+size], size, nil
}

// leUint decodes up to 8 little-endian bytes.
func leUint(b []byte) uint64 {
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
