package tlv

import (
	"encoding/binary"
	"math"
)

// Writer serializes TLV elements into a buffer. Write methods do not
// return errors; the first failure is latched and reported by Bytes.
// Integers and string lengths use the smallest encodable width
// (Spec A.2.2).
type Writer struct {
	buf   []byte
	depth int
	err   error
}

// NewWriter creates an empty writer.
func NewWriter() *Writer {
	return &Writer{}
}

// Bytes returns the encoded buffer. It fails if containers are left
// open or any write failed.
func (w *Writer) Bytes() ([]byte, error) {
	if w.err != nil {
		return nil, w.err
	}
	if w.depth != 0 {
		return nil, ErrNesting
	}
	return w.buf, nil
}

// PutUint writes an unsigned integer with minimal width.
func (w *Writer) PutUint(tag Tag, v uint64) {
	switch {
	case v <= math.MaxUint8:
		w.control(TypeUint8, tag)
		w.buf = append(w.buf, byte(v))
	case v <= math.MaxUint16:
		w.control(TypeUint16, tag)
		w.buf = binary.LittleEndian.AppendUint16(w.buf, uint16(v))
	case v <= math.MaxUint32:
		w.control(TypeUint32, tag)
		w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(v))
	default:
		w.control(TypeUint64, tag)
		w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
	}
}

// PutInt writes a signed integer with minimal width.
func (w *Writer) PutInt(tag Tag, v int64) {
	switch {
	case v >= math.MinInt8 && v <= math.MaxInt8:
		w.control(TypeInt8, tag)
		w.buf = append(w.buf, byte(v))
	case v >= math.MinInt16 && v <= math.MaxInt16:
		w.control(TypeInt16, tag)
		w.buf = binary.LittleEndian.AppendUint16(w.buf, uint16(v))
	case v >= math.MinInt32 && v <= math.MaxInt32:
		w.control(TypeInt32, tag)
		w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(v))
	default:
		w.control(TypeInt64, tag)
		w.buf = binary.LittleEndian.AppendUint64(w.buf, uint64(v))
	}
}

// PutBool writes a boolean.
func (w *Writer) PutBool(tag Tag, v bool) {
	if v {
		w.control(TypeTrue, tag)
	} else {
		w.control(TypeFalse, tag)
	}
}

// PutNull writes a null.
func (w *Writer) PutNull(tag Tag) {
	w.control(TypeNull, tag)
}

// PutFloat64 writes a double-precision float.
func (w *Writer) PutFloat64(tag Tag, v float64) {
	w.control(TypeFloat64, tag)
	w.buf = binary.LittleEndian.AppendUint64(w.buf, math.Float64bits(v))
}

// PutBytes writes an octet string.
func (w *Writer) PutBytes(tag Tag, v []byte) {
	w.putString(TypeBytes, tag, v)
}

// PutString writes a UTF-8 string.
func (w *Writer) PutString(tag Tag, s string) {
	w.putString(TypeUTF8, tag, []byte(s))
}

func (w *Writer) putString(base Type, tag Tag, v []byte) {
	switch {
	case len(v) <= math.MaxUint8:
		w.control(base, tag)
		w.buf = append(w.buf, byte(len(v)))
	case len(v) <= math.MaxUint16:
		w.control(base+1, tag)
		w.buf = binary.LittleEndian.AppendUint16(w.buf, uint16(len(v)))
	case int64(len(v)) <= math.MaxUint32:
		w.control(base+2, tag)
		w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(len(v)))
	default:
		w.fail(ErrStringTooLong)
		return
	}
	w.buf = append(w.buf, v...)
}

// StartStruct opens a structure container.
func (w *Writer) StartStruct(tag Tag) {
	w.control(TypeStruct, tag)
	w.depth++
}

// StartArray opens an array container.
func (w *Writer) StartArray(tag Tag) {
	w.control(TypeArray, tag)
	w.depth++
}

// StartList opens a list container.
func (w *Writer) StartList(tag Tag) {
	w.control(TypeList, tag)
	w.depth++
}

// EndContainer closes the innermost open container.
func (w *Writer) EndContainer() {
	if w.depth == 0 {
		w.fail(ErrNesting)
		return
	}
	w.depth--
	w.buf = append(w.buf, byte(typeEnd))
}

// control appends the control octet and tag field.
func (w *Writer) control(t Type, tag Tag) {
	w.buf = append(w.buf, byte(tag.form)<<5|byte(t))
	switch tag.form {
	case formAnonymous:
	case formContext:
		w.buf = append(w.buf, byte(tag.number))
	case formCommon2, formImplicit2:
		w.buf = binary.LittleEndian.AppendUint16(w.buf, uint16(tag.number))
	case formCommon4, formImplicit4:
		w.buf = binary.LittleEndian.AppendUint32(w.buf, tag.number)
	case formFull6:
		w.buf = binary.LittleEndian.AppendUint16(w.buf, tag.vendor)
		w.buf = binary.LittleEndian.AppendUint16(w.buf, tag.profile)
		w.buf = binary.LittleEndian.AppendUint16(w.buf, uint16(tag.number))
	case formFull8:
		w.buf = binary.LittleEndian.AppendUint16(w.buf, tag.vendor)
		w.buf = binary.LittleEndian.AppendUint16(w.buf, tag.profile)
		w.buf = binary.LittleEndian.AppendUint32(w.buf, tag.number)
	}
}

func (w *Writer) fail(err error) {
	if w.err == nil {
		w.err = err
	}
}
