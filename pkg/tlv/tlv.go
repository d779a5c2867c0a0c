// Package tlv implements the Matter TLV encoding (Matter Specification
// Appendix A): a compact tag-length-value format with single-octet
// control words and little-endian multi-byte fields.
//
// The Writer appends elements to a growing buffer; the Reader walks a
// byte slice element by element. Both understand the tag forms and
// element types needed by the secure channel protocols and the
// certificate encoding.
package tlv

import "errors"

// Errors reported by the reader and writer.
var (
	ErrTruncated      = errors.New("tlv: truncated element")
	ErrBadControl     = errors.New("tlv: reserved control octet")
	ErrWrongType      = errors.New("tlv: element has a different type")
	ErrNotInContainer = errors.New("tlv: not inside a container")
	ErrEndOfContainer = errors.New("tlv: end of container")
	ErrNesting        = errors.New("tlv: unbalanced container nesting")
	ErrStringTooLong  = errors.New("tlv: string length exceeds encodable range")
)

// Type is the element type from the lower 5 bits of the control octet
// (Spec A.7.1).
type Type uint8

const (
	TypeInt8    Type = 0x00
	TypeInt16   Type = 0x01
	TypeInt32   Type = 0x02
	TypeInt64   Type = 0x03
	TypeUint8   Type = 0x04
	TypeUint16  Type = 0x05
	TypeUint32  Type = 0x06
	TypeUint64  Type = 0x07
	TypeFalse   Type = 0x08
	TypeTrue    Type = 0x09
	TypeFloat32 Type = 0x0A
	TypeFloat64 Type = 0x0B
	TypeUTF8    Type = 0x0C // through 0x0F by length-field width
	TypeBytes   Type = 0x10 // through 0x13 by length-field width
	TypeNull    Type = 0x14
	TypeStruct  Type = 0x15
	TypeArray   Type = 0x16
	TypeList    Type = 0x17
	typeEnd     Type = 0x18
)

const (
	typeMask uint8 = 0x1F
	formMask uint8 = 0xE0
)

// canonical collapses the width variants of string and integer types so
// callers compare against a single constant.
func (t Type) canonical() Type {
	switch {
	case t >= TypeUTF8 && t <= TypeUTF8+3:
		return TypeUTF8
	case t >= TypeBytes && t <= TypeBytes+3:
		return TypeBytes
	case t <= TypeInt64:
		return TypeInt64
	case t <= TypeUint64:
		return TypeUint64
	case t == TypeFalse || t == TypeTrue:
		return TypeTrue
	default:
		return t
	}
}

// IsContainer reports whether the type opens a container.
func (t Type) IsContainer() bool {
	return t == TypeStruct || t == TypeArray || t == TypeList
}

func (t Type) String() string {
	switch t.canonical() {
	case TypeInt64:
		return "Int"
	case TypeUint64:
		return "Uint"
	case TypeTrue:
		return "Bool"
	case TypeFloat32:
		return "Float32"
	case TypeFloat64:
		return "Float64"
	case TypeUTF8:
		return "UTF8String"
	case TypeBytes:
		return "OctetString"
	case TypeNull:
		return "Null"
	case TypeStruct:
		return "Struct"
	case TypeArray:
		return "Array"
	case TypeList:
		return "List"
	case typeEnd:
		return "EndOfContainer"
	default:
		return "Reserved"
	}
}

// tagForm is the tag control from the upper 3 bits of the control octet
// (Spec A.7.2).
type tagForm uint8

const (
	formAnonymous tagForm = 0
	formContext   tagForm = 1
	formCommon2   tagForm = 2
	formCommon4   tagForm = 3
	formImplicit2 tagForm = 4
	formImplicit4 tagForm = 5
	formFull6     tagForm = 6
	formFull8     tagForm = 7
)

// size returns the encoded tag field width for the form.
func (f tagForm) size() int {
	switch f {
	case formAnonymous:
		return 0
	case formContext:
		return 1
	case formCommon2, formImplicit2:
		return 2
	case formCommon4, formImplicit4:
		return 4
	case formFull6:
		return 6
	default:
		return 8
	}
}

// Tag identifies a TLV element within its container.
type Tag struct {
	form    tagForm
	vendor  uint16
	profile uint16
	number  uint32
}

// AnonymousTag is the tag of untagged elements.
func AnonymousTag() Tag {
	return Tag{form: formAnonymous}
}

// ContextTag is a context-specific tag, scoped to the enclosing
// structure.
func ContextTag(number uint8) Tag {
	return Tag{form: formContext, number: uint32(number)}
}

// CommonTag is a common-profile tag. The 2- or 4-octet encoding is
// chosen from the tag number.
func CommonTag(number uint32) Tag {
	form := formCommon2
	if number > 0xFFFF {
		form = formCommon4
	}
	return Tag{form: form, number: number}
}

// ImplicitTag is an implicit-profile tag, resolved against a profile
// agreed out of band.
func ImplicitTag(number uint32) Tag {
	form := formImplicit2
	if number > 0xFFFF {
		form = formImplicit4
	}
	return Tag{form: form, number: number}
}

// ProfileTag is a fully qualified vendor/profile tag.
func ProfileTag(vendor, profile uint16, number uint32) Tag {
	form := formFull6
	if number > 0xFFFF {
		form = formFull8
	}
	return Tag{form: form, vendor: vendor, profile: profile, number: number}
}

// IsAnonymous reports whether the tag is the anonymous tag.
func (t Tag) IsAnonymous() bool {
	return t.form == formAnonymous
}

// IsContext reports whether the tag is context-specific.
func (t Tag) IsContext() bool {
	return t.form == formContext
}

// Number returns the tag number.
func (t Tag) Number() uint32 {
	return t.number
}

// Vendor returns the vendor ID of a fully qualified tag, 0 otherwise.
func (t Tag) Vendor() uint16 {
	return t.vendor
}

// Profile returns the profile number of a fully qualified tag, 0
// otherwise.
func (t Tag) Profile() uint16 {
	return t.profile
}
