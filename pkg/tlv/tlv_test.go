package tlv

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func encode(t *testing.T, build func(w *Writer)) []byte {
	t.Helper()
	w := NewWriter()
	build(w)
	data, err := w.Bytes()
	if err != nil {
		t.Fatalf("Bytes() error: %v", err)
	}
	return data
}

func TestWriterMinimalIntegerWidths(t *testing.T) {
	tests := []struct {
		name  string
		build func(w *Writer)
		want  []byte
	}{
		{
			"uint8",
			func(w *Writer) { w.PutUint(AnonymousTag(), 42) },
			[]byte{0x04, 0x2A},
		},
		{
			"uint16",
			func(w *Writer) { w.PutUint(AnonymousTag(), 0x1234) },
			[]byte{0x05, 0x34, 0x12},
		},
		{
			"uint32",
			func(w *Writer) { w.PutUint(AnonymousTag(), 0x10000) },
			[]byte{0x06, 0x00, 0x00, 0x01, 0x00},
		},
		{
			"uint64",
			func(w *Writer) { w.PutUint(AnonymousTag(), 0x100000000) },
			[]byte{0x07, 0, 0, 0, 0, 1, 0, 0, 0},
		},
		{
			"int8 negative",
			func(w *Writer) { w.PutInt(AnonymousTag(), -17) },
			[]byte{0x00, 0xEF},
		},
		{
			"int16",
			func(w *Writer) { w.PutInt(AnonymousTag(), -1000) },
			[]byte{0x01, 0x18, 0xFC},
		},
		{
			"context tag",
			func(w *Writer) { w.PutUint(ContextTag(3), 5) },
			[]byte{0x24, 0x03, 0x05},
		},
		{
			"bool true with context tag",
			func(w *Writer) { w.PutBool(ContextTag(1), true) },
			[]byte{0x29, 0x01},
		},
		{
			"null",
			func(w *Writer) { w.PutNull(AnonymousTag()) },
			[]byte{0x14},
		},
		{
			"short octet string",
			func(w *Writer) { w.PutBytes(ContextTag(2), []byte{0xAA, 0xBB}) },
			[]byte{0x30, 0x02, 0x02, 0xAA, 0xBB},
		},
		{
			"utf8 string",
			func(w *Writer) { w.PutString(AnonymousTag(), "hi") },
			[]byte{0x0C, 0x02, 'h', 'i'},
		},
		{
			"empty struct",
			func(w *Writer) { w.StartStruct(AnonymousTag()); w.EndContainer() },
			[]byte{0x15, 0x18},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := encode(t, tt.build); !bytes.Equal(got, tt.want) {
				t.Fatalf("encoded % X, want % X", got, tt.want)
			}
		})
	}
}

func TestWriterCommonAndProfileTags(t *testing.T) {
	data := encode(t, func(w *Writer) {
		w.PutUint(CommonTag(0x0100), 1)
		w.PutUint(ProfileTag(0xFFF1, 0xDEED, 0xAA55FEED), 2)
	})

	r := NewReader(data)
	if err := r.Next(); err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	if r.Tag().Number() != 0x0100 {
		t.Fatalf("common tag number = %#x", r.Tag().Number())
	}
	if err := r.Next(); err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	tag := r.Tag()
	if tag.Vendor() != 0xFFF1 || tag.Profile() != 0xDEED || tag.Number() != 0xAA55FEED {
		t.Fatalf("profile tag = %+v", tag)
	}
}

func TestReaderRoundTrip(t *testing.T) {
	data := encode(t, func(w *Writer) {
		w.StartStruct(AnonymousTag())
		w.PutUint(ContextTag(1), 1000)
		w.PutBytes(ContextTag(2), []byte{1, 2, 3})
		w.PutBool(ContextTag(3), false)
		w.PutInt(ContextTag(4), -5)
		w.PutString(ContextTag(5), "name")
		w.PutNull(ContextTag(6))
		w.EndContainer()
	})

	r := NewReader(data)
	if err := r.Next(); err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	if r.Type() != TypeStruct {
		t.Fatalf("Type() = %v, want Struct", r.Type())
	}
	if err := r.EnterContainer(); err != nil {
		t.Fatalf("EnterContainer() error: %v", err)
	}

	if err := r.Next(); err != nil {
		t.Fatal(err)
	}
	if v, err := r.Uint(); err != nil || v != 1000 {
		t.Fatalf("Uint() = (%d, %v), want 1000", v, err)
	}
	if r.Tag().Number() != 1 {
		t.Fatalf("tag = %d, want 1", r.Tag().Number())
	}

	if err := r.Next(); err != nil {
		t.Fatal(err)
	}
	if b, err := r.Bytes(); err != nil || !bytes.Equal(b, []byte{1, 2, 3}) {
		t.Fatalf("Bytes() = (% X, %v)", b, err)
	}

	if err := r.Next(); err != nil {
		t.Fatal(err)
	}
	if b, err := r.Bool(); err != nil || b {
		t.Fatalf("Bool() = (%v, %v), want false", b, err)
	}

	if err := r.Next(); err != nil {
		t.Fatal(err)
	}
	if v, err := r.Int(); err != nil || v != -5 {
		t.Fatalf("Int() = (%d, %v), want -5", v, err)
	}

	if err := r.Next(); err != nil {
		t.Fatal(err)
	}
	if s, err := r.String(); err != nil || s != "name" {
		t.Fatalf("String() = (%q, %v)", s, err)
	}

	if err := r.Next(); err != nil {
		t.Fatal(err)
	}
	if !r.IsNull() {
		t.Fatal("expected null element")
	}

	if err := r.Next(); !errors.Is(err, ErrEndOfContainer) {
		t.Fatalf("Next() at container end = %v, want ErrEndOfContainer", err)
	}
	if err := r.ExitContainer(); err != nil {
		t.Fatalf("ExitContainer() error: %v", err)
	}
	if err := r.Next(); err != io.EOF {
		t.Fatalf("Next() at end = %v, want io.EOF", err)
	}
}

func TestReaderExitSkipsNestedContainers(t *testing.T) {
	data := encode(t, func(w *Writer) {
		w.StartStruct(AnonymousTag())
		w.PutUint(ContextTag(1), 1)
		w.StartArray(ContextTag(2))
		w.PutUint(AnonymousTag(), 10)
		w.StartList(AnonymousTag())
		w.PutUint(AnonymousTag(), 11)
		w.EndContainer()
		w.EndContainer()
		w.PutUint(ContextTag(3), 3)
		w.EndContainer()
		w.PutUint(AnonymousTag(), 99)
	})

	r := NewReader(data)
	if err := r.Next(); err != nil {
		t.Fatal(err)
	}
	if err := r.EnterContainer(); err != nil {
		t.Fatal(err)
	}
	// Read only the first member, then bail out.
	if err := r.Next(); err != nil {
		t.Fatal(err)
	}
	if err := r.ExitContainer(); err != nil {
		t.Fatalf("ExitContainer() error: %v", err)
	}

	if err := r.Next(); err != nil {
		t.Fatal(err)
	}
	if v, err := r.Uint(); err != nil || v != 99 {
		t.Fatalf("element after container = (%d, %v), want 99", v, err)
	}
}

func TestReaderTypeMismatch(t *testing.T) {
	data := encode(t, func(w *Writer) { w.PutUint(AnonymousTag(), 7) })
	r := NewReader(data)
	if err := r.Next(); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Int(); !errors.Is(err, ErrWrongType) {
		t.Fatalf("Int() on uint = %v, want ErrWrongType", err)
	}
	if _, err := r.Bytes(); !errors.Is(err, ErrWrongType) {
		t.Fatalf("Bytes() on uint = %v, want ErrWrongType", err)
	}
	if _, err := r.Bool(); !errors.Is(err, ErrWrongType) {
		t.Fatalf("Bool() on uint = %v, want ErrWrongType", err)
	}
}

func TestReaderTruncated(t *testing.T) {
	full := encode(t, func(w *Writer) {
		w.PutBytes(ContextTag(1), bytes.Repeat([]byte{0xCC}, 10))
	})

	for cut := 1; cut < len(full); cut++ {
		r := NewReader(full[:cut])
		if err := r.Next(); !errors.Is(err, ErrTruncated) {
			t.Fatalf("Next() with %d bytes = %v, want ErrTruncated", cut, err)
		}
	}
}

func TestReaderUnterminatedContainer(t *testing.T) {
	// Struct open without end marker.
	r := NewReader([]byte{0x15, 0x24, 0x01, 0x05})
	if err := r.Next(); err != nil {
		t.Fatal(err)
	}
	if err := r.EnterContainer(); err != nil {
		t.Fatal(err)
	}
	if err := r.Next(); err != nil {
		t.Fatal(err)
	}
	if err := r.Next(); !errors.Is(err, ErrTruncated) {
		t.Fatalf("Next() in unterminated container = %v, want ErrTruncated", err)
	}
}

func TestWriterUnbalancedContainers(t *testing.T) {
	w := NewWriter()
	w.StartStruct(AnonymousTag())
	if _, err := w.Bytes(); !errors.Is(err, ErrNesting) {
		t.Fatalf("Bytes() with open container = %v, want ErrNesting", err)
	}

	w = NewWriter()
	w.EndContainer()
	if _, err := w.Bytes(); !errors.Is(err, ErrNesting) {
		t.Fatalf("Bytes() after stray EndContainer = %v, want ErrNesting", err)
	}
}

func TestReaderStrayEndMarker(t *testing.T) {
	r := NewReader([]byte{0x18})
	if err := r.Next(); !errors.Is(err, ErrBadControl) {
		t.Fatalf("Next() on stray end marker = %v, want ErrBadControl", err)
	}
}

func TestLargeOctetString(t *testing.T) {
	payload := bytes.Repeat([]byte{0x5A}, 300)
	data := encode(t, func(w *Writer) { w.PutBytes(AnonymousTag(), payload) })
	// 2-octet length form.
	if data[0] != 0x11 {
		t.Fatalf("control octet = %#x, want 0x11", data[0])
	}

	r := NewReader(data)
	if err := r.Next(); err != nil {
		t.Fatal(err)
	}
	got, err := r.Bytes()
	if err != nil || !bytes.Equal(got, payload) {
		t.Fatalf("Bytes() mismatch: len=%d err=%v", len(got), err)
	}
}
