package wire

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestStreamFramingRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewStreamWriter(&buf)
	messages := [][]byte{
		{0x01},
		bytes.Repeat([]byte{0xAB}, 300),
		{0xFF, 0x00, 0xFF},
	}
	for _, msg := range messages {
		if err := w.WriteMessage(msg); err != nil {
			t.Fatalf("WriteMessage() error: %v", err)
		}
	}

	r := NewStreamReader(&buf)
	for i, want := range messages {
		got, err := r.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage() #%d error: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("message #%d mismatch: got %d bytes, want %d", i, len(got), len(want))
		}
	}
	if _, err := r.ReadMessage(); err != io.EOF {
		t.Fatalf("ReadMessage() at end error = %v, want io.EOF", err)
	}
}

func TestStreamReaderRejectsBadPrefix(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"zero length", []byte{0, 0, 0, 0}, ErrBadLengthPrefix},
		{"oversized", []byte{0xFF, 0xFF, 0xFF, 0xFF}, ErrTooLong},
		{"truncated prefix", []byte{1, 0}, ErrStreamRead},
		{"truncated body", []byte{10, 0, 0, 0, 1, 2}, ErrStreamRead},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewStreamReader(bytes.NewReader(tt.data))
			if _, err := r.ReadMessage(); !errors.Is(err, tt.want) {
				t.Fatalf("ReadMessage() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestStreamWriterRejectsOversized(t *testing.T) {
	w := NewStreamWriter(io.Discard)
	if err := w.WriteMessage(make([]byte, MaxStreamMessageSize+1)); !errors.Is(err, ErrTooLong) {
		t.Fatalf("WriteMessage() error = %v, want ErrTooLong", err)
	}
}
