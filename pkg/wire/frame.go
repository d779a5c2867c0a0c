package wire

import (
	"encoding/binary"
	"io"
)

// MaxStreamMessageSize bounds a single length-prefixed message on a
// stream transport. Streams are not MTU limited, but a peer still must
// not make us allocate unbounded buffers.
const MaxStreamMessageSize = 2 * MaxUDPMessageSize

// Message is a fully decoded message: both headers plus the application
// payload that follows the payload header.
type Message struct {
	Packet     PacketHeader
	Payload    PayloadHeader
	AppPayload []byte
}

// EncodePayload serializes the payload header followed by the
// application payload. This is the plaintext handed to SecureCodec.Seal
// for secure sessions, or appended directly after the packet header for
// the unsecured session.
func (m *Message) EncodePayload() []byte {
	buf := make([]byte, m.Payload.Size()+len(m.AppPayload))
	off := m.Payload.EncodeTo(buf)
	copy(buf[off:], m.AppPayload)
	return buf
}

// DecodePayload parses a decrypted payload into the message's payload
// header and application payload. The application payload is copied.
func (m *Message) DecodePayload(payload []byte) error {
	off, err := m.Payload.Decode(payload)
	if err != nil {
		return err
	}
	m.AppPayload = append([]byte(nil), payload[off:]...)
	return nil
}

// PeekSessionID reads the session ID and session type from a raw
// message without a full decode, for session table dispatch. The fields
// sit in the clear even for privacy-obfuscated messages.
func PeekSessionID(data []byte) (uint16, SessionType, error) {
	if len(data) < MinPacketHeaderSize {
		return 0, 0, ErrTooShort
	}
	sessionType := SessionType(data[3] & secFlagSessionTypeMask)
	if !sessionType.IsValid() {
		return 0, 0, ErrBadSessionType
	}
	return binary.LittleEndian.Uint16(data[1:3]), sessionType, nil
}

// StreamWriter frames messages onto a stream transport with the 4-byte
// little-endian length prefix (Spec Section 4.5.1).
type StreamWriter struct {
	w io.Writer
}

// NewStreamWriter wraps w with stream framing.
func NewStreamWriter(w io.Writer) *StreamWriter {
	return &StreamWriter{w: w}
}

// WriteMessage writes one length-prefixed message. The prefix and body
// go out in a single Write so small messages are not split across
// segments unnecessarily.
func (sw *StreamWriter) WriteMessage(msg []byte) error {
	if len(msg) > MaxStreamMessageSize {
		return ErrTooLong
	}
	buf := make([]byte, StreamLengthPrefixSize+len(msg))
	binary.LittleEndian.PutUint32(buf, uint32(len(msg)))
	copy(buf[StreamLengthPrefixSize:], msg)
	_, err := sw.w.Write(buf)
	return err
}

// StreamReader reads length-prefixed messages from a stream transport.
type StreamReader struct {
	r io.Reader
}

// NewStreamReader wraps r with stream framing.
func NewStreamReader(r io.Reader) *StreamReader {
	return &StreamReader{r: r}
}

// ReadMessage reads one length-prefixed message. io.EOF passes through
// untouched so callers can detect clean connection shutdown.
func (sr *StreamReader) ReadMessage() ([]byte, error) {
	var prefix [StreamLengthPrefixSize]byte
	if _, err := io.ReadFull(sr.r, prefix[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, ErrStreamRead
	}

	length := binary.LittleEndian.Uint32(prefix[:])
	if length == 0 {
		return nil, ErrBadLengthPrefix
	}
	if length > MaxStreamMessageSize {
		return nil, ErrTooLong
	}

	msg := make([]byte, length)
	if _, err := io.ReadFull(sr.r, msg); err != nil {
		return nil, ErrStreamRead
	}
	return msg, nil
}
