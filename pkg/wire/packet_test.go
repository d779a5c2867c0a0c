package wire

import (
	"bytes"
	"errors"
	"testing"
)

func TestPacketHeaderRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		header PacketHeader
		size   int
	}{
		{
			name:   "minimal unsecured",
			header: PacketHeader{SessionID: 0, MessageCounter: 100},
			size:   8,
		},
		{
			name: "secure unicast",
			header: PacketHeader{
				SessionID:      0x1234,
				MessageCounter: 0xDEADBEEF,
			},
			size: 8,
		},
		{
			name: "with source node",
			header: PacketHeader{
				SessionID:      1,
				MessageCounter: 42,
				SourcePresent:  true,
				SourceNodeID:   0x0102030405060708,
			},
			size: 16,
		},
		{
			name: "with destination node",
			header: PacketHeader{
				SessionID:         1,
				MessageCounter:    42,
				Destination:       DestinationNode,
				DestinationNodeID: 0xCAFEBABE12345678,
			},
			size: 16,
		},
		{
			name: "group with source and group destination",
			header: PacketHeader{
				SessionID:          7,
				MessageCounter:     9,
				SessionType:        SessionTypeGroup,
				SourcePresent:      true,
				SourceNodeID:       5,
				Destination:        DestinationGroup,
				DestinationGroupID: 0xFF01,
			},
			size: 18,
		},
		{
			name: "privacy and control flags",
			header: PacketHeader{
				SessionID:      3,
				MessageCounter: 1,
				SourcePresent:  true,
				SourceNodeID:   11,
				Privacy:        true,
				Control:        true,
			},
			size: 16,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.header.Size(); got != tt.size {
				t.Fatalf("Size() = %d, want %d", got, tt.size)
			}
			encoded := tt.header.Encode()
			if len(encoded) != tt.size {
				t.Fatalf("Encode() produced %d bytes, want %d", len(encoded), tt.size)
			}

			var decoded PacketHeader
			n, err := decoded.Decode(encoded)
			if err != nil {
				t.Fatalf("Decode() error: %v", err)
			}
			if n != tt.size {
				t.Fatalf("Decode() consumed %d bytes, want %d", n, tt.size)
			}
			if decoded != tt.header {
				t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", decoded, tt.header)
			}
		})
	}
}

func TestPacketHeaderDecodeErrors(t *testing.T) {
	valid := (&PacketHeader{SessionID: 1, MessageCounter: 2}).Encode()

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, ErrTooShort},
		{"truncated fixed header", valid[:7], ErrTooShort},
		{"bad version", []byte{0x10, 0, 0, 0, 0, 0, 0, 0}, ErrBadVersion},
		{"reserved DSIZ", []byte{0x03, 0, 0, 0, 0, 0, 0, 0}, ErrBadDSIZ},
		{"reserved session type", []byte{0x00, 0, 0, 0x02, 0, 0, 0, 0}, ErrBadSessionType},
		{"missing source node ID", []byte{0x04, 0, 0, 0, 0, 0, 0, 0}, ErrTooShort},
		{"missing destination node ID", []byte{0x01, 0, 0, 0, 0, 0, 0, 0}, ErrTooShort},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var h PacketHeader
			if _, err := h.Decode(tt.data); !errors.Is(err, tt.want) {
				t.Fatalf("Decode() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestPacketHeaderValidate(t *testing.T) {
	tests := []struct {
		name   string
		header PacketHeader
		want   error
	}{
		{
			name:   "unicast without destination",
			header: PacketHeader{SessionID: 1},
			want:   nil,
		},
		{
			name: "group message with source and destination",
			header: PacketHeader{
				SessionType:   SessionTypeGroup,
				SourcePresent: true,
				Destination:   DestinationGroup,
			},
			want: nil,
		},
		{
			name:   "group message without source",
			header: PacketHeader{SessionType: SessionTypeGroup, Destination: DestinationGroup},
			want:   ErrSourceRequired,
		},
		{
			name:   "group message without destination",
			header: PacketHeader{SessionType: SessionTypeGroup, SourcePresent: true},
			want:   ErrBadDSIZ,
		},
		{
			name:   "unicast with group destination",
			header: PacketHeader{Destination: DestinationGroup},
			want:   ErrBadDSIZ,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.header.Validate(); !errors.Is(err, tt.want) {
				t.Fatalf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestPacketHeaderIsSecure(t *testing.T) {
	unsecured := PacketHeader{SessionID: 0, SessionType: SessionTypeUnicast}
	if unsecured.IsSecure() {
		t.Error("session ID 0 unicast should be unsecured")
	}
	secure := PacketHeader{SessionID: 1}
	if !secure.IsSecure() {
		t.Error("nonzero session ID should be secure")
	}
	group := PacketHeader{SessionID: 0, SessionType: SessionTypeGroup}
	if !group.IsSecure() {
		t.Error("group session type should be secure even with session ID 0")
	}
}

func TestPayloadHeaderRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		header PayloadHeader
		size   int
	}{
		{
			name: "minimal",
			header: PayloadHeader{
				ProtocolID: ProtocolSecureChannel,
				Opcode:     0x20,
				ExchangeID: 0xABCD,
				Initiator:  true,
			},
			size: 6,
		},
		{
			name: "with ack",
			header: PayloadHeader{
				ProtocolID: ProtocolInteractionModel,
				Opcode:     0x02,
				ExchangeID: 1,
				AckPresent: true,
				AckCounter: 0x11223344,
				Reliable:   true,
			},
			size: 10,
		},
		{
			name: "with vendor",
			header: PayloadHeader{
				ProtocolID:    0x0001,
				Opcode:        0xFF,
				ExchangeID:    2,
				VendorPresent: true,
				VendorID:      0xFFF1,
			},
			size: 8,
		},
		{
			name: "all optional fields",
			header: PayloadHeader{
				ProtocolID:    ProtocolBDX,
				Opcode:        0x01,
				ExchangeID:    0xFFFF,
				VendorPresent: true,
				VendorID:      0x1234,
				AckPresent:    true,
				AckCounter:    7,
				Initiator:     true,
				Reliable:      true,
			},
			size: 12,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.header.Size(); got != tt.size {
				t.Fatalf("Size() = %d, want %d", got, tt.size)
			}
			encoded := tt.header.Encode()

			var decoded PayloadHeader
			n, err := decoded.Decode(encoded)
			if err != nil {
				t.Fatalf("Decode() error: %v", err)
			}
			if n != tt.size {
				t.Fatalf("Decode() consumed %d bytes, want %d", n, tt.size)
			}
			if decoded != tt.header {
				t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", decoded, tt.header)
			}
		})
	}
}

func TestPayloadHeaderDecodeTruncated(t *testing.T) {
	h := PayloadHeader{
		ProtocolID: ProtocolSecureChannel,
		ExchangeID: 1,
		AckPresent: true,
		AckCounter: 99,
	}
	encoded := h.Encode()

	for cut := 1; cut < len(encoded); cut++ {
		var decoded PayloadHeader
		if _, err := decoded.Decode(encoded[:cut]); !errors.Is(err, ErrTooShort) {
			t.Errorf("Decode() with %d bytes: error = %v, want ErrTooShort", cut, err)
		}
	}
}

func TestPayloadHeaderWireLayout(t *testing.T) {
	h := PayloadHeader{
		ProtocolID: ProtocolSecureChannel,
		Opcode:     0x10,
		ExchangeID: 0x0201,
		AckPresent: true,
		AckCounter: 0x04030201,
		Initiator:  true,
	}
	want := []byte{
		0x03,       // I | A
		0x10,       // opcode
		0x01, 0x02, // exchange ID LE
		0x00, 0x00, // protocol ID LE
		0x01, 0x02, 0x03, 0x04, // ack counter LE
	}
	if got := h.Encode(); !bytes.Equal(got, want) {
		t.Fatalf("Encode() = % X, want % X", got, want)
	}
}

func TestMessageEncodePayload(t *testing.T) {
	m := Message{
		Payload: PayloadHeader{
			ProtocolID: ProtocolSecureChannel,
			Opcode:     0x33,
			ExchangeID: 5,
			Initiator:  true,
		},
		AppPayload: []byte{0xAA, 0xBB, 0xCC},
	}
	encoded := m.EncodePayload()

	var decoded Message
	if err := decoded.DecodePayload(encoded); err != nil {
		t.Fatalf("DecodePayload() error: %v", err)
	}
	if decoded.Payload != m.Payload {
		t.Fatalf("payload header mismatch: got %+v, want %+v", decoded.Payload, m.Payload)
	}
	if !bytes.Equal(decoded.AppPayload, m.AppPayload) {
		t.Fatalf("app payload mismatch: got % X, want % X", decoded.AppPayload, m.AppPayload)
	}
}

func TestPeekSessionID(t *testing.T) {
	h := PacketHeader{SessionID: 0x4321, SessionType: SessionTypeGroup, SourcePresent: true, SourceNodeID: 1, Destination: DestinationGroup, DestinationGroupID: 2}
	id, st, err := PeekSessionID(h.Encode())
	if err != nil {
		t.Fatalf("PeekSessionID() error: %v", err)
	}
	if id != 0x4321 || st != SessionTypeGroup {
		t.Fatalf("PeekSessionID() = (%#x, %v), want (0x4321, Group)", id, st)
	}

	if _, _, err := PeekSessionID([]byte{0, 1, 2}); !errors.Is(err, ErrTooShort) {
		t.Fatalf("short peek error = %v, want ErrTooShort", err)
	}
}
