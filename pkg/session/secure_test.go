package session

import (
	"bytes"
	"errors"
	"testing"

	"github.com/hearthlink/matter/pkg/wire"
)

var (
	testI2R = bytes.Repeat([]byte{0x1A}, KeySize)
	testR2I = bytes.Repeat([]byte{0x2B}, KeySize)
)

// sessionPair builds matching initiator and responder contexts, as
// PASE or CASE establishment would on each side.
func sessionPair(t *testing.T, kind Kind) (*SecureContext, *SecureContext) {
	t.Helper()

	initiator, err := NewSecure(SecureConfig{
		Kind:           kind,
		Role:           RoleInitiator,
		LocalSessionID: 10,
		PeerSessionID:  20,
		I2RKey:         testI2R,
		R2IKey:         testR2I,
		LocalNodeID:    0x1111,
		PeerNodeID:     0x2222,
	})
	if err != nil {
		t.Fatalf("NewSecure(initiator) error: %v", err)
	}

	responder, err := NewSecure(SecureConfig{
		Kind:           kind,
		Role:           RoleResponder,
		LocalSessionID: 20,
		PeerSessionID:  10,
		I2RKey:         testI2R,
		R2IKey:         testR2I,
		LocalNodeID:    0x2222,
		PeerNodeID:     0x1111,
	})
	if err != nil {
		t.Fatalf("NewSecure(responder) error: %v", err)
	}
	return initiator, responder
}

func TestSecureSessionRoundTrip(t *testing.T) {
	for _, kind := range []Kind{KindPASE, KindCASE} {
		t.Run(kind.String(), func(t *testing.T) {
			initiator, responder := sessionPair(t, kind)

			payload := []byte("exchange payload")
			msg, _, err := initiator.Seal(payload)
			if err != nil {
				t.Fatalf("Seal() error: %v", err)
			}

			header, got, err := responder.Open(msg)
			if err != nil {
				t.Fatalf("Open() error: %v", err)
			}
			if header.SessionID != responder.LocalSessionID() {
				t.Fatalf("message session ID = %d, want %d", header.SessionID, responder.LocalSessionID())
			}
			if !bytes.Equal(got, payload) {
				t.Fatalf("payload mismatch: got %q", got)
			}

			// And the reverse direction.
			reply, _, err := responder.Seal([]byte("reply"))
			if err != nil {
				t.Fatalf("responder Seal() error: %v", err)
			}
			if _, got, err = initiator.Open(reply); err != nil || !bytes.Equal(got, []byte("reply")) {
				t.Fatalf("initiator Open() = (%q, %v)", got, err)
			}
		})
	}
}

func TestSecureSessionReplayRejected(t *testing.T) {
	initiator, responder := sessionPair(t, KindCASE)

	msg, _, err := initiator.Seal([]byte("once"))
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := responder.Open(msg); err != nil {
		t.Fatalf("first Open() error: %v", err)
	}
	if _, _, err := responder.Open(msg); !errors.Is(err, wire.ErrReplay) {
		t.Fatalf("replayed Open() error = %v, want wire.ErrReplay", err)
	}
}

func TestSecureSessionTamperRejected(t *testing.T) {
	initiator, responder := sessionPair(t, KindCASE)
	msg, _, err := initiator.Seal([]byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	msg[len(msg)-1] ^= 0x80
	if _, _, err := responder.Open(msg); !errors.Is(err, wire.ErrAuthentication) {
		t.Fatalf("tampered Open() error = %v, want wire.ErrAuthentication", err)
	}
}

func TestSecureSessionDirectionalKeys(t *testing.T) {
	initiator, _ := sessionPair(t, KindCASE)

	// A message sealed by the initiator must not decrypt on another
	// initiator-role context (same keys, wrong direction).
	other, err := NewSecure(SecureConfig{
		Kind:           KindCASE,
		Role:           RoleInitiator,
		LocalSessionID: 30,
		PeerSessionID:  10,
		I2RKey:         testI2R,
		R2IKey:         testR2I,
		LocalNodeID:    0x2222,
		PeerNodeID:     0x1111,
	})
	if err != nil {
		t.Fatal(err)
	}

	msg, _, err := initiator.Seal([]byte("directional"))
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := other.Open(msg); !errors.Is(err, wire.ErrAuthentication) {
		t.Fatalf("wrong-direction Open() error = %v, want wire.ErrAuthentication", err)
	}
}

func TestSecureSessionClosed(t *testing.T) {
	initiator, responder := sessionPair(t, KindPASE)
	msg, _, err := initiator.Seal([]byte("x"))
	if err != nil {
		t.Fatal(err)
	}

	responder.Close()
	if _, _, err := responder.Open(msg); !errors.Is(err, ErrClosed) {
		t.Fatalf("Open() after Close error = %v, want ErrClosed", err)
	}
	if _, _, err := responder.Seal([]byte("y")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Seal() after Close error = %v, want ErrClosed", err)
	}
	// Close is idempotent.
	responder.Close()
}

func TestNewSecureValidation(t *testing.T) {
	base := SecureConfig{
		Kind:           KindPASE,
		Role:           RoleResponder,
		LocalSessionID: 1,
		PeerSessionID:  2,
		I2RKey:         testI2R,
		R2IKey:         testR2I,
	}

	tests := []struct {
		name   string
		mutate func(*SecureConfig)
		want   error
	}{
		{"bad kind", func(c *SecureConfig) { c.Kind = Kind(9) }, ErrBadKind},
		{"bad role", func(c *SecureConfig) { c.Role = Role(9) }, ErrBadRole},
		{"zero local ID", func(c *SecureConfig) { c.LocalSessionID = 0 }, ErrBadSessionID},
		{"zero peer ID", func(c *SecureConfig) { c.PeerSessionID = 0 }, ErrBadSessionID},
		{"short I2R", func(c *SecureConfig) { c.I2RKey = c.I2RKey[:8] }, ErrBadKey},
		{"short R2I", func(c *SecureConfig) { c.R2IKey = nil }, ErrBadKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			if _, err := NewSecure(cfg); !errors.Is(err, tt.want) {
				t.Fatalf("NewSecure() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSecureSessionSharedSecretCopied(t *testing.T) {
	secret := []byte{1, 2, 3, 4}
	ctx, err := NewSecure(SecureConfig{
		Kind:           KindCASE,
		Role:           RoleInitiator,
		LocalSessionID: 1,
		PeerSessionID:  2,
		I2RKey:         testI2R,
		R2IKey:         testR2I,
		SharedSecret:   secret,
		CaseAuthTags:   []uint32{1, 2, 3, 4, 5},
	})
	if err != nil {
		t.Fatal(err)
	}

	secret[0] = 0xFF
	if got := ctx.SharedSecret(); got[0] == 0xFF {
		t.Fatal("shared secret aliases caller's slice")
	}
	if got := ctx.CaseAuthTags(); len(got) != MaxCATs {
		t.Fatalf("CATs truncated to %d, want %d", len(got), MaxCATs)
	}

	ctx.Close()
	if got := ctx.SharedSecret(); !bytes.Equal(got, make([]byte, 4)) {
		t.Fatalf("shared secret not zeroized on Close: % X", got)
	}
}

func TestSecureSessionCounterExhaustion(t *testing.T) {
	sctx, err := NewSecure(SecureConfig{
		Kind:           KindCASE,
		Role:           RoleInitiator,
		LocalSessionID: 10,
		PeerSessionID:  20,
		I2RKey:         testI2R,
		R2IKey:         testR2I,
		LocalNodeID:    0x1111,
		PeerNodeID:     0x2222,
		Counter:        wire.NewSessionCounterAt(0xFFFFFFFF),
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, counter, err := sctx.Seal([]byte("final")); err != nil || counter != 0xFFFFFFFF {
		t.Fatalf("Seal() at last counter = (%d, %v), want (0xFFFFFFFF, nil)", counter, err)
	}
	for i := 0; i < 2; i++ {
		if _, _, err := sctx.Seal([]byte("spent")); !errors.Is(err, wire.ErrCounterExhausted) {
			t.Fatalf("Seal() after exhaustion = %v, want wire.ErrCounterExhausted", err)
		}
	}
}
