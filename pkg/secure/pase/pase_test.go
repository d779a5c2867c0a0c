package pase

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/hearthlink/matter/pkg/crypto/spake2p"
)

const (
	testPasscode   = 20202021
	testIterations = 1000
)

var testSalt = []byte("SPAKE2P Key Salt")

func TestGenerateVerifier(t *testing.T) {
	v, err := GenerateVerifier(testPasscode, testSalt, testIterations)
	if err != nil {
		t.Fatalf("GenerateVerifier: %v", err)
	}

	// Deterministic, and L must be the registration record of w1.
	w0, w1, err := DeriveW0W1(testPasscode, testSalt, testIterations)
	if err != nil {
		t.Fatalf("DeriveW0W1: %v", err)
	}
	if !bytes.Equal(w0, v.W0[:]) {
		t.Error("verifier w0 does not match derived w0")
	}
	l, err := spake2p.RegistrationRecord(w1)
	if err != nil {
		t.Fatalf("RegistrationRecord: %v", err)
	}
	if !bytes.Equal(l, v.L[:]) {
		t.Error("verifier L does not match w1*P")
	}

	round, err := DeserializeVerifier(v.Serialize())
	if err != nil {
		t.Fatalf("DeserializeVerifier: %v", err)
	}
	if *round != *v {
		t.Error("serialize round trip mismatch")
	}

	if _, err := DeserializeVerifier(v.Serialize()[:VerifierSize-1]); err == nil {
		t.Error("truncated verifier accepted")
	}
}

func TestValidatePasscode(t *testing.T) {
	valid := []uint32{1, 20202021, 99999998, 123456, 98765432}
	for _, p := range valid {
		if err := ValidatePasscode(p); err != nil {
			t.Errorf("passcode %d rejected: %v", p, err)
		}
	}
	invalid := []uint32{
		0, 11111111, 22222222, 33333333, 44444444, 55555555,
		66666666, 77777777, 88888888, 99999999,
		12345678, 87654321,
		100000000, 4294967295,
	}
	for _, p := range invalid {
		if err := ValidatePasscode(p); !errors.Is(err, ErrBadPasscode) {
			t.Errorf("passcode %d accepted", p)
		}
	}
}

func TestValidatePBKDFParams(t *testing.T) {
	if err := ValidatePBKDFParams(testSalt, testIterations); err != nil {
		t.Fatalf("valid params rejected: %v", err)
	}
	if err := ValidatePBKDFParams(make([]byte, 15), testIterations); !errors.Is(err, ErrBadSalt) {
		t.Error("short salt accepted")
	}
	if err := ValidatePBKDFParams(make([]byte, 33), testIterations); !errors.Is(err, ErrBadSalt) {
		t.Error("long salt accepted")
	}
	if err := ValidatePBKDFParams(testSalt, 999); !errors.Is(err, ErrBadIterations) {
		t.Error("low iteration count accepted")
	}
	if err := ValidatePBKDFParams(testSalt, 100001); !errors.Is(err, ErrBadIterations) {
		t.Error("high iteration count accepted")
	}
}

// runHandshake drives a full loopback establishment and returns both
// sides' keys.
func runHandshake(t *testing.T, initiator, responder *Handshake) (*SessionKeys, *SessionKeys) {
	t.Helper()

	req, err := initiator.Start(&SessionParams{IdleInterval: 500, ActiveInterval: 300})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	resp, err := responder.HandlePBKDFParamRequest(req, &SessionParams{IdleInterval: 5000})
	if err != nil {
		t.Fatalf("HandlePBKDFParamRequest: %v", err)
	}
	pake1, err := initiator.HandlePBKDFParamResponse(resp)
	if err != nil {
		t.Fatalf("HandlePBKDFParamResponse: %v", err)
	}
	pake2, err := responder.HandlePake1(pake1)
	if err != nil {
		t.Fatalf("HandlePake1: %v", err)
	}
	pake3, err := initiator.HandlePake2(pake2)
	if err != nil {
		t.Fatalf("HandlePake2: %v", err)
	}
	if err := responder.HandlePake3(pake3); err != nil {
		t.Fatalf("HandlePake3: %v", err)
	}

	ik, err := initiator.SessionKeys()
	if err != nil {
		t.Fatalf("initiator SessionKeys: %v", err)
	}
	rk, err := responder.SessionKeys()
	if err != nil {
		t.Fatalf("responder SessionKeys: %v", err)
	}
	return ik, rk
}

func TestHandshake(t *testing.T) {
	v, err := GenerateVerifier(testPasscode, testSalt, testIterations)
	if err != nil {
		t.Fatal(err)
	}
	initiator, err := NewInitiator(testPasscode, 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	responder, err := NewResponder(v, testSalt, testIterations, 20, nil)
	if err != nil {
		t.Fatal(err)
	}

	ik, rk := runHandshake(t, initiator, responder)
	if *ik != *rk {
		t.Fatal("session keys disagree")
	}
	if ik.I2RKey == ik.R2IKey {
		t.Error("directional keys are identical")
	}

	if initiator.PeerSessionID() != 20 || responder.PeerSessionID() != 10 {
		t.Errorf("peer session IDs: initiator %d responder %d",
			initiator.PeerSessionID(), responder.PeerSessionID())
	}
	if p := initiator.PeerParams(); p == nil || p.IdleInterval != 5000 {
		t.Error("initiator missed responder session params")
	}
	if p := responder.PeerParams(); p == nil || p.IdleInterval != 500 || p.ActiveInterval != 300 {
		t.Error("responder missed initiator session params")
	}
	if !initiator.Established() || !responder.Established() {
		t.Error("handshakes not marked established")
	}
}

func TestHandshakeKnownParams(t *testing.T) {
	v, err := GenerateVerifier(testPasscode, testSalt, testIterations)
	if err != nil {
		t.Fatal(err)
	}
	initiator, err := NewInitiator(testPasscode, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := initiator.SetKnownPBKDFParams(testSalt, testIterations); err != nil {
		t.Fatal(err)
	}
	responder, err := NewResponder(v, testSalt, testIterations, 2, nil)
	if err != nil {
		t.Fatal(err)
	}

	req, err := initiator.Start(nil)
	if err != nil {
		t.Fatal(err)
	}
	respBytes, err := responder.HandlePBKDFParamRequest(req, nil)
	if err != nil {
		t.Fatal(err)
	}

	// The responder must omit the parameters the initiator already has.
	resp, err := DecodePBKDFParamResponse(respBytes)
	if err != nil {
		t.Fatal(err)
	}
	if resp.PBKDFParams != nil {
		t.Error("PBKDF params sent despite initiator knowing them")
	}

	pake1, err := initiator.HandlePBKDFParamResponse(respBytes)
	if err != nil {
		t.Fatal(err)
	}
	pake2, err := responder.HandlePake1(pake1)
	if err != nil {
		t.Fatal(err)
	}
	pake3, err := initiator.HandlePake2(pake2)
	if err != nil {
		t.Fatal(err)
	}
	if err := responder.HandlePake3(pake3); err != nil {
		t.Fatal(err)
	}
	ik, _ := initiator.SessionKeys()
	rk, _ := responder.SessionKeys()
	if ik == nil || rk == nil || *ik != *rk {
		t.Fatal("session keys disagree")
	}
}

func TestHandshakeWrongPasscode(t *testing.T) {
	v, err := GenerateVerifier(testPasscode, testSalt, testIterations)
	if err != nil {
		t.Fatal(err)
	}
	initiator, err := NewInitiator(testPasscode+1, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	responder, err := NewResponder(v, testSalt, testIterations, 2, nil)
	if err != nil {
		t.Fatal(err)
	}

	req, _ := initiator.Start(nil)
	resp, err := responder.HandlePBKDFParamRequest(req, nil)
	if err != nil {
		t.Fatal(err)
	}
	pake1, err := initiator.HandlePBKDFParamResponse(resp)
	if err != nil {
		t.Fatal(err)
	}
	pake2, err := responder.HandlePake1(pake1)
	if err != nil {
		t.Fatal(err)
	}

	// Confirmation keys disagree, so the responder's MAC fails to check.
	if _, err := initiator.HandlePake2(pake2); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("HandlePake2 with wrong passcode: %v", err)
	}
	if !initiator.Failed() {
		t.Error("initiator not marked failed")
	}
	if _, err := initiator.SessionKeys(); !errors.Is(err, ErrNotEstablished) {
		t.Error("session keys released after failed confirmation")
	}
}

func TestHandshakeBadPasscodeID(t *testing.T) {
	v, err := GenerateVerifier(testPasscode, testSalt, testIterations)
	if err != nil {
		t.Fatal(err)
	}
	responder, err := NewResponder(v, testSalt, testIterations, 2, nil)
	if err != nil {
		t.Fatal(err)
	}

	req := &PBKDFParamRequest{InitiatorSessionID: 1, PasscodeID: 5}
	data, err := req.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := responder.HandlePBKDFParamRequest(data, nil); !errors.Is(err, ErrBadPasscodeID) {
		t.Fatalf("unknown passcode ID accepted: %v", err)
	}
}

func TestHandshakeRandomMismatch(t *testing.T) {
	initiator, err := NewInitiator(testPasscode, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := initiator.Start(nil); err != nil {
		t.Fatal(err)
	}

	var wrong [RandomSize]byte
	wrong[0] = 0xFF
	resp := &PBKDFParamResponse{
		InitiatorRandom:    wrong,
		ResponderSessionID: 2,
		PBKDFParams:        &PBKDFParams{Iterations: testIterations, Salt: testSalt},
	}
	data, err := resp.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := initiator.HandlePBKDFParamResponse(data); !errors.Is(err, ErrRandomMismatch) {
		t.Fatalf("echoed random not checked: %v", err)
	}
}

func TestHandshakeOutOfOrder(t *testing.T) {
	initiator, err := NewInitiator(testPasscode, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := initiator.HandlePake2(nil); !errors.Is(err, ErrBadState) {
		t.Error("Pake2 accepted before Start")
	}

	v, _ := GenerateVerifier(testPasscode, testSalt, testIterations)
	responder, err := NewResponder(v, testSalt, testIterations, 2, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := responder.HandlePake1(nil); !errors.Is(err, ErrBadState) {
		t.Error("Pake1 accepted before parameter exchange")
	}
	if err := responder.HandlePake3(nil); !errors.Is(err, ErrBadState) {
		t.Error("Pake3 accepted before Pake2")
	}
}

func TestThrottle(t *testing.T) {
	now := time.Unix(1000, 0)
	th := NewThrottle()
	th.now = func() time.Time { return now }

	if _, ok := th.Admit(); !ok {
		t.Fatal("fresh throttle refused admission")
	}

	th.RecordFailure()
	wait, ok := th.Admit()
	if ok || wait != DefaultHoldOffBase {
		t.Fatalf("after 1 failure: wait %v ok %v", wait, ok)
	}

	now = now.Add(DefaultHoldOffBase)
	if _, ok := th.Admit(); !ok {
		t.Fatal("hold-off did not expire")
	}

	// Hold-off doubles per consecutive failure.
	th.RecordFailure()
	if wait, _ := th.Admit(); wait != 2*DefaultHoldOffBase {
		t.Fatalf("after 2 failures: wait %v", wait)
	}

	th.RecordSuccess()
	if _, ok := th.Admit(); !ok {
		t.Fatal("success did not clear hold-off")
	}
	if th.Failures() != 0 {
		t.Fatal("success did not clear failure count")
	}
}

func TestThrottleLockout(t *testing.T) {
	now := time.Unix(1000, 0)
	th := NewThrottle()
	th.now = func() time.Time { return now }

	for i := 0; i < DefaultMaxFailures; i++ {
		th.RecordFailure()
		now = now.Add(DefaultHoldOffMax)
	}
	if !th.LockedOut() {
		t.Fatal("not locked out at the failure limit")
	}
	wait, ok := th.Admit()
	if ok || wait != 0 {
		t.Fatalf("lockout should refuse indefinitely: wait %v ok %v", wait, ok)
	}

	// Only the administrative reset unlocks.
	th.Reset()
	if th.LockedOut() {
		t.Fatal("reset did not unlock")
	}
	if _, ok := th.Admit(); !ok {
		t.Fatal("reset did not readmit")
	}
}
