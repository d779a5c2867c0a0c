// Package pase implements Passcode-Authenticated Session Establishment:
// the SPAKE2+-based handshake that bootstraps the first secure session
// between a commissioner and an uncommissioned device from a shared
// setup passcode.
//
// See Matter Specification Section 4.14.1.
//
// The flow over an unsecured exchange:
//
//	Commissioner (initiator)            Commissionee (responder)
//	PBKDFParamRequest   ------------->
//	                    <-------------  PBKDFParamResponse
//	Pake1               ------------->
//	                    <-------------  Pake2
//	Pake3               ------------->
//	                    <-------------  StatusReport
//
// The package provides the message codecs, the verifier derivation used
// at provisioning time, and a Handshake state machine for either role.
// Transport, retries, and session installation belong to the caller.
package pase

import "errors"

// Protocol constants (Spec Section 3.10 and 4.14.1.2).
const (
	// ContextPrefix seeds the SPAKE2+ transcript context. "PAKE", not
	// "PASE", matching the deployed protocol.
	ContextPrefix = "CHIP PAKE V1 Commissioning"

	// RandomSize is the size of the PBKDF exchange randoms.
	RandomSize = 32

	// DefaultPasscodeID is the only passcode ID in use.
	DefaultPasscodeID = 0

	// SessionKeySize is the size of each directional session key.
	SessionKeySize = 16

	// AttestationChallengeSize is the attestation challenge size.
	AttestationChallengeSize = 16
)

// PBKDF parameter bounds (Spec Section 3.9).
const (
	MinSaltLength = 16
	MaxSaltLength = 32
	MinIterations = 1000
	MaxIterations = 100000
)

// Errors.
var (
	ErrBadState        = errors.New("pase: operation not valid in current state")
	ErrBadMessage      = errors.New("pase: malformed message")
	ErrBadPasscode     = errors.New("pase: passcode not allowed")
	ErrBadSalt         = errors.New("pase: salt length out of range")
	ErrBadIterations   = errors.New("pase: iteration count out of range")
	ErrBadPasscodeID   = errors.New("pase: unknown passcode ID")
	ErrRandomMismatch  = errors.New("pase: initiator random mismatch")
	ErrAuthentication  = errors.New("pase: key confirmation failed")
	ErrMissingParams   = errors.New("pase: PBKDF parameters unavailable")
	ErrNotEstablished  = errors.New("pase: handshake not complete")
	ErrThrottled       = errors.New("pase: establishment throttled after repeated failures")
)

// SessionKeys is the HKDF output of a successful handshake: two
// directional AES keys plus the challenge used by device attestation.
type SessionKeys struct {
	I2RKey               [SessionKeySize]byte
	R2IKey               [SessionKeySize]byte
	AttestationChallenge [AttestationChallengeSize]byte
}
