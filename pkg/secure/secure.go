// Package secure implements the Matter Secure Channel Protocol: the
// opcode space, the StatusReport message, and the Manager that drives
// PASE and CASE session establishment over the exchange layer.
//
// See Matter Specification Section 4.11.
package secure

import "errors"

// Opcode is a Secure Channel protocol message type (Spec Table 18).
type Opcode uint8

const (
	// OpcodeMsgCounterSyncReq and OpcodeMsgCounterSyncResp belong to
	// group messaging and are not produced here.
	OpcodeMsgCounterSyncReq  Opcode = 0x00
	OpcodeMsgCounterSyncResp Opcode = 0x01

	// OpcodeStandaloneAck is owned by the reliability layer.
	OpcodeStandaloneAck Opcode = 0x10

	// PASE handshake.
	OpcodePBKDFParamRequest  Opcode = 0x20
	OpcodePBKDFParamResponse Opcode = 0x21
	OpcodePake1              Opcode = 0x22
	OpcodePake2              Opcode = 0x23
	OpcodePake3              Opcode = 0x24

	// CASE handshake.
	OpcodeSigma1       Opcode = 0x30
	OpcodeSigma2       Opcode = 0x31
	OpcodeSigma3       Opcode = 0x32
	OpcodeSigma2Resume Opcode = 0x33

	OpcodeStatusReport Opcode = 0x40
)

// String returns the opcode name.
func (o Opcode) String() string {
	switch o {
	case OpcodeMsgCounterSyncReq:
		return "MsgCounterSyncReq"
	case OpcodeMsgCounterSyncResp:
		return "MsgCounterSyncResp"
	case OpcodeStandaloneAck:
		return "StandaloneAck"
	case OpcodePBKDFParamRequest:
		return "PBKDFParamRequest"
	case OpcodePBKDFParamResponse:
		return "PBKDFParamResponse"
	case OpcodePake1:
		return "PASE_Pake1"
	case OpcodePake2:
		return "PASE_Pake2"
	case OpcodePake3:
		return "PASE_Pake3"
	case OpcodeSigma1:
		return "CASE_Sigma1"
	case OpcodeSigma2:
		return "CASE_Sigma2"
	case OpcodeSigma3:
		return "CASE_Sigma3"
	case OpcodeSigma2Resume:
		return "CASE_Sigma2Resume"
	case OpcodeStatusReport:
		return "StatusReport"
	default:
		return "Unknown"
	}
}

// IsPASE reports whether the opcode belongs to the PASE handshake.
func (o Opcode) IsPASE() bool {
	return o >= OpcodePBKDFParamRequest && o <= OpcodePake3
}

// IsSigma reports whether the opcode belongs to the CASE handshake.
func (o Opcode) IsSigma() bool {
	return o >= OpcodeSigma1 && o <= OpcodeSigma2Resume
}

// Permitted reports whether the opcode may appear during session
// establishment on the unsecured path.
func (o Opcode) Permitted() bool {
	return o.IsPASE() || o.IsSigma() ||
		o == OpcodeStandaloneAck || o == OpcodeStatusReport
}

// Errors returned by the Manager.
var (
	ErrNoCommissioningWindow = errors.New("secure: no commissioning window open")
	ErrHandshakeInProgress   = errors.New("secure: handshake already in progress on exchange")
	ErrNoHandshake           = errors.New("secure: no active handshake for message")
	ErrBadOpcode             = errors.New("secure: opcode not permitted during establishment")
	ErrHandshakeFailed       = errors.New("secure: session establishment failed")
	ErrPeerBusy              = errors.New("secure: peer is busy")
	ErrClosed                = errors.New("secure: manager closed")
)
