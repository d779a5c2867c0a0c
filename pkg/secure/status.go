package secure

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/hearthlink/matter/pkg/wire"
)

// statusReportMinSize is GeneralCode(2) + ProtocolID(4) + ProtocolCode(2).
const statusReportMinSize = 8

// ErrStatusTooShort is returned for truncated StatusReport payloads.
var ErrStatusTooShort = errors.New("secure: status report too short")

// GeneralCode is a protocol-agnostic status code (Spec Appendix D.3.1).
type GeneralCode uint16

const (
	GeneralSuccess           GeneralCode = 0
	GeneralFailure           GeneralCode = 1
	GeneralBadPrecondition   GeneralCode = 2
	GeneralOutOfRange        GeneralCode = 3
	GeneralBadRequest        GeneralCode = 4
	GeneralUnsupported       GeneralCode = 5
	GeneralUnexpected        GeneralCode = 6
	GeneralResourceExhausted GeneralCode = 7
	GeneralBusy              GeneralCode = 8
	GeneralTimeout           GeneralCode = 9
	GeneralContinue          GeneralCode = 10
	GeneralAborted           GeneralCode = 11
	GeneralInvalidArgument   GeneralCode = 12
	GeneralNotFound          GeneralCode = 13
	GeneralAlreadyExists     GeneralCode = 14
	GeneralPermissionDenied  GeneralCode = 15
	GeneralDataLoss          GeneralCode = 16
)

// String returns the general code name.
func (g GeneralCode) String() string {
	switch g {
	case GeneralSuccess:
		return "SUCCESS"
	case GeneralFailure:
		return "FAILURE"
	case GeneralBadPrecondition:
		return "BAD_PRECONDITION"
	case GeneralOutOfRange:
		return "OUT_OF_RANGE"
	case GeneralBadRequest:
		return "BAD_REQUEST"
	case GeneralUnsupported:
		return "UNSUPPORTED"
	case GeneralUnexpected:
		return "UNEXPECTED"
	case GeneralResourceExhausted:
		return "RESOURCE_EXHAUSTED"
	case GeneralBusy:
		return "BUSY"
	case GeneralTimeout:
		return "TIMEOUT"
	case GeneralContinue:
		return "CONTINUE"
	case GeneralAborted:
		return "ABORTED"
	case GeneralInvalidArgument:
		return "INVALID_ARGUMENT"
	case GeneralNotFound:
		return "NOT_FOUND"
	case GeneralAlreadyExists:
		return "ALREADY_EXISTS"
	case GeneralPermissionDenied:
		return "PERMISSION_DENIED"
	case GeneralDataLoss:
		return "DATA_LOSS"
	default:
		return "UNKNOWN"
	}
}

// ProtocolCode is a secure-channel-specific status code (Spec Table 19).
type ProtocolCode uint16

const (
	CodeSessionEstablished ProtocolCode = 0x0000
	CodeNoSharedTrustRoots ProtocolCode = 0x0001
	CodeInvalidParameter   ProtocolCode = 0x0002
	CodeCloseSession       ProtocolCode = 0x0003
	CodeBusy               ProtocolCode = 0x0004
	CodeSessionNotFound    ProtocolCode = 0x0005
	CodeGeneralFailure     ProtocolCode = 0xFFFF
)

// String returns the protocol code name.
func (p ProtocolCode) String() string {
	switch p {
	case CodeSessionEstablished:
		return "SESSION_ESTABLISHED"
	case CodeNoSharedTrustRoots:
		return "NO_SHARED_TRUST_ROOTS"
	case CodeInvalidParameter:
		return "INVALID_PARAMETER"
	case CodeCloseSession:
		return "CLOSE_SESSION"
	case CodeBusy:
		return "BUSY"
	case CodeSessionNotFound:
		return "SESSION_NOT_FOUND"
	case CodeGeneralFailure:
		return "GENERAL_FAILURE"
	default:
		return "UNKNOWN"
	}
}

// StatusReport is the Secure Channel status message (Spec Appendix D).
// The wire format is little-endian: GeneralCode, then a 32-bit protocol
// qualifier (vendor in the upper half, protocol in the lower), then the
// protocol code, then optional protocol data.
type StatusReport struct {
	GeneralCode  GeneralCode
	ProtocolID   uint32
	ProtocolCode uint16
	ProtocolData []byte
}

// NewStatusReport builds a StatusReport for the Secure Channel protocol
// itself (vendor 0, protocol 0).
func NewStatusReport(general GeneralCode, code ProtocolCode) *StatusReport {
	return &StatusReport{
		GeneralCode:  general,
		ProtocolID:   uint32(wire.ProtocolSecureChannel),
		ProtocolCode: uint16(code),
	}
}

// StatusSuccess is the session-established success report.
func StatusSuccess() *StatusReport {
	return NewStatusReport(GeneralSuccess, CodeSessionEstablished)
}

// StatusInvalidParameter reports a malformed or unacceptable handshake
// message.
func StatusInvalidParameter() *StatusReport {
	return NewStatusReport(GeneralFailure, CodeInvalidParameter)
}

// StatusNoSharedTrustRoots reports that no fabric matched the
// initiator's destination identifier.
func StatusNoSharedTrustRoots() *StatusReport {
	return NewStatusReport(GeneralFailure, CodeNoSharedTrustRoots)
}

// StatusBusy reports that the responder cannot take on a handshake now.
// waitTime is the minimum wait in milliseconds before retrying
// (Spec Section 4.11.1.5).
func StatusBusy(waitTime uint16) *StatusReport {
	s := NewStatusReport(GeneralBusy, CodeBusy)
	s.ProtocolData = make([]byte, 2)
	binary.LittleEndian.PutUint16(s.ProtocolData, waitTime)
	return s
}

// StatusCloseSession asks the peer to release the session it arrived on
// (Spec Section 4.11.1.4).
func StatusCloseSession() *StatusReport {
	return NewStatusReport(GeneralSuccess, CodeCloseSession)
}

// Encode serializes the StatusReport.
func (s *StatusReport) Encode() []byte {
	buf := make([]byte, statusReportMinSize+len(s.ProtocolData))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(s.GeneralCode))
	binary.LittleEndian.PutUint32(buf[2:6], s.ProtocolID)
	binary.LittleEndian.PutUint16(buf[6:8], s.ProtocolCode)
	copy(buf[8:], s.ProtocolData)
	return buf
}

// DecodeStatusReport parses a StatusReport payload.
func DecodeStatusReport(data []byte) (*StatusReport, error) {
	if len(data) < statusReportMinSize {
		return nil, ErrStatusTooShort
	}
	s := &StatusReport{
		GeneralCode:  GeneralCode(binary.LittleEndian.Uint16(data[0:2])),
		ProtocolID:   binary.LittleEndian.Uint32(data[2:6]),
		ProtocolCode: binary.LittleEndian.Uint16(data[6:8]),
	}
	if len(data) > statusReportMinSize {
		s.ProtocolData = append([]byte(nil), data[statusReportMinSize:]...)
	}
	return s, nil
}

// IsSecureChannel reports whether the status targets the Secure Channel
// protocol.
func (s *StatusReport) IsSecureChannel() bool {
	return s.ProtocolID == uint32(wire.ProtocolSecureChannel)
}

// Code returns the protocol code as a secure-channel code. Meaningful
// only when IsSecureChannel.
func (s *StatusReport) Code() ProtocolCode {
	return ProtocolCode(s.ProtocolCode)
}

// IsSuccess reports session establishment success.
func (s *StatusReport) IsSuccess() bool {
	return s.GeneralCode == GeneralSuccess &&
		s.IsSecureChannel() && s.Code() == CodeSessionEstablished
}

// IsBusy reports a responder hold-off.
func (s *StatusReport) IsBusy() bool {
	return s.GeneralCode == GeneralBusy &&
		s.IsSecureChannel() && s.Code() == CodeBusy
}

// IsCloseSession reports a peer-initiated session release.
func (s *StatusReport) IsCloseSession() bool {
	return s.GeneralCode == GeneralSuccess &&
		s.IsSecureChannel() && s.Code() == CodeCloseSession
}

// BusyWaitTime returns the minimum wait in milliseconds carried by a
// Busy status, or 0 if absent.
func (s *StatusReport) BusyWaitTime() uint16 {
	if !s.IsBusy() || len(s.ProtocolData) < 2 {
		return 0
	}
	return binary.LittleEndian.Uint16(s.ProtocolData)
}

// String renders the report for logs.
func (s *StatusReport) String() string {
	if s.IsSecureChannel() {
		return fmt.Sprintf("StatusReport{%s, %s}", s.GeneralCode, s.Code())
	}
	return fmt.Sprintf("StatusReport{%s, protocol 0x%08X, code 0x%04X}",
		s.GeneralCode, s.ProtocolID, s.ProtocolCode)
}

// Error lets failure reports travel as errors.
func (s *StatusReport) Error() string { return s.String() }
