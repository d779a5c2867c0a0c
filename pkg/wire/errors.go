package wire

import "errors"

// Wire layer errors. ErrAuthentication, ErrReplay, and
// ErrCounterExhausted are the wire-level anchors of the session error
// taxonomy; higher layers match on them with errors.Is.
var (
	// Header decode errors.
	ErrTooShort           = errors.New("wire: data too short")
	ErrBadVersion         = errors.New("wire: unsupported message version")
	ErrBadSessionType     = errors.New("wire: reserved session type")
	ErrBadDSIZ            = errors.New("wire: reserved DSIZ value")
	ErrSourceRequired     = errors.New("wire: group message requires source node ID")
	ErrMalformedHeader    = errors.New("wire: malformed header")
	ErrTooLong            = errors.New("wire: message exceeds maximum size")
	ErrBadLengthPrefix    = errors.New("wire: invalid stream length prefix")
	ErrStreamRead         = errors.New("wire: stream read failed")

	// Security errors.
	ErrAuthentication = errors.New("wire: message authentication failed")
	ErrBadKey         = errors.New("wire: invalid encryption key")

	// Counter errors.
	ErrReplay           = errors.New("wire: duplicate message counter")
	ErrCounterExhausted = errors.New("wire: message counter exhausted")
)
