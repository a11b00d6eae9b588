package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrUnsupportedVersion = errors.New("protocol: unsupported version")
	ErrUnexpectedRole     = errors.New("protocol: unexpected frame role")
	ErrMalformedFrame     = errors.New("protocol: malformed frame")
	ErrUnknownCorrelation = errors.New("protocol: unknown correlation id")
	ErrUnknownSession     = errors.New("protocol: message for unknown session")
	ErrStreamCorrupt      = errors.New("protocol: byte stream corrupt")
)

// Error is a protocol-level fault isolated to one frame or message.
type Error struct {
	Op          string
	SessionType SessionType
	SessionID   uint8
	Err         error
}

func (e *Error) Error() string {
	return fmt.Sprintf("protocol: %s session_type=%s session_id=%d: %v", e.Op, e.SessionType, e.SessionID, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Fatal reports whether the fault leaves the byte stream unusable.
func (e *Error) Fatal() bool {
	return errors.Is(e.Err, ErrStreamCorrupt)
}

// IsFatal reports whether err (or anything it wraps) is a stream-level fault.
func IsFatal(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Fatal()
	}
	return errors.Is(err, ErrStreamCorrupt)
}
