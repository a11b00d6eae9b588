package frame

import (
	"errors"
	"fmt"
)

var (
	ErrUnexpectedRole    = errors.New("frame: unexpected frame role")
	ErrMessageIDMismatch = errors.New("frame: message id mismatch within sequence")
	ErrMessageTooLarge   = errors.New("frame: reassembled message too large")
	ErrInvalidMTU        = errors.New("frame: mtu must be positive")
)

// Split cuts payload into frames of at most mtu payload bytes. A payload that
// fits (including an empty one) becomes one Single frame; otherwise the
// result is First, zero or more Consecutive, then Last. All frames share the
// header of h apart from Role and PayloadLen.
func Split(h Header, payload []byte, mtu int) ([]Frame, error) {
	if mtu <= 0 {
		return nil, ErrInvalidMTU
	}
	if len(payload) <= mtu {
		h.Role = RoleSingle
		h.PayloadLen = uint32(len(payload))
		return []Frame{{Header: h, Payload: payload}}, nil
	}

	count := (len(payload) + mtu - 1) / mtu
	out := make([]Frame, 0, count)
	for i := 0; i < count; i++ {
		start := i * mtu
		end := start + mtu
		if end > len(payload) {
			end = len(payload)
		}
		fh := h
		switch i {
		case 0:
			fh.Role = RoleFirst
		case count - 1:
			fh.Role = RoleLast
		default:
			fh.Role = RoleConsecutive
		}
		fh.PayloadLen = uint32(end - start)
		out = append(out, Frame{Header: fh, Payload: payload[start:end]})
	}
	return out, nil
}

type streamKey struct {
	sessionType uint8
	sessionID   uint8
}

type partial struct {
	header Header
	chunks [][]byte
	size   int
}

// Assembler rebuilds fragmented messages per (sessionType, sessionID).
// It is owned by a single reader goroutine and needs no locking.
type Assembler struct {
	maxMessage int
	open       map[streamKey]*partial
}

// NewAssembler bounds reassembled messages to maxMessage bytes (0 = no bound).
func NewAssembler(maxMessage int) *Assembler {
	return &Assembler{
		maxMessage: maxMessage,
		open:       make(map[streamKey]*partial),
	}
}

// Push feeds one data frame. It returns the completed frame when f closes a
// sequence (or is a Single). A non-nil error reports a framing violation; any
// partial data for the session has been dropped by then. A Single or First
// arriving over an open sequence is still accepted after the old partial is
// dropped, so both a frame and an error can be returned.
func (a *Assembler) Push(f Frame) (*Frame, error) {
	key := streamKey{sessionType: f.Header.SessionType, sessionID: f.Header.SessionID}
	cur, isOpen := a.open[key]

	switch f.Header.Role {
	case RoleSingle:
		var err error
		if isOpen {
			delete(a.open, key)
			err = a.violation(f, "single frame inside open sequence")
		}
		return &f, err

	case RoleFirst:
		var err error
		if isOpen {
			err = a.violation(f, "first frame inside open sequence")
		}
		a.open[key] = &partial{
			header: f.Header,
			chunks: [][]byte{f.Payload},
			size:   len(f.Payload),
		}
		if tooBig := a.checkSize(key, len(f.Payload)); tooBig != nil {
			return nil, tooBig
		}
		return nil, err

	case RoleConsecutive, RoleLast:
		if !isOpen {
			return nil, a.violation(f, "no open sequence")
		}
		if cur.header.MessageID != f.Header.MessageID {
			delete(a.open, key)
			return nil, fmt.Errorf("%w: session_type=%#x session_id=%d open=%d got=%d",
				ErrMessageIDMismatch, f.Header.SessionType, f.Header.SessionID, cur.header.MessageID, f.Header.MessageID)
		}
		cur.chunks = append(cur.chunks, f.Payload)
		cur.size += len(f.Payload)
		if tooBig := a.checkSize(key, cur.size); tooBig != nil {
			return nil, tooBig
		}
		if f.Header.Role == RoleConsecutive {
			return nil, nil
		}
		delete(a.open, key)
		payload := make([]byte, 0, cur.size)
		for _, c := range cur.chunks {
			payload = append(payload, c...)
		}
		h := cur.header
		h.Role = RoleSingle
		h.PayloadLen = uint32(len(payload))
		return &Frame{Header: h, Payload: payload}, nil

	default:
		return nil, fmt.Errorf("%w: %d", ErrInvalidRole, f.Header.Role)
	}
}

// Pending reports how many sessions have an open sequence.
func (a *Assembler) Pending() int {
	return len(a.open)
}

// Reset drops every partial sequence.
func (a *Assembler) Reset() {
	clear(a.open)
}

func (a *Assembler) checkSize(key streamKey, size int) error {
	if a.maxMessage <= 0 || size <= a.maxMessage {
		return nil
	}
	delete(a.open, key)
	return fmt.Errorf("%w: session_type=%#x session_id=%d size=%d limit=%d",
		ErrMessageTooLarge, key.sessionType, key.sessionID, size, a.maxMessage)
}

func (a *Assembler) violation(f Frame, reason string) error {
	return fmt.Errorf("%w: role=%d session_type=%#x session_id=%d: %s",
		ErrUnexpectedRole, f.Header.Role, f.Header.SessionType, f.Header.SessionID, reason)
}
