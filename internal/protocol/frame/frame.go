package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	HeaderLen = 12

	flagEncrypted uint8 = 0x08
	roleMask      uint8 = 0x07
)

// Frame roles carried in the low three bits of the first header byte.
const (
	RoleControl     uint8 = 0
	RoleSingle      uint8 = 1
	RoleFirst       uint8 = 2
	RoleConsecutive uint8 = 3
	RoleLast        uint8 = 4
)

var (
	ErrShortHeader     = errors.New("frame: short fixed header")
	ErrInvalidRole     = errors.New("frame: invalid frame role")
	ErrInvalidVersion  = errors.New("frame: version does not fit in four bits")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
)

// Header is the fixed wire header.
type Header struct {
	Version     uint8
	Encrypted   bool
	Role        uint8
	SessionType uint8
	ControlInfo uint8
	SessionID   uint8
	PayloadLen  uint32
	MessageID   uint32
}

// Frame is one unit on the wire.
type Frame struct {
	Header  Header
	Payload []byte
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes uint32
}

func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes: 1 << 20,
	}
}

func ValidRole(role uint8) bool {
	return role <= RoleLast
}

func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var fixed [HeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}

	h, err := DecodeHeader(fixed[:])
	if err != nil {
		return Frame{}, err
	}
	if h.PayloadLen > limits.MaxPayloadBytes {
		return Frame{}, ErrPayloadTooLarge
	}

	payload := make([]byte, h.PayloadLen)
	if h.PayloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, err
		}
	}
	return Frame{Header: h, Payload: payload}, nil
}

func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	b, err := AppendFrame(nil, f, limits)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// AppendFrame appends the wire form of f to dst. PayloadLen is taken from
// the payload, not from the header.
func AppendFrame(dst []byte, f Frame, limits Limits) ([]byte, error) {
	if uint64(len(f.Payload)) > uint64(limits.MaxPayloadBytes) {
		return dst, ErrPayloadTooLarge
	}
	h := f.Header
	h.PayloadLen = uint32(len(f.Payload))
	hb, err := EncodeHeader(h)
	if err != nil {
		return dst, err
	}
	dst = append(dst, hb...)
	return append(dst, f.Payload...), nil
}

func EncodeHeader(h Header) ([]byte, error) {
	if h.Version > 0x0F {
		return nil, ErrInvalidVersion
	}
	if !ValidRole(h.Role) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidRole, h.Role)
	}
	buf := make([]byte, HeaderLen)
	buf[0] = h.Version<<4 | h.Role&roleMask
	if h.Encrypted {
		buf[0] |= flagEncrypted
	}
	buf[1] = h.SessionType
	buf[2] = h.ControlInfo
	buf[3] = h.SessionID
	binary.BigEndian.PutUint32(buf[4:8], h.PayloadLen)
	binary.BigEndian.PutUint32(buf[8:12], h.MessageID)
	return buf, nil
}

// DecodeHeader parses a fixed header. The role is returned as-is so callers
// can report an invalid role after skipping the payload.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrShortHeader, len(b))
	}
	return Header{
		Version:     b[0] >> 4,
		Encrypted:   b[0]&flagEncrypted != 0,
		Role:        b[0] & roleMask,
		SessionType: b[1],
		ControlInfo: b[2],
		SessionID:   b[3],
		PayloadLen:  binary.BigEndian.Uint32(b[4:8]),
		MessageID:   binary.BigEndian.Uint32(b[8:12]),
	}, nil
}
