package protocol

import (
	"errors"
	"fmt"

	"github.com/danmuck/hulink/internal/protocol/frame"
)

const (
	// DefaultMTU is the largest frame payload sent before fragmenting.
	DefaultMTU = 128 * 1024

	// DefaultMaxMessage bounds one reassembled message.
	DefaultMaxMessage = 16 * 1024 * 1024
)

var ErrControlTooLarge = errors.New("protocol: control message exceeds mtu")

// Codec encodes messages into wire frames. It holds no state and is safe
// for concurrent use.
type Codec struct {
	MTU    int
	Limits frame.Limits
}

func NewCodec(mtu int) Codec {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	limits := frame.DefaultLimits()
	if uint64(mtu) > uint64(limits.MaxPayloadBytes) {
		limits.MaxPayloadBytes = uint32(mtu)
	}
	return Codec{MTU: mtu, Limits: limits}
}

// Encode returns the concatenated frames for m. Data messages above the MTU
// are fragmented; control messages are always a single frame.
func (c Codec) Encode(m Message) ([]byte, error) {
	frames, err := c.Frames(m)
	if err != nil {
		return nil, err
	}
	size := 0
	for _, f := range frames {
		size += frame.HeaderLen + len(f.Payload)
	}
	out := make([]byte, 0, size)
	for _, f := range frames {
		out, err = frame.AppendFrame(out, f, c.Limits)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Frames returns the wire frames for m without serializing them.
func (c Codec) Frames(m Message) ([]frame.Frame, error) {
	if !SupportedVersion(m.Version) {
		return nil, &Error{Op: "encode", SessionType: m.SessionType, SessionID: m.SessionID,
			Err: fmt.Errorf("%w: %d", ErrUnsupportedVersion, m.Version)}
	}
	h := m.header()
	if m.IsControl() {
		if len(m.Payload) > c.MTU {
			return nil, ErrControlTooLarge
		}
		h.PayloadLen = uint32(len(m.Payload))
		return []frame.Frame{{Header: h, Payload: m.Payload}}, nil
	}
	return frame.Split(h, m.Payload, c.MTU)
}

// Decoder turns a transport byte stream into messages. Its only state is
// the unread byte buffer and the per-session reassembly buffers. A Decoder
// belongs to one transport and one reader goroutine.
type Decoder struct {
	limits  frame.Limits
	asm     *frame.Assembler
	buf     []byte
	corrupt bool
}

func NewDecoder(limits frame.Limits, maxMessage int) *Decoder {
	return &Decoder{
		limits: limits,
		asm:    frame.NewAssembler(maxMessage),
	}
}

// Feed appends b to the stream and returns every message completed by it.
// Framing faults are returned per incident and never stop later frames from
// decoding; only an ErrStreamCorrupt fault makes the decoder discard input.
func (d *Decoder) Feed(b []byte) ([]Message, []error) {
	if d.corrupt {
		return nil, []error{&Error{Op: "decode", Err: ErrStreamCorrupt}}
	}
	d.buf = append(d.buf, b...)

	var (
		msgs []Message
		errs []error
		off  int
	)
	for len(d.buf)-off >= frame.HeaderLen {
		h, err := frame.DecodeHeader(d.buf[off : off+frame.HeaderLen])
		if err != nil {
			errs = append(errs, &Error{Op: "decode", Err: fmt.Errorf("%w: %v", ErrMalformedFrame, err)})
			break
		}
		if h.PayloadLen > d.limits.MaxPayloadBytes {
			d.corrupt = true
			d.buf = nil
			d.asm.Reset()
			errs = append(errs, &Error{
				Op:          "decode",
				SessionType: SessionType(h.SessionType),
				SessionID:   h.SessionID,
				Err:         fmt.Errorf("%w: frame length %d exceeds %d", ErrStreamCorrupt, h.PayloadLen, d.limits.MaxPayloadBytes),
			})
			return msgs, errs
		}
		total := frame.HeaderLen + int(h.PayloadLen)
		if len(d.buf)-off < total {
			break
		}
		payload := make([]byte, h.PayloadLen)
		copy(payload, d.buf[off+frame.HeaderLen:off+total])
		off += total

		f := frame.Frame{Header: h, Payload: payload}
		msg, err := d.accept(f)
		if err != nil {
			errs = append(errs, err)
		}
		if msg != nil {
			msgs = append(msgs, *msg)
		}
	}

	if off > 0 {
		rest := len(d.buf) - off
		if rest == 0 {
			d.buf = nil
		} else {
			d.buf = append(make([]byte, 0, rest), d.buf[off:]...)
		}
	}
	return msgs, errs
}

// Buffered reports bytes waiting for the rest of their frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Reset clears the stream buffer and every partial message.
func (d *Decoder) Reset() {
	d.buf = nil
	d.corrupt = false
	d.asm.Reset()
}

func (d *Decoder) accept(f frame.Frame) (*Message, error) {
	st, sid := SessionType(f.Header.SessionType), f.Header.SessionID
	if !SupportedVersion(f.Header.Version) {
		return nil, &Error{Op: "decode", SessionType: st, SessionID: sid,
			Err: fmt.Errorf("%w: %d", ErrUnsupportedVersion, f.Header.Version)}
	}
	if !frame.ValidRole(f.Header.Role) {
		return nil, &Error{Op: "decode", SessionType: st, SessionID: sid,
			Err: fmt.Errorf("%w: role %d", ErrMalformedFrame, f.Header.Role)}
	}
	if f.Header.Role == frame.RoleControl {
		m := messageFromFrame(f)
		return &m, nil
	}

	out, err := d.asm.Push(f)
	if err != nil {
		if errors.Is(err, frame.ErrUnexpectedRole) || errors.Is(err, frame.ErrMessageIDMismatch) {
			err = fmt.Errorf("%w: %v", ErrUnexpectedRole, err)
		} else {
			err = fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		err = &Error{Op: "reassemble", SessionType: st, SessionID: sid, Err: err}
	}
	if out == nil {
		return nil, err
	}
	m := messageFromFrame(*out)
	return &m, err
}
