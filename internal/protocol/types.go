package protocol

import (
	"fmt"

	"github.com/danmuck/hulink/internal/protocol/frame"
)

// Protocol versions understood by this stack.
const (
	MinVersion uint8 = 1
	MaxVersion uint8 = 5

	// ContinuationVersion is the first version that lets established
	// sessions move to a secondary transport.
	ContinuationVersion uint8 = 5
)

func SupportedVersion(v uint8) bool {
	return v >= MinVersion && v <= MaxVersion
}

func SupportsTransportContinuation(v uint8) bool {
	return v >= ContinuationVersion
}

// SessionType identifies the purpose of a multiplexed session.
type SessionType uint8

const (
	SessionControl    SessionType = 0x00
	SessionRPC        SessionType = 0x07
	SessionAudio      SessionType = 0x0A
	SessionVideo      SessionType = 0x0B
	SessionNavigation SessionType = 0x0C
	SessionBulk       SessionType = 0x0F
)

func (t SessionType) String() string {
	switch t {
	case SessionControl:
		return "control"
	case SessionRPC:
		return "rpc"
	case SessionAudio:
		return "audio"
	case SessionVideo:
		return "video"
	case SessionNavigation:
		return "navigation"
	case SessionBulk:
		return "bulk"
	default:
		return fmt.Sprintf("session(%#x)", uint8(t))
	}
}

// ParseSessionType accepts the names produced by String.
func ParseSessionType(s string) (SessionType, error) {
	for _, t := range []SessionType{SessionControl, SessionRPC, SessionAudio, SessionVideo, SessionNavigation, SessionBulk} {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("protocol: unknown session type %q", s)
}

// Role is the fragmentation role of a frame.
type Role uint8

const (
	RoleControl     = Role(frame.RoleControl)
	RoleSingle      = Role(frame.RoleSingle)
	RoleFirst       = Role(frame.RoleFirst)
	RoleConsecutive = Role(frame.RoleConsecutive)
	RoleLast        = Role(frame.RoleLast)
)

func (r Role) String() string {
	switch r {
	case RoleControl:
		return "control"
	case RoleSingle:
		return "single"
	case RoleFirst:
		return "first"
	case RoleConsecutive:
		return "consecutive"
	case RoleLast:
		return "last"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// ControlInfo selects the meaning of a control frame.
type ControlInfo uint8

const (
	ControlHeartbeat                     ControlInfo = 0x00
	ControlStartSession                  ControlInfo = 0x01
	ControlStartSessionACK               ControlInfo = 0x02
	ControlStartSessionNACK              ControlInfo = 0x03
	ControlEndSession                    ControlInfo = 0x04
	ControlEndSessionACK                 ControlInfo = 0x05
	ControlEndSessionNACK                ControlInfo = 0x06
	ControlRegisterSecondaryTransport    ControlInfo = 0x07
	ControlRegisterSecondaryTransportACK ControlInfo = 0x08
	ControlRegisterSecondaryTransportNAK ControlInfo = 0x09
	ControlServiceDataACK                ControlInfo = 0xFE
	ControlHeartbeatACK                  ControlInfo = 0xFF
)

func (c ControlInfo) String() string {
	switch c {
	case ControlHeartbeat:
		return "heartbeat"
	case ControlStartSession:
		return "start_session"
	case ControlStartSessionACK:
		return "start_session_ack"
	case ControlStartSessionNACK:
		return "start_session_nack"
	case ControlEndSession:
		return "end_session"
	case ControlEndSessionACK:
		return "end_session_ack"
	case ControlEndSessionNACK:
		return "end_session_nack"
	case ControlRegisterSecondaryTransport:
		return "register_secondary_transport"
	case ControlRegisterSecondaryTransportACK:
		return "register_secondary_transport_ack"
	case ControlRegisterSecondaryTransportNAK:
		return "register_secondary_transport_nack"
	case ControlServiceDataACK:
		return "service_data_ack"
	case ControlHeartbeatACK:
		return "heartbeat_ack"
	default:
		return fmt.Sprintf("control(%#x)", uint8(c))
	}
}

// Message is one complete protocol message. Control messages carry their
// negotiation parameters (correlation id, hash id, ...) as TLV fields in
// Payload; see package session.
type Message struct {
	SessionType SessionType
	SessionID   uint8
	Version     uint8
	Role        Role
	ControlInfo ControlInfo
	Encrypted   bool
	MessageID   uint32
	Payload     []byte
}

// IsControl reports whether m is a negotiation/liveness message.
func (m Message) IsControl() bool {
	return m.Role == RoleControl
}

func (m Message) header() frame.Header {
	return frame.Header{
		Version:     m.Version,
		Encrypted:   m.Encrypted,
		Role:        uint8(m.Role),
		SessionType: uint8(m.SessionType),
		ControlInfo: uint8(m.ControlInfo),
		SessionID:   m.SessionID,
		MessageID:   m.MessageID,
	}
}

func messageFromFrame(f frame.Frame) Message {
	return Message{
		SessionType: SessionType(f.Header.SessionType),
		SessionID:   f.Header.SessionID,
		Version:     f.Header.Version,
		Role:        Role(f.Header.Role),
		ControlInfo: ControlInfo(f.Header.ControlInfo),
		Encrypted:   f.Header.Encrypted,
		MessageID:   f.Header.MessageID,
		Payload:     f.Payload,
	}
}
