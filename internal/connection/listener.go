package connection

import (
	"github.com/danmuck/hulink/internal/protocol"
	"github.com/danmuck/hulink/internal/protocol/session"
	"github.com/danmuck/hulink/internal/transport"
)

// Listener receives every connection and session notification. Calls are
// made from one goroutine at a time, in event order, and must not block
// for long.
type Listener interface {
	OnTransportDisconnected(info string, alternateAvailable bool, d transport.Descriptor)
	OnTransportError(info string, err error)
	OnMessageReceived(m protocol.Message)
	OnSessionStarted(t protocol.SessionType, id uint8, version uint8, corr string, hash session.HashID, encrypted bool)
	OnSessionStartRejected(t protocol.SessionType, id uint8, corr string, rejectedParams []string)
	OnSessionEnded(t protocol.SessionType, id uint8, corr string)
	OnSessionEndRejected(t protocol.SessionType, id uint8, corr string)
	OnProtocolError(info string, err error)
	OnHeartbeatTimeout(id uint8)
	OnServiceDataAck(t protocol.SessionType, size uint32, id uint8)
	OnAuthTokenReceived(token string, id uint8)
}

// BaseListener ignores every notification; embed it to implement a subset.
type BaseListener struct{}

func (BaseListener) OnTransportDisconnected(string, bool, transport.Descriptor) {}
func (BaseListener) OnTransportError(string, error)                             {}
func (BaseListener) OnMessageReceived(protocol.Message)                          {}
func (BaseListener) OnSessionStarted(protocol.SessionType, uint8, uint8, string, session.HashID, bool) {
}
func (BaseListener) OnSessionStartRejected(protocol.SessionType, uint8, string, []string) {}
func (BaseListener) OnSessionEnded(protocol.SessionType, uint8, string)                    {}
func (BaseListener) OnSessionEndRejected(protocol.SessionType, uint8, string)              {}
func (BaseListener) OnProtocolError(string, error)                                         {}
func (BaseListener) OnHeartbeatTimeout(uint8)                                               {}
func (BaseListener) OnServiceDataAck(protocol.SessionType, uint32, uint8)                  {}
func (BaseListener) OnAuthTokenReceived(string, uint8)                                      {}
