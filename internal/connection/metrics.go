package connection

import (
	"github.com/danmuck/hulink/internal/observability"
	"github.com/danmuck/hulink/internal/protocol"
	"github.com/danmuck/hulink/internal/protocol/session"
	"github.com/danmuck/hulink/internal/transport"
)

// meteredListener counts every notification before passing it on. sent and
// reconnected cover what the controller does without telling the caller.
type meteredListener struct {
	Listener
}

func (m meteredListener) sent(t protocol.SessionType, n int) {
	observability.RecordMessage(observability.Outbound, t.String(), n)
}

func (m meteredListener) reconnected() {
	observability.RecordTransportEvent("reconnect")
}

func (m meteredListener) OnTransportDisconnected(info string, alt bool, d transport.Descriptor) {
	event := "disconnected"
	if alt {
		event = "failover"
	}
	observability.RecordTransportEvent(event)
	m.Listener.OnTransportDisconnected(info, alt, d)
}

func (m meteredListener) OnTransportError(info string, err error) {
	observability.RecordTransportEvent("error")
	m.Listener.OnTransportError(info, err)
}

func (m meteredListener) OnMessageReceived(msg protocol.Message) {
	observability.RecordMessage(observability.Inbound, msg.SessionType.String(), len(msg.Payload))
	m.Listener.OnMessageReceived(msg)
}

func (m meteredListener) OnSessionStarted(t protocol.SessionType, id, version uint8, corr string, hash session.HashID, enc bool) {
	observability.RecordSessionEvent("started", t.String())
	m.Listener.OnSessionStarted(t, id, version, corr, hash, enc)
}

func (m meteredListener) OnSessionStartRejected(t protocol.SessionType, id uint8, corr string, params []string) {
	observability.RecordSessionEvent("start_rejected", t.String())
	m.Listener.OnSessionStartRejected(t, id, corr, params)
}

func (m meteredListener) OnSessionEnded(t protocol.SessionType, id uint8, corr string) {
	observability.RecordSessionEvent("ended", t.String())
	m.Listener.OnSessionEnded(t, id, corr)
}

func (m meteredListener) OnSessionEndRejected(t protocol.SessionType, id uint8, corr string) {
	observability.RecordSessionEvent("end_rejected", t.String())
	m.Listener.OnSessionEndRejected(t, id, corr)
}

func (m meteredListener) OnProtocolError(info string, err error) {
	observability.RecordProtocolError()
	m.Listener.OnProtocolError(info, err)
}

func (m meteredListener) OnHeartbeatTimeout(id uint8) {
	observability.RecordHeartbeatTimeout()
	m.Listener.OnHeartbeatTimeout(id)
}
