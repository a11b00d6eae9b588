package main

import (
	"encoding/hex"

	"github.com/rs/zerolog"

	"github.com/danmuck/hulink/internal/protocol"
	"github.com/danmuck/hulink/internal/protocol/session"
	"github.com/danmuck/hulink/internal/transport"
)

// logListener writes every connection event to the log. started, when
// set, is called after a session is established.
type logListener struct {
	log     zerolog.Logger
	started func(t protocol.SessionType, id uint8)
}

func (l logListener) OnTransportDisconnected(info string, alt bool, d transport.Descriptor) {
	l.log.Warn().Str("link", d.String()).Bool("alternate", alt).Str("info", info).Msg("transport disconnected")
}

func (l logListener) OnTransportError(info string, err error) {
	l.log.Error().Err(err).Str("info", info).Msg("transport error")
}

func (l logListener) OnMessageReceived(m protocol.Message) {
	l.log.Info().Str("type", m.SessionType.String()).Uint8("id", m.SessionID).Uint32("message_id", m.MessageID).
		Int("bytes", len(m.Payload)).Str("head", preview(m.Payload)).Msg("message")
}

func (l logListener) OnSessionStarted(t protocol.SessionType, id, version uint8, corr string, hash session.HashID, enc bool) {
	l.log.Info().Str("type", t.String()).Uint8("id", id).Uint8("version", version).Str("corr", corr).
		Uint32("hash_id", uint32(hash)).Bool("encrypted", enc).Msg("session started")
	if l.started != nil {
		l.started(t, id)
	}
}

func (l logListener) OnSessionStartRejected(t protocol.SessionType, id uint8, corr string, params []string) {
	l.log.Warn().Str("type", t.String()).Uint8("id", id).Str("corr", corr).Strs("rejected", params).Msg("session start rejected")
}

func (l logListener) OnSessionEnded(t protocol.SessionType, id uint8, corr string) {
	l.log.Info().Str("type", t.String()).Uint8("id", id).Str("corr", corr).Msg("session ended")
}

func (l logListener) OnSessionEndRejected(t protocol.SessionType, id uint8, corr string) {
	l.log.Warn().Str("type", t.String()).Uint8("id", id).Str("corr", corr).Msg("session end rejected")
}

func (l logListener) OnProtocolError(info string, err error) {
	l.log.Warn().Err(err).Str("info", info).Msg("protocol error")
}

func (l logListener) OnHeartbeatTimeout(id uint8) {
	l.log.Warn().Uint8("id", id).Msg("heartbeat timeout")
}

func (l logListener) OnServiceDataAck(t protocol.SessionType, size uint32, id uint8) {
	l.log.Debug().Str("type", t.String()).Uint8("id", id).Uint32("bytes", size).Msg("service data ack")
}

func (l logListener) OnAuthTokenReceived(token string, id uint8) {
	l.log.Info().Uint8("id", id).Int("token_len", len(token)).Msg("auth token received")
}

func preview(b []byte) string {
	if len(b) > 16 {
		b = b[:16]
	}
	return hex.EncodeToString(b)
}
