package config

import (
	"fmt"

	"github.com/danmuck/hulink/internal/connection"
	"github.com/danmuck/hulink/internal/logging"
	"github.com/danmuck/hulink/internal/protocol/session"
	"github.com/danmuck/hulink/internal/security"
	"github.com/danmuck/hulink/internal/transport"
	"github.com/danmuck/hulink/internal/transport/tcp"
	"github.com/danmuck/hulink/internal/transport/ws"
)

// Connection builds the controller settings, dialing nothing yet.
func (c Config) Connection() (connection.Config, error) {
	if err := c.Validate(); err != nil {
		return connection.Config{}, err
	}
	out := connection.DefaultConfig()
	out.Session = session.Config{MaxVersion: c.MaxVersion, HandshakeTimeout: c.HandshakeTimeout}
	out.Heartbeat = c.Heartbeat
	out.HeartbeatAction = c.HeartbeatAction
	out.PerSessionHeartbeat = c.PerSessionHeartbeat
	out.Reconnect = c.Reconnect
	out.MTU = c.MTU
	out.MaxMessage = c.MaxMessage
	out.SendQueue = c.SendQueue

	policy, err := failoverPolicy(c.FailoverPolicy)
	if err != nil {
		return connection.Config{}, err
	}
	out.Failover = policy

	if out.Primary, err = Adapter(c.Primary); err != nil {
		return connection.Config{}, fmt.Errorf("primary: %w", err)
	}
	if c.Secondary != nil {
		if out.Secondary, err = Adapter(*c.Secondary); err != nil {
			return connection.Config{}, fmt.Errorf("secondary: %w", err)
		}
	}
	if len(c.EncryptionKey) > 0 {
		aead, err := security.NewAEAD(c.EncryptionKey)
		if err != nil {
			return connection.Config{}, err
		}
		out.Cipher = aead
	}
	return out, nil
}

// Adapter builds the transport for t.
func Adapter(t Transport) (transport.Adapter, error) {
	switch t.Kind {
	case transport.KindTCP:
		a, err := tcp.New(tcp.Config{
			Address:          t.Address,
			ConnectTimeout:   t.ConnectTimeout,
			HandshakeTimeout: t.HandshakeTimeout,
			SecurityMode:     t.SecurityMode,
			TLS:              t.TLS,
		})
		if err != nil {
			return nil, err
		}
		return a, nil
	case transport.KindWS:
		a, err := ws.New(ws.Config{URL: t.Address, HandshakeTimeout: t.HandshakeTimeout})
		if err != nil {
			return nil, err
		}
		return a, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransport, t.Kind)
	}
}

// Logging returns the logger override for logging.ConfigureWith.
func (c Config) Logging() func(*logging.Config) {
	return func(l *logging.Config) {
		if lvl, ok := logging.ParseLevel(c.LogLevel); ok {
			l.Level = lvl
		}
		l.JSON = c.LogJSON
		l.File = c.LogFile
	}
}
