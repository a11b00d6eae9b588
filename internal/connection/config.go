package connection

import (
	"errors"
	"fmt"

	"github.com/danmuck/hulink/internal/heartbeat"
	"github.com/danmuck/hulink/internal/protocol"
	"github.com/danmuck/hulink/internal/protocol/session"
	"github.com/danmuck/hulink/internal/security"
	"github.com/danmuck/hulink/internal/transport"
)

var (
	ErrNoPrimary        = errors.New("connection: primary transport required")
	ErrInvalidMTU       = errors.New("connection: invalid mtu")
	ErrNotConnected     = errors.New("connection: not connected")
	ErrAlreadyConnected = errors.New("connection: already connected")
	ErrNoCipher         = errors.New("connection: encrypted session without cipher")
	ErrQueueClosed      = errors.New("connection: send queue closed")
	ErrHeartbeatTimeout = errors.New("connection: heartbeat timeout")
	ErrSecondaryRefused = errors.New("connection: secondary transport registration refused")
)

// State is the connection lifecycle position.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// HeartbeatAction selects what a connection heartbeat timeout tears down.
type HeartbeatAction int

const (
	// HeartbeatConnection treats silence as loss of the active link.
	HeartbeatConnection HeartbeatAction = iota
	// HeartbeatSession ends every session but keeps the link.
	HeartbeatSession
)

// FailoverPolicy decides whether a registered alternate may replace a lost
// link.
type FailoverPolicy func(lost, alternate transport.Descriptor) bool

// FailoverAny accepts any registered alternate.
func FailoverAny(_, _ transport.Descriptor) bool {
	return true
}

// FailoverSameKind accepts only an alternate of the lost link's kind.
func FailoverSameKind(lost, alternate transport.Descriptor) bool {
	return lost.Kind == alternate.Kind
}

// Config holds everything a Controller needs besides its listener.
type Config struct {
	Primary   transport.Adapter
	Secondary transport.Adapter

	Session             session.Config
	Heartbeat           heartbeat.Config
	HeartbeatAction     HeartbeatAction
	PerSessionHeartbeat bool
	Reconnect           ReconnectConfig
	Failover            FailoverPolicy

	// MTU caps outbound frame payloads; the peer's advertised MTU may
	// lower it further.
	MTU        int
	MaxMessage int
	SendQueue  int

	// Cipher protects sessions the peer agreed to encrypt.
	Cipher security.Cipher
}

func DefaultConfig() Config {
	return Config{
		Session:    session.DefaultConfig(),
		Heartbeat:  heartbeat.DefaultConfig(),
		Reconnect:  DefaultReconnectConfig(),
		Failover:   FailoverAny,
		MTU:        protocol.DefaultMTU,
		MaxMessage: protocol.DefaultMaxMessage,
		SendQueue:  64,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	c.Session = c.Session.WithDefaults()
	if c.Heartbeat.Interval == 0 && c.Heartbeat.Timeout == 0 {
		c.Heartbeat = def.Heartbeat
	}
	c.Reconnect = c.Reconnect.withDefaults()
	if c.Failover == nil {
		c.Failover = def.Failover
	}
	if c.MTU == 0 {
		c.MTU = def.MTU
	}
	if c.MaxMessage == 0 {
		c.MaxMessage = def.MaxMessage
	}
	if c.SendQueue <= 0 {
		c.SendQueue = def.SendQueue
	}
	return c
}

func (c Config) Validate() error {
	if c.Primary == nil {
		return ErrNoPrimary
	}
	if c.MTU < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidMTU, c.MTU)
	}
	if err := c.Session.Validate(); err != nil {
		return err
	}
	if err := c.Reconnect.Validate(); err != nil {
		return err
	}
	return c.Heartbeat.Validate()
}

// TransportError reports a link-level failure.
type TransportError struct {
	Op         string
	Descriptor transport.Descriptor
	Err        error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("connection: %s %s: %v", e.Op, e.Descriptor, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
