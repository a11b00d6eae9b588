// Package config loads hulink TOML files into connection settings.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/hulink/internal/connection"
	"github.com/danmuck/hulink/internal/heartbeat"
	"github.com/danmuck/hulink/internal/logging"
	"github.com/danmuck/hulink/internal/protocol"
	"github.com/danmuck/hulink/internal/protocol/session"
	"github.com/danmuck/hulink/internal/transport"
	"github.com/danmuck/hulink/internal/transport/tcp"
)

var (
	ErrInvalidConfig    = errors.New("config: invalid config")
	ErrUnknownTransport = errors.New("config: unknown transport kind")
	ErrUnknownPolicy    = errors.New("config: unknown failover policy")
	ErrUnknownAction    = errors.New("config: unknown heartbeat action")
)

// Transport is one configured link.
type Transport struct {
	Kind             transport.Kind
	Address          string
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	SecurityMode     tcp.SecurityMode
	TLS              tcp.TLSConfig
}

// Config is a fully resolved hulink configuration.
type Config struct {
	MaxVersion       uint8
	MTU              int
	MaxMessage       int
	HandshakeTimeout time.Duration
	SendQueue        int

	Heartbeat           heartbeat.Config
	HeartbeatAction     connection.HeartbeatAction
	PerSessionHeartbeat bool

	Reconnect connection.ReconnectConfig

	Primary        Transport
	Secondary      *Transport
	FailoverPolicy string

	// EncryptionKey is the 32-byte payload key; empty disables encryption.
	EncryptionKey []byte

	LogLevel string
	LogJSON  bool
	LogFile  string
}

func Default() Config {
	sess := session.DefaultConfig()
	return Config{
		MaxVersion:       sess.MaxVersion,
		MTU:              protocol.DefaultMTU,
		MaxMessage:       protocol.DefaultMaxMessage,
		HandshakeTimeout: sess.HandshakeTimeout,
		SendQueue:        64,
		Heartbeat:        heartbeat.DefaultConfig(),
		HeartbeatAction:  connection.HeartbeatConnection,
		Reconnect:        connection.DefaultReconnectConfig(),
		Primary:          Transport{Kind: transport.KindTCP, SecurityMode: tcp.SecurityModeDevelopment},
		FailoverPolicy:   "any",
		LogLevel:         "info",
	}
}

type fileTLS struct {
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	CAFile             string `toml:"ca_file"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

type fileTransport struct {
	Kind             string  `toml:"kind"`
	Address          string  `toml:"address"`
	ConnectTimeout   string  `toml:"connect_timeout"`
	ConnectTimeoutMS int64   `toml:"connect_timeout_ms"`
	HandshakeTimeout string  `toml:"handshake_timeout"`
	SecurityMode     string  `toml:"security_mode"`
	TLS              fileTLS `toml:"tls"`
}

type fileConfig struct {
	Protocol struct {
		MaxVersion         int    `toml:"max_version"`
		MTU                int    `toml:"mtu"`
		MaxMessageBytes    int    `toml:"max_message_bytes"`
		HandshakeTimeout   string `toml:"handshake_timeout"`
		HandshakeTimeoutMS int64  `toml:"handshake_timeout_ms"`
		SendQueue          int    `toml:"send_queue"`
	} `toml:"protocol"`
	Heartbeat struct {
		Interval   string `toml:"interval"`
		IntervalMS int64  `toml:"interval_ms"`
		Timeout    string `toml:"timeout"`
		TimeoutMS  int64  `toml:"timeout_ms"`
		Action     string `toml:"action"`
		PerSession bool   `toml:"per_session"`
	} `toml:"heartbeat"`
	Reconnect struct {
		Enabled      bool    `toml:"enabled"`
		MaxAttempts  int     `toml:"max_attempts"`
		InitialDelay string  `toml:"initial_delay"`
		Multiplier   float64 `toml:"multiplier"`
		MaxDelay     string  `toml:"max_delay"`
		Jitter       bool    `toml:"jitter"`
	} `toml:"reconnect"`
	Primary        fileTransport `toml:"primary"`
	Secondary      fileTransport `toml:"secondary"`
	FailoverPolicy string        `toml:"failover_policy"`
	Security       struct {
		Key string `toml:"key"`
	} `toml:"security"`
	Log struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
		File   string `toml:"file"`
	} `toml:"log"`
}

// Load reads path and applies every defined key over Default.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	return resolve(raw, meta)
}

// Parse is Load for in-memory TOML.
func Parse(data string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return resolve(raw, meta)
}

func resolve(raw fileConfig, meta toml.MetaData) (Config, error) {
	cfg := Default()
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: unknown key %q", ErrInvalidConfig, undecoded[0].String())
	}

	if meta.IsDefined("protocol", "max_version") {
		v := raw.Protocol.MaxVersion
		if v < 0 || v > 0xFF || !protocol.SupportedVersion(uint8(v)) {
			return Config{}, fmt.Errorf("%w: protocol.max_version %d", ErrInvalidConfig, v)
		}
		cfg.MaxVersion = uint8(v)
	}
	if meta.IsDefined("protocol", "mtu") {
		cfg.MTU = raw.Protocol.MTU
	}
	if meta.IsDefined("protocol", "max_message_bytes") {
		cfg.MaxMessage = raw.Protocol.MaxMessageBytes
	}
	if meta.IsDefined("protocol", "send_queue") {
		cfg.SendQueue = raw.Protocol.SendQueue
	}
	if err := duration(meta, &cfg.HandshakeTimeout, raw.Protocol.HandshakeTimeout, raw.Protocol.HandshakeTimeoutMS, "protocol", "handshake_timeout"); err != nil {
		return Config{}, err
	}

	if err := duration(meta, &cfg.Heartbeat.Interval, raw.Heartbeat.Interval, raw.Heartbeat.IntervalMS, "heartbeat", "interval"); err != nil {
		return Config{}, err
	}
	if err := duration(meta, &cfg.Heartbeat.Timeout, raw.Heartbeat.Timeout, raw.Heartbeat.TimeoutMS, "heartbeat", "timeout"); err != nil {
		return Config{}, err
	}
	if meta.IsDefined("heartbeat", "action") {
		action, err := ParseHeartbeatAction(raw.Heartbeat.Action)
		if err != nil {
			return Config{}, err
		}
		cfg.HeartbeatAction = action
	}
	if meta.IsDefined("heartbeat", "per_session") {
		cfg.PerSessionHeartbeat = raw.Heartbeat.PerSession
	}

	if meta.IsDefined("reconnect", "enabled") {
		cfg.Reconnect.Enabled = raw.Reconnect.Enabled
	}
	if meta.IsDefined("reconnect", "max_attempts") {
		cfg.Reconnect.MaxAttempts = raw.Reconnect.MaxAttempts
	}
	if err := duration(meta, &cfg.Reconnect.InitialDelay, raw.Reconnect.InitialDelay, 0, "reconnect", "initial_delay"); err != nil {
		return Config{}, err
	}
	if err := duration(meta, &cfg.Reconnect.MaxDelay, raw.Reconnect.MaxDelay, 0, "reconnect", "max_delay"); err != nil {
		return Config{}, err
	}
	if meta.IsDefined("reconnect", "multiplier") {
		cfg.Reconnect.Multiplier = raw.Reconnect.Multiplier
	}
	if meta.IsDefined("reconnect", "jitter") {
		cfg.Reconnect.Jitter = raw.Reconnect.Jitter
	}

	primary, err := resolveTransport(meta, "primary", raw.Primary, cfg.Primary)
	if err != nil {
		return Config{}, err
	}
	cfg.Primary = primary
	if meta.IsDefined("secondary") {
		secondary, err := resolveTransport(meta, "secondary", raw.Secondary, Transport{Kind: transport.KindTCP, SecurityMode: tcp.SecurityModeDevelopment})
		if err != nil {
			return Config{}, err
		}
		cfg.Secondary = &secondary
	}
	if meta.IsDefined("failover_policy") {
		cfg.FailoverPolicy = strings.ToLower(strings.TrimSpace(raw.FailoverPolicy))
	}

	if meta.IsDefined("security", "key") {
		key, err := hex.DecodeString(strings.TrimSpace(raw.Security.Key))
		if err != nil {
			return Config{}, fmt.Errorf("%w: security.key: %v", ErrInvalidConfig, err)
		}
		cfg.EncryptionKey = key
	}

	if meta.IsDefined("log", "level") {
		cfg.LogLevel = strings.TrimSpace(raw.Log.Level)
	}
	if meta.IsDefined("log", "format") {
		cfg.LogJSON = strings.EqualFold(strings.TrimSpace(raw.Log.Format), "json")
	}
	if meta.IsDefined("log", "file") {
		cfg.LogFile = strings.TrimSpace(raw.Log.File)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func resolveTransport(meta toml.MetaData, section string, raw fileTransport, t Transport) (Transport, error) {
	if meta.IsDefined(section, "kind") {
		kind, err := ParseKind(raw.Kind)
		if err != nil {
			return Transport{}, err
		}
		t.Kind = kind
	}
	if meta.IsDefined(section, "address") {
		t.Address = strings.TrimSpace(raw.Address)
	}
	if err := duration(meta, &t.ConnectTimeout, raw.ConnectTimeout, raw.ConnectTimeoutMS, section, "connect_timeout"); err != nil {
		return Transport{}, err
	}
	if err := duration(meta, &t.HandshakeTimeout, raw.HandshakeTimeout, 0, section, "handshake_timeout"); err != nil {
		return Transport{}, err
	}
	if meta.IsDefined(section, "security_mode") {
		t.SecurityMode = tcp.NormalizeSecurityMode(tcp.SecurityMode(raw.SecurityMode))
	}
	if meta.IsDefined(section, "tls") {
		t.TLS = tcp.TLSConfig{
			Enabled:            raw.TLS.Enabled,
			Mutual:             raw.TLS.Mutual,
			CAFile:             strings.TrimSpace(raw.TLS.CAFile),
			CertFile:           strings.TrimSpace(raw.TLS.CertFile),
			KeyFile:            strings.TrimSpace(raw.TLS.KeyFile),
			ServerName:         strings.TrimSpace(raw.TLS.ServerName),
			InsecureSkipVerify: raw.TLS.InsecureSkipVerify,
		}
	}
	return t, nil
}

// duration applies "<key>" (a Go duration string) then "<key>_ms" when
// either is defined under section.
func duration(meta toml.MetaData, dst *time.Duration, s string, ms int64, section, key string) error {
	if meta.IsDefined(section, key) {
		d, err := time.ParseDuration(strings.TrimSpace(s))
		if err != nil {
			return fmt.Errorf("parse %s.%s: %w", section, key, err)
		}
		*dst = d
	}
	if meta.IsDefined(section, key+"_ms") {
		*dst = time.Duration(ms) * time.Millisecond
	}
	return nil
}

func ParseKind(raw string) (transport.Kind, error) {
	switch k := transport.Kind(strings.ToLower(strings.TrimSpace(raw))); k {
	case transport.KindTCP, transport.KindWS:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownTransport, raw)
	}
}

func ParseHeartbeatAction(raw string) (connection.HeartbeatAction, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "connection", "":
		return connection.HeartbeatConnection, nil
	case "session":
		return connection.HeartbeatSession, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownAction, raw)
	}
}

func (c Config) Validate() error {
	if c.MTU <= 0 {
		return fmt.Errorf("%w: protocol.mtu must be positive", ErrInvalidConfig)
	}
	if c.MaxMessage < c.MTU {
		return fmt.Errorf("%w: protocol.max_message_bytes below mtu", ErrInvalidConfig)
	}
	if err := c.Heartbeat.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := c.Reconnect.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	sess := session.Config{MaxVersion: c.MaxVersion, HandshakeTimeout: c.HandshakeTimeout}
	if err := sess.Validate(); err != nil {
		return err
	}
	if err := validateTransport("primary", c.Primary); err != nil {
		return err
	}
	if c.Secondary != nil {
		if err := validateTransport("secondary", *c.Secondary); err != nil {
			return err
		}
	}
	if _, err := failoverPolicy(c.FailoverPolicy); err != nil {
		return err
	}
	if len(c.EncryptionKey) != 0 && len(c.EncryptionKey) != 32 {
		return fmt.Errorf("%w: security.key must be 32 bytes, got %d", ErrInvalidConfig, len(c.EncryptionKey))
	}
	if _, ok := logging.ParseLevel(c.LogLevel); !ok && c.LogLevel != "" {
		return fmt.Errorf("%w: log.level %q", ErrInvalidConfig, c.LogLevel)
	}
	return nil
}

func validateTransport(section string, t Transport) error {
	if strings.TrimSpace(t.Address) == "" {
		return fmt.Errorf("%w: %s.address required", ErrInvalidConfig, section)
	}
	if t.Kind == transport.KindTCP {
		if err := tcp.ValidateSecurity(t.SecurityMode, t.TLS); err != nil {
			return fmt.Errorf("%s: %w", section, err)
		}
	}
	return nil
}

func failoverPolicy(name string) (connection.FailoverPolicy, error) {
	switch name {
	case "", "any":
		return connection.FailoverAny, nil
	case "same_kind":
		return connection.FailoverSameKind, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
	}
}
