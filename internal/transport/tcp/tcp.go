// Package tcp is the TCP (optionally TLS) head-unit link.
package tcp

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/danmuck/hulink/internal/transport"
)

var ErrAddressRequired = errors.New("tcp: address required")

// Config describes one TCP link.
type Config struct {
	Address          string
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	SecurityMode     SecurityMode
	TLS              TLSConfig
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:   5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		SecurityMode:     SecurityModeDevelopment,
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Address) == "" {
		return ErrAddressRequired
	}
	return ValidateSecurity(c.SecurityMode, c.TLS)
}

// New returns an adapter that dials cfg.Address on every Open.
func New(cfg Config) (*transport.ConnAdapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	def := DefaultConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	desc := transport.Descriptor{Kind: transport.KindTCP, Address: cfg.Address}
	return transport.NewConnAdapter(desc, func(ctx context.Context) (net.Conn, error) {
		return dial(ctx, cfg)
	}), nil
}

func dial(ctx context.Context, cfg Config) (net.Conn, error) {
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", cfg.Address)
	if err != nil {
		return nil, err
	}
	if !cfg.TLS.Enabled {
		return rawConn, nil
	}

	tlsCfg, err := clientTLSConfig(cfg.Address, cfg.TLS)
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	handshakeCtx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return conn, nil
}
