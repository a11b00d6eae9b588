package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/hulink/internal/protocol"
)

var ErrInvalidConfig = errors.New("session: invalid config")

// Config bounds version negotiation and how long a start may wait.
type Config struct {
	MaxVersion       uint8
	HandshakeTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxVersion:       protocol.MaxVersion,
		HandshakeTimeout: 10 * time.Second,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.MaxVersion == 0 {
		c.MaxVersion = def.MaxVersion
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	return c
}

func (c Config) Validate() error {
	if !protocol.SupportedVersion(c.MaxVersion) {
		return fmt.Errorf("%w: max_version %d outside %d..%d", ErrInvalidConfig, c.MaxVersion, protocol.MinVersion, protocol.MaxVersion)
	}
	return nil
}
