package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/danmuck/hulink/internal/connection"
	"github.com/danmuck/hulink/internal/testutil/testlog"
	"github.com/danmuck/hulink/internal/transport"
	"github.com/danmuck/hulink/internal/transport/tcp"
)

func TestTemplateLoadsToDefaults(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "hulink.toml")
	require.NoError(t, WriteTemplate(path, false))
	require.Error(t, WriteTemplate(path, false), "existing file must not be overwritten")

	cfg, err := Load(path)
	require.NoError(t, err)

	def := Default()
	require.Equal(t, def.MaxVersion, cfg.MaxVersion)
	require.Equal(t, def.MTU, cfg.MTU)
	require.Equal(t, def.Heartbeat, cfg.Heartbeat)
	require.Equal(t, def.Reconnect, cfg.Reconnect)
	require.Equal(t, transport.KindTCP, cfg.Primary.Kind)
	require.Equal(t, "127.0.0.1:12345", cfg.Primary.Address)
	require.Nil(t, cfg.Secondary)
}

func TestOverridesApplied(t *testing.T) {
	testlog.Start(t)
	cfg, err := Parse(`
failover_policy = "same_kind"

[protocol]
max_version = 4
mtu = 1024
handshake_timeout_ms = 1500

[heartbeat]
interval = "1s"
timeout_ms = 4000
action = "session"
per_session = true

[reconnect]
enabled = true
max_attempts = 3
initial_delay = "100ms"

[primary]
kind = "ws"
address = "ws://127.0.0.1:8080/hu"

[secondary]
address = "10.0.0.2:12345"
connect_timeout_ms = 250

[security]
key = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

[log]
level = "debug"
format = "json"
`)
	require.NoError(t, err)
	require.Equal(t, uint8(4), cfg.MaxVersion)
	require.Equal(t, 1024, cfg.MTU)
	require.Equal(t, 1500*time.Millisecond, cfg.HandshakeTimeout)
	require.Equal(t, time.Second, cfg.Heartbeat.Interval)
	require.Equal(t, 4*time.Second, cfg.Heartbeat.Timeout)
	require.Equal(t, connection.HeartbeatSession, cfg.HeartbeatAction)
	require.True(t, cfg.PerSessionHeartbeat)
	require.True(t, cfg.Reconnect.Enabled)
	require.Equal(t, 3, cfg.Reconnect.MaxAttempts)
	require.Equal(t, 100*time.Millisecond, cfg.Reconnect.InitialDelay)
	require.Equal(t, 5*time.Second, cfg.Reconnect.MaxDelay, "unset keys keep defaults")
	require.Equal(t, transport.KindWS, cfg.Primary.Kind)
	require.NotNil(t, cfg.Secondary)
	require.Equal(t, transport.KindTCP, cfg.Secondary.Kind)
	require.Equal(t, 250*time.Millisecond, cfg.Secondary.ConnectTimeout)
	require.Len(t, cfg.EncryptionKey, 32)
	require.True(t, cfg.LogJSON)

	cc, err := cfg.Connection()
	require.NoError(t, err)
	require.Equal(t, transport.KindWS, cc.Primary.Descriptor().Kind)
	require.Equal(t, "10.0.0.2:12345", cc.Secondary.Descriptor().Address)
	require.NotNil(t, cc.Cipher)
	require.Equal(t, 1024, cc.MTU)
	require.True(t, cc.Failover(transport.Descriptor{Kind: transport.KindTCP}, transport.Descriptor{Kind: transport.KindTCP}))
	require.False(t, cc.Failover(transport.Descriptor{Kind: transport.KindTCP}, transport.Descriptor{Kind: transport.KindWS}))
}

func TestInvalidConfigs(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name string
		toml string
		want error
	}{
		{"missing address", `[primary]
kind = "tcp"`, ErrInvalidConfig},
		{"unknown kind", `[primary]
kind = "serial"
address = "x"`, ErrUnknownTransport},
		{"unknown policy", `failover_policy = "never"
[primary]
address = "x"`, ErrUnknownPolicy},
		{"unknown action", `[heartbeat]
action = "reboot"
[primary]
address = "x"`, ErrUnknownAction},
		{"bad version", `[protocol]
max_version = 9
[primary]
address = "x"`, ErrInvalidConfig},
		{"short key", `[security]
key = "0011"
[primary]
address = "x"`, ErrInvalidConfig},
		{"timeout below interval", `[heartbeat]
interval = "10s"
timeout = "5s"
[primary]
address = "x"`, ErrInvalidConfig},
		{"production without tls", `[primary]
address = "x"
security_mode = "production"`, tcp.ErrTLSRequired},
		{"max_delay below initial_delay", `[reconnect]
initial_delay = "2s"
max_delay = "1s"
[primary]
address = "x"`, ErrInvalidConfig},
		{"unknown key", `colour = "blue"
[primary]
address = "x"`, ErrInvalidConfig},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.toml)
			require.Error(t, err)
			require.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}
}

func TestBadDurationNamesKey(t *testing.T) {
	testlog.Start(t)
	_, err := Parse(`[heartbeat]
interval = "soon"
[primary]
address = "x"`)
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "heartbeat.interval"), err.Error())
}

func TestLoadMissingFile(t *testing.T) {
	testlog.Start(t)
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
