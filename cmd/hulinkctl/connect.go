package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/danmuck/hulink/internal/config"
	"github.com/danmuck/hulink/internal/connection"
	"github.com/danmuck/hulink/internal/logging"
	"github.com/danmuck/hulink/internal/observability"
	"github.com/danmuck/hulink/internal/protocol"
	"github.com/danmuck/hulink/internal/protocol/session"
)

var (
	connectHash     uint32
	connectSessions []string
	connectEncrypt  bool
	metricsAddr     string
)

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Connect to a head unit and hold the link open",
	Long: `Open the configured primary transport, start a Control session (resuming
--hash when given) and then any --session types. Runs until interrupted.

Examples:
  hulinkctl connect -c hulink.toml
  hulinkctl connect --session rpc --session video --hash 42`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConnect(cmd.Context())
	},
}

func init() {
	connectCmd.Flags().Uint32Var(&connectHash, "hash", 0, "hash id of a previous control session to resume")
	connectCmd.Flags().StringSliceVar(&connectSessions, "session", nil, "session types to start after control (rpc, audio, video, navigation, bulk)")
	connectCmd.Flags().BoolVar(&connectEncrypt, "encrypt", false, "request encryption for --session types")
	connectCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
}

func runConnect(parent context.Context) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	logging.ConfigureWith(logging.ProfileRuntime, cfg.Logging())

	types := make([]protocol.SessionType, 0, len(connectSessions))
	for _, name := range connectSessions {
		st, err := protocol.ParseSessionType(strings.TrimSpace(name))
		if err != nil {
			return err
		}
		types = append(types, st)
	}
	if connectEncrypt && len(cfg.EncryptionKey) == 0 {
		return fmt.Errorf("--encrypt needs security.key in %s", configFile)
	}

	cc, err := cfg.Connection()
	if err != nil {
		return err
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if metricsAddr != "" {
		go func() {
			if err := observability.Serve(ctx, metricsAddr, logging.Component("metrics")); err != nil {
				log.Error().Err(err).Msg("metrics server")
			}
		}()
	}

	var ctl *connection.Controller
	l := logListener{log: logging.Component("hulinkctl")}
	l.started = func(t protocol.SessionType, _ uint8) {
		if t != protocol.SessionControl {
			return
		}
		for _, st := range types {
			if _, err := ctl.StartSession(session.StartRequest{Type: st, Encrypted: connectEncrypt}); err != nil {
				log.Error().Err(err).Str("type", st.String()).Msg("start session")
			}
		}
	}
	ctl, err = connection.New(cc, l)
	if err != nil {
		return err
	}
	if err := ctl.Connect(ctx); err != nil {
		return err
	}
	if _, err := ctl.StartSession(session.StartRequest{Type: protocol.SessionControl, HashID: session.HashID(connectHash)}); err != nil {
		_ = ctl.Close()
		return err
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("interrupted, closing")
		return ctl.Close()
	case <-ctl.Done():
		return fmt.Errorf("connection closed")
	}
}
