package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/danmuck/hulink/internal/connection"
	"github.com/danmuck/hulink/internal/logging"
	"github.com/danmuck/hulink/internal/protocol"
	"github.com/danmuck/hulink/internal/protocol/session"
	"github.com/danmuck/hulink/internal/testutil/headunit"
	"github.com/danmuck/hulink/internal/transport/mem"
)

var demoFailover bool

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a session exchange against an in-process head unit",
	Long: `Start a simulated head unit on in-memory links, negotiate Control and RPC
sessions, send one RPC payload and, with --failover, drop the primary link
to show sessions moving to the secondary.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logging.ConfigureRuntime()
		return runDemo(cmd.Context(), demoFailover)
	},
}

func init() {
	demoCmd.Flags().BoolVar(&demoFailover, "failover", false, "drop the primary link after the exchange")
}

func runDemo(ctx context.Context, failover bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	log := logging.Component("demo")
	netw := mem.NewNetwork()
	hu := headunit.New(netw, headunit.Options{Echo: true, MTU: 4096, AuthToken: "demo-token"})
	defer hu.Close()
	for _, name := range []string{"primary", "secondary"} {
		if err := hu.Listen(name); err != nil {
			return err
		}
	}

	cfg := connection.DefaultConfig()
	cfg.Primary = netw.Adapter("primary")
	cfg.Secondary = netw.Adapter("secondary")

	started := make(chan uint8, 4)
	l := logListener{log: logging.Component("hulinkctl"), started: func(t protocol.SessionType, id uint8) {
		if t == protocol.SessionRPC {
			started <- id
		}
	}}
	ctl, err := connection.New(cfg, l)
	if err != nil {
		return err
	}
	defer ctl.Close()
	if err := ctl.Connect(ctx); err != nil {
		return err
	}
	if _, err := ctl.StartSession(session.StartRequest{Type: protocol.SessionControl}); err != nil {
		return err
	}
	if _, err := ctl.StartSession(session.StartRequest{Type: protocol.SessionRPC}); err != nil {
		return err
	}

	var rpc uint8
	select {
	case rpc = <-started:
	case <-time.After(5 * time.Second):
		return context.DeadlineExceeded
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := ctl.Send(protocol.SessionRPC, rpc, []byte(`{"method":"GetVehicleData"}`)); err != nil {
		return err
	}
	time.Sleep(100 * time.Millisecond)

	if failover {
		deadline := time.Now().Add(2 * time.Second)
		for {
			if _, ok := ctl.Alternate(); ok {
				break
			}
			if time.Now().After(deadline) {
				log.Warn().Msg("secondary not registered, failover will end the connection")
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
		hu.Drop("primary")
		time.Sleep(100 * time.Millisecond)
		if err := ctl.Send(protocol.SessionRPC, rpc, []byte(`{"method":"Ping"}`)); err != nil {
			return err
		}
		time.Sleep(100 * time.Millisecond)
	}
	for _, rec := range ctl.Sessions() {
		log.Info().Str("type", rec.Type.String()).Uint8("id", rec.ID).Str("state", rec.State.String()).Msg("open session")
	}
	return nil
}
