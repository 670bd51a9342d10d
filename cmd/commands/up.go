package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/kverlaen/crewd/internal/gateway"
	"github.com/kverlaen/crewd/internal/orchestrator"
	"github.com/kverlaen/crewd/internal/secrets"
)

const shutdownTimeout = 30 * time.Second

// NewUpCommand returns the daemon subcommand.
func NewUpCommand() *cli.Command {
	return &cli.Command{
		Name:  "up",
		Usage: "Start the crewd daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "objective",
				Usage: "Objective file to plan tasks from (enables the planner)",
			},
			&cli.StringFlag{
				Name:  "host",
				Usage: "Gateway host to listen on",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Gateway port to listen on",
			},
			&cli.BoolFlag{
				Name:  "gateway",
				Usage: "Serve the observation API even if the config disables it",
			},
		},
		Action: runUp,
	}
}

func runUp(ctx context.Context, cmd *cli.Command) error {
	setupLogging(cmd)
	cfg := loadConfig(cmd)

	// Secret references in provider auth resolve through the age store.
	if store, err := secrets.Open("", ""); err != nil {
		slog.Warn("secret store unavailable", "error", err)
	} else {
		secrets.ExpandConfig(cfg, store)
	}

	if cmd.IsSet("objective") {
		cfg.Planner.Enabled = true
		cfg.Planner.ObjectivePath = cmd.String("objective")
	}
	if cmd.IsSet("host") {
		cfg.Gateway.Host = cmd.String("host")
	}
	if cmd.IsSet("port") {
		cfg.Gateway.Port = cmd.Int("port")
	}
	if cmd.Bool("gateway") {
		cfg.Gateway.Enabled = true
	}

	orch := orchestrator.New(orchestrator.Config{Config: cfg, Logger: slog.Default()})
	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	var srv *gateway.Server
	gatewayErr := make(chan error, 1)
	if cfg.Gateway.Enabled {
		srv = gateway.NewServer(gateway.Config{
			Host:    cfg.Gateway.Host,
			Port:    cfg.Gateway.Port,
			Store:   orch.Store(),
			Bus:     orch.Bus(),
			Agents:  orch.Agents,
			Runtime: orch.RuntimeState,
			Logger:  slog.Default(),
		})
		go func() { gatewayErr <- srv.Start() }()
	}

	select {
	case <-ctx.Done():
		slog.Info("signal received, shutting down")
	case <-orch.Done():
		if es, ok := orch.EndState(); ok {
			slog.Info("run finished", "end_state", es)
		}
	case err := <-gatewayErr:
		orch.Stop(context.Background())
		return fmt.Errorf("gateway: %w", err)
	}

	// A second signal during shutdown exits immediately.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	go func() {
		<-sig
		os.Exit(0)
	}()

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(stopCtx); err != nil {
			slog.Warn("gateway shutdown failed", "error", err)
		}
	}

	stopped := make(chan struct{})
	go func() {
		orch.Stop(stopCtx)
		close(stopped)
	}()
	select {
	case <-stopped:
		return nil
	case <-stopCtx.Done():
		return cli.Exit("shutdown timed out", 1)
	}
}
