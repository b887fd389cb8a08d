// Command bridge-agent runs the per-host agent bridge: it holds the
// WebSocket connection to the platform for one agent id, drives the
// local assistant adapter, and manages per-client workspaces.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/skillshot/bridge-agent/internal/config"
	"github.com/skillshot/bridge-agent/internal/logging"
	"github.com/skillshot/bridge-agent/internal/supervisor"
)

func main() {
	logging.Setup()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("starting agent bridge", "agent_id", cfg.AgentID, "adapter_type", cfg.AdapterType, "transport_url", cfg.TransportURL)

	sup, err := supervisor.New(cfg)
	if err != nil {
		slog.Error("failed to build supervisor", "error", err)
		os.Exit(1)
	}

	runCtx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() { errCh <- sup.Run(runCtx) }()

	select {
	case err := <-errCh:
		cancel()
		if err != nil {
			slog.Error("bridge exited with error", "error", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", "signal", sig.String())
		cancel()
		if err := <-errCh; err != nil {
			slog.Error("bridge shutdown reported error", "error", err)
			os.Exit(1)
		}
	}

	slog.Info("agent bridge stopped")
}
