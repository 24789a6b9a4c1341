// ledgerman is a multi-exchange trading-engine core: a balance/reservation
// manager and order lifecycle engine that strategies place orders through,
// with a reconciled view of exchange balances, positions and live orders.
//
// Architecture:
//
//	main.go                       — entry point: loads config, starts the engine, waits for SIGINT/SIGTERM
//	internal/engine/engine.go     — orchestrator: wires every subsystem below into one running process
//	internal/balance/             — reservation manager (C3-C7): virtual balances, reservations, position ledger
//	internal/order/                — order lifecycle engine (C9/C10): creation/cancel state machine, event reconciliation
//	internal/adapter/refclob/     — reference exchange adapter: HMAC REST client + auto-reconnecting WebSocket feed
//	internal/ratelimit/           — per (exchange, request type) sliding-window token bucket (C11)
//	internal/blocker/             — per-exchange manual/timed block state machine (C12)
//	internal/concurrency/         — panic-capturing goroutine supervisor (C13)
//	internal/eventbus/           — broadcast point for balance/order/block events (C14)
//	internal/recorder/           — msgpack balance-snapshot persistence, survives restarts
//	internal/controlplane/       — IPC/RPC control surface: health, stop, get/set_config, stats, balances, positions
//
// Strategies are out of scope: this binary runs the accounting and order
// lifecycle core only, reachable through Engine.PlaceOrder and the control
// plane's read endpoints.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/shiori-quant/ledgerman/internal/config"
	"github.com/shiori-quant/ledgerman/internal/engine"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("LEDGERMAN_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	eng, err := engine.New(*cfg, cfgPath, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	logger.Info("ledgerman started",
		"exchanges", len(cfg.Exchanges),
		"control_plane", cfg.ControlPlane.Enabled,
		"control_plane_addr", fmt.Sprintf("http://localhost%s", cfg.ControlPlane.Addr),
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	eng.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
