// tradecore is an automated triangular/cross-exchange arbitrage bot.
//
// Architecture:
//
//	main.go                — entry point: loads config, migrates, starts the Trader, waits for SIGINT/SIGTERM
//	internal/trader        — orchestrator: wires path enumeration, scheduling, and execution, manages intent lifecycle
//	internal/pathfind      — enumerates profitable currency-chain paths over the configured market graph
//	internal/scheduler     — tracks one (market, side) pending order slot, serializing competing writers
//	internal/processor     — runs one delayed (limit) order through place/track/cancel/adjust, reacting to fills
//	internal/instant       — fill-or-kill execution for INSTANT-speed market legs, with per-error-class retry
//	internal/txintent      — the per-path state machine (Transaction Intent) and its registry (Intent Manager)
//	internal/journal       — durability layer: persists every intent/trade so a crash resumes mid-chain
//	internal/risk          — balance-reservation gate: fixed reserves plus in-flight commitments, per currency
//	internal/orderbook     — local order book + fee cache fed by the exchange's market WebSocket
//	internal/exchange      — REST client, HMAC auth, and WebSocket feeds for the exchange's trading API
//	internal/admin         — JSON status endpoint + Prometheus metrics for ops visibility
//
// How it makes money:
//
//	The bot enumerates chains of markets that start and end in the same
//	currency (e.g. USDT -> BTC -> ETH -> USDT) and looks for a chain whose
//	product of exchange rates, net of fees, returns more than it started
//	with. When one clears the configured minimum trade size, the Trader
//	reserves the opening balance and drives the chain step by step,
//	replanning or merging with other in-flight chains as prices move.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/arbot/tradecore/internal/admin"
	"github.com/arbot/tradecore/internal/config"
	"github.com/arbot/tradecore/internal/trader"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("TRADER_CONFIG"); p != "" {
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

	tr, err := trader.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create trader", "error", err)
		os.Exit(1)
	}

	migrateCtx, cancel := signalableContext()
	defer cancel()
	if err := tr.Migrate(migrateCtx); err != nil {
		logger.Error("journal migration failed", "error", err)
		os.Exit(1)
	}

	var adminServer *admin.Server
	if cfg.Admin.Enabled {
		adminServer = admin.NewServer(cfg.Admin, tr, *cfg, logger)
		go func() {
			if err := adminServer.Start(); err != nil {
				logger.Error("admin server failed", "error", err)
			}
		}()
		logger.Info("admin surface started", "url", fmt.Sprintf("http://localhost:%d", cfg.Admin.Port))
	}

	if err := tr.Start(); err != nil {
		logger.Error("failed to start trader", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	logger.Info("tradecore started",
		"primary_currencies", cfg.Trading.PrimaryCurrencies,
		"markets", len(cfg.Trading.Markets),
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if adminServer != nil {
		if err := adminServer.Stop(); err != nil {
			logger.Error("failed to stop admin server", "error", err)
		}
	}

	tr.Stop()
}

// signalableContext returns a context cancelled by the same signals main
// waits on, so a slow migration can still be interrupted cleanly.
func signalableContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
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
