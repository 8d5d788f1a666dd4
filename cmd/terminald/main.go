// Trading terminal backend — market data ingestion and simulated order
// execution for Indian retail broking (NSE/BSE equity and F&O, MCX).
//
// Architecture:
//
//	main.go              — entry point: loads config, builds the core, waits for SIGINT/SIGTERM
//	core/context.go      — dependency graph: store → registry → feed → chains → engine → api
//	registry/            — provider scrip master (CSV) with symbol/expiry/strike resolution
//	subs/fabric.go       — subscription fabric: desired tokens reconciled onto websocket shards
//	feed/ingestor.go     — vendor websocket shards with reconnect ladder, cooldown, kill-switch
//	chain/cache.go       — option-chain cache: ATM-centered strike windows, synthesis, rebuilds
//	exec/engine.go       — simulated execution: latency and slippage models, fills, margin, ledger
//	market/              — trading calendar (IST sessions) and the shared depth cache
//	api/                 — HTTP surface and the WebSocket push hub for frontends
//	store/               — sqlite persistence (orders, positions, ledger, subscriptions)
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"tradesim/internal/config"
	"tradesim/internal/core"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("TERM_CONFIG"); p != "" {
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

	c, err := core.New(cfg, logger)
	if err != nil {
		logger.Error("failed to build core", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := c.Start(ctx); err != nil {
		logger.Error("failed to start", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	c.Stop()
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
