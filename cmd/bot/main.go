// Grid Trading Bot — an automated spot-market grid trader.
//
// Architecture:
//
//	main.go              — entry point: loads config, wires components, waits for SIGINT/SIGTERM
//	engine/engine.go     — orchestrator: the fetch → plan → diff → execute cycle over active baskets
//	engine/executor.go   — applies a diff with cancel-then-create ordering, absorbs benign venue errors
//	engine/closer.go     — emergency close: cancel everything, sell the position below market
//	strategy/grid.go     — pure planner: buy levels below the anchor, take-profit sells above the VWAP
//	reconcile/reconcile.go — diff of should-be orders against venue state, keyed by client order id
//	exchange/client.go   — signed REST client for the venue (orders, trades, balances, filters)
//	exchange/ratelimit.go — request-weight token bucket shared by every call
//	store/store.go       — SQLite system of record: baskets, orders, fills, snapshots, gate
//	risk/guard.go        — crash guard: suspends placement while the price is collapsing
//	api/server.go        — admin server: status, start/stop, emergency close, ws events, metrics
//
// How it trades:
//
//	The bot bids a fixed ladder of levels below an anchor price and exits
//	the accumulated position with take-profit sells above the
//	volume-weighted entry. Once everything is sold, the ladder re-anchors
//	at the current price and starts over. Venue state is reconciled from
//	scratch every cycle, so a restarted process resumes exactly where the
//	previous one stopped.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"gridbot/internal/api"
	"gridbot/internal/config"
	"gridbot/internal/engine"
	"gridbot/internal/exchange"
	"gridbot/internal/store"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("GRIDBOT_CONFIG"); p != "" {
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

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		logger.Error("failed to open store", "error", err, "path", cfg.Store.Path)
		os.Exit(1)
	}
	defer st.Close()

	venue := exchange.NewClient(cfg.Exchange, logger)
	filters := exchange.NewFilterCache(venue.ExchangeInfo, exchange.DefaultFilterTTL)
	eng := engine.New(cfg, venue, st, filters, logger)

	var apiServer *api.Server
	if cfg.Admin.Enabled {
		apiServer = api.NewServer(cfg.Admin, eng, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("admin server failed", "error", err)
			}
		}()
		logger.Info("admin server started", "url", fmt.Sprintf("http://localhost:%d", cfg.Admin.Port))
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.Exchange.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	logger.Info("grid bot started",
		"pair", cfg.Grid.Pair,
		"levels", len(cfg.Grid.LevelsPct),
		"capital_quote", cfg.Grid.MaxGridCapitalQuote,
		"cycle_seconds", cfg.Orchestrator.CycleSeconds,
		"testnet", cfg.Exchange.Testnet,
		"dry_run", cfg.Exchange.DryRun,
	)

	// Wait for shutdown signal. The in-flight cycle completes; resting
	// orders stay on the venue for the next start to pick up.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop admin server", "error", err)
		}
	}

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
