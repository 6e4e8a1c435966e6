package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alejandrodnm/matchbot/config"
	"github.com/alejandrodnm/matchbot/internal/adapters/calibration"
	"github.com/alejandrodnm/matchbot/internal/adapters/notify"
	"github.com/alejandrodnm/matchbot/internal/adapters/onchain"
	"github.com/alejandrodnm/matchbot/internal/adapters/polymarket"
	"github.com/alejandrodnm/matchbot/internal/adapters/storage"
	"github.com/alejandrodnm/matchbot/internal/application/engine"
	"github.com/alejandrodnm/matchbot/internal/application/risk"
	"github.com/alejandrodnm/matchbot/internal/metrics"
	"github.com/alejandrodnm/matchbot/internal/ports"
)

const stopFile = "STOP_TRADING"

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	calibrationPath := flag.String("calibration", "config/calibration.yaml", "path to calibration table")
	once := flag.Bool("once", false, "run one tick and exit")
	paper := flag.Bool("paper", false, "force paper mode regardless of config")
	verbose := flag.Bool("verbose", false, "set log level to debug and always print group tables")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}

	if *paper {
		cfg.Trading.Mode = "paper"
	}
	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	setupLogger(cfg.Log)

	slog.Info("matchbot starting",
		"config", *configPath,
		"mode", cfg.Trading.Mode,
		"tick", cfg.TickInterval(),
		"once", *once,
	)

	table, err := calibration.LoadTable(*calibrationPath)
	if err != nil {
		slog.Error("failed to load calibration table", "err", err, "path", *calibrationPath)
		os.Exit(1)
	}

	store, err := storage.NewStore(cfg.Storage.DSN)
	if err != nil {
		slog.Error("failed to open storage", "err", err, "dsn", cfg.Storage.DSN)
		os.Exit(1)
	}
	defer store.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := polymarket.NewClient(cfg.API.CLOBBase, cfg.API.GammaBase)
	client.SetScheduleHorizon(2 * cfg.WindowLead())

	if cfg.API.WSBase != "" {
		feed := polymarket.NewPriceFeed(cfg.API.WSBase)
		go feed.Run(ctx)
		client.SetPriceFeed(feed)
	}

	var (
		orders    ports.OrderExecutor
		merger    ports.MergeExecutor
		preflight ports.Preflight
	)
	if cfg.Trading.Mode == "live" {
		orders, merger, preflight = setupLive(ctx, cfg, store)
	} else {
		merger = onchain.NewSimulatedMerger(0)
	}

	riskEngine := risk.New(store, table, preflight, cfg.Risk)
	ingester := polymarket.NewSettlementIngester(client, store, riskEngine)
	notifier := notify.NewConsole(*verbose)

	var recorder *metrics.Recorder
	if cfg.Metrics.Enabled {
		recorder = metrics.NewRecorder()
		srv := metrics.NewServer(cfg.Metrics.Addr, recorder, slog.Default())
		go func() {
			if err := srv.Run(ctx); err != nil {
				slog.Warn("metrics server exited", "err", err)
			}
		}()
	}

	engineCfg := engine.Config{
		Trading: cfg.Trading,
		DCA:     cfg.DCA,
		Hedge:   cfg.Hedge,
		Merge:   cfg.Merge,
		Group:   cfg.Group,
		Sizing:  cfg.Sizing,
	}
	sched := engine.NewScheduler(engineCfg, store, client, client, orders, merger,
		preflight, table, calibration.NeutralAnalyzer{}, riskEngine, notifier, recorderOrNil(recorder))

	runTick(ctx, sched, ingester)
	if *once {
		slog.Info("single tick complete, exiting")
		return
	}

	ticker := time.NewTicker(cfg.TickInterval())
	defer ticker.Stop()

	slog.Info("tick loop started, press Ctrl+C or create " + stopFile + " to exit")
	for {
		select {
		case <-ctx.Done():
			slog.Info("matchbot stopped cleanly")
			return
		case <-ticker.C:
			if _, err := os.Stat(stopFile); err == nil {
				slog.Info(stopFile + " detected, shutting down")
				os.Remove(stopFile)
				return
			}
			runTick(ctx, sched, ingester)
		}
	}
}

// setupLive wires the real-money adapters. Any failure here is fatal:
// starting a live loop with a half-wired execution path risks funds.
func setupLive(ctx context.Context, cfg *config.Config, store *storage.Store) (ports.OrderExecutor, ports.MergeExecutor, ports.Preflight) {
	privateKey := os.Getenv("POLY_PRIVATE_KEY")
	if privateKey == "" {
		slog.Error("live mode requires POLY_PRIVATE_KEY in the environment")
		os.Exit(1)
	}

	fmt.Printf("\n⚠️  LIVE TRADING MODE — REAL MONEY WILL BE SPENT\n")
	fmt.Printf("   Press Ctrl+C within 5 seconds to abort...\n\n")
	abortTimer := time.NewTimer(5 * time.Second)
	select {
	case <-abortTimer.C:
	case <-ctx.Done():
		slog.Info("live trading aborted by user")
		os.Exit(0)
	}

	trading, err := polymarket.NewTradingClient(cfg.API.CLOBBase, cfg.API.GammaBase, cfg.Chain.RPCURL, privateKey)
	if err != nil {
		slog.Error("failed to create trading client", "err", err)
		os.Exit(1)
	}
	if err := trading.EnsureCreds(ctx); err != nil {
		slog.Error("failed to derive API credentials — check POLY_PRIVATE_KEY", "err", err)
		os.Exit(1)
	}
	slog.Info("live: authenticated with Polymarket CLOB", "address", trading.Address())

	merger, err := onchain.NewMerger(cfg.Chain.RPCURL, privateKey)
	if err != nil {
		slog.Error("failed to create merge client", "err", err)
		os.Exit(1)
	}
	slog.Info("live: checking on-chain approvals...")
	if err := merger.EnsureApprovals(ctx); err != nil {
		slog.Error("failed to ensure on-chain approvals", "err", err)
		os.Exit(1)
	}

	preflight := polymarket.NewAccountPreflight(trading, store)
	if pf, err := preflight.Snapshot(ctx); err != nil {
		slog.Warn("live: initial account snapshot failed", "err", err)
	} else {
		slog.Info("live: account ready", "balance", fmt.Sprintf("$%.2f", pf.Balance))
	}

	return trading, merger, preflight
}

// runTick ingests resolved markets first so this tick's risk check sees
// yesterday's losses, then runs the scheduler pass.
func runTick(ctx context.Context, sched *engine.Scheduler, ingester *polymarket.SettlementIngester) {
	if n, err := ingester.Run(ctx, time.Now().UTC()); err != nil {
		slog.Warn("settlement ingestion failed", "err", err)
	} else if n > 0 {
		slog.Info("settlements ingested", "count", n)
	}

	if _, err := sched.RunTick(ctx); err != nil {
		slog.Error("tick failed", "err", err)
	}
}

// recorderOrNil keeps the scheduler's Recorder a true nil interface when
// metrics are disabled. A typed nil pointer would pass the != nil check.
func recorderOrNil(r *metrics.Recorder) engine.Recorder {
	if r == nil {
		return nil
	}
	return r
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
