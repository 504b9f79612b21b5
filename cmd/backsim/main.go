package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alejandrodnm/backsim/config"
	"github.com/alejandrodnm/backsim/internal/adapters/httpapi"
	"github.com/alejandrodnm/backsim/internal/adapters/notify"
	"github.com/alejandrodnm/backsim/internal/adapters/scenario"
	"github.com/alejandrodnm/backsim/internal/adapters/storage"
	"github.com/alejandrodnm/backsim/internal/application/engine/backtest"
	"github.com/alejandrodnm/backsim/internal/ports"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	scenarioPath := flag.String("scenario", "", "scenario file (overrides config)")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	table := flag.Bool("table", false, "print full tables (default: compact 1-line)")
	noStore := flag.Bool("no-store", false, "do not persist the run to SQLite")
	serve := flag.Bool("serve", false, "keep the status server up after the run until Ctrl+C")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}

	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	if *scenarioPath != "" {
		cfg.Scenario.Path = *scenarioPath
	}
	setupLogger(cfg.Log)

	if cfg.Scenario.Path == "" {
		slog.Error("no scenario given: set scenario.path or pass -scenario")
		os.Exit(1)
	}

	slog.Info("backsim starting",
		"config", *configPath,
		"scenario", cfg.Scenario.Path,
		"init_cash", cfg.Simulation.InitCash,
		"trade_on", cfg.Simulation.TradeOn,
		"instant", cfg.Simulation.InstantExecution,
		"store", !*noStore,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sc, err := scenario.NewFileSource(cfg.Scenario.Path).LoadScenario(ctx)
	if err != nil {
		slog.Error("failed to load scenario", "err", err)
		os.Exit(1)
	}

	var store ports.RunStorage
	if !*noStore {
		db, err := storage.NewSQLiteStorage(cfg.Storage.DSN)
		if err != nil {
			slog.Error("failed to open storage", "err", err, "dsn", cfg.Storage.DSN)
			os.Exit(1)
		}
		defer db.Close()
		store = db
	}

	eng := backtest.New(backtest.Config{
		InitCash:         cfg.Simulation.InitCash,
		TradeOn:          cfg.Simulation.TradeOn,
		InstantExecution: cfg.Simulation.InstantExecution,
		Tolerance:        cfg.Simulation.Tolerance,
		MarkField:        cfg.Simulation.MarkField,
		PacePerSecond:    cfg.Simulation.PacePerSecond,
	}, sc, store)

	serverDone := make(chan error, 1)
	if cfg.Server.Addr != "" {
		deps := httpapi.Deps{
			Run:      eng.Info(),
			Scenario: sc,
			Ledger:   eng.Ledger(),
			Market:   eng.Snapshot(),
		}
		if store != nil {
			deps.Runs = store
		}
		srv := httpapi.New(deps)
		go func() { serverDone <- srv.ListenAndServe(ctx, cfg.Server.Addr) }()
	} else {
		close(serverDone)
	}

	notifier := notify.NewConsole(*table)

	res, err := eng.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("backtest failed", "err", err)
		os.Exit(1)
	}
	if res != nil {
		if err := notifier.NotifyRun(eng.Report(res)); err != nil {
			slog.Warn("notifier error", "err", err)
		}
	}

	if *serve && cfg.Server.Addr != "" {
		slog.Info("run finished, status server still up; press Ctrl+C to exit", "addr", cfg.Server.Addr)
		<-ctx.Done()
	}
	cancel()
	if err := <-serverDone; err != nil {
		slog.Warn("status server error", "err", err)
	}

	slog.Info("backsim stopped cleanly")
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
