// Command ouroboros runs the autonomous task daemon: a sqlite-backed task
// state machine, a worker pool executing model round loops, a budget ledger,
// and the Telegram operator channel.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/Cyber-41/ouroboros-free/internal/breaker"
	"github.com/Cyber-41/ouroboros-free/internal/budget"
	"github.com/Cyber-41/ouroboros-free/internal/bus"
	"github.com/Cyber-41/ouroboros-free/internal/channels"
	"github.com/Cyber-41/ouroboros-free/internal/config"
	"github.com/Cyber-41/ouroboros-free/internal/cron"
	"github.com/Cyber-41/ouroboros-free/internal/dedup"
	"github.com/Cyber-41/ouroboros-free/internal/eventlog"
	"github.com/Cyber-41/ouroboros-free/internal/model"
	"github.com/Cyber-41/ouroboros-free/internal/otel"
	"github.com/Cyber-41/ouroboros-free/internal/persistence"
	"github.com/Cyber-41/ouroboros-free/internal/pricing"
	"github.com/Cyber-41/ouroboros-free/internal/router"
	"github.com/Cyber-41/ouroboros-free/internal/scheduler"
	"github.com/Cyber-41/ouroboros-free/internal/telemetry"
	"github.com/Cyber-41/ouroboros-free/internal/tools"
)

var version = "v0.1-dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "ouroboros: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		showVersion = flag.Bool("version", false, "print version and exit")
		logLevel    = flag.String("log-level", "", "override log level (debug, info, warn, error)")
		workers     = flag.Int("workers", 0, "override worker pool size")
		budgetUSD   = flag.Float64("budget", 0, "override session budget in USD")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("ouroboros", version)
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *workers > 0 {
		cfg.WorkerCount = *workers
	}
	if *budgetUSD > 0 {
		cfg.Budget.TotalUSD = *budgetUSD
	}

	// Quiet stdout when not attached to a terminal; the jsonl file always
	// receives the full stream.
	quiet := !isatty.IsTerminal(os.Stdout.Fd())
	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logCloser.Close()

	logger.Info("ouroboros starting",
		"version", version, "home", cfg.HomeDir, "workers", cfg.WorkerCount,
		"model", cfg.Model.Identity, "budget_usd", cfg.Budget.TotalUSD,
		"config_fingerprint", cfg.Fingerprint())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eventlog.Init(cfg.HomeDir); err != nil {
		return fmt.Errorf("init event log: %w", err)
	}
	defer eventlog.Close()

	eventBus := bus.New()

	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "ouroboros.db"), eventBus)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	eventlog.SetDB(store.DB())

	provider, err := otel.Init(ctx, cfg.OTel)
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("otel shutdown failed", "error", err)
		}
	}()
	metrics, err := otel.NewMetrics(provider.Meter)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	listURL := ""
	if cfg.Model.PricingRefreshMinutes > 0 {
		listURL = cfg.Model.BaseURL + "/models"
	}
	prices := pricing.New(listURL, logger)
	prices.SetRefreshInterval(time.Duration(cfg.Model.PricingRefreshMinutes) * time.Minute)

	ledger := budget.New(cfg.Budget.TotalUSD, prices, store, eventBus, logger)
	if err := ledger.Restore(ctx); err != nil {
		return fmt.Errorf("restore budget: %w", err)
	}

	gate := dedup.New(cfg.Dedup.Threshold,
		dedup.WithMaxSize(cfg.Dedup.WindowSize),
		dedup.WithMaxAge(time.Duration(cfg.Dedup.WindowMins)*time.Minute),
	)

	brk := breaker.New(cfg.Evolution.BreakerThreshold, store, eventBus, logger)
	brk.Load(ctx,
		string(persistence.TaskTypeDirectChat),
		string(persistence.TaskTypeWorker),
		string(persistence.TaskTypeEvolution),
	)

	if cfg.Model.APIKey == "" {
		logger.Warn("no model API key configured; model calls will fail")
	}
	client := model.NewClient(cfg.Model.APIKey, cfg.Model.BaseURL)
	chain := model.NewChain(cfg.Model.Identity, cfg.Model.Fallbacks)

	registry := tools.NewRegistry()
	if err := registerBuiltinTools(registry, store); err != nil {
		return fmt.Errorf("register tools: %w", err)
	}
	logger.Info("tools registered", "names", registry.Names())

	loop := scheduler.NewLoop(store, client, chain, ledger, registry, eventBus, scheduler.LoopConfig{
		MaxTokensPerRound:          cfg.Model.MaxTokensPerRound,
		EvolutionMaxTokensPerRound: cfg.Model.EvolutionMaxTokensPerRound,
	}, logger, provider.Tracer, metrics)

	sched := scheduler.New(store, gate, brk, ledger, loop, scheduler.Config{
		WorkerCount:        cfg.WorkerCount,
		MaxQueueDepth:      cfg.MaxQueueDepth,
		TaskTimeout:        cfg.TaskTimeout(),
		EvolutionTimeout:   cfg.EvolutionTimeout(),
		MaxRounds:          cfg.MaxRounds,
		EvolutionMaxRounds: cfg.Evolution.MaxRounds,
		Bus:                eventBus,
	}, logger, metrics)
	sched.Start(ctx)

	decider := router.NewModelDecider(client, store, cfg.Model.Identity)
	routes := router.New(store, decider, eventBus, logger)

	var trigger *cron.Trigger
	if cfg.Evolution.Enabled {
		trigger = cron.New(cron.Config{
			Scheduler: sched,
			Logger:    logger,
			Expr:      cfg.Evolution.Cron,
			Identity:  cfg.Model.Identity,
		})
		if err := trigger.Start(ctx); err != nil {
			return fmt.Errorf("start evolution trigger: %w", err)
		}
		defer trigger.Stop()
	}

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go watchConfig(ctx, watcher, cfg, logger)
	}

	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		tg := channels.NewTelegramChannel(
			cfg.Channels.Telegram.Token,
			cfg.Channels.Telegram.AllowedIDs,
			routes, sched, store, ledger, brk, eventBus,
			cfg.Model.Identity, logger,
		)
		go func() {
			if err := tg.Start(ctx); err != nil {
				logger.Error("telegram channel failed", "error", err)
			}
		}()
	} else {
		logger.Info("telegram channel disabled")
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	sched.Drain(time.Duration(cfg.DrainTimeoutSeconds) * time.Second)

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ledger.Flush(flushCtx); err != nil {
		logger.Warn("budget flush failed", "error", err)
	}

	backupPath := filepath.Join(cfg.HomeDir, "backups",
		fmt.Sprintf("ouroboros-%s.db", time.Now().UTC().Format("20060102-150405")))
	if err := os.MkdirAll(filepath.Dir(backupPath), 0o755); err == nil {
		if err := store.Backup(flushCtx, backupPath); err != nil {
			logger.Warn("backup failed", "error", err)
		} else {
			logger.Info("backup written", "path", backupPath)
		}
	}

	logger.Info("ouroboros stopped")
	return nil
}

// watchConfig logs config changes. Worker pool size and storage settings need
// a restart; the fingerprint makes drift visible in the logs.
func watchConfig(ctx context.Context, watcher *config.Watcher, current config.Config, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-watcher.Events():
			if !ok {
				return
			}
			next, err := config.Load()
			if err != nil {
				logger.Error("config reload failed", "error", err)
				continue
			}
			if next.Fingerprint() == current.Fingerprint() {
				continue
			}
			logger.Info("config changed on disk; restart to apply",
				"old_fingerprint", current.Fingerprint(), "new_fingerprint", next.Fingerprint())
			current = next
		}
	}
}
