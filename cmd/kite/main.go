// Kite - Risk-aware transaction ledger.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/kite/internal/alerts"
	"github.com/opensource-finance/kite/internal/aml"
	"github.com/opensource-finance/kite/internal/api"
	"github.com/opensource-finance/kite/internal/breaker"
	"github.com/opensource-finance/kite/internal/bus"
	"github.com/opensource-finance/kite/internal/counter"
	"github.com/opensource-finance/kite/internal/domain"
	"github.com/opensource-finance/kite/internal/ledger"
	"github.com/opensource-finance/kite/internal/notify"
	"github.com/opensource-finance/kite/internal/repository"
	"github.com/opensource-finance/kite/internal/risk"
	"github.com/opensource-finance/kite/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("KITE_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Log startup
	slog.Info("starting kite",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for Pro tier via environment
	if os.Getenv("KITE_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"ledger_store", cfg.LedgerStore.Driver,
		"counter_store", cfg.CounterStore.Type,
		"eventbus", cfg.EventBus.Type,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Ledger Store
	store, err := repository.New(cfg.LedgerStore)
	if err != nil {
		slog.Error("failed to initialize ledger store", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	slog.Info("ledger store initialized", "driver", cfg.LedgerStore.Driver)

	// Initialize Counter Store
	counters, err := counter.New(cfg.CounterStore)
	if err != nil {
		slog.Error("failed to initialize counter store", "error", err)
		os.Exit(1)
	}
	defer counters.Close()
	slog.Info("counter store initialized", "type", cfg.CounterStore.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize Risk Engine
	engine, err := risk.NewEngine(risk.DefaultConfig(), counters, store)
	if err != nil {
		slog.Error("failed to initialize risk engine", "error", err)
		os.Exit(1)
	}
	if err := loadRiskRulesFromFile(engine); err != nil {
		slog.Error("failed to load risk rules", "error", err)
		os.Exit(1)
	}
	slog.Info("risk engine initialized", "rules_count", engine.RulesCount())

	// Initialize AML Monitor and Alert Manager
	monitor := aml.NewMonitor(aml.DefaultConfig(), counters)
	alertMgr := alerts.NewManager(counters, store, nil)
	slog.Info("aml monitor and alert manager initialized")

	// Initialize AML Worker
	amlWorker := worker.New(busImpl, monitor, alertMgr)
	if err := amlWorker.Start(ctx); err != nil {
		slog.Error("failed to start aml worker", "error", err)
		os.Exit(1)
	}

	// Initialize Ledger Service with notification breaker
	notifyBreaker := breaker.New("notifications",
		cfg.Breaker.FailureThreshold,
		time.Duration(cfg.Breaker.ResetTimeout)*time.Second,
	)
	defer notifyBreaker.Close()

	notifier := notify.NewBusNotifier(busImpl)
	ledgerSvc := ledger.NewService(store, engine, busImpl, notifier, notifyBreaker)
	slog.Info("ledger service initialized")

	// Initialize Server
	srv := api.NewServer(cfg.Server, ledgerSvc, alertMgr, engine, store, counters, busImpl, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kite is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop aml worker first so in-flight checks finish before the bus closes
	if err := amlWorker.Stop(); err != nil {
		slog.Error("failed to stop aml worker", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kite shutdown complete")
}

// loadRiskRulesFromFile loads the CEL rule overlay from the file named
// by KITE_RISK_RULES. No file means no overlay; the built-in factors
// still apply.
func loadRiskRulesFromFile(engine *risk.Engine) error {
	path := os.Getenv("KITE_RISK_RULES")
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read rules file %s: %w", path, err)
	}

	var rules []*domain.RiskRule
	if err := json.Unmarshal(data, &rules); err != nil {
		return fmt.Errorf("failed to parse rules file %s: %w", path, err)
	}

	slog.Info("loading risk rules from file", "path", path, "count", len(rules))
	return engine.LoadRules(rules)
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               🪁 KITE                     ║")
	fmt.Println("  ║     Risk-Aware Transaction Ledger         ║")
	fmt.Println("  ║      Every dirham accounted for.          ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST   /transactions            - Create a deposit or withdrawal")
	fmt.Println("    GET    /transactions/{id}       - Get transaction by ID")
	fmt.Println("    POST   /transfers               - Transfer between wallets")
	fmt.Println("    GET    /users/{id}/transactions - Transaction history")
	fmt.Println("    GET    /users/{id}/balance      - Wallet balance")
	fmt.Println("    GET    /users/{id}/alerts       - Compliance alerts")
	fmt.Println("    DELETE /users/{id}/alerts       - Clear alerts")
	fmt.Println("    POST   /risk/rules/reload       - Hot-reload risk rules")
	fmt.Println("    GET    /health                  - Health check")
	fmt.Println()
}
