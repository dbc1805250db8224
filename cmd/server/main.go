// Package main is the entry point for the tradewind research and
// execution platform. It wires the durable store, the brokerage
// gateway session, the order pipeline, the provider ensemble and the
// analytics services together, starts the REST server and the
// maintenance scheduler, and shuts everything down in reverse order on
// SIGINT/SIGTERM.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jmareth/tradewind/internal/config"
	"github.com/jmareth/tradewind/internal/database"
	"github.com/jmareth/tradewind/internal/domain"
	"github.com/jmareth/tradewind/internal/gateway"
	"github.com/jmareth/tradewind/internal/modules/analytics"
	"github.com/jmareth/tradewind/internal/modules/autolink"
	"github.com/jmareth/tradewind/internal/modules/drift"
	"github.com/jmareth/tradewind/internal/modules/ensemble"
	"github.com/jmareth/tradewind/internal/modules/orders"
	"github.com/jmareth/tradewind/internal/modules/recalib"
	"github.com/jmareth/tradewind/internal/scheduler"
	"github.com/jmareth/tradewind/internal/server"
	"github.com/jmareth/tradewind/internal/store"
	"github.com/jmareth/tradewind/pkg/logger"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Config failed before we know the log level; use a fallback
		// logger so the error is still visible.
		fallback := logger.New(logger.Config{Level: "info", Pretty: true})
		fallback.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})
	for _, w := range cfg.Warnings() {
		log.Warn().Msg(w)
	}
	log.Info().Str("data_dir", cfg.DataDir).Msg("Starting tradewind")

	// The single research database carries the orders/executions audit
	// trail, so it runs on the ledger profile.
	db, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "research.db"),
		Profile: database.ProfileLedger,
		Name:    "research",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()

	st, err := store.New(db, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialise store")
	}

	// Gateway: one session, one broker. Everything else reaches the
	// brokerage through the broker.
	health := gateway.NewHealth(prometheus.DefaultRegisterer)
	session := gateway.NewSession(gateway.SessionConfig{
		Host:               cfg.IBKR.Host,
		Port:               cfg.IBKR.Port,
		ClientID:           cfg.IBKR.ClientID,
		MaxClientIDRetries: cfg.IBKR.MaxClientIDRetries,
	}, health, log)
	broker := gateway.NewBroker(session, log)

	defaultWeights := map[string]float64{
		string(ensemble.ProviderGPT):    cfg.Orchestrator.WeightGPT,
		string(ensemble.ProviderGemini): cfg.Orchestrator.WeightGemini,
		string(ensemble.ProviderClaude): cfg.Orchestrator.WeightClaude,
	}

	orderSvc := orders.NewService(st, broker, cfg.IBKR, log)
	linker := autolink.NewService(st, log)
	registry := ensemble.NewDefaultRegistry(cfg)
	evalSvc := ensemble.NewService(st, registry, defaultWeights, cfg.Orchestrator.PenaltyK, cfg.AutoEval.MaxConcurrent, log)
	recalibSvc := recalib.NewService(st, cfg.DataDir, defaultWeights, log)
	analyticsSvc := analytics.NewService(st, log)
	driftSvc := drift.NewService(st, cfg.Drift, log)

	// Hook chain: fills link to evaluations, commissions trigger the
	// debounced close check, resolved outcomes feed the recalibrator.
	orderSvc.SetFillHook(func(e domain.Execution) {
		if err := linker.TryLinkExecution(e); err != nil {
			log.Warn().Err(err).Str("exec_id", e.ExecID).Msg("Auto-link failed")
		}
	})
	orderSvc.SetCommissionHook(linker.OnCommission)
	linker.SetOutcomeHook(recalibSvc.OnOutcome)
	orderSvc.AttachListeners()

	sched := scheduler.New(log)
	reconcile := scheduler.ReconcileJob{Linker: linker}
	if err := sched.AddJob(scheduler.ScheduleReconcile, reconcile); err != nil {
		log.Fatal().Err(err).Msg("Failed to register reconcile job")
	}
	if err := sched.AddJob(scheduler.ScheduleDriftScan, scheduler.DriftScanJob{Detector: driftSvc}); err != nil {
		log.Fatal().Err(err).Msg("Failed to register drift scan job")
	}
	if err := sched.AddJob(scheduler.ScheduleWALCheckpoint, scheduler.WALCheckpointJob{DB: db}); err != nil {
		log.Fatal().Err(err).Msg("Failed to register WAL checkpoint job")
	}

	srv := server.New(server.Config{
		Log:         log,
		REST:        cfg.REST,
		Store:       st,
		Evaluator:   evalSvc,
		Analytics:   analyticsSvc,
		Drift:       driftSvc,
		Health:      health,
		OutcomeHook: recalibSvc.OnOutcome,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initial connect failures are retried in the background; the REST
	// surface stays up and reports 503 until the session recovers.
	if err := session.Start(ctx); err != nil {
		log.Warn().Err(err).Msg("Gateway not yet connected")
	}

	// Sweep positions that closed while the process was down before
	// the periodic job takes over.
	if err := sched.RunNow(reconcile); err != nil {
		log.Warn().Err(err).Msg("Startup reconciliation failed")
	}
	sched.Start()

	serverErr := make(chan error, 1)
	go func() { serverErr <- srv.Start() }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case err := <-serverErr:
		log.Error().Err(err).Msg("REST server failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("REST server shutdown failed")
	}
	sched.Stop()
	linker.Close()
	if err := session.Close(); err != nil {
		log.Warn().Err(err).Msg("Gateway session close failed")
	}
	cancel()

	log.Info().Msg("Shutdown complete")
}
