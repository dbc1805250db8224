// Package server exposes the local REST surface consumed by external
// collaborators: evaluation, outcomes, weights, analytics, drift and
// connection health.
package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/jmareth/tradewind/internal/config"
	"github.com/jmareth/tradewind/internal/domain"
	"github.com/jmareth/tradewind/internal/gateway"
	"github.com/jmareth/tradewind/internal/modules/analytics"
	"github.com/jmareth/tradewind/internal/modules/drift"
	"github.com/jmareth/tradewind/internal/modules/ensemble"
)

// Evaluator scores candidate trades.
type Evaluator interface {
	Evaluate(ctx context.Context, req ensemble.EvaluateRequest) (*domain.Evaluation, error)
}

// Analytics serves the stats report.
type Analytics interface {
	Stats(days int, seed int64) (*analytics.StatsReport, error)
}

// DriftScanner runs the calibration scan.
type DriftScanner interface {
	Scan() (*drift.Report, error)
}

// HealthSource reports the gateway connection health.
type HealthSource interface {
	Snapshot() gateway.HealthSnapshot
}

// Store is the slice of the durable store the REST layer reads and
// writes.
type Store interface {
	ListEvaluations(limit int) ([]domain.Evaluation, error)
	GetEvaluation(id string) (*domain.Evaluation, error)
	GetModelOutputsForEval(evaluationID string) ([]domain.ModelOutput, error)
	GetEvalsForSimulation(days int, symbol string) ([]domain.SimulationRecord, error)
	InsertOutcome(o domain.Outcome) (bool, error)
	GetOutcomeForEval(evaluationID string) (*domain.Outcome, error)
	ListOutcomes(limit int) ([]domain.Outcome, error)
	GetWeights() (*domain.WeightSnapshot, error)
	SaveWeights(w domain.WeightSnapshot) error
	AppendWeightHistory(entry domain.WeightHistoryEntry) error
	GetWeightHistory(limit int) ([]domain.WeightHistoryEntry, error)
}

// Config bundles the server's collaborators.
type Config struct {
	Log       zerolog.Logger
	REST      config.RESTConfig
	Store     Store
	Evaluator Evaluator
	Analytics Analytics
	Drift     DriftScanner
	Health    HealthSource

	// OutcomeHook is invoked after a manually posted outcome is
	// recorded, mirroring the auto-linker's hook path.
	OutcomeHook func(domain.Outcome)
}

// Server is the HTTP front of the platform.
type Server struct {
	router      *chi.Mux
	server      *http.Server
	log         zerolog.Logger
	apiKey      string
	store       Store
	evaluator   Evaluator
	analytics   Analytics
	drift       DriftScanner
	health      HealthSource
	outcomeHook func(domain.Outcome)
}

// New builds the router. Mutating routes require the configured API
// key; read routes are open on the local port.
func New(cfg Config) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		log:         cfg.Log.With().Str("component", "server").Logger(),
		apiKey:      cfg.REST.APIKey,
		store:       cfg.Store,
		evaluator:   cfg.Evaluator,
		analytics:   cfg.Analytics,
		drift:       cfg.Drift,
		health:      cfg.Health,
		outcomeHook: cfg.OutcomeHook,
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-API-Key"},
	}))

	s.setupRoutes()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", cfg.REST.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	r.Get("/health", s.handleHealth)
	r.Get("/system/status", s.handleSystemStatus)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/history", s.handleHistory)
	r.Get("/stats", s.handleStats)
	r.Get("/drift", s.handleDrift)
	r.Get("/calibration", s.handleCalibration)
	r.Get("/outcomes", s.handleOutcomes)
	r.Get("/weights", s.handleGetWeights)
	r.Get("/weights/history", s.handleWeightHistory)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAPIKey)
		r.Post("/evaluate", s.handleEvaluate)
		r.Post("/outcome", s.handleOutcome)
		r.Post("/weights", s.handlePatchWeights)
		r.Post("/weights/simulate", s.handleSimulateWeights)
		r.Post("/edge-metrics", s.handleEdgeMetrics)
	})
}

// requireAPIKey guards mutating routes. An empty configured key leaves
// the local port open, matching the dev default.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" {
			got := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.apiKey)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid API key")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler { return s.router }

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("REST server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
