package ensemble

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/jmareth/tradewind/internal/domain"
)

// Store is the slice of the durable store the scorer needs.
type Store interface {
	GetWeights() (*domain.WeightSnapshot, error)
	InsertEvaluation(e domain.Evaluation) error
	InsertModelOutput(m domain.ModelOutput) error
}

// EvaluateRequest is a candidate trade to score.
type EvaluateRequest struct {
	Symbol     string               `json:"symbol"`
	Direction  domain.Direction     `json:"direction"`
	EntryPrice *float64             `json:"entry_price,omitempty"`
	StopPrice  *float64             `json:"stop_price,omitempty"`
	Features   domain.FeatureVector `json:"features"`
}

// Service fans evaluations out to the provider registry and persists
// the scored result.
type Service struct {
	log      zerolog.Logger
	store    Store
	registry *Registry
	scorer   Scorer

	defaultWeights map[string]float64

	// bounded concurrency for scoring fan-outs; excess callers queue
	// behind the semaphore, they are never dropped
	sem chan struct{}
}

// NewService creates the ensemble service. maxConcurrent bounds the
// number of simultaneous fan-outs (1..20 per config validation).
func NewService(store Store, registry *Registry, defaultWeights map[string]float64, penaltyK float64, maxConcurrent int, log zerolog.Logger) *Service {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Service{
		log:            log.With().Str("service", "ensemble").Logger(),
		store:          store,
		registry:       registry,
		scorer:         Scorer{PenaltyK: penaltyK},
		defaultWeights: defaultWeights,
		sem:            make(chan struct{}, maxConcurrent),
	}
}

// Scorer exposes the aggregation core for the simulator and the
// walk-forward evaluator.
func (s *Service) Scorer() Scorer { return s.scorer }

// Evaluate scores one candidate trade: concurrent provider fan-out,
// per-regime weight lookup, consensus aggregation, persistence. The
// evaluation is immutable once written.
func (s *Service) Evaluate(ctx context.Context, req EvaluateRequest) (*domain.Evaluation, error) {
	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	evalID := uuid.NewString()
	outputs := s.fanOut(ctx, evalID, ScoreRequest{
		Symbol:     req.Symbol,
		Direction:  req.Direction,
		EntryPrice: req.EntryPrice,
		StopPrice:  req.StopPrice,
		Features:   req.Features,
	})

	regime := domain.MapVolatilityToRegime(req.Features.VolatilityRegime)
	weights := s.weightsForRegime(regime)

	result, err := s.scorer.Score(outputs, weights)
	if err != nil {
		return nil, err
	}

	eval := domain.Evaluation{
		ID:               evalID,
		Symbol:           req.Symbol,
		Direction:        req.Direction,
		EntryPrice:       req.EntryPrice,
		StopPrice:        req.StopPrice,
		CreatedAt:        time.Now().UTC(),
		Features:         req.Features,
		Ensemble:         *result,
		GuardrailAllowed: result.ShouldTrade,
		PrefilterPassed:  true,
	}
	if err := s.store.InsertEvaluation(eval); err != nil {
		return nil, err
	}
	for _, o := range outputs {
		o.EvaluationID = evalID
		if err := s.store.InsertModelOutput(o); err != nil {
			return nil, err
		}
	}

	s.log.Info().Str("evaluation_id", evalID).Str("symbol", req.Symbol).
		Str("regime", string(regime)).Float64("final_score", result.FinalScore).
		Bool("should_trade", result.ShouldTrade).
		Int("providers", len(result.ProvidersUsed)).Msg("Evaluation scored")
	return &eval, nil
}

// fanOut runs every registered provider concurrently, one goroutine
// per provider, waiting for all and tolerating individual failures.
func (s *Service) fanOut(ctx context.Context, evalID string, req ScoreRequest) []domain.ModelOutput {
	outputs := make([]domain.ModelOutput, len(s.registry.entries))

	g, ctx := errgroup.WithContext(ctx)
	for i, entry := range s.registry.entries {
		i, entry := i, entry
		g.Go(func() error {
			outputs[i] = s.scoreOne(ctx, entry, evalID, req)
			return nil // provider failures never cancel siblings
		})
	}
	_ = g.Wait()
	return outputs
}

// scoreOne calls a single provider through its circuit breaker and
// validates the response schema.
func (s *Service) scoreOne(ctx context.Context, entry providerEntry, evalID string, req ScoreRequest) domain.ModelOutput {
	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, entry.timeout)
	defer cancel()

	res, err := entry.breaker.Execute(func() (interface{}, error) {
		return entry.capability.Score(callCtx, req)
	})
	latency := time.Since(start).Milliseconds()

	if err != nil {
		failure := &domain.ProviderFailure{Provider: string(entry.id), Cause: err}
		s.log.Warn().Err(failure).Str("evaluation_id", evalID).Msg("Provider failed")
		return domain.ModelOutput{
			EvaluationID: evalID,
			Provider:     string(entry.id),
			Compliant:    false,
			ErrorMessage: err.Error(),
			LatencyMs:    latency,
		}
	}

	out := *res.(*domain.ModelOutput)
	out.EvaluationID = evalID
	out.LatencyMs = latency

	if err := validateOutput(entry.id, out); err != nil {
		s.log.Warn().Err(err).Str("evaluation_id", evalID).Msg("Provider output failed validation")
		out.Compliant = false
		out.ErrorMessage = err.Error()
		out.TradeScore = nil
	}
	return out
}

// validateOutput enforces the provider response schema. Violations are
// treated as provider failures for aggregation purposes.
func validateOutput(id ProviderID, o domain.ModelOutput) error {
	if o.TradeScore == nil {
		return &domain.SchemaMismatch{Provider: string(id), Detail: "missing trade score"}
	}
	if *o.TradeScore < 0 || *o.TradeScore > 100 {
		return &domain.SchemaMismatch{Provider: string(id),
			Detail: fmt.Sprintf("trade score %.2f outside [0,100]", *o.TradeScore)}
	}
	if o.Confidence != nil && (*o.Confidence < 0 || *o.Confidence > 1) {
		return &domain.SchemaMismatch{Provider: string(id),
			Detail: fmt.Sprintf("confidence %.2f outside [0,1]", *o.Confidence)}
	}
	return nil
}

// weightsForRegime resolves the active weight set: stored snapshot
// first, configured defaults when the store is unseeded.
func (s *Service) weightsForRegime(regime domain.Regime) map[string]float64 {
	snap, err := s.store.GetWeights()
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to load weights, using defaults")
		return s.defaultWeights
	}
	if snap == nil {
		return s.defaultWeights
	}
	return snap.ForRegime(regime)
}
