package recalib

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jmareth/tradewind/internal/domain"
)

const (
	// recalibrateEvery triggers a weight blend after this many outcomes.
	recalibrateEvery = 50
	// blendFactor pulls current weights toward the posterior mean.
	blendFactor = 0.3
	// maxDelta caps any single recalibration step per provider.
	maxDelta = 0.10
	// minTotalDelta below which a recalibration is skipped as noise.
	minTotalDelta = 0.01

	historyReason = "bayesian_recalibration"
)

// Store is the slice of the durable store the recalibrator needs.
type Store interface {
	GetEvaluation(id string) (*domain.Evaluation, error)
	GetModelOutputsForEval(evaluationID string) ([]domain.ModelOutput, error)
	CountOutcomes() (int, error)
	GetWeights() (*domain.WeightSnapshot, error)
	SaveWeights(w domain.WeightSnapshot) error
	AppendWeightHistory(entry domain.WeightHistoryEntry) error
}

// Service accumulates per-(regime, provider) prediction accuracy and
// periodically blends the ensemble weights toward the posterior.
type Service struct {
	log            zerolog.Logger
	store          Store
	file           *priorsFile
	defaultWeights map[string]float64

	mu     sync.Mutex
	priors *domain.BayesianPriors
}

// NewService loads the persisted priors and returns the recalibrator.
// defaultWeights seed the blend when the store holds no snapshot yet.
func NewService(store Store, dataDir string, defaultWeights map[string]float64, log zerolog.Logger) *Service {
	l := log.With().Str("service", "recalib").Logger()
	file := newPriorsFile(dataDir, l)
	return &Service{
		log:            l,
		store:          store,
		file:           file,
		defaultWeights: defaultWeights,
		priors:         file.load(),
	}
}

// Priors returns a snapshot of the current sufficient statistics.
func (s *Service) Priors() domain.BayesianPriors {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := domain.BayesianPriors{Version: s.priors.Version, Regimes: map[domain.Regime]map[string]domain.ProviderPrior{}}
	for regime, providers := range s.priors.Regimes {
		cp := make(map[string]domain.ProviderPrior, len(providers))
		for p, prior := range providers {
			cp[p] = prior
		}
		out.Regimes[regime] = cp
	}
	return out
}

// OnOutcome folds one realised outcome into the priors and, every
// recalibrateEvery outcomes, blends the stored weights toward the
// posterior. Designed to hang off the auto-linker's outcome hook.
func (s *Service) OnOutcome(outcome domain.Outcome) {
	if !outcome.TradeTaken || outcome.RMultiple == nil {
		return
	}

	eval, err := s.store.GetEvaluation(outcome.EvaluationID)
	if err != nil || eval == nil {
		s.log.Warn().Err(err).Str("evaluation_id", outcome.EvaluationID).Msg("Outcome without evaluation, skipping prior update")
		return
	}
	outputs, err := s.store.GetModelOutputsForEval(outcome.EvaluationID)
	if err != nil {
		s.log.Error().Err(err).Str("evaluation_id", outcome.EvaluationID).Msg("Failed to load model outputs")
		return
	}

	regime := domain.MapVolatilityToRegime(eval.Features.VolatilityRegime)
	s.updatePriors(regime, outputs, *outcome.RMultiple)

	count, err := s.store.CountOutcomes()
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to count outcomes")
		return
	}
	if count > 0 && count%recalibrateEvery == 0 {
		if err := s.Recalibrate(); err != nil {
			s.log.Error().Err(err).Msg("Recalibration failed")
		}
	}
}

// updatePriors credits each provider's prediction against the realised
// R-multiple, weighted by |R| so decisive trades move the posterior
// more than scratches.
func (s *Service) updatePriors(regime domain.Regime, outputs []domain.ModelOutput, rMultiple float64) {
	weight := math.Abs(rMultiple)
	if weight == 0 {
		return
	}
	realisedWin := rMultiple > 0

	s.mu.Lock()
	defer s.mu.Unlock()

	providers := s.priors.Regimes[regime]
	if providers == nil {
		providers = map[string]domain.ProviderPrior{}
		s.priors.Regimes[regime] = providers
	}
	for _, o := range outputs {
		if !o.Compliant || o.TradeScore == nil {
			continue
		}
		// A provider backed the trade when it scored above 50 and did
		// not vote against it. R is measured relative to the trade's
		// direction, so backing a winning short counts as correct too.
		predictedWin := *o.TradeScore > 50
		if o.ShouldTrade != nil {
			predictedWin = predictedWin && *o.ShouldTrade
		}
		prior := providers[o.Provider]
		if predictedWin == realisedWin {
			prior.Correct += weight
		} else {
			prior.Incorrect += weight
		}
		providers[o.Provider] = prior
	}

	if err := s.file.save(s.priors); err != nil {
		s.log.Error().Err(err).Msg("Failed to persist priors")
	}
}

// Recalibrate blends the active weights toward the posterior means of
// the trending-regime priors, clamps the per-provider step, and writes
// the result with a history entry. A sub-threshold total move is
// skipped entirely.
func (s *Service) Recalibrate() error {
	current := s.currentWeights()
	if len(current) == 0 {
		return nil
	}

	s.mu.Lock()
	trending := s.priors.Regimes[domain.RegimeTrending]
	posterior := make(map[string]float64, len(current))
	for p := range current {
		posterior[p] = trending[p].Mean()
	}
	s.mu.Unlock()

	normalisePosterior(posterior)

	blended := make(map[string]float64, len(current))
	totalDelta := 0.0
	for p, cur := range current {
		delta := blendFactor * (posterior[p] - cur)
		if delta > maxDelta {
			delta = maxDelta
		} else if delta < -maxDelta {
			delta = -maxDelta
		}
		blended[p] = cur + delta
		totalDelta += math.Abs(delta)
	}
	if totalDelta < minTotalDelta {
		s.log.Debug().Float64("total_delta", totalDelta).Msg("Recalibration below threshold, skipping")
		return nil
	}
	normalisePosterior(blended)

	snap := domain.WeightSnapshot{
		Weights:   blended,
		PenaltyK:  s.currentPenaltyK(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := s.store.SaveWeights(snap); err != nil {
		return err
	}
	if err := s.store.AppendWeightHistory(domain.WeightHistoryEntry{
		Snapshot:  snap,
		Reason:    historyReason,
		Timestamp: snap.UpdatedAt,
	}); err != nil {
		return err
	}

	s.log.Info().Interface("weights", blended).Float64("total_delta", totalDelta).Msg("Weights recalibrated")
	return nil
}

func (s *Service) currentWeights() map[string]float64 {
	snap, err := s.store.GetWeights()
	if err != nil || snap == nil || len(snap.Weights) == 0 {
		out := make(map[string]float64, len(s.defaultWeights))
		for p, w := range s.defaultWeights {
			out[p] = w
		}
		return out
	}
	out := make(map[string]float64, len(snap.Weights))
	for p, w := range snap.Weights {
		out[p] = w
	}
	return out
}

func (s *Service) currentPenaltyK() float64 {
	snap, err := s.store.GetWeights()
	if err == nil && snap != nil && snap.PenaltyK > 0 {
		return snap.PenaltyK
	}
	return 1.0
}

// normalisePosterior scales a weight map to sum to 1 in place.
func normalisePosterior(w map[string]float64) {
	total := 0.0
	for _, v := range w {
		total += v
	}
	if total == 0 {
		equal := 1.0 / float64(len(w))
		for p := range w {
			w[p] = equal
		}
		return
	}
	for p, v := range w {
		w[p] = v / total
	}
}
