package analytics

import (
	"github.com/rs/zerolog"

	"github.com/jmareth/tradewind/internal/domain"
)

// defaultSeed pins the bootstrap RNG stream when the caller supplies
// no seed, keeping repeated runs comparable.
const defaultSeed = 42

// Store is the slice of the durable store analytics reads.
type Store interface {
	GetTakenRMultiples(days int) ([]float64, error)
	GetEvalsForSimulation(days int, symbol string) ([]domain.SimulationRecord, error)
}

// Service serves the stats endpoints from stored outcomes.
type Service struct {
	log   zerolog.Logger
	store Store
}

func NewService(store Store, log zerolog.Logger) *Service {
	return &Service{log: log.With().Str("service", "analytics").Logger(), store: store}
}

// StatsReport bundles the rolling metrics with bootstrap CIs and the
// drawdown simulation for the stats endpoint.
type StatsReport struct {
	Rolling   RollingReport    `json:"rolling"`
	Bootstrap *BootstrapReport `json:"bootstrap,omitempty"`
	Drawdown  *DrawdownReport  `json:"drawdown,omitempty"`
	Features  []FeatureLift    `json:"features,omitempty"`
}

// Stats computes the full report over the last `days` of taken trades.
// Bootstrap and drawdown sections are omitted when the sample is too
// small to resample.
func (s *Service) Stats(days int, seed int64) (*StatsReport, error) {
	rs, err := s.store.GetTakenRMultiples(days)
	if err != nil {
		return nil, err
	}
	if seed == 0 {
		seed = defaultSeed
	}

	report := &StatsReport{Rolling: Rolling(rs)}
	if boot, err := Bootstrap(rs, seed); err == nil {
		report.Bootstrap = boot
	}
	if dd, err := MonteCarloDrawdown(rs, seed); err == nil {
		report.Drawdown = dd
	}

	if features, err := s.attributionSamples(days); err == nil {
		report.Features = FeatureAttribution(features)
	} else {
		s.log.Warn().Err(err).Msg("Feature attribution skipped")
	}
	return report, nil
}

// attributionSamples joins stored evaluations with their realised
// outcomes for the median-split analysis.
func (s *Service) attributionSamples(days int) ([]AttributionSample, error) {
	records, err := s.store.GetEvalsForSimulation(days, "")
	if err != nil {
		return nil, err
	}
	var samples []AttributionSample
	for _, rec := range records {
		if rec.Outcome == nil || !rec.Outcome.TradeTaken || rec.Outcome.RMultiple == nil {
			continue
		}
		samples = append(samples, AttributionSample{
			Features: rec.Evaluation.Features,
			Win:      *rec.Outcome.RMultiple > 0,
		})
	}
	return samples, nil
}
