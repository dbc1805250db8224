// Package drift compares each provider's confidence-bucket predictions
// with realised win rates and flags providers whose calibration has
// moved.
package drift

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/jmareth/tradewind/internal/config"
	"github.com/jmareth/tradewind/internal/domain"
)

const (
	// minProviderOutcomes is the sample floor before a provider is
	// assessed at all.
	minProviderOutcomes = 30
	// minBucketOutcomes is the sample floor per confidence bucket.
	minBucketOutcomes = 5
	// regimeShiftMinEvals is the outcome floor for the regime-shift
	// comparison.
	regimeShiftMinEvals = 10
	// regimeShiftWindow and regimeShiftRecent are the two win-rate
	// windows compared for a shift.
	regimeShiftWindow = 50
	regimeShiftRecent = 10

	defaultLookbackDays = 90
)

// bucketEdges and bucketExpected define the four confidence buckets
// and the win rate a calibrated provider should realise in each.
var (
	bucketEdges    = [4][2]float64{{0, 25}, {25, 50}, {50, 75}, {75, 100}}
	bucketExpected = [4]float64{0.125, 0.375, 0.625, 0.875}
)

// Store is the slice of the durable store the detector reads.
type Store interface {
	GetModelOutcomesForDrift(days int) ([]domain.ModelOutcomeSample, error)
	ListOutcomes(limit int) ([]domain.Outcome, error)
}

// Bucket is one confidence range's calibration result.
type Bucket struct {
	Range    string  `json:"range"`
	Expected float64 `json:"expected"`
	Actual   float64 `json:"actual"`
	Samples  int     `json:"samples"`
	Drifting bool    `json:"drifting"`
}

// ProviderReport is one provider's calibration assessment.
type ProviderReport struct {
	Provider string   `json:"provider"`
	Samples  int      `json:"samples"`
	Buckets  []Bucket `json:"buckets"`
	Drifting bool     `json:"drifting"`
}

// Report is the full detector output.
type Report struct {
	Providers           []ProviderReport `json:"providers"`
	DriftingProviders   []string         `json:"drifting_providers"`
	RegimeShiftDetected bool             `json:"regime_shift_detected"`
	Recommendation      string           `json:"recommendation"`
}

// Service assesses calibration drift against configured thresholds.
type Service struct {
	log                  zerolog.Logger
	store                Store
	calibrationThreshold float64
	accuracyThreshold    float64
}

func NewService(store Store, cfg config.DriftConfig, log zerolog.Logger) *Service {
	return &Service{
		log:                  log.With().Str("service", "drift").Logger(),
		store:                store,
		calibrationThreshold: cfg.CalibrationThreshold,
		accuracyThreshold:    cfg.AccuracyThreshold,
	}
}

// Scan builds the drift report over the default lookback.
func (s *Service) Scan() (*Report, error) {
	return s.ScanDays(defaultLookbackDays)
}

// ScanDays assesses every provider with enough realised outcomes in
// the last `days`, plus the overall regime-shift flag.
func (s *Service) ScanDays(days int) (*Report, error) {
	samples, err := s.store.GetModelOutcomesForDrift(days)
	if err != nil {
		return nil, err
	}

	byProvider := map[string][]domain.ModelOutcomeSample{}
	var order []string
	for _, sm := range samples {
		if _, seen := byProvider[sm.ModelID]; !seen {
			order = append(order, sm.ModelID)
		}
		byProvider[sm.ModelID] = append(byProvider[sm.ModelID], sm)
	}

	report := &Report{}
	for _, provider := range order {
		ps := byProvider[provider]
		if len(ps) < minProviderOutcomes {
			continue
		}
		pr := s.assessProvider(provider, ps)
		report.Providers = append(report.Providers, pr)
		if pr.Drifting {
			report.DriftingProviders = append(report.DriftingProviders, provider)
		}
	}

	shift, err := s.detectRegimeShift()
	if err != nil {
		return nil, err
	}
	report.RegimeShiftDetected = shift
	report.Recommendation = recommendation(report)

	s.log.Info().Int("providers", len(report.Providers)).
		Strs("drifting", report.DriftingProviders).
		Bool("regime_shift", shift).Msg("Drift scan complete")
	return report, nil
}

// assessProvider buckets one provider's confidence scores and compares
// realised win rates with the calibrated expectation. A provider is
// drifting when any sufficiently-populated bucket deviates beyond the
// threshold.
func (s *Service) assessProvider(provider string, samples []domain.ModelOutcomeSample) ProviderReport {
	pr := ProviderReport{Provider: provider, Samples: len(samples)}

	for i, edges := range bucketEdges {
		var wins, total int
		for _, sm := range samples {
			if !inBucket(sm.Confidence, i) {
				continue
			}
			total++
			if sm.RMultiple > 0 {
				wins++
			}
		}

		b := Bucket{
			Range:    fmt.Sprintf("%.0f-%.0f", edges[0], edges[1]),
			Expected: bucketExpected[i],
			Samples:  total,
		}
		if total >= minBucketOutcomes {
			b.Actual = float64(wins) / float64(total)
			deviation := b.Actual - b.Expected
			if deviation < 0 {
				deviation = -deviation
			}
			b.Drifting = deviation > s.calibrationThreshold
		}
		if b.Drifting {
			pr.Drifting = true
		}
		pr.Buckets = append(pr.Buckets, b)
	}
	return pr
}

// inBucket assigns a confidence score to its bucket; the upper edge
// belongs to the higher bucket except for 100, which stays in the last.
func inBucket(confidence float64, idx int) bool {
	lo, hi := bucketEdges[idx][0], bucketEdges[idx][1]
	if idx == len(bucketEdges)-1 {
		return confidence >= lo && confidence <= hi
	}
	return confidence >= lo && confidence < hi
}

// detectRegimeShift compares the win rate over the last 50 outcomes
// with the last 10; a strictly-greater-than-threshold drop in recent
// performance flags a shift.
func (s *Service) detectRegimeShift() (bool, error) {
	outcomes, err := s.store.ListOutcomes(regimeShiftWindow)
	if err != nil {
		return false, err
	}

	var rs []float64
	for _, o := range outcomes {
		if o.TradeTaken && o.RMultiple != nil {
			rs = append(rs, *o.RMultiple)
		}
	}
	if len(rs) < regimeShiftMinEvals {
		return false, nil
	}

	recent := rs
	if len(recent) > regimeShiftRecent {
		recent = rs[:regimeShiftRecent] // outcomes arrive newest first
	}
	return winRate(rs)-winRate(recent) > s.accuracyThreshold, nil
}

func winRate(rs []float64) float64 {
	wins := 0
	for _, r := range rs {
		if r > 0 {
			wins++
		}
	}
	return float64(wins) / float64(len(rs))
}

// recommendation renders the report as a short operator-facing note.
func recommendation(r *Report) string {
	switch {
	case len(r.DriftingProviders) > 0 && r.RegimeShiftDetected:
		return fmt.Sprintf("Calibration drift on %s and a recent regime shift: reduce position sizing and re-run walk-forward validation before trusting new signals.",
			strings.Join(r.DriftingProviders, ", "))
	case len(r.DriftingProviders) > 0:
		return fmt.Sprintf("Calibration drift on %s: consider lowering these providers' weights or re-running recalibration.",
			strings.Join(r.DriftingProviders, ", "))
	case r.RegimeShiftDetected:
		return "Recent win rate has fallen sharply versus the trailing window: a regime shift is likely, tighten risk until the edge re-establishes."
	case len(r.Providers) == 0:
		return "Insufficient outcome history for drift assessment."
	default:
		return "All assessed providers are within calibration tolerance."
	}
}
