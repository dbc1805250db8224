package drift

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmareth/tradewind/internal/config"
	"github.com/jmareth/tradewind/internal/domain"
)

type fakeStore struct {
	samples  []domain.ModelOutcomeSample
	outcomes []domain.Outcome
}

func (f *fakeStore) GetModelOutcomesForDrift(int) ([]domain.ModelOutcomeSample, error) {
	return f.samples, nil
}

func (f *fakeStore) ListOutcomes(limit int) ([]domain.Outcome, error) {
	if len(f.outcomes) > limit {
		return f.outcomes[:limit], nil
	}
	return f.outcomes, nil
}

func fptr(v float64) *float64 { return &v }

func newTestService(store *fakeStore) *Service {
	cfg := config.DriftConfig{AccuracyThreshold: 0.15, CalibrationThreshold: 0.15}
	return NewService(store, cfg, zerolog.Nop())
}

// calibratedSamples emits n outcomes in the given confidence bucket
// realising exactly the requested win rate.
func calibratedSamples(provider string, confidence float64, n int, winRate float64) []domain.ModelOutcomeSample {
	out := make([]domain.ModelOutcomeSample, n)
	winsNeeded := int(winRate * float64(n))
	for i := range out {
		r := -1.0
		if i < winsNeeded {
			r = 1.0
		}
		out[i] = domain.ModelOutcomeSample{ModelID: provider, Confidence: confidence, RMultiple: r}
	}
	return out
}

// takenOutcomes builds newest-first outcomes with the given win flags.
func takenOutcomes(wins ...bool) []domain.Outcome {
	out := make([]domain.Outcome, len(wins))
	for i, w := range wins {
		r := -1.0
		if w {
			r = 1.0
		}
		out[i] = domain.Outcome{
			EvaluationID: time.Now().String(),
			TradeTaken:   true,
			RMultiple:    fptr(r),
		}
	}
	return out
}

func TestScanFlagsMiscalibratedBucket(t *testing.T) {
	// 80-confidence bucket expects 0.875 but realises 0.5: |dev| = 0.375.
	store := &fakeStore{samples: calibratedSamples("gpt", 80, 40, 0.5)}
	svc := newTestService(store)

	report, err := svc.Scan()
	require.NoError(t, err)

	require.Len(t, report.Providers, 1)
	pr := report.Providers[0]
	assert.True(t, pr.Drifting)
	assert.Equal(t, []string{"gpt"}, report.DriftingProviders)

	require.Len(t, pr.Buckets, 4)
	top := pr.Buckets[3]
	assert.Equal(t, "75-100", top.Range)
	assert.InDelta(t, 0.875, top.Expected, 1e-9)
	assert.InDelta(t, 0.5, top.Actual, 1e-9)
	assert.True(t, top.Drifting)
	assert.Contains(t, report.Recommendation, "gpt")
}

func TestScanCalibratedProviderPasses(t *testing.T) {
	// Realised 0.85 vs expected 0.875: within the 0.15 tolerance.
	store := &fakeStore{samples: calibratedSamples("claude", 80, 40, 0.85)}
	svc := newTestService(store)

	report, err := svc.Scan()
	require.NoError(t, err)
	require.Len(t, report.Providers, 1)
	assert.False(t, report.Providers[0].Drifting)
	assert.Empty(t, report.DriftingProviders)
	assert.Contains(t, report.Recommendation, "within calibration tolerance")
}

func TestScanBoundaryDeviationIsNotDrift(t *testing.T) {
	// Deviation of exactly 0.15 must not flag: 0.725 vs expected 0.875.
	store := &fakeStore{samples: calibratedSamples("gpt", 80, 40, 0.725)}
	svc := newTestService(store)

	report, err := svc.Scan()
	require.NoError(t, err)
	require.Len(t, report.Providers, 1)
	assert.False(t, report.Providers[0].Drifting)
}

func TestScanSkipsSmallProviderSample(t *testing.T) {
	store := &fakeStore{samples: calibratedSamples("gemini", 80, 29, 0.0)}
	svc := newTestService(store)

	report, err := svc.Scan()
	require.NoError(t, err)
	assert.Empty(t, report.Providers)
	assert.Contains(t, report.Recommendation, "Insufficient outcome history")
}

func TestScanSkipsSparseBucket(t *testing.T) {
	// 4 badly-miscalibrated samples in the low bucket stay unflagged;
	// the rest sit calibrated in the top bucket.
	samples := calibratedSamples("gpt", 80, 36, 0.875)
	samples = append(samples, calibratedSamples("gpt", 10, 4, 1.0)...)
	store := &fakeStore{samples: samples}
	svc := newTestService(store)

	report, err := svc.Scan()
	require.NoError(t, err)
	require.Len(t, report.Providers, 1)
	assert.False(t, report.Providers[0].Drifting)
	assert.Equal(t, 4, report.Providers[0].Buckets[0].Samples)
}

func TestRegimeShiftDetection(t *testing.T) {
	// Trailing 20 outcomes win at 0.75 overall, but the newest 10 win
	// at only 0.5: shift of 0.25 > 0.15.
	var flags []bool
	for i := 0; i < 10; i++ {
		flags = append(flags, i < 5) // newest 10: five wins
	}
	for i := 0; i < 10; i++ {
		flags = append(flags, true) // older 10: all wins
	}
	store := &fakeStore{outcomes: takenOutcomes(flags...)}
	svc := newTestService(store)

	report, err := svc.Scan()
	require.NoError(t, err)
	assert.True(t, report.RegimeShiftDetected)
	assert.Contains(t, report.Recommendation, "regime shift")
}

func TestRegimeShiftBoundaryIsNotShift(t *testing.T) {
	// 10 outcomes total: overall 0.65, newest 10 = overall, shift 0.
	// Construct shift of exactly 0.15: overall 20 at 0.65, recent 10
	// at 0.5.
	var flags []bool
	for i := 0; i < 10; i++ {
		flags = append(flags, i < 5)
	}
	for i := 0; i < 10; i++ {
		flags = append(flags, i < 8)
	}
	store := &fakeStore{outcomes: takenOutcomes(flags...)}
	svc := newTestService(store)

	report, err := svc.Scan()
	require.NoError(t, err)
	assert.False(t, report.RegimeShiftDetected, "a shift of exactly the threshold must not flag")
}

func TestRegimeShiftNeedsMinimumOutcomes(t *testing.T) {
	store := &fakeStore{outcomes: takenOutcomes(false, false, false, false, false)}
	svc := newTestService(store)

	report, err := svc.Scan()
	require.NoError(t, err)
	assert.False(t, report.RegimeShiftDetected)
}
