package analytics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmareth/tradewind/internal/domain"
)

// rvolSamples builds n samples where high RVOL wins and low RVOL loses.
func rvolSamples(n int) []AttributionSample {
	samples := make([]AttributionSample, n)
	for i := range samples {
		high := i%2 == 0
		v := 1.0
		if high {
			v = 3.0
		}
		samples[i] = AttributionSample{
			Features: domain.FeatureVector{RVOL: fptr(v)},
			Win:      high,
		}
	}
	return samples
}

func TestFeatureAttributionFindsPredictiveFeature(t *testing.T) {
	lifts := FeatureAttribution(rvolSamples(40))
	require.Len(t, lifts, 1)

	lift := lifts[0]
	assert.Equal(t, "rvol", lift.Feature)
	assert.Equal(t, 40, lift.Samples)
	assert.InDelta(t, 0.0, lift.LowWinRate, 1e-9)
	assert.InDelta(t, 1.0, lift.HighWinRate, 1e-9)
	assert.InDelta(t, 1.0, lift.Lift, 1e-9)
	assert.True(t, lift.Significant)
}

func TestFeatureAttributionSkipsSparseFeatures(t *testing.T) {
	lifts := FeatureAttribution(rvolSamples(19))
	assert.Empty(t, lifts, "below 20 non-null observations nothing is analysed")
}

func TestFeatureAttributionInsignificantSmallLift(t *testing.T) {
	// Win rates nearly identical across the split: lift below 0.05.
	samples := make([]AttributionSample, 40)
	for i := range samples {
		v := float64(i)
		samples[i] = AttributionSample{
			Features: domain.FeatureVector{GapPct: fptr(v)},
			Win:      i%2 == 0,
		}
	}
	lifts := FeatureAttribution(samples)
	require.Len(t, lifts, 1)
	assert.False(t, lifts[0].Significant)
}

func TestFeatureAttributionIgnoresNulls(t *testing.T) {
	samples := rvolSamples(40)
	for i := range samples {
		samples[i].Features.ATRPct = nil // explicit: never captured
	}
	lifts := FeatureAttribution(samples)
	require.Len(t, lifts, 1)
	assert.Equal(t, "rvol", lifts[0].Feature)
}
