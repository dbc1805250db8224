package analytics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEdgeMetricsReferenceVector(t *testing.T) {
	report, err := EdgeMetrics([]float64{1, -0.5, 2, -1, 0.5}, 0.05)
	require.NoError(t, err)

	assert.InDelta(t, 4.0, report.RecoveryFactor, 1e-9)
	assert.InDelta(t, -1.0, report.CVaR, 1e-9)
	assert.InDelta(t, 0.13802317, report.Skewness, 1e-7)
	assert.InDelta(t, 0.3, report.UlcerIndex, 1e-9)
	assert.InDelta(t, 0.05, report.Alpha, 1e-9)
}

func TestEdgeMetricsRejectsEmptyInput(t *testing.T) {
	_, err := EdgeMetrics(nil, 0.05)
	assert.Error(t, err)
}

func TestEdgeMetricsDefaultsAlpha(t *testing.T) {
	report, err := EdgeMetrics([]float64{1, -1}, 0)
	require.NoError(t, err)
	assert.InDelta(t, 0.05, report.Alpha, 1e-9)
}

func TestCVaRTailAlwaysHasOneObservation(t *testing.T) {
	// alpha*n < 1 still averages the single worst outcome.
	assert.InDelta(t, -2.0, cvar([]float64{1, 0.5, -2}, 0.05), 1e-9)
	// A wider tail averages the worst two of ten.
	rs := []float64{-3, -1, 0, 0, 1, 1, 1, 2, 2, 3}
	assert.InDelta(t, -2.0, cvar(rs, 0.2), 1e-9)
}

func TestPopulationSkewness(t *testing.T) {
	assert.Zero(t, populationSkewness([]float64{1, 1, 1}))
	// Symmetric distribution has zero skew.
	assert.InDelta(t, 0, populationSkewness([]float64{-1, 0, 1}), 1e-9)
}

func TestRollingMetricsBasics(t *testing.T) {
	report := Rolling([]float64{2, -1, 2, -1})
	assert.Equal(t, 4, report.Trades)
	assert.InDelta(t, 0.5, report.WinRate, 1e-9)
	assert.InDelta(t, 0.5, report.AvgR, 1e-9)
	// Equity 2, 1, 3, 2; worst peak-to-trough drop is 1.
	assert.InDelta(t, 1.0, report.MaxDrawdown, 1e-9)
	assert.Greater(t, report.Sharpe, 0.0)
	assert.Greater(t, report.Sortino, report.Sharpe, "downside deviation is smaller than total deviation here")
}

func TestRollingMetricsWindowTruncation(t *testing.T) {
	rs := make([]float64, 30)
	for i := range rs {
		if i < 10 {
			rs[i] = -5 // outside the 20-trade window
		} else {
			rs[i] = 1
		}
	}
	report := Rolling(rs)
	assert.Equal(t, 20, report.Trades)
	assert.InDelta(t, 1.0, report.WinRate, 1e-9)
}

func TestRollingMetricsEmpty(t *testing.T) {
	report := Rolling(nil)
	assert.Zero(t, report.Trades)
	assert.Zero(t, report.WinRate)
	assert.Empty(t, report.Equity)
}
