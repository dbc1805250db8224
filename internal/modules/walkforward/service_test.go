package walkforward

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmareth/tradewind/internal/domain"
)

type fakeStore struct {
	records []domain.SimulationRecord
}

func (f *fakeStore) GetEvalsForSimulation(int, string) ([]domain.SimulationRecord, error) {
	return f.records, nil
}

func fptr(v float64) *float64 { return &v }

// record builds one evaluation where gptScore drives the realised R:
// predictive-provider scenarios set gpt high on winners, low on losers.
func record(at time.Time, gptScore, otherScore, r float64) domain.SimulationRecord {
	return domain.SimulationRecord{
		Evaluation: domain.Evaluation{ID: at.String(), CreatedAt: at},
		Outputs: []domain.ModelOutput{
			{Provider: "gpt", Compliant: true, TradeScore: fptr(gptScore)},
			{Provider: "gemini", Compliant: true, TradeScore: fptr(otherScore)},
			{Provider: "claude", Compliant: true, TradeScore: fptr(otherScore)},
		},
		Outcome: &domain.Outcome{TradeTaken: true, RMultiple: fptr(r)},
	}
}

// predictiveSeries alternates winners (gpt 90, others 10, R=+2) and
// losers (gpt 10, others 90, R=−1). Only gpt-heavy weights accept the
// winners and reject the losers.
func predictiveSeries(n int) []domain.SimulationRecord {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var out []domain.SimulationRecord
	for i := 0; i < n; i++ {
		at := base.Add(time.Duration(i) * time.Hour)
		if i%2 == 0 {
			out = append(out, record(at, 90, 10, 2.0))
		} else {
			out = append(out, record(at, 10, 90, -1.0))
		}
	}
	return out
}

func TestWeightGridShape(t *testing.T) {
	grid := weightGrid()
	require.NotEmpty(t, grid)
	for _, w := range grid {
		sum := 0.0
		for _, p := range []string{"gpt", "gemini", "claude"} {
			require.Contains(t, w, p)
			assert.GreaterOrEqual(t, w[p], minWeight)
			sum += w[p]
		}
		assert.InDelta(t, 1.0, sum, 1e-9)
	}
	// 0.1-step compositions of 1.0 into three parts each >= 0.1.
	assert.Len(t, grid, 36)
}

func TestExpectancy(t *testing.T) {
	// 2 wins of +2, 2 losses of -1: 0.5*2 - 0.5*1 = 0.5.
	assert.InDelta(t, 0.5, expectancy([]float64{2, 2, -1, -1}), 1e-9)
	assert.InDelta(t, 2.0, expectancy([]float64{2, 2}), 1e-9)
	assert.InDelta(t, -1.0, expectancy([]float64{-1, -1}), 1e-9)
}

func TestBestTuplePicksPredictiveProvider(t *testing.T) {
	weights, _, exp, ok := bestTuple(predictiveSeries(20))
	require.True(t, ok)
	// Pure winners at +2R: expectancy 2.0, only reachable by weighting
	// gpt heavily enough to reject every loser.
	assert.InDelta(t, 2.0, exp, 1e-9)
	assert.Greater(t, weights["gpt"], weights["gemini"])
	assert.Greater(t, weights["gpt"], weights["claude"])
}

func TestBestTupleRequiresMinimumTrainTrades(t *testing.T) {
	_, _, _, ok := bestTuple(predictiveSeries(4))
	assert.False(t, ok)
}

func TestRunProducesWindowsAndStability(t *testing.T) {
	store := &fakeStore{records: predictiveSeries(60)}
	svc := NewService(store, zerolog.Nop())

	report, err := svc.Run(90, "", 20, 10)
	require.NoError(t, err)

	assert.Equal(t, 60, report.TotalRecords)
	// Windows at offsets 0, 10, 20, 30: four (train 20, test 10) fits.
	require.Len(t, report.Windows, 4)
	for _, w := range report.Windows {
		assert.Equal(t, 5, w.TestTrades, "gpt-heavy tuple accepts only the five winners per test slice")
		assert.InDelta(t, 1.0, w.WinRate, 1e-9)
		assert.InDelta(t, 2.0, w.AvgR, 1e-9)
		assert.Zero(t, w.Sharpe, "constant returns have zero deviation")
	}
	assert.True(t, report.EdgeStable)
	assert.False(t, report.EdgeDecayDetected)
}

func TestRunSkipsUntakenEvaluations(t *testing.T) {
	records := predictiveSeries(10)
	records[0].Outcome = nil
	records[1].Outcome.TradeTaken = false
	store := &fakeStore{records: records}
	svc := NewService(store, zerolog.Nop())

	report, err := svc.Run(90, "", 20, 10)
	require.NoError(t, err)
	assert.Equal(t, 8, report.TotalRecords)
	assert.Empty(t, report.Windows)
}

func TestAggregateStability(t *testing.T) {
	wins := func(rates ...float64) []WindowStats {
		out := make([]WindowStats, len(rates))
		for i, r := range rates {
			out[i] = WindowStats{WinRate: r}
		}
		return out
	}

	stable, decay := aggregate(wins(0.6, 0.7, 0.6, 0.4, 0.8))
	assert.True(t, stable, "4 of 5 windows above 0.5")
	assert.False(t, decay)

	stable, _ = aggregate(wins(0.6, 0.4, 0.4, 0.4))
	assert.False(t, stable)

	// Second-half mean 0.40 < first-half 0.70 - 0.05.
	_, decay = aggregate(wins(0.7, 0.7, 0.4, 0.4))
	assert.True(t, decay)

	// Below four windows decay is never flagged.
	_, decay = aggregate(wins(0.9, 0.1, 0.1))
	assert.False(t, decay)

	// A drop of exactly 0.05 is not decay.
	_, decay = aggregate(wins(0.6, 0.6, 0.55, 0.55))
	assert.False(t, decay)
}
