package analytics

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/stat"
)

const (
	// bootstrapN is the resample count for CIs and the Monte-Carlo
	// drawdown simulator.
	bootstrapN = 1000
	// ruinDrawdown is the fractional drawdown counted as ruin.
	ruinDrawdown = 0.50
	// mcStartEquity expresses the account in percent with 1R risked
	// per trade, so an R-multiple moves equity by one point.
	mcStartEquity = 100.0
)

// Interval is one bootstrapped metric with its 2.5/97.5 bounds.
// Significant means the lower bound clears the no-edge reference.
type Interval struct {
	Point       float64 `json:"point"`
	Lower       float64 `json:"lower"`
	Upper       float64 `json:"upper"`
	Significant bool    `json:"significant"`
}

// BootstrapReport holds the seeded confidence intervals.
type BootstrapReport struct {
	Samples    int      `json:"samples"`
	Resamples  int      `json:"resamples"`
	Seed       int64    `json:"seed"`
	WinRate    Interval `json:"win_rate"`
	AvgR       Interval `json:"avg_r"`
	Expectancy Interval `json:"expectancy"`
	Sharpe     Interval `json:"sharpe"`
}

// Bootstrap resamples rs with replacement bootstrapN times under a
// pinned RNG stream: the same inputs and seed reproduce the output
// bit for bit.
func Bootstrap(rs []float64, seed int64) (*BootstrapReport, error) {
	if len(rs) < 2 {
		return nil, fmt.Errorf("bootstrap requires at least two outcomes, got %d", len(rs))
	}
	rng := rand.New(rand.NewSource(seed))

	winRates := make([]float64, bootstrapN)
	avgRs := make([]float64, bootstrapN)
	expectancies := make([]float64, bootstrapN)
	sharpes := make([]float64, bootstrapN)

	sample := make([]float64, len(rs))
	for i := 0; i < bootstrapN; i++ {
		for j := range sample {
			sample[j] = rs[rng.Intn(len(rs))]
		}
		winRates[i] = winRate(sample)
		avgRs[i] = stat.Mean(sample, nil)
		expectancies[i] = sampleExpectancy(sample)
		sharpes[i] = sampleSharpe(sample)
	}

	return &BootstrapReport{
		Samples:    len(rs),
		Resamples:  bootstrapN,
		Seed:       seed,
		WinRate:    interval(winRate(rs), winRates, 0.5),
		AvgR:       interval(stat.Mean(rs, nil), avgRs, 0),
		Expectancy: interval(sampleExpectancy(rs), expectancies, 0),
		Sharpe:     interval(sampleSharpe(rs), sharpes, 0),
	}, nil
}

// DrawdownReport is the Monte-Carlo drawdown distribution.
type DrawdownReport struct {
	Simulations     int     `json:"simulations"`
	Seed            int64   `json:"seed"`
	MeanMaxDD       float64 `json:"mean_max_dd"`
	MedianMaxDD     float64 `json:"median_max_dd"`
	P95MaxDD        float64 `json:"p95_max_dd"`
	P99MaxDD        float64 `json:"p99_max_dd"`
	RuinProbability float64 `json:"ruin_probability"`
}

// MonteCarloDrawdown rebuilds bootstrapN equity curves by sampling a
// trade's R with replacement at each step, reporting the max
// fractional drawdown distribution and the fraction of simulations
// that lose at least half the account.
func MonteCarloDrawdown(rs []float64, seed int64) (*DrawdownReport, error) {
	if len(rs) < 2 {
		return nil, fmt.Errorf("drawdown simulation requires at least two outcomes, got %d", len(rs))
	}
	rng := rand.New(rand.NewSource(seed))

	maxDDs := make([]float64, bootstrapN)
	ruins := 0
	for i := 0; i < bootstrapN; i++ {
		equity := mcStartEquity
		peak := equity
		var maxDD float64
		for j := 0; j < len(rs); j++ {
			equity += rs[rng.Intn(len(rs))]
			if equity > peak {
				peak = equity
			}
			if dd := (peak - equity) / peak; dd > maxDD {
				maxDD = dd
			}
		}
		maxDDs[i] = maxDD
		if maxDD >= ruinDrawdown {
			ruins++
		}
	}

	sort.Float64s(maxDDs)
	return &DrawdownReport{
		Simulations:     bootstrapN,
		Seed:            seed,
		MeanMaxDD:       stat.Mean(maxDDs, nil),
		MedianMaxDD:     stat.Quantile(0.5, stat.Empirical, maxDDs, nil),
		P95MaxDD:        stat.Quantile(0.95, stat.Empirical, maxDDs, nil),
		P99MaxDD:        stat.Quantile(0.99, stat.Empirical, maxDDs, nil),
		RuinProbability: float64(ruins) / bootstrapN,
	}, nil
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

func sampleExpectancy(rs []float64) float64 {
	var winSum, lossSum float64
	var wins, losses int
	for _, r := range rs {
		if r > 0 {
			winSum += r
			wins++
		} else {
			lossSum -= r
			losses++
		}
	}
	p := float64(wins) / float64(len(rs))
	var avgWin, avgLoss float64
	if wins > 0 {
		avgWin = winSum / float64(wins)
	}
	if losses > 0 {
		avgLoss = lossSum / float64(losses)
	}
	return p*avgWin - (1-p)*avgLoss
}

func sampleSharpe(rs []float64) float64 {
	sd := stat.StdDev(rs, nil)
	if sd == 0 || math.IsNaN(sd) {
		return 0
	}
	return stat.Mean(rs, nil) / sd * math.Sqrt(annualisation)
}

// interval sorts the bootstrap distribution and reads the 2.5/97.5
// empirical percentiles.
func interval(point float64, dist []float64, reference float64) Interval {
	sorted := make([]float64, len(dist))
	copy(sorted, dist)
	sort.Float64s(sorted)
	lower := stat.Quantile(0.025, stat.Empirical, sorted, nil)
	upper := stat.Quantile(0.975, stat.Empirical, sorted, nil)
	return Interval{
		Point:       point,
		Lower:       lower,
		Upper:       upper,
		Significant: lower > reference,
	}
}
