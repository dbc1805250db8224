// Package analytics computes edge statistics over realised R-multiples:
// rolling risk metrics, seeded bootstrap confidence intervals, a
// Monte-Carlo drawdown simulator and median-split feature attribution.
package analytics

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

const (
	// rollingWindow is the trade count for the rolling metrics.
	rollingWindow = 20
	annualisation = 252
	// defaultAlpha is the CVaR tail when the caller supplies none.
	defaultAlpha = 0.05
)

// RollingReport is the risk snapshot over the last rollingWindow trades.
type RollingReport struct {
	Trades      int       `json:"trades"`
	WinRate     float64   `json:"win_rate"`
	AvgR        float64   `json:"avg_r"`
	Sharpe      float64   `json:"sharpe"`
	Sortino     float64   `json:"sortino"`
	MaxDrawdown float64   `json:"max_drawdown"`
	Equity      []float64 `json:"equity"`
}

// Rolling computes the report over the trailing window of rs
// (chronological order, R-multiples).
func Rolling(rs []float64) RollingReport {
	if len(rs) > rollingWindow {
		rs = rs[len(rs)-rollingWindow:]
	}
	report := RollingReport{Trades: len(rs)}
	if len(rs) == 0 {
		return report
	}

	wins := 0
	equity := make([]float64, len(rs))
	cum := 0.0
	for i, r := range rs {
		if r > 0 {
			wins++
		}
		cum += r
		equity[i] = cum
	}
	report.WinRate = float64(wins) / float64(len(rs))
	report.AvgR = stat.Mean(rs, nil)
	report.Equity = equity
	report.MaxDrawdown = maxDrawdown(equity)

	if len(rs) > 1 {
		if sd := stat.StdDev(rs, nil); sd > 0 {
			report.Sharpe = report.AvgR / sd * math.Sqrt(annualisation)
		}
		if dd := downsideDeviation(rs); dd > 0 {
			report.Sortino = report.AvgR / dd * math.Sqrt(annualisation)
		}
	}
	return report
}

// EdgeReport holds the distribution-shape metrics served by the
// edge-metrics endpoint.
type EdgeReport struct {
	Alpha          float64 `json:"alpha"`
	RecoveryFactor float64 `json:"recovery_factor"`
	CVaR           float64 `json:"cvar"`
	Skewness       float64 `json:"skewness"`
	UlcerIndex     float64 `json:"ulcer_index"`
}

// EdgeMetrics computes recovery factor, CVaR, population skewness and
// ulcer index over a series of R-multiples. alpha ≤ 0 falls back to
// the default 5% tail.
func EdgeMetrics(outcomes []float64, alpha float64) (*EdgeReport, error) {
	if len(outcomes) == 0 {
		return nil, fmt.Errorf("edge metrics require at least one outcome")
	}
	if alpha <= 0 || alpha >= 1 {
		alpha = defaultAlpha
	}

	equity := make([]float64, len(outcomes))
	cum := 0.0
	for i, r := range outcomes {
		cum += r
		equity[i] = cum
	}

	report := &EdgeReport{
		Alpha:      alpha,
		CVaR:       cvar(outcomes, alpha),
		Skewness:   populationSkewness(outcomes),
		UlcerIndex: ulcerIndex(equity),
	}
	if maxFDD := maxFractionalDrawdown(equity); maxFDD > 0 {
		report.RecoveryFactor = cum / maxFDD
	}
	return report, nil
}

// cvar is the mean of the worst alpha-tail of outcomes. The tail always
// contains at least one observation.
func cvar(outcomes []float64, alpha float64) float64 {
	sorted := make([]float64, len(outcomes))
	copy(sorted, outcomes)
	sort.Float64s(sorted)
	n := int(alpha * float64(len(sorted)))
	if n < 1 {
		n = 1
	}
	return stat.Mean(sorted[:n], nil)
}

// populationSkewness is m3 / m2^1.5 over population moments. gonum's
// stat.Skew applies the sample correction, which is not wanted here.
func populationSkewness(vals []float64) float64 {
	mean := stat.Mean(vals, nil)
	var m2, m3 float64
	for _, v := range vals {
		d := v - mean
		m2 += d * d
		m3 += d * d * d
	}
	n := float64(len(vals))
	m2 /= n
	m3 /= n
	if m2 == 0 {
		return 0
	}
	return m3 / math.Pow(m2, 1.5)
}

// ulcerIndex is the root-mean-square of the fractional drawdowns along
// the equity curve.
func ulcerIndex(equity []float64) float64 {
	var sumSq float64
	peak := math.Inf(-1)
	for _, e := range equity {
		if e > peak {
			peak = e
		}
		if peak > 0 {
			fdd := (peak - e) / peak
			sumSq += fdd * fdd
		}
	}
	return math.Sqrt(sumSq / float64(len(equity)))
}

// maxDrawdown is the largest absolute drop from a running peak.
func maxDrawdown(equity []float64) float64 {
	var maxDD float64
	peak := math.Inf(-1)
	for _, e := range equity {
		if e > peak {
			peak = e
		}
		if dd := peak - e; dd > maxDD {
			maxDD = dd
		}
	}
	return maxDD
}

// maxFractionalDrawdown is the largest peak-relative drop; only
// positive peaks define a fraction.
func maxFractionalDrawdown(equity []float64) float64 {
	var maxFDD float64
	peak := math.Inf(-1)
	for _, e := range equity {
		if e > peak {
			peak = e
		}
		if peak > 0 {
			if fdd := (peak - e) / peak; fdd > maxFDD {
				maxFDD = fdd
			}
		}
	}
	return maxFDD
}

// downsideDeviation is the standard deviation computed over negative
// returns only, against a zero target.
func downsideDeviation(rs []float64) float64 {
	var sumSq float64
	for _, r := range rs {
		if r < 0 {
			sumSq += r * r
		}
	}
	return math.Sqrt(sumSq / float64(len(rs)))
}
