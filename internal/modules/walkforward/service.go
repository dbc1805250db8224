// Package walkforward replays stored evaluations through the live
// ensemble scorer under candidate weight tuples, measuring the
// out-of-sample edge on rolling train/test windows.
package walkforward

import (
	"math"
	"sort"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/jmareth/tradewind/internal/domain"
	"github.com/jmareth/tradewind/internal/modules/ensemble"
)

const (
	// gridStep is the coarse search increment per weight.
	gridStep = 0.1
	// minWeight is the floor for any provider in a candidate tuple.
	minWeight = 0.05
	// minTrainTrades is the minimum accepted train trades for a tuple
	// to be considered.
	minTrainTrades = 5
	// stableWinRateShare is the fraction of windows that must beat a
	// 0.5 test win rate for the edge to count as stable.
	stableWinRateShare = 0.6
	// decayMinWindows is the minimum window count before decay can be
	// flagged.
	decayMinWindows = 4
	// decayDropThreshold is how far the second-half mean win rate must
	// fall below the first half.
	decayDropThreshold = 0.05

	annualisation = 252
)

// penaltyGrid is the set of disagreement coefficients searched.
var penaltyGrid = []float64{0.5, 1.0, 1.5, 2.0}

// Store is the slice of the durable store the evaluator reads.
type Store interface {
	GetEvalsForSimulation(days int, symbol string) ([]domain.SimulationRecord, error)
}

// WindowStats is one window's training choice and out-of-sample result.
type WindowStats struct {
	Index           int                `json:"index"`
	Weights         map[string]float64 `json:"weights"`
	PenaltyK        float64            `json:"penalty_k"`
	TrainExpectancy float64            `json:"train_expectancy"`
	TestTrades      int                `json:"test_trades"`
	WinRate         float64            `json:"win_rate"`
	AvgR            float64            `json:"avg_r"`
	Sharpe          float64            `json:"sharpe"`
}

// Report aggregates every window.
type Report struct {
	Windows           []WindowStats `json:"windows"`
	EdgeStable        bool          `json:"edge_stable"`
	EdgeDecayDetected bool          `json:"edge_decay_detected"`
	TotalRecords      int           `json:"total_records"`
}

// Service runs walk-forward validation over stored evaluations.
type Service struct {
	log   zerolog.Logger
	store Store
}

func NewService(store Store, log zerolog.Logger) *Service {
	return &Service{log: log.With().Str("service", "walkforward").Logger(), store: store}
}

// Run slides a (trainSize, testSize) window over the trade-taken
// evaluations of the last `days`, stepping by testSize. Each window
// grid-searches weights on the train slice and measures the winner on
// the test slice.
func (s *Service) Run(days int, symbol string, trainSize, testSize int) (*Report, error) {
	records, err := s.store.GetEvalsForSimulation(days, symbol)
	if err != nil {
		return nil, err
	}
	usable := filterTaken(records)
	sort.SliceStable(usable, func(i, j int) bool {
		return usable[i].Evaluation.CreatedAt.Before(usable[j].Evaluation.CreatedAt)
	})

	report := &Report{TotalRecords: len(usable)}
	if trainSize < minTrainTrades || testSize < 1 {
		return report, nil
	}

	for start := 0; start+trainSize+testSize <= len(usable); start += testSize {
		train := usable[start : start+trainSize]
		test := usable[start+trainSize : start+trainSize+testSize]

		weights, penaltyK, expectancy, ok := bestTuple(train)
		if !ok {
			continue
		}

		win := measure(test, weights, penaltyK)
		win.Index = len(report.Windows)
		win.Weights = weights
		win.PenaltyK = penaltyK
		win.TrainExpectancy = expectancy
		report.Windows = append(report.Windows, win)
	}

	report.EdgeStable, report.EdgeDecayDetected = aggregate(report.Windows)
	s.log.Info().Int("records", len(usable)).Int("windows", len(report.Windows)).
		Bool("edge_stable", report.EdgeStable).Bool("edge_decay", report.EdgeDecayDetected).
		Msg("Walk-forward run complete")
	return report, nil
}

// filterTaken keeps records with a realised, measurable trade.
func filterTaken(records []domain.SimulationRecord) []domain.SimulationRecord {
	var out []domain.SimulationRecord
	for _, r := range records {
		if r.Outcome != nil && r.Outcome.TradeTaken && r.Outcome.RMultiple != nil {
			out = append(out, r)
		}
	}
	return out
}

// bestTuple grid-searches the train slice and returns the tuple with
// maximum expectancy. ok is false when no tuple produces enough
// accepted trades.
func bestTuple(train []domain.SimulationRecord) (map[string]float64, float64, float64, bool) {
	var (
		bestWeights    map[string]float64
		bestK          float64
		bestExpectancy = math.Inf(-1)
		found          bool
	)
	for _, weights := range weightGrid() {
		for _, k := range penaltyGrid {
			rs := acceptedRMultiples(train, weights, k)
			if len(rs) < minTrainTrades {
				continue
			}
			e := expectancy(rs)
			if !found || e > bestExpectancy {
				bestWeights, bestK, bestExpectancy, found = weights, k, e, true
			}
		}
	}
	return bestWeights, bestK, bestExpectancy, found
}

// weightGrid enumerates (gpt, gemini, claude) tuples in 0.1 steps,
// non-negative, each at least minWeight, summing to 1. Iteration order
// is deterministic so equal-expectancy ties resolve the same way on
// every run.
func weightGrid() []map[string]float64 {
	var grid []map[string]float64
	for wg := gridStep; wg < 1; wg += gridStep {
		for wm := gridStep; wg+wm < 1; wm += gridStep {
			wc := 1 - wg - wm
			if wc < minWeight-1e-9 {
				continue
			}
			grid = append(grid, map[string]float64{
				"gpt":    round1(wg),
				"gemini": round1(wm),
				"claude": round1(wc),
			})
		}
	}
	return grid
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }

// acceptedRMultiples re-scores each record under the candidate tuple
// and keeps the realised R of those the ensemble would have traded.
func acceptedRMultiples(records []domain.SimulationRecord, weights map[string]float64, penaltyK float64) []float64 {
	scorer := ensemble.Scorer{PenaltyK: penaltyK}
	var rs []float64
	for _, rec := range records {
		res, err := scorer.Score(rec.Outputs, weights)
		if err != nil || !res.ShouldTrade {
			continue
		}
		rs = append(rs, *rec.Outcome.RMultiple)
	}
	return rs
}

// expectancy computes winRate·avgWin − (1−winRate)·avgLoss, with
// avgLoss as a positive magnitude.
func expectancy(rs []float64) float64 {
	var wins, losses []float64
	for _, r := range rs {
		if r > 0 {
			wins = append(wins, r)
		} else {
			losses = append(losses, -r)
		}
	}
	winRate := float64(len(wins)) / float64(len(rs))
	var avgWin, avgLoss float64
	if len(wins) > 0 {
		avgWin = stat.Mean(wins, nil)
	}
	if len(losses) > 0 {
		avgLoss = stat.Mean(losses, nil)
	}
	return winRate*avgWin - (1-winRate)*avgLoss
}

// measure applies a chosen tuple to the test slice.
func measure(test []domain.SimulationRecord, weights map[string]float64, penaltyK float64) WindowStats {
	rs := acceptedRMultiples(test, weights, penaltyK)
	win := WindowStats{TestTrades: len(rs)}
	if len(rs) == 0 {
		return win
	}

	wins := 0
	for _, r := range rs {
		if r > 0 {
			wins++
		}
	}
	win.WinRate = float64(wins) / float64(len(rs))
	win.AvgR = stat.Mean(rs, nil)
	if len(rs) > 1 {
		if sd := stat.StdDev(rs, nil); sd > 0 {
			win.Sharpe = win.AvgR / sd * math.Sqrt(annualisation)
		}
	}
	return win
}

// aggregate derives the stability and decay flags from the per-window
// win rates.
func aggregate(windows []WindowStats) (stable, decay bool) {
	if len(windows) == 0 {
		return false, false
	}

	above := 0
	for _, w := range windows {
		if w.WinRate > 0.5 {
			above++
		}
	}
	stable = float64(above) >= stableWinRateShare*float64(len(windows))

	if len(windows) >= decayMinWindows {
		half := len(windows) / 2
		var first, second float64
		for i, w := range windows {
			if i < half {
				first += w.WinRate
			} else {
				second += w.WinRate
			}
		}
		first /= float64(half)
		second /= float64(len(windows) - half)
		decay = second < first-decayDropThreshold
	}
	return stable, decay
}
