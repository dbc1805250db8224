// Package ensemble fans candidate trades out to the external scoring
// providers and aggregates their outputs into a consensus score.
package ensemble

import (
	"sort"

	"github.com/jmareth/tradewind/internal/domain"
)

// shouldTradeThreshold is the final-score cut for the trade flag.
const shouldTradeThreshold = 40.0

// Scorer aggregates provider outputs under a weight set. The weight
// simulator and the walk-forward evaluator reuse this scorer with
// substituted weights; it is never forked.
type Scorer struct {
	// PenaltyK scales the quadratic disagreement penalty.
	PenaltyK float64
}

// Score combines compliant provider outputs into one ensemble result.
// Weights are renormalised over the providers that actually responded,
// so a failed provider's weight is redistributed proportionally.
// Returns ErrNoProviders when no compliant output carries a trade
// score.
func (sc Scorer) Score(outputs []domain.ModelOutput, weights map[string]float64) (*domain.EnsembleResult, error) {
	var usable []domain.ModelOutput
	for _, o := range outputs {
		if o.Compliant && o.TradeScore != nil {
			usable = append(usable, o)
		}
	}
	if len(usable) == 0 {
		return nil, domain.ErrNoProviders
	}

	normalised := renormalise(usable, weights)

	var weighted float64
	scores := make([]float64, 0, len(usable))
	providers := make([]string, 0, len(usable))
	for _, o := range usable {
		weighted += normalised[o.Provider] * *o.TradeScore
		scores = append(scores, *o.TradeScore)
		providers = append(providers, o.Provider)
	}

	median := medianOf(scores)
	spread := maxOf(scores) - minOf(scores)
	penalty := sc.PenaltyK * spread * spread / 10000
	final := weighted - penalty
	if final < 0 {
		final = 0
	}

	trueVotes := 0
	votesSeen := 0
	for _, o := range usable {
		votesSeen++
		if o.ShouldTrade != nil && *o.ShouldTrade {
			trueVotes++
		}
	}
	unanimous := trueVotes == 0 || trueVotes == votesSeen
	majority := trueVotes*2 > votesSeen

	return &domain.EnsembleResult{
		WeightedScore:       weighted,
		MedianScore:         median,
		FinalScore:          final,
		ExpectedRR:          weightedField(usable, normalised, func(o domain.ModelOutput) *float64 { return o.ExpectedRR }),
		Confidence:          weightedField(usable, normalised, func(o domain.ModelOutput) *float64 { return o.Confidence }),
		ShouldTrade:         final >= shouldTradeThreshold,
		Unanimous:           unanimous,
		MajorityTrade:       majority,
		Spread:              spread,
		DisagreementPenalty: penalty,
		WeightsUsed:         normalised,
		PenaltyK:            sc.PenaltyK,
		ProvidersUsed:       providers,
	}, nil
}

// renormalise restricts the weight set to the responding providers and
// scales it to sum to 1. Providers with no configured weight share
// equally when every configured weight is missing or zero.
func renormalise(usable []domain.ModelOutput, weights map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(usable))
	total := 0.0
	for _, o := range usable {
		w := weights[o.Provider]
		if w < 0 {
			w = 0
		}
		out[o.Provider] = w
		total += w
	}
	if total == 0 {
		equal := 1.0 / float64(len(usable))
		for _, o := range usable {
			out[o.Provider] = equal
		}
		return out
	}
	for p, w := range out {
		out[p] = w / total
	}
	return out
}

// weightedField computes the weighted mean of an optional per-provider
// field, renormalising over the providers that supplied it.
func weightedField(usable []domain.ModelOutput, weights map[string]float64, get func(domain.ModelOutput) *float64) float64 {
	var sum, total float64
	for _, o := range usable {
		v := get(o)
		if v == nil {
			continue
		}
		w := weights[o.Provider]
		sum += w * *v
		total += w
	}
	if total == 0 {
		return 0
	}
	return sum / total
}

func medianOf(vals []float64) float64 {
	sorted := make([]float64, len(vals))
	copy(sorted, vals)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func maxOf(vals []float64) float64 {
	m := vals[0]
	for _, v := range vals[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

func minOf(vals []float64) float64 {
	m := vals[0]
	for _, v := range vals[1:] {
		if v < m {
			m = v
		}
	}
	return m
}
