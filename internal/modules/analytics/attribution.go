package analytics

import (
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/jmareth/tradewind/internal/domain"
)

const (
	// attributionMinSamples is the minimum non-null observations for a
	// feature to be analysed at all.
	attributionMinSamples = 20
	// attributionMinHalf is the minimum observations per median half
	// for the lift to be significant.
	attributionMinHalf = 10
	// attributionMinLift is the absolute lift a significant feature
	// must exceed.
	attributionMinLift = 0.05
)

// FeatureLift is the median-split result for one numeric feature.
type FeatureLift struct {
	Feature     string  `json:"feature"`
	Samples     int     `json:"samples"`
	Median      float64 `json:"median"`
	LowWinRate  float64 `json:"low_win_rate"`
	HighWinRate float64 `json:"high_win_rate"`
	Lift        float64 `json:"lift"`
	Significant bool    `json:"significant"`
}

// AttributionSample pairs one evaluation's features with its realised
// result.
type AttributionSample struct {
	Features domain.FeatureVector
	Win      bool
}

// FeatureAttribution splits each numeric feature at its median and
// compares win rates above and below. Features with too few non-null
// observations are skipped; results are sorted by |lift| descending.
func FeatureAttribution(samples []AttributionSample) []FeatureLift {
	type obs struct {
		value float64
		win   bool
	}
	byFeature := map[string][]obs{}
	for _, s := range samples {
		for name, v := range s.Features.Numeric() {
			if v == nil {
				continue
			}
			byFeature[name] = append(byFeature[name], obs{value: *v, win: s.Win})
		}
	}

	var lifts []FeatureLift
	for name, observations := range byFeature {
		if len(observations) < attributionMinSamples {
			continue
		}

		values := make([]float64, len(observations))
		for i, o := range observations {
			values[i] = o.value
		}
		sort.Float64s(values)
		median := stat.Quantile(0.5, stat.Empirical, values, nil)

		var lowWins, lowTotal, highWins, highTotal int
		for _, o := range observations {
			if o.value <= median {
				lowTotal++
				if o.win {
					lowWins++
				}
			} else {
				highTotal++
				if o.win {
					highWins++
				}
			}
		}
		if lowTotal == 0 || highTotal == 0 {
			continue
		}

		low := float64(lowWins) / float64(lowTotal)
		high := float64(highWins) / float64(highTotal)
		lift := high - low
		lifts = append(lifts, FeatureLift{
			Feature:     name,
			Samples:     len(observations),
			Median:      median,
			LowWinRate:  low,
			HighWinRate: high,
			Lift:        lift,
			Significant: abs(lift) > attributionMinLift && lowTotal >= attributionMinHalf && highTotal >= attributionMinHalf,
		})
	}

	sort.Slice(lifts, func(i, j int) bool {
		if abs(lifts[i].Lift) != abs(lifts[j].Lift) {
			return abs(lifts[i].Lift) > abs(lifts[j].Lift)
		}
		return lifts[i].Feature < lifts[j].Feature
	})
	return lifts
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
