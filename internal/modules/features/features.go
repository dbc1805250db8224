// Package features assembles the per-evaluation market snapshot and
// classifies the volatility regime from ATR-percentage.
package features

import (
	"math"

	"github.com/markcheno/go-talib"

	"github.com/jmareth/tradewind/internal/domain"
)

const (
	atrPeriod  = 14
	rvolPeriod = 20
	smaPeriod  = 20

	// ATR% thresholds for the volatility regime labels.
	atrPctLow     = 1.5
	atrPctNormal  = 3.0
	atrPctExtreme = 6.0
)

// Snapshot is the raw market state a feature vector is built from.
// Bar slices are daily, oldest first; session fields describe the
// current trading day.
type Snapshot struct {
	High   []float64
	Low    []float64
	Close  []float64
	Volume []float64

	LastPrice        float64
	SessionHigh      float64
	SessionLow       float64
	SessionVWAP      float64
	PrevClose        float64
	SessionOpen      float64
	MinutesSinceOpen float64
	SpreadPct        *float64
}

// Build derives the feature vector from a snapshot. Features that
// cannot be computed from the available history stay nil.
func Build(s Snapshot) domain.FeatureVector {
	fv := domain.FeatureVector{
		SpreadPct: s.SpreadPct,
	}

	if s.MinutesSinceOpen >= 0 {
		m := s.MinutesSinceOpen
		fv.MinutesSinceOpen = &m
		fv.TimeOfDay = timeOfDay(m)
	}

	if atrPct := ATRPercent(s.High, s.Low, s.Close, atrPeriod); atrPct != nil {
		fv.ATRPct = atrPct
		fv.VolatilityRegime = ClassifyVolatility(*atrPct)

		if sma := lastSMA(s.Close, smaPeriod); sma != nil && s.LastPrice > 0 {
			atr := *atrPct / 100 * s.LastPrice
			if atr > 0 {
				ext := (s.LastPrice - *sma) / atr
				fv.PriceExtension = &ext
			}
		}
	}

	if rvol := relativeVolume(s.Volume, rvolPeriod); rvol != nil {
		fv.RVOL = rvol
	}

	if s.SessionVWAP > 0 && s.LastPrice > 0 {
		dev := (s.LastPrice - s.SessionVWAP) / s.SessionVWAP * 100
		fv.VWAPDeviation = &dev
	}

	if s.PrevClose > 0 && s.SessionOpen > 0 {
		gap := (s.SessionOpen - s.PrevClose) / s.PrevClose * 100
		fv.GapPct = &gap
	}

	if s.SessionHigh > s.SessionLow {
		pos := (s.LastPrice - s.SessionLow) / (s.SessionHigh - s.SessionLow)
		fv.RangePosition = &pos
	}

	return fv
}

// ATRPercent computes the current ATR as a percentage of the last
// close. Returns nil with insufficient history.
func ATRPercent(high, low, close []float64, period int) *float64 {
	if len(close) < period+1 || len(high) != len(close) || len(low) != len(close) {
		return nil
	}
	atr := talib.Atr(high, low, close, period)
	last := atr[len(atr)-1]
	lastClose := close[len(close)-1]
	if math.IsNaN(last) || lastClose <= 0 {
		return nil
	}
	pct := last / lastClose * 100
	return &pct
}

// ClassifyVolatility maps an ATR-percentage to the regime label used
// by the weights and priors.
func ClassifyVolatility(atrPct float64) string {
	switch {
	case atrPct < atrPctLow:
		return domain.VolatilityLow
	case atrPct < atrPctNormal:
		return domain.VolatilityNormal
	case atrPct < atrPctExtreme:
		return domain.VolatilityHigh
	default:
		return domain.VolatilityExtreme
	}
}

// relativeVolume compares the latest bar's volume with the average of
// the preceding `period` bars.
func relativeVolume(volume []float64, period int) *float64 {
	if len(volume) < period+1 {
		return nil
	}
	recent := volume[len(volume)-period-1 : len(volume)-1]
	var sum float64
	for _, v := range recent {
		sum += v
	}
	avg := sum / float64(period)
	if avg <= 0 {
		return nil
	}
	rvol := volume[len(volume)-1] / avg
	return &rvol
}

// lastSMA returns the final simple moving average value.
func lastSMA(close []float64, period int) *float64 {
	if len(close) < period {
		return nil
	}
	sma := talib.Sma(close, period)
	last := sma[len(sma)-1]
	if math.IsNaN(last) {
		return nil
	}
	return &last
}

// timeOfDay buckets minutes since the open into the session phases
// used by the scoring prompts.
func timeOfDay(minutes float64) string {
	switch {
	case minutes < 30:
		return "open"
	case minutes < 120:
		return "morning"
	case minutes < 300:
		return "midday"
	default:
		return "close"
	}
}
