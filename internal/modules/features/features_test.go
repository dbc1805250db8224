package features

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmareth/tradewind/internal/domain"
)

// flatBars builds n identical daily bars whose true range is a fixed
// fraction of price, making the expected ATR% exact.
func flatBars(n int, price, rangePct float64) (high, low, close, volume []float64) {
	spread := price * rangePct / 100
	for i := 0; i < n; i++ {
		high = append(high, price+spread/2)
		low = append(low, price-spread/2)
		close = append(close, price)
		volume = append(volume, 1_000_000)
	}
	return high, low, close, volume
}

func TestATRPercentOnConstantRange(t *testing.T) {
	high, low, close, _ := flatBars(30, 100, 2.0)
	atrPct := ATRPercent(high, low, close, 14)
	require.NotNil(t, atrPct)
	assert.InDelta(t, 2.0, *atrPct, 1e-6)
}

func TestATRPercentInsufficientHistory(t *testing.T) {
	high, low, close, _ := flatBars(10, 100, 2.0)
	assert.Nil(t, ATRPercent(high, low, close, 14))
}

func TestClassifyVolatility(t *testing.T) {
	assert.Equal(t, domain.VolatilityLow, ClassifyVolatility(0.8))
	assert.Equal(t, domain.VolatilityNormal, ClassifyVolatility(1.5))
	assert.Equal(t, domain.VolatilityNormal, ClassifyVolatility(2.9))
	assert.Equal(t, domain.VolatilityHigh, ClassifyVolatility(3.0))
	assert.Equal(t, domain.VolatilityHigh, ClassifyVolatility(5.9))
	assert.Equal(t, domain.VolatilityExtreme, ClassifyVolatility(6.0))
}

func TestClassificationFeedsRegimeMapping(t *testing.T) {
	assert.Equal(t, domain.RegimeChop, domain.MapVolatilityToRegime(ClassifyVolatility(0.5)))
	assert.Equal(t, domain.RegimeTrending, domain.MapVolatilityToRegime(ClassifyVolatility(2.0)))
	assert.Equal(t, domain.RegimeVolatile, domain.MapVolatilityToRegime(ClassifyVolatility(4.0)))
	assert.Equal(t, domain.RegimeVolatile, domain.MapVolatilityToRegime(ClassifyVolatility(8.0)))
}

func TestBuildFullSnapshot(t *testing.T) {
	high, low, close, volume := flatBars(30, 100, 2.0)
	volume[len(volume)-1] = 2_500_000 // today trades 2.5x average

	fv := Build(Snapshot{
		High:             high,
		Low:              low,
		Close:            close,
		Volume:           volume,
		LastPrice:        101,
		SessionHigh:      102,
		SessionLow:       100,
		SessionVWAP:      100.5,
		PrevClose:        100,
		SessionOpen:      100.8,
		MinutesSinceOpen: 45,
	})

	require.NotNil(t, fv.ATRPct)
	assert.Equal(t, domain.VolatilityNormal, fv.VolatilityRegime)

	require.NotNil(t, fv.RVOL)
	assert.InDelta(t, 2.5, *fv.RVOL, 1e-9)

	require.NotNil(t, fv.VWAPDeviation)
	assert.InDelta(t, (101-100.5)/100.5*100, *fv.VWAPDeviation, 1e-9)

	require.NotNil(t, fv.GapPct)
	assert.InDelta(t, 0.8, *fv.GapPct, 1e-9)

	require.NotNil(t, fv.RangePosition)
	assert.InDelta(t, 0.5, *fv.RangePosition, 1e-9)

	require.NotNil(t, fv.MinutesSinceOpen)
	assert.Equal(t, "morning", fv.TimeOfDay)

	require.NotNil(t, fv.PriceExtension)
	// Price 1 above the flat 100 SMA with ATR ~2: half an ATR extended.
	assert.InDelta(t, 0.5, *fv.PriceExtension, 1e-2)
}

func TestBuildSparseSnapshotLeavesNils(t *testing.T) {
	fv := Build(Snapshot{LastPrice: 50, MinutesSinceOpen: 400})
	assert.Nil(t, fv.ATRPct)
	assert.Nil(t, fv.RVOL)
	assert.Nil(t, fv.VWAPDeviation)
	assert.Nil(t, fv.GapPct)
	assert.Nil(t, fv.RangePosition)
	assert.Empty(t, fv.VolatilityRegime)
	assert.Equal(t, "close", fv.TimeOfDay)
}

func TestTimeOfDayBuckets(t *testing.T) {
	assert.Equal(t, "open", timeOfDay(0))
	assert.Equal(t, "open", timeOfDay(29))
	assert.Equal(t, "morning", timeOfDay(30))
	assert.Equal(t, "midday", timeOfDay(120))
	assert.Equal(t, "close", timeOfDay(300))
}
