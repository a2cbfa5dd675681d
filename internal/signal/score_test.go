package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinflux/coinflux/internal/exchange"
)

func candlesFromCloses(closes []float64) []exchange.Candle {
	candles := make([]exchange.Candle, len(closes))
	start := time.Now().Add(-time.Duration(len(closes)) * 5 * time.Minute)
	for i, c := range closes {
		candles[i] = exchange.Candle{
			Time:  start.Add(time.Duration(i) * 5 * time.Minute),
			Open:  c,
			High:  c,
			Low:   c,
			Close: c,
		}
	}
	return candles
}

func trending(n int, start, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out
}

func TestComputeInsufficientDataIsInvalid(t *testing.T) {
	candles := candlesFromCloses(trending(5, 100, 1))
	for _, kind := range Kinds() {
		s := Compute(kind, candles, nil)
		assert.False(t, s.Valid, "kind %s", kind)
		assert.Equal(t, 0.0, s.Value)
		assert.Equal(t, 0.0, s.Confidence)
	}
}

func TestRSIFallingMarketScoresBuy(t *testing.T) {
	candles := candlesFromCloses(trending(40, 200, -2))
	s := Compute(KindRSI, candles, nil)

	require.True(t, s.Valid)
	assert.Negative(t, s.Value, "oversold must register as buy pressure")
	assert.GreaterOrEqual(t, s.Value, -1.0)
	assert.LessOrEqual(t, s.Value, -0.1)
	assert.Less(t, s.Diagnostics["rsi"], 30.0)
}

func TestRSIRisingMarketScoresSell(t *testing.T) {
	candles := candlesFromCloses(trending(40, 100, 2))
	s := Compute(KindRSI, candles, nil)

	require.True(t, s.Valid)
	assert.Positive(t, s.Value)
	assert.Greater(t, s.Diagnostics["rsi"], 70.0)
}

func TestRSINeutralBandScoresZero(t *testing.T) {
	// Alternating closes keep RSI near 50.
	closes := make([]float64, 40)
	for i := range closes {
		closes[i] = 100 + float64(i%2)
	}
	s := Compute(KindRSI, candlesFromCloses(closes), nil)

	require.True(t, s.Valid)
	assert.Equal(t, 0.0, s.Value)
}

func TestMABullishSeparationIsBuyPressure(t *testing.T) {
	candles := candlesFromCloses(trending(40, 100, 3))
	s := Compute(KindMA, candles, nil)

	require.True(t, s.Valid)
	assert.Positive(t, s.Diagnostics["sep_pct"], "rising market puts fast above slow")
	assert.Negative(t, s.Value, "bullish must come out as buy pressure")
	assert.GreaterOrEqual(t, s.Value, -1.0)
}

func TestMABearishSeparationIsSellPressure(t *testing.T) {
	candles := candlesFromCloses(trending(40, 220, -3))
	s := Compute(KindMA, candles, nil)

	require.True(t, s.Valid)
	assert.Positive(t, s.Value)
	assert.LessOrEqual(t, s.Value, 1.0)
}

func TestMACDSignConvention(t *testing.T) {
	// A long flat stretch then a sharp rise gives a positive histogram.
	closes := append(trending(40, 100, 0), trending(10, 100, 5)...)
	s := Compute(KindMACD, candlesFromCloses(closes), nil)

	require.True(t, s.Valid)
	assert.Positive(t, s.Diagnostics["histogram"])
	assert.Negative(t, s.Value, "bullish histogram must be buy pressure")

	closes = append(trending(40, 200, 0), trending(10, 200, -5)...)
	s = Compute(KindMACD, candlesFromCloses(closes), nil)
	require.True(t, s.Valid)
	assert.Negative(t, s.Diagnostics["histogram"])
	assert.Positive(t, s.Value)
}

func TestCombineSkipsInvalidWithoutRenormalizing(t *testing.T) {
	scores := []Score{
		{Kind: KindRSI, Value: -0.8, Valid: true},
		{Kind: KindMA, Valid: false}, // insufficient data
		{Kind: KindMACD, Value: -0.4, Valid: true},
	}
	weights := map[Kind]float64{KindRSI: 0.5, KindMA: 0.3, KindMACD: 0.2}

	combined := Combine(scores, weights)
	// 0.5*-0.8 + 0.2*-0.4; the MA weight is simply absent, not
	// redistributed.
	assert.InDelta(t, -0.48, combined, 1e-9)
}

func TestActionForThresholds(t *testing.T) {
	th := Thresholds{Buy: -0.05, Sell: 0.05}

	assert.Equal(t, ActionBuy, ActionFor(-0.05, th), "boundary is inclusive")
	assert.Equal(t, ActionBuy, ActionFor(-0.2, th))
	assert.Equal(t, ActionSell, ActionFor(0.05, th))
	assert.Equal(t, ActionHold, ActionFor(0.049, th))
	assert.Equal(t, ActionHold, ActionFor(0, th))
}

func TestTemperatureFor(t *testing.T) {
	cut := TempCutoffs{Hot: 0.08, Warm: 0.03, Cool: 0.005}

	assert.Equal(t, TempHot, TemperatureFor(-0.1, cut))
	assert.Equal(t, TempWarm, TemperatureFor(0.05, cut))
	assert.Equal(t, TempCool, TemperatureFor(-0.01, cut))
	assert.Equal(t, TempFrozen, TemperatureFor(0.001, cut))
}

func TestRequiredPeriods(t *testing.T) {
	assert.Equal(t, 15, RequiredPeriods(KindRSI, nil))
	assert.Equal(t, 21, RequiredPeriods(KindMA, nil))
	assert.Equal(t, 35, RequiredPeriods(KindMACD, nil))
	assert.Equal(t, 31, RequiredPeriods(KindRSI, Params{"period": 30}))
}
