package signal

import (
	"math"

	"github.com/cinar/indicator/v2/momentum"
	"github.com/cinar/indicator/v2/trend"

	"github.com/coinflux/coinflux/internal/exchange"
)

// Kind identifies one scoring signal
type Kind string

const (
	KindRSI  Kind = "RSI"
	KindMA   Kind = "MA"
	KindMACD Kind = "MACD"
)

// Kinds lists every supported signal kind
func Kinds() []Kind {
	return []Kind{KindRSI, KindMA, KindMACD}
}

// Params are per-kind tuning knobs. Missing keys take the defaults below.
type Params map[string]float64

func (p Params) get(key string, def float64) float64 {
	if v, ok := p[key]; ok {
		return v
	}
	return def
}

func (p Params) period(key string, def int) int {
	return int(p.get(key, float64(def)))
}

// Score is one signal's verdict over a candle window. Value is in
// [-1, +1]; negative means buy pressure, positive means sell pressure.
// That sign convention is system-wide and must never be inverted.
// Valid is false when data was insufficient or the math degenerated; the
// aggregator then excludes the signal entirely.
type Score struct {
	Kind        Kind
	Value       float64
	Confidence  float64
	Valid       bool
	Diagnostics map[string]float64
}

func invalid(kind Kind) Score {
	return Score{Kind: kind}
}

// RequiredPeriods returns the minimum candle count for a kind with the
// given params.
func RequiredPeriods(kind Kind, params Params) int {
	switch kind {
	case KindRSI:
		return params.period("period", 14) + 1
	case KindMA:
		return params.period("slow", 21)
	case KindMACD:
		return params.period("slow", 26) + params.period("signal", 9)
	default:
		return math.MaxInt32
	}
}

// Compute scores one signal kind over the candle window
func Compute(kind Kind, candles []exchange.Candle, params Params) Score {
	if len(candles) < RequiredPeriods(kind, params) {
		return invalid(kind)
	}

	var s Score
	switch kind {
	case KindRSI:
		s = scoreRSI(closes(candles), params)
	case KindMA:
		s = scoreMA(closes(candles), params)
	case KindMACD:
		s = scoreMACD(closes(candles), params)
	default:
		return invalid(kind)
	}

	if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
		return invalid(kind)
	}
	return s
}

// scoreRSI is a soft piecewise mapping of Wilder RSI. Below oversold the
// score goes negative (buy), above overbought positive (sell), scaled by
// distance over a 30 point span and clamped so any breach registers at
// least 0.1.
func scoreRSI(prices []float64, params Params) Score {
	period := params.period("period", 14)
	oversold := params.get("oversold", 30)
	overbought := params.get("overbought", 70)

	rsiValues := collect(momentum.NewRsiWithPeriod[float64](period).Compute(toChan(prices)))
	if len(rsiValues) == 0 {
		return invalid(KindRSI)
	}
	rsi := rsiValues[len(rsiValues)-1]

	var value float64
	switch {
	case rsi < oversold:
		value = -clamp((oversold-rsi)/30, 0.1, 1)
	case rsi > overbought:
		value = clamp((rsi-overbought)/30, 0.1, 1)
	}

	return Score{
		Kind:        KindRSI,
		Value:       value,
		Confidence:  1,
		Valid:       true,
		Diagnostics: map[string]float64{"rsi": rsi},
	}
}

// scoreMA maps the percentage separation of a fast SMA over a slow SMA
// through a tanh squash. Fast above slow is bullish, and bullish is buy
// pressure, so the separation sign is flipped before signing the score.
func scoreMA(prices []float64, params Params) Score {
	fastPeriod := params.period("fast", 9)
	slowPeriod := params.period("slow", 21)
	if fastPeriod >= slowPeriod {
		return invalid(KindMA)
	}

	fastValues := collect(trend.NewSmaWithPeriod[float64](fastPeriod).Compute(toChan(prices)))
	slowValues := collect(trend.NewSmaWithPeriod[float64](slowPeriod).Compute(toChan(prices)))
	if len(fastValues) == 0 || len(slowValues) == 0 {
		return invalid(KindMA)
	}

	fast := fastValues[len(fastValues)-1]
	slow := slowValues[len(slowValues)-1]
	if slow == 0 {
		return invalid(KindMA)
	}

	sepPct := (fast - slow) / slow * 100
	value := clamp(2/(1+math.Exp(-2*(-sepPct)))-1, -1, 1)

	return Score{
		Kind:       KindMA,
		Value:      value,
		Confidence: 1,
		Valid:      true,
		Diagnostics: map[string]float64{
			"fast":    fast,
			"slow":    slow,
			"sep_pct": sepPct,
		},
	}
}

// scoreMACD normalizes the current histogram by the rolling mean of its
// absolute value, emphasizing fresh crossings. A positive histogram is
// bullish, so the sign flips to make buy pressure negative.
func scoreMACD(prices []float64, params Params) Score {
	fastPeriod := params.period("fast", 12)
	slowPeriod := params.period("slow", 26)
	signalPeriod := params.period("signal", 9)
	if fastPeriod >= slowPeriod {
		return invalid(KindMACD)
	}

	macdChan, signalChan := trend.NewMacdWithPeriod[float64](fastPeriod, slowPeriod, signalPeriod).Compute(toChan(prices))

	var histogram []float64
	for {
		m, mok := <-macdChan
		s, sok := <-signalChan
		if !mok || !sok {
			break
		}
		histogram = append(histogram, m-s)
	}
	if len(histogram) == 0 {
		return invalid(KindMACD)
	}

	window := signalPeriod
	if window > len(histogram) {
		window = len(histogram)
	}
	var absSum float64
	for _, h := range histogram[len(histogram)-window:] {
		absSum += math.Abs(h)
	}
	absMean := absSum / float64(window)
	if absMean == 0 {
		return invalid(KindMACD)
	}

	current := histogram[len(histogram)-1]
	magnitude := math.Abs(current) / absMean

	// A fresh sign crossing is a stronger statement than drift at the
	// same magnitude.
	crossed := 0.0
	if len(histogram) >= 2 {
		prev := histogram[len(histogram)-2]
		if (prev <= 0 && current > 0) || (prev >= 0 && current < 0) {
			crossed = 1
			if magnitude < 0.5 {
				magnitude = 0.5
			}
		}
	}

	value := clamp(magnitude, 0, 1)
	if current > 0 {
		value = -value // bullish histogram = buy pressure
	}

	return Score{
		Kind:       KindMACD,
		Value:      value,
		Confidence: 1,
		Valid:      true,
		Diagnostics: map[string]float64{
			"histogram": current,
			"abs_mean":  absMean,
			"crossed":   crossed,
		},
	}
}

func closes(candles []exchange.Candle) []float64 {
	prices := make([]float64, len(candles))
	for i, c := range candles {
		prices[i] = c.Close
	}
	return prices
}

func toChan(values []float64) chan float64 {
	ch := make(chan float64, len(values))
	for _, v := range values {
		ch <- v
	}
	close(ch)
	return ch
}

func collect(ch <-chan float64) []float64 {
	var out []float64
	for v := range ch {
		out = append(out, v)
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
