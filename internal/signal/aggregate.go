package signal

import "math"

// Action is the evaluator's verdict for one pass
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
	ActionHold Action = "hold"
)

// Temperature classifies |combined| for display. It never authorizes a
// trade by itself.
type Temperature string

const (
	TempHot    Temperature = "HOT"
	TempWarm   Temperature = "WARM"
	TempCool   Temperature = "COOL"
	TempFrozen Temperature = "FROZEN"
)

// Thresholds are the action cutoffs. Buy is negative, sell positive.
type Thresholds struct {
	Buy  float64
	Sell float64
}

// TempCutoffs are the |combined| boundaries for temperature classification
type TempCutoffs struct {
	Hot  float64
	Warm float64
	Cool float64
}

// Combine produces the weighted sum over valid scores. Weights are NOT
// renormalized when some signals lack data: a low-data pass is
// deliberately under-weighted rather than given fabricated confidence.
func Combine(scores []Score, weights map[Kind]float64) float64 {
	var combined float64
	for _, s := range scores {
		if !s.Valid {
			continue
		}
		combined += weights[s.Kind] * s.Value
	}
	return combined
}

// ActionFor maps a combined score to an action
func ActionFor(combined float64, th Thresholds) Action {
	switch {
	case combined <= th.Buy:
		return ActionBuy
	case combined >= th.Sell:
		return ActionSell
	default:
		return ActionHold
	}
}

// TemperatureFor classifies the magnitude of a combined score
func TemperatureFor(combined float64, cut TempCutoffs) Temperature {
	mag := math.Abs(combined)
	switch {
	case mag >= cut.Hot:
		return TempHot
	case mag >= cut.Warm:
		return TempWarm
	case mag >= cut.Cool:
		return TempCool
	default:
		return TempFrozen
	}
}
