package signal

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/coinflux/coinflux/internal/market"
	"github.com/coinflux/coinflux/internal/store"
)

// EvaluatorConfig carries the system-wide evaluation defaults. Per-bot
// thresholds override Buy/Sell when set.
type EvaluatorConfig struct {
	Thresholds  Thresholds
	Cutoffs     TempCutoffs
	Granularity int // seconds per candle
	CandleLimit int
}

// DefaultEvaluatorConfig returns the shipped defaults
func DefaultEvaluatorConfig() EvaluatorConfig {
	return EvaluatorConfig{
		Thresholds:  Thresholds{Buy: -0.05, Sell: 0.05},
		Cutoffs:     TempCutoffs{Hot: 0.08, Warm: 0.03, Cool: 0.005},
		Granularity: 300,
		CandleLimit: 100,
	}
}

// Outcome is the result of one evaluation pass for a bot
type Outcome struct {
	BotID         uuid.UUID
	Pair          string
	Scores        []Score
	Combined      float64
	Action        Action
	Temperature   Temperature
	Confirmed     bool
	Progress      float64
	TimeRemaining time.Duration
	StaleData     bool
	EvaluatedAt   time.Time
}

// Evaluator runs signal evaluation passes against cached market data
type Evaluator struct {
	st     store.Store
	cache  *market.Cache
	cfg    EvaluatorConfig
	logger zerolog.Logger
	now    func() time.Time
}

// NewEvaluator creates an evaluator
func NewEvaluator(st store.Store, cache *market.Cache, cfg EvaluatorConfig, logger zerolog.Logger) *Evaluator {
	return &Evaluator{
		st:     st,
		cache:  cache,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// SetClock overrides the time source, for tests
func (e *Evaluator) SetClock(now func() time.Time) { e.now = now }

// thresholdsFor applies per-bot overrides on top of the system defaults
func (e *Evaluator) thresholdsFor(bot *store.Bot) Thresholds {
	th := e.cfg.Thresholds
	if bot.BuyThreshold != nil {
		th.Buy = *bot.BuyThreshold
	}
	if bot.SellThreshold != nil {
		th.Sell = *bot.SellThreshold
	}
	return th
}

// EvaluatePass runs one full evaluation for a bot: score, aggregate,
// advance the confirmation machine, persist the transient state and a
// history row. The caller owns acting on a confirmed outcome.
func (e *Evaluator) EvaluatePass(ctx context.Context, bot *store.Bot) (*Outcome, error) {
	now := e.now()

	res, err := e.cache.Get(ctx, bot.Pair, e.cfg.Granularity, e.cfg.CandleLimit)
	if err != nil {
		return nil, fmt.Errorf("evaluation for %s has no market data: %w", bot.Pair, err)
	}

	scores := make([]Score, 0, len(bot.SignalConfig))
	weights := make(map[Kind]float64, len(bot.SignalConfig))
	for name, settings := range bot.SignalConfig {
		if !settings.Enabled {
			continue
		}
		kind := Kind(name)
		weights[kind] = settings.Weight
		scores = append(scores, Compute(kind, res.Candles, Params(settings.Params)))
	}

	combined := Combine(scores, weights)
	action := ActionFor(combined, e.thresholdsFor(bot))

	cur := ConfirmState{StartAt: bot.ConfirmationStartAt, Action: Action(bot.ConfirmingAction)}
	conf := Advance(cur, action, now, bot.ConfirmationSeconds)

	evalState := store.EvalState{
		ConfirmationStartAt: conf.State.StartAt,
		ConfirmingAction:    string(conf.State.Action),
		LastCombinedScore:   combined,
		LastEvaluatedAt:     now,
	}
	if err := e.st.UpdateEvaluationState(ctx, bot.ID, evalState); err != nil {
		return nil, fmt.Errorf("failed to persist evaluation state: %w", err)
	}

	outcome := &Outcome{
		BotID:         bot.ID,
		Pair:          bot.Pair,
		Scores:        scores,
		Combined:      combined,
		Action:        action,
		Temperature:   TemperatureFor(combined, e.cfg.Cutoffs),
		Confirmed:     conf.Confirmed,
		Progress:      conf.Progress,
		TimeRemaining: conf.TimeRemaining,
		StaleData:     res.Stale,
		EvaluatedAt:   now,
	}

	e.recordHistory(ctx, bot, outcome, weights)

	e.logger.Debug().
		Str("bot", bot.Name).
		Str("pair", bot.Pair).
		Float64("combined", combined).
		Str("action", string(action)).
		Str("temperature", string(outcome.Temperature)).
		Bool("confirmed", conf.Confirmed).
		Float64("progress", conf.Progress).
		Msg("Evaluation pass complete")

	return outcome, nil
}

// recordHistory stores one SignalEvaluation row. History is advisory;
// failures are logged, not surfaced.
func (e *Evaluator) recordHistory(ctx context.Context, bot *store.Bot, outcome *Outcome, weights map[Kind]float64) {
	scoreMap := make(map[string]float64, len(outcome.Scores))
	for _, s := range outcome.Scores {
		if s.Valid {
			scoreMap[string(s.Kind)] = s.Value
		}
	}
	weightMap := make(map[string]float64, len(weights))
	for kind, w := range weights {
		weightMap[string(kind)] = w
	}

	ev := &store.SignalEvaluation{
		ID:         uuid.New(),
		BotID:      bot.ID,
		Pair:       bot.Pair,
		Scores:     scoreMap,
		Weights:    weightMap,
		Combined:   outcome.Combined,
		Action:     string(outcome.Action),
		Confirming: outcome.Action != ActionHold && !outcome.Confirmed,
		Progress:   outcome.Progress,
		CreatedAt:  outcome.EvaluatedAt,
	}
	if err := e.st.InsertEvaluation(ctx, ev); err != nil {
		e.logger.Warn().Err(err).Str("bot", bot.Name).Msg("Failed to record signal history")
	}
}
