package signal

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinflux/coinflux/internal/bus"
	"github.com/coinflux/coinflux/internal/exchange"
	"github.com/coinflux/coinflux/internal/market"
	"github.com/coinflux/coinflux/internal/store"
)

type staticCandles struct {
	candles []exchange.Candle
}

func (s *staticCandles) GetCandles(_ context.Context, _ string, _, limit int) ([]exchange.Candle, error) {
	candles := s.candles
	if limit > 0 && len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	return candles, nil
}

func newEvalFixture(t *testing.T, closes []float64, confirmationSeconds int) (*Evaluator, *store.Memory, *store.Bot) {
	t.Helper()

	st := store.NewMemory()
	bot := &store.Bot{
		Name: "btc-bot",
		Pair: "BTC-USD",
		SignalConfig: map[string]store.SignalSettings{
			string(KindRSI): {Enabled: true, Weight: 0.5},
			string(KindMA):  {Enabled: true, Weight: 0.5},
		},
		ConfirmationSeconds: confirmationSeconds,
		PositionSizeUSD:     100,
	}
	require.NoError(t, st.CreateBot(context.Background(), bot))
	require.NoError(t, st.SetBotState(context.Background(), bot.ID, store.BotStateRunning))

	cache := market.New(&staticCandles{candles: candlesFromCloses(closes)}, market.DefaultConfig(), zerolog.Nop())
	ev := NewEvaluator(st, cache, DefaultEvaluatorConfig(), zerolog.Nop())
	return ev, st, bot
}

func TestEvaluatePassStartsConfirmation(t *testing.T) {
	// A hard falling market drives RSI and MA deep into buy territory.
	ev, st, bot := newEvalFixture(t, trending(60, 400, -4), 300)

	outcome, err := ev.EvaluatePass(context.Background(), bot)
	require.NoError(t, err)

	assert.Equal(t, ActionBuy, outcome.Action)
	assert.False(t, outcome.Confirmed)
	assert.Negative(t, outcome.Combined)

	reloaded, err := st.GetBot(context.Background(), bot.ID)
	require.NoError(t, err)
	require.NotNil(t, reloaded.ConfirmationStartAt, "confirmation start must persist")
	assert.Equal(t, string(ActionBuy), reloaded.ConfirmingAction)
	require.NotNil(t, reloaded.LastEvaluatedAt)

	history, err := st.RecentEvaluations(context.Background(), bot.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, string(ActionBuy), history[0].Action)
	assert.True(t, history[0].Confirming)
}

func TestEvaluatePassPromotesAfterWindow(t *testing.T) {
	ev, st, bot := newEvalFixture(t, trending(60, 400, -4), 300)

	base := time.Now()
	ev.SetClock(func() time.Time { return base })
	_, err := ev.EvaluatePass(context.Background(), bot)
	require.NoError(t, err)

	bot, err = st.GetBot(context.Background(), bot.ID)
	require.NoError(t, err)

	ev.SetClock(func() time.Time { return base.Add(300 * time.Second) })
	outcome, err := ev.EvaluatePass(context.Background(), bot)
	require.NoError(t, err)

	assert.True(t, outcome.Confirmed)
	assert.Equal(t, ActionBuy, outcome.Action)
	assert.Equal(t, 1.0, outcome.Progress)
}

func TestEvaluatePassHoldGoesIdle(t *testing.T) {
	// Flat market: every signal near zero.
	ev, st, bot := newEvalFixture(t, trending(60, 100, 0), 300)

	start := time.Now()
	require.NoError(t, st.UpdateEvaluationState(context.Background(), bot.ID, store.EvalState{
		ConfirmationStartAt: &start,
		ConfirmingAction:    string(ActionBuy),
		LastEvaluatedAt:     start,
	}))
	bot, err := st.GetBot(context.Background(), bot.ID)
	require.NoError(t, err)

	outcome, err := ev.EvaluatePass(context.Background(), bot)
	require.NoError(t, err)
	assert.Equal(t, ActionHold, outcome.Action)

	reloaded, _ := st.GetBot(context.Background(), bot.ID)
	assert.Nil(t, reloaded.ConfirmationStartAt, "hold must reset confirmation to idle")
}

func TestEvaluatePassPerBotThresholdOverride(t *testing.T) {
	ev, st, bot := newEvalFixture(t, trending(60, 400, -4), 300)

	// An absurdly deep buy threshold turns the same market into hold.
	deep := -5.0
	_, err := st.UpdateBotConfig(context.Background(), bot.ID, store.BotConfigPatch{BuyThreshold: &deep})
	require.NoError(t, err)
	bot, err = st.GetBot(context.Background(), bot.ID)
	require.NoError(t, err)

	outcome, err := ev.EvaluatePass(context.Background(), bot)
	require.NoError(t, err)
	assert.Equal(t, ActionHold, outcome.Action)
}

type recordingHandler struct {
	mu    sync.Mutex
	calls []Action
}

func (h *recordingHandler) ExecuteConfirmed(_ context.Context, _ *store.Bot, action Action, _ float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, action)
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

func TestRunnerExecutesConfirmedOnceAndResets(t *testing.T) {
	ev, st, bot := newEvalFixture(t, trending(60, 400, -4), 0)

	handler := &recordingHandler{}
	b := bus.New(0)
	r := NewRunner(st, ev, b, handler, time.Hour, zerolog.Nop())

	ctx := context.Background()
	r.trigger(ctx, bot.ID)
	r.wg.Wait()

	require.Equal(t, 1, handler.count())
	assert.Equal(t, ActionBuy, handler.calls[0])

	reloaded, _ := st.GetBot(ctx, bot.ID)
	assert.Nil(t, reloaded.ConfirmationStartAt, "confirmed signal must be consumed back to idle")
}

func TestRunnerSkipsStoppedBots(t *testing.T) {
	ev, st, bot := newEvalFixture(t, trending(60, 400, -4), 0)
	require.NoError(t, st.SetBotState(context.Background(), bot.ID, store.BotStateStopped))

	handler := &recordingHandler{}
	r := NewRunner(st, ev, bus.New(0), handler, time.Hour, zerolog.Nop())

	r.trigger(context.Background(), bot.ID)
	r.wg.Wait()

	assert.Equal(t, 0, handler.count())
}

func TestRunnerDropsConcurrentTriggers(t *testing.T) {
	ev, st, bot := newEvalFixture(t, trending(60, 400, -4), 300)

	handler := &recordingHandler{}
	r := NewRunner(st, ev, bus.New(0), handler, time.Hour, zerolog.Nop())

	// Simulate an in-flight evaluation; the next trigger must be dropped.
	r.mu.Lock()
	r.inflight[bot.ID] = true
	r.mu.Unlock()

	r.trigger(context.Background(), bot.ID)
	r.mu.Lock()
	stillMarked := r.inflight[bot.ID]
	r.mu.Unlock()
	assert.True(t, stillMarked)

	history, _ := st.RecentEvaluations(context.Background(), bot.ID, 10)
	assert.Empty(t, history, "dropped trigger must not evaluate")
}

func TestRunnerEvaluatesOnTickerEvents(t *testing.T) {
	// Flat market: passes record history but never confirm.
	ev, st, bot := newEvalFixture(t, trending(60, 100, 0), 300)

	handler := &recordingHandler{}
	b := bus.New(8)
	r := NewRunner(st, ev, b, handler, time.Hour, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	// The initial sweep evaluates once and subscribes to the bot's pair.
	require.Eventually(t, func() bool {
		history, _ := st.RecentEvaluations(ctx, bot.ID, 10)
		return len(history) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	// Ticker events drive further passes without waiting for the interval.
	require.Eventually(t, func() bool {
		b.Publish(bus.Event{
			Topic:   bus.TickerTopic(bot.Pair),
			Payload: bus.TickerEvent{Pair: bot.Pair, Price: 100, Time: time.Now()},
		})
		history, _ := st.RecentEvaluations(ctx, bot.ID, 10)
		return len(history) >= 2
	}, 2*time.Second, 20*time.Millisecond)

	assert.Equal(t, 0, handler.count())
	cancel()
	<-done
}
