package trading

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinflux/coinflux/internal/exchange"
	"github.com/coinflux/coinflux/internal/safety"
	"github.com/coinflux/coinflux/internal/signal"
	"github.com/coinflux/coinflux/internal/store"
)

type fakeView struct {
	usd    float64
	crypto float64
	price  float64
}

func (f *fakeView) GetAccounts(_ context.Context) ([]exchange.Balance, error) {
	return []exchange.Balance{
		{Currency: "USD", Available: f.usd, IsCash: true},
		{Currency: "BTC", Available: f.crypto},
	}, nil
}

func (f *fakeView) GetTicker(_ context.Context, pair string) (*exchange.Ticker, error) {
	return &exchange.Ticker{Pair: pair, Price: f.price, Time: time.Now()}, nil
}

type deciderFixture struct {
	st      *store.Memory
	view    *fakeView
	safety  *safety.State
	decider *Decider
	bot     *store.Bot
}

func newDeciderFixture(t *testing.T) *deciderFixture {
	t.Helper()
	st := store.NewMemory()
	bot := &store.Bot{
		Name:             "btc-bot",
		Pair:             "BTC-USD",
		SignalConfig:     map[string]store.SignalSettings{"RSI": {Enabled: true, Weight: 1}},
		CooldownSeconds:  900,
		PositionSizeUSD:  100,
		SkipOnLowBalance: true,
	}
	require.NoError(t, st.CreateBot(context.Background(), bot))
	require.NoError(t, st.SetBotState(context.Background(), bot.ID, store.BotStateRunning))
	bot.State = store.BotStateRunning

	view := &fakeView{usd: 1000, crypto: 1, price: 50000}
	safetyState := safety.New(safety.Limits{MaxDailyLossUSD: 500, MaxDailyTrades: 50}, zerolog.Nop())
	decider := NewDecider(st, view, safetyState, DeciderConfig{MinOrderUSD: 5}, zerolog.Nop())
	return &deciderFixture{st: st, view: view, safety: safetyState, decider: decider, bot: bot}
}

func (f *deciderFixture) decide(t *testing.T, action signal.Action) *Decision {
	t.Helper()
	d, err := f.decider.Decide(context.Background(), f.bot, action)
	require.NoError(t, err)
	return d
}

func TestDecideApprovesBuyAtPositionSize(t *testing.T) {
	f := newDeciderFixture(t)
	d := f.decide(t, signal.ActionBuy)

	assert.True(t, d.Approved)
	assert.Equal(t, 100.0, d.SizeUSD)
}

func TestDecideBotNotRunning(t *testing.T) {
	f := newDeciderFixture(t)
	f.bot.State = store.BotStateStopped

	d := f.decide(t, signal.ActionBuy)
	assert.False(t, d.Approved)
	assert.Equal(t, ReasonBotNotRunning, d.Reason)
}

func TestDecidePendingOrderExists(t *testing.T) {
	f := newDeciderFixture(t)
	require.NoError(t, f.st.InsertTrade(context.Background(), &store.Trade{
		OrderID:     "open-1",
		TriggeredBy: f.bot.TriggeredBy(),
		ProductID:   f.bot.Pair,
		Side:        store.SideBuy,
		Status:      store.TradeStatusPending,
	}))

	d := f.decide(t, signal.ActionBuy)
	assert.Equal(t, ReasonPendingOrderExists, d.Reason)
}

func TestDecideCooldownFromFillTime(t *testing.T) {
	f := newDeciderFixture(t)
	t0 := time.Now()
	filled := t0
	require.NoError(t, f.st.InsertTrade(context.Background(), &store.Trade{
		OrderID:     "done-1",
		TriggeredBy: f.bot.TriggeredBy(),
		ProductID:   f.bot.Pair,
		Side:        store.SideBuy,
		SizeUSD:     100,
		Status:      store.TradeStatusCompleted,
		CreatedAt:   t0.Add(-time.Minute),
		FilledAt:    &filled,
	}))

	// 600s after the fill: still cooling down.
	f.decider.SetClock(func() time.Time { return t0.Add(600 * time.Second) })
	d := f.decide(t, signal.ActionSell)
	assert.Equal(t, ReasonCooldownActive, d.Reason)

	// 901s after the fill: approved.
	f.decider.SetClock(func() time.Time { return t0.Add(901 * time.Second) })
	d = f.decide(t, signal.ActionSell)
	assert.True(t, d.Approved)
}

func TestDecideUnfilledTradesDoNotArmCooldown(t *testing.T) {
	f := newDeciderFixture(t)
	require.NoError(t, f.st.InsertTrade(context.Background(), &store.Trade{
		OrderID:     "failed-1",
		TriggeredBy: f.bot.TriggeredBy(),
		ProductID:   f.bot.Pair,
		Side:        store.SideBuy,
		Status:      store.TradeStatusFailed,
		CreatedAt:   time.Now(),
	}))

	d := f.decide(t, signal.ActionBuy)
	assert.True(t, d.Approved)
}

func TestDecideInsufficientUSDForBuy(t *testing.T) {
	f := newDeciderFixture(t)
	// Needs max(5, 10% of 100) = 10.
	f.view.usd = 9

	d := f.decide(t, signal.ActionBuy)
	assert.Equal(t, ReasonInsufficientBalance, d.Reason)

	f.view.usd = 10
	d = f.decide(t, signal.ActionBuy)
	assert.True(t, d.Approved)
}

func TestDecideSellWithZeroCryptoRejected(t *testing.T) {
	f := newDeciderFixture(t)
	f.view.crypto = 0

	d := f.decide(t, signal.ActionSell)
	assert.False(t, d.Approved)
	assert.Equal(t, ReasonInsufficientBalance, d.Reason)
}

func TestDecideSellBelowMinLotRejected(t *testing.T) {
	f := newDeciderFixture(t)
	f.decider.cfg.MinLotCrypto = 0.0001

	// Dust above zero but under the lot is insufficient balance, not a
	// sizing failure.
	f.view.crypto = 0.00005
	d := f.decide(t, signal.ActionSell)
	assert.False(t, d.Approved)
	assert.Equal(t, ReasonInsufficientBalance, d.Reason)

	f.view.crypto = 0.01
	d = f.decide(t, signal.ActionSell)
	assert.True(t, d.Approved)
}

func TestDecideBalanceGateSkippedWhenDisabled(t *testing.T) {
	f := newDeciderFixture(t)
	f.bot.SkipOnLowBalance = false
	f.view.usd = 0

	d := f.decide(t, signal.ActionBuy)
	assert.True(t, d.Approved, "balance pre-check only runs when skip_on_low_balance is set")
}

func TestDecideEmergencyStop(t *testing.T) {
	f := newDeciderFixture(t)
	f.safety.SetEmergencyStop(true)

	d := f.decide(t, signal.ActionBuy)
	assert.Equal(t, ReasonEmergencyStop, d.Reason)
}

func TestDecideDailyLimits(t *testing.T) {
	f := newDeciderFixture(t)
	f.safety.RecordTrade(-600) // past the 500 loss cap

	d := f.decide(t, signal.ActionBuy)
	assert.Equal(t, ReasonDailyLimitReached, d.Reason)
}

func TestDecideSellSizingCapsAtHoldings(t *testing.T) {
	f := newDeciderFixture(t)
	// Holding 0.001 BTC at 50000 = 50 USD, below the 100 position size.
	f.view.crypto = 0.001

	d := f.decide(t, signal.ActionSell)
	assert.True(t, d.Approved)
	assert.InDelta(t, 50, d.SizeUSD, 1e-9)
}

func TestDecideSellSizingCapsAtPositionSize(t *testing.T) {
	f := newDeciderFixture(t)
	f.view.crypto = 10 // far more than position_size_usd covers

	d := f.decide(t, signal.ActionSell)
	assert.True(t, d.Approved)
	assert.InDelta(t, 100, d.SizeUSD, 1e-9)
}

func TestDecideBelowMinSell(t *testing.T) {
	f := newDeciderFixture(t)
	// 0.00005 BTC at 50000 = 2.50 USD, under the 5 USD exchange minimum.
	f.view.crypto = 0.00005

	d := f.decide(t, signal.ActionSell)
	assert.False(t, d.Approved)
	assert.Equal(t, ReasonBelowMinSell, d.Reason)
}

func TestDecideHoldIsInvalid(t *testing.T) {
	f := newDeciderFixture(t)
	d := f.decide(t, signal.ActionHold)
	assert.Equal(t, ReasonInvalidAction, d.Reason)
}
