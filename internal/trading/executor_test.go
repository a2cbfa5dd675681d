package trading

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinflux/coinflux/internal/bus"
	"github.com/coinflux/coinflux/internal/exchange"
	"github.com/coinflux/coinflux/internal/locker"
	"github.com/coinflux/coinflux/internal/safety"
	"github.com/coinflux/coinflux/internal/signal"
	"github.com/coinflux/coinflux/internal/store"
)

// fakeOrders is a scriptable OrderAPI. Status transitions are driven by
// the test, not by time.
type fakeOrders struct {
	mu         sync.Mutex
	placeErr   error
	placeState exchange.OrderState // initial state for new orders, default open
	statuses   map[string]*exchange.OrderStatus
	placed     []exchange.Side
}

func newFakeOrders() *fakeOrders {
	return &fakeOrders{statuses: make(map[string]*exchange.OrderStatus)}
}

func (f *fakeOrders) PlaceMarketOrder(_ context.Context, _ string, side exchange.Side, sizeUSD float64) (*exchange.OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return nil, f.placeErr
	}
	id := uuid.NewString()
	f.placed = append(f.placed, side)
	state := f.placeState
	if state == "" {
		state = exchange.OrderOpen
	}
	status := &exchange.OrderStatus{OrderID: id, State: state}
	if state == exchange.OrderFilled {
		status.FilledSize = sizeUSD
		status.FilledPrice = 50000
		status.SizeInQuote = true
		status.CommissionUSD = sizeUSD * 0.006
	}
	f.statuses[id] = status
	return &exchange.OrderAck{OrderID: id, Size: sizeUSD, Price: 50000, SizeInQuote: true}, nil
}

func (f *fakeOrders) GetOrderStatus(_ context.Context, orderID string) (*exchange.OrderStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.statuses[orderID]
	if !ok {
		return nil, exchange.ErrOrderNotFound
	}
	cp := *status
	return &cp, nil
}

// fill marks an order filled with quote-sized economics
func (f *fakeOrders) fill(orderID string, sizeUSD, price, commission float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status := f.statuses[orderID]
	status.State = exchange.OrderFilled
	status.FilledSize = sizeUSD
	status.FilledPrice = price
	status.SizeInQuote = true
	status.CommissionUSD = commission
}

type recordedFills struct {
	mu     sync.Mutex
	trades []*store.Trade
}

func (r *recordedFills) TradeCompleted(_ context.Context, trade *store.Trade) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trades = append(r.trades, trade)
}

func (r *recordedFills) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.trades)
}

type executorFixture struct {
	st       *store.Memory
	orders   *fakeOrders
	view     *fakeView
	locks    *locker.Locker
	mr       *miniredis.Miniredis
	eventBus *bus.Bus
	observer *recordedFills
	monitor  *Monitor
	executor *Executor
	bot      *store.Bot
}

func newExecutorFixture(t *testing.T) *executorFixture {
	t.Helper()
	st := store.NewMemory()
	bot := &store.Bot{
		Name:             "btc-bot",
		Pair:             "BTC-USD",
		SignalConfig:     map[string]store.SignalSettings{"RSI": {Enabled: true, Weight: 1}},
		PositionSizeUSD:  100,
		SkipOnLowBalance: true,
	}
	require.NoError(t, st.CreateBot(context.Background(), bot))
	require.NoError(t, st.SetBotState(context.Background(), bot.ID, store.BotStateRunning))
	bot.State = store.BotStateRunning

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	orders := newFakeOrders()
	view := &fakeView{usd: 1000, crypto: 1, price: 50000}
	safetyState := safety.New(safety.Limits{}, zerolog.Nop())
	decider := NewDecider(st, view, safetyState, DeciderConfig{MinOrderUSD: 5}, zerolog.Nop())
	eventBus := bus.New(0)
	observer := &recordedFills{}
	monitor := NewMonitor(st, orders, eventBus, observer, MonitorConfig{
		PollInterval: 5 * time.Millisecond,
		MaxDuration:  2 * time.Second,
	}, zerolog.Nop())
	executor := NewExecutor(st, orders, decider, locker.New(client, zerolog.Nop()), monitor, eventBus, observer, ExecutorConfig{
		MutexTTL:      30 * time.Second,
		ProbeInterval: time.Millisecond,
		ProbeCount:    3,
	}, zerolog.Nop())

	return &executorFixture{
		st:       st,
		orders:   orders,
		view:     view,
		locks:    locker.New(client, zerolog.Nop()),
		mr:       mr,
		eventBus: eventBus,
		observer: observer,
		monitor:  monitor,
		executor: executor,
		bot:      bot,
	}
}

func TestExecuteImmediateFill(t *testing.T) {
	f := newExecutorFixture(t)
	ctx := context.Background()

	statusEvents, cancel := f.eventBus.Subscribe(bus.TopicTradeStatus)
	defer cancel()

	// Market order fills instantly; the post-placement probe sees it.
	f.orders.placeState = exchange.OrderFilled

	trade, err := f.executor.Execute(ctx, f.bot.ID, signal.ActionBuy, -0.3)
	require.NoError(t, err)

	assert.Equal(t, store.TradeStatusCompleted, trade.Status)
	assert.InDelta(t, 100, trade.SizeUSD, 1e-9)
	assert.InDelta(t, 100.0/50000, trade.SizeCrypto, 1e-9)
	assert.InDelta(t, 0.60, trade.CommissionUSD, 1e-9)
	assert.Equal(t, []exchange.Side{exchange.SideBuy}, f.orders.placed)
	require.NotNil(t, trade.FilledAt)

	stored, err := f.st.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TradeStatusCompleted, stored.Status)

	assert.Equal(t, 1, f.observer.count())
	assert.Equal(t, 0, f.monitor.Watching(), "a filled order needs no watcher")

	select {
	case ev := <-statusEvents:
		payload := ev.Payload.(bus.TradeStatusEvent)
		assert.Equal(t, "completed", payload.Status)
	case <-time.After(time.Second):
		t.Fatal("no trade_status event published")
	}
}

func TestExecuteDeferredFillGoesToMonitor(t *testing.T) {
	f := newExecutorFixture(t)
	ctx := context.Background()

	pendingEvents, cancel := f.eventBus.Subscribe(bus.TopicPendingOrder)
	defer cancel()

	trade, err := f.executor.Execute(ctx, f.bot.ID, signal.ActionBuy, -0.3)
	require.NoError(t, err)

	assert.Equal(t, store.TradeStatusPending, trade.Status)
	assert.InDelta(t, 100, trade.SizeUSD, 1e-9)
	assert.Equal(t, 1, f.monitor.Watching())

	select {
	case ev := <-pendingEvents:
		payload := ev.Payload.(bus.PendingOrderEvent)
		assert.Equal(t, trade.OrderID, payload.OrderID)
	case <-time.After(time.Second):
		t.Fatal("no pending_order event published")
	}

	// The monitor resolves the trade once the exchange reports a fill.
	f.orders.fill(trade.OrderID, 100, 50100, 0.60)
	require.Eventually(t, func() bool {
		stored, err := f.st.GetTrade(ctx, trade.ID)
		return err == nil && stored.Status == store.TradeStatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	f.monitor.Wait()
	assert.Equal(t, 1, f.observer.count())
}

func TestExecuteBusyWhenMutexHeld(t *testing.T) {
	f := newExecutorFixture(t)
	ctx := context.Background()

	lock, err := f.locks.TryLock(ctx, "trade:"+f.bot.ID.String(), 30*time.Second)
	require.NoError(t, err)
	defer lock.Release(ctx)

	_, err = f.executor.Execute(ctx, f.bot.ID, signal.ActionBuy, -0.3)
	var busy *BusyError
	require.ErrorAs(t, err, &busy)
	assert.Empty(t, f.orders.placed, "no order may be placed while the mutex is held")
}

func TestExecuteReGatesUnderLock(t *testing.T) {
	f := newExecutorFixture(t)
	ctx := context.Background()

	// Bot stopped after the signal confirmed but before execution.
	require.NoError(t, f.st.SetBotState(ctx, f.bot.ID, store.BotStateStopped))

	_, err := f.executor.Execute(ctx, f.bot.ID, signal.ActionBuy, -0.3)
	var rej *RejectedError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, ReasonBotNotRunning, rej.Reason)
	assert.Empty(t, f.orders.placed)
}

func TestExecutePlacementFailure(t *testing.T) {
	f := newExecutorFixture(t)
	ctx := context.Background()

	issues, cancel := f.eventBus.Subscribe(bus.TopicSyncIssue)
	defer cancel()
	f.orders.placeErr = errors.New("exchange unavailable")

	_, err := f.executor.Execute(ctx, f.bot.ID, signal.ActionBuy, -0.3)
	var exec *ExecutionError
	require.ErrorAs(t, err, &exec)

	trades, listErr := f.st.ListTrades(ctx, store.TradeFilter{})
	require.NoError(t, listErr)
	assert.Empty(t, trades, "a failed placement records nothing")

	select {
	case ev := <-issues:
		payload := ev.Payload.(bus.SyncIssueEvent)
		assert.Equal(t, "execution_failed", payload.Kind)
	case <-time.After(time.Second):
		t.Fatal("no sync_issue event published")
	}
}

func TestExecuteSecondTradeBlockedByPending(t *testing.T) {
	f := newExecutorFixture(t)
	ctx := context.Background()

	first, err := f.executor.Execute(ctx, f.bot.ID, signal.ActionBuy, -0.3)
	require.NoError(t, err)
	require.Equal(t, store.TradeStatusPending, first.Status)

	_, err = f.executor.Execute(ctx, f.bot.ID, signal.ActionBuy, -0.4)
	var rej *RejectedError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, ReasonPendingOrderExists, rej.Reason)
}

func TestExecuteRejectedOrderRecordedAsFailed(t *testing.T) {
	f := newExecutorFixture(t)
	ctx := context.Background()

	f.orders.placeState = exchange.OrderRejected

	trade, err := f.executor.Execute(ctx, f.bot.ID, signal.ActionBuy, -0.3)
	require.NoError(t, err)
	assert.Equal(t, store.TradeStatusFailed, trade.Status)
	assert.Equal(t, 0, f.monitor.Watching(), "terminal orders are not watched")
}
