package trading

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinflux/coinflux/internal/bus"
	"github.com/coinflux/coinflux/internal/exchange"
	"github.com/coinflux/coinflux/internal/store"
)

type monitorFixture struct {
	st       *store.Memory
	orders   *fakeOrders
	eventBus *bus.Bus
	observer *recordedFills
	monitor  *Monitor
}

func newMonitorFixture(t *testing.T, cfg MonitorConfig) *monitorFixture {
	t.Helper()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	if cfg.MaxDuration == 0 {
		cfg.MaxDuration = 2 * time.Second
	}
	st := store.NewMemory()
	orders := newFakeOrders()
	eventBus := bus.New(0)
	observer := &recordedFills{}
	return &monitorFixture{
		st:       st,
		orders:   orders,
		eventBus: eventBus,
		observer: observer,
		monitor:  NewMonitor(st, orders, eventBus, observer, cfg, zerolog.Nop()),
	}
}

// pendingTrade seeds a pending trade plus a matching open exchange order
func (f *monitorFixture) pendingTrade(t *testing.T) *store.Trade {
	t.Helper()
	ack, err := f.orders.PlaceMarketOrder(context.Background(), "BTC-USD", exchange.SideBuy, 100)
	require.NoError(t, err)
	trade := &store.Trade{
		ID:          uuid.New(),
		OrderID:     ack.OrderID,
		TriggeredBy: "bot:" + uuid.NewString(),
		ProductID:   "BTC-USD",
		Side:        store.SideBuy,
		SizeUSD:     100,
		Status:      store.TradeStatusPending,
		CreatedAt:   time.Now(),
	}
	require.NoError(t, f.st.InsertTrade(context.Background(), trade))
	return trade
}

func TestMonitorResolvesFill(t *testing.T) {
	f := newMonitorFixture(t, MonitorConfig{})
	trade := f.pendingTrade(t)

	require.True(t, f.monitor.Watch(trade.OrderID, trade.ID))
	f.orders.fill(trade.OrderID, 100, 50100, 0.60)

	require.Eventually(t, func() bool {
		stored, err := f.st.GetTrade(context.Background(), trade.ID)
		return err == nil && stored.Status == store.TradeStatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	f.monitor.Wait()
	assert.Equal(t, 0, f.monitor.Watching())
	assert.Equal(t, 1, f.observer.count())

	stored, err := f.st.GetTrade(context.Background(), trade.ID)
	require.NoError(t, err)
	assert.InDelta(t, 100, stored.SizeUSD, 1e-9)
	assert.InDelta(t, 50100, stored.Price, 1e-9)
	require.NotNil(t, stored.FilledAt)
}

func TestMonitorMapsCancelledOrder(t *testing.T) {
	f := newMonitorFixture(t, MonitorConfig{})
	trade := f.pendingTrade(t)

	require.True(t, f.monitor.Watch(trade.OrderID, trade.ID))

	f.orders.mu.Lock()
	f.orders.statuses[trade.OrderID].State = exchange.OrderCancelled
	f.orders.mu.Unlock()

	require.Eventually(t, func() bool {
		stored, err := f.st.GetTrade(context.Background(), trade.ID)
		return err == nil && stored.Status == store.TradeStatusCancelled
	}, 2*time.Second, 5*time.Millisecond)

	f.monitor.Wait()
	assert.Equal(t, 0, f.observer.count(), "only fills notify the observer")
}

func TestMonitorWatchDeduplicates(t *testing.T) {
	f := newMonitorFixture(t, MonitorConfig{PollInterval: time.Hour})
	trade := f.pendingTrade(t)

	assert.True(t, f.monitor.Watch(trade.OrderID, trade.ID))
	assert.False(t, f.monitor.Watch(trade.OrderID, trade.ID), "re-registering a live order is a no-op")
	assert.Equal(t, 1, f.monitor.Watching())
}

func TestMonitorWatcherCap(t *testing.T) {
	f := newMonitorFixture(t, MonitorConfig{PollInterval: time.Hour, MaxWatchers: 1})
	first := f.pendingTrade(t)
	second := f.pendingTrade(t)

	assert.True(t, f.monitor.Watch(first.OrderID, first.ID))
	assert.False(t, f.monitor.Watch(second.OrderID, second.ID), "past the cap the sweeper owns the order")
	assert.Equal(t, 1, f.monitor.Watching())
}

func TestMonitorExitsWhenTradeAlreadyResolved(t *testing.T) {
	f := newMonitorFixture(t, MonitorConfig{})
	trade := f.pendingTrade(t)

	// Someone else (the sweeper, say) resolved it first.
	require.NoError(t, f.st.TransitionTradeStatus(context.Background(), trade.ID, store.TradeStatusCancelled, nil))

	require.True(t, f.monitor.Watch(trade.OrderID, trade.ID))
	f.monitor.Wait()
	assert.Equal(t, 0, f.monitor.Watching())
	assert.Equal(t, 0, f.observer.count())
}

func TestMonitorAbort(t *testing.T) {
	f := newMonitorFixture(t, MonitorConfig{PollInterval: time.Hour})
	trade := f.pendingTrade(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.monitor.Start(ctx)
	require.True(t, f.monitor.Watch(trade.OrderID, trade.ID))

	f.monitor.Abort()
	f.monitor.Wait()
	assert.Equal(t, 0, f.monitor.Watching())

	stored, err := f.st.GetTrade(context.Background(), trade.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TradeStatusPending, stored.Status)

	// The monitor keeps working for orders registered after the abort.
	next := f.pendingTrade(t)
	assert.True(t, f.monitor.Watch(next.OrderID, next.ID))
	assert.Equal(t, 1, f.monitor.Watching())
}

func TestMonitorStopsOnContextCancel(t *testing.T) {
	f := newMonitorFixture(t, MonitorConfig{PollInterval: time.Hour})
	trade := f.pendingTrade(t)

	ctx, cancel := context.WithCancel(context.Background())
	f.monitor.Start(ctx)
	require.True(t, f.monitor.Watch(trade.OrderID, trade.ID))

	cancel()
	f.monitor.Wait()
	assert.Equal(t, 0, f.monitor.Watching())

	stored, err := f.st.GetTrade(context.Background(), trade.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TradeStatusPending, stored.Status, "cancelled watchers leave the trade to the sweeper")
}
