package trading

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/coinflux/coinflux/internal/bus"
	"github.com/coinflux/coinflux/internal/store"
)

// MonitorConfig tunes pending-order watching
type MonitorConfig struct {
	PollInterval time.Duration // default 2s
	MaxDuration  time.Duration // default 5m
	MaxWatchers  int           // default 64
}

// DefaultMonitorConfig returns production defaults
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		PollInterval: 2 * time.Second,
		MaxDuration:  5 * time.Minute,
		MaxWatchers:  64,
	}
}

var (
	monitorMetricsOnce sync.Once
	watcherGauge       prometheus.Gauge
)

func initMonitorMetrics() {
	monitorMetricsOnce.Do(func() {
		watcherGauge = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "order_monitor_watchers",
			Help: "Currently running pending-order watchers",
		})
	})
}

// Monitor resolves pending orders quickly with one bounded watcher per
// order id. Orders beyond the concurrency cap, and orders the watcher
// gives up on, fall through to the reconciliation sweeper.
type Monitor struct {
	st       store.Store
	api      OrderAPI
	eventBus *bus.Bus
	observer FillObserver
	cfg      MonitorConfig
	logger   zerolog.Logger

	mu       sync.Mutex
	parent   context.Context
	ctx      context.Context
	cancel   context.CancelFunc
	watching map[string]bool
	wg       sync.WaitGroup
}

// NewMonitor creates a monitor. observer may be nil.
func NewMonitor(st store.Store, api OrderAPI, eventBus *bus.Bus, observer FillObserver, cfg MonitorConfig, logger zerolog.Logger) *Monitor {
	initMonitorMetrics()
	def := DefaultMonitorConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = def.MaxDuration
	}
	if cfg.MaxWatchers <= 0 {
		cfg.MaxWatchers = def.MaxWatchers
	}
	return &Monitor{
		st:       st,
		api:      api,
		eventBus: eventBus,
		observer: observer,
		cfg:      cfg,
		logger:   logger,
		parent:   context.Background(),
		ctx:      context.Background(),
		watching: make(map[string]bool),
	}
}

// Start binds the monitor's watchers to a lifecycle context. Watchers
// spawned before Start use the background context.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	m.parent = ctx
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()
}

// Abort cancels every running watcher. Unresolved orders stay pending
// and fall to the sweeper; watchers registered afterwards run normally.
func (m *Monitor) Abort() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		m.cancel()
	}
	m.ctx, m.cancel = context.WithCancel(m.parent)
}

// Watch registers an order for resolution. Re-registering a live order
// id is a no-op; past the watcher cap the order is left to the sweeper.
// Returns whether a watcher was started.
func (m *Monitor) Watch(orderID string, tradeID uuid.UUID) bool {
	m.mu.Lock()
	if m.watching[orderID] {
		m.mu.Unlock()
		return false
	}
	if len(m.watching) >= m.cfg.MaxWatchers {
		m.mu.Unlock()
		m.logger.Warn().
			Str("order_id", orderID).
			Int("cap", m.cfg.MaxWatchers).
			Msg("Watcher cap reached, leaving order to the sweeper")
		return false
	}
	m.watching[orderID] = true
	ctx := m.ctx
	m.mu.Unlock()

	watcherGauge.Inc()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer watcherGauge.Dec()
		defer func() {
			m.mu.Lock()
			delete(m.watching, orderID)
			m.mu.Unlock()
		}()
		m.watch(ctx, orderID, tradeID)
	}()
	return true
}

// Watching reports the current watcher count
func (m *Monitor) Watching() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watching)
}

// Wait blocks until all watchers have exited
func (m *Monitor) Wait() {
	m.wg.Wait()
}

func (m *Monitor) watch(ctx context.Context, orderID string, tradeID uuid.UUID) {
	deadline := time.NewTimer(m.cfg.MaxDuration)
	defer deadline.Stop()
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			// Still unresolved; the sweeper owns it from here.
			m.logger.Warn().
				Str("order_id", orderID).
				Dur("after", m.cfg.MaxDuration).
				Msg("Watcher timed out, order left pending")
			return
		case <-ticker.C:
			if done := m.poll(ctx, orderID, tradeID); done {
				return
			}
		}
	}
}

// poll checks the order once. Returns true when the trade no longer
// needs watching.
func (m *Monitor) poll(ctx context.Context, orderID string, tradeID uuid.UUID) bool {
	trade, err := m.st.GetTrade(ctx, tradeID)
	if err != nil {
		m.logger.Error().Err(err).Str("trade_id", tradeID.String()).Msg("Watcher failed to load trade")
		return true
	}
	if trade.Status != store.TradeStatusPending {
		return true
	}

	status, err := m.api.GetOrderStatus(ctx, orderID)
	if err != nil {
		m.logger.Debug().Err(err).Str("order_id", orderID).Msg("Order status poll failed")
		return false
	}
	if !status.State.IsTerminal() {
		return false
	}

	if _, err := applyTerminal(ctx, m.st, m.eventBus, trade, status, m.observer, m.logger); err != nil {
		m.logger.Error().Err(err).Str("order_id", orderID).Msg("Failed to apply terminal order status")
		return false
	}
	return true
}
