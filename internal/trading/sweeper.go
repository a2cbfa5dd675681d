package trading

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/coinflux/coinflux/internal/bus"
	"github.com/coinflux/coinflux/internal/store"
)

// SweeperConfig tunes reconciliation
type SweeperConfig struct {
	Interval            time.Duration // default 30s
	Grace               time.Duration // pending younger than this is the monitor's business
	StaleAlertThreshold time.Duration // default 10m
	DrainTimeout        time.Duration // shutdown budget for the final pass
}

// DefaultSweeperConfig returns production defaults
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval:            30 * time.Second,
		Grace:               10 * time.Second,
		StaleAlertThreshold: 10 * time.Minute,
		DrainTimeout:        10 * time.Second,
	}
}

var (
	sweeperMetricsOnce sync.Once
	syncIssues         *prometheus.CounterVec
)

func initSweeperMetrics() {
	sweeperMetricsOnce.Do(func() {
		syncIssues = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sweeper_sync_issues_total",
				Help: "Reconciliation findings by kind",
			},
			[]string{"kind"},
		)
	})
}

// Sweeper is the reconciliation backstop: on a schedule it re-checks
// every pending trade past a grace age against the exchange, closing
// what the monitor missed and alerting on orders that have been stale
// long enough to signal systemic trouble.
type Sweeper struct {
	st       store.Store
	api      OrderAPI
	eventBus *bus.Bus
	observer FillObserver
	cfg      SweeperConfig
	logger   zerolog.Logger
}

// NewSweeper creates a sweeper. observer may be nil.
func NewSweeper(st store.Store, api OrderAPI, eventBus *bus.Bus, observer FillObserver, cfg SweeperConfig, logger zerolog.Logger) *Sweeper {
	initSweeperMetrics()
	def := DefaultSweeperConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Grace <= 0 {
		cfg.Grace = def.Grace
	}
	if cfg.StaleAlertThreshold <= 0 {
		cfg.StaleAlertThreshold = def.StaleAlertThreshold
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}
	return &Sweeper{
		st:       st,
		api:      api,
		eventBus: eventBus,
		observer: observer,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run sweeps on the configured interval until the context is cancelled,
// then runs one final bounded pass so shutdown does not strand orders.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), s.cfg.DrainTimeout)
			s.Sweep(drainCtx)
			cancel()
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one reconciliation pass. Idempotent over already-terminal
// trades.
func (s *Sweeper) Sweep(ctx context.Context) {
	pending, err := s.st.PendingOlderThan(ctx, s.cfg.Grace)
	if err != nil {
		s.logger.Error().Err(err).Msg("Sweeper failed to list pending trades")
		return
	}
	if len(pending) == 0 {
		return
	}

	s.logger.Debug().Int("count", len(pending)).Msg("Sweeping pending trades")

	for _, trade := range pending {
		if ctx.Err() != nil {
			return
		}
		s.reconcile(ctx, trade)
	}
}

func (s *Sweeper) reconcile(ctx context.Context, trade *store.Trade) {
	age := time.Since(trade.CreatedAt)

	if age >= s.cfg.StaleAlertThreshold {
		// StaleOrderAlert: long-lived pending orders mean the sync
		// pipeline itself is sick.
		s.logger.Warn().
			Str("trade_id", trade.ID.String()).
			Str("order_id", trade.OrderID).
			Dur("age", age).
			Msg("Stale pending order")
		syncIssues.WithLabelValues("stale_order").Inc()
		s.eventBus.Publish(bus.Event{
			Topic: bus.TopicSyncIssue,
			Payload: bus.SyncIssueEvent{
				Kind:    "stale_order",
				OrderID: trade.OrderID,
				TradeID: trade.ID,
				Pair:    trade.ProductID,
				Age:     age,
				Detail:  "pending past stale threshold",
			},
		})
	}

	status, err := s.api.GetOrderStatus(ctx, trade.OrderID)
	if err != nil {
		s.logger.Debug().Err(err).Str("order_id", trade.OrderID).Msg("Sweeper status fetch failed")
		return
	}

	closed, err := applyTerminal(ctx, s.st, s.eventBus, trade, status, s.observer, s.logger)
	if err != nil {
		s.logger.Error().Err(err).Str("order_id", trade.OrderID).Msg("Sweeper failed to resolve trade")
		return
	}
	if closed {
		// The monitor should have caught this; count it so the gap is
		// visible.
		syncIssues.WithLabelValues("sweeper_closed").Inc()
		s.eventBus.Publish(bus.Event{
			Topic: bus.TopicSyncIssue,
			Payload: bus.SyncIssueEvent{
				Kind:    "sweeper_closed",
				OrderID: trade.OrderID,
				TradeID: trade.ID,
				Pair:    trade.ProductID,
				Age:     age,
				Detail:  "resolved by sweeper instead of monitor",
			},
		})
	}
}
