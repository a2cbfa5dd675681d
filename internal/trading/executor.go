package trading

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/coinflux/coinflux/internal/bus"
	"github.com/coinflux/coinflux/internal/exchange"
	"github.com/coinflux/coinflux/internal/locker"
	"github.com/coinflux/coinflux/internal/signal"
	"github.com/coinflux/coinflux/internal/store"
)

// ExecutorConfig tunes trade execution
type ExecutorConfig struct {
	MutexTTL      time.Duration // default 30s
	ProbeInterval time.Duration // default 500ms
	ProbeCount    int           // default 10
}

// DefaultExecutorConfig returns production defaults. The probe budget
// (count x interval = 5s) must stay well inside the mutex TTL.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MutexTTL:      30 * time.Second,
		ProbeInterval: 500 * time.Millisecond,
		ProbeCount:    10,
	}
}

// Executor places approved trades exactly once. All exchange interaction
// for a bot happens under that bot's distributed mutex, so concurrent
// workers cannot double-trade.
type Executor struct {
	st       store.Store
	api      OrderAPI
	decider  *Decider
	locks    *locker.Locker
	monitor  *Monitor
	eventBus *bus.Bus
	observer FillObserver
	cfg      ExecutorConfig
	logger   zerolog.Logger
}

// NewExecutor creates an executor. observer may be nil.
func NewExecutor(st store.Store, api OrderAPI, decider *Decider, locks *locker.Locker, monitor *Monitor, eventBus *bus.Bus, observer FillObserver, cfg ExecutorConfig, logger zerolog.Logger) *Executor {
	if cfg.MutexTTL <= 0 {
		cfg.MutexTTL = DefaultExecutorConfig().MutexTTL
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = DefaultExecutorConfig().ProbeInterval
	}
	if cfg.ProbeCount <= 0 {
		cfg.ProbeCount = DefaultExecutorConfig().ProbeCount
	}
	return &Executor{
		st:       st,
		api:      api,
		decider:  decider,
		locks:    locks,
		monitor:  monitor,
		eventBus: eventBus,
		observer: observer,
		cfg:      cfg,
		logger:   logger,
	}
}

// ExecuteConfirmed implements signal.ConfirmedHandler. Rejections and
// busy locks are normal operation, logged and dropped; the confirmation
// reset is the runner's job either way.
func (e *Executor) ExecuteConfirmed(ctx context.Context, bot *store.Bot, action signal.Action, combined float64) {
	trade, err := e.Execute(ctx, bot.ID, action, combined)
	if err != nil {
		var busy *BusyError
		var rej *RejectedError
		switch {
		case errors.As(err, &busy):
			e.logger.Info().Str("bot", bot.Name).Msg("Trade mutex held, decision discarded")
		case errors.As(err, &rej):
			e.logger.Info().Str("bot", bot.Name).Str("reason", string(rej.Reason)).Msg("Confirmed signal rejected by gates")
		default:
			e.logger.Error().Err(err).Str("bot", bot.Name).Msg("Trade execution failed")
		}
		return
	}
	e.logger.Info().
		Str("bot", bot.Name).
		Str("trade_id", trade.ID.String()).
		Str("status", string(trade.Status)).
		Float64("size_usd", trade.SizeUSD).
		Msg("Trade executed")
}

// Execute runs the full execution sequence for one confirmed action
// under the bot's trade mutex.
func (e *Executor) Execute(ctx context.Context, botID uuid.UUID, action signal.Action, combined float64) (*store.Trade, error) {
	var trade *store.Trade
	err := e.locks.Do(ctx, "trade:"+botID.String(), e.cfg.MutexTTL, func(ctx context.Context) error {
		var err error
		trade, err = e.executeLocked(ctx, botID, action, combined)
		return err
	})
	if errors.Is(err, locker.ErrLockHeld) {
		return nil, &BusyError{BotID: botID.String()}
	}
	if err != nil {
		return nil, err
	}
	return trade, nil
}

func (e *Executor) executeLocked(ctx context.Context, botID uuid.UUID, action signal.Action, combined float64) (*store.Trade, error) {
	// State may have moved between decision and lock acquisition;
	// reload and re-run the gates.
	bot, err := e.st.GetBot(ctx, botID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload bot: %w", err)
	}
	decision, err := e.decider.Decide(ctx, bot, action)
	if err != nil {
		return nil, fmt.Errorf("gate re-check failed: %w", err)
	}
	if !decision.Approved {
		return nil, &RejectedError{Reason: decision.Reason}
	}

	side := exchange.SideBuy
	if action == signal.ActionSell {
		side = exchange.SideSell
	}

	ack, err := e.api.PlaceMarketOrder(ctx, bot.Pair, side, decision.SizeUSD)
	if err != nil {
		e.eventBus.Publish(bus.Event{
			Topic: bus.TopicSyncIssue,
			Payload: bus.SyncIssueEvent{
				Kind:   "execution_failed",
				Pair:   bot.Pair,
				Detail: err.Error(),
			},
		})
		return nil, &ExecutionError{Pair: bot.Pair, Err: err}
	}

	status := e.probeImmediateFill(ctx, ack.OrderID)

	trade := &store.Trade{
		ID:          uuid.New(),
		OrderID:     ack.OrderID,
		TriggeredBy: bot.TriggeredBy(),
		ProductID:   bot.Pair,
		Side:        store.Side(side),
		Status:      store.TradeStatusPending,
		SignalContext: map[string]interface{}{
			"combined_score": combined,
			"action":         string(action),
		},
		CreatedAt: time.Now(),
	}

	if status != nil && status.State == exchange.OrderFilled {
		now := time.Now()
		trade.Status = store.TradeStatusCompleted
		trade.SizeUSD = status.FilledUSD()
		trade.SizeCrypto = status.BaseSize()
		trade.Price = status.FilledPrice
		trade.CommissionUSD = status.CommissionUSD
		trade.FilledAt = &now
	} else if status != nil && status.State.IsTerminal() {
		// Cancelled or rejected straight out of the gate.
		to, _ := terminalStatus(status.State)
		trade.Status = to
		trade.SizeUSD = decision.SizeUSD
		trade.Price = ack.Price
	} else {
		// Record the acknowledged economics; the fill will correct them.
		trade.SizeUSD = decision.SizeUSD
		trade.Price = ack.Price
		if ack.Price > 0 {
			trade.SizeCrypto = decision.SizeUSD / ack.Price
		}
	}

	if err := e.st.InsertTrade(ctx, trade); err != nil {
		// A placed order must never go unrecorded; surface loudly so the
		// operator can reconcile by hand.
		e.logger.Error().
			Err(err).
			Str("order_id", ack.OrderID).
			Str("pair", bot.Pair).
			Msg("ORDER PLACED BUT NOT RECORDED")
		e.eventBus.Publish(bus.Event{
			Topic: bus.TopicSyncIssue,
			Payload: bus.SyncIssueEvent{
				Kind:    "unrecorded_order",
				OrderID: ack.OrderID,
				Pair:    bot.Pair,
				Detail:  err.Error(),
			},
		})
		return nil, fmt.Errorf("failed to record trade for order %s: %w", ack.OrderID, err)
	}

	publishTradeStatus(e.eventBus, trade)

	if trade.Status == store.TradeStatusCompleted {
		if e.observer != nil {
			e.observer.TradeCompleted(ctx, trade)
		}
	} else if trade.Status == store.TradeStatusPending {
		e.eventBus.Publish(bus.Event{
			Topic: bus.TopicPendingOrder,
			Payload: bus.PendingOrderEvent{
				TradeID: trade.ID,
				OrderID: trade.OrderID,
				Pair:    trade.ProductID,
				BotID:   botIDFromAttribution(trade.TriggeredBy),
			},
		})
		// Register with the monitor before the mutex releases so no
		// window exists where the order is tracked by nobody.
		if e.monitor != nil {
			e.monitor.Watch(trade.OrderID, trade.ID)
		}
	}

	return trade, nil
}

// probeImmediateFill polls the order briefly after placement. Market
// orders usually fill at once; catching that here avoids a pending round
// trip through the monitor. Probe errors are tolerated.
func (e *Executor) probeImmediateFill(ctx context.Context, orderID string) *exchange.OrderStatus {
	for i := 0; i < e.cfg.ProbeCount; i++ {
		status, err := e.api.GetOrderStatus(ctx, orderID)
		if err == nil && status.State.IsTerminal() {
			return status
		}
		if i == e.cfg.ProbeCount-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(e.cfg.ProbeInterval):
		}
	}
	return nil
}
