package trading

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/coinflux/coinflux/internal/exchange"
	"github.com/coinflux/coinflux/internal/safety"
	"github.com/coinflux/coinflux/internal/signal"
	"github.com/coinflux/coinflux/internal/store"
)

// Reason codes surfaced verbatim to the control API. Generic failures
// are not acceptable; every rejection names its gate.
type Reason string

const (
	ReasonBotNotRunning       Reason = "bot_not_running"
	ReasonPendingOrderExists  Reason = "pending_order_exists"
	ReasonCooldownActive      Reason = "cooldown_active"
	ReasonInsufficientBalance Reason = "insufficient_balance"
	ReasonBelowMinSell        Reason = "below_min_sell"
	ReasonEmergencyStop       Reason = "emergency_stop"
	ReasonDailyLimitReached   Reason = "daily_limit_reached"
	ReasonInvalidAction       Reason = "invalid_action"
)

// Decision is the decider's verdict. SizeUSD is set only when approved.
type Decision struct {
	Approved bool    `json:"approved"`
	Reason   Reason  `json:"reason,omitempty"`
	SizeUSD  float64 `json:"size_usd,omitempty"`
}

func rejected(reason Reason) *Decision {
	return &Decision{Reason: reason}
}

// ExchangeView is the read-only exchange surface the decider needs.
// *exchange.Gateway satisfies it.
type ExchangeView interface {
	GetAccounts(ctx context.Context) ([]exchange.Balance, error)
	GetTicker(ctx context.Context, pair string) (*exchange.Ticker, error)
}

// DeciderConfig tunes the decision gates
type DeciderConfig struct {
	MinOrderUSD  float64 // exchange minimum order value
	MinLotCrypto float64 // exchange minimum sell lot, in base units
}

// Decider applies the trade gates in order, with no side effects on the
// exchange. The first failing gate short-circuits with its reason code.
type Decider struct {
	st     store.Store
	view   ExchangeView
	safety *safety.State
	cfg    DeciderConfig
	logger zerolog.Logger
	now    func() time.Time
}

// NewDecider creates a decider
func NewDecider(st store.Store, view ExchangeView, safetyState *safety.State, cfg DeciderConfig, logger zerolog.Logger) *Decider {
	if cfg.MinOrderUSD <= 0 {
		cfg.MinOrderUSD = 5
	}
	return &Decider{
		st:     st,
		view:   view,
		safety: safetyState,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// SetClock overrides the time source, for tests
func (d *Decider) SetClock(now func() time.Time) { d.now = now }

// Decide runs the gates for a confirmed action. Gate order is fixed:
// running, pending, cooldown, balance, global safety, then sizing.
func (d *Decider) Decide(ctx context.Context, bot *store.Bot, action signal.Action) (*Decision, error) {
	if action != signal.ActionBuy && action != signal.ActionSell {
		return rejected(ReasonInvalidAction), nil
	}

	if bot.State != store.BotStateRunning {
		return rejected(ReasonBotNotRunning), nil
	}

	pending, err := d.st.PendingTrades(ctx, bot.TriggeredBy())
	if err != nil {
		return nil, fmt.Errorf("failed to check pending trades: %w", err)
	}
	if len(pending) > 0 {
		return rejected(ReasonPendingOrderExists), nil
	}

	if ok, err := d.cooldownElapsed(ctx, bot); err != nil {
		return nil, err
	} else if !ok {
		return rejected(ReasonCooldownActive), nil
	}

	availableUSD, availableCrypto, err := d.balances(ctx, bot.Pair)
	if err != nil {
		return nil, fmt.Errorf("failed to read balances: %w", err)
	}

	if bot.SkipOnLowBalance {
		switch action {
		case signal.ActionBuy:
			needed := math.Max(d.cfg.MinOrderUSD, bot.PositionSizeUSD*0.1)
			if availableUSD < needed {
				return rejected(ReasonInsufficientBalance), nil
			}
		case signal.ActionSell:
			// Dust below the exchange lot is as unsellable as zero.
			if availableCrypto <= 0 || availableCrypto < d.cfg.MinLotCrypto {
				return rejected(ReasonInsufficientBalance), nil
			}
		}
	}

	snap := d.safety.Snapshot()
	if snap.EmergencyStop {
		return rejected(ReasonEmergencyStop), nil
	}
	if snap.LossCapReached || snap.TradeCapReached {
		d.logger.Warn().
			Float64("daily_loss_usd", snap.DailyLossUSD).
			Int("daily_trades", snap.DailyTrades).
			Msg("Daily safety limit reached")
		return rejected(ReasonDailyLimitReached), nil
	}

	if action == signal.ActionBuy {
		return &Decision{Approved: true, SizeUSD: bot.PositionSizeUSD}, nil
	}

	// Sell sizing: never sell more than we hold, never more than the
	// configured position size.
	ticker, err := d.view.GetTicker(ctx, bot.Pair)
	if err != nil {
		return nil, fmt.Errorf("failed to price sell for %s: %w", bot.Pair, err)
	}
	sizeCrypto := math.Min(availableCrypto, bot.PositionSizeUSD/ticker.Price)
	sizeUSD := sizeCrypto * ticker.Price
	if sizeUSD < d.cfg.MinOrderUSD {
		return rejected(ReasonBelowMinSell), nil
	}
	return &Decision{Approved: true, SizeUSD: sizeUSD}, nil
}

// cooldownElapsed checks the time since the last fill, not placement.
// Unfilled trades never arm the cooldown; a bot that has never traded
// passes.
func (d *Decider) cooldownElapsed(ctx context.Context, bot *store.Bot) (bool, error) {
	if bot.CooldownSeconds <= 0 {
		return true, nil
	}
	last, err := d.st.LastCompletedTrade(ctx, bot.TriggeredBy())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return true, nil
		}
		return false, fmt.Errorf("failed to load last completed trade: %w", err)
	}
	if last.FilledAt == nil {
		return true, nil
	}
	return d.now().Sub(*last.FilledAt) >= time.Duration(bot.CooldownSeconds)*time.Second, nil
}

// balances returns the available USD and the available base asset for a
// pair.
func (d *Decider) balances(ctx context.Context, pair string) (usd, crypto float64, err error) {
	balances, err := d.view.GetAccounts(ctx)
	if err != nil {
		return 0, 0, err
	}
	base := pair
	if i := strings.Index(pair, "-"); i > 0 {
		base = pair[:i]
	}
	for _, b := range balances {
		if b.IsCash {
			usd += b.Available
		} else if b.Currency == base {
			crypto += b.Available
		}
	}
	return usd, crypto, nil
}
