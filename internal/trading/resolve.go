package trading

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/coinflux/coinflux/internal/bus"
	"github.com/coinflux/coinflux/internal/exchange"
	"github.com/coinflux/coinflux/internal/store"
)

// OrderAPI is the exchange surface execution and reconciliation need.
// *exchange.Gateway satisfies it.
type OrderAPI interface {
	PlaceMarketOrder(ctx context.Context, pair string, side exchange.Side, sizeUSD float64) (*exchange.OrderAck, error)
	GetOrderStatus(ctx context.Context, orderID string) (*exchange.OrderStatus, error)
}

// FillObserver is notified once per trade that reaches completed.
// Safety counters hang off this.
type FillObserver interface {
	TradeCompleted(ctx context.Context, trade *store.Trade)
}

// terminalStatus maps an exchange order state to the trade status it
// lands in. Open states map to nothing.
func terminalStatus(state exchange.OrderState) (store.TradeStatus, bool) {
	switch state {
	case exchange.OrderFilled:
		return store.TradeStatusCompleted, true
	case exchange.OrderCancelled:
		return store.TradeStatusCancelled, true
	case exchange.OrderRejected:
		return store.TradeStatusFailed, true
	default:
		return "", false
	}
}

// botIDFromAttribution parses "bot:<uuid>" attributions; anything else
// (manual, sync) yields nil.
func botIDFromAttribution(triggeredBy string) *uuid.UUID {
	const prefix = "bot:"
	if !strings.HasPrefix(triggeredBy, prefix) {
		return nil
	}
	id, err := uuid.Parse(strings.TrimPrefix(triggeredBy, prefix))
	if err != nil {
		return nil
	}
	return &id
}

// publishTradeStatus fans out a trade's current state
func publishTradeStatus(b *bus.Bus, trade *store.Trade) {
	b.Publish(bus.Event{
		Topic: bus.TopicTradeStatus,
		Payload: bus.TradeStatusEvent{
			TradeID:  trade.ID,
			BotID:    botIDFromAttribution(trade.TriggeredBy),
			Pair:     trade.ProductID,
			Side:     string(trade.Side),
			Status:   string(trade.Status),
			OrderID:  trade.OrderID,
			SizeUSD:  trade.SizeUSD,
			FilledAt: trade.FilledAt,
		},
	})
}

// applyTerminal transitions a pending trade according to an exchange
// status. Returns true when this call performed the transition. Already
// terminal trades and lost status races are no-ops, which is what makes
// the monitor and sweeper idempotent.
func applyTerminal(ctx context.Context, st store.Store, b *bus.Bus, trade *store.Trade, status *exchange.OrderStatus, observer FillObserver, logger zerolog.Logger) (bool, error) {
	to, ok := terminalStatus(status.State)
	if !ok {
		return false, nil
	}
	if trade.Status != store.TradeStatusPending {
		return false, nil
	}

	var fill *store.Fill
	if to == store.TradeStatusCompleted {
		fill = &store.Fill{
			SizeUSD:       status.FilledUSD(),
			SizeCrypto:    status.BaseSize(),
			Price:         status.FilledPrice,
			CommissionUSD: status.CommissionUSD,
			FilledAt:      time.Now(),
		}
	}

	if err := st.TransitionTradeStatus(ctx, trade.ID, to, fill); err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			// Someone else already resolved it.
			return false, nil
		}
		return false, err
	}

	updated, err := st.GetTrade(ctx, trade.ID)
	if err != nil {
		updated = trade
		updated.Status = to
	}
	publishTradeStatus(b, updated)

	logger.Info().
		Str("trade_id", trade.ID.String()).
		Str("order_id", trade.OrderID).
		Str("pair", trade.ProductID).
		Str("status", string(to)).
		Msg("Trade resolved")

	if to == store.TradeStatusCompleted && observer != nil {
		observer.TradeCompleted(ctx, updated)
	}
	return true, nil
}
