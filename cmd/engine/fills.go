package main

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/coinflux/coinflux/internal/ledger"
	"github.com/coinflux/coinflux/internal/safety"
	"github.com/coinflux/coinflux/internal/store"
)

// fillRecorder bridges completed trades into the daily safety counters.
// Realized P&L is a property of the FIFO ledger, not of a single trade, so
// each fill is recorded as the delta of the pair's realized P&L since the
// previous fill.
type fillRecorder struct {
	safety    *safety.State
	portfolio *ledger.Ledger
	logger    zerolog.Logger

	mu       sync.Mutex
	realized map[string]float64 // pair -> last observed realized P&L
}

func newFillRecorder(safetyState *safety.State, portfolio *ledger.Ledger, logger zerolog.Logger) *fillRecorder {
	return &fillRecorder{
		safety:    safetyState,
		portfolio: portfolio,
		logger:    logger,
		realized:  make(map[string]float64),
	}
}

func (r *fillRecorder) TradeCompleted(ctx context.Context, trade *store.Trade) {
	pos, err := r.portfolio.Position(ctx, trade.ProductID)
	if err != nil {
		// Count the trade anyway so the daily trade cap stays honest.
		r.logger.Error().Err(err).
			Str("pair", trade.ProductID).
			Str("order_id", trade.OrderID).
			Msg("Failed to compute position after fill, recording trade with zero P&L")
		r.safety.RecordTrade(0)
		return
	}

	r.mu.Lock()
	delta := pos.RealizedPnLUSD - r.realized[trade.ProductID]
	r.realized[trade.ProductID] = pos.RealizedPnLUSD
	r.mu.Unlock()

	r.safety.RecordTrade(delta)
	r.logger.Info().
		Str("pair", trade.ProductID).
		Str("order_id", trade.OrderID).
		Float64("realized_pnl_delta_usd", delta).
		Msg("Recorded fill against daily limits")
}
