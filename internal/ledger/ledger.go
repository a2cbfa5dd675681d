package ledger

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/coinflux/coinflux/internal/exchange"
	"github.com/coinflux/coinflux/internal/store"
)

// TickerSource provides current prices for unrealized P&L.
// *exchange.Gateway satisfies it.
type TickerSource interface {
	GetTicker(ctx context.Context, pair string) (*exchange.Ticker, error)
}

// Position is the derived state for one pair. Everything here is a pure
// function of the completed trade log; nothing is stored.
type Position struct {
	Pair             string  `json:"pair"`
	CryptoBalance    float64 `json:"crypto_balance"`
	USDInvested      float64 `json:"usd_invested"` // cost basis of outstanding lots
	RealizedPnLUSD   float64 `json:"realized_pnl_usd"`
	AvgCostBasis     float64 `json:"avg_cost_basis"`
	UnrealizedPnLUSD float64 `json:"unrealized_pnl_usd"`
	CurrentPrice     float64 `json:"current_price"`
	CurrentValueUSD  float64 `json:"current_value_usd"`
	TradeCount       int     `json:"trade_count"`
}

// Totals aggregates positions across all pairs
type Totals struct {
	Positions        []Position `json:"positions"`
	USDInvested      float64    `json:"usd_invested"`
	RealizedPnLUSD   float64    `json:"realized_pnl_usd"`
	UnrealizedPnLUSD float64    `json:"unrealized_pnl_usd"`
	CurrentValueUSD  float64    `json:"current_value_usd"`
}

// Verdict is the data-integrity result of Validate
type Verdict string

const (
	VerdictOK         Verdict = "OK"
	VerdictSuspicious Verdict = "SUSPICIOUS"
)

// Validation cross-checks derived totals against a ground-truth deposit
// figure.
type Validation struct {
	Verdict          Verdict `json:"data_integrity"`
	TotalBuysUSD     float64 `json:"total_buys_usd"`
	KnownDepositsUSD float64 `json:"known_deposits_usd"`
	CeilingUSD       float64 `json:"ceiling_usd"`
}

// Ledger exposes portfolio state derived from the trade log. The ticker
// source may be nil; unrealized figures are then zero.
type Ledger struct {
	st      store.Store
	tickers TickerSource
	logger  zerolog.Logger
}

// New creates a ledger
func New(st store.Store, tickers TickerSource, logger zerolog.Logger) *Ledger {
	return &Ledger{st: st, tickers: tickers, logger: logger}
}

type lot struct {
	size    float64 // base units outstanding
	costUSD float64 // original cost of the outstanding size
}

// computePosition folds completed trades, oldest first, into a position.
// Matching is FIFO: each sell consumes the oldest outstanding buy lots at
// their original prices. Trade.SizeUSD is the only USD authority; size
// times price is never used.
func computePosition(pair string, trades []*store.Trade, logger zerolog.Logger) Position {
	pos := Position{Pair: pair}
	var lots []lot

	for _, t := range trades {
		pos.TradeCount++
		switch t.Side {
		case store.SideBuy:
			lots = append(lots, lot{size: t.SizeCrypto, costUSD: t.SizeUSD})
			pos.CryptoBalance += t.SizeCrypto
		case store.SideSell:
			remaining := t.SizeCrypto
			pos.CryptoBalance -= t.SizeCrypto
			for remaining > 1e-12 && len(lots) > 0 {
				oldest := &lots[0]
				consumed := math.Min(remaining, oldest.size)
				costShare := oldest.costUSD * (consumed / oldest.size)
				proceedsShare := t.SizeUSD * (consumed / t.SizeCrypto)
				pos.RealizedPnLUSD += proceedsShare - costShare

				oldest.costUSD -= costShare
				oldest.size -= consumed
				remaining -= consumed
				if oldest.size <= 1e-12 {
					lots = lots[1:]
				}
			}
			if remaining > 1e-12 {
				// Sold more than the recorded buys cover; the excess
				// has no basis and counts as pure proceeds.
				logger.Warn().
					Str("pair", pair).
					Str("trade_id", t.ID.String()).
					Float64("unmatched_size", remaining).
					Msg("Sell exceeds outstanding lots")
				pos.RealizedPnLUSD += t.SizeUSD * (remaining / t.SizeCrypto)
			}
		}
	}

	for _, l := range lots {
		pos.USDInvested += l.costUSD
	}
	if pos.CryptoBalance > 1e-12 && pos.USDInvested > 0 {
		pos.AvgCostBasis = pos.USDInvested / pos.CryptoBalance
	}
	return pos
}

// Position derives the current position for one pair
func (l *Ledger) Position(ctx context.Context, pair string) (*Position, error) {
	trades, err := l.st.CompletedTradesByPair(ctx, pair)
	if err != nil {
		return nil, fmt.Errorf("failed to load trades for %s: %w", pair, err)
	}

	pos := computePosition(pair, trades, l.logger)
	l.markToMarket(ctx, &pos)
	return &pos, nil
}

// markToMarket fills the unrealized fields when a price is available
func (l *Ledger) markToMarket(ctx context.Context, pos *Position) {
	if l.tickers == nil || pos.CryptoBalance <= 1e-12 {
		return
	}
	ticker, err := l.tickers.GetTicker(ctx, pos.Pair)
	if err != nil {
		l.logger.Debug().Err(err).Str("pair", pos.Pair).Msg("No current price for unrealized P&L")
		return
	}
	pos.CurrentPrice = ticker.Price
	pos.CurrentValueUSD = pos.CryptoBalance * ticker.Price
	pos.UnrealizedPnLUSD = pos.CurrentValueUSD - pos.USDInvested
}

// Totals sums positions across every pair seen in completed trades
func (l *Ledger) Totals(ctx context.Context) (*Totals, error) {
	trades, err := l.st.ListTrades(ctx, store.TradeFilter{Status: store.TradeStatusCompleted})
	if err != nil {
		return nil, fmt.Errorf("failed to load completed trades: %w", err)
	}

	pairs := make(map[string]bool)
	for _, t := range trades {
		pairs[t.ProductID] = true
	}

	totals := &Totals{}
	for pair := range pairs {
		pos, err := l.Position(ctx, pair)
		if err != nil {
			return nil, err
		}
		totals.Positions = append(totals.Positions, *pos)
		totals.USDInvested += pos.USDInvested
		totals.RealizedPnLUSD += pos.RealizedPnLUSD
		totals.UnrealizedPnLUSD += pos.UnrealizedPnLUSD
		totals.CurrentValueUSD += pos.CurrentValueUSD
	}
	return totals, nil
}

// Validate cross-checks total buy volume against known deposits. A total
// above max(2 x deposits, deposits + 100) marks the data suspicious,
// typically a sign of sizing-unit confusion upstream.
func (l *Ledger) Validate(ctx context.Context, knownDepositsUSD float64) (*Validation, error) {
	trades, err := l.st.ListTrades(ctx, store.TradeFilter{Status: store.TradeStatusCompleted})
	if err != nil {
		return nil, fmt.Errorf("failed to load completed trades: %w", err)
	}

	var totalBuys float64
	for _, t := range trades {
		if t.Side == store.SideBuy {
			totalBuys += t.SizeUSD
		}
	}

	ceiling := math.Max(2*knownDepositsUSD, knownDepositsUSD+100)
	v := &Validation{
		Verdict:          VerdictOK,
		TotalBuysUSD:     totalBuys,
		KnownDepositsUSD: knownDepositsUSD,
		CeilingUSD:       ceiling,
	}
	if totalBuys > ceiling {
		v.Verdict = VerdictSuspicious
		l.logger.Warn().
			Float64("total_buys_usd", totalBuys).
			Float64("ceiling_usd", ceiling).
			Msg("Trade volume exceeds plausible deposits")
	}
	return v, nil
}
