package exchange

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Paper is an in-memory exchange for test mode. Orders never leave the
// process: they fill automatically after a configurable delay, with
// simulated slippage and fees, against balances seeded by the caller.
type Paper struct {
	mu        sync.Mutex
	prices    map[string]Ticker
	candles   map[string][]Candle
	balances  map[string]float64
	orders    map[string]*paperOrder
	fillDelay time.Duration
	feeRate   float64
	slippage  float64
	logger    zerolog.Logger
	now       func() time.Time
}

type paperOrder struct {
	id       string
	pair     string
	side     Side
	sizeUSD  float64
	placedAt time.Time
	filled   bool
	fill     OrderStatus
}

// NewPaper creates a paper exchange. fillDelay of zero means every order
// fills on the first status poll.
func NewPaper(fillDelay time.Duration, logger zerolog.Logger) *Paper {
	return &Paper{
		prices:    make(map[string]Ticker),
		candles:   make(map[string][]Candle),
		balances:  map[string]float64{"USD": 10000},
		orders:    make(map[string]*paperOrder),
		fillDelay: fillDelay,
		feeRate:   0.006,
		slippage:  0.001,
		logger:    logger,
		now:       time.Now,
	}
}

// SetPrice seeds or moves the market for a pair
func (p *Paper) SetPrice(pair string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[pair] = Ticker{Pair: pair, Price: price, Bid: price, Ask: price, Time: p.now()}
}

// SetCandles seeds the candle history returned for a pair
func (p *Paper) SetCandles(pair string, candles []Candle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candles[pair] = append([]Candle(nil), candles...)
}

// SetBalance seeds an account balance
func (p *Paper) SetBalance(currency string, amount float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balances[currency] = amount
}

// SetClock overrides the time source, for tests
func (p *Paper) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

// Ticker returns the seeded price for a pair
func (p *Paper) Ticker(_ context.Context, pair string) (*Ticker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.prices[pair]
	if !ok {
		return nil, fmt.Errorf("unknown pair %s", pair)
	}
	t.Time = p.now()
	return &t, nil
}

// Candles returns the seeded history, truncated to limit
func (p *Paper) Candles(_ context.Context, pair string, _ int, limit int) ([]Candle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	candles, ok := p.candles[pair]
	if !ok {
		return nil, fmt.Errorf("no candles for %s", pair)
	}
	if limit > 0 && len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	return append([]Candle(nil), candles...), nil
}

// Accounts returns current balances in the uniform shape
func (p *Paper) Accounts(_ context.Context) ([]Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	balances := make([]Balance, 0, len(p.balances))
	for currency, available := range p.balances {
		balances = append(balances, Balance{
			Currency:  currency,
			Available: available,
			IsCash:    currency == "USD",
		})
	}
	return balances, nil
}

// PlaceMarketOrder accepts an order against seeded balances. The ack
// reports the quote-denominated size, matching how a real exchange
// answers a quote-sized market order.
func (p *Paper) PlaceMarketOrder(_ context.Context, pair string, side Side, sizeUSD float64) (*OrderAck, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ticker, ok := p.prices[pair]
	if !ok {
		return nil, fmt.Errorf("unknown pair %s", pair)
	}
	if sizeUSD <= 0 {
		return nil, fmt.Errorf("invalid order size %v", sizeUSD)
	}

	base := baseCurrency(pair)
	switch side {
	case SideBuy:
		if p.balances["USD"] < sizeUSD {
			return nil, fmt.Errorf("insufficient USD balance for %s buy of $%.2f", pair, sizeUSD)
		}
	case SideSell:
		needed := sizeUSD / ticker.Price
		if p.balances[base] < needed {
			return nil, fmt.Errorf("insufficient %s balance for sell of $%.2f", base, sizeUSD)
		}
	default:
		return nil, fmt.Errorf("invalid side %q", side)
	}

	order := &paperOrder{
		id:       uuid.NewString(),
		pair:     pair,
		side:     side,
		sizeUSD:  sizeUSD,
		placedAt: p.now(),
	}
	p.orders[order.id] = order

	p.logger.Debug().
		Str("order_id", order.id).
		Str("pair", pair).
		Str("side", string(side)).
		Float64("size_usd", sizeUSD).
		Msg("Paper order placed")

	return &OrderAck{
		OrderID:     order.id,
		Size:        sizeUSD,
		Price:       ticker.Price,
		SizeInQuote: true,
	}, nil
}

// OrderStatus reports open until the fill delay has elapsed, then settles
// the order against balances exactly once.
func (p *Paper) OrderStatus(_ context.Context, orderID string) (*OrderStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	order, ok := p.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if order.filled {
		status := order.fill
		return &status, nil
	}
	if p.now().Sub(order.placedAt) < p.fillDelay {
		return &OrderStatus{
			OrderID:     orderID,
			State:       OrderOpen,
			SizeInQuote: true,
		}, nil
	}

	p.settle(order)
	status := order.fill
	return &status, nil
}

// settle applies the fill to balances. Caller holds mu.
func (p *Paper) settle(order *paperOrder) {
	ticker := p.prices[order.pair]
	base := baseCurrency(order.pair)

	fillPrice := ticker.Price
	if order.side == SideBuy {
		fillPrice *= 1 + p.slippage
	} else {
		fillPrice *= 1 - p.slippage
	}
	commission := order.sizeUSD * p.feeRate
	baseSize := order.sizeUSD / fillPrice

	if order.side == SideBuy {
		p.balances["USD"] -= order.sizeUSD + commission
		p.balances[base] += baseSize
	} else {
		p.balances[base] -= baseSize
		p.balances["USD"] += order.sizeUSD - commission
	}

	order.filled = true
	order.fill = OrderStatus{
		OrderID:       order.id,
		State:         OrderFilled,
		FilledSize:    order.sizeUSD,
		FilledPrice:   fillPrice,
		CommissionUSD: commission,
		SizeInQuote:   true,
	}
}

func baseCurrency(pair string) string {
	if i := strings.Index(pair, "-"); i > 0 {
		return pair[:i]
	}
	return pair
}
