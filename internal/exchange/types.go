package exchange

import (
	"context"
	"time"
)

// Side represents order direction
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderState is the exchange-side lifecycle of an order
type OrderState string

const (
	OrderOpen      OrderState = "open"
	OrderFilled    OrderState = "filled"
	OrderCancelled OrderState = "cancelled"
	OrderRejected  OrderState = "rejected"
)

// IsTerminal reports whether the exchange will never change this state again
func (s OrderState) IsTerminal() bool {
	return s == OrderFilled || s == OrderCancelled || s == OrderRejected
}

// Ticker is the latest known price for a pair
type Ticker struct {
	Pair  string    `json:"pair"`
	Price float64   `json:"price"`
	Bid   float64   `json:"bid,omitempty"`
	Ask   float64   `json:"ask,omitempty"`
	Time  time.Time `json:"time"`
}

// Candle is one OHLCV bar
type Candle struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Balance is one currency's available funds in the uniform shape the rest
// of the engine consumes. Fiat rows from the exchange's portfolio
// breakdown are translated into this shape with IsCash set.
type Balance struct {
	Currency  string  `json:"currency"`
	Available float64 `json:"available"`
	IsCash    bool    `json:"is_cash"`
}

// OrderAck is the exchange's acknowledgment of a placed order.
// SizeInQuote records how the exchange denominated Size: true means Size
// is already a quote-currency (USD) amount, false means base units.
type OrderAck struct {
	OrderID     string  `json:"order_id"`
	Size        float64 `json:"size"`
	Price       float64 `json:"price"`
	SizeInQuote bool    `json:"size_in_quote"`
}

// OrderStatus is the exchange's view of an order
type OrderStatus struct {
	OrderID       string     `json:"order_id"`
	State         OrderState `json:"state"`
	FilledSize    float64    `json:"filled_size"`
	FilledPrice   float64    `json:"filled_price"`
	CommissionUSD float64    `json:"commission_usd"`
	SizeInQuote   bool       `json:"size_in_quote"`
}

// FilledUSD returns the USD value of the fill as the exchange reported
// it. When the exchange sized the order in quote currency the filled size
// already is the USD amount; multiplying by price in that case overstates
// the value by orders of magnitude.
func (s *OrderStatus) FilledUSD() float64 {
	if s.SizeInQuote {
		return s.FilledSize
	}
	return s.FilledSize * s.FilledPrice
}

// BaseSize returns the base-asset amount of the fill
func (s *OrderStatus) BaseSize() float64 {
	if !s.SizeInQuote {
		return s.FilledSize
	}
	if s.FilledPrice <= 0 {
		return 0
	}
	return s.FilledSize / s.FilledPrice
}

// API is the raw exchange surface the gateway drives. The REST client and
// the paper exchange both implement it; everything above the gateway only
// ever sees *Gateway.
type API interface {
	Ticker(ctx context.Context, pair string) (*Ticker, error)
	Candles(ctx context.Context, pair string, granularity, limit int) ([]Candle, error)
	Accounts(ctx context.Context) ([]Balance, error)
	PlaceMarketOrder(ctx context.Context, pair string, side Side, sizeUSD float64) (*OrderAck, error)
	OrderStatus(ctx context.Context, orderID string) (*OrderStatus, error)
}
