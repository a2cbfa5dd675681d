package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/coinflux/coinflux/internal/bus"
)

// GatewayConfig tunes the gateway's caches and budgets
type GatewayConfig struct {
	StreamEndpoint  string
	TickerTTL       time.Duration // streamed ticker freshness window
	MaxStaleness    time.Duration // absolute ceiling before StaleTickerError
	AccountCacheTTL time.Duration
	RateLimit       float64 // sustained requests per second
	RateBurst       int
	Retry           RetryConfig
}

// DefaultGatewayConfig returns production defaults
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		TickerTTL:       10 * time.Second,
		MaxStaleness:    60 * time.Second,
		AccountCacheTTL: 60 * time.Second,
		RateLimit:       50,
		RateBurst:       10,
		Retry:           DefaultRetryConfig(),
	}
}

// Gateway is the single doorway to the exchange. It owns the streamed
// caches, the rate budget, retries and the circuit breaker; nothing else
// in the engine talks to the exchange directly.
type Gateway struct {
	api      API
	bus      *bus.Bus
	streamer *Streamer
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker
	sf       singleflight.Group
	cfg      GatewayConfig
	logger   zerolog.Logger

	mu               sync.RWMutex
	tickers          map[string]Ticker
	tickerAt         map[string]time.Time
	accounts         []Balance
	accountsAt       time.Time
	accountsStreamed bool
}

// NewGateway wraps the given raw API. The bus may not be nil; ticker
// updates fan out on it.
func NewGateway(api API, eventBus *bus.Bus, cfg GatewayConfig, logger zerolog.Logger) *Gateway {
	g := &Gateway{
		api:      api,
		bus:      eventBus,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		cfg:      cfg,
		logger:   logger,
		tickers:  make(map[string]Ticker),
		tickerAt: make(map[string]time.Time),
	}

	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "exchange",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 10 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	})

	if cfg.StreamEndpoint != "" {
		g.streamer = NewStreamer(cfg.StreamEndpoint, g.applyStreamedTicker, g.applyStreamedAccounts, logger)
	}
	return g
}

// StartStreaming subscribes to ticker and user channels for the given
// pairs. Idempotent; a no-op when no stream endpoint is configured.
func (g *Gateway) StartStreaming(ctx context.Context, pairs []string) {
	if g.streamer == nil {
		g.logger.Info().Msg("No stream endpoint configured, running REST-only")
		return
	}
	g.streamer.Start(ctx, pairs)
}

// StopStreaming tears down the subscription
func (g *Gateway) StopStreaming() {
	if g.streamer != nil {
		g.streamer.Stop()
	}
}

// applyStreamedTicker records a streamed ticker and fans it out on the bus
func (g *Gateway) applyStreamedTicker(t Ticker) {
	g.mu.Lock()
	g.tickers[t.Pair] = t
	g.tickerAt[t.Pair] = time.Now()
	g.mu.Unlock()

	g.bus.Publish(bus.Event{
		Topic: bus.TickerTopic(t.Pair),
		Payload: bus.TickerEvent{
			Pair:  t.Pair,
			Price: t.Price,
			Time:  t.Time,
		},
	})
}

// applyStreamedAccounts replaces the account snapshot from the user channel
func (g *Gateway) applyStreamedAccounts(balances []Balance) {
	g.mu.Lock()
	g.accounts = balances
	g.accountsAt = time.Now()
	g.accountsStreamed = true
	g.mu.Unlock()
}

// GetTicker returns the freshest known ticker for a pair. The streamed
// value wins while within ticker_ttl; otherwise one REST fetch per pair
// runs at a time and waiters share the result. A value older than
// max_staleness is refused with StaleTickerError.
func (g *Gateway) GetTicker(ctx context.Context, pair string) (*Ticker, error) {
	if t, age, ok := g.cachedTicker(pair); ok && age <= g.cfg.TickerTTL {
		return &t, nil
	}

	v, err, _ := g.sf.Do("ticker:"+pair, func() (interface{}, error) {
		// Re-check under singleflight; a waiter may find the leader
		// already refreshed it.
		if t, age, ok := g.cachedTicker(pair); ok && age <= g.cfg.TickerTTL {
			return &t, nil
		}
		var t *Ticker
		err := g.call(ctx, "GetTicker", func(ctx context.Context) error {
			var err error
			t, err = g.api.Ticker(ctx, pair)
			return err
		})
		if err != nil {
			return nil, err
		}
		g.mu.Lock()
		g.tickers[pair] = *t
		g.tickerAt[pair] = time.Now()
		g.mu.Unlock()
		return t, nil
	})
	if err == nil {
		return v.(*Ticker), nil
	}

	// REST failed; fall back to whatever we have if it is not too old.
	if t, age, ok := g.cachedTicker(pair); ok {
		if age <= g.cfg.MaxStaleness {
			return &t, nil
		}
		return nil, &StaleTickerError{Pair: pair, Age: age}
	}
	return nil, fmt.Errorf("failed to fetch ticker for %s: %w", pair, err)
}

func (g *Gateway) cachedTicker(pair string) (Ticker, time.Duration, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.tickers[pair]
	if !ok {
		return Ticker{}, 0, false
	}
	return t, time.Since(g.tickerAt[pair]), true
}

// GetCandles fetches OHLCV bars. Intended to be called through the market
// data cache, which owns TTL and coalescing for candles.
func (g *Gateway) GetCandles(ctx context.Context, pair string, granularity, limit int) ([]Candle, error) {
	var candles []Candle
	err := g.call(ctx, "GetCandles", func(ctx context.Context) error {
		var err error
		candles, err = g.api.Candles(ctx, pair, granularity, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	return candles, nil
}

// GetAccounts returns balances per currency. The streamed user-channel
// snapshot wins when present; otherwise REST results are cached for
// account_cache_ttl.
func (g *Gateway) GetAccounts(ctx context.Context) ([]Balance, error) {
	g.mu.RLock()
	if g.accounts != nil && (g.accountsStreamed || time.Since(g.accountsAt) <= g.cfg.AccountCacheTTL) {
		snapshot := append([]Balance(nil), g.accounts...)
		g.mu.RUnlock()
		return snapshot, nil
	}
	g.mu.RUnlock()

	v, err, _ := g.sf.Do("accounts", func() (interface{}, error) {
		var balances []Balance
		err := g.call(ctx, "GetAccounts", func(ctx context.Context) error {
			var err error
			balances, err = g.api.Accounts(ctx)
			return err
		})
		if err != nil {
			return nil, err
		}
		g.mu.Lock()
		g.accounts = balances
		g.accountsAt = time.Now()
		g.accountsStreamed = false
		g.mu.Unlock()
		return balances, nil
	})
	if err != nil {
		return nil, err
	}
	return append([]Balance(nil), v.([]Balance)...), nil
}

// AvailableUSD is a convenience lookup over GetAccounts
func (g *Gateway) AvailableUSD(ctx context.Context) (float64, error) {
	balances, err := g.GetAccounts(ctx)
	if err != nil {
		return 0, err
	}
	var usd float64
	for _, b := range balances {
		if b.IsCash {
			usd += b.Available
		}
	}
	return usd, nil
}

// PlaceMarketOrder submits a market order sized in quote currency
func (g *Gateway) PlaceMarketOrder(ctx context.Context, pair string, side Side, sizeUSD float64) (*OrderAck, error) {
	var ack *OrderAck
	err := g.call(ctx, "PlaceMarketOrder", func(ctx context.Context) error {
		var err error
		ack, err = g.api.PlaceMarketOrder(ctx, pair, side, sizeUSD)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ack, nil
}

// GetOrderStatus returns the exchange's view of an order
func (g *Gateway) GetOrderStatus(ctx context.Context, orderID string) (*OrderStatus, error) {
	var status *OrderStatus
	err := g.call(ctx, "GetOrderStatus", func(ctx context.Context) error {
		var err error
		status, err = g.api.OrderStatus(ctx, orderID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return status, nil
}

// CheckAuth verifies credentials with one authenticated call. Used at
// startup; an AuthError here aborts the engine.
func (g *Gateway) CheckAuth(ctx context.Context) error {
	_, err := g.GetAccounts(ctx)
	return err
}

// call applies the rate budget, the circuit breaker and the retry policy
// around one raw API call.
func (g *Gateway) call(ctx context.Context, op string, fn func(context.Context) error) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return &RateLimitedError{Op: op}
	}

	_, err := g.breaker.Execute(func() (interface{}, error) {
		return nil, withRetry(ctx, g.cfg.Retry, op, fn)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &TransientExchangeError{Op: op, Err: err}
	}
	return err
}
