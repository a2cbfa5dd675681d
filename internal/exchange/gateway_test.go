package exchange

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinflux/coinflux/internal/bus"
)

type fakeAPI struct {
	mu           sync.Mutex
	tickerCalls  int
	ticker       *Ticker
	tickerErr    error
	accountCalls int
	accounts     []Balance
	accountsErr  error
}

func (f *fakeAPI) Ticker(_ context.Context, pair string) (*Ticker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tickerCalls++
	if f.tickerErr != nil {
		return nil, f.tickerErr
	}
	t := *f.ticker
	t.Pair = pair
	return &t, nil
}

func (f *fakeAPI) Candles(_ context.Context, _ string, _, _ int) ([]Candle, error) {
	return nil, nil
}

func (f *fakeAPI) Accounts(_ context.Context) ([]Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accountCalls++
	if f.accountsErr != nil {
		return nil, f.accountsErr
	}
	return f.accounts, nil
}

func (f *fakeAPI) PlaceMarketOrder(_ context.Context, _ string, _ Side, _ float64) (*OrderAck, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeAPI) OrderStatus(_ context.Context, _ string) (*OrderStatus, error) {
	return nil, ErrOrderNotFound
}

func newTestGateway(api API) *Gateway {
	cfg := DefaultGatewayConfig()
	cfg.Retry = RetryConfig{MaxAttempts: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffFactor: 1, Budget: time.Second}
	return NewGateway(api, bus.New(0), cfg, zerolog.Nop())
}

func TestGetTickerPrefersStreamedValue(t *testing.T) {
	api := &fakeAPI{ticker: &Ticker{Price: 100}}
	g := newTestGateway(api)

	g.applyStreamedTicker(Ticker{Pair: "BTC-USD", Price: 50000, Time: time.Now()})

	ticker, err := g.GetTicker(context.Background(), "BTC-USD")
	require.NoError(t, err)
	assert.Equal(t, 50000.0, ticker.Price)
	assert.Equal(t, 0, api.tickerCalls, "streamed value should not trigger REST")
}

func TestGetTickerFallsBackToREST(t *testing.T) {
	api := &fakeAPI{ticker: &Ticker{Price: 51000, Time: time.Now()}}
	g := newTestGateway(api)

	ticker, err := g.GetTicker(context.Background(), "BTC-USD")
	require.NoError(t, err)
	assert.Equal(t, 51000.0, ticker.Price)
	assert.Equal(t, 1, api.tickerCalls)

	// Second call inside the TTL hits the cache.
	_, err = g.GetTicker(context.Background(), "BTC-USD")
	require.NoError(t, err)
	assert.Equal(t, 1, api.tickerCalls)
}

func TestGetTickerStaleOnError(t *testing.T) {
	api := &fakeAPI{tickerErr: errors.New("boom")}
	g := newTestGateway(api)

	g.applyStreamedTicker(Ticker{Pair: "BTC-USD", Price: 50000, Time: time.Now()})
	g.mu.Lock()
	g.tickerAt["BTC-USD"] = time.Now().Add(-30 * time.Second)
	g.mu.Unlock()

	// Past the TTL but inside max_staleness: degrade to the stale value.
	ticker, err := g.GetTicker(context.Background(), "BTC-USD")
	require.NoError(t, err)
	assert.Equal(t, 50000.0, ticker.Price)
}

func TestGetTickerStaleTickerError(t *testing.T) {
	api := &fakeAPI{tickerErr: errors.New("boom")}
	g := newTestGateway(api)

	g.applyStreamedTicker(Ticker{Pair: "BTC-USD", Price: 50000, Time: time.Now()})
	g.mu.Lock()
	g.tickerAt["BTC-USD"] = time.Now().Add(-2 * time.Minute)
	g.mu.Unlock()

	_, err := g.GetTicker(context.Background(), "BTC-USD")
	var stale *StaleTickerError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, "BTC-USD", stale.Pair)
}

func TestGetAccountsCachesAndTranslates(t *testing.T) {
	api := &fakeAPI{accounts: []Balance{
		{Currency: "BTC", Available: 0.5},
		{Currency: "USD", Available: 1000, IsCash: true},
	}}
	g := newTestGateway(api)

	balances, err := g.GetAccounts(context.Background())
	require.NoError(t, err)
	require.Len(t, balances, 2)

	usd, err := g.AvailableUSD(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1000.0, usd)
	assert.Equal(t, 1, api.accountCalls, "second read should come from cache")
}

func TestGetAccountsPrefersStreamedSnapshot(t *testing.T) {
	api := &fakeAPI{accounts: []Balance{{Currency: "USD", Available: 1, IsCash: true}}}
	g := newTestGateway(api)

	g.applyStreamedAccounts([]Balance{{Currency: "USD", Available: 2000, IsCash: true}})

	usd, err := g.AvailableUSD(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2000.0, usd)
	assert.Equal(t, 0, api.accountCalls)
}

func TestFilledUSDHonorsSizeInQuote(t *testing.T) {
	quoteSized := &OrderStatus{FilledSize: 500, FilledPrice: 50000, SizeInQuote: true}
	assert.Equal(t, 500.0, quoteSized.FilledUSD())
	assert.InDelta(t, 0.01, quoteSized.BaseSize(), 1e-9)

	baseSized := &OrderStatus{FilledSize: 0.01, FilledPrice: 50000, SizeInQuote: false}
	assert.Equal(t, 500.0, baseSized.FilledUSD())
	assert.Equal(t, 0.01, baseSized.BaseSize())
}

func TestWithRetryAuthNotRetried(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), DefaultRetryConfig(), "op", func(context.Context) error {
		calls++
		return &httpError{Status: 401, Body: "unauthorized"}
	})

	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, 1, calls)
}

func TestWithRetryTransientExhausted(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffFactor: 1, Budget: time.Second}
	calls := 0
	err := withRetry(context.Background(), cfg, "op", func(context.Context) error {
		calls++
		return &httpError{Status: 503, Body: "unavailable"}
	})

	var te *TransientExchangeError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 3, calls)
}

func TestWithRetrySucceedsAfterRetry(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffFactor: 1, Budget: time.Second}
	calls := 0
	err := withRetry(context.Background(), cfg, "op", func(context.Context) error {
		calls++
		if calls < 2 {
			return &httpError{Status: 500, Body: "oops"}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}
