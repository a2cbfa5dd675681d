package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// RESTClient talks to the exchange's HTTP API. It implements API and is
// only ever called through the Gateway, which owns rate limiting,
// retries and the circuit breaker.
type RESTClient struct {
	baseURL string
	key     string
	secret  string
	http    *http.Client
	logger  zerolog.Logger
}

// NewRESTClient creates a REST client for the given endpoint and credentials
func NewRESTClient(baseURL, key, secret string, logger zerolog.Logger) *RESTClient {
	return &RESTClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		key:     key,
		secret:  secret,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

type tickerResponse struct {
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
	Bid       string `json:"bid"`
	Ask       string `json:"ask"`
	Time      string `json:"time"`
}

type candleResponse struct {
	Start  int64  `json:"start"`
	Open   string `json:"open"`
	High   string `json:"high"`
	Low    string `json:"low"`
	Close  string `json:"close"`
	Volume string `json:"volume"`
}

// accountsResponse mirrors the exchange's portfolio breakdown: spot
// positions for crypto plus a separate cash section for fiat.
type accountsResponse struct {
	SpotPositions []struct {
		Currency  string `json:"currency"`
		Available string `json:"available"`
	} `json:"spot_positions"`
	Cash []struct {
		Currency  string `json:"currency"`
		Available string `json:"available"`
	} `json:"cash_balances"`
}

type orderResponse struct {
	OrderID     string `json:"order_id"`
	Status      string `json:"status"`
	FilledSize  string `json:"filled_size"`
	FilledPrice string `json:"average_filled_price"`
	Commission  string `json:"total_fees"`
	SizeInQuote bool   `json:"size_in_quote"`
}

// Ticker fetches the current ticker over REST
func (c *RESTClient) Ticker(ctx context.Context, pair string) (*Ticker, error) {
	var resp tickerResponse
	path := fmt.Sprintf("/v1/products/%s/ticker", pair)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	t, err := time.Parse(time.RFC3339, resp.Time)
	if err != nil {
		t = time.Now()
	}
	return &Ticker{
		Pair:  pair,
		Price: parseFloat(resp.Price),
		Bid:   parseFloat(resp.Bid),
		Ask:   parseFloat(resp.Ask),
		Time:  t,
	}, nil
}

// Candles fetches OHLCV bars over REST, oldest first
func (c *RESTClient) Candles(ctx context.Context, pair string, granularity, limit int) ([]Candle, error) {
	var resp struct {
		Candles []candleResponse `json:"candles"`
	}
	path := fmt.Sprintf("/v1/products/%s/candles?granularity=%d&limit=%d", pair, granularity, limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	candles := make([]Candle, 0, len(resp.Candles))
	for _, raw := range resp.Candles {
		candles = append(candles, Candle{
			Time:   time.Unix(raw.Start, 0).UTC(),
			Open:   parseFloat(raw.Open),
			High:   parseFloat(raw.High),
			Low:    parseFloat(raw.Low),
			Close:  parseFloat(raw.Close),
			Volume: parseFloat(raw.Volume),
		})
	}
	// The API returns newest first; callers expect chronological order.
	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}
	return candles, nil
}

// Accounts fetches balances, translating the portfolio breakdown into the
// uniform Balance shape so fiat and crypto come back through one path.
func (c *RESTClient) Accounts(ctx context.Context) ([]Balance, error) {
	var resp accountsResponse
	if err := c.do(ctx, http.MethodGet, "/v1/accounts", nil, &resp); err != nil {
		return nil, err
	}

	balances := make([]Balance, 0, len(resp.SpotPositions)+len(resp.Cash))
	for _, pos := range resp.SpotPositions {
		balances = append(balances, Balance{
			Currency:  pos.Currency,
			Available: parseFloat(pos.Available),
		})
	}
	for _, cash := range resp.Cash {
		balances = append(balances, Balance{
			Currency:  cash.Currency,
			Available: parseFloat(cash.Available),
			IsCash:    true,
		})
	}
	return balances, nil
}

// PlaceMarketOrder submits a market order sized in quote currency
func (c *RESTClient) PlaceMarketOrder(ctx context.Context, pair string, side Side, sizeUSD float64) (*OrderAck, error) {
	body := map[string]interface{}{
		"product_id": pair,
		"side":       string(side),
		"order_type": "market",
		"quote_size": strconv.FormatFloat(sizeUSD, 'f', 2, 64),
	}

	var resp orderResponse
	if err := c.do(ctx, http.MethodPost, "/v1/orders", body, &resp); err != nil {
		return nil, err
	}

	c.logger.Info().
		Str("order_id", resp.OrderID).
		Str("pair", pair).
		Str("side", string(side)).
		Float64("size_usd", sizeUSD).
		Msg("Market order placed")

	return &OrderAck{
		OrderID:     resp.OrderID,
		Size:        parseFloat(resp.FilledSize),
		Price:       parseFloat(resp.FilledPrice),
		SizeInQuote: resp.SizeInQuote,
	}, nil
}

// OrderStatus fetches the current state of an order
func (c *RESTClient) OrderStatus(ctx context.Context, orderID string) (*OrderStatus, error) {
	var resp orderResponse
	path := fmt.Sprintf("/v1/orders/%s", orderID)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		var he *httpError
		if errors.As(err, &he) && he.Status == http.StatusNotFound {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}

	return &OrderStatus{
		OrderID:       resp.OrderID,
		State:         OrderState(resp.Status),
		FilledSize:    parseFloat(resp.FilledSize),
		FilledPrice:   parseFloat(resp.FilledPrice),
		CommissionUSD: parseFloat(resp.Commission),
		SizeInQuote:   resp.SizeInQuote,
	}, nil
}

// do executes one signed request and decodes the JSON response
func (c *RESTClient) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.sign(req, method, path, payload)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &httpError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response from %s: %w", path, err)
		}
	}
	return nil
}

// sign adds the HMAC authentication headers. Unauthenticated market-data
// endpoints ignore them.
func (c *RESTClient) sign(req *http.Request, method, path string, payload []byte) {
	if c.key == "" {
		return
	}
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(c.secret))
	mac.Write([]byte(ts + method + path))
	mac.Write(payload)

	req.Header.Set("CF-ACCESS-KEY", c.key)
	req.Header.Set("CF-ACCESS-SIGN", hex.EncodeToString(mac.Sum(nil)))
	req.Header.Set("CF-ACCESS-TIMESTAMP", ts)
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
