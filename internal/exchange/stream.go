package exchange

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	reconnectInitial = 1 * time.Second
	reconnectMax     = 30 * time.Second
	// A connection that survives this long resets the backoff.
	sustainedConnection = 60 * time.Second
)

// Streamer maintains the websocket subscription to the exchange's ticker
// and user channels and hands parsed updates to the gateway. Reconnection
// with bounded exponential backoff is its problem alone; consumers only
// ever observe a gap in events.
type Streamer struct {
	endpoint   string
	pairs      []string
	onTicker   func(Ticker)
	onAccounts func([]Balance)
	logger     zerolog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewStreamer creates a streamer that delivers updates through the given
// callbacks. Callbacks run on the receiver goroutine and must not block.
func NewStreamer(endpoint string, onTicker func(Ticker), onAccounts func([]Balance), logger zerolog.Logger) *Streamer {
	return &Streamer{
		endpoint:   endpoint,
		onTicker:   onTicker,
		onAccounts: onAccounts,
		logger:     logger,
	}
}

// Start launches the receiver goroutine for the given pairs. Calling it
// again while running is a no-op.
func (s *Streamer) Start(ctx context.Context, pairs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.pairs = append([]string(nil), pairs...)
	s.running = true

	go s.run(ctx)
}

// Stop tears down the subscription and waits for the receiver to exit
func (s *Streamer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	done := s.done
	s.running = false
	s.mu.Unlock()

	cancel()
	<-done
}

func (s *Streamer) run(ctx context.Context) {
	defer close(s.done)

	backoff := reconnectInitial
	for {
		if ctx.Err() != nil {
			return
		}

		connectedAt := time.Now()
		err := s.connectAndReceive(ctx)
		if ctx.Err() != nil {
			return
		}

		if time.Since(connectedAt) >= sustainedConnection {
			backoff = reconnectInitial
		}

		s.logger.Warn().
			Err(err).
			Dur("backoff", backoff).
			Msg("Stream disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

// streamFrame is one inbound websocket message
type streamFrame struct {
	Channel   string `json:"channel"`
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
	Bid       string `json:"bid"`
	Ask       string `json:"ask"`
	Time      string `json:"time"`

	SpotPositions []struct {
		Currency  string `json:"currency"`
		Available string `json:"available"`
	} `json:"spot_positions"`
	Cash []struct {
		Currency  string `json:"currency"`
		Available string `json:"available"`
	} `json:"cash_balances"`
}

func (s *Streamer) connectAndReceive(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.endpoint, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	sub := map[string]interface{}{
		"type":        "subscribe",
		"channels":    []string{"ticker", "user"},
		"product_ids": s.pairs,
	}
	if err := conn.WriteJSON(sub); err != nil {
		return err
	}

	s.logger.Info().
		Strs("pairs", s.pairs).
		Msg("Stream connected")

	// Unblock ReadMessage when the context is cancelled.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.handle(data)
	}
}

func (s *Streamer) handle(data []byte) {
	var frame streamFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.logger.Debug().Err(err).Msg("Ignoring unparseable stream frame")
		return
	}

	switch frame.Channel {
	case "ticker":
		t, err := time.Parse(time.RFC3339, frame.Time)
		if err != nil {
			t = time.Now()
		}
		s.onTicker(Ticker{
			Pair:  frame.ProductID,
			Price: parseFloat(frame.Price),
			Bid:   parseFloat(frame.Bid),
			Ask:   parseFloat(frame.Ask),
			Time:  t,
		})
	case "user":
		balances := make([]Balance, 0, len(frame.SpotPositions)+len(frame.Cash))
		for _, pos := range frame.SpotPositions {
			balances = append(balances, Balance{
				Currency:  pos.Currency,
				Available: parseFloat(pos.Available),
			})
		}
		for _, cash := range frame.Cash {
			balances = append(balances, Balance{
				Currency:  cash.Currency,
				Available: parseFloat(cash.Available),
				IsCash:    true,
			})
		}
		s.onAccounts(balances)
	}
}
