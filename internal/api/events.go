package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/coinflux/coinflux/internal/bus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// wireEvent is the frame written to websocket subscribers
type wireEvent struct {
	Topic   string      `json:"topic"`
	Payload interface{} `json:"payload"`
	Time    time.Time   `json:"time"`
}

// handleSubscribeEvents streams bus events over a websocket. The topics
// query parameter is a comma-separated list; "ticker.<pair>" selects one
// pair's price stream.
func (s *Server) handleSubscribeEvents(c *gin.Context) {
	raw := c.Query("topics")
	if raw == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "topics query parameter is required"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	merged := make(chan bus.Event, 64)
	var cancels []func()
	for _, topic := range strings.Split(raw, ",") {
		topic = strings.TrimSpace(topic)
		if topic == "" {
			continue
		}
		events, cancel := s.eventBus.Subscribe(bus.Topic(topic))
		cancels = append(cancels, cancel)
		go func() {
			for ev := range events {
				select {
				case merged <- ev:
				default:
					// Slow websocket reader; drop rather than stall the
					// forwarders.
				}
			}
		}()
	}
	defer func() {
		for _, cancel := range cancels {
			cancel()
		}
	}()

	// Reader goroutine just detects close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev := <-merged:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(wireEvent{
				Topic:   string(ev.Topic),
				Payload: ev.Payload,
				Time:    time.Now(),
			}); err != nil {
				return
			}
		}
	}
}
