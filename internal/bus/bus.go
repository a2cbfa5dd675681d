package bus

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

// Topic identifies an event stream
type Topic string

const (
	TopicTradeStatus  Topic = "trade_status"
	TopicPendingOrder Topic = "pending_order"
	TopicSyncIssue    Topic = "sync_issue"

	tickerPrefix = "ticker."
)

// TickerTopic returns the per-pair ticker topic
func TickerTopic(pair string) Topic {
	return Topic(tickerPrefix + pair)
}

// DefaultBacklog is the per-subscriber queue depth before the subscriber is
// dropped from the topic.
const DefaultBacklog = 256

// Event is a single bus message. Payload holds one of the event structs
// below depending on the topic.
type Event struct {
	Topic     Topic
	Timestamp time.Time
	Payload   interface{}
}

// TickerEvent is published on ticker.<pair> for every streamed price update
type TickerEvent struct {
	Pair  string
	Price float64
	Time  time.Time
}

// TradeStatusEvent is published on trade_status whenever a trade record is
// created or transitions status.
type TradeStatusEvent struct {
	TradeID  uuid.UUID
	BotID    *uuid.UUID
	Pair     string
	Side     string
	Status   string
	OrderID  string
	SizeUSD  float64
	FilledAt *time.Time
}

// PendingOrderEvent is published on pending_order when an order is recorded
// without an immediate fill.
type PendingOrderEvent struct {
	TradeID uuid.UUID
	OrderID string
	Pair    string
	BotID   *uuid.UUID
}

// SyncIssueEvent is published on sync_issue when execution or reconciliation
// detects a discrepancy between records and exchange reality.
type SyncIssueEvent struct {
	Kind    string // "stale_order", "sweeper_closed", "execution_failed"
	OrderID string
	TradeID uuid.UUID
	Pair    string
	Age     time.Duration
	Detail  string
}

// Stats holds bus counters
type Stats struct {
	Published          uint64
	Delivered          uint64
	DroppedSubscribers uint64
	Subscribers        int
}

var (
	metricsOnce sync.Once
	droppedSubs *prometheus.CounterVec
)

func initMetrics() {
	metricsOnce.Do(func() {
		droppedSubs = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bus_dropped_subscribers_total",
				Help: "Subscribers dropped from a topic after exceeding the backlog",
			},
			[]string{"topic"},
		)
	})
}

type subscriber struct {
	topic Topic
	ch    chan Event
	once  sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

// Bus is an in-process publish-subscribe fan-out. Delivery is best-effort,
// at-most-once; a subscriber that falls more than the backlog behind is
// dropped from the topic so publishers never block.
type Bus struct {
	mu      sync.RWMutex
	subs    map[Topic][]*subscriber
	backlog int

	published uint64
	delivered uint64
	dropped   uint64
}

// New creates a bus with the given per-subscriber backlog. backlog <= 0
// uses DefaultBacklog.
func New(backlog int) *Bus {
	initMetrics()
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	return &Bus{
		subs:    make(map[Topic][]*subscriber),
		backlog: backlog,
	}
}

// Subscribe registers a subscriber for one topic. The returned cancel
// function detaches the subscriber and closes its channel; it is safe to
// call more than once. The channel is also closed if the subscriber is
// dropped for falling behind.
func (b *Bus) Subscribe(topic Topic) (<-chan Event, func()) {
	sub := &subscriber{topic: topic, ch: make(chan Event, b.backlog)}

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()

	cancel := func() {
		b.remove(sub)
		sub.close()
	}
	return sub.ch, cancel
}

// Publish delivers an event to every subscriber of its topic. Subscribers
// whose backlog is full are dropped and their channel closed.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.Lock()
	b.published++
	subs := b.subs[e.Topic]
	var slow []*subscriber
	for _, sub := range subs {
		select {
		case sub.ch <- e:
			b.delivered++
		default:
			slow = append(slow, sub)
		}
	}
	if len(slow) > 0 {
		b.dropped += uint64(len(slow))
		b.removeLocked(e.Topic, slow)
	}
	b.mu.Unlock()

	for _, sub := range slow {
		sub.close()
		droppedSubs.WithLabelValues(string(e.Topic)).Inc()
		log.Warn().
			Str("topic", string(e.Topic)).
			Int("backlog", b.backlog).
			Msg("Dropped slow subscriber")
	}
}

// Stats returns a snapshot of bus counters
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, subs := range b.subs {
		n += len(subs)
	}
	return Stats{
		Published:          b.published,
		Delivered:          b.delivered,
		DroppedSubscribers: b.dropped,
		Subscribers:        n,
	}
}

// Close detaches and closes every subscriber
func (b *Bus) Close() {
	b.mu.Lock()
	all := b.subs
	b.subs = make(map[Topic][]*subscriber)
	b.mu.Unlock()

	for _, subs := range all {
		for _, sub := range subs {
			sub.close()
		}
	}
}

func (b *Bus) remove(target *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(target.topic, []*subscriber{target})
}

// removeLocked filters the given subscribers out of a topic. Caller holds mu.
func (b *Bus) removeLocked(topic Topic, targets []*subscriber) {
	current := b.subs[topic]
	if len(current) == 0 {
		return
	}
	kept := current[:0]
	for _, sub := range current {
		drop := false
		for _, t := range targets {
			if sub == t {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, sub)
		}
	}
	if len(kept) == 0 {
		delete(b.subs, topic)
	} else {
		b.subs[topic] = kept
	}
}
