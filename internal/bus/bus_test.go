package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOutPerTopic(t *testing.T) {
	b := New(4)
	defer b.Close()

	tradeCh, cancelTrade := b.Subscribe(TopicTradeStatus)
	defer cancelTrade()
	tickerCh, cancelTicker := b.Subscribe(TickerTopic("BTC-USD"))
	defer cancelTicker()

	b.Publish(Event{Topic: TopicTradeStatus, Payload: TradeStatusEvent{Status: "completed"}})

	select {
	case e := <-tradeCh:
		payload, ok := e.Payload.(TradeStatusEvent)
		require.True(t, ok)
		assert.Equal(t, "completed", payload.Status)
		assert.False(t, e.Timestamp.IsZero(), "publish stamps missing timestamps")
	case <-time.After(time.Second):
		t.Fatal("no event on trade_status")
	}

	select {
	case <-tickerCh:
		t.Fatal("ticker subscriber received a trade_status event")
	default:
	}
}

func TestSlowSubscriberDropped(t *testing.T) {
	b := New(2)
	defer b.Close()

	slow, cancelSlow := b.Subscribe(TopicSyncIssue)
	defer cancelSlow()
	fast, cancelFast := b.Subscribe(TopicSyncIssue)
	defer cancelFast()

	// Fill the slow subscriber's backlog, draining the fast one as we go.
	for i := 0; i < 3; i++ {
		b.Publish(Event{Topic: TopicSyncIssue, Payload: SyncIssueEvent{Kind: "stale_order"}})
		<-fast
	}

	// The third publish overflowed the slow backlog; its channel drains the
	// two queued events and then reports closed.
	for i := 0; i < 2; i++ {
		_, ok := <-slow
		require.True(t, ok)
	}
	_, ok := <-slow
	assert.False(t, ok, "dropped subscriber channel is closed")

	stats := b.Stats()
	assert.Equal(t, uint64(1), stats.DroppedSubscribers)
	assert.Equal(t, 1, stats.Subscribers)

	// The surviving subscriber keeps receiving.
	b.Publish(Event{Topic: TopicSyncIssue, Payload: SyncIssueEvent{Kind: "sweeper_closed"}})
	select {
	case <-fast:
	case <-time.After(time.Second):
		t.Fatal("surviving subscriber stopped receiving")
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	b := New(0)
	defer b.Close()

	ch, cancel := b.Subscribe(TopicPendingOrder)
	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, b.Stats().Subscribers)

	// Publishing to a topic with no subscribers is a no-op.
	b.Publish(Event{Topic: TopicPendingOrder})
	assert.Equal(t, uint64(0), b.Stats().Delivered)
}

func TestCloseDetachesEverySubscriber(t *testing.T) {
	b := New(0)
	a, _ := b.Subscribe(TopicTradeStatus)
	c, _ := b.Subscribe(TickerTopic("ETH-USD"))

	b.Close()

	_, ok := <-a
	assert.False(t, ok)
	_, ok = <-c
	assert.False(t, ok)
	assert.Equal(t, 0, b.Stats().Subscribers)
}
