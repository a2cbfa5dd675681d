package alerts

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

type capturingAlerter struct {
	mu     sync.Mutex
	alerts []Alert
	err    error
}

func (c *capturingAlerter) Send(_ context.Context, alert Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.alerts = append(c.alerts, alert)
	return nil
}

func (c *capturingAlerter) all() []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Alert(nil), c.alerts...)
}

func TestManagerFansOutToAllChannels(t *testing.T) {
	a, b := &capturingAlerter{}, &capturingAlerter{}
	m := NewManager(zerolog.Nop(), a, b)

	err := m.Send(context.Background(), Alert{Title: "test", Severity: SeverityInfo})
	require.NoError(t, err)
	assert.Len(t, a.all(), 1)
	assert.Len(t, b.all(), 1)
	assert.False(t, a.all()[0].Timestamp.IsZero(), "timestamp defaulted")
}

func TestManagerFailingChannelDoesNotBlockOthers(t *testing.T) {
	broken := &capturingAlerter{err: errors.New("channel down")}
	working := &capturingAlerter{}
	m := NewManager(zerolog.Nop(), broken, working)

	err := m.Send(context.Background(), Alert{Title: "test", Severity: SeverityWarning})
	assert.Error(t, err)
	assert.Len(t, working.all(), 1, "healthy channel still delivers")
}

func TestWatchTranslatesSyncIssues(t *testing.T) {
	sink := &capturingAlerter{}
	m := NewManager(zerolog.Nop(), sink)
	eventBus := bus.New(0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Watch(ctx, eventBus)
		close(done)
	}()

	// Give the watcher time to subscribe before publishing.
	time.Sleep(20 * time.Millisecond)

	eventBus.Publish(bus.Event{
		Topic: bus.TopicSyncIssue,
		Payload: bus.SyncIssueEvent{
			Kind:    "unrecorded_order",
			OrderID: "ord-1",
			Pair:    "BTC-USD",
			Detail:  "insert failed after placement",
		},
	})
	eventBus.Publish(bus.Event{
		Topic:   bus.TopicSyncIssue,
		Payload: bus.SyncIssueEvent{Kind: "stale_order", OrderID: "ord-2", Age: 12 * time.Minute},
	})

	require.Eventually(t, func() bool { return len(sink.all()) == 2 }, time.Second, 10*time.Millisecond)

	alerts := sink.all()
	assert.Equal(t, SeverityCritical, alerts[0].Severity, "unrecorded orders page a human")
	assert.Equal(t, "ord-1", alerts[0].Metadata["order_id"])
	assert.Equal(t, SeverityWarning, alerts[1].Severity)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}
