// Package alerts fans operational alerts out to configured sinks and
// bridges the engine's sync_issue events into them.
package alerts

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/coinflux/coinflux/internal/bus"
)

// Severity levels for alerts
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Alert is one operator-facing notification
type Alert struct {
	Title     string
	Message   string
	Severity  Severity
	Timestamp time.Time
	Metadata  map[string]interface{}
}

// Alerter is a delivery channel for alerts
type Alerter interface {
	Send(ctx context.Context, alert Alert) error
}

// Manager fans alerts out to every configured channel. A failing channel
// never blocks the others.
type Manager struct {
	alerters []Alerter
	logger   zerolog.Logger
}

// NewManager creates an alert manager
func NewManager(logger zerolog.Logger, alerters ...Alerter) *Manager {
	return &Manager{alerters: alerters, logger: logger}
}

// Send delivers an alert to all channels, returning the last failure
func (m *Manager) Send(ctx context.Context, alert Alert) error {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}

	var lastErr error
	for _, alerter := range m.alerters {
		if err := alerter.Send(ctx, alert); err != nil {
			m.logger.Error().Err(err).Str("title", alert.Title).Msg("Failed to send alert")
			lastErr = err
		}
	}
	return lastErr
}

// Watch consumes sync_issue events until the context is cancelled,
// translating them into alerts. Runs as its own goroutine in the engine.
func (m *Manager) Watch(ctx context.Context, eventBus *bus.Bus) {
	events, cancel := eventBus.Subscribe(bus.TopicSyncIssue)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			issue, isIssue := ev.Payload.(bus.SyncIssueEvent)
			if !isIssue {
				continue
			}
			if err := m.Send(ctx, fromSyncIssue(issue)); err != nil {
				m.logger.Error().Err(err).Str("kind", issue.Kind).Msg("Sync issue alert delivery failed")
			}
		}
	}
}

// fromSyncIssue maps a reconciliation finding to an alert. Unrecorded
// orders are the one condition that demands a human immediately.
func fromSyncIssue(issue bus.SyncIssueEvent) Alert {
	severity := SeverityWarning
	switch issue.Kind {
	case "unrecorded_order":
		severity = SeverityCritical
	case "sweeper_closed":
		severity = SeverityInfo
	}

	metadata := map[string]interface{}{"kind": issue.Kind}
	if issue.OrderID != "" {
		metadata["order_id"] = issue.OrderID
	}
	if issue.Pair != "" {
		metadata["pair"] = issue.Pair
	}
	if issue.Age > 0 {
		metadata["age"] = issue.Age.String()
	}

	return Alert{
		Title:    fmt.Sprintf("Sync issue: %s", issue.Kind),
		Message:  issue.Detail,
		Severity: severity,
		Metadata: metadata,
	}
}

// LogAlerter writes alerts to the structured log
type LogAlerter struct {
	logger zerolog.Logger
}

// NewLogAlerter creates a log-backed alerter
func NewLogAlerter(logger zerolog.Logger) *LogAlerter {
	return &LogAlerter{logger: logger}
}

// Send logs the alert at a level matching its severity
func (l *LogAlerter) Send(_ context.Context, alert Alert) error {
	var event *zerolog.Event
	switch alert.Severity {
	case SeverityCritical:
		event = l.logger.Error()
	case SeverityWarning:
		event = l.logger.Warn()
	default:
		event = l.logger.Info()
	}

	for key, value := range alert.Metadata {
		event = event.Interface(key, value)
	}
	event.
		Str("alert_title", alert.Title).
		Str("alert_severity", string(alert.Severity)).
		Msg(alert.Message)
	return nil
}
