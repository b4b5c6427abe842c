// Package dispatch delivers outbox rows to their sinks. The relay polls
// undispatched rows oldest first, pushes notifications to Slack when a
// webhook is configured and to the log otherwise, pushes tickets to the log
// (downstream ticketing owns real delivery), and marks what got through.
// Failed rows stay in the outbox for the next pass, so delivery is
// at-least-once and duplicates are possible after a crash between deliver
// and mark.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/slack-go/slack"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/ArabotHXL/BTC-project-sub002/internal/store"
)

// Sink delivers one outbox row to an external destination.
type Sink interface {
	// Name labels the sink in metrics and logs.
	Name() string

	// Deliver pushes one row. A nil return means the row may be marked
	// dispatched.
	Deliver(ctx context.Context, rec *store.OutboxRecord) error
}

// LogSink writes deliveries to the process log. It is the ticket sink in
// every deployment and the notification sink when no webhook is configured.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a log sink.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Name implements Sink.
func (s *LogSink) Name() string { return "log" }

// Deliver implements Sink. It cannot fail: the log line is the delivery.
func (s *LogSink) Deliver(_ context.Context, rec *store.OutboxRecord) error {
	s.logger.Info("outbox delivery",
		zap.String("outbox_id", rec.ID),
		zap.String("kind", rec.Kind),
		zap.String("event_id", rec.EventID),
		zap.String("severity", rec.Severity),
		zap.Int64("site_id", rec.SiteID),
		zap.String("payload", rec.Payload))
	return nil
}

// SlackSink posts notifications to an incoming webhook, behind a circuit
// breaker so a dead Slack endpoint rejects fast instead of stalling every
// relay pass on timeouts.
type SlackSink struct {
	webhookURL string
	breaker    *gobreaker.CircuitBreaker
	logger     *zap.Logger
}

// NewSlackSink creates a Slack webhook sink. The breaker opens after five
// consecutive failures and probes again after thirty seconds.
func NewSlackSink(webhookURL string, logger *zap.Logger) *SlackSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "slack-webhook",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("delivery breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return &SlackSink{webhookURL: webhookURL, breaker: breaker, logger: logger}
}

// Name implements Sink.
func (s *SlackSink) Name() string { return "slack" }

// Deliver implements Sink.
func (s *SlackSink) Deliver(ctx context.Context, rec *store.OutboxRecord) error {
	_, err := s.breaker.Execute(func() (any, error) {
		return nil, slack.PostWebhookContext(ctx, s.webhookURL, s.message(rec))
	})
	return err
}

// message renders the payload as a one-line alert. Undecodable payloads go
// out raw rather than not at all.
func (s *SlackSink) message(rec *store.OutboxRecord) *slack.WebhookMessage {
	var p struct {
		SiteID    int64  `json:"site_id"`
		MinerID   string `json:"miner_id"`
		IssueCode string `json:"issue_code"`
		Severity  string `json:"severity"`
		Reason    string `json:"reason"`
	}
	text := rec.Payload
	if err := json.Unmarshal([]byte(rec.Payload), &p); err == nil && p.MinerID != "" {
		text = fmt.Sprintf("[%s] %s on %s (site %d, %s)",
			p.Severity, p.IssueCode, p.MinerID, p.SiteID, p.Reason)
	}
	return &slack.WebhookMessage{Text: text}
}
