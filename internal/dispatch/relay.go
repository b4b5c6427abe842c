package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/ArabotHXL/BTC-project-sub002/internal/metrics"
	"github.com/ArabotHXL/BTC-project-sub002/internal/rules"
	"github.com/ArabotHXL/BTC-project-sub002/internal/store"
)

// Settings control the relay cadence and its per-row retry budget.
type Settings struct {
	// Interval is the poll cadence in loop mode.
	Interval time.Duration

	// BatchSize bounds how many rows one pass drains.
	BatchSize int

	// MaxRetries is the number of re-attempts after a failed delivery,
	// within one pass.
	MaxRetries uint64

	// RetryBase is the first backoff step; it doubles per attempt.
	RetryBase time.Duration
}

// DefaultSettings returns the deployment defaults.
func DefaultSettings() Settings {
	return Settings{
		Interval:   30 * time.Second,
		BatchSize:  100,
		MaxRetries: 3,
		RetryBase:  200 * time.Millisecond,
	}
}

func (s Settings) normalized() Settings {
	if s.Interval <= 0 {
		s.Interval = 30 * time.Second
	}
	if s.BatchSize < 1 {
		s.BatchSize = 100
	}
	if s.RetryBase <= 0 {
		s.RetryBase = 200 * time.Millisecond
	}
	return s
}

// Relay drains the outbox into the configured sinks.
type Relay struct {
	store    store.OutboxStore
	notify   Sink
	ticket   Sink
	settings Settings
	logger   *zap.Logger

	// Injectable clock for dispatched_at in tests.
	now func() time.Time
}

// NewRelay creates a relay. notify receives notification rows, ticket
// receives everything else.
func NewRelay(st store.OutboxStore, notify, ticket Sink, settings Settings, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		store:    st,
		notify:   notify,
		ticket:   ticket,
		settings: settings.normalized(),
		logger:   logger,
		now:      time.Now,
	}
}

// RunOnce drains one batch. Rows whose delivery failed stay undispatched and
// come back in the next pass; a failure therefore never loses a dispatch,
// only delays it.
func (r *Relay) RunOnce(ctx context.Context) error {
	if depth, err := r.store.OutboxDepth(ctx); err == nil {
		metrics.OutboxDepth.Set(float64(depth))
	}

	batch, err := r.store.PendingOutbox(ctx, r.settings.BatchSize)
	if err != nil {
		return fmt.Errorf("pending outbox: %w", err)
	}
	if len(batch) == 0 {
		return nil
	}

	delivered := make([]string, 0, len(batch))
	for _, rec := range batch {
		sink := r.sinkFor(rec)
		if err := r.deliver(ctx, sink, rec); err != nil {
			metrics.RelayDeliveriesTotal.WithLabelValues(sink.Name(), "failed").Inc()
			r.logFailure(rec, sink, err)
			continue
		}
		metrics.RelayDeliveriesTotal.WithLabelValues(sink.Name(), "delivered").Inc()
		delivered = append(delivered, rec.ID)
	}
	if len(delivered) == 0 {
		return nil
	}

	if err := r.store.MarkOutboxDispatched(ctx, delivered, r.now().UTC()); err != nil {
		return fmt.Errorf("mark outbox dispatched: %w", err)
	}
	r.logger.Debug("outbox batch relayed",
		zap.Int("delivered", len(delivered)),
		zap.Int("retained", len(batch)-len(delivered)))
	return nil
}

// Run relays immediately and then on every tick until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("outbox relay started",
		zap.Duration("interval", r.settings.Interval),
		zap.Int("batch_size", r.settings.BatchSize))

	ticker := time.NewTicker(r.settings.Interval)
	defer ticker.Stop()

	for {
		if err := r.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Error("relay pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Relay) sinkFor(rec *store.OutboxRecord) Sink {
	if rec.Kind == store.OutboxKindNotification {
		return r.notify
	}
	return r.ticket
}

// deliver pushes one row with exponential backoff. An open breaker is not
// retried within the pass; the row waits for the breaker's own probe window.
func (r *Relay) deliver(ctx context.Context, sink Sink, rec *store.OutboxRecord) error {
	backoff := retry.WithMaxRetries(r.settings.MaxRetries, retry.NewExponential(r.settings.RetryBase))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := sink.Deliver(ctx, rec)
		if err == nil {
			return nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return err
		}
		return retry.RetryableError(err)
	})
}

// logFailure records a retained row. Critical severities log at ERROR with
// the full payload so the dispatch is never silently absent from the record.
func (r *Relay) logFailure(rec *store.OutboxRecord, sink Sink, err error) {
	fields := []zap.Field{
		zap.String("outbox_id", rec.ID),
		zap.String("kind", rec.Kind),
		zap.String("severity", rec.Severity),
		zap.String("sink", sink.Name()),
		zap.Error(err),
	}
	switch rec.Severity {
	case string(rules.SeverityP0), string(rules.SeverityP1):
		fields = append(fields, zap.String("payload", rec.Payload))
		r.logger.Error("critical dispatch delivery failed, row retained", fields...)
	default:
		r.logger.Warn("dispatch delivery failed, row retained", fields...)
	}
}
