package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// SweepLockName is the lease guarding the retention sweep, separate from the
// cycle lock so a long sweep never delays analysis.
const SweepLockName = "retention_sweep"

// RetentionStore is the purge surface the sweeper needs.
type RetentionStore interface {
	PurgeResolvedEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	PurgeOutboxBefore(ctx context.Context, cutoff time.Time) (int64, error)
	PurgeCommandsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionSettings bound how long terminal rows stay queryable. Active
// events and undispatched outbox rows are never touched regardless of age.
type RetentionSettings struct {
	// ResolvedEventAge keeps resolved events around for recurrence analysis
	// and audits.
	ResolvedEventAge time.Duration

	// DispatchedAge covers dispatched outbox rows and acknowledged agent
	// commands, both are delivery receipts with the same useful life.
	DispatchedAge time.Duration

	// Interval is the sweep cadence in loop mode.
	Interval time.Duration
}

// DefaultRetentionSettings returns the deployment defaults: 90 days of
// resolved events, 30 days of delivery receipts, one sweep per day.
func DefaultRetentionSettings() RetentionSettings {
	return RetentionSettings{
		ResolvedEventAge: 90 * 24 * time.Hour,
		DispatchedAge:    30 * 24 * time.Hour,
		Interval:         24 * time.Hour,
	}
}

func (s RetentionSettings) normalized() RetentionSettings {
	if s.ResolvedEventAge <= 0 {
		s.ResolvedEventAge = 90 * 24 * time.Hour
	}
	if s.DispatchedAge <= 0 {
		s.DispatchedAge = 30 * 24 * time.Hour
	}
	if s.Interval <= 0 {
		s.Interval = 24 * time.Hour
	}
	return s
}

// Sweeper enforces retention on resolved events, dispatched outbox rows, and
// acknowledged agent commands, under its own scheduler lock so only one
// replica sweeps at a time. A nil lock runs the sweep unguarded.
type Sweeper struct {
	store    RetentionStore
	lock     *LockManager
	settings RetentionSettings
	logger   *zap.Logger

	// Injectable clock for cutoff tests.
	now func() time.Time
}

// NewSweeper creates a retention sweeper.
func NewSweeper(st RetentionStore, lock *LockManager, settings RetentionSettings, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		store:    st,
		lock:     lock,
		settings: settings.normalized(),
		logger:   logger,
		now:      time.Now,
	}
}

// SweepOnce runs every purge once under the sweep lock. A busy lock skips
// silently, another replica is sweeping. Each purge runs even when an earlier
// one failed; the errors come back joined.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	if s.lock != nil {
		ok, err := s.lock.Acquire(ctx)
		if err != nil {
			return fmt.Errorf("acquire sweep lock: %w", err)
		}
		if !ok {
			s.logger.Debug("retention sweep skipped, lock held elsewhere")
			return nil
		}
		held, release := s.lock.Hold(ctx)
		defer release()
		ctx = held
	}

	now := s.now().UTC()

	var errs []error
	events, err := s.store.PurgeResolvedEventsBefore(ctx, now.Add(-s.settings.ResolvedEventAge))
	if err != nil {
		errs = append(errs, fmt.Errorf("purge resolved events: %w", err))
	}
	outbox, err := s.store.PurgeOutboxBefore(ctx, now.Add(-s.settings.DispatchedAge))
	if err != nil {
		errs = append(errs, fmt.Errorf("purge outbox: %w", err))
	}
	commands, err := s.store.PurgeCommandsBefore(ctx, now.Add(-s.settings.DispatchedAge))
	if err != nil {
		errs = append(errs, fmt.Errorf("purge commands: %w", err))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	if events+outbox+commands > 0 {
		s.logger.Info("retention sweep complete",
			zap.Int64("resolved_events", events),
			zap.Int64("outbox_rows", outbox),
			zap.Int64("commands", commands))
	}
	return nil
}

// Run sweeps immediately and then on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.settings.Interval)
	defer ticker.Stop()

	for {
		if err := s.SweepOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Error("retention sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
