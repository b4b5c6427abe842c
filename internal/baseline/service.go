// Package baseline maintains per-miner EWMA baselines over the extracted
// telemetry metrics. State is incremental: each cycle reads the current row,
// folds in one observation and writes the row back, so no raw history is
// retained.
package baseline

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/ArabotHXL/BTC-project-sub002/internal/metrics"
	"github.com/ArabotHXL/BTC-project-sub002/internal/store"
	"github.com/ArabotHXL/BTC-project-sub002/internal/telemetry"
)

// DefaultSpan is the EWMA span when none is configured. With span N the
// smoothing factor is alpha = 2/(N+1), the pandas ewm convention the fleet
// tooling already uses for these curves.
const DefaultSpan = 12

// MetricState is the post-update baseline state for one miner metric.
type MetricState struct {
	EWMA        float64 `json:"ewma"`
	Variance    float64 `json:"variance"`
	LastValue   float64 `json:"last_value"`
	Residual    float64 `json:"residual"`
	ZScore      float64 `json:"z_score"`
	SampleCount int     `json:"sample_count"`
}

// MinerState maps metric name to its baseline state.
type MinerState map[string]MetricState

// Service folds telemetry observations into persistent EWMA state.
type Service struct {
	store  store.BaselineStore
	alpha  float64
	logger *zap.Logger
}

// NewService creates a baseline service with the given EWMA span.
func NewService(st store.BaselineStore, span int, logger *zap.Logger) *Service {
	if span < 2 {
		span = DefaultSpan
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:  st,
		alpha:  2.0 / (float64(span) + 1.0),
		logger: logger,
	}
}

// Observe advances the baseline of every metric present in the batch and
// persists all rows in one transaction. It returns the post-update state per
// miner, which downstream rule evaluation reads its z-scores from. A failed
// write rolls the whole batch back and leaves the previous cycle's state
// intact.
func (s *Service) Observe(ctx context.Context, feats []telemetry.Features, now time.Time) (map[string]MinerState, error) {
	if len(feats) == 0 {
		return map[string]MinerState{}, nil
	}

	prior, err := s.store.AllBaselines(ctx)
	if err != nil {
		return nil, fmt.Errorf("load baselines: %w", err)
	}
	index := make(map[string]*store.BaselineRecord, len(prior))
	for _, rec := range prior {
		index[rec.MinerID+"|"+rec.MetricName] = rec
	}

	states := make(map[string]MinerState, len(feats))
	recs := make([]*store.BaselineRecord, 0, len(feats)*len(telemetry.MetricNames()))
	skipped := 0

	for i := range feats {
		f := &feats[i]
		for _, name := range telemetry.MetricNames() {
			value, ok := f.Metric(name)
			if !ok {
				continue
			}
			if math.IsNaN(value) || math.IsInf(value, 0) {
				skipped++
				continue
			}
			next := s.advance(index[f.MinerID+"|"+name], f.MinerID, name, value, now)
			recs = append(recs, next)

			if states[f.MinerID] == nil {
				states[f.MinerID] = MinerState{}
			}
			states[f.MinerID][name] = MetricState{
				EWMA:        next.EWMA,
				Variance:    next.Variance,
				LastValue:   next.LastValue,
				Residual:    next.Residual,
				ZScore:      ZScore(next),
				SampleCount: next.SampleCount,
			}
		}
	}

	if skipped > 0 {
		s.logger.Warn("skipped non-finite metric values", zap.Int("count", skipped))
	}

	if err := s.store.UpsertBaselines(ctx, recs); err != nil {
		metrics.BaselineBatchFailures.Inc()
		return nil, fmt.Errorf("persist baselines: %w", err)
	}
	metrics.BaselineUpdatesTotal.Add(float64(len(recs)))
	return states, nil
}

// States reads the stored baseline rows for one miner.
func (s *Service) States(ctx context.Context, minerID string) (MinerState, error) {
	recs, err := s.store.ListBaselines(ctx, minerID)
	if err != nil {
		return nil, err
	}
	state := make(MinerState, len(recs))
	for _, rec := range recs {
		state[rec.MetricName] = MetricState{
			EWMA:        rec.EWMA,
			Variance:    rec.Variance,
			LastValue:   rec.LastValue,
			Residual:    rec.Residual,
			ZScore:      ZScore(rec),
			SampleCount: rec.SampleCount,
		}
	}
	return state, nil
}

// advance computes the next baseline row. The first observation seeds the
// EWMA at the raw value with zero variance; later observations apply
//
//	ewma'     = alpha*x + (1-alpha)*ewma
//	residual  = x - ewma'
//	variance' = alpha*residual^2 + (1-alpha)*variance
func (s *Service) advance(prev *store.BaselineRecord, minerID, metric string, value float64, now time.Time) *store.BaselineRecord {
	if prev == nil || prev.SampleCount == 0 {
		return &store.BaselineRecord{
			MinerID:     minerID,
			MetricName:  metric,
			EWMA:        value,
			Variance:    0,
			LastValue:   value,
			Residual:    0,
			SampleCount: 1,
			UpdatedAt:   now,
		}
	}

	ewma := s.alpha*value + (1-s.alpha)*prev.EWMA
	residual := value - ewma
	variance := s.alpha*residual*residual + (1-s.alpha)*prev.Variance

	return &store.BaselineRecord{
		MinerID:     minerID,
		MetricName:  metric,
		EWMA:        ewma,
		Variance:    variance,
		LastValue:   value,
		Residual:    residual,
		SampleCount: prev.SampleCount + 1,
		UpdatedAt:   now,
	}
}

// ZScore is the standardized residual of a baseline row. Rows with no
// spread yet (zero or negative variance) score zero rather than dividing
// by zero.
func ZScore(rec *store.BaselineRecord) float64 {
	if rec.Variance <= 0 {
		return 0
	}
	return rec.Residual / math.Sqrt(rec.Variance)
}
