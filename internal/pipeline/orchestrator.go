// Package pipeline runs the periodic analysis cycle: fetch fresh telemetry,
// update per-miner baselines, infer operating modes, compute fleet statistics,
// evaluate the rule taxonomy, drive the event lifecycle, dispatch policy
// decisions, and publish the health snapshot. A database lease keeps exactly
// one replica running the cycle at a time; everything a cycle writes goes
// through the lease-scoped context so a lost lease stops commits immediately.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ArabotHXL/BTC-project-sub002/internal/baseline"
	"github.com/ArabotHXL/BTC-project-sub002/internal/events"
	"github.com/ArabotHXL/BTC-project-sub002/internal/fleet"
	"github.com/ArabotHXL/BTC-project-sub002/internal/health"
	"github.com/ArabotHXL/BTC-project-sub002/internal/metrics"
	"github.com/ArabotHXL/BTC-project-sub002/internal/ml"
	"github.com/ArabotHXL/BTC-project-sub002/internal/mode"
	"github.com/ArabotHXL/BTC-project-sub002/internal/policy"
	"github.com/ArabotHXL/BTC-project-sub002/internal/rules"
	"github.com/ArabotHXL/BTC-project-sub002/internal/store"
	"github.com/ArabotHXL/BTC-project-sub002/internal/telemetry"
	"github.com/ArabotHXL/BTC-project-sub002/internal/tracing"
)

// Settings control the cycle cadence and staleness window.
type Settings struct {
	// CycleInterval is the time between cycle starts in loop mode.
	CycleInterval time.Duration

	// TelemetryMaxAge bounds how stale a snapshot may be and still enter the
	// cycle. Miners silent longer than this drop out of analysis entirely;
	// their offline events resolve through the lifecycle, not through rules.
	TelemetryMaxAge time.Duration

	// TrainEveryCycles is the training cadence. Zero disables scheduled
	// training; the train command still works.
	TrainEveryCycles int
}

// DefaultSettings returns the deployment defaults: five minute cycles with a
// matching staleness window, training once per 288 cycles (daily).
func DefaultSettings() Settings {
	return Settings{
		CycleInterval:    5 * time.Minute,
		TelemetryMaxAge:  5 * time.Minute,
		TrainEveryCycles: 288,
	}
}

func (s Settings) normalized() Settings {
	if s.CycleInterval <= 0 {
		s.CycleInterval = 5 * time.Minute
	}
	if s.TelemetryMaxAge <= 0 {
		s.TelemetryMaxAge = s.CycleInterval
	}
	if s.TrainEveryCycles < 0 {
		s.TrainEveryCycles = 0
	}
	return s
}

// Components are the pipeline's collaborators, built once at startup.
type Components struct {
	Store     store.Store
	Baselines *baseline.Service
	Modes     *mode.Inferer
	Fleet     *fleet.Baseliner
	Rules     *rules.Engine
	Events    *events.Engine
	Policy    *policy.Engine
	ML        *ml.Supervisor
	Health    *health.Cache
	Stream    *health.Hub
	Lock      *LockManager
}

// Orchestrator sequences one cycle's stages and owns the loop.
type Orchestrator struct {
	c        Components
	settings Settings
	logger   *zap.Logger

	// cycleCount is only touched from RunCycle; the loop is single-threaded.
	cycleCount int64

	// Injectable clock for cadence tests.
	now func() time.Time
}

// NewOrchestrator creates a pipeline orchestrator.
func NewOrchestrator(c Components, settings Settings, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		c:        c,
		settings: settings.normalized(),
		logger:   logger,
		now:      time.Now,
	}
}

// Loop runs cycles until ctx is cancelled: one immediately, then one per
// tick. Cycle failures are logged and absorbed; the loop only exits with the
// context.
func (o *Orchestrator) Loop(ctx context.Context) error {
	o.logger.Info("pipeline loop started",
		zap.Duration("interval", o.settings.CycleInterval),
		zap.Duration("telemetry_max_age", o.settings.TelemetryMaxAge),
		zap.Int("train_every_cycles", o.settings.TrainEveryCycles))

	ticker := time.NewTicker(o.settings.CycleInterval)
	defer ticker.Stop()

	for {
		if err := o.RunCycle(ctx); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case <-ctx.Done():
			o.logger.Info("pipeline loop stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunCycle runs one full cycle under the scheduler lock. A busy lock is a
// normal outcome, some other replica ran the cycle; it is counted, not
// errored. A lease lost mid-cycle aborts with ErrLockLost.
func (o *Orchestrator) RunCycle(ctx context.Context) error {
	ok, err := o.c.Lock.Acquire(ctx)
	if err != nil {
		metrics.CyclesTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("acquire cycle lock: %w", err)
	}
	if !ok {
		metrics.CyclesTotal.WithLabelValues("skipped").Inc()
		o.logger.Info("cycle skipped, lock held elsewhere", zap.String("lock", o.c.Lock.Name()))
		return nil
	}

	held, release := o.c.Lock.Hold(ctx)
	defer release()

	started := o.now()
	err = o.cycle(held)
	elapsed := o.now().Sub(started)
	metrics.CycleDuration.Observe(elapsed.Seconds())

	switch {
	case errors.Is(err, ErrLockLost) || errors.Is(context.Cause(held), ErrLockLost):
		metrics.CyclesTotal.WithLabelValues("aborted").Inc()
		o.logger.Error("cycle aborted, scheduler lock lost", zap.Duration("elapsed", elapsed))
		return ErrLockLost
	case err != nil:
		metrics.CyclesTotal.WithLabelValues("failed").Inc()
		o.logger.Error("cycle failed", zap.Error(err), zap.Duration("elapsed", elapsed))
		return err
	}
	metrics.CyclesTotal.WithLabelValues("completed").Inc()
	return nil
}

// cycle runs the stages in order. Stage order matters: baselines must see the
// cycle's features before rules read them, mode inference must finish before
// fleet grouping, and fleet statistics before peer rules and evidence blocks.
func (o *Orchestrator) cycle(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "pipeline.cycle")
	defer span.End()

	o.cycleCount++
	now := o.now().UTC()

	feats, err := o.freshFeatures(ctx, now)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.Int("miners", len(feats)))
	if len(feats) == 0 {
		o.logger.Info("cycle complete, no fresh telemetry")
		return nil
	}

	states, err := o.c.Baselines.Observe(ctx, feats, now)
	if err != nil {
		return fmt.Errorf("observe baselines: %w", err)
	}

	if _, err := o.c.Modes.InferModes(ctx, feats, now); err != nil {
		return fmt.Errorf("infer modes: %w", err)
	}

	o.c.Fleet.ComputeAllGroups(feats)
	o.annotateFleetZ(feats)

	preds := o.c.ML.Predict(ctx, predictionSamples(feats, states))

	detections, healthySignals := o.evaluateRules(feats, states, preds)

	bulk := o.c.Events.BulkProcess(ctx, detections, healthySignals)
	if err := ctx.Err(); err != nil {
		return err
	}

	decision := o.c.Policy.EvaluateBatch(bulk.Results, pfailByMiner(preds), siteMinerCounts(feats))
	if err := o.c.Policy.Dispatch(ctx, decision); err != nil {
		return fmt.Errorf("dispatch decisions: %w", err)
	}

	if err := o.publishHealth(ctx, feats, preds, now); err != nil {
		return err
	}

	if o.settings.TrainEveryCycles > 0 && o.cycleCount%int64(o.settings.TrainEveryCycles) == 0 {
		if _, err := o.c.ML.Train(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			o.logger.Error("scheduled training failed", zap.Error(err))
		}
	}

	o.logger.Info("cycle complete",
		zap.Int("miners", len(feats)),
		zap.Int("detections", len(detections)),
		zap.Int("lifecycle_failures", bulk.Failures),
		zap.Int("notifications", len(decision.Notifications)),
		zap.Int("tickets", len(decision.Tickets)))
	return nil
}

// freshFeatures loads every telemetry snapshot inside the staleness window
// and decodes its feature vector. Undecodable rows are skipped, one bad agent
// payload must not starve the cycle.
func (o *Orchestrator) freshFeatures(ctx context.Context, now time.Time) ([]telemetry.Features, error) {
	ctx, span := tracing.StartSpan(ctx, "pipeline.fresh_telemetry")
	defer span.End()

	snaps, err := o.c.Store.FreshTelemetry(ctx, now.Add(-o.settings.TelemetryMaxAge))
	if err != nil {
		return nil, fmt.Errorf("fresh telemetry: %w", err)
	}

	feats := make([]telemetry.Features, 0, len(snaps))
	for _, snap := range snaps {
		var f telemetry.Features
		if err := json.Unmarshal([]byte(snap.Features), &f); err != nil {
			o.logger.Warn("telemetry snapshot undecodable, skipping",
				zap.String("miner_id", snap.MinerID), zap.Error(err))
			continue
		}
		feats = append(feats, f)
	}
	return feats, nil
}

// annotateFleetZ stamps each feature vector with its robust fleet z-score for
// hashrate, the input of the fleet_outlier rule.
func (o *Orchestrator) annotateFleetZ(feats []telemetry.Features) {
	for i := range feats {
		v, ok := feats[i].Metric(telemetry.MetricHashrateRatio)
		if !ok {
			continue
		}
		z := o.c.Fleet.RobustZ(feats[i].GroupKey(), telemetry.MetricHashrateRatio, v)
		feats[i].FleetZHashrate = &z
	}
}

// evaluateRules runs the taxonomy per miner and splits the outcomes: firings
// become detections enriched with the peer and ML blocks, every code that
// stayed quiet becomes a healthy signal so active events can count down to
// resolution.
func (o *Orchestrator) evaluateRules(feats []telemetry.Features, states map[string]baseline.MinerState, preds map[string]ml.Prediction) ([]events.Detection, []events.HealthySignal) {
	taxonomy := rules.Taxonomy()

	var detections []events.Detection
	var healthySignals []events.HealthySignal
	for i := range feats {
		f := &feats[i]
		fired := o.c.Rules.EvaluateAll(f, states[f.MinerID])

		firedCodes := make(map[string]bool, len(fired))
		for _, det := range fired {
			firedCodes[det.Code] = true
			enriched := events.Detection{Detection: det}
			if peer := o.c.Fleet.PeerMetrics(f); len(peer) > 0 {
				enriched.PeerMetrics = peer
			}
			if pred, ok := preds[f.MinerID]; ok {
				enriched.ML = pred.Block()
			}
			detections = append(detections, enriched)
		}
		for _, rule := range taxonomy {
			if firedCodes[rule.Code] {
				continue
			}
			healthySignals = append(healthySignals, events.HealthySignal{
				SiteID:  f.SiteID,
				MinerID: f.MinerID,
				Code:    rule.Code,
			})
		}
	}
	return detections, healthySignals
}

// publishHealth assembles the per-miner health objects from active events and
// failure risk, refreshes the cache, fans out to stream subscribers, and
// updates the active event gauges.
func (o *Orchestrator) publishHealth(ctx context.Context, feats []telemetry.Features, preds map[string]ml.Prediction, now time.Time) error {
	ctx, span := tracing.StartSpan(ctx, "pipeline.publish_health")
	defer span.End()

	active, err := o.c.Store.QueryEvents(ctx, store.EventQuery{Statuses: store.ActiveStatuses})
	if err != nil {
		return fmt.Errorf("query active events: %w", err)
	}
	issuesByMiner := make(map[string][]health.Issue)
	for _, ev := range active {
		issuesByMiner[ev.MinerID] = append(issuesByMiner[ev.MinerID], health.Issue{
			Code:     ev.RuleCode,
			Severity: ev.Severity,
		})
	}

	objects := make([]health.Object, 0, len(feats))
	for i := range feats {
		f := &feats[i]
		objects = append(objects, health.Assess(
			f.SiteID, f.MinerID,
			issuesByMiner[f.MinerID],
			preds[f.MinerID].PFail24h,
			f.ObservedAt, now,
		))
	}
	o.c.Health.Put(objects)
	o.c.Stream.Publish(objects)

	counts, err := o.c.Store.CountActiveEvents(ctx)
	if err != nil {
		return fmt.Errorf("count active events: %w", err)
	}
	for _, sev := range []rules.Severity{rules.SeverityP0, rules.SeverityP1, rules.SeverityP2, rules.SeverityP3} {
		metrics.ActiveEvents.WithLabelValues(string(sev)).Set(float64(counts[string(sev)]))
	}
	return nil
}

// predictionSamples pairs each miner's baseline state with its inferred mode.
func predictionSamples(feats []telemetry.Features, states map[string]baseline.MinerState) []ml.Sample {
	out := make([]ml.Sample, 0, len(feats))
	for i := range feats {
		out = append(out, ml.Sample{
			MinerID: feats[i].MinerID,
			State:   states[feats[i].MinerID],
			Mode:    feats[i].InferredMode,
		})
	}
	return out
}

func pfailByMiner(preds map[string]ml.Prediction) map[string]float64 {
	out := make(map[string]float64, len(preds))
	for minerID, pred := range preds {
		out[minerID] = pred.PFail24h
	}
	return out
}

func siteMinerCounts(feats []telemetry.Features) map[int64]int {
	out := make(map[int64]int)
	for i := range feats {
		out[feats[i].SiteID]++
	}
	return out
}
