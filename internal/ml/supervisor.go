package ml

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ArabotHXL/BTC-project-sub002/internal/baseline"
	"github.com/ArabotHXL/BTC-project-sub002/internal/metrics"
	"github.com/ArabotHXL/BTC-project-sub002/internal/rules"
	"github.com/ArabotHXL/BTC-project-sub002/internal/store"
	"github.com/ArabotHXL/BTC-project-sub002/internal/telemetry"
)

// ModelName is the registry key of the failure predictor.
const ModelName = "miner_failure_24h"

// Training outcomes reported by Train.
const (
	StatusTrained          = "trained"
	StatusInsufficientData = "insufficient_data"
)

// NoModelVersion is stamped on predictions made without an active model.
const NoModelVersion = "none"

// failureWindow is the label lookback: a miner is a positive sample when it
// had a P0 or P1 event seen inside this window.
const failureWindow = 24 * time.Hour

const versionLayout = "20060102_150405"

// Store is the persistence surface the supervisor needs.
type Store interface {
	store.BaselineStore
	store.EventStore
	store.ModelRegistryStore
}

// Settings carry the training gates and the blob directory.
type Settings struct {
	// MinTrainSamples is the minimum number of miners with baseline state
	// required before a training pass runs.
	MinTrainSamples int

	// MinPositiveLabels is the minimum number of positive (failed) miners
	// required before a training pass runs.
	MinPositiveLabels int

	// ModelDir is where model blobs are written.
	ModelDir string
}

// DefaultSettings returns the deployment defaults.
func DefaultSettings() Settings {
	return Settings{
		MinTrainSamples:   50,
		MinPositiveLabels: 5,
		ModelDir:          "/var/lib/fleethealth/models",
	}
}

// Sample is one miner's model input: its baseline state plus the inferred
// operating mode.
type Sample struct {
	MinerID string
	State   baseline.MinerState
	Mode    string
}

// Prediction is the per-miner output block attached to detections, events
// and health objects.
type Prediction struct {
	PFail24h     float64             `json:"p_fail_24h"`
	TopFeatures  []FeatureImportance `json:"top_features,omitempty"`
	ModelVersion string              `json:"model_version"`
}

// Block renders the prediction as the JSON-ready map the event engine
// attaches to detections.
func (p Prediction) Block() map[string]any {
	return map[string]any{
		"p_fail_24h":    p.PFail24h,
		"top_features":  p.TopFeatures,
		"model_version": p.ModelVersion,
	}
}

// TrainReport is the outcome of one training pass.
type TrainReport struct {
	Status  string  `json:"status"`
	Version string  `json:"version,omitempty"`
	Metrics Metrics `json:"metrics"`
}

// Supervisor trains the failure predictor from weak labels and serves
// batch predictions. It caches the active model in memory and reloads the
// blob whenever the registry points at a different version.
type Supervisor struct {
	store    Store
	settings Settings
	logger   *zap.Logger
	now      func() time.Time

	mu      sync.RWMutex
	model   *Model
	version string
}

// NewSupervisor creates a supervisor.
func NewSupervisor(st Store, settings Settings, logger *zap.Logger) *Supervisor {
	if settings.MinTrainSamples < 1 {
		settings.MinTrainSamples = 50
	}
	if settings.MinPositiveLabels < 1 {
		settings.MinPositiveLabels = 5
	}
	if settings.ModelDir == "" {
		settings.ModelDir = DefaultSettings().ModelDir
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{store: st, settings: settings, logger: logger, now: time.Now}
}

// Train builds the training set from the current baseline rows, labels it
// from the trailing event window, fits a model and registers it as active.
// Sparse fleets return StatusInsufficientData without touching the registry.
func (s *Supervisor) Train(ctx context.Context) (*TrainReport, error) {
	now := s.now().UTC()

	features, labels, err := s.trainingSet(ctx, now)
	if err != nil {
		metrics.TrainingRunsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	positives := 0
	for _, y := range labels {
		positives += y
	}
	if len(features) < s.settings.MinTrainSamples || positives < s.settings.MinPositiveLabels {
		metrics.TrainingRunsTotal.WithLabelValues(StatusInsufficientData).Inc()
		s.logger.Info("training skipped",
			zap.Int("samples", len(features)),
			zap.Int("positives", positives),
			zap.Int("min_samples", s.settings.MinTrainSamples),
			zap.Int("min_positives", s.settings.MinPositiveLabels))
		return &TrainReport{
			Status:  StatusInsufficientData,
			Metrics: Metrics{Samples: len(features), Positives: positives},
		}, nil
	}

	posWeight := 1.0
	if negatives := len(features) - positives; negatives > 0 {
		posWeight = float64(negatives) / float64(positives)
	}

	model := trainModel(features, labels, featureNames(), posWeight)
	perf := evaluate(model, features, labels)
	version := now.Format(versionLayout)

	blobPath, err := s.writeBlob(model, version)
	if err != nil {
		metrics.TrainingRunsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	rec := &store.ModelRecord{
		ID:        uuid.NewString(),
		ModelName: ModelName,
		Version:   version,
		BlobPath:  blobPath,
		TrainedAt: now,
		IsActive:  true,
	}
	if blob, err := json.Marshal(perf); err == nil {
		rec.Metrics = string(blob)
	}
	if err := s.store.SaveModel(ctx, rec); err != nil {
		metrics.TrainingRunsTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("register model %s: %w", version, err)
	}

	s.mu.Lock()
	s.model, s.version = model, version
	s.mu.Unlock()

	metrics.TrainingRunsTotal.WithLabelValues(StatusTrained).Inc()
	s.logger.Info("model trained",
		zap.String("version", version),
		zap.Int("samples", perf.Samples),
		zap.Int("positives", perf.Positives),
		zap.Float64("auc", perf.AUC),
		zap.Float64("f1", perf.F1))

	return &TrainReport{Status: StatusTrained, Version: version, Metrics: perf}, nil
}

// Predict scores a batch of miners with the active model. Without an active
// model, or with an unreadable blob, every miner scores 0.0 under version
// "none"; prediction never fails the cycle.
func (s *Supervisor) Predict(ctx context.Context, samples []Sample) map[string]Prediction {
	out := make(map[string]Prediction, len(samples))

	model, version := s.activeModel(ctx)
	if model == nil {
		metrics.PredictionsTotal.WithLabelValues("none").Inc()
		for _, smp := range samples {
			out[smp.MinerID] = Prediction{PFail24h: 0.0, ModelVersion: NoModelVersion}
		}
		return out
	}

	top := model.TopFeatures(3)
	for _, smp := range samples {
		out[smp.MinerID] = Prediction{
			PFail24h:     model.Score(smp.vector()),
			TopFeatures:  top,
			ModelVersion: version,
		}
	}
	metrics.PredictionsTotal.WithLabelValues("active").Inc()
	return out
}

// trainingSet pivots the baseline rows into one feature row per miner and
// labels each miner by whether the event store saw a P0/P1 for it inside
// the failure window.
func (s *Supervisor) trainingSet(ctx context.Context, now time.Time) ([][]float64, []int, error) {
	rows, err := s.store.AllBaselines(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load baselines: %w", err)
	}

	states := make(map[string]baseline.MinerState)
	modes := make(map[string]string)
	for _, rec := range rows {
		if states[rec.MinerID] == nil {
			states[rec.MinerID] = baseline.MinerState{}
		}
		states[rec.MinerID][rec.MetricName] = baseline.MetricState{
			EWMA:        rec.EWMA,
			Variance:    rec.Variance,
			LastValue:   rec.LastValue,
			Residual:    rec.Residual,
			SampleCount: rec.SampleCount,
		}
		if rec.InferredMode != "" {
			modes[rec.MinerID] = rec.InferredMode
		}
	}

	failed, err := s.store.DistinctMinersWithEvents(ctx,
		[]string{string(rules.SeverityP0), string(rules.SeverityP1)}, now.Add(-failureWindow))
	if err != nil {
		return nil, nil, fmt.Errorf("load failure labels: %w", err)
	}
	failedSet := make(map[string]bool, len(failed))
	for _, id := range failed {
		failedSet[id] = true
	}

	miners := make([]string, 0, len(states))
	for id := range states {
		miners = append(miners, id)
	}
	sort.Strings(miners)

	features := make([][]float64, 0, len(miners))
	labels := make([]int, 0, len(miners))
	for _, id := range miners {
		features = append(features, Sample{MinerID: id, State: states[id], Mode: modes[id]}.vector())
		y := 0
		if failedSet[id] {
			y = 1
		}
		labels = append(labels, y)
	}
	return features, labels, nil
}

// activeModel resolves the registry's active version, reloading the blob
// only when it differs from the cached one.
func (s *Supervisor) activeModel(ctx context.Context) (*Model, string) {
	rec, err := s.store.GetActiveModel(ctx, ModelName)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ""
	}
	if err != nil {
		s.logger.Warn("model registry unavailable, predictions degrade to zero", zap.Error(err))
		return nil, ""
	}

	s.mu.RLock()
	if s.model != nil && s.version == rec.Version {
		model := s.model
		s.mu.RUnlock()
		return model, rec.Version
	}
	s.mu.RUnlock()

	model, err := loadModel(rec.BlobPath)
	if err != nil {
		s.logger.Warn("model blob unreadable, predictions degrade to zero",
			zap.String("version", rec.Version),
			zap.String("path", rec.BlobPath),
			zap.Error(err))
		return nil, ""
	}

	s.mu.Lock()
	s.model, s.version = model, rec.Version
	s.mu.Unlock()
	return model, rec.Version
}

// writeBlob persists the model JSON under ModelDir/ModelName/<version>.json
// via a temp file and rename, so a crash never leaves a half-written blob
// at the registered path.
func (s *Supervisor) writeBlob(model *Model, version string) (string, error) {
	dir := filepath.Join(s.settings.ModelDir, ModelName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("model dir: %w", err)
	}

	blob, err := json.Marshal(model)
	if err != nil {
		return "", fmt.Errorf("encode model: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+version+"-*")
	if err != nil {
		return "", fmt.Errorf("stage model blob: %w", err)
	}
	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write model blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("flush model blob: %w", err)
	}

	path := filepath.Join(dir, version+".json")
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("publish model blob: %w", err)
	}
	return path, nil
}

// loadModel reads and validates a model blob.
func loadModel(path string) (*Model, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var model Model
	if err := json.Unmarshal(blob, &model); err != nil {
		return nil, fmt.Errorf("decode model blob: %w", err)
	}
	if len(model.Trees) == 0 {
		return nil, errors.New("model blob has no trees")
	}
	if len(model.FeatureNames) != len(featureNames()) || len(model.Importance) != len(model.FeatureNames) {
		return nil, fmt.Errorf("model schema mismatch: %d features, expected %d",
			len(model.FeatureNames), len(featureNames()))
	}
	return &model, nil
}

// featureNames returns the model input schema in training order: three
// aggregates per tracked metric, then the encoded operating mode.
func featureNames() []string {
	names := make([]string, 0, 3*len(telemetry.MetricNames())+1)
	for _, metric := range telemetry.MetricNames() {
		names = append(names, metric+"_ewma", metric+"_variance", metric+"_samples")
	}
	return append(names, "mode_encoded")
}

// vector flattens a sample into the model input row. Metrics without
// baseline state fill with zeros.
func (s Sample) vector() []float64 {
	vec := make([]float64, 0, 3*len(telemetry.MetricNames())+1)
	for _, name := range telemetry.MetricNames() {
		st, ok := s.State[name]
		if !ok {
			vec = append(vec, 0, 0, 0)
			continue
		}
		vec = append(vec, st.EWMA, st.Variance, float64(st.SampleCount))
	}
	return append(vec, encodeMode(s.Mode))
}

// encodeMode maps the inferred operating mode onto the ordinal the model
// trains on. Unknown and unset both encode as -1.
func encodeMode(mode string) float64 {
	switch mode {
	case telemetry.ModeEco:
		return 0
	case telemetry.ModeNormal:
		return 1
	case telemetry.ModePerf:
		return 2
	default:
		return -1
	}
}
