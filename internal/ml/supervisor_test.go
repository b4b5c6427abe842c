package ml

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ArabotHXL/BTC-project-sub002/internal/baseline"
	"github.com/ArabotHXL/BTC-project-sub002/internal/store"
	"github.com/ArabotHXL/BTC-project-sub002/internal/telemetry"
)

func newTestSupervisor(t *testing.T) (*Supervisor, store.Store, *time.Time) {
	t.Helper()
	st, err := store.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	sup := NewSupervisor(st, Settings{
		MinTrainSamples:   50,
		MinPositiveLabels: 5,
		ModelDir:          t.TempDir(),
	}, zap.NewNop())
	sup.now = func() time.Time { return now }
	return sup, st, &now
}

func baselineRows(minerID string, hashrate, boards, temp, eff float64, now time.Time) []*store.BaselineRecord {
	mk := func(metric string, ewma, variance float64) *store.BaselineRecord {
		return &store.BaselineRecord{
			MinerID:     minerID,
			MetricName:  metric,
			EWMA:        ewma,
			Variance:    variance,
			LastValue:   ewma,
			SampleCount: 24,
			UpdatedAt:   now,
		}
	}
	return []*store.BaselineRecord{
		mk(telemetry.MetricHashrateRatio, hashrate, 0.002),
		mk(telemetry.MetricBoardsRatio, boards, 0.001),
		mk(telemetry.MetricTempMax, temp, 2.0),
		mk(telemetry.MetricEfficiency, eff, 0.5),
	}
}

// seedFleet writes baselines for total miners; the first failing of them get
// a degraded profile plus a recent P1 event so they label positive.
func seedFleet(t *testing.T, st store.Store, total, failing int, now time.Time) {
	t.Helper()
	ctx := context.Background()

	var recs []*store.BaselineRecord
	for i := 0; i < total; i++ {
		id := fmt.Sprintf("miner-%03d", i)
		if i < failing {
			recs = append(recs, baselineRows(id, 0.40+0.002*float64(i), 0.66, 84+0.1*float64(i), 45, now)...)
		} else {
			recs = append(recs, baselineRows(id, 0.92+0.0004*float64(i), 1.0, 62+0.05*float64(i), 33, now)...)
		}
	}
	if err := st.UpsertBaselines(ctx, recs); err != nil {
		t.Fatalf("seed baselines: %v", err)
	}

	for i := 0; i < failing; i++ {
		id := fmt.Sprintf("miner-%03d", i)
		ev := &store.EventRecord{
			ID:         fmt.Sprintf("ev-%03d", i),
			DedupKey:   fmt.Sprintf("1:%s:hashrate_zero", id),
			SiteID:     1,
			MinerID:    id,
			RuleCode:   "hashrate_zero",
			Severity:   "P1",
			Status:     store.StatusOpen,
			Evidence:   "[]",
			StartTS:    now.Add(-2 * time.Hour),
			LastSeenTS: now.Add(-30 * time.Minute),
			CreatedAt:  now.Add(-2 * time.Hour),
			UpdatedAt:  now.Add(-30 * time.Minute),
		}
		if err := st.InsertEvent(ctx, ev); err != nil {
			t.Fatalf("seed event for %s: %v", id, err)
		}
	}
}

func minerState(hashrate, boards, temp, eff float64) baseline.MinerState {
	return baseline.MinerState{
		telemetry.MetricHashrateRatio: {EWMA: hashrate, Variance: 0.002, SampleCount: 24},
		telemetry.MetricBoardsRatio:   {EWMA: boards, Variance: 0.001, SampleCount: 24},
		telemetry.MetricTempMax:       {EWMA: temp, Variance: 2, SampleCount: 24},
		telemetry.MetricEfficiency:    {EWMA: eff, Variance: 0.5, SampleCount: 24},
	}
}

func TestTrainGateOnSampleCount(t *testing.T) {
	sup, st, now := newTestSupervisor(t)
	ctx := context.Background()
	seedFleet(t, st, 20, 6, *now)

	rep, err := sup.Train(ctx)
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if rep.Status != StatusInsufficientData {
		t.Fatalf("status = %q, want %q", rep.Status, StatusInsufficientData)
	}
	if rep.Metrics.Samples != 20 || rep.Metrics.Positives != 6 {
		t.Errorf("counts = %d/%d, want 20/6", rep.Metrics.Samples, rep.Metrics.Positives)
	}
	if _, err := st.GetActiveModel(ctx, ModelName); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("registry written despite gate, err = %v", err)
	}
}

func TestTrainGateOnPositiveCount(t *testing.T) {
	sup, st, now := newTestSupervisor(t)
	seedFleet(t, st, 60, 2, *now)

	rep, err := sup.Train(context.Background())
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if rep.Status != StatusInsufficientData {
		t.Fatalf("status = %q, want %q", rep.Status, StatusInsufficientData)
	}
	if rep.Metrics.Positives != 2 {
		t.Errorf("positives = %d, want 2", rep.Metrics.Positives)
	}
}

func TestTrainRegistersActiveModel(t *testing.T) {
	sup, st, now := newTestSupervisor(t)
	ctx := context.Background()
	seedFleet(t, st, 60, 10, *now)

	rep, err := sup.Train(ctx)
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if rep.Status != StatusTrained {
		t.Fatalf("status = %q, want %q", rep.Status, StatusTrained)
	}
	if rep.Version != "20250601_120000" {
		t.Errorf("version = %q, want timestamp-derived 20250601_120000", rep.Version)
	}
	if rep.Metrics.AUC < 0.95 {
		t.Errorf("training AUC = %.3f, want >= 0.95 on separable fleet", rep.Metrics.AUC)
	}

	rec, err := st.GetActiveModel(ctx, ModelName)
	if err != nil {
		t.Fatalf("GetActiveModel: %v", err)
	}
	if !rec.IsActive || rec.Version != rep.Version {
		t.Errorf("active row = %+v, want active version %s", rec, rep.Version)
	}
	if _, err := os.Stat(rec.BlobPath); err != nil {
		t.Errorf("model blob missing: %v", err)
	}

	var stored Metrics
	if err := json.Unmarshal([]byte(rec.Metrics), &stored); err != nil {
		t.Fatalf("metrics json: %v", err)
	}
	if stored.Samples != 60 || stored.Positives != 10 {
		t.Errorf("stored counts = %d/%d, want 60/10", stored.Samples, stored.Positives)
	}
}

func TestRetrainFlipsActiveVersion(t *testing.T) {
	sup, st, now := newTestSupervisor(t)
	ctx := context.Background()
	seedFleet(t, st, 60, 10, *now)

	first, err := sup.Train(ctx)
	if err != nil {
		t.Fatalf("first Train: %v", err)
	}
	*now = now.Add(time.Hour)
	second, err := sup.Train(ctx)
	if err != nil {
		t.Fatalf("second Train: %v", err)
	}
	if first.Version == second.Version {
		t.Fatalf("retrain reused version %q", first.Version)
	}

	active, err := st.GetActiveModel(ctx, ModelName)
	if err != nil {
		t.Fatalf("GetActiveModel: %v", err)
	}
	if active.Version != second.Version {
		t.Errorf("active = %q, want %q", active.Version, second.Version)
	}

	list, err := st.ListModels(ctx, ModelName, 10)
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("registry rows = %d, want 2", len(list))
	}
	activeCount := 0
	for _, rec := range list {
		if rec.IsActive {
			activeCount++
		}
	}
	if activeCount != 1 {
		t.Errorf("active rows = %d, want exactly 1", activeCount)
	}
}

func TestPredictSeparatesProfiles(t *testing.T) {
	sup, st, now := newTestSupervisor(t)
	ctx := context.Background()
	seedFleet(t, st, 60, 10, *now)

	rep, err := sup.Train(ctx)
	if err != nil {
		t.Fatalf("Train: %v", err)
	}

	preds := sup.Predict(ctx, []Sample{
		{MinerID: "probe-bad", State: minerState(0.41, 0.66, 85, 45)},
		{MinerID: "probe-good", State: minerState(0.93, 1.0, 63, 33)},
	})

	bad, good := preds["probe-bad"], preds["probe-good"]
	if bad.ModelVersion != rep.Version || good.ModelVersion != rep.Version {
		t.Errorf("versions = %q/%q, want %q", bad.ModelVersion, good.ModelVersion, rep.Version)
	}
	if len(bad.TopFeatures) != 3 {
		t.Errorf("top features = %d, want 3", len(bad.TopFeatures))
	}
	if bad.PFail24h <= good.PFail24h {
		t.Errorf("failing profile %.3f does not outrank healthy %.3f", bad.PFail24h, good.PFail24h)
	}
	if bad.PFail24h < 0.5 {
		t.Errorf("failing profile p_fail = %.3f, want >= 0.5", bad.PFail24h)
	}
	if good.PFail24h > 0.5 {
		t.Errorf("healthy profile p_fail = %.3f, want < 0.5", good.PFail24h)
	}

	block := bad.Block()
	if block["model_version"] != rep.Version {
		t.Errorf("block version = %v, want %s", block["model_version"], rep.Version)
	}
	if _, ok := block["p_fail_24h"]; !ok {
		t.Error("block missing p_fail_24h")
	}
}

// With no trained model every miner scores zero and the batch still
// succeeds.
func TestPredictWithoutModelDegrades(t *testing.T) {
	sup, _, _ := newTestSupervisor(t)

	preds := sup.Predict(context.Background(), []Sample{
		{MinerID: "m-1", State: minerState(0.41, 0.66, 85, 45)},
		{MinerID: "m-2"},
	})
	if len(preds) != 2 {
		t.Fatalf("predictions = %d, want 2", len(preds))
	}
	for id, p := range preds {
		if p.PFail24h != 0 {
			t.Errorf("%s p_fail = %v, want 0", id, p.PFail24h)
		}
		if p.ModelVersion != NoModelVersion {
			t.Errorf("%s version = %q, want %q", id, p.ModelVersion, NoModelVersion)
		}
		if len(p.TopFeatures) != 0 {
			t.Errorf("%s carries top features without a model", id)
		}
	}
}

func TestPredictSurvivesCorruptBlob(t *testing.T) {
	sup, st, now := newTestSupervisor(t)
	ctx := context.Background()
	seedFleet(t, st, 60, 10, *now)

	if _, err := sup.Train(ctx); err != nil {
		t.Fatalf("Train: %v", err)
	}
	rec, err := st.GetActiveModel(ctx, ModelName)
	if err != nil {
		t.Fatalf("GetActiveModel: %v", err)
	}
	if err := os.WriteFile(rec.BlobPath, []byte("not a model"), 0o644); err != nil {
		t.Fatalf("corrupt blob: %v", err)
	}

	// A replica with a cold cache has to read the blob from disk.
	replica := NewSupervisor(st, sup.settings, zap.NewNop())
	preds := replica.Predict(ctx, []Sample{{MinerID: "m-1"}})
	if p := preds["m-1"]; p.PFail24h != 0 || p.ModelVersion != NoModelVersion {
		t.Errorf("prediction = %+v, want zero under version none", p)
	}
}

func TestPredictReloadsNewVersion(t *testing.T) {
	sup, st, now := newTestSupervisor(t)
	ctx := context.Background()
	seedFleet(t, st, 60, 10, *now)

	v1, err := sup.Train(ctx)
	if err != nil {
		t.Fatalf("first Train: %v", err)
	}

	replica := NewSupervisor(st, sup.settings, zap.NewNop())
	sample := []Sample{{MinerID: "m-1", State: minerState(0.93, 1.0, 63, 33)}}
	if got := replica.Predict(ctx, sample)["m-1"].ModelVersion; got != v1.Version {
		t.Fatalf("version = %q, want %q", got, v1.Version)
	}

	*now = now.Add(time.Hour)
	v2, err := sup.Train(ctx)
	if err != nil {
		t.Fatalf("second Train: %v", err)
	}
	if got := replica.Predict(ctx, sample)["m-1"].ModelVersion; got != v2.Version {
		t.Errorf("version after retrain = %q, want %q", got, v2.Version)
	}
}

func TestVectorSchema(t *testing.T) {
	names := featureNames()
	if len(names) != 13 {
		t.Fatalf("feature schema has %d entries, want 13", len(names))
	}
	if names[len(names)-1] != "mode_encoded" {
		t.Errorf("last feature = %q, want mode_encoded", names[len(names)-1])
	}

	empty := Sample{MinerID: "x"}.vector()
	if len(empty) != len(names) {
		t.Fatalf("vector length %d, schema length %d", len(empty), len(names))
	}
	for i, v := range empty[:len(empty)-1] {
		if v != 0 {
			t.Errorf("missing metric filled with %v at %s, want 0", v, names[i])
		}
	}
	if empty[len(empty)-1] != -1 {
		t.Errorf("unset mode encoded as %v, want -1", empty[len(empty)-1])
	}

	cases := map[string]float64{
		telemetry.ModeEco:     0,
		telemetry.ModeNormal:  1,
		telemetry.ModePerf:    2,
		telemetry.ModeUnknown: -1,
		"":                    -1,
	}
	for mode, want := range cases {
		if got := encodeMode(mode); got != want {
			t.Errorf("encodeMode(%q) = %v, want %v", mode, got, want)
		}
	}
}
