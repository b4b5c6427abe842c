package server

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/ArabotHXL/BTC-project-sub002/internal/health"
	"github.com/ArabotHXL/BTC-project-sub002/internal/ml"
	"github.com/ArabotHXL/BTC-project-sub002/internal/store"
)

func TestListEventsFilters(t *testing.T) {
	s, st := newTestServer(t, Options{})
	now := time.Now().UTC()

	seedEvent(t, st, "ev-1", 1, "m-1", "overheat_crit", "P0", store.StatusOpen, now)
	seedEvent(t, st, "ev-2", 1, "m-2", "hashrate_degradation", "P2", store.StatusOpen, now.Add(-time.Minute))
	seedEvent(t, st, "ev-3", 2, "m-9", "offline", "P0", store.StatusOpen, now.Add(-2*time.Minute))
	seedEvent(t, st, "ev-4", 1, "m-3", "fan_zero", "P1", store.StatusResolved, now.Add(-3*time.Minute))

	var resp struct {
		Events []*store.EventRecord `json:"events"`
		Count  int                  `json:"count"`
	}

	rec := doRequest(t, s, http.MethodGet, "/api/v1/events?site_id=1&severity=P0", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", rec.Code, rec.Body.String())
	}
	decodeJSON(t, rec, &resp)
	if resp.Count != 1 || resp.Events[0].ID != "ev-1" {
		t.Errorf("site 1 P0 events = %+v, want just ev-1", resp.Events)
	}

	// Comma-separated severities, newest first.
	rec = doRequest(t, s, http.MethodGet, "/api/v1/events?severity=P0,P2&status=open", nil)
	decodeJSON(t, rec, &resp)
	if resp.Count != 3 {
		t.Fatalf("P0+P2 open events = %d, want 3", resp.Count)
	}
	if resp.Events[0].ID != "ev-1" || resp.Events[2].ID != "ev-3" {
		t.Errorf("order = %s..%s, want ev-1..ev-3", resp.Events[0].ID, resp.Events[2].ID)
	}

	rec = doRequest(t, s, http.MethodGet, "/api/v1/events?miner_id=m-3&status=resolved", nil)
	decodeJSON(t, rec, &resp)
	if resp.Count != 1 || resp.Events[0].ID != "ev-4" {
		t.Errorf("resolved events for m-3 = %+v", resp.Events)
	}

	rec = doRequest(t, s, http.MethodGet, "/api/v1/events?limit=2", nil)
	decodeJSON(t, rec, &resp)
	if resp.Count != 2 {
		t.Errorf("limited events = %d, want 2", resp.Count)
	}

	if rec := doRequest(t, s, http.MethodGet, "/api/v1/events?site_id=abc", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad site_id status = %d, want 400", rec.Code)
	}
	if rec := doRequest(t, s, http.MethodGet, "/api/v1/events?limit=0", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("zero limit status = %d, want 400", rec.Code)
	}
}

func TestGetEventByID(t *testing.T) {
	s, st := newTestServer(t, Options{})
	now := time.Now().UTC()
	seedEvent(t, st, "ev-1", 1, "m-1", "overheat_crit", "P0", store.StatusOpen, now)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/events/ev-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var ev store.EventRecord
	decodeJSON(t, rec, &ev)
	if ev.ID != "ev-1" || ev.RuleCode != "overheat_crit" {
		t.Errorf("event = %+v", ev)
	}

	if rec := doRequest(t, s, http.MethodGet, "/api/v1/events/missing", nil); rec.Code != http.StatusNotFound {
		t.Errorf("missing event status = %d, want 404", rec.Code)
	}
}

func TestMinerHealthFromCache(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	now := time.Now().UTC()

	s.deps.Health.Put([]health.Object{{
		SiteID:      1,
		MinerID:     "m-1",
		HealthState: "P1",
		Issues:      []health.Issue{{Code: "fan_zero", Severity: "P1"}},
		PFail24h:    0.4,
		LastSeenTS:  now,
		AssessedAt:  now,
	}})

	rec := doRequest(t, s, http.MethodGet, "/api/v1/miners/m-1/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var obj health.Object
	decodeJSON(t, rec, &obj)
	if obj.HealthState != "P1" || len(obj.Issues) != 1 {
		t.Errorf("health object = %+v", obj)
	}

	if rec := doRequest(t, s, http.MethodGet, "/api/v1/miners/unseen/health", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unseen miner status = %d, want 404", rec.Code)
	}
}

func TestMinerBaselines(t *testing.T) {
	s, st := newTestServer(t, Options{})
	ctx := context.Background()
	now := time.Now().UTC()

	err := st.UpsertBaselines(ctx, []*store.BaselineRecord{
		{MinerID: "m-1", MetricName: "hashrate_ratio", EWMA: 0.97, Variance: 0.001, LastValue: 0.95, Residual: -0.02, SampleCount: 8, UpdatedAt: now},
		{MinerID: "m-1", MetricName: "temp_max", EWMA: 70.5, Variance: 4.0, LastValue: 74.5, Residual: 4.0, SampleCount: 8, UpdatedAt: now},
	})
	if err != nil {
		t.Fatalf("UpsertBaselines: %v", err)
	}
	err = st.SetBaselineModes(ctx, []store.ModeUpdate{
		{MinerID: "m-1", Mode: "normal", Confidence: 0.9, UpdatedAt: now},
	})
	if err != nil {
		t.Fatalf("SetBaselineModes: %v", err)
	}

	rec := doRequest(t, s, http.MethodGet, "/api/v1/miners/m-1/baselines", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", rec.Code, rec.Body.String())
	}
	var resp minerBaselinesResponse
	decodeJSON(t, rec, &resp)
	if resp.InferredMode != "normal" || resp.ModeConfidence != 0.9 {
		t.Errorf("mode = %s/%v", resp.InferredMode, resp.ModeConfidence)
	}
	if len(resp.Metrics) != 2 {
		t.Fatalf("metrics = %d, want 2", len(resp.Metrics))
	}
	temp := resp.Metrics["temp_max"]
	if temp.EWMA != 70.5 || temp.SampleCount != 8 {
		t.Errorf("temp_max state = %+v", temp)
	}
	if temp.ZScore != 2.0 {
		t.Errorf("temp_max z = %v, want 2.0 (residual 4 over sd 2)", temp.ZScore)
	}

	if rec := doRequest(t, s, http.MethodGet, "/api/v1/miners/unknown/baselines", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown miner status = %d, want 404", rec.Code)
	}
}

func TestSiteSummary(t *testing.T) {
	s, st := newTestServer(t, Options{})
	now := time.Now().UTC()

	seedEvent(t, st, "ev-1", 1, "m-1", "overheat_crit", "P0", store.StatusOpen, now)
	seedEvent(t, st, "ev-2", 1, "m-2", "temp_anomaly", "P2", store.StatusOpen, now)
	seedEvent(t, st, "ev-3", 1, "m-3", "fan_zero", "P1", store.StatusResolved, now)
	seedEvent(t, st, "ev-4", 2, "m-9", "offline", "P0", store.StatusOpen, now)

	s.deps.Health.Put([]health.Object{
		{SiteID: 1, MinerID: "m-1", HealthState: "P0", AssessedAt: now},
		{SiteID: 1, MinerID: "m-2", HealthState: "P2", AssessedAt: now},
		{SiteID: 1, MinerID: "m-4", HealthState: health.StateOK, AssessedAt: now},
		{SiteID: 2, MinerID: "m-9", HealthState: "P0", AssessedAt: now},
	})

	rec := doRequest(t, s, http.MethodGet, "/api/v1/sites/1/summary", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", rec.Code, rec.Body.String())
	}
	var resp siteSummaryResponse
	decodeJSON(t, rec, &resp)
	if resp.ActiveEvents["P0"] != 1 || resp.ActiveEvents["P2"] != 1 {
		t.Errorf("active events = %v", resp.ActiveEvents)
	}
	if resp.ActiveEvents["P1"] != 0 {
		t.Error("resolved event counted as active")
	}
	if resp.MinersAssessed != 3 {
		t.Errorf("miners assessed = %d, want 3", resp.MinersAssessed)
	}
	if resp.HealthStates["OK"] != 1 || resp.HealthStates["P0"] != 1 || resp.HealthStates["P2"] != 1 {
		t.Errorf("health mix = %v", resp.HealthStates)
	}

	if rec := doRequest(t, s, http.MethodGet, "/api/v1/sites/zero/summary", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad site_id status = %d, want 400", rec.Code)
	}
}

func TestSuppressAndUnsuppressOverAPI(t *testing.T) {
	s, st := newTestServer(t, Options{})
	ctx := context.Background()
	now := time.Now().UTC()

	seedEvent(t, st, "ev-1", 1, "m-1", "overheat_warn", "P1", store.StatusOpen, now)

	rec := doRequest(t, s, http.MethodPost, "/api/v1/miners/m-1/suppress",
		suppressRequest{Maintenance: true, Reason: "hashboard swap"})
	if rec.Code != http.StatusOK {
		t.Fatalf("suppress status = %d (body %s)", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	decodeJSON(t, rec, &resp)
	if resp["events_parked"].(float64) != 1 {
		t.Errorf("events_parked = %v, want 1", resp["events_parked"])
	}

	sup, err := st.GetSuppression(ctx, "m-1")
	if err != nil {
		t.Fatalf("GetSuppression: %v", err)
	}
	if !sup.Maintenance || sup.Reason != "hashboard swap" {
		t.Errorf("suppression = %+v", sup)
	}
	ev, err := st.GetEvent(ctx, "ev-1")
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if ev.Status != store.StatusSuppressed {
		t.Errorf("event status = %q, want suppressed", ev.Status)
	}

	rec = doRequest(t, s, http.MethodPost, "/api/v1/miners/m-1/unsuppress", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unsuppress status = %d", rec.Code)
	}
	decodeJSON(t, rec, &resp)
	if resp["events_restored"].(float64) != 1 {
		t.Errorf("events_restored = %v, want 1", resp["events_restored"])
	}
	ev, _ = st.GetEvent(ctx, "ev-1")
	if ev.Status != store.StatusOpen {
		t.Errorf("event status after unsuppress = %q, want open", ev.Status)
	}
	if _, err := st.GetSuppression(ctx, "m-1"); err == nil {
		t.Error("suppression row survived unsuppress")
	}
}

func TestSuppressValidation(t *testing.T) {
	s, _ := newTestServer(t, Options{})

	rec := doRequest(t, s, http.MethodPost, "/api/v1/miners/m-1/suppress", suppressRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty request status = %d, want 400", rec.Code)
	}

	past := time.Now().UTC().Add(-time.Hour)
	rec = doRequest(t, s, http.MethodPost, "/api/v1/miners/m-1/suppress", suppressRequest{Until: &past})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("past deadline status = %d, want 400", rec.Code)
	}

	// A deadline suppression for a miner with no telemetry still lands.
	future := time.Now().UTC().Add(2 * time.Hour)
	rec = doRequest(t, s, http.MethodPost, "/api/v1/miners/m-new/suppress",
		suppressRequest{Until: &future, Reason: "commissioning"})
	if rec.Code != http.StatusOK {
		t.Errorf("future deadline status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
}

func TestListModels(t *testing.T) {
	s, st := newTestServer(t, Options{})
	ctx := context.Background()
	now := time.Now().UTC()

	for i, version := range []string{"20250601_080000", "20250602_080000"} {
		err := st.SaveModel(ctx, &store.ModelRecord{
			ID:        version,
			ModelName: ml.ModelName,
			Version:   version,
			BlobPath:  "/models/" + version + ".json",
			Metrics:   `{"auc":0.9}`,
			TrainedAt: now.Add(time.Duration(i) * time.Hour),
			IsActive:  true,
		})
		if err != nil {
			t.Fatalf("SaveModel %s: %v", version, err)
		}
	}

	rec := doRequest(t, s, http.MethodGet, "/api/v1/models", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", rec.Code, rec.Body.String())
	}
	var resp struct {
		Models []*store.ModelRecord `json:"models"`
		Count  int                  `json:"count"`
	}
	decodeJSON(t, rec, &resp)
	if resp.Count != 2 {
		t.Fatalf("models = %d, want 2", resp.Count)
	}
	if resp.Models[0].Version != "20250602_080000" {
		t.Errorf("newest first, got %s", resp.Models[0].Version)
	}
	if !resp.Models[0].IsActive || resp.Models[1].IsActive {
		t.Error("exactly the newest model should be active")
	}

	if rec := doRequest(t, s, http.MethodGet, "/api/v1/models?limit=bad", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", rec.Code)
	}
}
