package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/ArabotHXL/BTC-project-sub002/internal/baseline"
	"github.com/ArabotHXL/BTC-project-sub002/internal/ml"
	"github.com/ArabotHXL/BTC-project-sub002/internal/store"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000

	defaultModelLimit = 20
)

// handleListEvents handles GET /api/v1/events. status and severity accept
// comma-separated lists; site_id 0 or absent means every site.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := store.EventQuery{
		MinerID:  r.URL.Query().Get("miner_id"),
		RuleCode: r.URL.Query().Get("rule_code"),
		Limit:    defaultEventLimit,
	}

	if v := r.URL.Query().Get("site_id"); v != "" {
		siteID, err := strconv.ParseInt(v, 10, 64)
		if err != nil || siteID < 0 {
			respondError(w, http.StatusBadRequest, "invalid site_id")
			return
		}
		q.SiteID = siteID
	}
	if v := r.URL.Query().Get("status"); v != "" {
		q.Statuses = splitCSV(v)
	}
	if v := r.URL.Query().Get("severity"); v != "" {
		q.Severities = splitCSV(v)
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		if n > maxEventLimit {
			n = maxEventLimit
		}
		q.Limit = n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid offset")
			return
		}
		q.Offset = n
	}

	evs, err := s.deps.Store.QueryEvents(r.Context(), q)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if evs == nil {
		evs = []*store.EventRecord{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"events": evs,
		"count":  len(evs),
	})
}

// handleGetEvent handles GET /api/v1/events/{id}.
func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	ev, err := s.deps.Store.GetEvent(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "event not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, ev)
}

// handleMinerHealth handles GET /api/v1/miners/{miner_id}/health from the
// cycle-end cache. A miss means the miner has not been assessed within the
// cache TTL, stale assessments are never served.
func (s *Server) handleMinerHealth(w http.ResponseWriter, r *http.Request) {
	minerID := mux.Vars(r)["miner_id"]

	obj, ok := s.deps.Health.Get(minerID)
	if !ok {
		respondError(w, http.StatusNotFound, "no recent health assessment")
		return
	}
	respondJSON(w, http.StatusOK, obj)
}

type minerBaselinesResponse struct {
	MinerID        string                         `json:"miner_id"`
	InferredMode   string                         `json:"inferred_mode"`
	ModeConfidence float64                        `json:"mode_confidence"`
	Metrics        map[string]baseline.MetricState `json:"metrics"`
	UpdatedAt      time.Time                      `json:"updated_at"`
}

// handleMinerBaselines handles GET /api/v1/miners/{miner_id}/baselines. The
// mode columns are identical across a miner's rows; the first row speaks for
// all of them.
func (s *Server) handleMinerBaselines(w http.ResponseWriter, r *http.Request) {
	minerID := mux.Vars(r)["miner_id"]

	rows, err := s.deps.Store.ListBaselines(r.Context(), minerID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(rows) == 0 {
		respondError(w, http.StatusNotFound, "no baseline state for miner")
		return
	}

	resp := minerBaselinesResponse{
		MinerID:        minerID,
		InferredMode:   rows[0].InferredMode,
		ModeConfidence: rows[0].ModeConfidence,
		Metrics:        make(map[string]baseline.MetricState, len(rows)),
	}
	for _, rec := range rows {
		resp.Metrics[rec.MetricName] = baseline.MetricState{
			EWMA:        rec.EWMA,
			Variance:    rec.Variance,
			LastValue:   rec.LastValue,
			Residual:    rec.Residual,
			ZScore:      baseline.ZScore(rec),
			SampleCount: rec.SampleCount,
		}
		if rec.UpdatedAt.After(resp.UpdatedAt) {
			resp.UpdatedAt = rec.UpdatedAt
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

type siteSummaryResponse struct {
	SiteID         int64          `json:"site_id"`
	ActiveEvents   map[string]int `json:"active_events"`
	HealthStates   map[string]int `json:"health_states"`
	MinersAssessed int            `json:"miners_assessed"`
	GeneratedAt    time.Time      `json:"generated_at"`
}

// handleSiteSummary handles GET /api/v1/sites/{site_id}/summary: active event
// counts by severity plus the health mix of every miner assessed in the last
// cycle window.
func (s *Server) handleSiteSummary(w http.ResponseWriter, r *http.Request) {
	siteID, err := strconv.ParseInt(mux.Vars(r)["site_id"], 10, 64)
	if err != nil || siteID <= 0 {
		respondError(w, http.StatusBadRequest, "invalid site_id")
		return
	}

	active, err := s.deps.Store.QueryEvents(r.Context(), store.EventQuery{
		SiteID:   siteID,
		Statuses: store.ActiveStatuses,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := siteSummaryResponse{
		SiteID:       siteID,
		ActiveEvents: map[string]int{},
		HealthStates: map[string]int{},
		GeneratedAt:  s.now().UTC(),
	}
	for _, ev := range active {
		resp.ActiveEvents[ev.Severity]++
	}
	for _, obj := range s.deps.Health.Snapshot() {
		if obj.SiteID != siteID {
			continue
		}
		resp.HealthStates[obj.HealthState]++
		resp.MinersAssessed++
	}
	respondJSON(w, http.StatusOK, resp)
}

type suppressRequest struct {
	Until       *time.Time `json:"until,omitempty"`
	Maintenance bool       `json:"maintenance,omitempty"`
	Reason      string     `json:"reason,omitempty"`
}

// handleSuppress handles POST /api/v1/miners/{miner_id}/suppress. Maintenance
// suppressions hold until explicitly lifted; otherwise a future deadline is
// required.
func (s *Server) handleSuppress(w http.ResponseWriter, r *http.Request) {
	minerID := mux.Vars(r)["miner_id"]

	var req suppressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !req.Maintenance && req.Until == nil {
		respondError(w, http.StatusBadRequest, "until or maintenance is required")
		return
	}
	if req.Until != nil && !req.Until.After(s.now()) {
		respondError(w, http.StatusBadRequest, "until must be in the future")
		return
	}

	// A miner can be suppressed ahead of its first telemetry; the site is
	// simply unknown until then.
	var siteID int64
	if snap, err := s.deps.Store.GetTelemetry(r.Context(), minerID); err == nil {
		siteID = snap.SiteID
	} else if !errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	parked, err := s.deps.Events.SuppressMiner(r.Context(), minerID, siteID, req.Reason, req.Until, req.Maintenance)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("miner suppressed over api",
		zap.String("miner_id", minerID),
		zap.Bool("maintenance", req.Maintenance))
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"miner_id":      minerID,
		"events_parked": parked,
	})
}

// handleUnsuppress handles POST /api/v1/miners/{miner_id}/unsuppress.
func (s *Server) handleUnsuppress(w http.ResponseWriter, r *http.Request) {
	minerID := mux.Vars(r)["miner_id"]

	restored, err := s.deps.Events.UnsuppressMiner(r.Context(), minerID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"miner_id":        minerID,
		"events_restored": restored,
	})
}

// handleListModels handles GET /api/v1/models, the failure-model registry,
// newest first.
func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	limit := defaultModelLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	models, err := s.deps.Store.ListModels(r.Context(), ml.ModelName, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if models == nil {
		models = []*store.ModelRecord{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"models": models,
		"count":  len(models),
	})
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
