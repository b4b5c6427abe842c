package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/ArabotHXL/BTC-project-sub002/internal/metrics"
	"github.com/ArabotHXL/BTC-project-sub002/internal/store"
	"github.com/ArabotHXL/BTC-project-sub002/internal/telemetry"
)

// Ingest caps. The plain endpoint serves agents posting one site's worth of
// miners per interval; the batch endpoint serves buffered drains after an
// agent reconnects.
const (
	maxIngestRecords      = 500
	maxIngestBatchRecords = 5000

	maxIngestBody      = 2 << 20  // 2 MiB
	maxIngestBatchBody = 16 << 20 // 16 MiB

	commandFetchLimit = 20
)

// Command terminal statuses accepted from agents.
const (
	commandStatusDone   = "done"
	commandStatusFailed = "failed"
)

type heartbeatRequest struct {
	AgentID string          `json:"agent_id"`
	Stats   json.RawMessage `json:"stats,omitempty"`
}

type heartbeatResponse struct {
	Commands   []*store.CommandRecord `json:"commands"`
	ServerTime string                 `json:"server_time"`
}

type ingestResponse struct {
	Accepted int `json:"accepted"`
	Skipped  int `json:"skipped"`
}

type commandResultRequest struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// handleHeartbeat handles POST /api/v1/agent/heartbeat. The response carries
// the agent's pending commands, marked sent, so a well-behaved agent needs no
// separate poll.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AgentID == "" {
		respondError(w, http.StatusBadRequest, "agent_id is required")
		return
	}

	now := s.now().UTC()
	cmds, err := s.deps.Store.FetchCommands(r.Context(), req.AgentID, commandFetchLimit, now)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Debug("agent heartbeat",
		zap.String("agent_id", req.AgentID),
		zap.Int("commands", len(cmds)))

	if cmds == nil {
		cmds = []*store.CommandRecord{}
	}
	respondJSON(w, http.StatusOK, heartbeatResponse{
		Commands:   cmds,
		ServerTime: now.Format(time.RFC3339),
	})
}

// handleTelemetry handles POST /api/v1/agent/telemetry.
func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	s.ingestTelemetry(w, r, maxIngestRecords, maxIngestBody)
}

// handleTelemetryBatch handles POST /api/v1/agent/telemetry/batch, the same
// body with buffered-drain limits.
func (s *Server) handleTelemetryBatch(w http.ResponseWriter, r *http.Request) {
	s.ingestTelemetry(w, r, maxIngestBatchRecords, maxIngestBatchBody)
}

// ingestTelemetry validates each record, extracts its feature vector and
// upserts the latest-snapshot rows in one transaction. Schema violations are
// skipped and counted, never partially stored; one malformed miner must not
// reject the rest of the batch.
func (s *Server) ingestTelemetry(w http.ResponseWriter, r *http.Request, maxRecords int, maxBody int64) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)

	var batch telemetry.Batch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(batch.Miners) == 0 {
		respondError(w, http.StatusBadRequest, "miners is required")
		return
	}
	if len(batch.Miners) > maxRecords {
		respondError(w, http.StatusRequestEntityTooLarge,
			"batch exceeds "+strconv.Itoa(maxRecords)+" records")
		return
	}

	now := s.now().UTC()
	snaps := make([]*store.TelemetrySnapshot, 0, len(batch.Miners))
	skipped := 0
	for i := range batch.Miners {
		rec := &batch.Miners[i]
		if rec.ReceivedAt.IsZero() {
			rec.ReceivedAt = now
		}
		if err := rec.Validate(); err != nil {
			skipped++
			continue
		}
		feats := telemetry.Extract(rec)
		blob, err := json.Marshal(feats)
		if err != nil {
			skipped++
			continue
		}
		snaps = append(snaps, &store.TelemetrySnapshot{
			MinerID:    rec.MinerID,
			SiteID:     rec.SiteID,
			Features:   string(blob),
			Online:     rec.Online,
			ObservedAt: rec.ReceivedAt.UTC(),
		})
	}

	if len(snaps) > 0 {
		if err := s.deps.Store.UpsertTelemetryBatch(r.Context(), snaps); err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	metrics.TelemetryRecordsTotal.WithLabelValues("accepted").Add(float64(len(snaps)))
	if skipped > 0 {
		metrics.TelemetryRecordsTotal.WithLabelValues("invalid").Add(float64(skipped))
		s.logger.Warn("telemetry records skipped",
			zap.String("agent_id", batch.AgentID),
			zap.Int("skipped", skipped),
			zap.Int("accepted", len(snaps)))
	}
	respondJSON(w, http.StatusOK, ingestResponse{Accepted: len(snaps), Skipped: skipped})
}

// handlePendingCommands handles GET /api/v1/agent/commands/pending. Delivery
// marks the rows sent; an agent that crashes after the poll re-receives
// nothing, which is the safe direction for reboot-class commands.
func (s *Server) handlePendingCommands(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" {
		respondError(w, http.StatusBadRequest, "agent_id is required")
		return
	}
	limit := commandFetchLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	cmds, err := s.deps.Store.FetchCommands(r.Context(), agentID, limit, s.now().UTC())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if cmds == nil {
		cmds = []*store.CommandRecord{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"commands": cmds,
		"count":    len(cmds),
	})
}

// handleCommandResult handles POST /api/v1/agent/commands/{id}/result.
func (s *Server) handleCommandResult(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req commandResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Status != commandStatusDone && req.Status != commandStatusFailed {
		respondError(w, http.StatusBadRequest, "status must be done or failed")
		return
	}

	if err := s.deps.Store.AckCommand(r.Context(), id, req.Status, s.now().UTC()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "command not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if req.Status == commandStatusFailed {
		s.logger.Warn("agent command failed",
			zap.String("command_id", id),
			zap.String("detail", req.Detail))
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": req.Status})
}
