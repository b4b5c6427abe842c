package server

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/ArabotHXL/BTC-project-sub002/internal/store"
	"github.com/ArabotHXL/BTC-project-sub002/internal/telemetry"
)

func minerRecord(minerID string, siteID int64, hashrate, expected, temp float64) telemetry.Record {
	boardsHealthy, boardsTotal := 3, 3
	power := 3250.0
	return telemetry.Record{
		MinerID: minerID,
		SiteID:  siteID,
		Online:  true,
		Hashrate: telemetry.Hashrate{
			Value:       &hashrate,
			ExpectedTHs: &expected,
		},
		Temperature: telemetry.Temperature{Max: &temp},
		Hardware: telemetry.Hardware{
			BoardsHealthy: &boardsHealthy,
			BoardsTotal:   &boardsTotal,
			FanSpeeds:     []int{5800, 6000},
			Model:         "S19",
			Firmware:      "2.1.0",
		},
		Power: &power,
	}
}

func seedCommand(t *testing.T, st store.Store, id, agentID, minerID, command string, at time.Time) {
	t.Helper()
	err := st.EnqueueCommand(context.Background(), &store.CommandRecord{
		ID:        id,
		AgentID:   agentID,
		MinerID:   minerID,
		Command:   command,
		Args:      `{}`,
		CreatedAt: at,
	})
	if err != nil {
		t.Fatalf("seed command %s: %v", id, err)
	}
}

func TestTelemetryIngest(t *testing.T) {
	s, st := newTestServer(t, Options{})

	batch := telemetry.Batch{
		AgentID: "agent-1",
		Miners: []telemetry.Record{
			minerRecord("m-1", 1, 95.0, 100.0, 68.0),
			minerRecord("m-2", 1, 101.0, 100.0, 71.5),
			{MinerID: "", SiteID: 1}, // schema violation, skipped
		},
	}
	rec := doRequest(t, s, http.MethodPost, "/api/v1/agent/telemetry", batch)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	var resp ingestResponse
	decodeJSON(t, rec, &resp)
	if resp.Accepted != 2 || resp.Skipped != 1 {
		t.Errorf("accepted=%d skipped=%d, want 2/1", resp.Accepted, resp.Skipped)
	}

	// Accepted records landed as latest snapshots with extracted features.
	snap, err := st.GetTelemetry(context.Background(), "m-1")
	if err != nil {
		t.Fatalf("GetTelemetry: %v", err)
	}
	if snap.SiteID != 1 || !snap.Online {
		t.Errorf("snapshot = %+v", snap)
	}
	var feats telemetry.Features
	if err := json.Unmarshal([]byte(snap.Features), &feats); err != nil {
		t.Fatalf("decode features: %v", err)
	}
	if feats.HashrateRatio == nil || *feats.HashrateRatio != 0.95 {
		t.Errorf("hashrate ratio = %v, want 0.95", feats.HashrateRatio)
	}
	if feats.ObservedAt.IsZero() {
		t.Error("received_at default not applied")
	}

	// The skipped record stored nothing.
	if _, err := st.GetTelemetry(context.Background(), ""); err == nil {
		t.Error("invalid record was stored")
	}
}

func TestTelemetryIngestRejectsBadBodies(t *testing.T) {
	s, _ := newTestServer(t, Options{})

	rec := doRequest(t, s, http.MethodPost, "/api/v1/agent/telemetry", map[string]string{"nope": "x"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty miners status = %d, want 400", rec.Code)
	}

	req := doRequest(t, s, http.MethodPost, "/api/v1/agent/telemetry", []int{1, 2, 3})
	if req.Code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d, want 400", req.Code)
	}
}

func TestTelemetryIngestCapsBatchSize(t *testing.T) {
	s, _ := newTestServer(t, Options{})

	over := telemetry.Batch{Miners: make([]telemetry.Record, maxIngestRecords+1)}
	for i := range over.Miners {
		over.Miners[i] = minerRecord("m-x", 1, 95.0, 100.0, 68.0)
	}
	rec := doRequest(t, s, http.MethodPost, "/api/v1/agent/telemetry", over)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}

	// The batch endpoint takes the same payload.
	rec = doRequest(t, s, http.MethodPost, "/api/v1/agent/telemetry/batch", over)
	if rec.Code != http.StatusOK {
		t.Errorf("batch endpoint status = %d, want 200", rec.Code)
	}
}

func TestHeartbeatDeliversCommandsOnce(t *testing.T) {
	s, st := newTestServer(t, Options{})
	now := time.Now().UTC()

	seedCommand(t, st, "cmd-1", "agent-1", "m-1", "reboot", now.Add(-2*time.Minute))
	seedCommand(t, st, "cmd-2", "agent-1", "m-2", "mode_change", now.Add(-time.Minute))
	seedCommand(t, st, "cmd-3", "agent-2", "m-9", "reboot", now)

	rec := doRequest(t, s, http.MethodPost, "/api/v1/agent/heartbeat", heartbeatRequest{AgentID: "agent-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	var resp heartbeatResponse
	decodeJSON(t, rec, &resp)
	if len(resp.Commands) != 2 {
		t.Fatalf("commands = %d, want 2", len(resp.Commands))
	}
	// Oldest first, marked sent.
	if resp.Commands[0].ID != "cmd-1" || resp.Commands[1].ID != "cmd-2" {
		t.Errorf("command order = %s, %s", resp.Commands[0].ID, resp.Commands[1].ID)
	}
	for _, cmd := range resp.Commands {
		if cmd.Status != "sent" {
			t.Errorf("command %s status = %q, want sent", cmd.ID, cmd.Status)
		}
	}

	// Delivery is one-shot: the next heartbeat carries nothing.
	rec = doRequest(t, s, http.MethodPost, "/api/v1/agent/heartbeat", heartbeatRequest{AgentID: "agent-1"})
	decodeJSON(t, rec, &resp)
	if len(resp.Commands) != 0 {
		t.Errorf("second heartbeat commands = %d, want 0", len(resp.Commands))
	}
	if resp.ServerTime == "" {
		t.Error("heartbeat missing server_time")
	}
}

func TestHeartbeatRequiresAgentID(t *testing.T) {
	s, _ := newTestServer(t, Options{})

	rec := doRequest(t, s, http.MethodPost, "/api/v1/agent/heartbeat", heartbeatRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestPendingCommandsPoll(t *testing.T) {
	s, st := newTestServer(t, Options{})
	now := time.Now().UTC()

	seedCommand(t, st, "cmd-1", "agent-1", "m-1", "config_push", now)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/agent/commands/pending", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing agent_id status = %d, want 400", rec.Code)
	}

	rec = doRequest(t, s, http.MethodGet, "/api/v1/agent/commands/pending?agent_id=agent-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Commands []*store.CommandRecord `json:"commands"`
		Count    int                    `json:"count"`
	}
	decodeJSON(t, rec, &resp)
	if resp.Count != 1 || len(resp.Commands) != 1 {
		t.Fatalf("count = %d, want 1", resp.Count)
	}
	if resp.Commands[0].Command != "config_push" {
		t.Errorf("command = %q", resp.Commands[0].Command)
	}
}

func TestCommandResultAck(t *testing.T) {
	s, st := newTestServer(t, Options{})
	ctx := context.Background()
	now := time.Now().UTC()

	seedCommand(t, st, "cmd-1", "agent-1", "m-1", "reboot", now)
	if _, err := st.FetchCommands(ctx, "agent-1", 10, now); err != nil {
		t.Fatalf("FetchCommands: %v", err)
	}

	rec := doRequest(t, s, http.MethodPost, "/api/v1/agent/commands/cmd-1/result",
		commandResultRequest{Status: "done"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, s, http.MethodPost, "/api/v1/agent/commands/cmd-1/result",
		commandResultRequest{Status: "exploded"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad status code = %d, want 400", rec.Code)
	}

	rec = doRequest(t, s, http.MethodPost, "/api/v1/agent/commands/no-such/result",
		commandResultRequest{Status: "failed"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown command status = %d, want 404", rec.Code)
	}
}
