package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ArabotHXL/BTC-project-sub002/internal/store"
)

func resolvedEvent(id, minerID string, resolvedAt time.Time) *store.EventRecord {
	ts := resolvedAt.Add(-time.Hour)
	return &store.EventRecord{
		ID:          id,
		DedupKey:    "1:" + minerID + ":overheat_warn",
		SiteID:      1,
		MinerID:     minerID,
		RuleCode:    "overheat_warn",
		Severity:    "P1",
		Status:      store.StatusResolved,
		Description: "board temperature in the warning band",
		Evidence:    "[]",
		StartTS:     ts,
		LastSeenTS:  resolvedAt,
		ResolvedTS:  &resolvedAt,
		CreatedAt:   ts,
		UpdatedAt:   resolvedAt,
	}
}

func TestSweepPurgesAgedTerminalRows(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Round(time.Second)

	lock := NewLockManager(st, SweepLockName, "sweeper-test", time.Minute, time.Second, zap.NewNop())
	sw := NewSweeper(st, lock, RetentionSettings{
		ResolvedEventAge: 90 * 24 * time.Hour,
		DispatchedAge:    30 * 24 * time.Hour,
		Interval:         time.Hour,
	}, zap.NewNop())
	sw.now = func() time.Time { return now }

	// Events: aged resolved, fresh resolved, and one still active.
	if err := st.InsertEvent(ctx, resolvedEvent("ev-aged", "m-1", now.Add(-91*24*time.Hour))); err != nil {
		t.Fatalf("insert aged event: %v", err)
	}
	if err := st.InsertEvent(ctx, resolvedEvent("ev-fresh", "m-2", now.Add(-time.Hour))); err != nil {
		t.Fatalf("insert fresh event: %v", err)
	}
	open := resolvedEvent("ev-open", "m-3", now.Add(-200*24*time.Hour))
	open.Status = store.StatusOpen
	open.ResolvedTS = nil
	if err := st.InsertEvent(ctx, open); err != nil {
		t.Fatalf("insert open event: %v", err)
	}

	// Outbox: aged dispatched, fresh dispatched, and an undispatched row that
	// age alone must never delete.
	agedAt := now.Add(-31 * 24 * time.Hour)
	freshAt := now.Add(-time.Hour)
	err := st.EnqueueOutboxBatch(ctx, []*store.OutboxRecord{
		{ID: "ob-aged", EventID: "ev-aged", Kind: store.OutboxKindNotification, Severity: "P1", SiteID: 1, Payload: "{}", CreatedAt: agedAt.Add(-time.Minute), DispatchedAt: &agedAt},
		{ID: "ob-fresh", EventID: "ev-fresh", Kind: store.OutboxKindNotification, Severity: "P1", SiteID: 1, Payload: "{}", CreatedAt: freshAt.Add(-time.Minute), DispatchedAt: &freshAt},
		{ID: "ob-pending", EventID: "ev-open", Kind: store.OutboxKindTicket, Severity: "P1", SiteID: 1, Payload: "{}", CreatedAt: now.Add(-400 * 24 * time.Hour)},
	})
	if err != nil {
		t.Fatalf("enqueue outbox: %v", err)
	}

	// Commands: aged acked, fresh acked, and one still pending.
	for _, c := range []struct {
		id    string
		acked *time.Time
	}{
		{"cmd-aged", &agedAt},
		{"cmd-fresh", &freshAt},
		{"cmd-pending", nil},
	} {
		rec := &store.CommandRecord{
			ID: c.id, AgentID: "agent-1", MinerID: "m-1",
			Command: "reboot", Args: "{}", Status: "pending",
			CreatedAt: now.Add(-400 * 24 * time.Hour),
		}
		if err := st.EnqueueCommand(ctx, rec); err != nil {
			t.Fatalf("enqueue command %s: %v", c.id, err)
		}
		if c.acked != nil {
			if err := st.AckCommand(ctx, c.id, "done", *c.acked); err != nil {
				t.Fatalf("ack command %s: %v", c.id, err)
			}
		}
	}

	if err := sw.SweepOnce(ctx); err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}

	// Aged resolved event gone; fresh and active stay.
	if _, err := st.GetEvent(ctx, "ev-aged"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("aged resolved event survived the sweep: %v", err)
	}
	if _, err := st.GetEvent(ctx, "ev-fresh"); err != nil {
		t.Errorf("fresh resolved event purged: %v", err)
	}
	if _, err := st.GetEvent(ctx, "ev-open"); err != nil {
		t.Errorf("active event purged: %v", err)
	}

	// The undispatched outbox row survives regardless of age.
	pending, err := st.PendingOutbox(ctx, 10)
	if err != nil {
		t.Fatalf("PendingOutbox: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "ob-pending" {
		t.Errorf("pending outbox after sweep = %+v, want only ob-pending", pending)
	}
	// The fresh dispatched row is still there: purging everything dispatched
	// before now removes exactly one row.
	if n, _ := st.PurgeOutboxBefore(ctx, now); n != 1 {
		t.Errorf("dispatched rows left after sweep = %d, want 1 (ob-fresh)", n)
	}

	// Same shape for commands: fresh ack stays, pending stays.
	if n, _ := st.PurgeCommandsBefore(ctx, now); n != 1 {
		t.Errorf("acked commands left after sweep = %d, want 1 (cmd-fresh)", n)
	}
	cmds, err := st.FetchCommands(ctx, "agent-1", 10, now)
	if err != nil {
		t.Fatalf("FetchCommands: %v", err)
	}
	if len(cmds) != 1 || cmds[0].ID != "cmd-pending" {
		t.Errorf("pending commands after sweep = %+v, want only cmd-pending", cmds)
	}
}

func TestSweepSkipsWhenLockBusy(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Round(time.Second)

	rival := NewLockManager(st, SweepLockName, "rival", time.Minute, time.Second, zap.NewNop())
	if ok, err := rival.Acquire(ctx); err != nil || !ok {
		t.Fatalf("rival acquire: ok=%v err=%v", ok, err)
	}

	if err := st.InsertEvent(ctx, resolvedEvent("ev-aged", "m-1", now.Add(-91*24*time.Hour))); err != nil {
		t.Fatalf("insert aged event: %v", err)
	}

	lock := NewLockManager(st, SweepLockName, "sweeper-test", time.Minute, time.Second, zap.NewNop())
	sw := NewSweeper(st, lock, DefaultRetentionSettings(), zap.NewNop())
	if err := sw.SweepOnce(ctx); err != nil {
		t.Fatalf("busy-lock sweep errored: %v", err)
	}
	if _, err := st.GetEvent(ctx, "ev-aged"); err != nil {
		t.Errorf("sweep ran despite a busy lock: %v", err)
	}
}

func TestSweepSurfacesStoreErrors(t *testing.T) {
	st := openTestStore(t)
	sw := NewSweeper(st, nil, DefaultRetentionSettings(), zap.NewNop())

	st.Close()
	if err := sw.SweepOnce(context.Background()); err == nil {
		t.Fatal("SweepOnce on a closed store returned nil")
	}
}
