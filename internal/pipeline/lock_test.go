package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ArabotHXL/BTC-project-sub002/internal/store"
)

func openTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestAcquireIsExclusive(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	a := NewLockManager(st, "cycle", "holder-a", time.Minute, time.Second, zap.NewNop())
	b := NewLockManager(st, "cycle", "holder-b", time.Minute, time.Second, zap.NewNop())

	ok, err := a.Acquire(ctx)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if !ok {
		t.Fatal("first acquire did not take a free lock")
	}

	ok, err = b.Acquire(ctx)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Fatal("second holder acquired a held lock")
	}

	// The owner can re-acquire its own live lease.
	ok, err = a.Acquire(ctx)
	if err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	if !ok {
		t.Fatal("owner could not re-acquire its own lease")
	}
}

func TestAcquireStealsExpiredLease(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	a := NewLockManager(st, "cycle", "holder-a", time.Minute, time.Second, zap.NewNop())
	a.now = func() time.Time { return base }
	b := NewLockManager(st, "cycle", "holder-b", time.Minute, time.Second, zap.NewNop())
	b.now = func() time.Time { return base.Add(2 * time.Minute) }

	if ok, _ := a.Acquire(ctx); !ok {
		t.Fatal("initial acquire failed")
	}
	ok, err := b.Acquire(ctx)
	if err != nil {
		t.Fatalf("steal acquire: %v", err)
	}
	if !ok {
		t.Fatal("expired lease was not stolen")
	}

	rec, err := st.GetLock(ctx, "cycle")
	if err != nil {
		t.Fatalf("GetLock: %v", err)
	}
	if rec.Holder != "holder-b" {
		t.Fatalf("lock holder = %q, want holder-b", rec.Holder)
	}

	// The dispossessed holder's renewal must report the loss.
	if a.renew(ctx) {
		t.Fatal("renew succeeded after the lease was stolen")
	}
}

func TestHoldRenewsLease(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	m := NewLockManager(st, "cycle", "holder-a", 500*time.Millisecond, 20*time.Millisecond, zap.NewNop())
	if ok, err := m.Acquire(ctx); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	before, err := st.GetLock(ctx, "cycle")
	if err != nil {
		t.Fatalf("GetLock: %v", err)
	}

	held, release := m.Hold(ctx)
	time.Sleep(100 * time.Millisecond)

	after, err := st.GetLock(ctx, "cycle")
	if err != nil {
		t.Fatalf("GetLock after heartbeats: %v", err)
	}
	if !after.ExpiresAt.After(before.ExpiresAt) {
		t.Errorf("lease not extended: before %v, after %v", before.ExpiresAt, after.ExpiresAt)
	}
	if held.Err() != nil {
		t.Errorf("held context cancelled while renewals succeed: %v", context.Cause(held))
	}

	release()
	if _, err := st.GetLock(ctx, "cycle"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("lease still present after release: %v", err)
	}

	// Release is idempotent.
	release()
}

func TestHoldSignalsLossWhenLeaseIsStolen(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	m := NewLockManager(st, "cycle", "holder-a", time.Minute, 15*time.Millisecond, zap.NewNop())
	if ok, err := m.Acquire(ctx); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	held, release := m.Hold(ctx)
	defer release()

	// Steal the lease out from under the heartbeat.
	if err := st.ReleaseLock(ctx, "cycle", "holder-a"); err != nil {
		t.Fatalf("ReleaseLock: %v", err)
	}
	rival := NewLockManager(st, "cycle", "holder-b", time.Minute, time.Second, zap.NewNop())
	if ok, err := rival.Acquire(ctx); err != nil || !ok {
		t.Fatalf("rival acquire: ok=%v err=%v", ok, err)
	}

	select {
	case <-held.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("held context not cancelled after lease loss")
	}
	if cause := context.Cause(held); !errors.Is(cause, ErrLockLost) {
		t.Fatalf("cancellation cause = %v, want ErrLockLost", cause)
	}

	// Releasing after the loss must not delete the rival's lease.
	release()
	rec, err := st.GetLock(ctx, "cycle")
	if err != nil {
		t.Fatalf("GetLock: %v", err)
	}
	if rec.Holder != "holder-b" {
		t.Fatalf("release deleted the rival's lease, holder = %q", rec.Holder)
	}
}

func TestManagerDefaults(t *testing.T) {
	m := NewLockManager(nil, "", "", 0, 0, nil)
	if m.Name() != CycleLockName {
		t.Errorf("default name = %q, want %q", m.Name(), CycleLockName)
	}
	if m.Holder() == "" {
		t.Error("default holder is empty")
	}
	if m.lease != 4*time.Minute {
		t.Errorf("default lease = %v, want 4m", m.lease)
	}
	if m.heartbeat != time.Minute {
		t.Errorf("default heartbeat = %v, want 1m", m.heartbeat)
	}

	// A heartbeat that cannot fit inside the lease gets rescaled.
	m = NewLockManager(nil, "cycle", "h", time.Minute, time.Hour, nil)
	if m.heartbeat != 15*time.Second {
		t.Errorf("rescaled heartbeat = %v, want 15s", m.heartbeat)
	}
}
