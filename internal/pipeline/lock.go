package pipeline

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ArabotHXL/BTC-project-sub002/internal/metrics"
	"github.com/ArabotHXL/BTC-project-sub002/internal/store"
)

// CycleLockName is the lease every replica competes for before running a
// cycle. The name is shared database state; changing it lets two versions of
// the daemon run cycles concurrently.
const CycleLockName = "feature_store_job"

// ErrLockLost reports that a heartbeat found the lease gone mid-cycle. The
// cycle must stop committing immediately; another replica may already own it.
var ErrLockLost = errors.New("pipeline: scheduler lock lost")

// LockManager drives one named database lease: acquire, background renewal,
// release. One manager serves one holder identity for the process lifetime.
type LockManager struct {
	store     store.LockStore
	name      string
	holder    string
	lease     time.Duration
	heartbeat time.Duration
	logger    *zap.Logger

	// Injectable clock for lease expiry tests.
	now func() time.Time
}

// NewLockManager creates a lock manager. A non-positive lease falls back to
// four minutes; the heartbeat must leave several renewal attempts within one
// lease, so anything outside (0, lease) falls back to a quarter of it.
func NewLockManager(st store.LockStore, name, holder string, lease, heartbeat time.Duration, logger *zap.Logger) *LockManager {
	if name == "" {
		name = CycleLockName
	}
	if holder == "" {
		holder = NewHolderID()
	}
	if lease <= 0 {
		lease = 4 * time.Minute
	}
	if heartbeat <= 0 || heartbeat >= lease {
		heartbeat = lease / 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LockManager{
		store:     st,
		name:      name,
		holder:    holder,
		lease:     lease,
		heartbeat: heartbeat,
		logger:    logger,
		now:       time.Now,
	}
}

// NewHolderID returns a lease holder identity unique to this process.
func NewHolderID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "fleethealthd"
	}
	return host + "-" + uuid.NewString()
}

// Name returns the lease name.
func (m *LockManager) Name() string { return m.name }

// Holder returns this manager's holder identity.
func (m *LockManager) Holder() string { return m.holder }

// Acquire attempts to take the lease. A held, unexpired lease belonging to
// someone else returns (false, nil): busy is a normal outcome, not an error.
func (m *LockManager) Acquire(ctx context.Context) (bool, error) {
	now := m.now().UTC()
	ok, err := m.store.AcquireLock(ctx, m.name, m.holder, now, now.Add(m.lease))
	if err != nil {
		metrics.LockAcquisitionsTotal.WithLabelValues(m.name, "error").Inc()
		return false, err
	}
	if !ok {
		metrics.LockAcquisitionsTotal.WithLabelValues(m.name, "busy").Inc()
		m.logger.Debug("scheduler lock busy", zap.String("lock", m.name))
		return false, nil
	}
	metrics.LockAcquisitionsTotal.WithLabelValues(m.name, "acquired").Inc()
	m.logger.Debug("scheduler lock acquired",
		zap.String("lock", m.name),
		zap.String("holder", m.holder),
		zap.Duration("lease", m.lease))
	return true, nil
}

// Hold renews the lease in the background until the returned release func is
// called. The returned context is cancelled with cause ErrLockLost the moment
// a renewal finds the lease gone, so store writes issued through it stop
// before the next commit. Release is idempotent and frees the lease.
func (m *LockManager) Hold(ctx context.Context) (context.Context, func()) {
	held, cancel := context.WithCancelCause(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(m.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-held.Done():
				return
			case <-ticker.C:
				if !m.renew(held) {
					cancel(ErrLockLost)
					return
				}
			}
		}
	}()

	var once sync.Once
	release := func() {
		once.Do(func() {
			cancel(nil)
			<-done
			m.release()
		})
	}
	return held, release
}

// renew extends the lease. A store error keeps the lease presumed live, the
// remaining lease window covers further attempts. Zero rows renewed means the
// lease expired or was stolen: that is a definitive loss.
func (m *LockManager) renew(ctx context.Context) bool {
	ok, err := m.store.RenewLock(ctx, m.name, m.holder, m.now().UTC().Add(m.lease))
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		metrics.LockAcquisitionsTotal.WithLabelValues(m.name, "error").Inc()
		m.logger.Warn("scheduler lock renewal errored, retrying next heartbeat",
			zap.String("lock", m.name), zap.Error(err))
		return true
	}
	if !ok {
		metrics.LockAcquisitionsTotal.WithLabelValues(m.name, "lost").Inc()
		m.logger.Warn("scheduler lock lost",
			zap.String("lock", m.name), zap.String("holder", m.holder))
		return false
	}
	return true
}

// release frees the lease with a fresh context: the held one is already
// cancelled by the time release runs.
func (m *LockManager) release() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.ReleaseLock(ctx, m.name, m.holder); err != nil {
		m.logger.Warn("scheduler lock release failed",
			zap.String("lock", m.name), zap.Error(err))
	}
}
