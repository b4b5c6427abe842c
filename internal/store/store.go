// Package store is the persistence layer for the fleet health pipeline.
// It runs on SQLite (pure Go, no CGO) for single-node deployments and on
// PostgreSQL for shared multi-replica deployments; all SQL is written with
// `?` placeholders and rebound per driver.
package store

import (
	"context"
	"errors"
	"time"
)

// Statuses a problem event moves through.
const (
	StatusAck        = "ack"
	StatusOpen       = "open"
	StatusInProgress = "in_progress"
	StatusSuppressed = "suppressed"
	StatusResolved   = "resolved"
)

// ActiveStatuses are the ones the dedup uniqueness guarantee applies to.
var ActiveStatuses = []string{StatusAck, StatusOpen, StatusInProgress}

var (
	// ErrNotFound is returned by Get* methods when no row matches.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicateActiveEvent is returned by InsertEvent when another active
	// event already holds the same dedup key.
	ErrDuplicateActiveEvent = errors.New("store: duplicate active event for dedup key")
)

// Store is the main persistence interface for the pipeline.
type Store interface {
	BaselineStore
	EventStore
	SuppressionStore
	OutboxStore
	ModelRegistryStore
	LockStore
	TelemetryStore
	CommandStore

	// Close releases database resources.
	Close() error

	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error
}

// ─── Baseline store ───────────────────────────────────────────────────────────

// BaselineRecord is one per-miner, per-metric EWMA state row.
type BaselineRecord struct {
	MinerID        string    `json:"miner_id"`
	MetricName     string    `json:"metric_name"`
	EWMA           float64   `json:"ewma"`
	Variance       float64   `json:"variance"`
	LastValue      float64   `json:"last_value"`
	Residual       float64   `json:"residual"`
	SampleCount    int       `json:"sample_count"`
	InferredMode   string    `json:"inferred_mode"`
	ModeConfidence float64   `json:"mode_confidence"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ModeUpdate writes the inferred operating mode onto all baseline rows of
// one miner.
type ModeUpdate struct {
	MinerID    string
	Mode       string
	Confidence float64
	UpdatedAt  time.Time
}

// BaselineStore persists incremental EWMA baseline state.
type BaselineStore interface {
	// GetBaseline retrieves the state row for one miner metric.
	GetBaseline(ctx context.Context, minerID, metricName string) (*BaselineRecord, error)

	// ListBaselines returns all state rows for one miner.
	ListBaselines(ctx context.Context, minerID string) ([]*BaselineRecord, error)

	// AllBaselines returns every state row, ordered by miner then metric.
	AllBaselines(ctx context.Context) ([]*BaselineRecord, error)

	// UpsertBaselines writes a batch of state rows inside a single
	// transaction. Either every row lands or none does. Mode columns are
	// untouched; SetBaselineModes owns them.
	UpsertBaselines(ctx context.Context, recs []*BaselineRecord) error

	// SetBaselineModes stamps inferred mode and confidence onto every
	// baseline row of each miner, inside a single transaction.
	SetBaselineModes(ctx context.Context, updates []ModeUpdate) error
}

// ─── Event store ──────────────────────────────────────────────────────────────

// EventRecord is a persisted problem event.
type EventRecord struct {
	ID              string     `json:"id"`
	DedupKey        string     `json:"dedup_key"`
	SiteID          int64      `json:"site_id"`
	MinerID         string     `json:"miner_id"`
	RuleCode        string     `json:"rule_code"`
	Severity        string     `json:"severity"` // P0 | P1 | P2 | P3
	Status          string     `json:"status"`   // open | ack | in_progress | suppressed | resolved
	Description     string     `json:"description"`
	Evidence        string     `json:"evidence"`     // JSON array of detection snapshots
	PeerMetrics     string     `json:"peer_metrics"` // latest fleet comparison block, JSON
	ML              string     `json:"ml"`           // latest prediction block, JSON
	ConsecutiveFail int        `json:"consecutive_fail"`
	ConsecutiveOK   int        `json:"consecutive_ok"`
	RecurrenceCount int        `json:"recurrence_count"`
	StartTS         time.Time  `json:"start_ts"`
	LastSeenTS      time.Time  `json:"last_seen_ts"`
	ResolvedTS      *time.Time `json:"resolved_ts,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// EventQuery filters event queries.
type EventQuery struct {
	SiteID     int64 // 0 means any site
	MinerID    string
	RuleCode   string
	Statuses   []string
	Severities []string
	From       time.Time // on last_seen_ts
	To         time.Time
	Limit      int
	Offset     int
}

// EventStore persists the problem event lifecycle.
type EventStore interface {
	// InsertEvent writes a new event row. Returns ErrDuplicateActiveEvent
	// if an active event already exists for the same dedup key.
	InsertEvent(ctx context.Context, rec *EventRecord) error

	// UpdateEvent rewrites the mutable columns of an existing event row.
	UpdateEvent(ctx context.Context, rec *EventRecord) error

	// GetEvent retrieves an event by ID.
	GetEvent(ctx context.Context, id string) (*EventRecord, error)

	// GetEventByDedup retrieves the single event with the given dedup key
	// in one of the given statuses, or ErrNotFound.
	GetEventByDedup(ctx context.Context, dedupKey string, statuses []string) (*EventRecord, error)

	// LatestResolvedEvent retrieves the most recently resolved event for a
	// dedup key, or ErrNotFound. Used for the reopen cooldown check.
	LatestResolvedEvent(ctx context.Context, dedupKey string) (*EventRecord, error)

	// QueryEvents retrieves events with optional filters, newest first.
	QueryEvents(ctx context.Context, q EventQuery) ([]*EventRecord, error)

	// CountActiveEvents returns active event counts grouped by severity.
	CountActiveEvents(ctx context.Context) (map[string]int, error)

	// DistinctMinersWithEvents returns the IDs of miners having at least
	// one event in the given severities seen since the given time.
	DistinctMinersWithEvents(ctx context.Context, severities []string, since time.Time) ([]string, error)

	// SetEventStatusForMiner moves every event of a miner currently in one
	// of the from statuses to the to status. Returns rows changed.
	SetEventStatusForMiner(ctx context.Context, minerID string, from []string, to string, now time.Time) (int64, error)

	// PurgeResolvedEventsBefore deletes resolved events older than the
	// cutoff. Returns rows deleted.
	PurgeResolvedEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// ─── Suppression store ────────────────────────────────────────────────────────

// SuppressionRecord marks a miner whose detections are muted, either for a
// maintenance window (until explicitly lifted) or until a deadline.
type SuppressionRecord struct {
	MinerID       string     `json:"miner_id"`
	SiteID        int64      `json:"site_id"`
	Reason        string     `json:"reason"`
	Maintenance   bool       `json:"maintenance"`
	SuppressUntil *time.Time `json:"suppress_until,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Active reports whether the suppression is still in force at the given time.
func (r *SuppressionRecord) Active(now time.Time) bool {
	if r.Maintenance {
		return true
	}
	return r.SuppressUntil != nil && r.SuppressUntil.After(now)
}

// SuppressionStore persists per-miner suppression windows.
type SuppressionStore interface {
	// SaveSuppression creates or replaces the suppression row for a miner.
	SaveSuppression(ctx context.Context, rec *SuppressionRecord) error

	// GetSuppression retrieves the suppression row for a miner, or ErrNotFound.
	GetSuppression(ctx context.Context, minerID string) (*SuppressionRecord, error)

	// DeleteSuppression removes the suppression row for a miner.
	DeleteSuppression(ctx context.Context, minerID string) error

	// ListSuppressions returns all suppression rows.
	ListSuppressions(ctx context.Context) ([]*SuppressionRecord, error)
}

// ─── Outbox store ─────────────────────────────────────────────────────────────

// Outbox record kinds.
const (
	OutboxKindNotification = "notification"
	OutboxKindTicket       = "ticket"
)

// OutboxRecord is a pending notification or ticket request. Rows are written
// in the same transaction scope as the decisions that produced them and
// drained by the dispatch relay.
type OutboxRecord struct {
	ID           string     `json:"id"`
	EventID      string     `json:"event_id"`
	Kind         string     `json:"kind"` // notification | ticket
	Severity     string     `json:"severity"`
	SiteID       int64      `json:"site_id"`
	Payload      string     `json:"payload"` // JSON blob
	CreatedAt    time.Time  `json:"created_at"`
	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`
}

// OutboxStore persists the durable notification outbox.
type OutboxStore interface {
	// EnqueueOutbox appends a single outbox row.
	EnqueueOutbox(ctx context.Context, rec *OutboxRecord) error

	// EnqueueOutboxBatch appends outbox rows inside a single transaction.
	EnqueueOutboxBatch(ctx context.Context, recs []*OutboxRecord) error

	// PendingOutbox returns undispatched rows, oldest first.
	PendingOutbox(ctx context.Context, limit int) ([]*OutboxRecord, error)

	// MarkOutboxDispatched stamps dispatched_at on the given rows.
	MarkOutboxDispatched(ctx context.Context, ids []string, at time.Time) error

	// OutboxDepth returns the number of undispatched rows.
	OutboxDepth(ctx context.Context) (int64, error)

	// PurgeOutboxBefore deletes dispatched rows older than the cutoff.
	PurgeOutboxBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// ─── Model registry store ─────────────────────────────────────────────────────

// ModelRecord is a versioned entry in the trained-model registry.
type ModelRecord struct {
	ID        string    `json:"id"`
	ModelName string    `json:"model_name"`
	Version   string    `json:"version"`
	BlobPath  string    `json:"blob_path"`
	Metrics   string    `json:"metrics"` // JSON: auc, precision, recall, f1, counts
	TrainedAt time.Time `json:"trained_at"`
	IsActive  bool      `json:"is_active"`
}

// ModelRegistryStore persists trained model versions. At most one row per
// model name is active at a time.
type ModelRegistryStore interface {
	// SaveModel inserts a new model version and makes it the active one,
	// deactivating any prior active row, inside a single transaction.
	SaveModel(ctx context.Context, rec *ModelRecord) error

	// GetActiveModel retrieves the active row for a model name, or ErrNotFound.
	GetActiveModel(ctx context.Context, modelName string) (*ModelRecord, error)

	// ListModels returns versions for a model name, newest first.
	ListModels(ctx context.Context, modelName string, limit int) ([]*ModelRecord, error)
}

// ─── Lock store ───────────────────────────────────────────────────────────────

// LockRecord is a named lease row used for cross-replica mutual exclusion.
type LockRecord struct {
	Name       string    `json:"name"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// LockStore implements lease-based advisory locks with compare-and-swap
// semantics. All three mutating calls are single-statement and atomic.
type LockStore interface {
	// AcquireLock attempts to take the named lease for holder until
	// expires. Succeeds when the lock is free, expired, or already held
	// by the same holder. Returns false when another live holder owns it.
	AcquireLock(ctx context.Context, name, holder string, now, expires time.Time) (bool, error)

	// RenewLock extends the lease if and only if holder still owns it.
	RenewLock(ctx context.Context, name, holder string, expires time.Time) (bool, error)

	// ReleaseLock frees the lease if holder still owns it.
	ReleaseLock(ctx context.Context, name, holder string) error

	// GetLock retrieves the lease row, or ErrNotFound.
	GetLock(ctx context.Context, name string) (*LockRecord, error)
}

// ─── Telemetry store ──────────────────────────────────────────────────────────

// TelemetrySnapshot is the most recent feature vector observed for a miner.
// Features holds the extracted vector as JSON so schema changes in the
// feature extractor do not require migrations.
type TelemetrySnapshot struct {
	MinerID    string    `json:"miner_id"`
	SiteID     int64     `json:"site_id"`
	Features   string    `json:"features"` // JSON feature vector
	Online     bool      `json:"online"`
	ObservedAt time.Time `json:"observed_at"`
}

// TelemetryStore persists the latest feature vector per miner.
type TelemetryStore interface {
	// UpsertTelemetryBatch writes latest-snapshot rows inside a single
	// transaction.
	UpsertTelemetryBatch(ctx context.Context, snaps []*TelemetrySnapshot) error

	// GetTelemetry retrieves the latest snapshot for a miner, or ErrNotFound.
	GetTelemetry(ctx context.Context, minerID string) (*TelemetrySnapshot, error)

	// FreshTelemetry returns all snapshots observed at or after the given
	// time, ordered by site then miner.
	FreshTelemetry(ctx context.Context, since time.Time) ([]*TelemetrySnapshot, error)
}

// ─── Command store ────────────────────────────────────────────────────────────

// CommandRecord is a queued instruction for a site agent, polled over the
// agent API (reboot, mode change, config push).
type CommandRecord struct {
	ID        string     `json:"id"`
	AgentID   string     `json:"agent_id"`
	MinerID   string     `json:"miner_id"`
	Command   string     `json:"command"`
	Args      string     `json:"args"` // JSON blob
	Status    string     `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	FetchedAt *time.Time `json:"fetched_at,omitempty"`
	AckedAt   *time.Time `json:"acked_at,omitempty"`
}

// CommandStore persists the per-agent command queue.
type CommandStore interface {
	// EnqueueCommand appends a pending command for an agent.
	EnqueueCommand(ctx context.Context, rec *CommandRecord) error

	// FetchCommands returns pending commands for an agent, oldest first,
	// marking them sent in the same transaction.
	FetchCommands(ctx context.Context, agentID string, limit int, now time.Time) ([]*CommandRecord, error)

	// AckCommand records the terminal status (done or failed) for a command.
	AckCommand(ctx context.Context, id, status string, now time.Time) error

	// PurgeCommandsBefore deletes acknowledged commands older than the cutoff.
	PurgeCommandsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
