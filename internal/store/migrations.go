package store

// Schema migrations, applied in order at startup. Applied versions are
// tracked in the schema_versions table. The DDL is restricted to the
// dialect both SQLite and PostgreSQL accept: no AUTOINCREMENT/SERIAL
// columns, TEXT primary keys generated by the application, and partial
// indexes (supported by both engines).
var migrations = []struct {
	version int
	sql     string
}{
	// Migration 1: baseline state + problem event lifecycle.
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_versions (
    version     INTEGER PRIMARY KEY,
    applied_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS miner_baseline_state (
    miner_id        TEXT NOT NULL,
    metric_name     TEXT NOT NULL,
    ewma            REAL NOT NULL DEFAULT 0.0,
    variance        REAL NOT NULL DEFAULT 0.0,
    last_value      REAL NOT NULL DEFAULT 0.0,
    residual        REAL NOT NULL DEFAULT 0.0,
    sample_count    INTEGER NOT NULL DEFAULT 0,
    inferred_mode   TEXT NOT NULL DEFAULT 'unknown',
    mode_confidence REAL NOT NULL DEFAULT 0.0,
    updated_at      TIMESTAMP NOT NULL,
    PRIMARY KEY (miner_id, metric_name)
);
CREATE INDEX IF NOT EXISTS idx_baseline_updated_at ON miner_baseline_state(updated_at);

CREATE TABLE IF NOT EXISTS problem_events (
    id                TEXT PRIMARY KEY,
    dedup_key         TEXT NOT NULL,
    site_id           INTEGER NOT NULL,
    miner_id          TEXT NOT NULL,
    rule_code         TEXT NOT NULL,
    severity          TEXT NOT NULL,
    status            TEXT NOT NULL DEFAULT 'open',
    description       TEXT NOT NULL DEFAULT '',
    evidence          TEXT NOT NULL DEFAULT '[]',
    consecutive_fail  INTEGER NOT NULL DEFAULT 1,
    consecutive_ok    INTEGER NOT NULL DEFAULT 0,
    recurrence_count  INTEGER NOT NULL DEFAULT 0,
    start_ts          TIMESTAMP NOT NULL,
    last_seen_ts      TIMESTAMP NOT NULL,
    resolved_ts       TIMESTAMP,
    created_at        TIMESTAMP NOT NULL,
    updated_at        TIMESTAMP NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_events_active_dedup
    ON problem_events(dedup_key)
    WHERE status IN ('ack', 'open', 'in_progress', 'suppressed');
CREATE INDEX IF NOT EXISTS idx_events_site_status_severity ON problem_events(site_id, status, severity);
CREATE INDEX IF NOT EXISTS idx_events_miner_status ON problem_events(miner_id, status);
CREATE INDEX IF NOT EXISTS idx_events_resolved_ts ON problem_events(resolved_ts);

CREATE TABLE IF NOT EXISTS miner_suppressions (
    miner_id        TEXT PRIMARY KEY,
    site_id         INTEGER NOT NULL DEFAULT 0,
    reason          TEXT NOT NULL DEFAULT '',
    maintenance     BOOLEAN NOT NULL DEFAULT FALSE,
    suppress_until  TIMESTAMP,
    created_at      TIMESTAMP NOT NULL
);
`,
	},
	// Migration 2: notification outbox + model registry + scheduler locks.
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS event_outbox (
    id            TEXT PRIMARY KEY,
    event_id      TEXT NOT NULL,
    kind          TEXT NOT NULL,
    severity      TEXT NOT NULL DEFAULT '',
    site_id       INTEGER NOT NULL DEFAULT 0,
    payload       TEXT NOT NULL DEFAULT '{}',
    created_at    TIMESTAMP NOT NULL,
    dispatched_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_outbox_pending ON event_outbox(created_at) WHERE dispatched_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_outbox_event ON event_outbox(event_id);

CREATE TABLE IF NOT EXISTS ml_model_registry (
    id          TEXT PRIMARY KEY,
    model_name  TEXT NOT NULL,
    version     TEXT NOT NULL,
    blob_path   TEXT NOT NULL,
    metrics     TEXT NOT NULL DEFAULT '{}',
    trained_at  TIMESTAMP NOT NULL,
    is_active   BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_registry_name_version ON ml_model_registry(model_name, version);
CREATE UNIQUE INDEX IF NOT EXISTS idx_registry_one_active ON ml_model_registry(model_name) WHERE is_active;

CREATE TABLE IF NOT EXISTS scheduler_locks (
    name        TEXT PRIMARY KEY,
    holder      TEXT NOT NULL,
    acquired_at TIMESTAMP NOT NULL,
    expires_at  TIMESTAMP NOT NULL
);
`,
	},
	// Migration 3: latest telemetry snapshots + agent command queue.
	{
		version: 3,
		sql: `
CREATE TABLE IF NOT EXISTS miner_telemetry_latest (
    miner_id     TEXT PRIMARY KEY,
    site_id      INTEGER NOT NULL,
    features     TEXT NOT NULL DEFAULT '{}',
    online       BOOLEAN NOT NULL DEFAULT FALSE,
    observed_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_telemetry_site ON miner_telemetry_latest(site_id);
CREATE INDEX IF NOT EXISTS idx_telemetry_observed ON miner_telemetry_latest(observed_at);

CREATE TABLE IF NOT EXISTS agent_commands (
    id          TEXT PRIMARY KEY,
    agent_id    TEXT NOT NULL,
    miner_id    TEXT NOT NULL DEFAULT '',
    command     TEXT NOT NULL,
    args        TEXT NOT NULL DEFAULT '{}',
    status      TEXT NOT NULL DEFAULT 'pending',
    created_at  TIMESTAMP NOT NULL,
    fetched_at  TIMESTAMP,
    acked_at    TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_commands_agent_status ON agent_commands(agent_id, status, created_at);
`,
	},
	// Migration 4: peer comparison and ML prediction blocks on events, so the
	// latest fleet context travels with the event instead of requiring a
	// join back into cycle state.
	{
		version: 4,
		sql: `
ALTER TABLE problem_events ADD COLUMN peer_metrics TEXT NOT NULL DEFAULT '{}';
ALTER TABLE problem_events ADD COLUMN ml TEXT NOT NULL DEFAULT '{}';
`,
	},
}
