package store

import (
	"context"
	"fmt"
	"time"
)

const telemetryColumns = `miner_id, site_id, features, online, observed_at`

func (s *sqlStore) UpsertTelemetryBatch(ctx context.Context, snaps []*TelemetrySnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := tx.Rebind(`
        INSERT INTO miner_telemetry_latest(miner_id, site_id, features, online, observed_at)
        VALUES(?,?,?,?,?)
        ON CONFLICT(miner_id) DO UPDATE SET
            site_id     = excluded.site_id,
            features    = excluded.features,
            online      = excluded.online,
            observed_at = excluded.observed_at
    `)
	for _, snap := range snaps {
		_, err := tx.ExecContext(ctx, query,
			snap.MinerID, snap.SiteID, snap.Features, snap.Online, snap.ObservedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("upsert telemetry %s: %w", snap.MinerID, err)
		}
	}
	return tx.Commit()
}

func (s *sqlStore) GetTelemetry(ctx context.Context, minerID string) (*TelemetrySnapshot, error) {
	row := s.queryRow(ctx,
		`SELECT `+telemetryColumns+` FROM miner_telemetry_latest WHERE miner_id = ?`,
		minerID)
	snap, err := scanTelemetry(row)
	if err != nil {
		return nil, notFound(err)
	}
	return snap, nil
}

func (s *sqlStore) FreshTelemetry(ctx context.Context, since time.Time) ([]*TelemetrySnapshot, error) {
	rows, err := s.query(ctx,
		`SELECT `+telemetryColumns+` FROM miner_telemetry_latest
         WHERE observed_at >= ? ORDER BY site_id ASC, miner_id ASC`,
		since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*TelemetrySnapshot
	for rows.Next() {
		snap, err := scanTelemetry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, snap)
	}
	return result, rows.Err()
}

func scanTelemetry(row rowScanner) (*TelemetrySnapshot, error) {
	snap := &TelemetrySnapshot{}
	var observedAt string
	err := row.Scan(&snap.MinerID, &snap.SiteID, &snap.Features, &snap.Online, &observedAt)
	if err != nil {
		return nil, err
	}
	snap.ObservedAt = mustTime(observedAt)
	return snap, nil
}
