package store

import (
	"context"
	"fmt"
)

const baselineColumns = `miner_id, metric_name, ewma, variance, last_value, residual, sample_count, inferred_mode, mode_confidence, updated_at`

func (s *sqlStore) GetBaseline(ctx context.Context, minerID, metricName string) (*BaselineRecord, error) {
	row := s.queryRow(ctx,
		`SELECT `+baselineColumns+` FROM miner_baseline_state WHERE miner_id = ? AND metric_name = ?`,
		minerID, metricName)
	rec, err := scanBaseline(row)
	if err != nil {
		return nil, notFound(err)
	}
	return rec, nil
}

func (s *sqlStore) ListBaselines(ctx context.Context, minerID string) ([]*BaselineRecord, error) {
	rows, err := s.query(ctx,
		`SELECT `+baselineColumns+` FROM miner_baseline_state WHERE miner_id = ? ORDER BY metric_name ASC`,
		minerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*BaselineRecord
	for rows.Next() {
		rec, err := scanBaseline(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (s *sqlStore) AllBaselines(ctx context.Context) ([]*BaselineRecord, error) {
	rows, err := s.query(ctx,
		`SELECT `+baselineColumns+` FROM miner_baseline_state ORDER BY miner_id ASC, metric_name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*BaselineRecord
	for rows.Next() {
		rec, err := scanBaseline(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

// UpsertBaselines writes the batch in one transaction so a mid-batch failure
// leaves no partially updated fleet state behind. Mode columns are left to
// SetBaselineModes so an EWMA write never clobbers a mode assignment.
func (s *sqlStore) UpsertBaselines(ctx context.Context, recs []*BaselineRecord) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := tx.Rebind(`
        INSERT INTO miner_baseline_state(miner_id, metric_name, ewma, variance, last_value, residual, sample_count, updated_at)
        VALUES(?,?,?,?,?,?,?,?)
        ON CONFLICT(miner_id, metric_name) DO UPDATE SET
            ewma         = excluded.ewma,
            variance     = excluded.variance,
            last_value   = excluded.last_value,
            residual     = excluded.residual,
            sample_count = excluded.sample_count,
            updated_at   = excluded.updated_at
    `)
	for _, rec := range recs {
		_, err := tx.ExecContext(ctx, query,
			rec.MinerID, rec.MetricName, rec.EWMA, rec.Variance,
			rec.LastValue, rec.Residual, rec.SampleCount, rec.UpdatedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("upsert baseline %s/%s: %w", rec.MinerID, rec.MetricName, err)
		}
	}
	return tx.Commit()
}

func (s *sqlStore) SetBaselineModes(ctx context.Context, updates []ModeUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := tx.Rebind(`
        UPDATE miner_baseline_state
        SET inferred_mode = ?, mode_confidence = ?, updated_at = ?
        WHERE miner_id = ?
    `)
	for _, u := range updates {
		if _, err := tx.ExecContext(ctx, query, u.Mode, u.Confidence, u.UpdatedAt.UTC(), u.MinerID); err != nil {
			return fmt.Errorf("set mode %s: %w", u.MinerID, err)
		}
	}
	return tx.Commit()
}

func scanBaseline(row rowScanner) (*BaselineRecord, error) {
	rec := &BaselineRecord{}
	var updatedAt string
	err := row.Scan(&rec.MinerID, &rec.MetricName, &rec.EWMA, &rec.Variance,
		&rec.LastValue, &rec.Residual, &rec.SampleCount,
		&rec.InferredMode, &rec.ModeConfidence, &updatedAt)
	if err != nil {
		return nil, err
	}
	rec.UpdatedAt = mustTime(updatedAt)
	return rec, nil
}
