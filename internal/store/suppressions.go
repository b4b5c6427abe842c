package store

import (
	"context"
	"database/sql"
)

const suppressionColumns = `miner_id, site_id, reason, maintenance, suppress_until, created_at`

func (s *sqlStore) SaveSuppression(ctx context.Context, rec *SuppressionRecord) error {
	_, err := s.exec(ctx, `
        INSERT INTO miner_suppressions(`+suppressionColumns+`)
        VALUES(?,?,?,?,?,?)
        ON CONFLICT(miner_id) DO UPDATE SET
            site_id        = excluded.site_id,
            reason         = excluded.reason,
            maintenance    = excluded.maintenance,
            suppress_until = excluded.suppress_until,
            created_at     = excluded.created_at
    `,
		rec.MinerID, rec.SiteID, rec.Reason, rec.Maintenance,
		bindTime(rec.SuppressUntil), rec.CreatedAt.UTC(),
	)
	return err
}

func (s *sqlStore) GetSuppression(ctx context.Context, minerID string) (*SuppressionRecord, error) {
	row := s.queryRow(ctx,
		`SELECT `+suppressionColumns+` FROM miner_suppressions WHERE miner_id = ?`, minerID)
	rec, err := scanSuppression(row)
	if err != nil {
		return nil, notFound(err)
	}
	return rec, nil
}

func (s *sqlStore) DeleteSuppression(ctx context.Context, minerID string) error {
	_, err := s.exec(ctx, `DELETE FROM miner_suppressions WHERE miner_id = ?`, minerID)
	return err
}

func (s *sqlStore) ListSuppressions(ctx context.Context) ([]*SuppressionRecord, error) {
	rows, err := s.query(ctx,
		`SELECT `+suppressionColumns+` FROM miner_suppressions ORDER BY miner_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*SuppressionRecord
	for rows.Next() {
		rec, err := scanSuppression(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func scanSuppression(row rowScanner) (*SuppressionRecord, error) {
	rec := &SuppressionRecord{}
	var until sql.NullString
	var createdAt string
	err := row.Scan(&rec.MinerID, &rec.SiteID, &rec.Reason, &rec.Maintenance, &until, &createdAt)
	if err != nil {
		return nil, err
	}
	rec.SuppressUntil = optTime(until)
	rec.CreatedAt = mustTime(createdAt)
	return rec, nil
}
