package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const outboxColumns = `id, event_id, kind, severity, site_id, payload, created_at, dispatched_at`

func (s *sqlStore) EnqueueOutbox(ctx context.Context, rec *OutboxRecord) error {
	_, err := s.exec(ctx, `
        INSERT INTO event_outbox(`+outboxColumns+`)
        VALUES(?,?,?,?,?,?,?,?)
    `,
		rec.ID, rec.EventID, rec.Kind, rec.Severity, rec.SiteID,
		rec.Payload, rec.CreatedAt.UTC(), bindTime(rec.DispatchedAt),
	)
	return err
}

func (s *sqlStore) EnqueueOutboxBatch(ctx context.Context, recs []*OutboxRecord) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := tx.Rebind(`
        INSERT INTO event_outbox(` + outboxColumns + `)
        VALUES(?,?,?,?,?,?,?,?)
    `)
	for _, rec := range recs {
		_, err := tx.ExecContext(ctx, query,
			rec.ID, rec.EventID, rec.Kind, rec.Severity, rec.SiteID,
			rec.Payload, rec.CreatedAt.UTC(), bindTime(rec.DispatchedAt),
		)
		if err != nil {
			return fmt.Errorf("enqueue outbox %s: %w", rec.ID, err)
		}
	}
	return tx.Commit()
}

func (s *sqlStore) PendingOutbox(ctx context.Context, limit int) ([]*OutboxRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.query(ctx,
		`SELECT `+outboxColumns+` FROM event_outbox
         WHERE dispatched_at IS NULL
         ORDER BY created_at ASC LIMIT ?`,
		limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*OutboxRecord
	for rows.Next() {
		rec, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (s *sqlStore) MarkOutboxDispatched(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	args := []any{at.UTC()}
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.exec(ctx,
		`UPDATE event_outbox SET dispatched_at = ? WHERE id IN (`+placeholders(len(ids))+`)`,
		args...)
	return err
}

func (s *sqlStore) OutboxDepth(ctx context.Context) (int64, error) {
	var n int64
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM event_outbox WHERE dispatched_at IS NULL`).Scan(&n)
	return n, err
}

func (s *sqlStore) PurgeOutboxBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.exec(ctx,
		`DELETE FROM event_outbox WHERE dispatched_at IS NOT NULL AND dispatched_at < ?`,
		cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanOutbox(row rowScanner) (*OutboxRecord, error) {
	rec := &OutboxRecord{}
	var createdAt string
	var dispatchedAt sql.NullString
	err := row.Scan(&rec.ID, &rec.EventID, &rec.Kind, &rec.Severity, &rec.SiteID,
		&rec.Payload, &createdAt, &dispatchedAt)
	if err != nil {
		return nil, err
	}
	rec.CreatedAt = mustTime(createdAt)
	rec.DispatchedAt = optTime(dispatchedAt)
	return rec, nil
}
