package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const commandColumns = `id, agent_id, miner_id, command, args, status, created_at, fetched_at, acked_at`

func (s *sqlStore) EnqueueCommand(ctx context.Context, rec *CommandRecord) error {
	if rec.Status == "" {
		rec.Status = "pending"
	}
	_, err := s.exec(ctx, `
        INSERT INTO agent_commands(`+commandColumns+`)
        VALUES(?,?,?,?,?,?,?,?,?)
    `,
		rec.ID, rec.AgentID, rec.MinerID, rec.Command, rec.Args, rec.Status,
		rec.CreatedAt.UTC(), bindTime(rec.FetchedAt), bindTime(rec.AckedAt),
	)
	return err
}

// FetchCommands returns the oldest pending commands for an agent and marks
// them sent in the same transaction, so a crashed agent poll cannot lose
// commands to a delivery limbo.
func (s *sqlStore) FetchCommands(ctx context.Context, agentID string, limit int, now time.Time) ([]*CommandRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, tx.Rebind(
		`SELECT `+commandColumns+` FROM agent_commands
         WHERE agent_id = ? AND status = 'pending'
         ORDER BY created_at ASC LIMIT ?`),
		agentID, limit)
	if err != nil {
		return nil, err
	}

	var result []*CommandRecord
	for rows.Next() {
		rec, err := scanCommand(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(result) == 0 {
		return nil, tx.Commit()
	}

	markQuery := tx.Rebind(`UPDATE agent_commands SET status = 'sent', fetched_at = ? WHERE id = ?`)
	for _, rec := range result {
		if _, err := tx.ExecContext(ctx, markQuery, now.UTC(), rec.ID); err != nil {
			return nil, fmt.Errorf("mark command %s sent: %w", rec.ID, err)
		}
		rec.Status = "sent"
		t := now.UTC()
		rec.FetchedAt = &t
	}
	return result, tx.Commit()
}

func (s *sqlStore) AckCommand(ctx context.Context, id, status string, now time.Time) error {
	res, err := s.exec(ctx,
		`UPDATE agent_commands SET status = ?, acked_at = ? WHERE id = ?`,
		status, now.UTC(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return err
}

func (s *sqlStore) PurgeCommandsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.exec(ctx,
		`DELETE FROM agent_commands WHERE acked_at IS NOT NULL AND acked_at < ?`,
		cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanCommand(row rowScanner) (*CommandRecord, error) {
	rec := &CommandRecord{}
	var createdAt string
	var fetchedAt, ackedAt sql.NullString
	err := row.Scan(&rec.ID, &rec.AgentID, &rec.MinerID, &rec.Command, &rec.Args,
		&rec.Status, &createdAt, &fetchedAt, &ackedAt)
	if err != nil {
		return nil, err
	}
	rec.CreatedAt = mustTime(createdAt)
	rec.FetchedAt = optTime(fetchedAt)
	rec.AckedAt = optTime(ackedAt)
	return rec, nil
}
