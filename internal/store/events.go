package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const eventColumns = `id, dedup_key, site_id, miner_id, rule_code, severity, status, description, evidence,
    peer_metrics, ml, consecutive_fail, consecutive_ok, recurrence_count, start_ts, last_seen_ts, resolved_ts, created_at, updated_at`

func (s *sqlStore) InsertEvent(ctx context.Context, rec *EventRecord) error {
	if rec.PeerMetrics == "" {
		rec.PeerMetrics = "{}"
	}
	if rec.ML == "" {
		rec.ML = "{}"
	}
	_, err := s.exec(ctx, `
        INSERT INTO problem_events(`+eventColumns+`)
        VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
    `,
		rec.ID, rec.DedupKey, rec.SiteID, rec.MinerID, rec.RuleCode, rec.Severity,
		rec.Status, rec.Description, rec.Evidence, rec.PeerMetrics, rec.ML,
		rec.ConsecutiveFail, rec.ConsecutiveOK, rec.RecurrenceCount,
		rec.StartTS.UTC(), rec.LastSeenTS.UTC(), bindTime(rec.ResolvedTS),
		rec.CreatedAt.UTC(), rec.UpdatedAt.UTC(),
	)
	if isUniqueViolation(err) {
		return ErrDuplicateActiveEvent
	}
	return err
}

func (s *sqlStore) UpdateEvent(ctx context.Context, rec *EventRecord) error {
	res, err := s.exec(ctx, `
        UPDATE problem_events SET
            severity         = ?,
            status           = ?,
            description      = ?,
            evidence         = ?,
            peer_metrics     = ?,
            ml               = ?,
            consecutive_fail = ?,
            consecutive_ok   = ?,
            recurrence_count = ?,
            start_ts         = ?,
            last_seen_ts     = ?,
            resolved_ts      = ?,
            updated_at       = ?
        WHERE id = ?
    `,
		rec.Severity, rec.Status, rec.Description, rec.Evidence,
		rec.PeerMetrics, rec.ML,
		rec.ConsecutiveFail, rec.ConsecutiveOK, rec.RecurrenceCount,
		rec.StartTS.UTC(), rec.LastSeenTS.UTC(), bindTime(rec.ResolvedTS),
		rec.UpdatedAt.UTC(), rec.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return err
}

func (s *sqlStore) GetEvent(ctx context.Context, id string) (*EventRecord, error) {
	row := s.queryRow(ctx, `SELECT `+eventColumns+` FROM problem_events WHERE id = ?`, id)
	rec, err := scanEvent(row)
	if err != nil {
		return nil, notFound(err)
	}
	return rec, nil
}

func (s *sqlStore) GetEventByDedup(ctx context.Context, dedupKey string, statuses []string) (*EventRecord, error) {
	if len(statuses) == 0 {
		return nil, ErrNotFound
	}
	args := []any{dedupKey}
	for _, st := range statuses {
		args = append(args, st)
	}
	row := s.queryRow(ctx,
		`SELECT `+eventColumns+` FROM problem_events
         WHERE dedup_key = ? AND status IN (`+placeholders(len(statuses))+`)
         ORDER BY last_seen_ts DESC LIMIT 1`,
		args...)
	rec, err := scanEvent(row)
	if err != nil {
		return nil, notFound(err)
	}
	return rec, nil
}

func (s *sqlStore) LatestResolvedEvent(ctx context.Context, dedupKey string) (*EventRecord, error) {
	row := s.queryRow(ctx,
		`SELECT `+eventColumns+` FROM problem_events
         WHERE dedup_key = ? AND status = 'resolved' AND resolved_ts IS NOT NULL
         ORDER BY resolved_ts DESC LIMIT 1`,
		dedupKey)
	rec, err := scanEvent(row)
	if err != nil {
		return nil, notFound(err)
	}
	return rec, nil
}

func (s *sqlStore) QueryEvents(ctx context.Context, q EventQuery) ([]*EventRecord, error) {
	query := `SELECT ` + eventColumns + ` FROM problem_events WHERE 1=1`
	args := []any{}

	if q.SiteID != 0 {
		query += ` AND site_id = ?`
		args = append(args, q.SiteID)
	}
	if q.MinerID != "" {
		query += ` AND miner_id = ?`
		args = append(args, q.MinerID)
	}
	if q.RuleCode != "" {
		query += ` AND rule_code = ?`
		args = append(args, q.RuleCode)
	}
	if len(q.Statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(q.Statuses)) + `)`
		for _, st := range q.Statuses {
			args = append(args, st)
		}
	}
	if len(q.Severities) > 0 {
		query += ` AND severity IN (` + placeholders(len(q.Severities)) + `)`
		for _, sev := range q.Severities {
			args = append(args, sev)
		}
	}
	if !q.From.IsZero() {
		query += ` AND last_seen_ts >= ?`
		args = append(args, q.From.UTC())
	}
	if !q.To.IsZero() {
		query += ` AND last_seen_ts <= ?`
		args = append(args, q.To.UTC())
	}
	query += ` ORDER BY last_seen_ts DESC`
	if q.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d OFFSET %d`, q.Limit, q.Offset)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*EventRecord
	for rows.Next() {
		rec, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (s *sqlStore) CountActiveEvents(ctx context.Context) (map[string]int, error) {
	args := []any{}
	for _, st := range ActiveStatuses {
		args = append(args, st)
	}
	rows, err := s.query(ctx,
		`SELECT severity, COUNT(*) FROM problem_events
         WHERE status IN (`+placeholders(len(ActiveStatuses))+`)
         GROUP BY severity`,
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var sev string
		var n int
		if err := rows.Scan(&sev, &n); err != nil {
			return nil, err
		}
		counts[sev] = n
	}
	return counts, rows.Err()
}

func (s *sqlStore) DistinctMinersWithEvents(ctx context.Context, severities []string, since time.Time) ([]string, error) {
	if len(severities) == 0 {
		return nil, nil
	}
	args := []any{}
	for _, sev := range severities {
		args = append(args, sev)
	}
	args = append(args, since.UTC())
	rows, err := s.query(ctx,
		`SELECT DISTINCT miner_id FROM problem_events
         WHERE severity IN (`+placeholders(len(severities))+`) AND last_seen_ts >= ?`,
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		result = append(result, id)
	}
	return result, rows.Err()
}

func (s *sqlStore) SetEventStatusForMiner(ctx context.Context, minerID string, from []string, to string, now time.Time) (int64, error) {
	if len(from) == 0 {
		return 0, nil
	}
	args := []any{to, now.UTC(), minerID}
	for _, st := range from {
		args = append(args, st)
	}
	res, err := s.exec(ctx,
		`UPDATE problem_events SET status = ?, updated_at = ?
         WHERE miner_id = ? AND status IN (`+placeholders(len(from))+`)`,
		args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqlStore) PurgeResolvedEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.exec(ctx,
		`DELETE FROM problem_events WHERE status = 'resolved' AND resolved_ts IS NOT NULL AND resolved_ts < ?`,
		cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanEvent(row rowScanner) (*EventRecord, error) {
	rec := &EventRecord{}
	var startTS, lastSeenTS, createdAt, updatedAt string
	var resolvedTS sql.NullString
	err := row.Scan(&rec.ID, &rec.DedupKey, &rec.SiteID, &rec.MinerID, &rec.RuleCode,
		&rec.Severity, &rec.Status, &rec.Description, &rec.Evidence,
		&rec.PeerMetrics, &rec.ML,
		&rec.ConsecutiveFail, &rec.ConsecutiveOK, &rec.RecurrenceCount,
		&startTS, &lastSeenTS, &resolvedTS, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	rec.StartTS = mustTime(startTS)
	rec.LastSeenTS = mustTime(lastSeenTS)
	rec.ResolvedTS = optTime(resolvedTS)
	rec.CreatedAt = mustTime(createdAt)
	rec.UpdatedAt = mustTime(updatedAt)
	return rec, nil
}
