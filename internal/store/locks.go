package store

import (
	"context"
	"time"
)

// AcquireLock first tries a plain insert, then falls back to a conditional
// update that succeeds only when the row is expired or already ours. Both
// statements are atomic, so two replicas racing for the same name cannot
// both win.
func (s *sqlStore) AcquireLock(ctx context.Context, name, holder string, now, expires time.Time) (bool, error) {
	res, err := s.exec(ctx, `
        INSERT INTO scheduler_locks(name, holder, acquired_at, expires_at)
        VALUES(?,?,?,?)
        ON CONFLICT(name) DO NOTHING
    `, name, holder, now.UTC(), expires.UTC())
	if err != nil {
		return false, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return false, err
	} else if n == 1 {
		return true, nil
	}

	res, err = s.exec(ctx, `
        UPDATE scheduler_locks
        SET holder = ?, acquired_at = ?, expires_at = ?
        WHERE name = ? AND (holder = ? OR expires_at < ?)
    `, holder, now.UTC(), expires.UTC(), name, holder, now.UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// RenewLock extends the lease only while holder still owns the row.
func (s *sqlStore) RenewLock(ctx context.Context, name, holder string, expires time.Time) (bool, error) {
	res, err := s.exec(ctx,
		`UPDATE scheduler_locks SET expires_at = ? WHERE name = ? AND holder = ?`,
		expires.UTC(), name, holder)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *sqlStore) ReleaseLock(ctx context.Context, name, holder string) error {
	_, err := s.exec(ctx,
		`DELETE FROM scheduler_locks WHERE name = ? AND holder = ?`,
		name, holder)
	return err
}

func (s *sqlStore) GetLock(ctx context.Context, name string) (*LockRecord, error) {
	row := s.queryRow(ctx,
		`SELECT name, holder, acquired_at, expires_at FROM scheduler_locks WHERE name = ?`,
		name)
	rec := &LockRecord{}
	var acquiredAt, expiresAt string
	if err := row.Scan(&rec.Name, &rec.Holder, &acquiredAt, &expiresAt); err != nil {
		return nil, notFound(err)
	}
	rec.AcquiredAt = mustTime(acquiredAt)
	rec.ExpiresAt = mustTime(expiresAt)
	return rec, nil
}
