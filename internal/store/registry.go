package store

import (
	"context"
	"fmt"
)

const modelColumns = `id, model_name, version, blob_path, metrics, trained_at, is_active`

// SaveModel inserts the new version and flips the active flag in one
// transaction, so readers never observe zero or two active rows.
func (s *sqlStore) SaveModel(ctx context.Context, rec *ModelRecord) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if rec.IsActive {
		_, err = tx.ExecContext(ctx,
			tx.Rebind(`UPDATE ml_model_registry SET is_active = ? WHERE model_name = ? AND is_active = ?`),
			false, rec.ModelName, true)
		if err != nil {
			return fmt.Errorf("deactivate prior model: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, tx.Rebind(`
        INSERT INTO ml_model_registry(`+modelColumns+`)
        VALUES(?,?,?,?,?,?,?)
    `),
		rec.ID, rec.ModelName, rec.Version, rec.BlobPath,
		rec.Metrics, rec.TrainedAt.UTC(), rec.IsActive,
	)
	if err != nil {
		return fmt.Errorf("insert model %s/%s: %w", rec.ModelName, rec.Version, err)
	}
	return tx.Commit()
}

func (s *sqlStore) GetActiveModel(ctx context.Context, modelName string) (*ModelRecord, error) {
	row := s.queryRow(ctx,
		`SELECT `+modelColumns+` FROM ml_model_registry WHERE model_name = ? AND is_active = ?`,
		modelName, true)
	rec, err := scanModel(row)
	if err != nil {
		return nil, notFound(err)
	}
	return rec, nil
}

func (s *sqlStore) ListModels(ctx context.Context, modelName string, limit int) ([]*ModelRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.query(ctx,
		`SELECT `+modelColumns+` FROM ml_model_registry
         WHERE model_name = ? ORDER BY trained_at DESC LIMIT ?`,
		modelName, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*ModelRecord
	for rows.Next() {
		rec, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func scanModel(row rowScanner) (*ModelRecord, error) {
	rec := &ModelRecord{}
	var trainedAt string
	err := row.Scan(&rec.ID, &rec.ModelName, &rec.Version, &rec.BlobPath,
		&rec.Metrics, &trainedAt, &rec.IsActive)
	if err != nil {
		return nil, err
	}
	rec.TrainedAt = mustTime(trainedAt)
	return rec, nil
}
