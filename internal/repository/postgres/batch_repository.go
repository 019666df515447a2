package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/andresuchdata/dicom-compressor/internal/domain"
	"github.com/andresuchdata/dicom-compressor/internal/repository"
)

const schema = `
CREATE TABLE IF NOT EXISTS compress_batches (
	id            TEXT PRIMARY KEY,
	source_bucket TEXT NOT NULL,
	source_prefix TEXT NOT NULL DEFAULT '',
	target_bucket TEXT NOT NULL,
	target_prefix TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL,
	total_units   INTEGER NOT NULL DEFAULT 0,
	done_units    INTEGER NOT NULL DEFAULT 0,
	failed_units  INTEGER NOT NULL DEFAULT 0,
	started_at    TIMESTAMPTZ NOT NULL,
	completed_at  TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS compress_units (
	batch_id        TEXT NOT NULL REFERENCES compress_batches(id) ON DELETE CASCADE,
	position        INTEGER NOT NULL,
	file            TEXT NOT NULL,
	source_key      TEXT NOT NULL,
	state           TEXT NOT NULL,
	failed_stage    TEXT NOT NULL DEFAULT '',
	error_kind      TEXT NOT NULL DEFAULT '',
	error_message   TEXT NOT NULL DEFAULT '',
	destination_key TEXT NOT NULL DEFAULT '',
	updated_at      TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (batch_id, position)
);

CREATE INDEX IF NOT EXISTS idx_compress_batches_started_at ON compress_batches (started_at DESC);
`

type batchRepository struct {
	db *DB
}

func NewBatchRepository(db *DB) *batchRepository {
	return &batchRepository{db: db}
}

// EnsureSchema creates the ledger tables if they do not exist.
func (r *batchRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure ledger schema: %w", err)
	}
	return nil
}

func (r *batchRepository) CreateRun(ctx context.Context, run *domain.BatchRun, units []domain.UnitRecord) error {
	return r.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		query := `
			INSERT INTO compress_batches (
				id, source_bucket, source_prefix, target_bucket, target_prefix,
				status, total_units, done_units, failed_units, started_at
			) VALUES (
				:id, :source_bucket, :source_prefix, :target_bucket, :target_prefix,
				:status, :total_units, :done_units, :failed_units, :started_at
			)
		`
		if _, err := tx.NamedExecContext(ctx, query, run); err != nil {
			return fmt.Errorf("failed to insert batch run: %w", err)
		}

		if len(units) == 0 {
			return nil
		}

		records := make([]domain.UnitRecord, len(units))
		copy(records, units)
		for i := range records {
			records[i].BatchID = run.ID
			if records[i].UpdatedAt.IsZero() {
				records[i].UpdatedAt = run.StartedAt
			}
		}

		stmt, err := tx.PrepareNamedContext(ctx, `
			INSERT INTO compress_units (
				batch_id, position, file, source_key, state, updated_at
			) VALUES (
				:batch_id, :position, :file, :source_key, :state, :updated_at
			)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer stmt.Close()

		for _, record := range records {
			if _, err := stmt.ExecContext(ctx, record); err != nil {
				return fmt.Errorf("failed to insert unit %s: %w", record.File, err)
			}
		}
		return nil
	})
}

func (r *batchRepository) UpdateUnit(ctx context.Context, unit domain.UnitRecord) error {
	if unit.UpdatedAt.IsZero() {
		unit.UpdatedAt = time.Now()
	}
	query := `
		UPDATE compress_units SET
			state = :state,
			failed_stage = :failed_stage,
			error_kind = :error_kind,
			error_message = :error_message,
			destination_key = :destination_key,
			updated_at = :updated_at
		WHERE batch_id = :batch_id AND position = :position
	`
	res, err := r.db.NamedExecContext(ctx, query, unit)
	if err != nil {
		return fmt.Errorf("failed to update unit %s: %w", unit.File, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("unit %d (%s) of batch %s: %w", unit.Position, unit.File, unit.BatchID, repository.ErrUnitNotFound)
	}
	return nil
}

func (r *batchRepository) FinishRun(ctx context.Context, id string, status domain.BatchStatus, done, failed int, completedAt time.Time) error {
	query := `
		UPDATE compress_batches
		SET status = $2, done_units = $3, failed_units = $4, completed_at = $5
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query, id, status, done, failed, completedAt)
	if err != nil {
		return fmt.Errorf("failed to finish batch run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return repository.ErrBatchNotFound
	}
	return nil
}

func (r *batchRepository) GetRun(ctx context.Context, id string) (*domain.BatchRun, error) {
	var run domain.BatchRun
	err := r.db.GetContext(ctx, &run, `
		SELECT id, source_bucket, source_prefix, target_bucket, target_prefix,
		       status, total_units, done_units, failed_units, started_at, completed_at
		FROM compress_batches
		WHERE id = $1
	`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrBatchNotFound
		}
		return nil, fmt.Errorf("failed to get batch run: %w", err)
	}

	run.Units = []domain.UnitRecord{}
	err = r.db.SelectContext(ctx, &run.Units, `
		SELECT batch_id, position, file, source_key, state, failed_stage,
		       error_kind, error_message, destination_key, updated_at
		FROM compress_units
		WHERE batch_id = $1
		ORDER BY position
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get batch units: %w", err)
	}
	return &run, nil
}

func (r *batchRepository) ListRuns(ctx context.Context, limit int) ([]*domain.BatchRun, error) {
	if limit <= 0 {
		limit = 50
	}
	runs := []*domain.BatchRun{}
	err := r.db.SelectContext(ctx, &runs, `
		SELECT id, source_bucket, source_prefix, target_bucket, target_prefix,
		       status, total_units, done_units, failed_units, started_at, completed_at
		FROM compress_batches
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list batch runs: %w", err)
	}
	return runs, nil
}

var _ repository.BatchRepository = (*batchRepository)(nil)
