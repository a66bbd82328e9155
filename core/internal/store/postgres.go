package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telhawk-systems/taskhub-stack/common/database"
)

// PostgresStore keeps records in the records table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const recordColumns = `namespace, kind, entity_id, data, version, created_at, updated_at`

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(&rec.Namespace, &rec.Kind, &rec.EntityID, &rec.Data, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt)
	return rec, err
}

func (s *PostgresStore) Get(ctx context.Context, namespace, kind, id string) (Record, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	rec, err := scanRecord(s.pool.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM records
		WHERE namespace = $1 AND kind = $2 AND entity_id = $3
	`, namespace, kind, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("failed to get record: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) Put(ctx context.Context, rec Record, expectedVersion int64) (Record, error) {
	if err := validateRecord(rec); err != nil {
		return Record{}, err
	}

	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	if expectedVersion == 0 {
		out, err := scanRecord(s.pool.QueryRow(ctx, `
			INSERT INTO records (namespace, kind, entity_id, data, version)
			VALUES ($1, $2, $3, $4, 1)
			RETURNING `+recordColumns,
			rec.Namespace, rec.Kind, rec.EntityID, rec.Data))
		if err != nil {
			if database.IsUniqueViolation(err) {
				return Record{}, fmt.Errorf("%w: %s/%s already exists", ErrVersionConflict, rec.Kind, rec.EntityID)
			}
			return Record{}, fmt.Errorf("failed to create record: %w", err)
		}
		return out, nil
	}

	out, err := scanRecord(s.pool.QueryRow(ctx, `
		UPDATE records
		SET data = $4, version = version + 1, updated_at = now()
		WHERE namespace = $1 AND kind = $2 AND entity_id = $3 AND version = $5
		RETURNING `+recordColumns,
		rec.Namespace, rec.Kind, rec.EntityID, rec.Data, expectedVersion))
	if err == nil {
		return out, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("failed to update record: %w", err)
	}

	cur, getErr := s.Get(ctx, rec.Namespace, rec.Kind, rec.EntityID)
	if getErr != nil {
		return Record{}, getErr
	}
	return Record{}, fmt.Errorf("%w: %s/%s is at version %d, expected %d",
		ErrVersionConflict, rec.Kind, rec.EntityID, cur.Version, expectedVersion)
}

func (s *PostgresStore) List(ctx context.Context, namespace, kind string, limit int) ([]Record, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+recordColumns+`
		FROM records
		WHERE namespace = $1 AND kind = $2
		ORDER BY created_at, entity_id
		LIMIT $3
	`, namespace, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Delete(ctx context.Context, namespace, kind, id string) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx,
		`DELETE FROM records WHERE namespace = $1 AND kind = $2 AND entity_id = $3`,
		namespace, kind, id)
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)
