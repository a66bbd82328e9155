package tenant

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telhawk-systems/taskhub-stack/common/database"
)

// PostgresRegistry stores tenants in the tenants table.
type PostgresRegistry struct {
	pool *pgxpool.Pool
}

func NewPostgresRegistry(pool *pgxpool.Pool) *PostgresRegistry {
	return &PostgresRegistry{pool: pool}
}

func (r *PostgresRegistry) Resolve(ctx context.Context, tenantID string) (Context, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	query := `
		SELECT tenant_id, data_namespace, storage_namespace, created_at, deactivated_at
		FROM tenants
		WHERE tenant_id = $1 AND deactivated_at IS NULL
	`

	var tc Context
	err := r.pool.QueryRow(ctx, query, tenantID).Scan(
		&tc.TenantID, &tc.DataNamespace, &tc.StorageNamespace, &tc.CreatedAt, &tc.DeactivatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Context{}, ErrNotFound
		}
		return Context{}, fmt.Errorf("failed to resolve tenant: %w", err)
	}
	return tc, nil
}

// Register inserts the tenant row. The primary key and the partial unique
// namespace indexes turn concurrent or conflicting registrations into ErrConflict.
func (r *PostgresRegistry) Register(ctx context.Context, tenantID string, ns Namespaces) (Context, error) {
	if err := validateRegistration(tenantID, ns); err != nil {
		return Context{}, err
	}

	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	query := `
		INSERT INTO tenants (tenant_id, data_namespace, storage_namespace)
		VALUES ($1, $2, $3)
		RETURNING tenant_id, data_namespace, storage_namespace, created_at, deactivated_at
	`

	var tc Context
	err := r.pool.QueryRow(ctx, query, tenantID, ns.Data, ns.Storage).Scan(
		&tc.TenantID, &tc.DataNamespace, &tc.StorageNamespace, &tc.CreatedAt, &tc.DeactivatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return Context{}, fmt.Errorf("%w: tenant %s or its namespaces already registered", ErrConflict, tenantID)
		}
		return Context{}, fmt.Errorf("failed to register tenant: %w", err)
	}
	return tc, nil
}

func (r *PostgresRegistry) Deactivate(ctx context.Context, tenantID string) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	tag, err := r.pool.Exec(ctx,
		`UPDATE tenants SET deactivated_at = now() WHERE tenant_id = $1 AND deactivated_at IS NULL`,
		tenantID,
	)
	if err != nil {
		return fmt.Errorf("failed to deactivate tenant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRegistry) List(ctx context.Context) ([]Context, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	rows, err := r.pool.Query(ctx, `
		SELECT tenant_id, data_namespace, storage_namespace, created_at, deactivated_at
		FROM tenants
		ORDER BY tenant_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var out []Context
	for rows.Next() {
		var tc Context
		if err := rows.Scan(&tc.TenantID, &tc.DataNamespace, &tc.StorageNamespace, &tc.CreatedAt, &tc.DeactivatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		out = append(out, tc)
	}
	return out, rows.Err()
}

var _ Registry = (*PostgresRegistry)(nil)
