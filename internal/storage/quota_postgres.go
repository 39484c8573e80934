package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/draftwise/draftwise/internal/quota"
)

// PostgresQuotaStore implements quota.Store on top of a shared pool.
// The limit check and increment happen in a single guarded UPDATE so
// concurrent reservations can never jointly exceed the limit.
type PostgresQuotaStore struct {
	db *sql.DB
}

var _ quota.Store = (*PostgresQuotaStore)(nil)

// NewPostgresQuotaStore wraps an existing pool.
func NewPostgresQuotaStore(db *sql.DB) *PostgresQuotaStore {
	return &PostgresQuotaStore{db: db}
}

// Migrate creates the counters table if it does not exist.
func (s *PostgresQuotaStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS quota_counters (
			tenant_id TEXT NOT NULL,
			metric    TEXT NOT NULL,
			period    TEXT NOT NULL,
			used      BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (tenant_id, metric, period)
		)`)
	if err != nil {
		return fmt.Errorf("storage: migrate quota counters: %w", err)
	}
	return nil
}

func (s *PostgresQuotaStore) Increment(ctx context.Context, tenantID, metric, period string, amount, limit int64) (int64, bool, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO quota_counters (tenant_id, metric, period, used)
		VALUES ($1, $2, $3, 0)
		ON CONFLICT (tenant_id, metric, period) DO NOTHING`,
		tenantID, metric, period,
	)
	if err != nil {
		return 0, false, fmt.Errorf("storage: init quota counter: %w", err)
	}

	var used int64
	err = s.db.QueryRowContext(ctx, `
		UPDATE quota_counters
		SET used = used + $4
		WHERE tenant_id = $1 AND metric = $2 AND period = $3
		  AND ($5 = -1 OR used + $4 <= $5)
		RETURNING used`,
		tenantID, metric, period, amount, limit,
	).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		// Guard rejected the increment: report current usage.
		current, usedErr := s.Used(ctx, tenantID, metric, period)
		if usedErr != nil {
			return 0, false, usedErr
		}
		return current, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("storage: increment quota counter: %w", err)
	}
	return used, true, nil
}

func (s *PostgresQuotaStore) Used(ctx context.Context, tenantID, metric, period string) (int64, error) {
	var used int64
	err := s.db.QueryRowContext(ctx, `
		SELECT used FROM quota_counters
		WHERE tenant_id = $1 AND metric = $2 AND period = $3`,
		tenantID, metric, period,
	).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("storage: read quota counter: %w", err)
	}
	return used, nil
}
