package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// UsageRepo tracks provider request counts per UTC day, backing the daily
// quota so it survives restarts.
type UsageRepo struct {
	db *DB
}

func NewUsageRepo(db *DB) *UsageRepo {
	return &UsageRepo{db: db}
}

func (r *UsageRepo) IncrementRequests(ctx context.Context, day time.Time, n int) (int, error) {
	var total int
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO provider_usage (day, request_count)
		VALUES ($1, $2)
		ON CONFLICT (day) DO UPDATE SET
			request_count = provider_usage.request_count + EXCLUDED.request_count,
			updated_at = now()
		RETURNING request_count
	`, day.UTC().Format("2006-01-02"), n).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("increment usage: %w", err)
	}
	return total, nil
}

func (r *UsageRepo) RequestCount(ctx context.Context, day time.Time) (int, error) {
	var total int
	err := r.db.QueryRowContext(ctx, `
		SELECT request_count FROM provider_usage WHERE day = $1
	`, day.UTC().Format("2006-01-02")).Scan(&total)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get usage: %w", err)
	}
	return total, nil
}
