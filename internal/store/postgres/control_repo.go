package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/trexxak/ghostship-master-sub001/internal/domain/model"
)

// ControlRepo persists control-plane key-value state (freeze toggle, pending
// manual override) and the tick run history.
type ControlRepo struct {
	db *DB
}

func NewControlRepo(db *DB) *ControlRepo {
	return &ControlRepo{db: db}
}

func (r *ControlRepo) GetValue(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT value FROM control_state WHERE key = $1
	`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get control value: %w", err)
	}
	return value, nil
}

func (r *ControlRepo) SetValue(ctx context.Context, key string, value []byte) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO control_state (key, value)
		VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			updated_at = now()
	`, key, value)
	if err != nil {
		return fmt.Errorf("set control value: %w", err)
	}
	return nil
}

// TakeValue reads and clears the slot in a single statement, so at most one
// concurrent caller receives a non-nil result. An empty slot returns nil.
func (r *ControlRepo) TakeValue(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := r.db.QueryRowContext(ctx, `
		DELETE FROM control_state WHERE key = $1 RETURNING value
	`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("take control value: %w", err)
	}
	return value, nil
}

func (r *ControlRepo) RecordTickRun(ctx context.Context, run *model.TickRun) error {
	var allocation []byte
	if run.Allocation != nil {
		raw, err := json.Marshal(run.Allocation)
		if err != nil {
			return fmt.Errorf("encode tick allocation: %w", err)
		}
		allocation = raw
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO tick_runs (tick_number, origin, seed, forced, note, allocation, ran_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, run.Number, run.Origin, run.Seed, run.Forced, run.Note, allocation, run.RanAt)
	if err != nil {
		return fmt.Errorf("record tick run: %w", err)
	}
	return nil
}

func (r *ControlRepo) LastTickNumber(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(tick_number), 0) FROM tick_runs
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("last tick number: %w", err)
	}
	return n, nil
}

func (r *ControlRepo) ListTickRuns(ctx context.Context, limit int) ([]model.TickRun, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT tick_number, origin, seed, forced, note, allocation, ran_at
		FROM tick_runs
		ORDER BY id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query tick runs: %w", err)
	}
	defer rows.Close()

	var runs []model.TickRun
	for rows.Next() {
		var (
			run        model.TickRun
			allocation []byte
		)
		if err := rows.Scan(&run.Number, &run.Origin, &run.Seed, &run.Forced, &run.Note, &allocation, &run.RanAt); err != nil {
			return nil, fmt.Errorf("scan tick run: %w", err)
		}
		if len(allocation) > 0 {
			var alloc model.Allocation
			if err := json.Unmarshal(allocation, &alloc); err != nil {
				return nil, fmt.Errorf("decode tick allocation: %w", err)
			}
			run.Allocation = &alloc
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
