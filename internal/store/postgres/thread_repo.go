package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/trexxak/ghostship-master-sub001/internal/domain/model"
	"github.com/trexxak/ghostship-master-sub001/internal/store"
)

type ThreadRepo struct {
	db *DB
}

func NewThreadRepo(db *DB) *ThreadRepo {
	return &ThreadRepo{db: db}
}

func (r *ThreadRepo) Get(ctx context.Context, id int64) (*model.Thread, error) {
	var t model.Thread
	err := r.db.QueryRowContext(ctx, `
		SELECT id, title, author_id, locked, heat, hot_score, last_activity_at, created_at
		FROM threads
		WHERE id = $1
	`, id).Scan(&t.ID, &t.Title, &t.AuthorID, &t.Locked, &t.Heat, &t.HotScore, &t.LastActivityAt, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get thread: %w", err)
	}
	return &t, nil
}

func (r *ThreadRepo) ListActive(ctx context.Context, limit int) ([]model.Thread, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, title, author_id, locked, heat, hot_score, last_activity_at, created_at
		FROM threads
		WHERE NOT locked
		ORDER BY last_activity_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query active threads: %w", err)
	}
	defer rows.Close()

	var threads []model.Thread
	for rows.Next() {
		var t model.Thread
		if err := rows.Scan(&t.ID, &t.Title, &t.AuthorID, &t.Locked, &t.Heat, &t.HotScore, &t.LastActivityAt, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

func (r *ThreadRepo) Create(ctx context.Context, t *model.Thread) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO threads (title, author_id, locked, heat, hot_score)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, t.Title, t.AuthorID, t.Locked, t.Heat, t.HotScore).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create thread: %w", err)
	}
	return id, nil
}

// TouchTx applies a persist-time activity bump in one statement. heatFloor
// lets a thread opener guarantee a minimum heat without resetting an already
// hotter thread.
func (r *ThreadRepo) TouchTx(ctx context.Context, tx *sql.Tx, id int64, heatDelta, heatFloor, hotDelta float64, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE threads
		SET heat = GREATEST(heat + $2, $3),
		    hot_score = GREATEST(hot_score + $4, 0),
		    last_activity_at = GREATEST(last_activity_at, $5)
		WHERE id = $1
	`, id, heatDelta, heatFloor, hotDelta, at)
	if err != nil {
		return fmt.Errorf("touch thread: %w", err)
	}
	return nil
}
