package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/trexxak/ghostship-master-sub001/internal/domain/model"
	"github.com/trexxak/ghostship-master-sub001/internal/store"
)

type TaskRepo struct {
	db *DB
}

func NewTaskRepo(db *DB) *TaskRepo {
	return &TaskRepo{db: db}
}

const taskColumns = `id, kind, agent_id, recipient_id, thread_id, payload, status, attempts, last_error, scheduled_for, response_text, created_at, updated_at, completed_at`

func scanTask(row interface{ Scan(...any) error }) (*model.GenerationTask, error) {
	var (
		t       model.GenerationTask
		payload []byte
	)
	if err := row.Scan(
		&t.ID, &t.Kind, &t.AgentID, &t.RecipientID, &t.ThreadID,
		&payload, &t.Status, &t.Attempts, &t.LastError,
		&t.ScheduledFor, &t.ResponseText, &t.CreatedAt, &t.UpdatedAt, &t.CompletedAt,
	); err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &t.Payload); err != nil {
			return nil, fmt.Errorf("decode task payload: %w", err)
		}
	}
	return &t, nil
}

func (r *TaskRepo) Enqueue(ctx context.Context, t *model.GenerationTask) (int64, error) {
	payload := t.Payload
	if payload == nil {
		payload = model.TaskPayload{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("encode task payload: %w", err)
	}

	var id int64
	err = r.db.QueryRowContext(ctx, `
		INSERT INTO generation_tasks (kind, agent_id, recipient_id, thread_id, payload, status, scheduled_for)
		VALUES ($1, $2, $3, $4, $5, 'pending', $6)
		RETURNING id
	`, t.Kind, t.AgentID, t.RecipientID, t.ThreadID, raw, t.ScheduledFor).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("enqueue task: %w", err)
	}
	return id, nil
}

// ClaimPending atomically claims up to limit eligible pending tasks, oldest
// first. The subquery's FOR UPDATE SKIP LOCKED keeps concurrent claimers from
// ever receiving the same row; claimed tasks are marked in_progress with
// attempts incremented.
func (r *TaskRepo) ClaimPending(ctx context.Context, limit int, now time.Time) ([]model.GenerationTask, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE generation_tasks
		SET status = 'in_progress', attempts = attempts + 1, updated_at = now()
		WHERE id IN (
			SELECT id FROM generation_tasks
			WHERE status = 'pending' AND (scheduled_for IS NULL OR scheduled_for <= $1)
			ORDER BY id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+taskColumns, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim tasks: %w", err)
	}
	defer rows.Close()

	var tasks []model.GenerationTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read claimed tasks: %w", err)
	}

	// RETURNING order is unspecified; callers expect oldest first.
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks, nil
}

func (r *TaskRepo) Complete(ctx context.Context, id int64, responseText string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE generation_tasks
		SET status = 'done', response_text = $2, last_error = '', completed_at = $3, updated_at = now()
		WHERE id = $1
	`, id, responseText, at)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	return nil
}

func (r *TaskRepo) Fail(ctx context.Context, id int64, reason string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE generation_tasks
		SET status = 'failed', last_error = $2, completed_at = $3, updated_at = now()
		WHERE id = $1
	`, id, reason, at)
	if err != nil {
		return fmt.Errorf("fail task: %w", err)
	}
	return nil
}

// Defer returns the task to pending, eligible again at retryAt.
func (r *TaskRepo) Defer(ctx context.Context, id int64, reason string, retryAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE generation_tasks
		SET status = 'pending', last_error = $2, scheduled_for = $3, updated_at = now()
		WHERE id = $1
	`, id, reason, retryAt)
	if err != nil {
		return fmt.Errorf("defer task: %w", err)
	}
	return nil
}

// UpdatePayload rewrites the task's payload in place, used when a retry needs
// a stricter instruction than the original enqueue carried.
func (r *TaskRepo) UpdatePayload(ctx context.Context, id int64, payload model.TaskPayload) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode task payload: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		UPDATE generation_tasks
		SET payload = $2, updated_at = now()
		WHERE id = $1
	`, id, raw)
	if err != nil {
		return fmt.Errorf("update task payload: %w", err)
	}
	return nil
}

func (r *TaskRepo) Get(ctx context.Context, id int64) (*model.GenerationTask, error) {
	t, err := scanTask(r.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM generation_tasks WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (r *TaskRepo) CountByStatus(ctx context.Context) (map[model.TaskStatus]int, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*)
		FROM generation_tasks
		GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.TaskStatus]int)
	for rows.Next() {
		var (
			status model.TaskStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
