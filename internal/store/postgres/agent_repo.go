package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/trexxak/ghostship-master-sub001/internal/domain/model"
	"github.com/trexxak/ghostship-master-sub001/internal/store"
)

type AgentRepo struct {
	db *DB
}

func NewAgentRepo(db *DB) *AgentRepo {
	return &AgentRepo{db: db}
}

func (r *AgentRepo) Get(ctx context.Context, id int64) (*model.Agent, error) {
	var a model.Agent
	err := r.db.QueryRowContext(ctx, `
		SELECT id, handle, archetype, mood, banned, organic, created_at
		FROM agents
		WHERE id = $1
	`, id).Scan(&a.ID, &a.Handle, &a.Archetype, &a.Mood, &a.Banned, &a.Organic, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return &a, nil
}

// CanonicalHandle resolves a handle case-insensitively and returns the stored
// casing, or "" when no agent carries it.
func (r *AgentRepo) CanonicalHandle(ctx context.Context, handle string) (string, error) {
	var canonical string
	err := r.db.QueryRowContext(ctx, `
		SELECT handle
		FROM agents
		WHERE lower(handle) = lower($1)
	`, handle).Scan(&canonical)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve handle: %w", err)
	}
	return canonical, nil
}

func (r *AgentRepo) ListCandidates(ctx context.Context, limit int) ([]model.Agent, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, handle, archetype, mood, banned, organic, created_at
		FROM agents
		WHERE NOT banned AND NOT organic
		ORDER BY created_at, id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query agent candidates: %w", err)
	}
	defer rows.Close()

	var agents []model.Agent
	for rows.Next() {
		var a model.Agent
		if err := rows.Scan(&a.ID, &a.Handle, &a.Archetype, &a.Mood, &a.Banned, &a.Organic, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (r *AgentRepo) Create(ctx context.Context, a *model.Agent) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO agents (handle, archetype, mood, banned, organic)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, a.Handle, a.Archetype, a.Mood, a.Banned, a.Organic).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create agent: %w", err)
	}
	return id, nil
}
