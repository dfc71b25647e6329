package postgres

import (
	"context"
	"fmt"

	"github.com/lib/pq"
	"github.com/trexxak/ghostship-master-sub001/internal/domain/model"
)

type TicketRepo struct {
	db *DB
}

func NewTicketRepo(db *DB) *TicketRepo {
	return &TicketRepo{db: db}
}

func (r *TicketRepo) Create(ctx context.Context, t *model.ModerationTicket) (int64, error) {
	priority := t.Priority
	if priority == "" {
		priority = "normal"
	}
	source := t.Source
	if source == "" {
		source = model.TicketSourceSystem
	}
	status := t.Status
	if status == "" {
		status = model.TicketStatusOpen
	}

	var id int64
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO moderation_tickets (title, description, reporter_name, thread_id, source, status, priority, tags)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, t.Title, t.Description, t.ReporterName, t.ThreadID, source, status, priority, pq.Array(t.Tags)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create moderation ticket: %w", err)
	}
	return id, nil
}

func (r *TicketRepo) CountOpen(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM moderation_tickets WHERE status = 'open'
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count open tickets: %w", err)
	}
	return n, nil
}
