package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/trexxak/ghostship-master-sub001/internal/domain/model"
)

type MessageRepo struct {
	db *DB
}

func NewMessageRepo(db *DB) *MessageRepo {
	return &MessageRepo{db: db}
}

func (r *MessageRepo) CreateTx(ctx context.Context, tx *sql.Tx, m *model.PrivateMessage) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO private_messages (sender_id, recipient_id, content, tick_number)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, m.SenderID, m.RecipientID, m.Content, m.TickNumber).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create private message: %w", err)
	}
	return id, nil
}

// ListBetween returns the newest messages exchanged between the pair in
// either direction, newest first.
func (r *MessageRepo) ListBetween(ctx context.Context, a, b int64, limit int) ([]model.PrivateMessage, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, sender_id, recipient_id, content, tick_number, created_at
		FROM private_messages
		WHERE least(sender_id, recipient_id) = least($1::bigint, $2::bigint)
		  AND greatest(sender_id, recipient_id) = greatest($1::bigint, $2::bigint)
		ORDER BY id DESC
		LIMIT $3
	`, a, b, limit)
	if err != nil {
		return nil, fmt.Errorf("query private messages: %w", err)
	}
	defer rows.Close()

	var messages []model.PrivateMessage
	for rows.Next() {
		var m model.PrivateMessage
		if err := rows.Scan(&m.ID, &m.SenderID, &m.RecipientID, &m.Content, &m.TickNumber, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan private message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}
