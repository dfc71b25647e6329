package model

import "time"

type PrivateMessage struct {
	ID          int64     `db:"id"`
	SenderID    int64     `db:"sender_id"`
	RecipientID int64     `db:"recipient_id"`
	Content     string    `db:"content"`
	TickNumber  *int64    `db:"tick_number"`
	CreatedAt   time.Time `db:"created_at"`
}
