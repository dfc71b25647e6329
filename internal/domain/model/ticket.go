package model

import "time"

type TicketSource string

const (
	TicketSourceSystem TicketSource = "system"
	TicketSourceUser   TicketSource = "user"
)

type TicketStatus string

const (
	TicketStatusOpen     TicketStatus = "open"
	TicketStatusResolved TicketStatus = "resolved"
)

type ModerationTicket struct {
	ID           int64        `db:"id"`
	Title        string       `db:"title"`
	Description  string       `db:"description"`
	ReporterName string       `db:"reporter_name"`
	ThreadID     *int64       `db:"thread_id"`
	Source       TicketSource `db:"source"`
	Status       TicketStatus `db:"status"`
	Priority     string       `db:"priority"`
	Tags         []string     `db:"tags"`
	CreatedAt    time.Time    `db:"created_at"`
}
