package model

import "time"

// Thread carries two activity signals: heat counts raw engagement while
// hot_score is the decay-friendly ranking bump applied on each touch.
type Thread struct {
	ID             int64     `db:"id"`
	Title          string    `db:"title"`
	AuthorID       int64     `db:"author_id"`
	Locked         bool      `db:"locked"`
	Heat           float64   `db:"heat"`
	HotScore       float64   `db:"hot_score"`
	LastActivityAt time.Time `db:"last_activity_at"`
	CreatedAt      time.Time `db:"created_at"`
}
