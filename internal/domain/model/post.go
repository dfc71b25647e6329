package model

import "time"

// Post is a forum post. A placeholder row stands in for content still
// awaiting successful generation; replacing it flips is_placeholder and
// refreshes created_at so the post surfaces at its real publication time.
type Post struct {
	ID            int64     `db:"id"`
	ThreadID      int64     `db:"thread_id"`
	AuthorID      int64     `db:"author_id"`
	Content       string    `db:"content"`
	TickNumber    *int64    `db:"tick_number"`
	IsPlaceholder bool      `db:"is_placeholder"`
	CreatedAt     time.Time `db:"created_at"`
}

// ContextPost pairs a post with its author's handle for prompt assembly.
type ContextPost struct {
	ID           int64  `db:"id"`
	AuthorID     int64  `db:"author_id"`
	AuthorHandle string `db:"handle"`
	Content      string `db:"content"`
}

// ThreadContext is the slice of a thread the prompt builder quotes from.
// Placeholders are excluded everywhere; Recent and Highlights run oldest
// first. In short threads the opener may also appear in Recent.
type ThreadContext struct {
	Opener     *ContextPost
	Recent     []ContextPost
	Highlights []ContextPost
}
