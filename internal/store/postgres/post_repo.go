package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/trexxak/ghostship-master-sub001/internal/domain/model"
)

// placeholderContent is the body of a post row standing in for content that
// is still being generated.
const placeholderContent = "…"

type PostRepo struct {
	db *DB
}

func NewPostRepo(db *DB) *PostRepo {
	return &PostRepo{db: db}
}

// FindPlaceholderTx returns the oldest placeholder post for the
// (thread, agent) pair, or nil when none is pending replacement.
func (r *PostRepo) FindPlaceholderTx(ctx context.Context, tx *sql.Tx, threadID, agentID int64) (*model.Post, error) {
	var p model.Post
	err := tx.QueryRowContext(ctx, `
		SELECT id, thread_id, author_id, content, tick_number, is_placeholder, created_at
		FROM posts
		WHERE thread_id = $1 AND author_id = $2 AND is_placeholder
		ORDER BY id
		LIMIT 1
	`, threadID, agentID).Scan(
		&p.ID, &p.ThreadID, &p.AuthorID, &p.Content, &p.TickNumber, &p.IsPlaceholder, &p.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find placeholder: %w", err)
	}
	return &p, nil
}

// UpsertGeneratedTx promotes the pair's oldest placeholder to a finished post
// (final content, is_placeholder cleared, created_at refreshed so the post
// surfaces at publication time), or inserts a fresh post when no placeholder
// is pending. Returns the post ID.
func (r *PostRepo) UpsertGeneratedTx(ctx context.Context, tx *sql.Tx, threadID, agentID int64, content string, tickNumber *int64) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `
		UPDATE posts
		SET content = $3, tick_number = $4, is_placeholder = false, created_at = now()
		WHERE id = (
			SELECT id FROM posts
			WHERE thread_id = $1 AND author_id = $2 AND is_placeholder
			ORDER BY id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id
	`, threadID, agentID, content, tickNumber).Scan(&id)
	if err == sql.ErrNoRows {
		err = tx.QueryRowContext(ctx, `
			INSERT INTO posts (thread_id, author_id, content, tick_number, is_placeholder)
			VALUES ($1, $2, $3, $4, false)
			RETURNING id
		`, threadID, agentID, content, tickNumber).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("insert generated post: %w", err)
		}
		return id, nil
	}
	if err != nil {
		return 0, fmt.Errorf("promote placeholder: %w", err)
	}
	return id, nil
}

// RefreshPlaceholderTx rewrites the pair's oldest placeholder content without
// promoting it. Missing placeholders are not created; reports whether a row
// was updated.
func (r *PostRepo) RefreshPlaceholderTx(ctx context.Context, tx *sql.Tx, threadID, agentID int64, content string, tickNumber *int64) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE posts
		SET content = $3, tick_number = $4
		WHERE id = (
			SELECT id FROM posts
			WHERE thread_id = $1 AND author_id = $2 AND is_placeholder
			ORDER BY id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
	`, threadID, agentID, content, tickNumber)
	if err != nil {
		return false, fmt.Errorf("refresh placeholder: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("refresh placeholder rows: %w", err)
	}
	return n > 0, nil
}

func (r *PostRepo) CreatePlaceholder(ctx context.Context, threadID, agentID int64, tickNumber *int64) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO posts (thread_id, author_id, content, tick_number, is_placeholder)
		VALUES ($1, $2, $3, $4, true)
		RETURNING id
	`, threadID, agentID, placeholderContent, tickNumber).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create placeholder: %w", err)
	}
	return id, nil
}

// ThreadContext gathers what the prompt builder quotes: the opener, the
// recentLimit newest posts (returned oldest first), and up to highlightLimit
// earlier posts, each with its author's handle. Placeholders and excludeID
// are skipped throughout; in short threads the opener may also land in Recent.
func (r *PostRepo) ThreadContext(ctx context.Context, threadID int64, recentLimit, highlightLimit int, excludeID int64) (*model.ThreadContext, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	tc := &model.ThreadContext{}

	openers, err := r.contextPosts(ctx, `
		SELECT p.id, p.author_id, a.handle, p.content
		FROM posts p
		JOIN agents a ON a.id = p.author_id
		WHERE p.thread_id = $1 AND p.is_placeholder = false AND p.id <> $2
		ORDER BY p.id
		LIMIT 1
	`, threadID, excludeID)
	if err != nil {
		return nil, fmt.Errorf("query thread opener: %w", err)
	}
	seen := make([]int64, 0, recentLimit+1)
	if len(openers) > 0 {
		tc.Opener = &openers[0]
		seen = append(seen, openers[0].ID)
	}

	recent, err := r.contextPosts(ctx, `
		SELECT p.id, p.author_id, a.handle, p.content
		FROM posts p
		JOIN agents a ON a.id = p.author_id
		WHERE p.thread_id = $1 AND p.is_placeholder = false AND p.id <> $2
		ORDER BY p.id DESC
		LIMIT $3
	`, threadID, excludeID, recentLimit)
	if err != nil {
		return nil, fmt.Errorf("query recent posts: %w", err)
	}
	for i, j := 0, len(recent)-1; i < j; i, j = i+1, j-1 {
		recent[i], recent[j] = recent[j], recent[i]
	}
	tc.Recent = recent
	for _, p := range recent {
		seen = append(seen, p.ID)
	}

	if highlightLimit > 0 {
		highlights, err := r.contextPosts(ctx, `
			SELECT p.id, p.author_id, a.handle, p.content
			FROM posts p
			JOIN agents a ON a.id = p.author_id
			WHERE p.thread_id = $1 AND p.is_placeholder = false AND p.id <> $2
			  AND p.id <> ALL($3)
			ORDER BY p.id
			LIMIT $4
		`, threadID, excludeID, pq.Array(seen), highlightLimit)
		if err != nil {
			return nil, fmt.Errorf("query thread highlights: %w", err)
		}
		tc.Highlights = highlights
	}
	return tc, nil
}

func (r *PostRepo) contextPosts(ctx context.Context, query string, args ...any) ([]model.ContextPost, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var posts []model.ContextPost
	for rows.Next() {
		var p model.ContextPost
		if err := rows.Scan(&p.ID, &p.AuthorID, &p.AuthorHandle, &p.Content); err != nil {
			return nil, err
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

func (r *PostRepo) ListByThread(ctx context.Context, threadID int64, includePlaceholders bool, limit int) ([]model.Post, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, thread_id, author_id, content, tick_number, is_placeholder, created_at
		FROM posts
		WHERE thread_id = $1 AND (is_placeholder = false OR $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, threadID, includePlaceholders, limit)
	if err != nil {
		return nil, fmt.Errorf("query thread posts: %w", err)
	}
	defer rows.Close()

	var posts []model.Post
	for rows.Next() {
		var p model.Post
		if err := rows.Scan(&p.ID, &p.ThreadID, &p.AuthorID, &p.Content, &p.TickNumber, &p.IsPlaceholder, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}
