package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/trexxak/ghostship-master-sub001/internal/domain/model"
)

// ErrNotFound is returned by lookups whose subject does not exist.
var ErrNotFound = errors.New("store: not found")

// TxBeginner abstracts the ability to begin a database transaction.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// AgentRepository provides access to agent records.
type AgentRepository interface {
	Get(ctx context.Context, id int64) (*model.Agent, error)
	// CanonicalHandle resolves a handle case-insensitively and returns the
	// stored casing, or "" when no agent carries the handle.
	CanonicalHandle(ctx context.Context, handle string) (string, error)
	// ListCandidates returns non-banned, non-organic agents for the planner,
	// oldest first, capped at limit.
	ListCandidates(ctx context.Context, limit int) ([]model.Agent, error)
	Create(ctx context.Context, a *model.Agent) (int64, error)
}

// ThreadRepository provides access to thread records.
type ThreadRepository interface {
	Get(ctx context.Context, id int64) (*model.Thread, error)
	// ListActive returns unlocked threads by recent activity, capped at limit.
	ListActive(ctx context.Context, limit int) ([]model.Thread, error)
	Create(ctx context.Context, t *model.Thread) (int64, error)
	// TouchTx applies a persist-time activity bump: heat rises by heatDelta
	// and never below heatFloor, hot_score rises by hotDelta, and
	// last_activity_at moves forward to at (never backward).
	TouchTx(ctx context.Context, tx *sql.Tx, id int64, heatDelta, heatFloor, hotDelta float64, at time.Time) error
}

// PostRepository provides access to post records, including the placeholder
// lifecycle used by reply generation.
type PostRepository interface {
	// FindPlaceholderTx returns the oldest placeholder post for the
	// (thread, agent) pair, or nil when none is pending replacement.
	FindPlaceholderTx(ctx context.Context, tx *sql.Tx, threadID, agentID int64) (*model.Post, error)
	// UpsertGeneratedTx replaces the pair's placeholder with final content
	// (flipping is_placeholder and refreshing created_at) or inserts a new
	// post when no placeholder is pending. Returns the post ID.
	UpsertGeneratedTx(ctx context.Context, tx *sql.Tx, threadID, agentID int64, content string, tickNumber *int64) (int64, error)
	// RefreshPlaceholderTx rewrites an existing placeholder's content without
	// promoting it. Missing placeholders are not created; reports whether a
	// row was updated.
	RefreshPlaceholderTx(ctx context.Context, tx *sql.Tx, threadID, agentID int64, content string, tickNumber *int64) (bool, error)
	CreatePlaceholder(ctx context.Context, threadID, agentID int64, tickNumber *int64) (int64, error)
	ListByThread(ctx context.Context, threadID int64, includePlaceholders bool, limit int) ([]model.Post, error)
	// ThreadContext loads the opener, the recentLimit newest posts, and up to
	// highlightLimit earlier posts with author handles, skipping placeholders
	// and excludeID (0 excludes nothing).
	ThreadContext(ctx context.Context, threadID int64, recentLimit, highlightLimit int, excludeID int64) (*model.ThreadContext, error)
}

// MessageRepository provides access to private messages.
type MessageRepository interface {
	CreateTx(ctx context.Context, tx *sql.Tx, m *model.PrivateMessage) (int64, error)
	ListBetween(ctx context.Context, a, b int64, limit int) ([]model.PrivateMessage, error)
}

// TaskRepository provides access to the generation task queue.
type TaskRepository interface {
	Enqueue(ctx context.Context, t *model.GenerationTask) (int64, error)
	// ClaimPending atomically selects up to limit eligible pending tasks
	// (scheduled_for absent or elapsed), oldest first, marks them in_progress,
	// and increments attempts. Concurrent claimers never receive the same task.
	ClaimPending(ctx context.Context, limit int, now time.Time) ([]model.GenerationTask, error)
	// Complete marks the task done with its response text.
	Complete(ctx context.Context, id int64, responseText string, at time.Time) error
	// Fail marks the task permanently failed.
	Fail(ctx context.Context, id int64, reason string, at time.Time) error
	// Defer returns the task to pending with a future eligibility time.
	Defer(ctx context.Context, id int64, reason string, retryAt time.Time) error
	// UpdatePayload rewrites the payload, e.g. to carry a stricter retry
	// instruction.
	UpdatePayload(ctx context.Context, id int64, payload model.TaskPayload) error
	Get(ctx context.Context, id int64) (*model.GenerationTask, error)
	CountByStatus(ctx context.Context) (map[model.TaskStatus]int, error)
}

// ControlRepository provides access to control-plane key-value state and the
// tick run history.
type ControlRepository interface {
	// GetValue returns the raw JSON blob under key, or nil when unset.
	GetValue(ctx context.Context, key string) ([]byte, error)
	SetValue(ctx context.Context, key string, value []byte) error
	// TakeValue atomically reads and clears the blob under key in a single
	// statement; returns nil when the slot was empty. At most one concurrent
	// caller receives a non-nil result.
	TakeValue(ctx context.Context, key string) ([]byte, error)
	RecordTickRun(ctx context.Context, run *model.TickRun) error
	LastTickNumber(ctx context.Context) (int64, error)
	ListTickRuns(ctx context.Context, limit int) ([]model.TickRun, error)
}

// TicketRepository provides access to moderation tickets.
type TicketRepository interface {
	Create(ctx context.Context, t *model.ModerationTicket) (int64, error)
	CountOpen(ctx context.Context) (int, error)
}

// UsageRepository tracks daily provider request counts, keyed by UTC day.
type UsageRepository interface {
	// IncrementRequests adds n to the day's counter and returns the new total.
	IncrementRequests(ctx context.Context, day time.Time, n int) (int, error)
	RequestCount(ctx context.Context, day time.Time) (int, error)
}

// SessionStore tracks live session activity for backpressure.
type SessionStore interface {
	// Touch upserts the session's last-seen time and organic flag.
	Touch(ctx context.Context, sessionKey string, organic bool, at time.Time) error
	// Counts returns total live sessions within the window ending at now and
	// the subset acting as the human operator.
	Counts(ctx context.Context, now time.Time, window time.Duration) (total, organic int, err error)
	// Prune removes sessions last seen before now-window; returns the count.
	Prune(ctx context.Context, now time.Time, window time.Duration) (int, error)
	Close() error
}

// Repos aggregates the repository set wired in main.
type Repos struct {
	Agents   AgentRepository
	Threads  ThreadRepository
	Posts    PostRepository
	Messages MessageRepository
	Tasks    TaskRepository
	Control  ControlRepository
	Tickets  TicketRepository
	Usage    UsageRepository
}
