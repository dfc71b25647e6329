package model

import (
	"encoding/json"
	"time"
)

type TaskKind string

const (
	TaskKindReply       TaskKind = "reply"
	TaskKindDM          TaskKind = "dm"
	TaskKindThreadStart TaskKind = "thread_start"
)

func (k TaskKind) String() string {
	return string(k)
}

func (k TaskKind) Valid() bool {
	switch k {
	case TaskKindReply, TaskKindDM, TaskKindThreadStart:
		return true
	}
	return false
}

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusDone       TaskStatus = "done"
	TaskStatusFailed     TaskStatus = "failed"
)

func (s TaskStatus) String() string {
	return string(s)
}

// Terminal reports whether the status ends the task's lifecycle.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusDone || s == TaskStatusFailed
}

// TaskPayload carries producer-supplied generation hints (instruction,
// topics, tick_number, max_tokens, temperature, exclude_post_id, ...).
type TaskPayload map[string]any

func (p TaskPayload) Int64(key string) (int64, bool) {
	switch v := p[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

func (p TaskPayload) String(key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

func (p TaskPayload) Float64(key string) (float64, bool) {
	switch v := p[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// GenerationTask is one unit of pending agent text work. A retryable failure
// returns the task to pending with scheduled_for pushed into the future; only
// non-retryable failures reach the failed status.
type GenerationTask struct {
	ID           int64       `db:"id"`
	Kind         TaskKind    `db:"kind"`
	AgentID      int64       `db:"agent_id"`
	RecipientID  *int64      `db:"recipient_id"`
	ThreadID     *int64      `db:"thread_id"`
	Payload      TaskPayload `db:"payload"`
	Status       TaskStatus  `db:"status"`
	Attempts     int         `db:"attempts"`
	LastError    string      `db:"last_error"`
	ScheduledFor *time.Time  `db:"scheduled_for"`
	ResponseText string      `db:"response_text"`
	CreatedAt    time.Time   `db:"created_at"`
	UpdatedAt    time.Time   `db:"updated_at"`
	CompletedAt  *time.Time  `db:"completed_at"`
}

// TickNumber extracts the producing tick from the payload when present.
func (t *GenerationTask) TickNumber() *int64 {
	if n, ok := t.Payload.Int64("tick_number"); ok {
		return &n
	}
	return nil
}
