package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/trexxak/ghostship-master-sub001/internal/domain/model"
	"github.com/trexxak/ghostship-master-sub001/internal/metrics"
	"github.com/trexxak/ghostship-master-sub001/internal/store"
)

var (
	// ErrReservedAgent rejects generation work for the operator's reserved
	// handle. Nothing may ever speak as the organic.
	ErrReservedAgent = errors.New("generation: reserved organic handle")
	// ErrBannedAgent rejects generation work for banned agents.
	ErrBannedAgent = errors.New("generation: agent banned")
)

// TaskSpec describes one generation task to enqueue.
type TaskSpec struct {
	Kind        model.TaskKind
	Agent       model.Agent
	ThreadID    *int64
	RecipientID *int64
	Payload     model.TaskPayload
}

// Guard vets enqueue requests before they reach the queue: the reserved
// operator handle and banned agents never get generation work, and reply
// tasks get their placeholder post created up front so the thread shows
// pending activity immediately.
type Guard struct {
	posts  store.PostRepository
	tasks  store.TaskRepository
	logger *slog.Logger
}

func NewGuard(posts store.PostRepository, tasks store.TaskRepository, logger *slog.Logger) *Guard {
	return &Guard{
		posts:  posts,
		tasks:  tasks,
		logger: logger.With("component", "task_guard"),
	}
}

// CheckEnqueue validates a spec without side effects.
func (g *Guard) CheckEnqueue(spec TaskSpec) error {
	if !spec.Kind.Valid() {
		return fmt.Errorf("generation: unknown task kind %q", spec.Kind)
	}
	if spec.Agent.IsReserved() {
		g.logger.Warn("rejected generation task for reserved handle",
			"handle", spec.Agent.Handle, "kind", spec.Kind)
		metrics.QueueGuardRejections.WithLabelValues("reserved_handle").Inc()
		return ErrReservedAgent
	}
	if spec.Agent.Banned {
		g.logger.Warn("rejected generation task for banned agent",
			"agent_id", spec.Agent.ID, "handle", spec.Agent.Handle, "kind", spec.Kind)
		metrics.QueueGuardRejections.WithLabelValues("banned").Inc()
		return ErrBannedAgent
	}
	switch spec.Kind {
	case model.TaskKindReply:
		if spec.ThreadID == nil {
			return errors.New("generation: reply task requires a thread")
		}
	case model.TaskKindDM:
		if spec.RecipientID == nil {
			return errors.New("generation: dm task requires a recipient")
		}
	}
	return nil
}

// Enqueue validates the spec, creates the reply placeholder when needed, and
// inserts the task. Returns the new task ID.
func (g *Guard) Enqueue(ctx context.Context, spec TaskSpec) (int64, error) {
	if err := g.CheckEnqueue(spec); err != nil {
		return 0, err
	}

	task := &model.GenerationTask{
		Kind:        spec.Kind,
		AgentID:     spec.Agent.ID,
		RecipientID: spec.RecipientID,
		ThreadID:    spec.ThreadID,
		Payload:     spec.Payload,
	}

	if spec.Kind == model.TaskKindReply {
		postID, err := g.posts.CreatePlaceholder(ctx, *spec.ThreadID, spec.Agent.ID, task.TickNumber())
		if err != nil {
			return 0, fmt.Errorf("create reply placeholder: %w", err)
		}
		g.logger.Debug("created reply placeholder",
			"post_id", postID, "thread_id", *spec.ThreadID, "agent_id", spec.Agent.ID)
	}

	id, err := g.tasks.Enqueue(ctx, task)
	if err != nil {
		return 0, fmt.Errorf("enqueue %s task: %w", spec.Kind, err)
	}
	g.logger.Info("enqueued generation task",
		"task_id", id, "kind", spec.Kind, "agent_id", spec.Agent.ID)
	return id, nil
}
