// Package generation owns the task queue drain: claiming pending generation
// tasks, assembling prompts from thread context, calling the provider, and
// persisting finished text as posts and private messages. Retryable trouble
// sends a task back to pending with a future eligibility time; only
// unrecoverable failures reach the failed status.
package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/trexxak/ghostship-master-sub001/internal/alert"
	"github.com/trexxak/ghostship-master-sub001/internal/circuitbreaker"
	"github.com/trexxak/ghostship-master-sub001/internal/domain/model"
	"github.com/trexxak/ghostship-master-sub001/internal/metrics"
	"github.com/trexxak/ghostship-master-sub001/internal/provider"
	"github.com/trexxak/ghostship-master-sub001/internal/store"
)

const (
	// DefaultRetryDelay is how long a deferred task waits before it is
	// eligible for another claim.
	DefaultRetryDelay = time.Minute
	// DefaultBatchSize caps how many same-kind tasks share one provider call.
	DefaultBatchSize = 3

	// emptyEscalateThreshold is how many empty generations a thread absorbs
	// before a needs-body moderation ticket is filed.
	emptyEscalateThreshold = 2
)

// retryInstructionPrefix hardens the instruction when fresh content echoed
// recent posts.
const retryInstructionPrefix = "(RETRY - avoid repeating existing content) Be concise, do not quote the prompt verbatim, and add at least one new, specific observation. "

// Generator is the provider surface the processor consumes.
type Generator interface {
	Generate(ctx context.Context, req provider.Request) (*provider.Completion, error)
	Remaining(ctx context.Context) (int, error)
	Breaker() *circuitbreaker.Breaker
}

// Config tunes a Processor. Zero values fall back to defaults.
type Config struct {
	RetryDelay       time.Duration
	BatchSize        int
	DefaultMaxTokens int
}

// Result summarizes one drain pass. Processed counts tasks that reached a
// terminal status, including skips and permanent failures; Deferred counts
// tasks returned to pending.
type Result struct {
	Processed int
	Deferred  int
}

// Processor drains the generation task queue.
type Processor struct {
	db        store.TxBeginner
	repos     *store.Repos
	client    Generator
	sanitizer *Sanitizer
	alerter   alert.Alerter
	cfg       Config
	logger    *slog.Logger
	nowFunc   func() time.Time // injectable clock for testing

	mu          sync.Mutex
	emptyRounds map[int64]int // thread id -> empty generations since last escalation
}

func NewProcessor(db store.TxBeginner, repos *store.Repos, client Generator, cfg Config, logger *slog.Logger) *Processor {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.DefaultMaxTokens <= 0 {
		cfg.DefaultMaxTokens = fallbackMaxTokens
	}
	return &Processor{
		db:          db,
		repos:       repos,
		client:      client,
		sanitizer:   NewSanitizer(repos.Agents, logger),
		cfg:         cfg,
		logger:      logger.With("component", "generation"),
		nowFunc:     time.Now,
		emptyRounds: make(map[int64]int),
	}
}

// WithAlerter routes needs-body escalations to the alert channels.
func (p *Processor) WithAlerter(a alert.Alerter) *Processor {
	p.alerter = a
	return p
}

// taskContext is a claimed task joined with its loaded subjects.
type taskContext struct {
	task      *model.GenerationTask
	agent     *model.Agent
	thread    *model.Thread
	recipient *model.Agent
	threadCtx *model.ThreadContext
}

// Process drains up to limit eligible tasks and reports how many reached a
// terminal status versus went back to pending. Consecutive tasks sharing a
// batchable kind are generated through one provider call when quota allows.
func (p *Processor) Process(ctx context.Context, limit int) (Result, error) {
	if limit <= 0 {
		return Result{}, fmt.Errorf("process limit must be positive, got %d", limit)
	}
	tasks, err := p.repos.Tasks.ClaimPending(ctx, limit, p.nowFunc())
	if err != nil {
		return Result{}, fmt.Errorf("claim pending tasks: %w", err)
	}
	if len(tasks) == 0 {
		return Result{}, nil
	}

	var res Result
	for start := 0; start < len(tasks); {
		if ctx.Err() != nil {
			// Claimed tasks must not strand in in_progress on shutdown.
			for i := start; i < len(tasks); i++ {
				p.deferTask(ctx, &tasks[i], "worker shutting down", &res)
			}
			return res, ctx.Err()
		}
		batch := sliceBatch(tasks, start, p.cfg.BatchSize)
		p.processBatch(ctx, batch, &res)
		start += len(batch)
	}
	p.logger.Info("queue pass complete",
		"claimed", len(tasks), "processed", res.Processed, "deferred", res.Deferred)
	return res, nil
}

func (p *Processor) processBatch(ctx context.Context, batch []model.GenerationTask, res *Result) {
	ready := make([]*taskContext, 0, len(batch))
	for i := range batch {
		if tc := p.prepare(ctx, &batch[i], res); tc != nil {
			ready = append(ready, tc)
		}
	}
	if len(ready) == 0 {
		return
	}
	if len(ready) > 1 && batchableKinds[ready[0].task.Kind] {
		if p.generateBatch(ctx, ready, res) {
			return
		}
	}
	for _, tc := range ready {
		p.generateSingle(ctx, tc, res)
	}
}

// prepare loads the task's subjects and applies the drain-time guardrails.
// It returns nil after disposing of the task itself, with res updated.
func (p *Processor) prepare(ctx context.Context, task *model.GenerationTask, res *Result) *taskContext {
	tc := &taskContext{task: task}

	agent, err := p.repos.Agents.Get(ctx, task.AgentID)
	if errors.Is(err, store.ErrNotFound) {
		p.failTask(ctx, task, "agent not found", res)
		return nil
	}
	if err != nil {
		p.deferTask(ctx, task, fmt.Sprintf("load agent: %v", err), res)
		return nil
	}
	tc.agent = agent

	if task.ThreadID != nil {
		thread, err := p.repos.Threads.Get(ctx, *task.ThreadID)
		if errors.Is(err, store.ErrNotFound) {
			p.failTask(ctx, task, "thread not found", res)
			return nil
		}
		if err != nil {
			p.deferTask(ctx, task, fmt.Sprintf("load thread: %v", err), res)
			return nil
		}
		tc.thread = thread
	}

	if task.RecipientID != nil {
		recipient, err := p.repos.Agents.Get(ctx, *task.RecipientID)
		if errors.Is(err, store.ErrNotFound) {
			p.failTask(ctx, task, "recipient not found", res)
			return nil
		}
		if err != nil {
			p.deferTask(ctx, task, fmt.Sprintf("load recipient: %v", err), res)
			return nil
		}
		tc.recipient = recipient
	} else if task.Kind == model.TaskKindDM {
		p.failTask(ctx, task, "dm task missing recipient", res)
		return nil
	}

	if reason := skipReason(tc); reason != "" {
		p.skipTask(ctx, task, reason, res)
		return nil
	}
	return tc
}

// skipReason re-checks the hard guardrails at drain time; bans, the reserved
// handle, and thread locks may all have changed since the task was enqueued.
func skipReason(tc *taskContext) string {
	if tc.agent.Banned {
		return "agent banned"
	}
	if tc.agent.IsReserved() {
		return "organic_interface_guardrail"
	}
	if tc.thread != nil && tc.thread.Locked && tc.task.Kind != model.TaskKindDM {
		return "thread locked"
	}
	return ""
}

// generateBatch attempts one provider call for the whole slice. It reports
// false when the response could not be carved into per-task sections, in
// which case the caller falls back to per-task generation.
func (p *Processor) generateBatch(ctx context.Context, ready []*taskContext, res *Result) bool {
	remaining, err := p.client.Remaining(ctx)
	if err != nil || remaining < len(ready) {
		return false
	}
	for _, tc := range ready {
		if err := p.loadThreadContext(ctx, tc); err != nil {
			p.logger.Warn("thread context load failed",
				"task_id", tc.task.ID, "error", err)
			return false
		}
	}
	req := provider.Request{
		Prompt:      buildBatchPrompt(ready, p.cfg.DefaultMaxTokens),
		MaxTokens:   batchTokenBudget(ready, p.cfg.DefaultMaxTokens),
		Temperature: batchTemperature(ready),
	}
	comp, err := p.client.Generate(ctx, req)
	if err != nil {
		p.logger.Warn("batch generation failed, falling back to singles",
			"tasks", len(ready), "error", err)
		return false
	}
	sections := splitBatchOutput(comp.Text, len(ready))
	if sections == nil {
		p.logger.Warn("batch response did not split cleanly, falling back to singles",
			"tasks", len(ready))
		return false
	}
	for i, tc := range ready {
		p.handleGenerated(ctx, tc, sections[i], res)
	}
	return true
}

func (p *Processor) generateSingle(ctx context.Context, tc *taskContext, res *Result) {
	remaining, err := p.client.Remaining(ctx)
	if err != nil {
		p.deferTask(ctx, tc.task, fmt.Sprintf("quota check: %v", err), res)
		return
	}
	if remaining <= 0 {
		p.handleUnavailable(ctx, tc, "provider quota exhausted", res)
		return
	}
	if err := p.loadThreadContext(ctx, tc); err != nil {
		p.deferTask(ctx, tc.task, fmt.Sprintf("load thread context: %v", err), res)
		return
	}

	comp, err := p.client.Generate(ctx, provider.Request{
		Prompt:      buildPrompt(tc, p.cfg.DefaultMaxTokens),
		MaxTokens:   resolveMaxTokens(tc.task.Payload, p.cfg.DefaultMaxTokens),
		Temperature: resolveTemperature(tc.task.Payload),
	})
	switch {
	case errors.Is(err, provider.ErrQuotaExhausted):
		p.handleUnavailable(ctx, tc, "provider quota exhausted", res)
	case err != nil && provider.IsTransient(err):
		p.deferTask(ctx, tc.task, err.Error(), res)
	case err != nil:
		p.failTask(ctx, tc.task, err.Error(), res)
	default:
		p.handleGenerated(ctx, tc, comp.Text, res)
	}
}

// loadThreadContext fetches the quoted thread slice once per task.
func (p *Processor) loadThreadContext(ctx context.Context, tc *taskContext) error {
	if tc.thread == nil || tc.threadCtx != nil {
		return nil
	}
	var excludeID int64
	if n, ok := tc.task.Payload.Int64("exclude_post_id"); ok {
		excludeID = n
	}
	threadCtx, err := p.repos.Posts.ThreadContext(ctx, tc.thread.ID,
		contextRecentPosts, contextHighlightPosts, excludeID)
	if err != nil {
		return err
	}
	tc.threadCtx = threadCtx
	return nil
}

// handleGenerated sanitizes, dedupes, and persists a provider response.
func (p *Processor) handleGenerated(ctx context.Context, tc *taskContext, raw string, res *Result) {
	content := p.sanitizer.Sanitize(ctx, tc.agent.Handle, raw)
	if content == "" {
		p.handleEmpty(ctx, tc, res)
		return
	}

	if tc.thread != nil {
		recent, err := p.repos.Posts.ListByThread(ctx, tc.thread.ID, false, recentPostWindow)
		if err != nil {
			p.deferTask(ctx, tc.task, fmt.Sprintf("load recent posts: %v", err), res)
			return
		}
		if reason := duplicateReason(content, recent); reason != "" {
			p.rescheduleStricter(ctx, tc, reason, res)
			return
		}
	}

	if err := p.persist(ctx, tc, content); err != nil {
		p.deferTask(ctx, tc.task, fmt.Sprintf("persist: %v", err), res)
		return
	}
	p.completeTask(ctx, tc.task, content, res)
}

// handleUnavailable keeps the forum readable while the provider cannot
// serve: an existing reply placeholder is refreshed with deterministic
// filler and the task goes back to pending for a later attempt.
func (p *Processor) handleUnavailable(ctx context.Context, tc *taskContext, reason string, res *Result) {
	if tc.thread != nil && tc.task.Kind != model.TaskKindDM {
		if err := p.refreshPlaceholder(ctx, tc, fallbackText(tc)); err != nil {
			p.logger.Warn("placeholder refresh failed", "task_id", tc.task.ID, "error", err)
		}
	}
	p.deferTask(ctx, tc.task, reason, res)
}

// handleEmpty covers responses that sanitize down to nothing. The placeholder
// gets fallback filler so the thread never shows a blank, the task retries
// later, and a thread accumulating empty rounds gets a moderation ticket.
func (p *Processor) handleEmpty(ctx context.Context, tc *taskContext, res *Result) {
	if tc.thread != nil && tc.task.Kind != model.TaskKindDM {
		if err := p.refreshPlaceholder(ctx, tc, fallbackText(tc)); err != nil {
			p.logger.Warn("placeholder refresh failed", "task_id", tc.task.ID, "error", err)
		}
		if p.bumpEmptyRounds(tc.thread.ID) {
			p.escalateEmptyThread(ctx, tc)
		}
	}
	p.deferTask(ctx, tc.task, "empty response", res)
}

// bumpEmptyRounds counts empty generations per thread and reports whether
// the escalation threshold was just reached. The counter resets after each
// escalation so a persistent problem files tickets at a bounded rate.
func (p *Processor) bumpEmptyRounds(threadID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.emptyRounds[threadID]++
	if p.emptyRounds[threadID] >= emptyEscalateThreshold {
		p.emptyRounds[threadID] = 0
		return true
	}
	return false
}

func (p *Processor) escalateEmptyThread(ctx context.Context, tc *taskContext) {
	ticket := &model.ModerationTicket{
		Title: "Thread needs body: " + tc.thread.Title,
		Description: fmt.Sprintf(
			"Generation returned empty text %d times for thread %d; its placeholder still shows fallback filler.",
			emptyEscalateThreshold, tc.thread.ID),
		ReporterName: "system",
		ThreadID:     &tc.thread.ID,
		Source:       model.TicketSourceSystem,
		Status:       model.TicketStatusOpen,
		Priority:     "normal",
		Tags:         []string{"needs-body"},
	}
	id, err := p.repos.Tickets.Create(ctx, ticket)
	if err != nil {
		p.logger.Error("needs-body escalation failed", "thread_id", tc.thread.ID, "error", err)
		return
	}
	p.logger.Warn("escalated empty-generation thread",
		"thread_id", tc.thread.ID, "ticket_id", id)
	if p.alerter != nil {
		if err := p.alerter.Send(ctx, alert.Alert{
			Type:      alert.AlertTypeNeedsBody,
			Component: "generation",
			Title:     "Thread needs a body",
			Message:   ticket.Description,
			Fields: map[string]string{
				"thread_id": strconv.FormatInt(tc.thread.ID, 10),
				"ticket_id": strconv.FormatInt(id, 10),
			},
		}); err != nil {
			p.logger.Warn("needs-body alert not delivered", "thread_id", tc.thread.ID, "error", err)
		}
	}
}

// rescheduleStricter sends an echoing task back to pending with a hardened
// instruction. The prefix is applied once; repeat offenders keep it.
func (p *Processor) rescheduleStricter(ctx context.Context, tc *taskContext, reason string, res *Result) {
	instruction := strings.TrimSpace(tc.task.Payload.String("instruction"))
	if instruction == "" {
		instruction = defaultInstruction(tc.task.Kind)
	}
	if !strings.HasPrefix(instruction, "(RETRY") {
		payload := make(model.TaskPayload, len(tc.task.Payload)+1)
		for k, v := range tc.task.Payload {
			payload[k] = v
		}
		payload["instruction"] = retryInstructionPrefix + instruction
		if err := p.repos.Tasks.UpdatePayload(ctx, tc.task.ID, payload); err != nil {
			p.logger.Warn("payload update failed", "task_id", tc.task.ID, "error", err)
		} else {
			tc.task.Payload = payload
		}
	}
	p.deferTask(ctx, tc.task, "Rescheduled: "+reason, res)
}

// persist writes the finished content inside one transaction: replies and
// thread starts promote or insert the post and bump the thread's activity,
// DMs insert the private message.
func (p *Processor) persist(ctx context.Context, tc *taskContext, content string) error {
	task := tc.task
	switch task.Kind {
	case model.TaskKindReply, model.TaskKindThreadStart:
		if tc.thread == nil {
			return nil
		}
		tx, err := p.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback()
		postID, err := p.repos.Posts.UpsertGeneratedTx(ctx, tx, tc.thread.ID, tc.agent.ID, content, task.TickNumber())
		if err != nil {
			return err
		}
		heatDelta, heatFloor, hotDelta := 1.0, 0.0, 0.6
		if task.Kind == model.TaskKindThreadStart {
			heatDelta, heatFloor, hotDelta = 0, 1.0, 1.2
		}
		if err := p.repos.Threads.TouchTx(ctx, tx, tc.thread.ID, heatDelta, heatFloor, hotDelta, p.nowFunc()); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		p.logger.Info("persisted generated post",
			"task_id", task.ID, "post_id", postID, "thread_id", tc.thread.ID, "kind", task.Kind)
	case model.TaskKindDM:
		tx, err := p.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback()
		msgID, err := p.repos.Messages.CreateTx(ctx, tx, &model.PrivateMessage{
			SenderID:    tc.agent.ID,
			RecipientID: tc.recipient.ID,
			Content:     content,
			TickNumber:  task.TickNumber(),
		})
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		p.logger.Info("persisted private message", "task_id", task.ID, "message_id", msgID)
	}
	return nil
}

// refreshPlaceholder rewrites the pair's pending placeholder without
// promoting it. Missing placeholders stay missing.
func (p *Processor) refreshPlaceholder(ctx context.Context, tc *taskContext, content string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	refreshed, err := p.repos.Posts.RefreshPlaceholderTx(ctx, tx, tc.thread.ID, tc.agent.ID, content, tc.task.TickNumber())
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	if refreshed {
		p.logger.Debug("refreshed placeholder with fallback",
			"task_id", tc.task.ID, "thread_id", tc.thread.ID)
	}
	return nil
}

// detached returns a context that survives cancellation. Status writes for
// already-claimed tasks must land even when the pass is shutting down.
func detached(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

func (p *Processor) skipTask(ctx context.Context, task *model.GenerationTask, reason string, res *Result) {
	ctx = detached(ctx)
	if err := p.repos.Tasks.Complete(ctx, task.ID, fmt.Sprintf("(skipped: %s)", reason), p.nowFunc()); err != nil {
		p.logger.Error("skip completion failed", "task_id", task.ID, "error", err)
	}
	p.logger.Info("skipped generation task",
		"task_id", task.ID, "kind", task.Kind, "reason", reason)
	metrics.QueueTasksProcessed.WithLabelValues(task.Kind.String(), "skipped").Inc()
	res.Processed++
}

func (p *Processor) failTask(ctx context.Context, task *model.GenerationTask, reason string, res *Result) {
	ctx = detached(ctx)
	if err := p.repos.Tasks.Fail(ctx, task.ID, reason, p.nowFunc()); err != nil {
		p.logger.Error("task fail update failed", "task_id", task.ID, "error", err)
	}
	p.logger.Warn("generation task failed",
		"task_id", task.ID, "kind", task.Kind, "reason", reason)
	metrics.QueueTasksProcessed.WithLabelValues(task.Kind.String(), "failed").Inc()
	res.Processed++
}

func (p *Processor) deferTask(ctx context.Context, task *model.GenerationTask, reason string, res *Result) {
	ctx = detached(ctx)
	retryAt := p.nowFunc().Add(p.cfg.RetryDelay)
	if err := p.repos.Tasks.Defer(ctx, task.ID, reason, retryAt); err != nil {
		p.logger.Error("task defer update failed", "task_id", task.ID, "error", err)
	}
	p.logger.Info("deferred generation task",
		"task_id", task.ID, "kind", task.Kind, "reason", reason, "retry_at", retryAt)
	metrics.QueueTasksProcessed.WithLabelValues(task.Kind.String(), "deferred").Inc()
	res.Deferred++
}

func (p *Processor) completeTask(ctx context.Context, task *model.GenerationTask, content string, res *Result) {
	ctx = detached(ctx)
	if err := p.repos.Tasks.Complete(ctx, task.ID, content, p.nowFunc()); err != nil {
		p.logger.Error("task completion update failed", "task_id", task.ID, "error", err)
	}
	metrics.QueueTasksProcessed.WithLabelValues(task.Kind.String(), "done").Inc()
	res.Processed++
}
