package generation

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/trexxak/ghostship-master-sub001/internal/alert"
	"github.com/trexxak/ghostship-master-sub001/internal/circuitbreaker"
	"github.com/trexxak/ghostship-master-sub001/internal/domain/model"
	"github.com/trexxak/ghostship-master-sub001/internal/provider"
	"github.com/trexxak/ghostship-master-sub001/internal/store"
	storemocks "github.com/trexxak/ghostship-master-sub001/internal/store/mocks"
)

// stubDriver hands out no-op connections so tests can mint real *sql.Tx
// values for the repository mocks without a database.
type stubDriver struct{}

func (stubDriver) Open(string) (driver.Conn, error) { return stubConn{}, nil }

type stubConn struct{}

func (stubConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("not implemented") }
func (stubConn) Close() error                        { return nil }
func (stubConn) Begin() (driver.Tx, error)           { return stubTx{}, nil }

type stubTx struct{}

func (stubTx) Commit() error   { return nil }
func (stubTx) Rollback() error { return nil }

var registerStubDriver sync.Once

func newStubDB(t *testing.T) *sql.DB {
	t.Helper()
	registerStubDriver.Do(func() { sql.Register("generation_stub", stubDriver{}) })
	db, err := sql.Open("generation_stub", "")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

type stubResponse struct {
	text string
	err  error
}

// stubGenerator plays back scripted completions and records every request.
type stubGenerator struct {
	mu        sync.Mutex
	remaining int
	remainErr error
	responses []stubResponse
	requests  []provider.Request
	breaker   *circuitbreaker.Breaker
}

func (g *stubGenerator) Generate(_ context.Context, req provider.Request) (*provider.Completion, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if len(g.responses) == 0 {
		return &provider.Completion{Text: "scripted fallthrough"}, nil
	}
	next := g.responses[0]
	g.responses = g.responses[1:]
	if next.err != nil {
		return nil, next.err
	}
	return &provider.Completion{Text: next.text}, nil
}

func (g *stubGenerator) Remaining(context.Context) (int, error) {
	return g.remaining, g.remainErr
}

func (g *stubGenerator) Breaker() *circuitbreaker.Breaker { return g.breaker }

func (g *stubGenerator) calls() []provider.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]provider.Request(nil), g.requests...)
}

// captureAlerter records alerts for assertions.
type captureAlerter struct {
	sent []alert.Alert
}

func (c *captureAlerter) Send(_ context.Context, a alert.Alert) error {
	c.sent = append(c.sent, a)
	return nil
}

type procHarness struct {
	agents   *storemocks.MockAgentRepository
	threads  *storemocks.MockThreadRepository
	posts    *storemocks.MockPostRepository
	messages *storemocks.MockMessageRepository
	tasks    *storemocks.MockTaskRepository
	tickets  *storemocks.MockTicketRepository
	gen      *stubGenerator
	proc     *Processor
	now      time.Time
}

func newProcHarness(t *testing.T) *procHarness {
	t.Helper()
	ctrl := gomock.NewController(t)
	h := &procHarness{
		agents:   storemocks.NewMockAgentRepository(ctrl),
		threads:  storemocks.NewMockThreadRepository(ctrl),
		posts:    storemocks.NewMockPostRepository(ctrl),
		messages: storemocks.NewMockMessageRepository(ctrl),
		tasks:    storemocks.NewMockTaskRepository(ctrl),
		tickets:  storemocks.NewMockTicketRepository(ctrl),
		gen: &stubGenerator{
			remaining: 50,
			breaker:   circuitbreaker.New(circuitbreaker.Config{}),
		},
		now: time.Date(2025, 7, 4, 12, 0, 0, 0, time.UTC),
	}
	repos := &store.Repos{
		Agents:   h.agents,
		Threads:  h.threads,
		Posts:    h.posts,
		Messages: h.messages,
		Tasks:    h.tasks,
		Tickets:  h.tickets,
	}
	h.proc = NewProcessor(newStubDB(t), repos, h.gen, Config{}, slog.Default())
	h.proc.nowFunc = func() time.Time { return h.now }
	return h
}

func (h *procHarness) retryAt() time.Time {
	return h.now.Add(DefaultRetryDelay)
}

func replyTask(id, agentID, threadID int64) model.GenerationTask {
	tid := threadID
	return model.GenerationTask{
		ID:       id,
		Kind:     model.TaskKindReply,
		AgentID:  agentID,
		ThreadID: &tid,
		Payload:  model.TaskPayload{"tick_number": int64(5)},
		Status:   model.TaskStatusInProgress,
		Attempts: 1,
	}
}

func dmTask(id, agentID, recipientID int64) model.GenerationTask {
	rid := recipientID
	return model.GenerationTask{
		ID:          id,
		Kind:        model.TaskKindDM,
		AgentID:     agentID,
		RecipientID: &rid,
		Payload:     model.TaskPayload{"tick_number": int64(5)},
		Status:      model.TaskStatusInProgress,
		Attempts:    1,
	}
}

func (h *procHarness) expectClaim(tasks ...model.GenerationTask) {
	h.tasks.EXPECT().
		ClaimPending(gomock.Any(), gomock.Any(), h.now).
		Return(tasks, nil)
}

func (h *procHarness) stubAgent(id int64, handle string) {
	h.agents.EXPECT().Get(gomock.Any(), id).
		Return(&model.Agent{ID: id, Handle: handle, Archetype: "Archivist", Mood: "wry"}, nil).
		AnyTimes()
}

func (h *procHarness) stubThread(id int64, title string) {
	h.threads.EXPECT().Get(gomock.Any(), id).
		Return(&model.Thread{ID: id, Title: title}, nil).
		AnyTimes()
}

func (h *procHarness) stubThreadContext(threadID int64) {
	h.posts.EXPECT().
		ThreadContext(gomock.Any(), threadID, contextRecentPosts, contextHighlightPosts, int64(0)).
		Return(&model.ThreadContext{
			Opener: &model.ContextPost{ID: 1, AuthorHandle: "NullOwl", Content: "Badge reader shows a third visitor."},
		}, nil).
		AnyTimes()
}

func TestProcessRejectsNonPositiveLimit(t *testing.T) {
	h := newProcHarness(t)
	_, err := h.proc.Process(context.Background(), 0)
	assert.ErrorContains(t, err, "must be positive")
}

func TestProcessEmptyQueue(t *testing.T) {
	h := newProcHarness(t)
	h.expectClaim()
	res, err := h.proc.Process(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
}

func TestProcessReplyHappyPath(t *testing.T) {
	h := newProcHarness(t)
	h.expectClaim(replyTask(1, 3, 7))
	h.stubAgent(3, "EchoDrift")
	h.stubThread(7, "organic sighting: badge reader logs")
	h.stubThreadContext(7)

	h.gen.responses = []stubResponse{{text: "Fresh take: the badge log lists a third visitor at 02:14."}}
	h.posts.EXPECT().ListByThread(gomock.Any(), int64(7), false, recentPostWindow).
		Return([]model.Post{{Content: "unrelated earlier post"}}, nil)
	h.posts.EXPECT().
		UpsertGeneratedTx(gomock.Any(), gomock.Any(), int64(7), int64(3), "Fresh take: the badge log lists a third visitor at 02:14.", gomock.Any()).
		Return(int64(55), nil)
	h.threads.EXPECT().
		TouchTx(gomock.Any(), gomock.Any(), int64(7), 1.0, 0.0, 0.6, h.now).
		Return(nil)
	h.tasks.EXPECT().
		Complete(gomock.Any(), int64(1), "Fresh take: the badge log lists a third visitor at 02:14.", h.now).
		Return(nil)

	res, err := h.proc.Process(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 1}, res)

	calls := h.gen.calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Prompt, "Thread title: organic sighting: badge reader logs")
	assert.Contains(t, calls[0].Prompt, "name=EchoDrift")
	assert.Equal(t, 220, calls[0].MaxTokens)
}

func TestProcessDMHappyPath(t *testing.T) {
	h := newProcHarness(t)
	h.expectClaim(dmTask(2, 3, 8))
	h.stubAgent(3, "EchoDrift")
	h.stubAgent(8, "NullOwl")

	h.gen.responses = []stubResponse{{text: "Meet me in the badge thread, bring the logs."}}
	h.messages.EXPECT().
		CreateTx(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ *sql.Tx, msg *model.PrivateMessage) (int64, error) {
			assert.Equal(t, int64(3), msg.SenderID)
			assert.Equal(t, int64(8), msg.RecipientID)
			assert.Equal(t, "Meet me in the badge thread, bring the logs.", msg.Content)
			require.NotNil(t, msg.TickNumber)
			assert.Equal(t, int64(5), *msg.TickNumber)
			return int64(21), nil
		})
	h.tasks.EXPECT().
		Complete(gomock.Any(), int64(2), "Meet me in the badge thread, bring the logs.", h.now).
		Return(nil)

	res, err := h.proc.Process(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 1}, res)
}

func TestProcessSkipsBannedAgent(t *testing.T) {
	h := newProcHarness(t)
	h.expectClaim(replyTask(1, 3, 7))
	h.agents.EXPECT().Get(gomock.Any(), int64(3)).
		Return(&model.Agent{ID: 3, Handle: "EchoDrift", Banned: true}, nil)
	h.stubThread(7, "watch thread")
	h.tasks.EXPECT().
		Complete(gomock.Any(), int64(1), "(skipped: agent banned)", h.now).
		Return(nil)

	res, err := h.proc.Process(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 1}, res)
	assert.Empty(t, h.gen.calls(), "skipped tasks never reach the provider")
}

func TestProcessSkipsReservedHandle(t *testing.T) {
	h := newProcHarness(t)
	h.expectClaim(replyTask(1, 3, 7))
	h.agents.EXPECT().Get(gomock.Any(), int64(3)).
		Return(&model.Agent{ID: 3, Handle: model.OrganicHandle}, nil)
	h.stubThread(7, "watch thread")
	h.tasks.EXPECT().
		Complete(gomock.Any(), int64(1), "(skipped: organic_interface_guardrail)", h.now).
		Return(nil)

	res, err := h.proc.Process(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 1}, res)
}

func TestProcessSkipsLockedThread(t *testing.T) {
	h := newProcHarness(t)
	h.expectClaim(replyTask(1, 3, 7))
	h.stubAgent(3, "EchoDrift")
	h.threads.EXPECT().Get(gomock.Any(), int64(7)).
		Return(&model.Thread{ID: 7, Title: "sealed", Locked: true}, nil)
	h.tasks.EXPECT().
		Complete(gomock.Any(), int64(1), "(skipped: thread locked)", h.now).
		Return(nil)

	res, err := h.proc.Process(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 1}, res)
}

func TestProcessLockedThreadStillAllowsDM(t *testing.T) {
	h := newProcHarness(t)
	task := dmTask(2, 3, 8)
	threadID := int64(7)
	task.ThreadID = &threadID
	h.expectClaim(task)
	h.stubAgent(3, "EchoDrift")
	h.stubAgent(8, "NullOwl")
	h.threads.EXPECT().Get(gomock.Any(), threadID).
		Return(&model.Thread{ID: threadID, Title: "sealed", Locked: true}, nil)
	h.stubThreadContext(threadID)

	h.gen.responses = []stubResponse{{text: "Thread got locked, talk here instead."}}
	h.posts.EXPECT().ListByThread(gomock.Any(), threadID, false, recentPostWindow).Return(nil, nil)
	h.messages.EXPECT().CreateTx(gomock.Any(), gomock.Any(), gomock.Any()).Return(int64(22), nil)
	h.tasks.EXPECT().Complete(gomock.Any(), int64(2), gomock.Any(), h.now).Return(nil)

	res, err := h.proc.Process(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 1}, res)
}

func TestProcessTransientErrorDefers(t *testing.T) {
	h := newProcHarness(t)
	h.expectClaim(replyTask(1, 3, 7))
	h.stubAgent(3, "EchoDrift")
	h.stubThread(7, "watch thread")
	h.stubThreadContext(7)

	h.gen.responses = []stubResponse{{err: &provider.Error{Status: 503, Reason: "status_503", Transient: true}}}
	h.tasks.EXPECT().
		Defer(gomock.Any(), int64(1), "provider status_503 (status 503)", h.retryAt()).
		Return(nil)

	res, err := h.proc.Process(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, Result{Deferred: 1}, res)
}

func TestProcessOfflineBreakerDefers(t *testing.T) {
	h := newProcHarness(t)
	h.expectClaim(replyTask(1, 3, 7))
	h.stubAgent(3, "EchoDrift")
	h.stubThread(7, "watch thread")
	h.stubThreadContext(7)

	h.gen.responses = []stubResponse{{err: provider.ErrOffline}}
	h.tasks.EXPECT().
		Defer(gomock.Any(), int64(1), provider.ErrOffline.Error(), h.retryAt()).
		Return(nil)

	res, err := h.proc.Process(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, Result{Deferred: 1}, res)
}

func TestProcessPermanentErrorFails(t *testing.T) {
	h := newProcHarness(t)
	h.expectClaim(replyTask(1, 3, 7))
	h.stubAgent(3, "EchoDrift")
	h.stubThread(7, "watch thread")
	h.stubThreadContext(7)

	h.gen.responses = []stubResponse{{err: &provider.Error{Status: 401, Reason: "auth_401"}}}
	h.tasks.EXPECT().
		Fail(gomock.Any(), int64(1), "provider auth_401 (status 401)", h.now).
		Return(nil)

	res, err := h.proc.Process(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 1}, res)
}

func TestProcessQuotaExhaustedRefreshesPlaceholder(t *testing.T) {
	h := newProcHarness(t)
	h.gen.remaining = 0
	h.expectClaim(replyTask(1, 3, 7))
	h.stubAgent(3, "EchoDrift")
	h.stubThread(7, "organic sighting: badge reader logs")

	h.posts.EXPECT().
		RefreshPlaceholderTx(gomock.Any(), gomock.Any(), int64(7), int64(3), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ *sql.Tx, _, _ int64, content string, _ *int64) (bool, error) {
			assert.Contains(t, content, "Reply in 'organic sighting: badge reader logs'")
			assert.Contains(t, content, "archivist ghost")
			return true, nil
		})
	h.tasks.EXPECT().
		Defer(gomock.Any(), int64(1), "provider quota exhausted", h.retryAt()).
		Return(nil)

	res, err := h.proc.Process(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, Result{Deferred: 1}, res)
	assert.Empty(t, h.gen.calls(), "quota exhaustion must not reach the provider")
}

func TestProcessAgentVanishedFails(t *testing.T) {
	h := newProcHarness(t)
	h.expectClaim(replyTask(1, 3, 7))
	h.agents.EXPECT().Get(gomock.Any(), int64(3)).Return(nil, store.ErrNotFound)
	h.tasks.EXPECT().
		Fail(gomock.Any(), int64(1), "agent not found", h.now).
		Return(nil)

	res, err := h.proc.Process(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 1}, res)
}

func TestProcessEmptyResponseEscalatesAfterTwoRounds(t *testing.T) {
	h := newProcHarness(t)
	al := &captureAlerter{}
	h.proc.WithAlerter(al)
	h.stubAgent(3, "EchoDrift")
	h.stubThread(7, "organic sighting: badge reader logs")
	h.stubThreadContext(7)

	// A response that sanitizes down to nothing: a bare self-mention.
	h.gen.responses = []stubResponse{{text: "@EchoDrift"}, {text: "@EchoDrift"}}
	h.posts.EXPECT().
		RefreshPlaceholderTx(gomock.Any(), gomock.Any(), int64(7), int64(3), gomock.Any(), gomock.Any()).
		Return(true, nil).
		Times(2)
	h.tasks.EXPECT().
		Defer(gomock.Any(), int64(1), "empty response", h.retryAt()).
		Return(nil).
		Times(2)
	h.tickets.EXPECT().
		Create(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, ticket *model.ModerationTicket) (int64, error) {
			assert.Equal(t, "Thread needs body: organic sighting: badge reader logs", ticket.Title)
			assert.Equal(t, "system", ticket.ReporterName)
			assert.Equal(t, model.TicketSourceSystem, ticket.Source)
			assert.Equal(t, model.TicketStatusOpen, ticket.Status)
			assert.Equal(t, []string{"needs-body"}, ticket.Tags)
			require.NotNil(t, ticket.ThreadID)
			assert.Equal(t, int64(7), *ticket.ThreadID)
			return int64(5), nil
		})

	for range 2 {
		h.expectClaim(replyTask(1, 3, 7))
		res, err := h.proc.Process(context.Background(), 5)
		require.NoError(t, err)
		assert.Equal(t, Result{Deferred: 1}, res)
	}

	require.Len(t, al.sent, 1, "one alert per escalation, not per empty round")
	assert.Equal(t, alert.AlertTypeNeedsBody, al.sent[0].Type)
	assert.Equal(t, "generation", al.sent[0].Component)
	assert.Equal(t, "7", al.sent[0].Fields["thread_id"])
	assert.Equal(t, "5", al.sent[0].Fields["ticket_id"])
}

func TestProcessDuplicateContentReschedules(t *testing.T) {
	h := newProcHarness(t)
	h.expectClaim(replyTask(1, 3, 7))
	h.stubAgent(3, "EchoDrift")
	h.stubThread(7, "watch thread")
	h.stubThreadContext(7)

	h.gen.responses = []stubResponse{{text: "The organic logged in twice today."}}
	h.posts.EXPECT().ListByThread(gomock.Any(), int64(7), false, recentPostWindow).
		Return([]model.Post{{Content: "The organic logged in twice today."}}, nil)
	h.tasks.EXPECT().
		UpdatePayload(gomock.Any(), int64(1), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ int64, payload model.TaskPayload) error {
			instruction := payload.String("instruction")
			assert.True(t, strings.HasPrefix(instruction, "(RETRY - avoid repeating existing content)"))
			assert.Contains(t, instruction, "Write a reply that riffs on the organic")
			return nil
		})
	h.tasks.EXPECT().
		Defer(gomock.Any(), int64(1), "Rescheduled: verbatim duplicate", h.retryAt()).
		Return(nil)

	res, err := h.proc.Process(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, Result{Deferred: 1}, res)
}

func TestProcessBatchSharesOneProviderCall(t *testing.T) {
	h := newProcHarness(t)
	h.expectClaim(replyTask(1, 3, 7), replyTask(2, 4, 7))
	h.stubAgent(3, "EchoDrift")
	h.stubAgent(4, "StaticMoth")
	h.stubThread(7, "watch thread")
	h.stubThreadContext(7)

	h.gen.responses = []stubResponse{{text: "TASK 1:\nFirst unique reply body.\n\nTASK 2:\nSecond distinct reply body."}}
	h.posts.EXPECT().ListByThread(gomock.Any(), int64(7), false, recentPostWindow).
		Return(nil, nil).
		Times(2)
	h.posts.EXPECT().
		UpsertGeneratedTx(gomock.Any(), gomock.Any(), int64(7), int64(3), "First unique reply body.", gomock.Any()).
		Return(int64(55), nil)
	h.posts.EXPECT().
		UpsertGeneratedTx(gomock.Any(), gomock.Any(), int64(7), int64(4), "Second distinct reply body.", gomock.Any()).
		Return(int64(56), nil)
	h.threads.EXPECT().
		TouchTx(gomock.Any(), gomock.Any(), int64(7), 1.0, 0.0, 0.6, h.now).
		Return(nil).
		Times(2)
	h.tasks.EXPECT().Complete(gomock.Any(), int64(1), "First unique reply body.", h.now).Return(nil)
	h.tasks.EXPECT().Complete(gomock.Any(), int64(2), "Second distinct reply body.", h.now).Return(nil)

	res, err := h.proc.Process(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 2}, res)

	calls := h.gen.calls()
	require.Len(t, calls, 1, "both replies share one provider call")
	assert.Contains(t, calls[0].Prompt, "---- TASK 1 ----")
	assert.Contains(t, calls[0].Prompt, "---- TASK 2 ----")
}

func TestProcessBatchMangledOutputFallsBackToSingles(t *testing.T) {
	h := newProcHarness(t)
	h.expectClaim(replyTask(1, 3, 7), replyTask(2, 4, 7))
	h.stubAgent(3, "EchoDrift")
	h.stubAgent(4, "StaticMoth")
	h.stubThread(7, "watch thread")
	h.stubThreadContext(7)

	h.gen.responses = []stubResponse{
		{text: "no task markers anywhere"},
		{text: "Solo reply from the first ghost."},
		{text: "Different note from the second ghost."},
	}
	h.posts.EXPECT().ListByThread(gomock.Any(), int64(7), false, recentPostWindow).
		Return(nil, nil).
		Times(2)
	h.posts.EXPECT().
		UpsertGeneratedTx(gomock.Any(), gomock.Any(), int64(7), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(int64(60), nil).
		Times(2)
	h.threads.EXPECT().
		TouchTx(gomock.Any(), gomock.Any(), int64(7), 1.0, 0.0, 0.6, h.now).
		Return(nil).
		Times(2)
	h.tasks.EXPECT().Complete(gomock.Any(), int64(1), "Solo reply from the first ghost.", h.now).Return(nil)
	h.tasks.EXPECT().Complete(gomock.Any(), int64(2), "Different note from the second ghost.", h.now).Return(nil)

	res, err := h.proc.Process(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 2}, res)
	assert.Len(t, h.gen.calls(), 3, "one failed batch call plus two singles")
}

func TestProcessBatchSkipsGuardedTasksFirst(t *testing.T) {
	h := newProcHarness(t)
	h.expectClaim(replyTask(1, 3, 7), replyTask(2, 4, 7))
	h.agents.EXPECT().Get(gomock.Any(), int64(3)).
		Return(&model.Agent{ID: 3, Handle: "EchoDrift", Banned: true}, nil)
	h.stubAgent(4, "StaticMoth")
	h.stubThread(7, "watch thread")
	h.stubThreadContext(7)

	h.gen.responses = []stubResponse{{text: "Only the second ghost speaks."}}
	h.tasks.EXPECT().Complete(gomock.Any(), int64(1), "(skipped: agent banned)", h.now).Return(nil)
	h.posts.EXPECT().ListByThread(gomock.Any(), int64(7), false, recentPostWindow).Return(nil, nil)
	h.posts.EXPECT().
		UpsertGeneratedTx(gomock.Any(), gomock.Any(), int64(7), int64(4), "Only the second ghost speaks.", gomock.Any()).
		Return(int64(61), nil)
	h.threads.EXPECT().
		TouchTx(gomock.Any(), gomock.Any(), int64(7), 1.0, 0.0, 0.6, h.now).
		Return(nil)
	h.tasks.EXPECT().Complete(gomock.Any(), int64(2), "Only the second ghost speaks.", h.now).Return(nil)

	res, err := h.proc.Process(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 2}, res)
	require.Len(t, h.gen.calls(), 1)
	assert.NotContains(t, h.gen.calls()[0].Prompt, "---- TASK", "a lone survivor goes through the single path")
}

func TestProcessShutdownDefersClaimedTasks(t *testing.T) {
	h := newProcHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	h.tasks.EXPECT().
		ClaimPending(gomock.Any(), gomock.Any(), h.now).
		Return([]model.GenerationTask{replyTask(1, 3, 7), replyTask(2, 4, 7)}, nil)
	h.tasks.EXPECT().
		Defer(gomock.Any(), int64(1), "worker shutting down", h.retryAt()).
		Return(nil)
	h.tasks.EXPECT().
		Defer(gomock.Any(), int64(2), "worker shutting down", h.retryAt()).
		Return(nil)

	res, err := h.proc.Process(ctx, 5)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Result{Deferred: 2}, res)
}

func TestProcessClaimErrorPropagates(t *testing.T) {
	h := newProcHarness(t)
	h.tasks.EXPECT().
		ClaimPending(gomock.Any(), gomock.Any(), h.now).
		Return(nil, errors.New("connection refused"))

	_, err := h.proc.Process(context.Background(), 5)
	assert.ErrorContains(t, err, "claim pending tasks")
}
