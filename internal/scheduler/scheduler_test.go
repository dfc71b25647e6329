package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/trexxak/ghostship-master-sub001/internal/alert"
	"github.com/trexxak/ghostship-master-sub001/internal/domain/model"
	"github.com/trexxak/ghostship-master-sub001/internal/engine"
	"github.com/trexxak/ghostship-master-sub001/internal/simconfig"
	storemocks "github.com/trexxak/ghostship-master-sub001/internal/store/mocks"
	"github.com/trexxak/ghostship-master-sub001/internal/tickctl"
)

type stubRunner struct {
	mu      sync.Mutex
	calls   []model.TickDirective
	err     error
	started chan struct{}
}

func (r *stubRunner) RunTick(_ context.Context, d model.TickDirective) (*model.TickRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, d)
	if r.started != nil && len(r.calls) == 1 {
		close(r.started)
	}
	if r.err != nil {
		return nil, r.err
	}
	return &model.TickRun{Number: int64(len(r.calls)), Origin: d.Origin}, nil
}

func (r *stubRunner) directives() []model.TickDirective {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.TickDirective(nil), r.calls...)
}

type stubWorker struct {
	mu     sync.Mutex
	limits []int
}

func (w *stubWorker) Submit(limit int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.limits = append(w.limits, limit)
	return true
}

func (w *stubWorker) submitted() []int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]int(nil), w.limits...)
}

type stubHeartbeat struct {
	mu             sync.Mutex
	beats          []string
	fails          []string
	failTransition bool
}

func (h *stubHeartbeat) Beat(component string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.beats = append(h.beats, component)
}

func (h *stubHeartbeat) Fail(component string, _ error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fails = append(h.fails, component)
	return h.failTransition
}

type stubAlerter struct {
	mu   sync.Mutex
	sent []alert.Alert
}

func (a *stubAlerter) Send(_ context.Context, al alert.Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, al)
	return nil
}

func (a *stubAlerter) alerts() []alert.Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]alert.Alert(nil), a.sent...)
}

type schedFixture struct {
	sched   *Scheduler
	manager *tickctl.Manager
	runner  *stubRunner
	worker  *stubWorker
	kv      map[string][]byte
}

// newSchedFixture wires a scheduler over a kv-backed control repository and a
// sim config file in a temp dir. An empty cfgYAML leaves the file absent so
// the built-in defaults apply.
func newSchedFixture(t *testing.T, cfgYAML string) *schedFixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	repo := storemocks.NewMockControlRepository(ctrl)

	var mu sync.Mutex
	kv := make(map[string][]byte)
	repo.EXPECT().GetValue(gomock.Any(), gomock.Any()).AnyTimes().DoAndReturn(
		func(_ context.Context, key string) ([]byte, error) {
			mu.Lock()
			defer mu.Unlock()
			return kv[key], nil
		})
	repo.EXPECT().SetValue(gomock.Any(), gomock.Any(), gomock.Any()).AnyTimes().DoAndReturn(
		func(_ context.Context, key string, value []byte) error {
			mu.Lock()
			defer mu.Unlock()
			kv[key] = value
			return nil
		})
	repo.EXPECT().TakeValue(gomock.Any(), gomock.Any()).AnyTimes().DoAndReturn(
		func(_ context.Context, key string) ([]byte, error) {
			mu.Lock()
			defer mu.Unlock()
			raw, ok := kv[key]
			if !ok {
				return nil, nil
			}
			delete(kv, key)
			return raw, nil
		})

	path := filepath.Join(t.TempDir(), "simulation.yaml")
	if cfgYAML != "" {
		require.NoError(t, os.WriteFile(path, []byte(cfgYAML), 0o644))
	}

	f := &schedFixture{
		manager: tickctl.NewManager(repo, slog.Default()),
		runner:  &stubRunner{},
		worker:  &stubWorker{},
		kv:      kv,
	}
	f.sched = New(f.manager, simconfig.New(path), f.runner, f.worker, slog.Default())
	return f
}

func TestRunOnce_ScheduledTick(t *testing.T) {
	f := newSchedFixture(t, "")

	out := f.sched.RunOnce(context.Background())

	assert.Equal(t, StatusOK, out.Status)
	assert.Equal(t, model.OriginScheduled, out.Origin)
	assert.EqualValues(t, 1, out.TickNumber)
	assert.Empty(t, out.Reason)

	directives := f.runner.directives()
	require.Len(t, directives, 1)
	assert.Equal(t, model.TickDirective{Origin: model.OriginScheduled}, directives[0])
	assert.Equal(t, []int{10}, f.worker.submitted(), "default queue burst follows the tick")
}

func TestRunOnce_FrozenSkipsWithoutConsumingOverride(t *testing.T) {
	f := newSchedFixture(t, "")
	ctx := context.Background()
	require.NoError(t, f.manager.Freeze(ctx, "trexxak", "maintenance window"))
	_, err := f.manager.QueueManualOverride(ctx, model.ManualOverride{Note: "after thaw"})
	require.NoError(t, err)

	out := f.sched.RunOnce(ctx)

	assert.Equal(t, StatusSkipped, out.Status)
	assert.Equal(t, "FROZEN", out.Reason)
	assert.Empty(t, out.Origin)
	assert.Empty(t, f.runner.directives())
	assert.Empty(t, f.worker.submitted())

	pending, err := f.manager.PendingManualOverride(ctx)
	require.NoError(t, err)
	require.NotNil(t, pending, "skipped wake-ups must leave the override queued")
	assert.Equal(t, "after thaw", pending.Note)
}

func TestRunOnce_OverrideShapesDirective(t *testing.T) {
	f := newSchedFixture(t, "")
	ctx := context.Background()
	seed := int64(99)
	mult := 1.5
	_, err := f.manager.QueueManualOverride(ctx, model.ManualOverride{
		Seed:             &seed,
		OracleCard:       "blood-moon",
		EnergyMultiplier: &mult,
		Force:            true,
		Note:             "smoke test",
	})
	require.NoError(t, err)

	out := f.sched.RunOnce(ctx)
	assert.Equal(t, StatusOK, out.Status)
	assert.Equal(t, model.OriginManualOverride, out.Origin)

	directives := f.runner.directives()
	require.Len(t, directives, 1)
	d := directives[0]
	assert.Equal(t, model.OriginManualOverride, d.Origin)
	require.NotNil(t, d.Seed)
	assert.EqualValues(t, 99, *d.Seed)
	assert.Equal(t, "blood-moon", d.OracleCard)
	require.NotNil(t, d.EnergyMultiplier)
	assert.InDelta(t, 1.5, *d.EnergyMultiplier, 1e-9)
	assert.True(t, d.Force)
	assert.Equal(t, "smoke test", d.Note)

	// The mailbox is one-shot: the next wake-up runs plain scheduled.
	out = f.sched.RunOnce(ctx)
	assert.Equal(t, model.OriginScheduled, out.Origin)
	directives = f.runner.directives()
	require.Len(t, directives, 2)
	assert.Equal(t, model.TickDirective{Origin: model.OriginScheduled}, directives[1])
}

func TestRunOnce_OverrideBlobWithoutOriginDefaultsToManual(t *testing.T) {
	f := newSchedFixture(t, "")
	raw, err := json.Marshal(model.ManualOverride{Force: true})
	require.NoError(t, err)
	f.kv["tick_manual_override"] = raw

	out := f.sched.RunOnce(context.Background())

	assert.Equal(t, StatusOK, out.Status)
	assert.Equal(t, model.OriginManual, out.Origin)
	directives := f.runner.directives()
	require.Len(t, directives, 1)
	assert.Equal(t, model.OriginManual, directives[0].Origin)
	assert.True(t, directives[0].Force)
}

func TestRunOnce_RunnerErrorReported(t *testing.T) {
	f := newSchedFixture(t, "")
	f.runner.err = errors.New("allocation config: boom")

	out := f.sched.RunOnce(context.Background())

	assert.Equal(t, StatusError, out.Status)
	assert.Equal(t, model.OriginScheduled, out.Origin)
	assert.Equal(t, "allocation config: boom", out.Reason)
	assert.Zero(t, out.TickNumber)
	assert.Equal(t, []int{10}, f.worker.submitted(), "the drain pass still runs after a failed tick")
}

func TestRunOnce_FreezeRaceReportsSkip(t *testing.T) {
	f := newSchedFixture(t, "")
	f.runner.err = engine.ErrFrozen

	out := f.sched.RunOnce(context.Background())

	assert.Equal(t, StatusSkipped, out.Status)
	assert.Equal(t, model.OriginScheduled, out.Origin)
	assert.Equal(t, "FROZEN", out.Reason)
}

func TestRunOnce_BurstDisabled(t *testing.T) {
	f := newSchedFixture(t, "scheduler:\n  queue_burst: 0\n")

	out := f.sched.RunOnce(context.Background())

	assert.Equal(t, StatusOK, out.Status)
	assert.Empty(t, f.worker.submitted())
}

func TestNextDelay(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	noJitter := simconfig.SchedulerSettings{IntervalSeconds: 60}
	assert.Equal(t, 60*time.Second, nextDelay(noJitter, 0, rng))
	assert.Equal(t, 45*time.Second, nextDelay(noJitter, 15*time.Second, rng))
	assert.Equal(t, minCycleDelay, nextDelay(noJitter, 59*time.Second, rng), "slow ticks keep a floor between cycles")
	assert.Equal(t, minInterval, nextDelay(simconfig.SchedulerSettings{IntervalSeconds: 1}, 0, rng), "interval floor applies")

	jittered := simconfig.SchedulerSettings{IntervalSeconds: 60, JitterSeconds: 12}
	for i := 0; i < 500; i++ {
		d := nextDelay(jittered, 0, rng)
		assert.GreaterOrEqual(t, d, 48*time.Second)
		assert.LessOrEqual(t, d, 72*time.Second)
	}
}

func TestFrozenWait(t *testing.T) {
	assert.Equal(t, maxFrozenWait, frozenWait(simconfig.SchedulerSettings{IntervalSeconds: 60}))
	assert.Equal(t, 20*time.Second, frozenWait(simconfig.SchedulerSettings{IntervalSeconds: 20}))
	assert.Equal(t, minInterval, frozenWait(simconfig.SchedulerSettings{IntervalSeconds: 0}))
}

func TestRun_CancelStopsLoop(t *testing.T) {
	f := newSchedFixture(t, "scheduler:\n  startup_delay_seconds: 0\n")
	f.runner.started = make(chan struct{})
	hb := &stubHeartbeat{}
	f.sched.WithHeartbeat(hb)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.sched.Run(ctx) }()

	select {
	case <-f.runner.started:
	case <-time.After(5 * time.Second):
		t.Fatal("first tick never fired")
	}
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}

	require.Len(t, f.runner.directives(), 1, "defaults leave no room for a second tick before cancel")
	assert.Equal(t, []string{"scheduler"}, hb.beats)
	assert.Empty(t, hb.fails)
}

func TestRun_ReportsTickFailureToHeartbeat(t *testing.T) {
	f := newSchedFixture(t, "scheduler:\n  startup_delay_seconds: 0\n")
	f.runner.started = make(chan struct{})
	f.runner.err = errors.New("store unavailable")
	hb := &stubHeartbeat{failTransition: true}
	al := &stubAlerter{}
	f.sched.WithHeartbeat(hb).WithAlerter(al)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.sched.Run(ctx) }()

	select {
	case <-f.runner.started:
	case <-time.After(5 * time.Second):
		t.Fatal("first tick never fired")
	}
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}

	assert.Equal(t, []string{"scheduler"}, hb.fails)
	assert.Empty(t, hb.beats)

	sent := al.alerts()
	require.Len(t, sent, 2, "tick failure alert plus unhealthy transition alert")
	assert.Equal(t, alert.AlertTypeTickFailed, sent[0].Type)
	assert.Equal(t, "scheduler", sent[0].Component)
	assert.Equal(t, "store unavailable", sent[0].Message)
	assert.Equal(t, model.OriginScheduled, sent[0].Fields["origin"])
	assert.Equal(t, alert.AlertTypeUnhealthy, sent[1].Type)
}
