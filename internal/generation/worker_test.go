package generation

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/trexxak/ghostship-master-sub001/internal/domain/model"
)

func TestWorkerSubmitNeverBlocks(t *testing.T) {
	h := newProcHarness(t)
	w := NewWorker(h.proc, slog.Default())

	assert.False(t, w.Submit(0), "non-positive limits are rejected")
	assert.True(t, w.Submit(5))
	assert.False(t, w.Submit(5), "second burst is dropped while one is queued")
}

func TestWorkerRunDrainsBurst(t *testing.T) {
	h := newProcHarness(t)
	claimed := make(chan struct{})
	h.tasks.EXPECT().
		ClaimPending(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, int, time.Time) ([]model.GenerationTask, error) {
			close(claimed)
			return nil, nil
		})
	h.tasks.EXPECT().
		CountByStatus(gomock.Any()).
		Return(map[model.TaskStatus]int{model.TaskStatusPending: 0}, nil)

	w := NewWorker(h.proc, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.True(t, w.Submit(5))
	select {
	case <-claimed:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never drained the burst")
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("worker never stopped")
	}
}

func TestWorkerSubmitAfterDrainSucceeds(t *testing.T) {
	h := newProcHarness(t)
	claims := make(chan struct{}, 2)
	h.tasks.EXPECT().
		ClaimPending(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, int, time.Time) ([]model.GenerationTask, error) {
			claims <- struct{}{}
			return nil, nil
		}).
		Times(2)
	h.tasks.EXPECT().
		CountByStatus(gomock.Any()).
		Return(map[model.TaskStatus]int{}, nil).
		Times(2)

	w := NewWorker(h.proc, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	waitClaim := func() {
		select {
		case <-claims:
		case <-time.After(2 * time.Second):
			t.Fatal("burst was never drained")
		}
	}

	require.True(t, w.Submit(3))
	waitClaim()
	require.Eventually(t, func() bool { return w.Submit(3) }, 2*time.Second, 10*time.Millisecond,
		"slot frees up once the first burst drains")
	waitClaim()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("worker never stopped")
	}
}
