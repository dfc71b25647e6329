package generation

import (
	"context"
	"log/slog"
	"time"

	"github.com/trexxak/ghostship-master-sub001/internal/domain/model"
	"github.com/trexxak/ghostship-master-sub001/internal/metrics"
)

// Worker drains generation bursts without making the scheduler wait on
// provider latency. The request channel holds a single slot; a burst
// submitted while one is already waiting is dropped, since the waiting pass
// will pick up the same tasks anyway.
type Worker struct {
	processor *Processor
	requests  chan int
	logger    *slog.Logger
}

func NewWorker(processor *Processor, logger *slog.Logger) *Worker {
	return &Worker{
		processor: processor,
		requests:  make(chan int, 1),
		logger:    logger.With("component", "queue_worker"),
	}
}

// Submit requests a drain of up to limit tasks. Never blocks; reports false
// when the request was dropped because one is already queued.
func (w *Worker) Submit(limit int) bool {
	if limit <= 0 {
		return false
	}
	select {
	case w.requests <- limit:
		return true
	default:
		metrics.SchedulerBurstsDropped.Inc()
		w.logger.Warn("burst dropped, drain already queued", "limit", limit)
		return false
	}
}

// Run processes burst requests until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("generation worker started")
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("generation worker stopped")
			return ctx.Err()
		case limit := <-w.requests:
			start := time.Now()
			res, err := w.processor.Process(ctx, limit)
			metrics.QueuePassLatency.WithLabelValues("burst").Observe(time.Since(start).Seconds())
			if err != nil {
				w.logger.Error("queue drain failed", "limit", limit, "error", err)
			} else {
				w.logger.Info("queue drained",
					"limit", limit, "processed", res.Processed, "deferred", res.Deferred)
			}
			w.syncGauges(ctx)
		}
	}
}

// syncGauges refreshes the queue depth and breaker gauges after a pass.
func (w *Worker) syncGauges(ctx context.Context) {
	counts, err := w.processor.repos.Tasks.CountByStatus(ctx)
	if err != nil {
		w.logger.Warn("queue depth refresh failed", "error", err)
	} else {
		for _, status := range []model.TaskStatus{
			model.TaskStatusPending, model.TaskStatusInProgress,
			model.TaskStatusDone, model.TaskStatusFailed,
		} {
			metrics.QueueDepth.WithLabelValues(status.String()).Set(float64(counts[status]))
		}
	}
	open := 0.0
	if w.processor.client.Breaker().State() == "open" {
		open = 1
	}
	metrics.ProviderBreakerOpen.Set(open)
}
