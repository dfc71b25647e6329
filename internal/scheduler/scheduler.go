// Package scheduler drives the simulation heartbeat. Each wake-up honors the
// freeze switch, consumes at most one queued manual override, hands the
// resolved directive to the tick engine, and asks the queue worker for a
// drain pass. Wake-up spacing is re-read from simulation config every cycle
// and jittered so parallel deployments do not tick in phase.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/trexxak/ghostship-master-sub001/internal/alert"
	"github.com/trexxak/ghostship-master-sub001/internal/domain/model"
	"github.com/trexxak/ghostship-master-sub001/internal/engine"
	"github.com/trexxak/ghostship-master-sub001/internal/metrics"
	"github.com/trexxak/ghostship-master-sub001/internal/simconfig"
	"github.com/trexxak/ghostship-master-sub001/internal/tickctl"
	"github.com/trexxak/ghostship-master-sub001/internal/tracing"
)

const (
	componentName = "scheduler"

	// minInterval is the floor on the configured tick interval.
	minInterval = 5 * time.Second
	// minCycleDelay guarantees breathing room between cycles even when a
	// tick overruns the interval.
	minCycleDelay = 2 * time.Second
	// maxFrozenWait caps the poll interval while frozen so a thaw is
	// noticed promptly.
	maxFrozenWait = 30 * time.Second
)

// Tick outcome statuses.
const (
	StatusOK      = "ok"
	StatusSkipped = "skipped"
	StatusError   = "error"
)

// Outcome summarizes one wake-up for logs, metrics, and status surfaces.
type Outcome struct {
	Status     string `json:"status"`
	Origin     string `json:"origin,omitempty"`
	TickNumber int64  `json:"tick_number,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// TickRunner executes one tick under a resolved directive. *engine.Engine is
// the production implementation.
type TickRunner interface {
	RunTick(ctx context.Context, directive model.TickDirective) (*model.TickRun, error)
}

// BurstSubmitter accepts asynchronous queue drain requests. Submit must not
// block; a rejected request is dropped, not queued.
type BurstSubmitter interface {
	Submit(limit int) bool
}

// heartbeat is the slice of the health monitor the loop reports into.
type heartbeat interface {
	Beat(component string)
	Fail(component string, err error) bool
}

// Scheduler owns wake-up cadence: when a tick runs, which directive it runs
// under, and when the queue worker drains afterwards.
type Scheduler struct {
	control   *tickctl.Manager
	cfg       *simconfig.Cache
	runner    TickRunner
	worker    BurstSubmitter
	heartbeat heartbeat
	alerter   alert.Alerter
	logger    *slog.Logger
	rng       *rand.Rand
}

// New creates a scheduler. The worker may be nil when burst draining is not
// wanted (one-shot tools).
func New(control *tickctl.Manager, cfg *simconfig.Cache, runner TickRunner, worker BurstSubmitter, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		control: control,
		cfg:     cfg,
		runner:  runner,
		worker:  worker,
		logger:  logger.With("component", componentName),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// WithHeartbeat wires the loop into the process health monitor.
func (s *Scheduler) WithHeartbeat(h heartbeat) *Scheduler {
	s.heartbeat = h
	return s
}

// WithAlerter routes tick failures to the alert channels.
func (s *Scheduler) WithAlerter(a alert.Alerter) *Scheduler {
	s.alerter = a
	return s
}

// RunOnce performs a single wake-up: freeze check, override consumption, tick
// execution, burst request. Tick failures are reported in the outcome, never
// returned; the loop must survive them.
func (s *Scheduler) RunOnce(ctx context.Context) Outcome {
	state, err := s.control.State(ctx)
	if err != nil {
		s.logger.Error("freeze state read failed", "error", err)
		return Outcome{Status: StatusError, Reason: err.Error()}
	}
	if state.Frozen {
		metrics.SchedulerFrozenSkips.Inc()
		s.logger.Info("tick skipped", "state", state.Label())
		return Outcome{Status: StatusSkipped, Reason: state.Label()}
	}

	directive := model.TickDirective{Origin: model.OriginScheduled}
	override, err := s.control.ConsumeManualOverride(ctx)
	if err != nil {
		s.logger.Error("manual override consume failed", "error", err)
		return Outcome{Status: StatusError, Reason: err.Error()}
	}
	if override != nil {
		directive = model.TickDirective{
			Origin:           override.Origin,
			Seed:             override.Seed,
			OracleCard:       override.OracleCard,
			EnergyMultiplier: override.EnergyMultiplier,
			Force:            override.Force,
			Note:             override.Note,
		}
		if directive.Origin == "" {
			directive.Origin = model.OriginManual
		}
	}

	outcome := Outcome{Status: StatusOK, Origin: directive.Origin}
	run, err := s.runner.RunTick(ctx, directive)
	switch {
	case errors.Is(err, engine.ErrFrozen):
		// Frozen between the state read and the tick. A consumed override is
		// gone; that matches consume-then-execute semantics everywhere else.
		metrics.SchedulerFrozenSkips.Inc()
		s.logger.Info("tick skipped", "state", "FROZEN", "origin", directive.Origin)
		outcome = Outcome{Status: StatusSkipped, Origin: directive.Origin, Reason: "FROZEN"}
	case err != nil:
		s.logger.Error("tick failed", "origin", directive.Origin, "error", err)
		outcome = Outcome{Status: StatusError, Origin: directive.Origin, Reason: err.Error()}
	case run != nil:
		outcome.TickNumber = run.Number
	}

	settings, err := s.cfg.SchedulerSettings()
	if err != nil {
		s.logger.Warn("scheduler settings read failed, skipping burst", "error", err)
		return outcome
	}
	if settings.QueueBurst > 0 && s.worker != nil {
		s.worker.Submit(settings.QueueBurst)
	}
	return outcome
}

// Run drives wake-ups until the context is cancelled. The first tick fires
// right after the startup delay; afterwards each cycle sleeps a jittered
// interval, shortened while frozen so a thaw does not wait a full interval.
func (s *Scheduler) Run(ctx context.Context) error {
	settings, err := s.cfg.SchedulerSettings()
	if err != nil {
		return fmt.Errorf("load scheduler settings: %w", err)
	}
	startup := time.Duration(settings.StartupDelaySeconds) * time.Second
	s.logger.Info("scheduler started",
		"interval_seconds", settings.IntervalSeconds,
		"jitter_seconds", settings.JitterSeconds,
		"startup_delay", startup)

	timer := time.NewTimer(startup)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			return ctx.Err()
		case <-timer.C:
		}

		start := time.Now()
		outcome := s.cycle(ctx)
		s.report(ctx, outcome)

		if fresh, err := s.cfg.SchedulerSettings(); err != nil {
			s.logger.Warn("scheduler settings reload failed, keeping previous cadence", "error", err)
		} else {
			settings = fresh
		}

		var wait time.Duration
		if outcome.Status == StatusSkipped {
			wait = frozenWait(settings)
		} else {
			wait = nextDelay(settings, time.Since(start), s.rng)
		}
		s.logger.Debug("next wake-up scheduled", "wait", wait, "status", outcome.Status)
		timer.Reset(wait)
	}
}

// report feeds a cycle outcome to the health monitor and alert channels.
// Only error outcomes alert; the cooldown on the alerter side keeps a broken
// store from producing one alert per wake-up.
func (s *Scheduler) report(ctx context.Context, outcome Outcome) {
	if outcome.Status != StatusError {
		if s.heartbeat != nil {
			s.heartbeat.Beat(componentName)
		}
		return
	}
	transitioned := false
	if s.heartbeat != nil {
		transitioned = s.heartbeat.Fail(componentName, errors.New(outcome.Reason))
	}
	if s.alerter == nil {
		return
	}
	if err := s.alerter.Send(ctx, alert.Alert{
		Type:      alert.AlertTypeTickFailed,
		Component: componentName,
		Title:     "Tick execution failed",
		Message:   outcome.Reason,
		Fields:    map[string]string{"origin": outcome.Origin},
	}); err != nil {
		s.logger.Warn("tick failure alert not delivered", "error", err)
	}
	if transitioned {
		if err := s.alerter.Send(ctx, alert.Alert{
			Type:      alert.AlertTypeUnhealthy,
			Component: componentName,
			Title:     "Scheduler unhealthy",
			Message:   "consecutive tick failures crossed the unhealthy threshold",
		}); err != nil {
			s.logger.Warn("unhealthy alert not delivered", "error", err)
		}
	}
}

// cycle wraps one wake-up with tracing and tick accounting.
func (s *Scheduler) cycle(ctx context.Context) Outcome {
	ctx, span := tracing.Tracer(componentName).Start(ctx, "scheduler.tick")
	defer span.End()

	start := time.Now()
	outcome := s.RunOnce(ctx)
	elapsed := time.Since(start)

	origin := outcome.Origin
	if origin == "" {
		origin = "none"
	}
	metrics.SchedulerTicksTotal.WithLabelValues(origin, outcome.Status).Inc()
	metrics.SchedulerTickLatency.WithLabelValues(origin).Observe(elapsed.Seconds())
	span.SetAttributes(
		attribute.String("origin", origin),
		attribute.String("status", outcome.Status),
		attribute.Int64("tick_number", outcome.TickNumber),
	)
	if outcome.Status == StatusError {
		metrics.SchedulerTickErrors.WithLabelValues(origin).Inc()
		span.SetStatus(codes.Error, outcome.Reason)
	}
	return outcome
}

// nextDelay computes the sleep before the next wake-up: the configured
// interval plus uniform jitter in [-jitter, +jitter], floored at
// minInterval, minus the time the finished cycle already consumed, floored
// at minCycleDelay so a slow tick can never starve the loop.
func nextDelay(settings simconfig.SchedulerSettings, elapsed time.Duration, rng *rand.Rand) time.Duration {
	interval := time.Duration(settings.IntervalSeconds) * time.Second
	if j := float64(settings.JitterSeconds); j > 0 {
		offset := (rng.Float64()*2 - 1) * j
		interval += time.Duration(offset * float64(time.Second))
	}
	if interval < minInterval {
		interval = minInterval
	}
	delay := interval - elapsed
	if delay < minCycleDelay {
		delay = minCycleDelay
	}
	return delay
}

// frozenWait is the sleep while frozen: short enough to notice a thaw
// promptly, never longer than the configured interval.
func frozenWait(settings simconfig.SchedulerSettings) time.Duration {
	interval := time.Duration(settings.IntervalSeconds) * time.Second
	if interval < minInterval {
		interval = minInterval
	}
	if interval > maxFrozenWait {
		return maxFrozenWait
	}
	return interval
}
