// Package engine plans and executes a single simulation tick: it rolls the
// tick's energy, scales the configured allocation through the oracle and
// activity backpressure, enqueues the budgeted generation work, and records
// the tick breadcrumb. Given the same seed and store contents a tick is
// deterministic.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/trexxak/ghostship-master-sub001/internal/activity"
	"github.com/trexxak/ghostship-master-sub001/internal/domain/model"
	"github.com/trexxak/ghostship-master-sub001/internal/generation"
	"github.com/trexxak/ghostship-master-sub001/internal/simconfig"
	"github.com/trexxak/ghostship-master-sub001/internal/store"
	"github.com/trexxak/ghostship-master-sub001/internal/tickctl"
)

// ErrFrozen reports a tick refused because the freeze toggle is set and the
// directive did not force past it.
var ErrFrozen = errors.New("engine: ticks are frozen")

const (
	candidatePoolSize    = 32
	threadPoolSize       = 16
	enqueueAttemptFactor = 3
)

// Engine executes tick directives against the live stores.
type Engine struct {
	control *tickctl.Manager
	cfg     *simconfig.Cache
	tracker *activity.Tracker
	guard   *generation.Guard
	agents  store.AgentRepository
	threads store.ThreadRepository
	logger  *slog.Logger

	nowFunc func() time.Time // injectable clock for testing
}

func New(
	control *tickctl.Manager,
	cfg *simconfig.Cache,
	tracker *activity.Tracker,
	guard *generation.Guard,
	agents store.AgentRepository,
	threads store.ThreadRepository,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		control: control,
		cfg:     cfg,
		tracker: tracker,
		guard:   guard,
		agents:  agents,
		threads: threads,
		logger:  logger.With("component", "engine"),
		nowFunc: time.Now,
	}
}

// RunTick executes one tick under the directive. A frozen state rejects the
// run with ErrFrozen unless the directive forces through; a forced run over a
// freeze is annotated on the allocation.
func (e *Engine) RunTick(ctx context.Context, directive model.TickDirective) (*model.TickRun, error) {
	state, err := e.control.State(ctx)
	if err != nil {
		return nil, fmt.Errorf("read freeze state: %w", err)
	}
	if state.Frozen && !directive.Force {
		return nil, ErrFrozen
	}

	now := e.nowFunc().UTC()
	origin := directive.Origin
	if origin == "" {
		origin = model.OriginManual
		if directive.Force {
			origin = model.OriginManualOverride
		}
	}
	seed := now.UnixMilli()
	if directive.Seed != nil {
		seed = *directive.Seed
	}
	rng := rand.New(rand.NewSource(seed))

	number, err := e.control.NextTickNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("next tick number: %w", err)
	}
	base, err := e.cfg.Allocation()
	if err != nil {
		return nil, fmt.Errorf("allocation defaults: %w", err)
	}
	oracle, err := e.cfg.OracleSettings()
	if err != nil {
		return nil, fmt.Errorf("oracle settings: %w", err)
	}
	gen, err := e.cfg.GenerationSettings()
	if err != nil {
		return nil, fmt.Errorf("generation settings: %w", err)
	}

	profile := rollEnergy(rng, now)
	if directive.EnergyMultiplier != nil {
		profile.Prime = roundCount(float64(profile.Prime) * math.Max(0, *directive.EnergyMultiplier))
	}
	alloc := planAllocation(base, profile)

	forced := ""
	if directive.OracleCard != nil {
		forced = *directive.OracleCard
	}
	sp := drawSpecials(oracle, profile.Prime, forced, rng)
	alloc = applySpecials(alloc, sp, oracle)

	snap, err := e.tracker.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("activity snapshot: %w", err)
	}
	alloc = activity.ApplyScaling(alloc, snap)

	if state.Frozen && directive.Force {
		alloc = alloc.WithNote("freeze:overridden")
	}

	replies, dms, err := e.enqueueWork(ctx, rng, alloc, gen, number)
	if err != nil {
		return nil, err
	}
	alloc = alloc.WithNote(fmt.Sprintf("generation:replies=%d dms=%d budget=%d", replies, dms, gen.TasksPerTick))

	run := &model.TickRun{
		Number:     number,
		Origin:     origin,
		Seed:       &seed,
		Forced:     directive.Force,
		Note:       directive.Note,
		Allocation: &alloc,
		RanAt:      now,
	}
	if err := e.control.RecordTickRun(ctx, run); err != nil {
		return nil, fmt.Errorf("record tick run: %w", err)
	}

	e.logger.Info("tick executed",
		"tick", number,
		"origin", origin,
		"seed", seed,
		"energy", profile.Energy,
		"energy_prime", profile.Prime,
		"planned", alloc.Total(),
		"replies_enqueued", replies,
		"dms_enqueued", dms,
		"activity_tier", snap.Tier.String(),
	)
	return run, nil
}

// enqueueWork converts the scaled reply/DM counts into queue tasks, capped by
// the per-tick provider budget with a small reservation for DMs. Pool listing
// failures abort the tick; individual guard rejections are logged and skipped.
func (e *Engine) enqueueWork(ctx context.Context, rng *rand.Rand, alloc model.Allocation, gen simconfig.GenerationSettings, tick int64) (int, int, error) {
	if alloc.Replies <= 0 && alloc.PrivateMessages <= 0 {
		return 0, 0, nil
	}
	budget := gen.TasksPerTick
	if budget <= 0 {
		return 0, 0, nil
	}
	agents, err := e.agents.ListCandidates(ctx, candidatePoolSize)
	if err != nil {
		return 0, 0, fmt.Errorf("list candidate agents: %w", err)
	}
	threads, err := e.threads.ListActive(ctx, threadPoolSize)
	if err != nil {
		return 0, 0, fmt.Errorf("list active threads: %w", err)
	}
	rng.Shuffle(len(agents), func(i, j int) { agents[i], agents[j] = agents[j], agents[i] })
	rng.Shuffle(len(threads), func(i, j int) { threads[i], threads[j] = threads[j], threads[i] })

	reserved := 0
	if alloc.PrivateMessages > 0 && len(agents) >= 2 {
		reserved = min(gen.MinDMQuota, alloc.PrivateMessages)
	}

	replies := 0
	replyTarget := min(alloc.Replies, max(0, budget-reserved))
	if len(agents) > 0 && len(threads) > 0 {
		seen := make(map[[2]int64]struct{})
		for attempt := 0; replies < replyTarget && attempt < replyTarget*enqueueAttemptFactor; attempt++ {
			agent := agents[attempt%len(agents)]
			thread := threads[attempt%len(threads)]
			key := [2]int64{agent.ID, thread.ID}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			threadID := thread.ID
			if _, err := e.guard.Enqueue(ctx, generation.TaskSpec{
				Kind:     model.TaskKindReply,
				Agent:    agent,
				ThreadID: &threadID,
				Payload:  taskPayload(rng, tick),
			}); err != nil {
				e.logger.Warn("reply enqueue rejected",
					"agent_id", agent.ID, "thread_id", thread.ID, "error", err)
				continue
			}
			replies++
		}
	}

	dms := 0
	dmTarget := min(alloc.PrivateMessages, max(0, budget-replies))
	if len(agents) >= 2 {
		seen := make(map[[2]int64]struct{})
		for attempt := 0; dms < dmTarget && attempt < dmTarget*enqueueAttemptFactor; attempt++ {
			agent := agents[attempt%len(agents)]
			recipient := agents[(attempt+1)%len(agents)]
			if agent.ID == recipient.ID {
				continue
			}
			key := [2]int64{agent.ID, recipient.ID}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			recipientID := recipient.ID
			if _, err := e.guard.Enqueue(ctx, generation.TaskSpec{
				Kind:        model.TaskKindDM,
				Agent:       agent,
				RecipientID: &recipientID,
				Payload:     taskPayload(rng, tick),
			}); err != nil {
				e.logger.Warn("dm enqueue rejected",
					"agent_id", agent.ID, "recipient_id", recipient.ID, "error", err)
				continue
			}
			dms++
		}
	}
	return replies, dms, nil
}

// taskPayload samples the shared hint fields every generated task carries.
func taskPayload(rng *rand.Rand, tick int64) model.TaskPayload {
	return model.TaskPayload{
		"tick_number":      tick,
		"target_words":     int64(10 + rng.Intn(23)),
		"target_sentences": int64(1 + rng.Intn(3)),
	}
}
