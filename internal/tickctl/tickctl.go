// Package tickctl owns the tick control plane: the process-wide freeze
// toggle, the single-slot manual-override mailbox, and the tick run
// breadcrumb. All state lives in the control_state table so it survives
// restarts and is shared by every process pointed at the same database.
package tickctl

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/trexxak/ghostship-master-sub001/internal/domain/model"
	"github.com/trexxak/ghostship-master-sub001/internal/store"
)

// Control-state keys. These match the blobs written by earlier deployments,
// so an in-place upgrade keeps its freeze state and pending override.
const (
	freezeStateKey    = "tick_freeze_state"
	lastRunKey        = "tick_last_run"
	manualOverrideKey = "tick_manual_override"
)

// Manager arbitrates tick control state. Safe for concurrent use; the
// single-winner guarantee on override consumption comes from the store's
// atomic take, not from in-process locking.
type Manager struct {
	control store.ControlRepository
	logger  *slog.Logger
	nowFunc func() time.Time // injectable clock for testing
}

// NewManager creates a tick control manager backed by the given repository.
func NewManager(control store.ControlRepository, logger *slog.Logger) *Manager {
	return &Manager{
		control: control,
		logger:  logger.With("component", "tickctl"),
		nowFunc: time.Now,
	}
}

// Freeze halts scheduled ticks until unfrozen. Idempotent: freezing an
// already-frozen simulation refreshes actor, reason, and timestamp.
func (m *Manager) Freeze(ctx context.Context, actor, reason string) error {
	_, err := m.setFrozen(ctx, true, actor, reason)
	return err
}

// Unfreeze resumes scheduled ticks. The note is kept as the state's reason so
// status output shows why the freeze was lifted.
func (m *Manager) Unfreeze(ctx context.Context, actor, note string) (model.FreezeState, error) {
	return m.setFrozen(ctx, false, actor, note)
}

// Toggle flips the freeze state and returns the resulting state.
func (m *Manager) Toggle(ctx context.Context, actor, reason string) (model.FreezeState, error) {
	current, err := m.State(ctx)
	if err != nil {
		return model.FreezeState{}, err
	}
	return m.setFrozen(ctx, !current.Frozen, actor, reason)
}

func (m *Manager) setFrozen(ctx context.Context, frozen bool, actor, reason string) (model.FreezeState, error) {
	now := m.nowFunc().UTC()
	state := model.FreezeState{
		Frozen:    frozen,
		ToggledAt: &now,
		Actor:     actor,
		Reason:    reason,
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return model.FreezeState{}, fmt.Errorf("encode freeze state: %w", err)
	}
	if err := m.control.SetValue(ctx, freezeStateKey, raw); err != nil {
		return model.FreezeState{}, fmt.Errorf("save freeze state: %w", err)
	}
	m.logger.Info("tick freeze state changed",
		"state", state.Label(),
		"actor", actor,
		"reason", reason)
	return state, nil
}

// State returns the persisted freeze state. A missing or unreadable blob is
// treated as the default unfrozen state rather than an error, so a corrupted
// row can never wedge the scheduler.
func (m *Manager) State(ctx context.Context) (model.FreezeState, error) {
	raw, err := m.control.GetValue(ctx, freezeStateKey)
	if err != nil {
		return model.FreezeState{}, fmt.Errorf("load freeze state: %w", err)
	}
	if raw == nil {
		return model.FreezeState{}, nil
	}
	var state model.FreezeState
	if err := json.Unmarshal(raw, &state); err != nil {
		m.logger.Warn("ignoring corrupt freeze state blob", "error", err)
		return model.FreezeState{}, nil
	}
	return state, nil
}

// StateLabel returns the human label for the current state, "FROZEN" or
// "RUNNING".
func (m *Manager) StateLabel(ctx context.Context) (string, error) {
	state, err := m.State(ctx)
	if err != nil {
		return "", err
	}
	return state.Label(), nil
}

// IsFrozen reports whether scheduled ticks are currently halted.
func (m *Manager) IsFrozen(ctx context.Context) (bool, error) {
	state, err := m.State(ctx)
	if err != nil {
		return false, err
	}
	return state.Frozen, nil
}

// QueueManualOverride stores a one-shot parameter set for the next unfrozen
// tick, overwriting any override already pending (last write wins, no merge).
// A blank origin defaults to "manual-override". Returns the stored override
// with its queue timestamp filled in.
func (m *Manager) QueueManualOverride(ctx context.Context, ov model.ManualOverride) (model.ManualOverride, error) {
	if ov.Origin == "" {
		ov.Origin = model.OriginManualOverride
	}
	ov.QueuedAt = m.nowFunc().UTC()
	raw, err := json.Marshal(ov)
	if err != nil {
		return model.ManualOverride{}, fmt.Errorf("encode manual override: %w", err)
	}
	if err := m.control.SetValue(ctx, manualOverrideKey, raw); err != nil {
		return model.ManualOverride{}, fmt.Errorf("queue manual override: %w", err)
	}
	m.logger.Info("manual override queued",
		"origin", ov.Origin,
		"force", ov.Force,
		"has_seed", ov.Seed != nil)
	return ov, nil
}

// PendingManualOverride returns the queued override without consuming it, or
// nil when the slot is empty.
func (m *Manager) PendingManualOverride(ctx context.Context) (*model.ManualOverride, error) {
	raw, err := m.control.GetValue(ctx, manualOverrideKey)
	if err != nil {
		return nil, fmt.Errorf("load manual override: %w", err)
	}
	return m.decodeOverride(raw), nil
}

// ConsumeManualOverride atomically takes the queued override, clearing the
// slot. Under concurrent callers at most one receives a non-nil result.
func (m *Manager) ConsumeManualOverride(ctx context.Context) (*model.ManualOverride, error) {
	raw, err := m.control.TakeValue(ctx, manualOverrideKey)
	if err != nil {
		return nil, fmt.Errorf("consume manual override: %w", err)
	}
	ov := m.decodeOverride(raw)
	if ov != nil {
		m.logger.Info("manual override consumed", "origin", ov.Origin, "force", ov.Force)
	}
	return ov, nil
}

// ClearManualOverride drops any pending override; reports whether one was
// pending.
func (m *Manager) ClearManualOverride(ctx context.Context) (bool, error) {
	raw, err := m.control.TakeValue(ctx, manualOverrideKey)
	if err != nil {
		return false, fmt.Errorf("clear manual override: %w", err)
	}
	return raw != nil, nil
}

// decodeOverride unmarshals an override blob. A corrupt blob is dropped with
// a warning; by the time we see it the slot may already be cleared, so there
// is nothing better to do than treat it as absent.
func (m *Manager) decodeOverride(raw []byte) *model.ManualOverride {
	if raw == nil {
		return nil
	}
	var ov model.ManualOverride
	if err := json.Unmarshal(raw, &ov); err != nil {
		m.logger.Warn("ignoring corrupt manual override blob", "error", err)
		return nil
	}
	return &ov
}

// RecordTickRun appends the run to the tick history and refreshes the
// last-run breadcrumb blob that status surfaces read.
func (m *Manager) RecordTickRun(ctx context.Context, run *model.TickRun) error {
	if run.RanAt.IsZero() {
		run.RanAt = m.nowFunc().UTC()
	}
	if err := m.control.RecordTickRun(ctx, run); err != nil {
		return fmt.Errorf("record tick run: %w", err)
	}
	raw, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode tick run: %w", err)
	}
	if err := m.control.SetValue(ctx, lastRunKey, raw); err != nil {
		return fmt.Errorf("save last tick run: %w", err)
	}
	return nil
}

// LastTickRun returns the most recent run breadcrumb, or nil when no tick has
// run yet.
func (m *Manager) LastTickRun(ctx context.Context) (*model.TickRun, error) {
	raw, err := m.control.GetValue(ctx, lastRunKey)
	if err != nil {
		return nil, fmt.Errorf("load last tick run: %w", err)
	}
	if raw == nil {
		return nil, nil
	}
	var run model.TickRun
	if err := json.Unmarshal(raw, &run); err != nil {
		m.logger.Warn("ignoring corrupt last tick run blob", "error", err)
		return nil, nil
	}
	return &run, nil
}

// NextTickNumber returns the number the next tick should carry, one past the
// highest recorded run.
func (m *Manager) NextTickNumber(ctx context.Context) (int64, error) {
	last, err := m.control.LastTickNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("resolve next tick number: %w", err)
	}
	return last + 1, nil
}
