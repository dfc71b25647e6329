// Package activity turns live session records into a backpressure signal: a
// snapshot of observed human presence plus a pure scaling function that
// dampens planned population throughput when nobody is watching the forum.
package activity

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/trexxak/ghostship-master-sub001/internal/domain/model"
	"github.com/trexxak/ghostship-master-sub001/internal/metrics"
	"github.com/trexxak/ghostship-master-sub001/internal/store"
)

const (
	// DefaultWindow is the recency window a session must fall inside to count
	// as live.
	DefaultWindow = 180 * time.Second

	// DefaultPruneInterval is how often the janitor sweeps stale sessions.
	DefaultPruneInterval = time.Minute
)

// tierBand maps a total-session range to a tier and scaling factor.
// maxTotal < 0 means unbounded.
type tierBand struct {
	minTotal int
	maxTotal int
	tier     model.Tier
	factor   float64
}

// Factors are monotone across the tier ordering; BUSY never dampens.
var tierBands = []tierBand{
	{minTotal: 0, maxTotal: 0, tier: model.TierDormant, factor: 0.1},
	{minTotal: 1, maxTotal: 1, tier: model.TierQuiet, factor: 0.45},
	{minTotal: 2, maxTotal: 3, tier: model.TierActive, factor: 0.7},
	{minTotal: 4, maxTotal: -1, tier: model.TierBusy, factor: 1.0},
}

func classify(total int) (model.Tier, float64) {
	for _, band := range tierBands {
		if band.maxTotal < 0 {
			if total >= band.minTotal {
				return band.tier, band.factor
			}
			continue
		}
		if total >= band.minTotal && total <= band.maxTotal {
			return band.tier, band.factor
		}
	}
	return model.TierBusy, 1.0
}

// Tracker derives presence snapshots from the session store.
type Tracker struct {
	sessions store.SessionStore
	window   time.Duration
	logger   *slog.Logger
	nowFunc  func() time.Time // injectable clock for testing
}

// NewTracker creates a tracker over the given session store. A non-positive
// window falls back to DefaultWindow.
func NewTracker(sessions store.SessionStore, window time.Duration, logger *slog.Logger) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Tracker{
		sessions: sessions,
		window:   window,
		logger:   logger.With("component", "activity"),
		nowFunc:  time.Now,
	}
}

// Window returns the configured recency window.
func (t *Tracker) Window() time.Duration {
	return t.window
}

// Touch records that the session was just seen, flagging whether it is
// presenting as the human operator.
func (t *Tracker) Touch(ctx context.Context, sessionKey string, organic bool) error {
	if sessionKey == "" {
		return nil
	}
	if err := t.sessions.Touch(ctx, sessionKey, organic, t.nowFunc()); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// Snapshot counts live sessions within the window and classifies the result
// into a tier with its scaling factor. The snapshot is a value; callers can
// hold it across a tick without re-reading the store.
func (t *Tracker) Snapshot(ctx context.Context) (model.SessionSnapshot, error) {
	now := t.nowFunc()
	total, organic, err := t.sessions.Counts(ctx, now, t.window)
	if err != nil {
		return model.SessionSnapshot{}, fmt.Errorf("count sessions: %w", err)
	}
	tier, factor := classify(total)

	metrics.ActivitySessions.WithLabelValues("total").Set(float64(total))
	metrics.ActivitySessions.WithLabelValues("organic").Set(float64(organic))
	metrics.ActivityScaleFactor.Set(factor)

	return model.SessionSnapshot{
		Total:         total,
		Organic:       organic,
		WindowSeconds: int(t.window / time.Second),
		Tier:          tier,
		Factor:        factor,
	}, nil
}

// Prune removes sessions last seen before now-window and returns the count
// removed. A non-positive window falls back to the tracker's own.
func (t *Tracker) Prune(ctx context.Context, now time.Time, window time.Duration) (int, error) {
	if window <= 0 {
		window = t.window
	}
	removed, err := t.sessions.Prune(ctx, now, window)
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	if removed > 0 {
		metrics.ActivityPrunedSessions.Add(float64(removed))
	}
	return removed, nil
}

// RunJanitor sweeps stale sessions on an interval until the context is
// cancelled. Prune failures are logged and the loop keeps going.
func (t *Tracker) RunJanitor(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultPruneInterval
	}
	t.logger.Info("session janitor started", "interval", interval, "window", t.window)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("session janitor stopped")
			return ctx.Err()
		case <-ticker.C:
			removed, err := t.Prune(ctx, t.nowFunc(), t.window)
			if err != nil {
				t.logger.Warn("session prune failed", "error", err)
				continue
			}
			if removed > 0 {
				t.logger.Debug("pruned stale sessions", "removed", removed)
			}
		}
	}
}

// ApplyScaling dampens the allocation by the snapshot's factor and appends a
// note naming the tier. Pure: identical inputs always produce identical
// output, and the input allocation is never mutated.
//
// A factor at or above 0.99 leaves the counts untouched. Otherwise each field
// becomes floor(v*factor), clamped to [0, v], except that a moderate factor
// (>= 0.5) never rounds a positive count all the way to zero.
func ApplyScaling(alloc model.Allocation, snap model.SessionSnapshot) model.Allocation {
	out := alloc.WithNote(fmt.Sprintf("activity:%s (sessions=%d, factor=%.2f)", snap.Tier, snap.Total, snap.Factor))
	if snap.Factor >= 0.99 {
		return out
	}
	out.Registrations = scaleCount(out.Registrations, snap.Factor)
	out.Threads = scaleCount(out.Threads, snap.Factor)
	out.Replies = scaleCount(out.Replies, snap.Factor)
	out.PrivateMessages = scaleCount(out.PrivateMessages, snap.Factor)
	out.ModerationEvents = scaleCount(out.ModerationEvents, snap.Factor)
	return out
}

func scaleCount(v int, factor float64) int {
	if v <= 0 {
		return 0
	}
	scaled := int(math.Floor(float64(v) * factor))
	if scaled == 0 && factor >= 0.5 {
		return 1
	}
	if scaled > v {
		return v
	}
	return scaled
}
