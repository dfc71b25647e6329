package provider

import (
	"context"
	"sync"
	"time"
)

// UsageStore persists daily request counts. The postgres repository backs it
// in production; MemoryUsage serves tests and keyless dev setups.
type UsageStore interface {
	IncrementRequests(ctx context.Context, day time.Time, n int) (int, error)
	RequestCount(ctx context.Context, day time.Time) (int, error)
}

// Quota enforces the provider's daily request budget. Days roll over at
// midnight UTC.
type Quota struct {
	store UsageStore
	limit int
	now   func() time.Time
}

func NewQuota(store UsageStore, limit int, now func() time.Time) *Quota {
	if now == nil {
		now = time.Now
	}
	return &Quota{store: store, limit: limit, now: now}
}

func (q *Quota) day() time.Time {
	return q.now().UTC().Truncate(24 * time.Hour)
}

// Remaining returns how many requests are left today.
func (q *Quota) Remaining(ctx context.Context) (int, error) {
	count, err := q.store.RequestCount(ctx, q.day())
	if err != nil {
		return 0, err
	}
	remaining := q.limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// Consume records n completed requests against today's budget.
func (q *Quota) Consume(ctx context.Context, n int) (int, error) {
	return q.store.IncrementRequests(ctx, q.day(), n)
}

// MemoryUsage is an in-process UsageStore.
type MemoryUsage struct {
	mu     sync.Mutex
	counts map[time.Time]int
}

func NewMemoryUsage() *MemoryUsage {
	return &MemoryUsage{counts: make(map[time.Time]int)}
}

func (m *MemoryUsage) IncrementRequests(_ context.Context, day time.Time, n int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[day] += n
	return m.counts[day], nil
}

func (m *MemoryUsage) RequestCount(_ context.Context, day time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[day], nil
}
