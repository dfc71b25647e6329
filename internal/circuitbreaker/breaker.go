package circuitbreaker

import (
	"sync"
	"time"
)

const (
	// DefaultCooldown is how long the breaker stays open after a trip.
	DefaultCooldown = 300 * time.Second
	// MinCooldown is the floor applied to configured cooldowns.
	MinCooldown = 5 * time.Second
)

// Breaker gates remote generation calls. Unlike a counting breaker it trips
// on a single permanent failure and stays open for a fixed offline window.
// Successes never shorten an active window; the window closes only by
// elapsing.
type Breaker struct {
	mu           sync.Mutex
	cooldown     time.Duration
	offlineUntil time.Time
	lastReason   string
	now          func() time.Time
	onTrip       func(reason string, until time.Time)
}

// Config configures a breaker.
type Config struct {
	Cooldown time.Duration // default 300s, floored at 5s
	Now      func() time.Time
	OnTrip   func(reason string, until time.Time)
}

func New(cfg Config) *Breaker {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.Cooldown < MinCooldown {
		cfg.Cooldown = MinCooldown
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{
		cooldown: cfg.Cooldown,
		now:      cfg.Now,
		onTrip:   cfg.OnTrip,
	}
}

// Allow reports whether a remote call may proceed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.now().Before(b.offlineUntil)
}

// Trip opens the breaker until now+cooldown and returns the deadline.
// Tripping while already open extends the window.
func (b *Breaker) Trip(reason string) time.Time {
	b.mu.Lock()
	until := b.now().Add(b.cooldown)
	b.offlineUntil = until
	b.lastReason = reason
	onTrip := b.onTrip
	b.mu.Unlock()

	if onTrip != nil {
		onTrip(reason, until)
	}
	return until
}

// OfflineUntil returns the active window deadline, or nil when closed.
func (b *Breaker) OfflineUntil() *time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.now().Before(b.offlineUntil) {
		until := b.offlineUntil
		return &until
	}
	return nil
}

// Remaining returns how long until the breaker closes, zero when closed.
func (b *Breaker) Remaining() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	remaining := b.offlineUntil.Sub(b.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// LastReason returns the reason recorded by the most recent trip.
func (b *Breaker) LastReason() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastReason
}

// State returns "open" or "closed" for logs and status payloads.
func (b *Breaker) State() string {
	if b.Allow() {
		return "closed"
	}
	return "open"
}
