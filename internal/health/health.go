// Package health tracks liveness of the long-running simulation loops. Each
// loop beats the monitor once per cycle and reports cycle failures; status is
// derived from beat staleness and consecutive failures when a snapshot is
// taken, so a wedged goroutine shows up even though it stopped calling in.
package health

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status is the reported health state of a component.
type Status string

const (
	StatusUnknown   Status = "UNKNOWN"
	StatusHealthy   Status = "HEALTHY"
	StatusDegraded  Status = "DEGRADED"
	StatusUnhealthy Status = "UNHEALTHY"
	StatusInactive  Status = "INACTIVE"

	// DefaultUnhealthyThreshold is the number of consecutive failures before
	// a component is reported unhealthy.
	DefaultUnhealthyThreshold = 5

	// DefaultStaleAfter is how long a component may go without a beat before
	// it is reported inactive.
	DefaultStaleAfter = 5 * time.Minute
)

type componentState struct {
	lastBeatAt          *time.Time
	lastFailureAt       *time.Time
	lastError           string
	consecutiveFailures int
}

// Monitor is a component-keyed heartbeat registry. Safe for concurrent use.
type Monitor struct {
	mu                 sync.RWMutex
	components         map[string]*componentState
	unhealthyThreshold int
	staleAfter         time.Duration
	nowFunc            func() time.Time // injectable clock for testing
}

// NewMonitor creates a monitor. staleAfter <= 0 selects DefaultStaleAfter.
func NewMonitor(staleAfter time.Duration) *Monitor {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Monitor{
		components:         make(map[string]*componentState),
		unhealthyThreshold: DefaultUnhealthyThreshold,
		staleAfter:         staleAfter,
		nowFunc:            time.Now,
	}
}

// Register announces a component before its first beat so status surfaces
// list it as UNKNOWN instead of omitting it.
func (m *Monitor) Register(component string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.components[component]; !ok {
		m.components[component] = &componentState{}
	}
}

// Beat records a completed cycle and clears the failure streak.
func (m *Monitor) Beat(component string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := m.state(component)
	now := m.nowFunc().UTC()
	state.lastBeatAt = &now
	state.consecutiveFailures = 0
	state.lastError = ""
}

// Fail records a failed cycle. Returns true when this failure pushed the
// component over the unhealthy threshold.
func (m *Monitor) Fail(component string, err error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := m.state(component)
	now := m.nowFunc().UTC()
	state.lastFailureAt = &now
	state.consecutiveFailures++
	if err != nil {
		state.lastError = err.Error()
	}
	return state.consecutiveFailures == m.unhealthyThreshold
}

// state returns the tracked component, registering it on first use.
// Must be called with mu held.
func (m *Monitor) state(component string) *componentState {
	st, ok := m.components[component]
	if !ok {
		st = &componentState{}
		m.components[component] = st
	}
	return st
}

// ComponentHealth is a point-in-time view of one component (JSON-safe).
type ComponentHealth struct {
	Component           string     `json:"component"`
	Status              Status     `json:"status"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastBeatAt          *time.Time `json:"last_beat_at,omitempty"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
}

// Snapshot returns the current state of every component, sorted by name.
func (m *Monitor) Snapshot() []ComponentHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.nowFunc().UTC()
	out := make([]ComponentHealth, 0, len(m.components))
	for name, st := range m.components {
		out = append(out, ComponentHealth{
			Component:           name,
			Status:              m.statusOf(st, now),
			ConsecutiveFailures: st.consecutiveFailures,
			LastBeatAt:          st.lastBeatAt,
			LastFailureAt:       st.lastFailureAt,
			LastError:           st.lastError,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Component < out[j].Component })
	return out
}

// HealthSnapshots implements the admin server's health provider.
func (m *Monitor) HealthSnapshots() any {
	return m.Snapshot()
}

// statusOf derives a component's status. Must be called with mu held.
func (m *Monitor) statusOf(st *componentState, now time.Time) Status {
	switch {
	case st.consecutiveFailures >= m.unhealthyThreshold:
		return StatusUnhealthy
	case st.lastBeatAt == nil && st.lastFailureAt == nil:
		return StatusUnknown
	case st.lastBeatAt == nil, now.Sub(*st.lastBeatAt) > m.staleAfter:
		return StatusInactive
	case st.consecutiveFailures > 0:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

// severity orders statuses from benign to fatal for the overall rollup.
func severity(s Status) int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusUnknown:
		return 1
	case StatusDegraded:
		return 2
	case StatusInactive:
		return 3
	default:
		return 4
	}
}

// Overall returns the worst component status, or UNKNOWN when nothing is
// registered.
func (m *Monitor) Overall() Status {
	worst := StatusUnknown
	for _, c := range m.Snapshot() {
		if severity(c.Status) > severity(worst) {
			worst = c.Status
		}
	}
	return worst
}

// Handler serves the monitor as a liveness endpoint. INACTIVE or UNHEALTHY
// components turn the response into a 503 so orchestrators restart the
// process; UNKNOWN stays 200 because components have not beaten yet at boot.
func (m *Monitor) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		overall := m.Overall()
		code := http.StatusOK
		if severity(overall) >= severity(StatusInactive) {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":     overall,
			"components": m.Snapshot(),
		})
	})
}
