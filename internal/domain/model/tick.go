package model

import "time"

// Origin labels recorded with tick executions.
const (
	OriginScheduled      = "scheduled"
	OriginManual         = "manual"
	OriginManualOverride = "manual-override"
)

// FreezeState is the process-wide tick freeze toggle, persisted as a JSON
// blob so it survives restarts.
type FreezeState struct {
	Frozen    bool       `json:"frozen"`
	ToggledAt *time.Time `json:"toggled_at,omitempty"`
	Actor     string     `json:"actor,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

// Label returns the human state label.
func (s FreezeState) Label() string {
	if s.Frozen {
		return "FROZEN"
	}
	return "RUNNING"
}

// ManualOverride is a one-shot operator parameter set consumed by exactly the
// next unfrozen tick. At most one is pending at a time; queueing overwrites.
type ManualOverride struct {
	Seed             *int64    `json:"seed,omitempty"`
	OracleCard       *string   `json:"oracle_card,omitempty"`
	EnergyMultiplier *float64  `json:"energy_multiplier,omitempty"`
	Force            bool      `json:"force"`
	Note             string    `json:"note,omitempty"`
	Origin           string    `json:"origin"`
	QueuedAt         time.Time `json:"queued_at"`
}

// TickDirective is the resolved parameter set handed to the tick executor.
type TickDirective struct {
	Origin           string
	Seed             *int64
	OracleCard       *string
	EnergyMultiplier *float64
	Force            bool
	Note             string
}

// TickRun is the breadcrumb recorded after each tick execution.
type TickRun struct {
	Number     int64       `json:"tick_number" db:"tick_number"`
	Origin     string      `json:"origin" db:"origin"`
	Seed       *int64      `json:"seed,omitempty" db:"seed"`
	Forced     bool        `json:"forced" db:"forced"`
	Note       string      `json:"note,omitempty" db:"note"`
	Allocation *Allocation `json:"allocation,omitempty" db:"allocation"`
	RanAt      time.Time   `json:"ran_at" db:"ran_at"`
}
