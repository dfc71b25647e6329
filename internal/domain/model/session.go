package model

// Tier buckets observed human presence. Ordering is fixed:
// DORMANT < QUIET < ACTIVE < BUSY, and the scaling factor is monotonically
// non-decreasing across that ordering.
type Tier string

const (
	TierDormant Tier = "DORMANT"
	TierQuiet   Tier = "QUIET"
	TierActive  Tier = "ACTIVE"
	TierBusy    Tier = "BUSY"
)

func (t Tier) String() string {
	return string(t)
}

// SessionSnapshot is a point-in-time summary of live session records.
// It is derived on demand and immutable once constructed.
type SessionSnapshot struct {
	Total         int     `json:"total"`
	Organic       int     `json:"organic"`
	WindowSeconds int     `json:"window_seconds"`
	Tier          Tier    `json:"tier"`
	Factor        float64 `json:"factor"`
}
