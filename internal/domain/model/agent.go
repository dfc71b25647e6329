package model

import (
	"strings"
	"time"
)

// OrganicHandle is the reserved in-simulation handle of the human operator.
// Generation work must never be created or executed on its behalf.
const OrganicHandle = "trexxak"

type Agent struct {
	ID        int64     `db:"id"`
	Handle    string    `db:"handle"`
	Archetype string    `db:"archetype"`
	Mood      string    `db:"mood"`
	Banned    bool      `db:"banned"`
	Organic   bool      `db:"organic"`
	CreatedAt time.Time `db:"created_at"`
}

// IsReserved reports whether the agent carries the operator's handle,
// regardless of how the organic flag is set in the store.
func (a Agent) IsReserved() bool {
	return a.Organic || strings.EqualFold(a.Handle, OrganicHandle)
}
