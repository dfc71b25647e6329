package model

// Allocation is the planned per-tick population throughput. It is a pure
// value: scaling and other adjustments return copies, never mutate in place.
type Allocation struct {
	Registrations    int      `json:"registrations"`
	Threads          int      `json:"threads"`
	Replies          int      `json:"replies"`
	PrivateMessages  int      `json:"private_messages"`
	ModerationEvents int      `json:"moderation_events"`
	Notes            []string `json:"notes,omitempty"`
}

// WithNote returns a copy with one note appended.
func (a Allocation) WithNote(note string) Allocation {
	out := a
	out.Notes = make([]string, 0, len(a.Notes)+1)
	out.Notes = append(out.Notes, a.Notes...)
	out.Notes = append(out.Notes, note)
	return out
}

// Total sums the throughput fields, ignoring notes.
func (a Allocation) Total() int {
	return a.Registrations + a.Threads + a.Replies + a.PrivateMessages + a.ModerationEvents
}
