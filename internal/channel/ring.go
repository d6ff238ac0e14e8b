package channel

import "pushi/internal/models"

// Ring keeps the most recent persisted events of one channel. Only events
// accepted for persistence participate; live-only triggers are not
// recorded.
type Ring struct {
	events []models.Event
	limit  int
}

// DefaultRingSize bounds the per-channel history kept in memory.
const DefaultRingSize = 100

// NewRing creates a ring holding at most limit events.
func NewRing(limit int) *Ring {
	if limit <= 0 {
		limit = DefaultRingSize
	}
	return &Ring{limit: limit}
}

// Push appends an event, evicting the oldest entry once full.
func (r *Ring) Push(ev models.Event) {
	r.events = append(r.events, ev)
	if len(r.events) > r.limit {
		r.events = r.events[1:]
	}
}

// Recent returns up to count events, newest first, skipping the newest
// skip entries.
func (r *Ring) Recent(skip, count int) []models.Event {
	if skip < 0 {
		skip = 0
	}
	if count <= 0 {
		return nil
	}

	end := len(r.events) - skip
	if end <= 0 {
		return nil
	}
	start := end - count
	if start < 0 {
		start = 0
	}

	out := make([]models.Event, 0, end-start)
	for i := end - 1; i >= start; i-- {
		out = append(out, r.events[i])
	}
	return out
}

// Len returns the number of retained events.
func (r *Ring) Len() int {
	return len(r.events)
}
