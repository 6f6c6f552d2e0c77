// ABOUTME: Bounded FIFO history of command results.
// ABOUTME: Oldest entries evicted past the cap; entries never mutated.

package router

import "sync"

// History keeps the most recent command results in arrival order.
type History struct {
	mu      sync.RWMutex
	entries []Result
	cap     int
}

// NewHistory creates a History bounded to cap entries.
func NewHistory(cap int) *History {
	if cap <= 0 {
		cap = 1000
	}
	return &History{cap: cap}
}

// Append records a result, evicting the oldest when full.
func (h *History) Append(res Result) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries = append(h.entries, res)
	if len(h.entries) > h.cap {
		h.entries = h.entries[len(h.entries)-h.cap:]
	}
}

// Recent returns up to limit results, newest last. limit <= 0 returns
// everything retained.
func (h *History) Recent(limit int) []Result {
	h.mu.RLock()
	defer h.mu.RUnlock()

	entries := h.entries
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]Result, len(entries))
	copy(out, entries)
	return out
}

// Len returns the number of retained results.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}
