package worker

import (
	"sync"
	"time"
)

// historyCapacity is the ring buffer's fixed size (spec §4.3 "Background
// tasks": "trims an in-memory render-history ring to 100 entries").
const historyCapacity = 100

// RenderRecord is one completed (successful or failed) SubJob execution.
type RenderRecord struct {
	SubJobID   string
	Success    bool
	Error      string
	Duration   time.Duration
	FinishedAt time.Time
}

// RenderHistory is a fixed-capacity ring of recent render outcomes, used
// for local diagnostics (e.g. a future status endpoint); it is not
// authoritative and carries no correctness obligation.
type RenderHistory struct {
	mu      sync.Mutex
	entries []RenderRecord
}

// NewRenderHistory returns an empty history ring.
func NewRenderHistory() *RenderHistory {
	return &RenderHistory{entries: make([]RenderRecord, 0, historyCapacity)}
}

// Record appends r, dropping the oldest entry once at capacity.
func (h *RenderHistory) Record(r RenderRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, r)
	if len(h.entries) > historyCapacity {
		h.entries = h.entries[len(h.entries)-historyCapacity:]
	}
}

// Snapshot returns a copy of the current history, oldest first.
func (h *RenderHistory) Snapshot() []RenderRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]RenderRecord, len(h.entries))
	copy(out, h.entries)
	return out
}

// Len reports the current number of entries.
func (h *RenderHistory) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}
