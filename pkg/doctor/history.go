package doctor

import "sync"

// History is a bounded, append-only record of recent ticks. Once full, the
// oldest entry is overwritten.
type History struct {
	mu      sync.Mutex
	entries []TickResult
	next    int
	full    bool
}

// NewHistory builds a history holding at most size ticks.
func NewHistory(size int) *History {
	if size <= 0 {
		size = 1
	}
	return &History{entries: make([]TickResult, size)}
}

// Add appends a tick, evicting the oldest when the history is full.
func (h *History) Add(res TickResult) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries[h.next] = res
	h.next = (h.next + 1) % len(h.entries)
	if h.next == 0 {
		h.full = true
	}
}

// Len returns the number of retained ticks.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.full {
		return len(h.entries)
	}
	return h.next
}

// Snapshot returns the retained ticks, oldest first.
func (h *History) Snapshot() []TickResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.full {
		return append([]TickResult(nil), h.entries[:h.next]...)
	}
	out := make([]TickResult, 0, len(h.entries))
	out = append(out, h.entries[h.next:]...)
	return append(out, h.entries[:h.next]...)
}
