package broker

import (
	"sync"

	"github.com/matchday-planner/matchfeed/protocol"
)

// historyCapacity bounds the per-match event history served over REST.
// The broadcast path is unaffected; only the catch-up view is capped.
const historyCapacity = 256

// History is a fixed-capacity circular buffer of match events. It lets
// late REST readers catch up on recent events without the broker holding
// a full season in memory.
type History struct {
	mu       sync.RWMutex
	buf      []protocol.MatchEvent
	capacity int
	pos      int // next write position
	full     bool
}

// NewHistory creates a history buffer with the given capacity.
func NewHistory(capacity int) *History {
	return &History{
		buf:      make([]protocol.MatchEvent, capacity),
		capacity: capacity,
	}
}

// Write adds an event, overwriting the oldest once full.
func (h *History) Write(ev protocol.MatchEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.buf[h.pos] = ev
	h.pos = (h.pos + 1) % h.capacity
	if h.pos == 0 {
		h.full = true
	}
}

// ReadAll returns the buffered events in chronological order.
func (h *History) ReadAll() []protocol.MatchEvent {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.full {
		out := make([]protocol.MatchEvent, h.pos)
		copy(out, h.buf[:h.pos])
		return out
	}

	out := make([]protocol.MatchEvent, h.capacity)
	copy(out, h.buf[h.pos:])
	copy(out[h.capacity-h.pos:], h.buf[:h.pos])
	return out
}

// Len reports how many events are currently buffered.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.full {
		return h.capacity
	}
	return h.pos
}
