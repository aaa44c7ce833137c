package client

import (
	"sync"

	"github.com/matchday-planner/matchfeed/protocol"
)

// Ledger is the in-memory log of received match events, readable
// most-recent-first. Events are never mutated, deduplicated, or evicted;
// the ledger lives and dies with the session and is not persisted across
// reconnects.
type Ledger struct {
	mu     sync.RWMutex
	events []protocol.MatchEvent
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{}
}

// Append records a received event.
func (l *Ledger) Append(ev protocol.MatchEvent) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

// All returns a copy of the ledger, newest event first.
func (l *Ledger) All() []protocol.MatchEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]protocol.MatchEvent, len(l.events))
	for i, ev := range l.events {
		out[len(l.events)-1-i] = ev
	}
	return out
}

// Len reports the number of recorded events.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}
