package broker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matchday-planner/matchfeed/protocol"
)

var (
	ErrTeamNotFound = errors.New("team not found")
	ErrCancelTarget = errors.New("no matching event to cancel")
)

// Player is a rostered participant of a match.
type Player struct {
	MatchUserID int64  `json:"matchUserId"`
	Name        string `json:"name"`
	TeamID      int64  `json:"teamId"`
}

// match holds the broker-side state of one match: its clock, team
// registry, roster, tallies for cancellation checks, and recent history.
type match struct {
	id      string
	kickoff time.Time
	nextID  int64
	teams   map[int64]string
	roster  map[int64]Player
	tallies map[tallyKey]int
	history *History
}

type tallyKey struct {
	teamID    int64
	eventType string
}

// MatchBook owns every live match. Matches are created on first touch,
// either by a command arriving or by REST setup.
type MatchBook struct {
	mu      sync.Mutex
	matches map[string]*match
	now     func() time.Time
}

// NewMatchBook creates an empty match book on the real clock.
func NewMatchBook() *MatchBook {
	return &MatchBook{
		matches: make(map[string]*match),
		now:     time.Now,
	}
}

// SetClock overrides the book's clock, for tests that need deterministic
// elapsed minutes.
func (mb *MatchBook) SetClock(now func() time.Time) {
	mb.mu.Lock()
	mb.now = now
	mb.mu.Unlock()
}

// ensure returns the match for id, creating it with kickoff = now when it
// does not exist yet. Caller holds mb.mu.
func (mb *MatchBook) ensure(id string) *match {
	m, ok := mb.matches[id]
	if !ok {
		m = &match{
			id:      id,
			kickoff: mb.now(),
			nextID:  1,
			teams:   make(map[int64]string),
			roster:  make(map[int64]Player),
			tallies: make(map[tallyKey]int),
			history: NewHistory(historyCapacity),
		}
		mb.matches[id] = m
	}
	return m
}

// Setup creates (or re-clocks) a match with an explicit kickoff time.
func (mb *MatchBook) Setup(id string, kickoff time.Time) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	m := mb.ensure(id)
	if !kickoff.IsZero() {
		m.kickoff = kickoff
	}
}

// RegisterTeam registers a team name and its players for a match.
func (mb *MatchBook) RegisterTeam(matchID string, teamID int64, name string, players []Player) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	m := mb.ensure(matchID)
	m.teams[teamID] = name
	for _, p := range players {
		p.TeamID = teamID
		m.roster[p.MatchUserID] = p
	}
}

// History returns the recent events of a match, newest first. A match
// that never existed yields an empty slice.
func (mb *MatchBook) History(matchID string) []protocol.MatchEvent {
	mb.mu.Lock()
	m, ok := mb.matches[matchID]
	mb.mu.Unlock()
	if !ok {
		return nil
	}
	events := m.history.ReadAll()
	out := make([]protocol.MatchEvent, len(events))
	for i, ev := range events {
		out[len(events)-1-i] = ev
	}
	return out
}

func (m *match) elapsed(now time.Time) int64 {
	mins := int64(now.Sub(m.kickoff) / time.Minute)
	if mins < 0 {
		return 0
	}
	return mins
}

func (m *match) record(ev protocol.MatchEvent) protocol.MatchEvent {
	ev.ID = m.nextID
	m.nextID++
	m.history.Write(ev)
	return ev
}

// RecordPlayerEvent applies a player-attributed command. Unknown players
// are accepted; the event just carries no roster detail, matching how the
// live system behaves before rosters are synced.
func (mb *MatchBook) RecordPlayerEvent(matchID string, req protocol.PlayerEvent) protocol.MatchEvent {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	m := mb.ensure(matchID)

	ev := protocol.MatchEvent{
		ElapsedMinutes: m.elapsed(mb.now()),
		UserID:         req.MatchUserID,
		EventLog:       fmt.Sprintf("%s by user %d", req.EventType, req.MatchUserID),
	}
	if p, ok := m.roster[req.MatchUserID]; ok {
		ev.UserName = p.Name
		ev.TeamID = p.TeamID
		ev.TeamName = m.teams[p.TeamID]
		ev.EventLog = fmt.Sprintf("%s by %s", req.EventType, p.Name)
	}
	m.tallies[tallyKey{ev.TeamID, req.EventType}]++
	return m.record(ev)
}

// RecordTeamEvent applies a team-attributed command. The team must have
// been registered for the match.
func (mb *MatchBook) RecordTeamEvent(matchID string, teamID int64, req protocol.TeamEvent) (protocol.MatchEvent, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	m := mb.ensure(matchID)

	name, ok := m.teams[teamID]
	if !ok {
		return protocol.MatchEvent{}, ErrTeamNotFound
	}
	ev := protocol.MatchEvent{
		ElapsedMinutes: m.elapsed(mb.now()),
		TeamID:         teamID,
		TeamName:       name,
		EventLog:       fmt.Sprintf("%s by %s", req.EventType, name),
	}
	m.tallies[tallyKey{teamID, req.EventType}]++
	return m.record(ev), nil
}

// CancelEvent retracts one previously recorded event of the given type
// for the given team. Cancelling something never recorded is a business
// rejection.
func (mb *MatchBook) CancelEvent(matchID string, req protocol.CancelEvent) (protocol.MatchEvent, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	m := mb.ensure(matchID)

	key := tallyKey{req.TeamID, req.MatchEventType}
	if m.tallies[key] == 0 {
		return protocol.MatchEvent{}, fmt.Errorf("%w: %s for team %d", ErrCancelTarget, req.MatchEventType, req.TeamID)
	}
	m.tallies[key]--

	ev := protocol.MatchEvent{
		ElapsedMinutes: m.elapsed(mb.now()),
		TeamID:         req.TeamID,
		TeamName:       m.teams[req.TeamID],
		EventLog:       fmt.Sprintf("%s cancelled for team %d", req.MatchEventType, req.TeamID),
	}
	if req.MatchUserID != nil {
		ev.UserID = *req.MatchUserID
		if p, ok := m.roster[*req.MatchUserID]; ok {
			ev.UserName = p.Name
		}
	}
	return m.record(ev), nil
}

// RecordExchange applies a substitution command.
func (mb *MatchBook) RecordExchange(matchID string, req protocol.ExchangeRequest) protocol.MatchEvent {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	m := mb.ensure(matchID)

	from := playerLabel(m, req.FromMatchUserID)
	to := playerLabel(m, req.ToMatchUserID)

	ev := protocol.MatchEvent{
		ElapsedMinutes: m.elapsed(mb.now()),
		UserID:         req.ToMatchUserID,
		EventLog:       fmt.Sprintf("EXCHANGE %s -> %s", from, to),
	}
	if p, ok := m.roster[req.ToMatchUserID]; ok {
		ev.UserName = p.Name
		ev.TeamID = p.TeamID
		ev.TeamName = m.teams[p.TeamID]
	}
	return m.record(ev)
}

func playerLabel(m *match, matchUserID int64) string {
	if p, ok := m.roster[matchUserID]; ok {
		return p.Name
	}
	return fmt.Sprintf("user %d", matchUserID)
}
