package broker

import (
	"errors"
	"testing"
	"time"

	"github.com/matchday-planner/matchfeed/protocol"
)

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func TestPlayerEventWithRoster(t *testing.T) {
	mb := NewMatchBook()
	kickoff := time.Date(2026, 5, 1, 15, 0, 0, 0, time.UTC)
	mb.SetClock(fixedClock(kickoff))
	mb.Setup("42", kickoff)
	mb.RegisterTeam("42", 3, "Reds", []Player{{MatchUserID: 7, Name: "Lee"}})

	mb.SetClock(fixedClock(kickoff.Add(10 * time.Minute)))
	ev := mb.RecordPlayerEvent("42", protocol.PlayerEvent{EventType: "GOAL", Description: "header", MatchUserID: 7})

	if ev.ID != 1 {
		t.Errorf("first event id = %d, want 1", ev.ID)
	}
	if ev.ElapsedMinutes != 10 {
		t.Errorf("elapsed = %d, want 10", ev.ElapsedMinutes)
	}
	if ev.TeamID != 3 || ev.TeamName != "Reds" {
		t.Errorf("team = %d/%q, want 3/Reds", ev.TeamID, ev.TeamName)
	}
	if ev.UserID != 7 || ev.UserName != "Lee" {
		t.Errorf("user = %d/%q, want 7/Lee", ev.UserID, ev.UserName)
	}
	if ev.EventLog != "GOAL by Lee" {
		t.Errorf("event log = %q, want %q", ev.EventLog, "GOAL by Lee")
	}
}

func TestPlayerEventUnknownPlayerAccepted(t *testing.T) {
	mb := NewMatchBook()
	ev := mb.RecordPlayerEvent("42", protocol.PlayerEvent{EventType: "GOAL", MatchUserID: 99})

	if ev.UserID != 99 {
		t.Errorf("user id = %d, want 99", ev.UserID)
	}
	if ev.UserName != "" || ev.TeamName != "" {
		t.Errorf("unknown player should carry no roster detail: %+v", ev)
	}
	if ev.EventLog != "GOAL by user 99" {
		t.Errorf("event log = %q", ev.EventLog)
	}
}

func TestTeamEventRequiresRegisteredTeam(t *testing.T) {
	mb := NewMatchBook()

	_, err := mb.RecordTeamEvent("42", 3, protocol.TeamEvent{EventType: "TIMEOUT"})
	if !errors.Is(err, ErrTeamNotFound) {
		t.Fatalf("expected ErrTeamNotFound, got %v", err)
	}

	mb.RegisterTeam("42", 3, "Reds", nil)
	ev, err := mb.RecordTeamEvent("42", 3, protocol.TeamEvent{EventType: "TIMEOUT"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.TeamName != "Reds" || ev.EventLog != "TIMEOUT by Reds" {
		t.Errorf("unexpected event: %+v", ev)
	}
}

func TestCancelRequiresRecordedEvent(t *testing.T) {
	mb := NewMatchBook()
	mb.RegisterTeam("42", 3, "Reds", []Player{{MatchUserID: 7, Name: "Lee"}})

	_, err := mb.CancelEvent("42", protocol.CancelEvent{TeamID: 3, MatchEventType: "GOAL"})
	if !errors.Is(err, ErrCancelTarget) {
		t.Fatalf("expected ErrCancelTarget, got %v", err)
	}

	mb.RecordPlayerEvent("42", protocol.PlayerEvent{EventType: "GOAL", MatchUserID: 7})

	ev, err := mb.CancelEvent("42", protocol.CancelEvent{TeamID: 3, MatchEventType: "GOAL"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.EventLog != "GOAL cancelled for team 3" {
		t.Errorf("event log = %q", ev.EventLog)
	}

	// The tally is spent; a second cancel has nothing left to target.
	if _, err := mb.CancelEvent("42", protocol.CancelEvent{TeamID: 3, MatchEventType: "GOAL"}); !errors.Is(err, ErrCancelTarget) {
		t.Errorf("expected ErrCancelTarget on second cancel, got %v", err)
	}
}

func TestExchangeUsesRosterNames(t *testing.T) {
	mb := NewMatchBook()
	mb.RegisterTeam("42", 3, "Reds", []Player{
		{MatchUserID: 7, Name: "Lee"},
		{MatchUserID: 8, Name: "Cho"},
	})

	ev := mb.RecordExchange("42", protocol.ExchangeRequest{FromMatchUserID: 7, ToMatchUserID: 8, Message: "tired"})
	if ev.EventLog != "EXCHANGE Lee -> Cho" {
		t.Errorf("event log = %q", ev.EventLog)
	}
	if ev.UserID != 8 || ev.UserName != "Cho" || ev.TeamName != "Reds" {
		t.Errorf("unexpected event: %+v", ev)
	}

	ev = mb.RecordExchange("42", protocol.ExchangeRequest{FromMatchUserID: 1, ToMatchUserID: 2})
	if ev.EventLog != "EXCHANGE user 1 -> user 2" {
		t.Errorf("event log = %q", ev.EventLog)
	}
}

func TestEventIDsAreSequentialPerMatch(t *testing.T) {
	mb := NewMatchBook()

	first := mb.RecordPlayerEvent("42", protocol.PlayerEvent{EventType: "GOAL"})
	second := mb.RecordPlayerEvent("42", protocol.PlayerEvent{EventType: "YELLOW"})
	other := mb.RecordPlayerEvent("99", protocol.PlayerEvent{EventType: "GOAL"})

	if first.ID != 1 || second.ID != 2 {
		t.Errorf("ids = %d,%d, want 1,2", first.ID, second.ID)
	}
	if other.ID != 1 {
		t.Errorf("other match id = %d, want 1", other.ID)
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	mb := NewMatchBook()
	mb.RecordPlayerEvent("42", protocol.PlayerEvent{EventType: "GOAL"})
	mb.RecordPlayerEvent("42", protocol.PlayerEvent{EventType: "YELLOW"})

	events := mb.History("42")
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].ID != 2 || events[1].ID != 1 {
		t.Errorf("history not newest-first: %+v", events)
	}

	if got := mb.History("missing"); len(got) != 0 {
		t.Errorf("expected empty history for unknown match, got %d", len(got))
	}
}
