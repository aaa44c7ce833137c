package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/matchday-planner/matchfeed/protocol"
)

// Kind selects which command an encode call builds.
type Kind string

const (
	KindPlayerEvent     Kind = "player"
	KindTeamEvent       Kind = "team"
	KindCancelEvent     Kind = "cancel"
	KindExchangeRequest Kind = "exchange"
)

var (
	ErrUnknownKind            = errors.New("unknown command kind")
	ErrMissingTeamID          = errors.New("team event requires a team id")
	ErrMissingCancelTeamID    = errors.New("cancel requires a team id")
	ErrMissingCancelEventType = errors.New("cancel requires an event type")
)

// FormFields is the raw string state of the operator's form. Values arrive
// exactly as typed; numeric coercion and defaulting happen at encode time,
// never at input time.
type FormFields struct {
	MatchID         string
	TeamID          string
	EventType       string
	Description     string
	MatchUserID     string
	FromMatchUserID string
	ToMatchUserID   string
	ExchangeMessage string
	CancelTeamID    string
	CancelEventType string
}

// Outbound is a fully encoded command: a destination plus the enveloped
// JSON body ready to publish. It carries no state beyond the single
// publish call.
type Outbound struct {
	Kind        Kind
	Destination string
	Body        json.RawMessage
}

// EncodeCommand builds an Outbound from form state. It enforces the
// per-kind required fields and applies the blank/non-numeric → 0 coercion
// for participant identifiers. The token, when present, is carried in the
// envelope's token key alongside the command data.
func EncodeCommand(kind Kind, f FormFields, token string) (Outbound, error) {
	var (
		payload     interface{}
		destination string
	)

	switch kind {
	case KindPlayerEvent:
		payload = protocol.PlayerEvent{
			EventType:   f.EventType,
			Description: f.Description,
			MatchUserID: numericID(f.MatchUserID),
		}
		destination = protocol.PlayerDestination(f.MatchID)

	case KindTeamEvent:
		if strings.TrimSpace(f.TeamID) == "" {
			return Outbound{}, ErrMissingTeamID
		}
		payload = protocol.TeamEvent{
			EventType:   f.EventType,
			Description: f.Description,
		}
		destination = protocol.TeamDestination(f.MatchID, f.TeamID)

	case KindCancelEvent:
		if strings.TrimSpace(f.CancelTeamID) == "" {
			return Outbound{}, ErrMissingCancelTeamID
		}
		if strings.TrimSpace(f.CancelEventType) == "" {
			return Outbound{}, ErrMissingCancelEventType
		}
		cancel := protocol.CancelEvent{
			TeamID:         numericID(f.CancelTeamID),
			MatchEventType: f.CancelEventType,
		}
		if strings.TrimSpace(f.MatchUserID) != "" {
			id := numericID(f.MatchUserID)
			cancel.MatchUserID = &id
		}
		payload = cancel
		destination = protocol.CancelDestination(f.MatchID)

	case KindExchangeRequest:
		payload = protocol.ExchangeRequest{
			FromMatchUserID: numericID(f.FromMatchUserID),
			ToMatchUserID:   numericID(f.ToMatchUserID),
			Message:         f.ExchangeMessage,
		}
		destination = protocol.ExchangeDestination(f.MatchID)

	default:
		return Outbound{}, ErrUnknownKind
	}

	env, err := protocol.Wrap(token, payload)
	if err != nil {
		return Outbound{}, err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return Outbound{}, fmt.Errorf("marshal envelope: %w", err)
	}

	return Outbound{Kind: kind, Destination: destination, Body: body}, nil
}

// numericID coerces a form value to an identifier. Blank and non-numeric
// input become 0; the form never rejects, the encoder normalizes.
func numericID(s string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return n
}
