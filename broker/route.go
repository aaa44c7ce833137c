package broker

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/matchday-planner/matchfeed/protocol"
)

// routeSend maps a SEND destination onto a match-event operation, applies
// it, and broadcasts the resulting event on the match topic. Rejections of
// any kind go back to the sender's private error queue only.
func (b *Broker) routeSend(c *conn, f *protocol.Frame) {
	var env protocol.Envelope
	if err := json.Unmarshal(f.Body, &env); err != nil {
		b.reject(c, "malformed command envelope")
		return
	}

	parts := strings.Split(f.Destination, "/")
	if len(parts) < 3 || parts[0] != "app" || parts[1] != "match" {
		b.reject(c, "unknown destination: "+f.Destination)
		return
	}
	matchID := parts[2]

	switch {
	case len(parts) == 3:
		var req protocol.PlayerEvent
		if err := json.Unmarshal(env.Data, &req); err != nil {
			b.reject(c, "malformed player event")
			return
		}
		b.Publish(protocol.MatchTopic(matchID), b.matches.RecordPlayerEvent(matchID, req))

	case len(parts) == 5 && parts[3] == "teams":
		teamID, err := strconv.ParseInt(parts[4], 10, 64)
		if err != nil {
			b.reject(c, "invalid team id: "+parts[4])
			return
		}
		var req protocol.TeamEvent
		if err := json.Unmarshal(env.Data, &req); err != nil {
			b.reject(c, "malformed team event")
			return
		}
		ev, err := b.matches.RecordTeamEvent(matchID, teamID, req)
		if err != nil {
			b.reject(c, err.Error())
			return
		}
		b.Publish(protocol.MatchTopic(matchID), ev)

	case len(parts) == 4 && parts[3] == "cancel":
		var req protocol.CancelEvent
		if err := json.Unmarshal(env.Data, &req); err != nil {
			b.reject(c, "malformed cancel request")
			return
		}
		ev, err := b.matches.CancelEvent(matchID, req)
		if err != nil {
			b.reject(c, err.Error())
			return
		}
		b.Publish(protocol.MatchTopic(matchID), ev)

	case len(parts) == 4 && parts[3] == "exchange":
		var req protocol.ExchangeRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			b.reject(c, "malformed exchange request")
			return
		}
		b.Publish(protocol.MatchTopic(matchID), b.matches.RecordExchange(matchID, req))

	default:
		b.reject(c, "unknown destination: "+f.Destination)
	}
}

func (b *Broker) reject(c *conn, msg string) {
	b.log.Debug().Str("conn", c.id).Str("reason", msg).Msg("command rejected")
	b.errorTo(c, protocol.ApiResponse{Status: protocol.StatusError, Message: msg})
}
