package protocol

// DefaultMatchID stands in for an absent match identifier on player and
// exchange destinations. Team and cancel destinations never default.
const DefaultMatchID = "default"

// ErrorQueue is the per-session private destination for ApiResponse frames.
// The broker resolves it against the sending connection, so two sessions
// subscribed to this name never see each other's errors.
const ErrorQueue = "user/queue/errors"

// MatchTopic is the broadcast topic for a match's event stream.
func MatchTopic(matchID string) string {
	return "topic/match/" + matchID
}

// PlayerDestination addresses player-event commands.
func PlayerDestination(matchID string) string {
	return "app/match/" + orDefault(matchID)
}

// TeamDestination addresses team-event commands.
func TeamDestination(matchID, teamID string) string {
	return "app/match/" + matchID + "/teams/" + teamID
}

// CancelDestination addresses cancellation commands.
func CancelDestination(matchID string) string {
	return "app/match/" + matchID + "/cancel"
}

// ExchangeDestination addresses player-exchange commands.
func ExchangeDestination(matchID string) string {
	return "app/match/" + orDefault(matchID) + "/exchange"
}

func orDefault(matchID string) string {
	if matchID == "" {
		return DefaultMatchID
	}
	return matchID
}
