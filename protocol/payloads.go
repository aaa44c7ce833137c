package protocol

// Command payloads published by clients. Shapes match the broker's wire
// contract; all of them travel inside an Envelope.

// PlayerEvent records an event attributed to a single player
// (goal, card, and so on).
type PlayerEvent struct {
	EventType   string `json:"eventType"`
	Description string `json:"description"`
	MatchUserID int64  `json:"matchUserId"`
}

// TeamEvent records an event attributed to a whole team. Description is
// omitted rather than sent empty.
type TeamEvent struct {
	EventType   string `json:"eventType"`
	Description string `json:"description,omitempty"`
}

// CancelEvent retracts a previously recorded event. MatchUserID is omitted
// when the cancellation targets a team-level event.
type CancelEvent struct {
	MatchUserID    *int64 `json:"matchUserId,omitempty"`
	TeamID         int64  `json:"teamId"`
	MatchEventType string `json:"matchEventType"`
}

// ExchangeRequest substitutes one player for another.
type ExchangeRequest struct {
	FromMatchUserID int64  `json:"fromMatchUserId"`
	ToMatchUserID   int64  `json:"toMatchUserId"`
	Message         string `json:"message"`
}

// MatchEvent is the broker's broadcast record of a recorded event.
type MatchEvent struct {
	ID             int64  `json:"id"`
	ElapsedMinutes int64  `json:"elapsedMinutes"`
	TeamID         int64  `json:"teamId"`
	TeamName       string `json:"teamName"`
	UserID         int64  `json:"userId"`
	UserName       string `json:"userName"`
	EventLog       string `json:"eventLog"`
}

// ApiResponse is the broker's status envelope, delivered on the private
// error queue when a command is rejected.
type ApiResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ApiResponse status values.
const (
	StatusOK    = "OK"
	StatusError = "ERROR"
)
