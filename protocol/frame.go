// Package protocol defines the JSON frame protocol spoken between matchfeed
// clients and the match-event broker, along with the command and event
// payload shapes carried inside frames.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Frame commands. The protocol is deliberately small: a handshake pair,
// subscription management, one publish verb, one delivery verb, and errors.
// Heartbeats ride on websocket ping/pong control frames, not on Frame.
const (
	CmdConnect     = "CONNECT"
	CmdConnected   = "CONNECTED"
	CmdSubscribe   = "SUBSCRIBE"
	CmdUnsubscribe = "UNSUBSCRIBE"
	CmdSend        = "SEND"
	CmdMessage     = "MESSAGE"
	CmdError       = "ERROR"
)

// Heartbeat carries the intervals (milliseconds) negotiated on CONNECT.
// Outgoing is how often the sender promises to emit traffic; Incoming is
// how often it expects to hear from the peer.
type Heartbeat struct {
	Outgoing int `json:"outgoing"`
	Incoming int `json:"incoming"`
}

// Frame is the envelope for every message on the wire.
//
// Field usage by command:
//
//	CONNECT     Token?, Heartbeat?
//	CONNECTED   SessionID
//	SUBSCRIBE   ID, Destination
//	UNSUBSCRIBE ID
//	SEND        Destination, Body
//	MESSAGE     ID, Destination, Body
//	ERROR       Message, Body?
type Frame struct {
	Command     string          `json:"command"`
	ID          string          `json:"id,omitempty"`
	Destination string          `json:"destination,omitempty"`
	Token       string          `json:"token,omitempty"`
	SessionID   string          `json:"sessionId,omitempty"`
	Heartbeat   *Heartbeat      `json:"heartbeat,omitempty"`
	Message     string          `json:"message,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
}

// NewSend builds a SEND frame, marshalling body into the frame.
func NewSend(destination string, body interface{}) (Frame, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal send body: %w", err)
	}
	return Frame{Command: CmdSend, Destination: destination, Body: data}, nil
}

// NewMessage builds a MESSAGE frame for delivery on a subscription.
func NewMessage(subID, destination string, body interface{}) (Frame, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal message body: %w", err)
	}
	return Frame{Command: CmdMessage, ID: subID, Destination: destination, Body: data}, nil
}

// NewConnect builds the client side of the handshake.
func NewConnect(token string, outgoing, incoming time.Duration) Frame {
	return Frame{
		Command: CmdConnect,
		Token:   token,
		Heartbeat: &Heartbeat{
			Outgoing: int(outgoing / time.Millisecond),
			Incoming: int(incoming / time.Millisecond),
		},
	}
}

// Envelope is the canonical wrapper for outbound command bodies. The token
// rides alongside the command fields under a dedicated key rather than being
// flattened into them, so command field names can never collide with it.
type Envelope struct {
	Token string          `json:"token,omitempty"`
	Data  json.RawMessage `json:"data"`
}

// Wrap encloses a command payload in an Envelope, omitting the token key
// entirely when no token is set.
func Wrap(token string, payload interface{}) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal command payload: %w", err)
	}
	return Envelope{Token: token, Data: data}, nil
}
