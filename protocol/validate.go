package protocol

import (
	"encoding/json"
	"fmt"
)

// validClientCommands is the set of allowed client→broker frame commands.
var validClientCommands = map[string]bool{
	CmdConnect:     true,
	CmdSubscribe:   true,
	CmdUnsubscribe: true,
	CmdSend:        true,
}

// ParseClientFrame decodes and validates a raw frame received from a client.
// Returns the parsed Frame and any validation error.
func ParseClientFrame(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if f.Command == "" {
		return nil, fmt.Errorf("missing 'command' field")
	}

	if !validClientCommands[f.Command] {
		return nil, fmt.Errorf("unknown frame command: %s", f.Command)
	}

	switch f.Command {
	case CmdSubscribe:
		if f.ID == "" {
			return nil, fmt.Errorf("SUBSCRIBE frame missing 'id'")
		}
		if f.Destination == "" {
			return nil, fmt.Errorf("SUBSCRIBE frame missing 'destination'")
		}

	case CmdUnsubscribe:
		if f.ID == "" {
			return nil, fmt.Errorf("UNSUBSCRIBE frame missing 'id'")
		}

	case CmdSend:
		if f.Destination == "" {
			return nil, fmt.Errorf("SEND frame missing 'destination'")
		}
		if len(f.Body) == 0 {
			return nil, fmt.Errorf("SEND frame missing 'body'")
		}
	}

	return &f, nil
}
