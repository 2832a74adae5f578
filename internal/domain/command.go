package domain

import (
	"encoding/json"
	"strings"
)

// CommandKind tags an inbound observer command.
type CommandKind string

const CommandSendMessage CommandKind = "message"

// Command is a request submitted by an observer.
type Command struct {
	Type    CommandKind `json:"type"`
	Text    string      `json:"text"`
	ReplyID string      `json:"reply_id,omitempty"`
	Service string      `json:"service,omitempty"`
}

// ParseCommand decodes and checks an observer payload.
// Anything that is not a well-formed command yields a *MalformedInputError.
func ParseCommand(data []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Command{}, &MalformedInputError{Reason: "invalid JSON", Err: err}
	}

	switch cmd.Type {
	case "":
		return Command{}, &MalformedInputError{Reason: "missing type"}
	case CommandSendMessage:
		if strings.TrimSpace(cmd.Text) == "" {
			return Command{}, &MalformedInputError{Reason: "message text is empty"}
		}
		return cmd, nil
	default:
		return Command{}, &MalformedInputError{Reason: "unknown command type " + string(cmd.Type)}
	}
}

// Notice is an out-of-band record sent to a single observer.
type Notice struct {
	Type      string         `json:"type"`
	Message   string         `json:"message"`
	ErrorType string         `json:"error_type,omitempty"`
	ReplyID   string         `json:"reply_id,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
}
