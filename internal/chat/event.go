package chat

import (
	"encoding/json"
	"fmt"
)

// Action identifies the kind of a broadcast event.
type Action string

// Broadcast actions understood by the browser client.
const (
	ActionConnect    Action = "connect"
	ActionDisconnect Action = "disconnect"
	ActionSend       Action = "send"
	ActionRegister   Action = "register"
)

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionConnect, ActionDisconnect, ActionSend, ActionRegister:
		return true
	}
	return false
}

// Event is the payload delivered identically to every live connection.
type Event struct {
	Action   Action `json:"action"`
	Username string `json:"username"`
	Text     string `json:"text,omitempty"`
}

// ConnectEvent announces that username opened a connection.
func ConnectEvent(username string) Event {
	return Event{Action: ActionConnect, Username: username}
}

// DisconnectEvent announces that one of username's connections closed.
func DisconnectEvent(username string) Event {
	return Event{Action: ActionDisconnect, Username: username}
}

// SendEvent carries a chat message written by username.
func SendEvent(username, text string) Event {
	return Event{Action: ActionSend, Username: username, Text: text}
}

// RegisterEvent announces a newly registered user.
func RegisterEvent(username string) Event {
	return Event{Action: ActionRegister, Username: username}
}

// Encode returns the wire form of the event.
func (e Event) Encode() ([]byte, error) {
	if !e.Action.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, e.Action)
	}
	return json.Marshal(e)
}

// DecodeEvent parses the wire form produced by Encode.
func DecodeEvent(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if !e.Action.Valid() {
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownAction, e.Action)
	}
	return e, nil
}
