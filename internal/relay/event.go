// Package relay defines the payloads exchanged over room subjects and the
// content limits applied to user text before it is relayed.
package relay

import "encoding/json"

// Event types carried on room.<room_id> subjects.
const (
	EventMessage = "message"
	EventTyping  = "typing"
	EventSignal  = "signal"
)

// RoomEvent is the payload published to NATS room.<room_id> subjects for
// real-time communication between paired users.
type RoomEvent struct {
	Type     string          `json:"type"`                // "message", "typing", "signal"
	From     string          `json:"from"`                // sender's connection ID
	Text     string          `json:"text,omitempty"`      // for message events
	IsTyping bool            `json:"is_typing,omitempty"` // for typing events
	Data     json.RawMessage `json:"data,omitempty"`      // opaque WebRTC payload for signal events
	Ts       int64           `json:"ts,omitempty"`        // unix timestamp for messages
}
