// Package protocol defines the WebSocket message types and structures used
// for communication between the client and server. All messages are
// serialized as JSON and follow a consistent envelope format with a type
// discriminator. Malformed or unknown payloads are rejected, never trusted.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Call modes.
const (
	ModeText  = "text"
	ModeAudio = "audio"
)

// Gender values carried by find_match. "both" means no filter.
const (
	GenderMale   = "male"
	GenderFemale = "female"
	GenderBoth   = "both"
)

// Client -> Server message types.
const (
	TypeFindMatch     = "find_match"
	TypeCancelMatch   = "cancel_match"
	TypeSkip          = "skip"
	TypeMessage       = "message"
	TypeTyping        = "typing"
	TypeSignal        = "signal"
	TypeEndCall       = "end_call"
	TypeVerifyPayment = "verify_payment"
	TypeCheckPremium  = "check_premium"
	TypePing          = "ping"
)

// Server -> Client message types.
const (
	TypeSessionCreated  = "session_created"
	TypeMatchingStarted = "matching_started"
	TypeMatchFound      = "match_found"
	TypeSessionEnded    = "session_ended"
	TypeLimitReached    = "limit_reached"
	TypePaymentRequired = "payment_required"
	TypePremiumVerified = "premium_verified"
	TypePremiumInvalid  = "premium_invalid"
	TypeStats           = "stats"
	TypeRateLimited     = "rate_limited"
	TypeError           = "error"
	TypePong            = "pong"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// FindMatchMsg is sent by the client to request a partner. Gender is the
// requester's own gender; LookingFor is the target filter and requires
// premium unless it is "both" (or empty, treated the same).
type FindMatchMsg struct {
	Type       string `json:"type"`
	Interest   string `json:"interest"`
	Mode       string `json:"mode"`
	Gender     string `json:"gender,omitempty"`
	LookingFor string `json:"looking_for,omitempty"`
}

// CancelMatchMsg is sent by the client to leave the matching queues.
type CancelMatchMsg struct {
	Type string `json:"type"`
}

// SkipMsg ends the current session (if any) and releases the sender back to
// idle. The client follows up with a fresh find_match to search again.
type SkipMsg struct {
	Type string `json:"type"`
}

// ChatMsg is a text message sent by the client within a session.
type ChatMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
	Text   string `json:"text"`
}

// TypingMsg indicates whether the client is currently typing.
type TypingMsg struct {
	Type     string `json:"type"`
	RoomID   string `json:"room_id"`
	IsTyping bool   `json:"is_typing"`
}

// SignalMsg carries opaque WebRTC signaling (offer/answer/ICE) relayed
// verbatim to the partner. The server never inspects Data.
type SignalMsg struct {
	Type   string          `json:"type"`
	RoomID string          `json:"room_id"`
	Data   json.RawMessage `json:"data"`
}

// EndCallMsg is sent by the client to end its active session.
type EndCallMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// VerifyPaymentMsg is sent after the client completed an external payment
// flow; the server confirms capture with the provider and activates premium.
type VerifyPaymentMsg struct {
	Type       string `json:"type"`
	PaymentRef string `json:"payment_ref"`
}

// CheckPremiumMsg asks the server to re-verify a previously issued premium
// token. Token may be empty if local storage lost it; verification then
// falls back to the stable session ID alone.
type CheckPremiumMsg struct {
	Type  string `json:"type"`
	Token string `json:"token,omitempty"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionCreatedMsg is sent by the server when a connection is established.
// SessionID is the stable anonymous identity; ConnectionID identifies this
// network link only.
type SessionCreatedMsg struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id"`
	SessionID    string `json:"session_id"`
}

// MatchingStartedMsg confirms the client has entered the matching queue.
type MatchingStartedMsg struct {
	Type     string `json:"type"`
	Interest string `json:"interest"`
}

// MatchFoundMsg is sent when a compatible partner has been found. Role is
// "caller" or "callee"; the caller initiates the WebRTC offer in audio mode.
type MatchFoundMsg struct {
	Type      string `json:"type"`
	RoomID    string `json:"room_id"`
	Role      string `json:"role"`
	PartnerID string `json:"partner_id"`
	Interest  string `json:"interest"`
	Mode      string `json:"mode"`
}

// SessionEndedMsg is sent when a session terminates for any reason:
// "timeout", "skipped", "disconnect", or "ended".
type SessionEndedMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
	Reason string `json:"reason"`
}

// LimitReachedMsg is sent when a non-premium user exhausted the daily
// free-match allowance.
type LimitReachedMsg struct {
	Type       string `json:"type"`
	DailyLimit int    `json:"daily_limit"`
}

// PaymentRequiredMsg is sent when a request needs premium entitlement the
// user does not hold (gender-filtered matching).
type PaymentRequiredMsg struct {
	Type    string `json:"type"`
	Feature string `json:"feature"`
}

// PremiumVerifiedMsg confirms premium entitlement with its expiry.
type PremiumVerifiedMsg struct {
	Type             string `json:"type"`
	Token            string `json:"token,omitempty"`
	RemainingSeconds int    `json:"remaining_seconds"`
}

// PremiumInvalidMsg is sent when a token failed verification or expired.
type PremiumInvalidMsg struct {
	Type string `json:"type"`
}

// ServerChatMsg is a text message relayed from the partner by the server.
type ServerChatMsg struct {
	Type string `json:"type"`
	From string `json:"from"`
	Text string `json:"text"`
	Ts   int64  `json:"ts"`
}

// ServerTypingMsg relays the partner's typing indicator to the client.
type ServerTypingMsg struct {
	Type     string `json:"type"`
	IsTyping bool   `json:"is_typing"`
}

// ServerSignalMsg relays the partner's opaque signaling payload.
type ServerSignalMsg struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// StatsMsg carries advisory process-wide counters to the client.
type StatsMsg struct {
	Type         string `json:"type"`
	Online       int    `json:"online"`
	TotalMatches int64  `json:"total_matches"`
}

// RateLimitedMsg is sent by the server when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeFindMatch:
		var m FindMatchMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCancelMatch:
		var m CancelMatchMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSkip:
		var m SkipMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessage:
		var m ChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSignal:
		var m SignalMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeEndCall:
		var m EndCallMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeVerifyPayment:
		var m VerifyPaymentMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCheckPremium:
		var m CheckPremiumMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
