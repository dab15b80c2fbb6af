// Package wire defines the message types exchanged with observers over the
// WebSocket channel and with API callers over HTTP. All messages are JSON
// with a consistent envelope carrying a type discriminator.
package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Server -> observer lifecycle event types.
const (
	TypePairingCode      = "pairing_code"
	TypeConnectionStatus = "connection_status"
	TypeSessionReady     = "session_ready"
	TypeError            = "error"
)

// Observer -> server message types.
const (
	TypePing = "ping"
)

// Server -> observer keepalive reply.
const (
	TypePong = "pong"
)

// Connection status values carried by connection_status events.
const (
	StatusInitializing = "initializing"
	StatusConnecting   = "connecting"
	StatusReconnecting = "reconnecting"
	StatusConnected    = "connected"
	StatusLoggedOut    = "logged_out"
)

// ---------------------------------------------------------------------------
// Lifecycle events
// ---------------------------------------------------------------------------

// Event is one session lifecycle event, broadcast to every connected
// observer. Exactly one of Code, Status, or Message is populated depending
// on Type; Identifier and Ts are always set.
type Event struct {
	Type       string `json:"type"`
	Identifier string `json:"identifier"`
	Code       string `json:"code,omitempty"`
	Status     string `json:"status,omitempty"`
	Message    string `json:"message,omitempty"`
	Ts         int64  `json:"ts"`
}

// NewPairingCode builds a pairing_code event.
func NewPairingCode(identifier, code string) Event {
	return Event{Type: TypePairingCode, Identifier: identifier, Code: code, Ts: now()}
}

// NewConnectionStatus builds a connection_status event.
func NewConnectionStatus(identifier, status string) Event {
	return Event{Type: TypeConnectionStatus, Identifier: identifier, Status: status, Ts: now()}
}

// NewSessionReady builds a session_ready event.
func NewSessionReady(identifier, message string) Event {
	return Event{Type: TypeSessionReady, Identifier: identifier, Message: message, Ts: now()}
}

// NewError builds an error event.
func NewError(identifier, message string) Event {
	return Event{Type: TypeError, Identifier: identifier, Message: message, Ts: now()}
}

func now() int64 { return time.Now().Unix() }

// EncodeEvent serializes an event for the observer channel.
func EncodeEvent(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("wire: encode %s event: %w", ev.Type, err)
	}
	return data, nil
}

// ---------------------------------------------------------------------------
// Observer -> server messages
// ---------------------------------------------------------------------------

// Envelope extracts the type discriminator from an inbound observer frame.
type Envelope struct {
	Type string `json:"type"`
}

// ParseObserverMessage decodes an inbound observer frame and returns its
// type. Observers only ever send keepalives; anything else is rejected.
func ParseObserverMessage(data []byte) (string, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("wire: parse observer message: %w", err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("wire: missing or empty \"type\" field")
	}
	if env.Type != TypePing {
		return env.Type, fmt.Errorf("wire: unsupported observer message type %q", env.Type)
	}
	return env.Type, nil
}

// PongMsg replies to an observer ping.
type PongMsg struct {
	Type string `json:"type"`
}

// NewPong encodes a pong reply.
func NewPong() []byte {
	data, _ := json.Marshal(PongMsg{Type: TypePong})
	return data
}

// ---------------------------------------------------------------------------
// HTTP API messages
// ---------------------------------------------------------------------------

// CreateSessionRequest is the POST /sessions body.
type CreateSessionRequest struct {
	Identifier string `json:"identifier"`
}

// CreateSessionResponse is the POST /sessions reply.
type CreateSessionResponse struct {
	Accepted   bool   `json:"accepted"`
	Identifier string `json:"identifier,omitempty"`
	Error      string `json:"error,omitempty"`
}

// SessionInfo is one entry in the GET /sessions listing.
type SessionInfo struct {
	Identifier string `json:"identifier"`
	Connected  bool   `json:"connected"`
}

// HealthResponse is the GET /health reply.
type HealthResponse struct {
	Status             string `json:"status"`
	ActiveSessionCount int    `json:"active_session_count"`
	Timestamp          string `json:"timestamp"`
	Uptime             string `json:"uptime"`
}

// RateLimitedResponse is returned with HTTP 429 when session creation is
// throttled for an identifier.
type RateLimitedResponse struct {
	Error      string `json:"error"`
	RetryAfter int    `json:"retry_after"`
}
