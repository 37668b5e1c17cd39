// Package protocol defines the JSON wire format spoken between the avatar
// client and the agent backend.
//
// Every frame, in both directions, is a text frame carrying an Envelope:
//
//	{"type": "<message type>", "data": {...}}
//
// Payload shapes are declared in messages.go. Receivers must treat unknown
// types as a no-op so that newer servers can add message kinds freely.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Server → client message types.
const (
	TypeConnected           = "connected"
	TypeText                = "text"
	TypeThinking            = "thinking"
	TypeTool                = "tool"
	TypeState               = "state"
	TypeEngineState         = "engine_state"
	TypeCost                = "cost"
	TypeError               = "error"
	TypeDiagnostic          = "diagnostic"
	TypeActivity            = "activity"
	TypeChatResponse        = "chat_response"
	TypePong                = "pong"
	TypeHistoryCleared      = "history_cleared"
	TypeInitializing        = "initializing"
	TypeSessionTitleUpdated = "session_title_updated"
	TypePermissionRequest   = "permission_request"
)

// Client → server message types.
const (
	TypeChat               = "chat"
	TypeStop               = "stop"
	TypePing               = "ping"
	TypeClearHistory       = "clear_history"
	TypeSwitch             = "switch"
	TypeResumeSession      = "resume_session"
	TypeNewSession         = "new_session"
	TypePermissionResponse = "permission_response"
)

// ErrMissingType is returned by DecodeEnvelope for frames without a type tag.
var ErrMissingType = errors.New("envelope has no type")

// Envelope wraps every WebSocket message with a type field for routing.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// DecodeEnvelope parses a raw text frame.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, ErrMissingType
	}
	return env, nil
}

// Decode unmarshals the envelope payload into v. An absent payload leaves v
// untouched.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// NewEnvelope builds an envelope from a typed payload. A nil payload is sent
// as an empty object.
func NewEnvelope(msgType string, data any) (Envelope, error) {
	if data == nil {
		return Envelope{Type: msgType, Data: json.RawMessage("{}")}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", msgType, err)
	}
	return Envelope{Type: msgType, Data: raw}, nil
}

// Encode marshals a message ready to be written as a text frame.
func Encode(msgType string, data any) ([]byte, error) {
	env, err := NewEnvelope(msgType, data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}
