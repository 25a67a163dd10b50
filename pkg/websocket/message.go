// Package websocket provides the gateway's WebSocket message envelope and action routing.
package websocket

import (
	"encoding/json"
	"time"
)

// MessageType represents the type of WebSocket message
type MessageType string

const (
	MessageTypeRequest      MessageType = "request"
	MessageTypeResponse     MessageType = "response"
	MessageTypeNotification MessageType = "notification"
	MessageTypeError        MessageType = "error"
)

// Message is the envelope for all WebSocket messages
type Message struct {
	ID        string          `json:"id,omitempty"`
	Type      MessageType     `json:"type"`
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ErrorPayload represents an error response payload
type ErrorPayload struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func newMessage(id string, typ MessageType, action string, payload any) (*Message, error) {
	var data json.RawMessage
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		data = p
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		data = b
	}
	return &Message{
		ID:        id,
		Type:      typ,
		Action:    action,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewRequest creates a request message
func NewRequest(id, action string, payload any) (*Message, error) {
	return newMessage(id, MessageTypeRequest, action, payload)
}

// NewResponse creates a response message
func NewResponse(id, action string, payload any) (*Message, error) {
	return newMessage(id, MessageTypeResponse, action, payload)
}

// NewNotification creates a server push notification. A json.RawMessage payload
// is forwarded unchanged.
func NewNotification(action string, payload any) (*Message, error) {
	return newMessage("", MessageTypeNotification, action, payload)
}

// NewError creates an error response message
func NewError(id, action, code, message string, details map[string]any) (*Message, error) {
	return newMessage(id, MessageTypeError, action, ErrorPayload{
		Code:    code,
		Message: message,
		Details: details,
	})
}

// ParsePayload parses the payload into v. An empty payload leaves v untouched.
func (m *Message) ParsePayload(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}
