// Package websocket defines the wire protocol spoken over the relay's
// WebSocket endpoint: the request/response envelope, the push frame shape
// and the action dispatcher that routes inbound messages.
package websocket

import (
	"encoding/json"
	"time"
)

// MessageType distinguishes the four envelope kinds on the wire.
type MessageType string

const (
	MessageTypeRequest      MessageType = "request"
	MessageTypeResponse     MessageType = "response"
	MessageTypeNotification MessageType = "notification"
	MessageTypeError        MessageType = "error"
)

// Message is the base envelope for client requests and their responses.
type Message struct {
	ID        string          `json:"id,omitempty"`
	Type      MessageType     `json:"type"`
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Frame is the flat server-push shape used for session stream events and
// broadcast notifications: {type, data, timestamp}.
type Frame struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewFrame builds a push frame stamped with the current UTC time.
func NewFrame(eventType string, data interface{}) *Frame {
	return &Frame{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// Marshal encodes the frame for the wire.
func (f *Frame) Marshal() ([]byte, error) {
	return json.Marshal(f)
}

// ErrorPayload is the payload carried by MessageTypeError envelopes.
type ErrorPayload struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func newMessage(id string, msgType MessageType, action string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:        id,
		Type:      msgType,
		Action:    action,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewRequest builds a client-to-server request envelope.
func NewRequest(id, action string, payload interface{}) (*Message, error) {
	return newMessage(id, MessageTypeRequest, action, payload)
}

// NewResponse builds the reply to a request, echoing its id.
func NewResponse(id, action string, payload interface{}) (*Message, error) {
	return newMessage(id, MessageTypeResponse, action, payload)
}

// NewNotification builds an unsolicited server push, which carries no id.
func NewNotification(action string, payload interface{}) (*Message, error) {
	return newMessage("", MessageTypeNotification, action, payload)
}

// NewError builds an error reply for the given request id.
func NewError(id, action, code, message string, details map[string]interface{}) (*Message, error) {
	return newMessage(id, MessageTypeError, action, ErrorPayload{
		Code:    code,
		Message: message,
		Details: details,
	})
}

// ParseMessage decodes an inbound wire message.
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ParsePayload unmarshals the payload into v. A missing payload is not an
// error; v is left untouched.
func (m *Message) ParsePayload(v interface{}) error {
	if m.Payload == nil {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}
