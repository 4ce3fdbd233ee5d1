package websocket

import (
	"encoding/json"
	"time"

	"github.com/davidmoltin/bizflow/internal/models"
)

// MessageType represents the type of WebSocket message
type MessageType string

const (
	// MessageTypeSnapshot carries the execution as stored when the stream opens
	MessageTypeSnapshot MessageType = "snapshot"
	// MessageTypeEvent wraps one models.ExecutionEvent
	MessageTypeEvent MessageType = "event"

	// Connection management
	MessageTypePing  MessageType = "ping"
	MessageTypePong  MessageType = "pong"
	MessageTypeError MessageType = "error"
)

// Message represents a WebSocket message
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ErrorData contains error details
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewMessage creates a new message with the current timestamp
func NewMessage(msgType MessageType, data interface{}) (*Message, error) {
	var rawData json.RawMessage
	if data != nil {
		jsonData, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		rawData = jsonData
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Data:      rawData,
	}, nil
}

// ToJSON converts a message to JSON bytes
func (m *Message) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage parses a JSON message
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// isFinal reports whether an event ends the execution's stream
func isFinal(event models.ExecutionEvent) bool {
	switch event.Type {
	case models.EventExecutionCompleted, models.EventExecutionFailed, models.EventExecutionCancelled:
		return true
	}
	return false
}
