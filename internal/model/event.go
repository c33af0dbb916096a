package model

import (
	"encoding/json"
)

// EventType names a live channel event.
type EventType string

const (
	EventRegister       EventType = "register"
	EventAdminMessage   EventType = "admin-message"
	EventReceiveMessage EventType = "receive-message"
	EventRegistered     EventType = "registered"
	EventError          EventType = "error"
)

// Envelope is the frame exchanged over the live channel.
type Envelope struct {
	Event EventType       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into an envelope for the given event.
func NewEnvelope(event EventType, data any) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Envelope{Event: event, Data: raw}, nil
}

// RegisterEvent announces the identity behind a connection.
type RegisterEvent struct {
	UserID string `json:"userId"`
}

// RegisteredEvent acknowledges a register event.
type RegisteredEvent struct {
	UserID       string `json:"userId"`
	ConnectionID string `json:"connectionId"`
}

// AdminMessageEvent is a client-issued message intent.
type AdminMessageEvent struct {
	To             string `json:"to,omitempty"`
	Group          string `json:"group,omitempty"`
	Message        string `json:"message"`
	ConversationID string `json:"conversationId,omitempty"`
	ClientID       string `json:"clientId,omitempty"`
}

// ErrorEvent represents an error pushed to a client.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
