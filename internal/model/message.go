// Package model defines data structures for the portal messaging core.
package model

import (
	"errors"
	"time"
)

// ErrInvalidIntent is returned when a message intent names neither or both
// of a recipient and a group.
var ErrInvalidIntent = errors.New("intent must target exactly one of recipient or group")

// ErrForbidden is returned when the caller may not post to or read a conversation.
var ErrForbidden = errors.New("forbidden")

// RecipientType selects direct or group delivery on the send endpoint.
type RecipientType string

const (
	RecipientUser  RecipientType = "user"
	RecipientGroup RecipientType = "group"
)

// Connection binds a user to one live transport session.
type Connection struct {
	UserID       string `json:"user_id"`
	ConnectionID string `json:"connection_id"`
}

// MessageIntent is a request to deliver a message live.
// Exactly one of RecipientID and GroupTag is set.
type MessageIntent struct {
	SenderID       string
	SenderName     string
	// SenderRole is used for authorization only and never leaves the node.
	SenderRole     string
	RecipientID    string
	GroupTag       string
	Body           string
	ConversationID string
	ClientID       string
}

// IsGroup reports whether the intent is group-addressed.
func (i *MessageIntent) IsGroup() bool {
	return i.GroupTag != ""
}

// Validate checks the direct/group exclusivity rule.
func (i *MessageIntent) Validate() error {
	if (i.RecipientID == "") == (i.GroupTag == "") {
		return ErrInvalidIntent
	}
	return nil
}

// Delivered builds the wire payload pushed to recipients.
func (i *MessageIntent) Delivered() *DeliveredMessage {
	return &DeliveredMessage{
		From:           i.SenderID,
		FromName:       i.SenderName,
		Message:        i.Body,
		ConversationID: i.ConversationID,
		Group:          i.GroupTag,
		ClientID:       i.ClientID,
	}
}

// DeliveredMessage is the payload of a receive-message push.
// It carries no server timestamp; receivers stamp it on arrival.
type DeliveredMessage struct {
	From           string `json:"from"`
	FromName       string `json:"fromName,omitempty"`
	Message        string `json:"message"`
	ConversationID string `json:"conversationId,omitempty"`
	Group          string `json:"group,omitempty"`
	ClientID       string `json:"clientId,omitempty"`
}

// PersistedMessage is a message as recorded by the conversation store.
type PersistedMessage struct {
	ID             string    `json:"id"`
	SenderID       string    `json:"sender_id"`
	SenderName     string    `json:"sender_name"`
	Message        string    `json:"message"`
	CreatedAt      time.Time `json:"created_at"`
	ConversationID string    `json:"conversation_id"`
	ClientID       string    `json:"client_id,omitempty"`

	// Stream sequence, populated on read
	Sequence uint64 `json:"sequence,omitempty"`
}

// SendMessageRequest is the body of POST /api/v1/messages.
type SendMessageRequest struct {
	RecipientID string        `json:"recipient_id"`
	Message     string        `json:"message"`
	Type        RecipientType `json:"type"`
	ClientID    string        `json:"client_id,omitempty"`
}

// SendMessageResponse is the response after sending a message.
type SendMessageResponse struct {
	Message *PersistedMessage `json:"message"`
}

// ListMessagesResponse is the response for a history fetch.
type ListMessagesResponse struct {
	Messages []PersistedMessage `json:"messages"`
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error      string `json:"error"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// PresenceResponse lists the users that currently hold a live connection.
type PresenceResponse struct {
	Users []string `json:"users"`
}
