package model

import (
	"errors"
	"strings"
)

const (
	directPrefix = "dm:"
	groupPrefix  = "group:"
)

// ErrInvalidConversationID is returned for ids that are neither direct nor group.
var ErrInvalidConversationID = errors.New("invalid conversation ID format")

// ConversationKind distinguishes direct from group conversations.
type ConversationKind int

const (
	ConversationDirect ConversationKind = iota
	ConversationGroup
)

// ConversationRef is a parsed conversation id.
type ConversationRef struct {
	Kind ConversationKind
	// Participants holds both user ids of a direct conversation, sorted.
	Participants [2]string
	// Group holds the tag of a group conversation.
	Group string
}

// DirectConversationID returns the id shared by both sides of a direct conversation.
func DirectConversationID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return directPrefix + a + ":" + b
}

// GroupConversationID returns the id of a group conversation.
func GroupConversationID(tag string) string {
	return groupPrefix + tag
}

// ParseConversationID splits a conversation id into its parts.
func ParseConversationID(id string) (ConversationRef, error) {
	switch {
	case strings.HasPrefix(id, directPrefix):
		parts := strings.Split(strings.TrimPrefix(id, directPrefix), ":")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" || parts[1] < parts[0] {
			return ConversationRef{}, ErrInvalidConversationID
		}
		return ConversationRef{Kind: ConversationDirect, Participants: [2]string{parts[0], parts[1]}}, nil
	case strings.HasPrefix(id, groupPrefix):
		tag := strings.TrimPrefix(id, groupPrefix)
		if tag == "" || strings.Contains(tag, ":") {
			return ConversationRef{}, ErrInvalidConversationID
		}
		return ConversationRef{Kind: ConversationGroup, Group: tag}, nil
	}
	return ConversationRef{}, ErrInvalidConversationID
}

// Includes reports whether userID is one side of a direct conversation.
func (r ConversationRef) Includes(userID string) bool {
	return r.Kind == ConversationDirect && (r.Participants[0] == userID || r.Participants[1] == userID)
}
