package middleware

import (
	"errors"
	"unicode/utf8"

	"github.com/accreditation-portal/messaging/internal/model"
)

// ValidateMessageContent validates message content.
func ValidateMessageContent(content string) error {
	if len(content) == 0 {
		return errors.New("message cannot be empty")
	}
	if len(content) > 100000 { // ~100KB limit
		return errors.New("message exceeds maximum length")
	}
	if !utf8.ValidString(content) {
		return errors.New("message must be valid UTF-8")
	}
	return nil
}

// ValidateConversationID validates a conversation ID.
func ValidateConversationID(id string) error {
	if len(id) > 256 {
		return model.ErrInvalidConversationID
	}
	_, err := model.ParseConversationID(id)
	return err
}

// ValidateUserID validates a user or group identifier.
func ValidateUserID(id string) error {
	if len(id) == 0 {
		return errors.New("recipient_id cannot be empty")
	}
	if len(id) > 128 {
		return errors.New("recipient_id exceeds maximum length")
	}
	for _, r := range id {
		if r == ':' || r < 0x20 {
			return errors.New("recipient_id contains invalid characters")
		}
	}
	return nil
}

// ValidateRecipientType validates the send type.
func ValidateRecipientType(t model.RecipientType) error {
	switch t {
	case model.RecipientUser, model.RecipientGroup:
		return nil
	}
	return errors.New(`type must be "user" or "group"`)
}
