package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectConversationID_IsSymmetric(t *testing.T) {
	assert.Equal(t, DirectConversationID("bob", "alice"), DirectConversationID("alice", "bob"))
	assert.Equal(t, "dm:alice:bob", DirectConversationID("bob", "alice"))
}

func TestParseConversationID(t *testing.T) {
	ref, err := ParseConversationID("dm:alice:bob")
	require.NoError(t, err)
	assert.Equal(t, ConversationDirect, ref.Kind)
	assert.True(t, ref.Includes("alice"))
	assert.True(t, ref.Includes("bob"))
	assert.False(t, ref.Includes("carol"))

	ref, err = ParseConversationID(GroupConversationID("evaluators"))
	require.NoError(t, err)
	assert.Equal(t, ConversationGroup, ref.Kind)
	assert.Equal(t, "evaluators", ref.Group)
	assert.False(t, ref.Includes("evaluators"))

	for _, bad := range []string{"", "dm:", "dm:alice", "dm:bob:alice", "dm:a:b:c", "group:", "group:a:b", "room:x"} {
		_, err := ParseConversationID(bad)
		assert.ErrorIs(t, err, ErrInvalidConversationID, bad)
	}
}

func TestMessageIntent_Validate(t *testing.T) {
	assert.NoError(t, (&MessageIntent{RecipientID: "x"}).Validate())
	assert.NoError(t, (&MessageIntent{GroupTag: "g"}).Validate())
	assert.ErrorIs(t, (&MessageIntent{}).Validate(), ErrInvalidIntent)
	assert.ErrorIs(t, (&MessageIntent{RecipientID: "x", GroupTag: "g"}).Validate(), ErrInvalidIntent)
}

func TestMessageIntent_Delivered(t *testing.T) {
	intent := &MessageIntent{
		SenderID:       "admin",
		SenderName:     "Registrar",
		GroupTag:       "schools",
		Body:           "hi",
		ConversationID: "group:schools",
		ClientID:       "c-1",
	}

	assert.Equal(t, &DeliveredMessage{
		From:           "admin",
		FromName:       "Registrar",
		Message:        "hi",
		ConversationID: "group:schools",
		Group:          "schools",
		ClientID:       "c-1",
	}, intent.Delivered())
}
