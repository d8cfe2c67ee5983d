package models

import (
	"context"
	"errors"
)

// Role tags who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ErrMessageNotFound is returned when saving a message whose ID has no row.
var ErrMessageNotFound = errors.New("message not found")

// Message is a single turn in a conversation. ID is zero until the message
// has been persisted.
type Message struct {
	ID             int64  `json:"id"`
	ConversationID int64  `json:"conversation_id"`
	Role           Role   `json:"role"`
	Content        string `json:"content"`
}

// IsNew reports whether the message still needs to be inserted.
func (m *Message) IsNew() bool {
	return m.ID == 0
}

// ChatMessage drops storage identifiers, leaving the pair the model sees.
func (m Message) ChatMessage() ChatMessage {
	return ChatMessage{Role: m.Role, Content: m.Content}
}

// ChatMessage is the role/content pair exchanged with the inference service.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatMessages converts a window of stored messages, preserving order.
func ChatMessages(msgs []Message) []ChatMessage {
	out := make([]ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ChatMessage())
	}
	return out
}

type HistoryRepository interface {
	// Save inserts a new message and assigns its ID, or overwrites the row
	// matching an existing ID. The write is committed before Save returns.
	Save(ctx context.Context, msg *Message) (*Message, error)

	// FetchLastN returns the n most recent messages of a conversation,
	// oldest first.
	FetchLastN(ctx context.Context, conversationID int64, n int) ([]Message, error)

	// DeleteAllForConversation removes every message of a conversation.
	// Deleting an empty conversation is not an error.
	DeleteAllForConversation(ctx context.Context, conversationID int64) error
}
