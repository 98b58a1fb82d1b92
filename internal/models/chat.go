package models

import (
	"errors"
	"time"
)

// ConversationSummary is the lightweight, denormalized view of a conversation shown in conversation
// lists. It is derived from message mutations and is never the source of truth for message content.
type ConversationSummary struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	MessageCount  int       `json:"message_count"`
	CreatedAt     time.Time `json:"created_at"`
	LastMessageAt time.Time `json:"last_message_at"`
	ModelUsed     string    `json:"model_used,omitempty"`
	Archived      bool      `json:"is_archived"`
	Pinned        bool      `json:"is_pinned"`
}

// User is the authenticated principal a session acts for.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	Token string `json:"-"`
}

// TitleMaxLen is the number of characters of the first message kept when deriving a conversation title.
const TitleMaxLen = 50

// DefaultTitle is used when no title could be derived.
const DefaultTitle = "New Chat"

// TitleFromMessage derives a conversation title from its first message.
func TitleFromMessage(content string) string {
	r := []rune(content)
	if len(r) == 0 {
		return DefaultTitle
	}
	if len(r) > TitleMaxLen {
		return string(r[:TitleMaxLen]) + "..."
	}
	return content
}

// ErrNotFound is returned by stores when a conversation or message does not exist.
var ErrNotFound = errors.New("not found")
