package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Message represents an individual entry within a conversation. A message is first created locally under a
// temporary id and later bound to the id assigned by the server; see IsTemporaryID.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"chat_id,omitempty"`
	Role           Role         `json:"role"`
	Content        string       `json:"content"`
	CreatedAt      time.Time    `json:"created_at"`
	Status         Status       `json:"status,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`

	// ClientID is the temporary id the message was submitted under. Servers that echo it back allow the
	// client to correlate optimistic records without comparing content.
	ClientID string `json:"client_id,omitempty"`
}

// Attachment references a file that was uploaded to a storage provider before the message was sent.
type Attachment struct {
	FileName string `json:"file_name"`
	FileType string `json:"file_type"`
	FileSize int64  `json:"file_size"`
	FileURL  string `json:"file_url"`
	MimeType string `json:"mime_type"`
}

// Role represents the role of a message participant.
type Role string

// Status represents the generation state of an assistant message.
type Status string

const (
	// RoleUser represents a user message.
	RoleUser Role = "user"
	// RoleAssistant represents an assistant message.
	RoleAssistant Role = "assistant"

	// StatusThinking is the status of an assistant message that has no content yet.
	StatusThinking Status = "thinking"
	// StatusProcessing is the status of an assistant message that is receiving content.
	StatusProcessing Status = "processing"
	// StatusComplete is the terminal status of a fully generated assistant message.
	StatusComplete Status = "complete"
	// StatusError is the terminal status of an assistant message whose generation failed.
	StatusError Status = "error"
)

const (
	// TempUserPrefix prefixes the ids of optimistic user messages.
	TempUserPrefix = "temp-user-"
	// TempAssistantPrefix prefixes the ids of optimistic assistant placeholders.
	TempAssistantPrefix = "temp-ai-"

	// PlaceholderContent is the content an assistant placeholder carries until the first delta arrives.
	PlaceholderContent = "..."
)

// NewTempID returns a fresh temporary id in the namespace of the given role.
func NewTempID(role Role) string {
	if role == RoleUser {
		return TempUserPrefix + uuid.NewString()
	}
	return TempAssistantPrefix + uuid.NewString()
}

// IsTemporaryID reports whether id was generated locally and has not been resolved to a server id.
func IsTemporaryID(id string) bool {
	return strings.HasPrefix(id, TempUserPrefix) || strings.HasPrefix(id, TempAssistantPrefix)
}

// IsTemporary reports whether the message still carries a temporary id.
func (m Message) IsTemporary() bool {
	return IsTemporaryID(m.ID)
}

// ParseStatus maps the status vocabulary used on the wire to a Status. Besides the canonical values it
// accepts the vocabulary of backends that report "completed", "failed", "pending" or "queued".
func ParseStatus(s string) Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "thinking", "pending", "queued":
		return StatusThinking
	case "processing", "streaming":
		return StatusProcessing
	case "complete", "completed", "done":
		return StatusComplete
	case "error", "failed", "skipped":
		return StatusError
	default:
		return ""
	}
}

// Terminal reports whether s ends an assistant turn.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusError
}
