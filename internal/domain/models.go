// Package domain holds the conversation types shared by the store, the
// reconciliation layer and the HTTP API.
package domain

import "time"

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// DefaultTitle is the title of a conversation before its first reply is committed.
const DefaultTitle = "New Chat"

// DefaultMaxTokens is used for catalog entries that do not report a context length.
const DefaultMaxTokens = 4096

// Conversation is an ordered sequence of messages owned by one user.
type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is a single turn of a conversation.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversation_id"`
	Role           Role         `json:"role"`
	Content        string       `json:"content"`
	CreatedAt      time.Time    `json:"created_at"`
	Attachments    []Attachment `json:"attachments,omitempty"`
}

// Attachment is a file uploaded with a user message. Content holds the text
// extracted at upload time and is empty when nothing could be extracted.
type Attachment struct {
	ID        string `json:"id"`
	MessageID string `json:"message_id"`
	Name      string `json:"name"`
	MimeType  string `json:"mime_type"`
	Size      int64  `json:"size"`
	Content   string `json:"content,omitempty"`
	URL       string `json:"url,omitempty"`
}

// ModelInfo is one entry of the provider's model catalog.
type ModelInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	MaxTokens int    `json:"max_tokens"`
}
