package store

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Message is immutable once stored; conversations only ever append.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type ChatHistoryItem struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	Title      string    `json:"title"`
	Messages   []Message `json:"messages"`
	Model      string    `json:"model"`
	IsPinned   bool      `json:"isPinned"`
	IsArchived bool      `json:"isArchived"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

type PreferenceType string

const (
	PreferenceGood PreferenceType = "good"
	PreferenceBad  PreferenceType = "bad"
)

// PreferenceEntry is a thumbs-up/down on an assistant message.
type PreferenceEntry struct {
	ID        string         `json:"id"`
	MessageID string         `json:"messageId"`
	Type      PreferenceType `json:"type"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
}

type ConnectedModel struct {
	Provider    string    `json:"provider"`
	ModelID     string    `json:"modelId"`
	ConnectedAt time.Time `json:"connectedAt"`
}

type ModelConfig struct {
	Temperature  float64 `json:"temperature"`
	MaxTokens    int     `json:"maxTokens"`
	SystemPrompt string  `json:"systemPrompt,omitempty"`
}
