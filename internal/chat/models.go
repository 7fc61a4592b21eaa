package chat

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ConversationStatus represents the lifecycle state of a conversation
type ConversationStatus string

const (
	ConversationActive ConversationStatus = "active"
	ConversationClosed ConversationStatus = "closed"
)

// MessageKind distinguishes the payload type of a message
type MessageKind string

const (
	KindText   MessageKind = "text"
	KindImage  MessageKind = "image"
	KindSystem MessageKind = "system"
)

// MessageSummary is the lazily-attached preview of a conversation's most recent message
type MessageSummary struct {
	Content   string    `json:"content"`
	SenderID  string    `json:"sender_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Conversation is the two-party thread container. OwnerID and CounterpartyID
// are fixed roles assigned at creation; the pair is unique among active rows.
type Conversation struct {
	ID             string             `json:"id"`
	OwnerID        string             `json:"owner_id"`
	CounterpartyID string             `json:"counterparty_id"`
	Status         ConversationStatus `json:"status"`
	LastMessageAt  time.Time          `json:"last_message_at"`
	CreatedAt      time.Time          `json:"created_at"`

	// Computed for the viewing user; never trusted from a raw change payload.
	LastMessage *MessageSummary `json:"last_message,omitempty"`
	UnreadCount int             `json:"unread_count"`
}

// OtherParticipant returns the participant that is not selfID, or "" if
// selfID is not a participant at all.
func (c *Conversation) OtherParticipant(selfID string) string {
	switch selfID {
	case c.OwnerID:
		return c.CounterpartyID
	case c.CounterpartyID:
		return c.OwnerID
	}
	return ""
}

// HasParticipant reports whether userID is one of the two participants.
func (c *Conversation) HasParticipant(userID string) bool {
	return userID == c.OwnerID || userID == c.CounterpartyID
}

// Message is immutable once written, except for ReadAt (set once, never
// cleared) and EditedAt.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	Content        string      `json:"content"`
	Kind           MessageKind `json:"kind"`
	CreatedAt      time.Time   `json:"created_at"`
	EditedAt       *time.Time  `json:"edited_at,omitempty"`
	ReadAt         *time.Time  `json:"read_at,omitempty"`

	// Pending marks an optimistic local echo that the server has not
	// confirmed yet. View-only; never persisted.
	Pending bool `json:"pending,omitempty"`
}

// Before reports whether m sorts before other in (createdAt, id) order.
func (m *Message) Before(other *Message) bool {
	if m.CreatedAt.Equal(other.CreatedAt) {
		return m.ID < other.ID
	}
	return m.CreatedAt.Before(other.CreatedAt)
}

// TypingSignal is the ephemeral broadcast payload on a typing channel.
type TypingSignal struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
	IsTyping       bool   `json:"is_typing"`
}

// ValidateContent rejects empty or whitespace-only message content before
// any network call is made.
func ValidateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return &ValidationError{Field: "content", Reason: "message content is empty"}
	}
	return nil
}

// ValidateID rejects malformed conversation/message ids.
func ValidateID(field, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return &ValidationError{Field: field, Reason: "not a valid id"}
	}
	return nil
}
