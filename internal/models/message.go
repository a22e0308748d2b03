package models

import (
	"strings"
	"time"
)

type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"createdAt"`
	Read           bool      `json:"read"`
}

// Before reports whether m sorts ahead of o: creation time first, then ID.
func (m Message) Before(o Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}

// UnreadFor reports whether the message counts as unread for userID.
func (m Message) UnreadFor(userID string) bool {
	return !m.Read && m.SenderID != userID
}

// NormalizeText trims the body; an empty result means the message is invalid.
func NormalizeText(text string) string {
	return strings.TrimSpace(text)
}

type SendMessageRequest struct {
	Text string `json:"text" validate:"required"`
}

type MarkReadResponse struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
}

// UnreadSummary is the backend's view of unread messages for the caller.
type UnreadSummary struct {
	Total          int            `json:"count"`
	ByConversation map[string]int `json:"conversations,omitempty"`
}
