package models

import "time"

type Conversation struct {
	ID            string    `json:"id"`
	Participants  []string  `json:"participants"`
	ListingID     string    `json:"listingId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	LastMessageAt time.Time `json:"lastMessageAt,omitempty"`
}

// HasParticipant reports whether userID takes part in the conversation.
func (c Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// OtherParticipant returns the participant that is not userID.
func (c Conversation) OtherParticipant(userID string) string {
	for _, p := range c.Participants {
		if p != userID {
			return p
		}
	}
	return ""
}

// ConversationSummary is a conversation as listed in the inbox.
type ConversationSummary struct {
	Conversation
	OtherUserID string   `json:"otherUserId"`
	LastMessage *Message `json:"lastMessage,omitempty"`
	UnreadCount int      `json:"unreadCount"`
}

// LastActivity is the time used to order the inbox.
func (s ConversationSummary) LastActivity() time.Time {
	if s.LastMessageAt.IsZero() {
		return s.CreatedAt
	}
	return s.LastMessageAt
}

type CreateConversationRequest struct {
	OtherUserID string `json:"otherUserId" validate:"required"`
	ListingID   string `json:"listingId"`
}
