package messaging

import (
	"context"

	"nearbuy-chat/internal/models"
	"nearbuy-chat/internal/realtime"
)

// Backend is the part of the REST API the messaging components call.
// *api.Client implements it.
type Backend interface {
	GetOrCreateConversation(ctx context.Context, otherUserID, listingID string) (models.Conversation, error)
	ListConversations(ctx context.Context) ([]models.ConversationSummary, error)
	ListMessages(ctx context.Context, conversationID string) ([]models.Message, error)
	SendMessage(ctx context.Context, conversationID, text string) (models.Message, error)
	MarkRead(ctx context.Context, conversationID string) ([]string, error)
	UnreadCount(ctx context.Context) (models.UnreadSummary, error)
}

// Channel is the handle to the shared real-time connection.
// *realtime.Manager implements it.
type Channel interface {
	Join(ctx context.Context, conversationID string) error
	Leave(ctx context.Context, conversationID string) error
	Emit(ctx context.Context, msg models.WSMessage) error
	IsReady() bool
	Subscribe(event string, fn realtime.Handler) func()
}

// UnreadSink receives messages from other participants.
type UnreadSink interface {
	OnMessageEvent(msg models.Message)
}

// ReadSink receives messages that became read by the current user.
type ReadSink interface {
	OnReadEvent(conversationID string, messageIDs []string)
}

var (
	_ Channel    = (*realtime.Manager)(nil)
	_ UnreadSink = (*Unread)(nil)
	_ ReadSink   = (*Unread)(nil)
)
