package messaging

import (
	"context"
	"errors"
	"sync"
	"time"

	"nearbuy-chat/internal/models"
	"nearbuy-chat/internal/realtime"
)

var errBackend = errors.New("backend unavailable")

type fakeBackend struct {
	getOrCreateConversation func(ctx context.Context, otherUserID, listingID string) (models.Conversation, error)
	listConversations       func(ctx context.Context) ([]models.ConversationSummary, error)
	listMessages            func(ctx context.Context, conversationID string) ([]models.Message, error)
	sendMessage             func(ctx context.Context, conversationID, text string) (models.Message, error)
	markRead                func(ctx context.Context, conversationID string) ([]string, error)
	unreadCount             func(ctx context.Context) (models.UnreadSummary, error)
}

func (f *fakeBackend) GetOrCreateConversation(ctx context.Context, otherUserID, listingID string) (models.Conversation, error) {
	return f.getOrCreateConversation(ctx, otherUserID, listingID)
}

func (f *fakeBackend) ListConversations(ctx context.Context) ([]models.ConversationSummary, error) {
	return f.listConversations(ctx)
}

func (f *fakeBackend) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	return f.listMessages(ctx, conversationID)
}

func (f *fakeBackend) SendMessage(ctx context.Context, conversationID, text string) (models.Message, error) {
	return f.sendMessage(ctx, conversationID, text)
}

func (f *fakeBackend) MarkRead(ctx context.Context, conversationID string) ([]string, error) {
	return f.markRead(ctx, conversationID)
}

func (f *fakeBackend) UnreadCount(ctx context.Context) (models.UnreadSummary, error) {
	return f.unreadCount(ctx)
}

type fakeChannel struct {
	mu       sync.Mutex
	ready    bool
	calls    []string
	emitted  []models.WSMessage
	handlers map[string][]realtime.Handler
}

func newFakeChannel(ready bool) *fakeChannel {
	return &fakeChannel{ready: ready, handlers: make(map[string][]realtime.Handler)}
}

func (c *fakeChannel) Join(_ context.Context, conversationID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "join:"+conversationID)
	return nil
}

func (c *fakeChannel) Leave(_ context.Context, conversationID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "leave:"+conversationID)
	return nil
}

func (c *fakeChannel) Emit(_ context.Context, msg models.WSMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ready {
		return realtime.ErrNotConnected
	}
	c.emitted = append(c.emitted, msg)
	return nil
}

func (c *fakeChannel) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

func (c *fakeChannel) Subscribe(event string, fn realtime.Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], fn)
	idx := len(c.handlers[event]) - 1
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.handlers[event][idx] = nil
	}
}

func (c *fakeChannel) publish(msg models.WSMessage) {
	c.mu.Lock()
	handlers := append([]realtime.Handler(nil), c.handlers[msg.Event]...)
	c.mu.Unlock()
	for _, fn := range handlers {
		if fn != nil {
			fn(msg)
		}
	}
}

func (c *fakeChannel) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *fakeChannel) Emitted() []models.WSMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.WSMessage(nil), c.emitted...)
}

var t0 = time.Date(2024, 1, 20, 10, 30, 0, 0, time.UTC)

func msgAt(id, conversationID, sender string, minutes int) models.Message {
	return models.Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       sender,
		Text:           "text " + id,
		CreatedAt:      t0.Add(time.Duration(minutes) * time.Minute),
	}
}

func messageIDs(msgs []models.Message) []string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}
