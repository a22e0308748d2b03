package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"nearbuy-chat/internal/models"
	"nearbuy-chat/internal/utils"
)

// Inbox is the user's conversation list, most recent activity first.
type Inbox struct {
	backend Backend
	userID  string
	logger  *slog.Logger

	mu    sync.Mutex
	items []models.ConversationSummary
	read  seenIDs
}

func NewInbox(backend Backend, userID string, logger *slog.Logger) *Inbox {
	return &Inbox{
		backend: backend,
		userID:  userID,
		logger:  utils.OrDiscard(logger).With("component", "inbox"),
		read:    newSeenIDs(),
	}
}

// Load replaces the list with the backend's.
func (in *Inbox) Load(ctx context.Context) error {
	items, err := in.backend.ListConversations(ctx)
	if err != nil {
		return fmt.Errorf("list conversations: %w", err)
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	in.items = append([]models.ConversationSummary(nil), items...)
	in.read.rotate()
	in.sortLocked()
	return nil
}

// Conversations returns a copy of the list.
func (in *Inbox) Conversations() []models.ConversationSummary {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]models.ConversationSummary(nil), in.items...)
}

// StartConversation returns the conversation with otherUserID about
// listingID, creating it if needed, and adds it to the list.
func (in *Inbox) StartConversation(ctx context.Context, otherUserID, listingID string) (models.Conversation, error) {
	conv, err := in.backend.GetOrCreateConversation(ctx, otherUserID, listingID)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("start conversation: %w", err)
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	if in.indexLocked(conv.ID) < 0 {
		in.items = append(in.items, models.ConversationSummary{
			Conversation: conv,
			OtherUserID:  conv.OtherParticipant(in.userID),
		})
		in.sortLocked()
	}
	return conv, nil
}

// OnMessage moves the message's conversation to the top with msg as its
// preview. Conversations not loaded yet appear on the next Load.
func (in *Inbox) OnMessage(msg models.Message) {
	in.mu.Lock()
	defer in.mu.Unlock()

	i := in.indexLocked(msg.ConversationID)
	if i < 0 {
		return
	}
	item := &in.items[i]
	if item.LastMessage != nil && (item.LastMessage.ID == msg.ID || msg.Before(*item.LastMessage)) {
		return
	}
	m := msg
	item.LastMessage = &m
	if msg.CreatedAt.After(item.LastMessageAt) {
		item.LastMessageAt = msg.CreatedAt
	}
	if msg.UnreadFor(in.userID) && !in.read.has(msg.ID) {
		item.UnreadCount++
	}
	in.sortLocked()
}

// OnRead lowers the unread annotation after the user read messages. Each
// message counts once.
func (in *Inbox) OnRead(conversationID string, messageIDs []string) {
	in.mu.Lock()
	defer in.mu.Unlock()

	fresh := 0
	for _, id := range messageIDs {
		if !in.read.has(id) {
			in.read.add(id)
			fresh++
		}
	}
	i := in.indexLocked(conversationID)
	if i < 0 {
		return
	}
	item := &in.items[i]
	item.UnreadCount = max(item.UnreadCount-fresh, 0)
	if item.LastMessage == nil {
		return
	}
	for _, id := range messageIDs {
		if id == item.LastMessage.ID {
			last := *item.LastMessage
			last.Read = true
			item.LastMessage = &last
			return
		}
	}
}

// Watch keeps the list current from channel events until the returned
// function is called.
func (in *Inbox) Watch(channel Channel) func() {
	onMessage := func(msg models.WSMessage) {
		if msg.Message == nil {
			return
		}
		m := *msg.Message
		if m.ConversationID == "" {
			m.ConversationID = msg.ConversationID
		}
		in.OnMessage(m)
	}
	unsubs := []func(){
		channel.Subscribe(models.EventReceiveMessage, onMessage),
		channel.Subscribe(models.EventNewMessage, onMessage),
		channel.Subscribe(models.EventMessagesRead, func(msg models.WSMessage) {
			if msg.ReadBy == in.userID {
				in.OnRead(msg.ConversationID, msg.MessageIDs)
			}
		}),
	}
	return func() {
		for _, fn := range unsubs {
			fn()
		}
	}
}

func (in *Inbox) indexLocked(conversationID string) int {
	for i := range in.items {
		if in.items[i].ID == conversationID {
			return i
		}
	}
	return -1
}

func (in *Inbox) sortLocked() {
	sort.SliceStable(in.items, func(i, j int) bool {
		a, b := in.items[i].LastActivity(), in.items[j].LastActivity()
		if !a.Equal(b) {
			return a.After(b)
		}
		return in.items[i].ID < in.items[j].ID
	})
}
