package services

import (
	"context"
	"sync"

	"nearbuy-chat/internal/models"
)

// MemoryRepository keeps everything in process. Used when no DATABASE_URL is
// configured and by tests.
type MemoryRepository struct {
	mu            sync.RWMutex
	conversations map[string]models.Conversation
	byKey         map[string]string
	messages      map[string][]models.Message
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		conversations: make(map[string]models.Conversation),
		byKey:         make(map[string]string),
		messages:      make(map[string][]models.Message),
	}
}

func conversationKey(conv models.Conversation) string {
	return conv.Participants[0] + "\x00" + conv.Participants[1] + "\x00" + conv.ListingID
}

func (r *MemoryRepository) GetOrCreateConversation(ctx context.Context, conv models.Conversation) (models.Conversation, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := conversationKey(conv)
	if id, ok := r.byKey[key]; ok {
		return r.conversations[id], false, nil
	}
	r.byKey[key] = conv.ID
	r.conversations[conv.ID] = conv
	return conv, true, nil
}

func (r *MemoryRepository) GetConversation(ctx context.Context, id string) (models.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conv, ok := r.conversations[id]
	if !ok {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, nil
}

func (r *MemoryRepository) ListConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.Conversation
	for _, conv := range r.conversations {
		if conv.HasParticipant(userID) {
			out = append(out, conv)
		}
	}
	return out, nil
}

func (r *MemoryRepository) InsertMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv, ok := r.conversations[msg.ConversationID]
	if !ok {
		return models.Message{}, ErrConversationNotFound
	}
	r.messages[msg.ConversationID] = append(r.messages[msg.ConversationID], msg)
	if msg.CreatedAt.After(conv.LastMessageAt) {
		conv.LastMessageAt = msg.CreatedAt
		r.conversations[conv.ID] = conv
	}
	return msg, nil
}

func (r *MemoryRepository) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]models.Message(nil), r.messages[conversationID]...), nil
}

func (r *MemoryRepository) GetMessage(ctx context.Context, conversationID, messageID string) (models.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, m := range r.messages[conversationID] {
		if m.ID == messageID {
			return m, nil
		}
	}
	return models.Message{}, ErrMessageNotFound
}

func (r *MemoryRepository) LastMessage(ctx context.Context, conversationID string) (*models.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var last *models.Message
	for i := range r.messages[conversationID] {
		m := r.messages[conversationID][i]
		if last == nil || last.Before(m) {
			last = &m
		}
	}
	return last, nil
}

func (r *MemoryRepository) MarkRead(ctx context.Context, conversationID, readerID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []string
	msgs := r.messages[conversationID]
	for i := range msgs {
		if msgs[i].UnreadFor(readerID) {
			msgs[i].Read = true
			ids = append(ids, msgs[i].ID)
		}
	}
	return ids, nil
}

func (r *MemoryRepository) UnreadCounts(ctx context.Context, userID string) (map[string]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[string]int)
	for id, conv := range r.conversations {
		if !conv.HasParticipant(userID) {
			continue
		}
		for _, m := range r.messages[id] {
			if m.UnreadFor(userID) {
				counts[id]++
			}
		}
	}
	return counts, nil
}
