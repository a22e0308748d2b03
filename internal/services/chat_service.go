package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"nearbuy-chat/internal/models"

	"github.com/google/uuid"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrInvalidParticipants  = errors.New("a conversation needs two distinct participants")
	ErrEmptyMessage         = errors.New("message text is required")
	ErrMessageNotFound      = errors.New("message not found")
)

// Repository persists conversations and messages for the chat service.
type Repository interface {
	// GetOrCreateConversation returns the conversation for the (ordered) pair
	// and listing, creating conv when none exists yet.
	GetOrCreateConversation(ctx context.Context, conv models.Conversation) (models.Conversation, bool, error)
	GetConversation(ctx context.Context, id string) (models.Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]models.Conversation, error)
	InsertMessage(ctx context.Context, msg models.Message) (models.Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]models.Message, error)
	GetMessage(ctx context.Context, conversationID, messageID string) (models.Message, error)
	LastMessage(ctx context.Context, conversationID string) (*models.Message, error)
	MarkRead(ctx context.Context, conversationID, readerID string) ([]string, error)
	UnreadCounts(ctx context.Context, userID string) (map[string]int, error)
}

type ChatService struct {
	repo Repository
	now  func() time.Time
}

func NewChatService(repo Repository) *ChatService {
	return &ChatService{repo: repo, now: func() time.Time { return time.Now().UTC() }}
}

func (s *ChatService) GetOrCreateConversation(ctx context.Context, userID, otherUserID, listingID string) (*models.Conversation, bool, error) {
	if userID == "" || otherUserID == "" || userID == otherUserID {
		return nil, false, ErrInvalidParticipants
	}
	pair := []string{userID, otherUserID}
	sort.Strings(pair)

	conv, isNew, err := s.repo.GetOrCreateConversation(ctx, models.Conversation{
		ID:           uuid.New().String(),
		Participants: pair,
		ListingID:    listingID,
		CreatedAt:    s.now(),
	})
	if err != nil {
		return nil, false, fmt.Errorf("get or create conversation: %w", err)
	}
	return &conv, isNew, nil
}

// Conversation loads a conversation the user takes part in.
func (s *ChatService) Conversation(ctx context.Context, conversationID, userID string) (*models.Conversation, error) {
	conv, err := s.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, ErrConversationNotFound
	}
	return &conv, nil
}

func (s *ChatService) ListConversations(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	convs, err := s.repo.ListConversations(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	unread, err := s.repo.UnreadCounts(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("unread counts: %w", err)
	}

	out := make([]models.ConversationSummary, 0, len(convs))
	for _, conv := range convs {
		last, err := s.repo.LastMessage(ctx, conv.ID)
		if err != nil {
			return nil, fmt.Errorf("last message: %w", err)
		}
		out = append(out, models.ConversationSummary{
			Conversation: conv,
			OtherUserID:  conv.OtherParticipant(userID),
			LastMessage:  last,
			UnreadCount:  unread[conv.ID],
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastActivity().After(out[j].LastActivity())
	})
	return out, nil
}

func (s *ChatService) ListMessages(ctx context.Context, conversationID, userID string) ([]models.Message, error) {
	if _, err := s.Conversation(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	msgs, err := s.repo.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Before(msgs[j]) })
	return msgs, nil
}

func (s *ChatService) SaveMessage(ctx context.Context, conversationID, senderID, text string) (*models.Message, error) {
	text = models.NormalizeText(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	if _, err := s.Conversation(ctx, conversationID, senderID); err != nil {
		return nil, err
	}
	msg, err := s.repo.InsertMessage(ctx, models.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Text:           text,
		CreatedAt:      s.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return &msg, nil
}

// Message loads one persisted message of a conversation the user takes part in.
func (s *ChatService) Message(ctx context.Context, conversationID, messageID, userID string) (*models.Message, error) {
	if _, err := s.Conversation(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	msg, err := s.repo.GetMessage(ctx, conversationID, messageID)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// MarkRead flags every unread message the reader received in the conversation
// and returns the ids that changed.
func (s *ChatService) MarkRead(ctx context.Context, conversationID, readerID string) ([]string, error) {
	if _, err := s.Conversation(ctx, conversationID, readerID); err != nil {
		return nil, err
	}
	ids, err := s.repo.MarkRead(ctx, conversationID, readerID)
	if err != nil {
		return nil, fmt.Errorf("mark read: %w", err)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

func (s *ChatService) UnreadCount(ctx context.Context, userID string) (*models.UnreadSummary, error) {
	counts, err := s.repo.UnreadCounts(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("unread counts: %w", err)
	}
	summary := &models.UnreadSummary{ByConversation: make(map[string]int, len(counts))}
	for id, n := range counts {
		if n <= 0 {
			continue
		}
		summary.ByConversation[id] = n
		summary.Total += n
	}
	return summary, nil
}
