// Package messaging holds the client-side state of the chat: the open
// conversation, unread counts, read receipts and the conversation list.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"nearbuy-chat/internal/api"
	"nearbuy-chat/internal/models"
	"nearbuy-chat/internal/utils"

	"github.com/google/uuid"
)

var _ Backend = (*api.Client)(nil)

type EntryState int

const (
	// EntryPending is a local send the backend has not confirmed yet.
	EntryPending EntryState = iota
	EntryConfirmed
)

func (s EntryState) String() string {
	if s == EntryPending {
		return "pending"
	}
	return "confirmed"
}

// Entry is one line of the displayed conversation. Pending entries carry a
// LocalID and a provisional Message; confirmed entries carry the backend's
// message.
type Entry struct {
	State   EntryState
	LocalID string
	Message models.Message
}

func (e Entry) Pending() bool { return e.State == EntryPending }

// entryLess orders confirmed messages by (CreatedAt, ID) and keeps pending
// sends after them.
func entryLess(a, b Entry) bool {
	if a.Pending() != b.Pending() {
		return !a.Pending()
	}
	return a.Message.Before(b.Message)
}

// Store is the ordered, deduplicated message list of the open conversation.
type Store struct {
	backend Backend
	channel Channel
	unread  UnreadSink
	userID  string
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	open      string
	gen       uint64
	entries   []Entry
	ids       map[string]struct{}
	cache     map[string][]models.Message
	listeners map[int]func(conversationID string, entries []Entry)
	nextID    int
	unsubs    []func()
}

// NewStore creates a store for userID and starts listening to the channel.
// unread may be nil.
func NewStore(backend Backend, channel Channel, userID string, unread UnreadSink, logger *slog.Logger) *Store {
	s := &Store{
		backend:   backend,
		channel:   channel,
		unread:    unread,
		userID:    userID,
		logger:    utils.OrDiscard(logger).With("component", "store"),
		now:       time.Now,
		ids:       make(map[string]struct{}),
		cache:     make(map[string][]models.Message),
		listeners: make(map[int]func(string, []Entry)),
	}
	s.unsubs = append(s.unsubs,
		channel.Subscribe(models.EventReceiveMessage, func(msg models.WSMessage) {
			if msg.Message == nil {
				return
			}
			m := *msg.Message
			if m.ConversationID == "" {
				m.ConversationID = msg.ConversationID
			}
			s.OnRemoteMessage(m)
		}),
		channel.Subscribe(models.EventMessagesRead, func(msg models.WSMessage) {
			s.ApplyRead(msg.ConversationID, msg.MessageIDs)
		}),
	)
	return s
}

// Stop detaches the store from the channel.
func (s *Store) Stop() {
	s.mu.Lock()
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()
	for _, fn := range unsubs {
		fn()
	}
}

// Open makes conversationID the open conversation: it joins the room, shows
// any cached history at once and merges the backend's history into it.
func (s *Store) Open(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return fmt.Errorf("%w: empty conversation id", ErrNotFound)
	}

	s.mu.Lock()
	previous := s.open
	fresh := previous != conversationID
	if fresh {
		s.resetLocked(conversationID)
	}
	s.gen++
	gen := s.gen
	notify := s.changedLocked()
	s.mu.Unlock()
	notify()

	if fresh {
		if previous != "" {
			s.leave(ctx, previous)
		}
		// Without the room the history still loads; pushes arrive after reconnect.
		if err := s.channel.Join(ctx, conversationID); err != nil {
			s.logger.Warn("join failed", "conversation_id", conversationID, "error", err)
		}
	}

	history, err := s.backend.ListMessages(ctx, conversationID)

	s.mu.Lock()
	if s.gen != gen || s.open != conversationID {
		s.mu.Unlock()
		return ErrStale
	}
	if err != nil {
		if errors.Is(err, api.ErrNotFound) {
			s.resetLocked("")
			delete(s.cache, conversationID)
			notify = s.changedLocked()
			s.mu.Unlock()
			s.leave(ctx, conversationID)
			notify()
			return fmt.Errorf("%w: %s", ErrNotFound, conversationID)
		}
		s.mu.Unlock()
		s.logger.Error("history load failed", "conversation_id", conversationID, "error", err)
		return fmt.Errorf("%w: %w", ErrLoadError, err)
	}

	for _, m := range history {
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		s.mergeLocked(m)
	}
	s.sortLocked()
	notify = s.changedLocked()
	s.mu.Unlock()
	notify()

	s.logger.Debug("conversation opened", "conversation_id", conversationID, "messages", len(history))
	return nil
}

// Close leaves the open conversation. Its history stays cached for reopen and
// a load still in flight is discarded.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	id := s.open
	if id == "" {
		s.mu.Unlock()
		return nil
	}
	s.resetLocked("")
	s.gen++
	notify := s.changedLocked()
	s.mu.Unlock()
	notify()

	if err := s.channel.Leave(ctx, id); err != nil {
		return fmt.Errorf("leave %s: %w", id, err)
	}
	return nil
}

// Send persists text in the open conversation. The message is shown as
// pending right away and replaced by the backend's copy once confirmed; on
// failure it is removed again and ErrSendFailed is returned.
func (s *Store) Send(ctx context.Context, text string) (models.Message, error) {
	text = models.NormalizeText(text)
	if text == "" {
		return models.Message{}, ErrInvalidInput
	}

	s.mu.Lock()
	conversationID := s.open
	if conversationID == "" {
		s.mu.Unlock()
		return models.Message{}, ErrNotOpen
	}
	localID := uuid.NewString()
	s.entries = append(s.entries, Entry{
		State:   EntryPending,
		LocalID: localID,
		Message: models.Message{
			ID:             localID,
			ConversationID: conversationID,
			SenderID:       s.userID,
			Text:           text,
			CreatedAt:      s.now(),
		},
	})
	notify := s.changedLocked()
	s.mu.Unlock()
	notify()

	msg, err := s.backend.SendMessage(ctx, conversationID, text)
	if err != nil {
		s.mu.Lock()
		s.removePendingLocked(localID)
		notify = s.changedLocked()
		s.mu.Unlock()
		notify()
		s.logger.Warn("send failed", "conversation_id", conversationID, "error", err)
		return models.Message{}, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	if msg.ConversationID == "" {
		msg.ConversationID = conversationID
	}

	s.mu.Lock()
	s.confirmLocked(localID, msg)
	notify = s.changedLocked()
	s.mu.Unlock()
	notify()

	s.broadcast(ctx, msg)
	return msg, nil
}

func (s *Store) broadcast(ctx context.Context, msg models.Message) {
	if !s.channel.IsReady() {
		s.logger.Info("channel not ready, message saved without broadcast", "message_id", msg.ID)
		return
	}
	err := s.channel.Emit(ctx, models.WSMessage{
		Event:          models.EventSendMessage,
		ConversationID: msg.ConversationID,
		Message:        &msg,
	})
	if err != nil {
		s.logger.Warn("broadcast failed", "message_id", msg.ID, "error", err)
	}
}

// OnRemoteMessage merges a pushed message into the open conversation. A
// message already present is ignored.
func (s *Store) OnRemoteMessage(msg models.Message) {
	s.mu.Lock()
	if msg.ID == "" || msg.ConversationID != s.open {
		s.mu.Unlock()
		return
	}
	if !s.mergeLocked(msg) {
		s.mu.Unlock()
		return
	}
	s.sortLocked()
	notify := s.changedLocked()
	s.mu.Unlock()
	notify()

	if msg.SenderID != s.userID && s.unread != nil {
		s.unread.OnMessageEvent(msg)
	}
}

// ApplyRead flags messageIDs in conversationID as read.
func (s *Store) ApplyRead(conversationID string, messageIDs []string) {
	if len(messageIDs) == 0 {
		return
	}
	read := make(map[string]struct{}, len(messageIDs))
	for _, id := range messageIDs {
		read[id] = struct{}{}
	}

	s.mu.Lock()
	changed := false
	if conversationID == s.open {
		for i := range s.entries {
			if _, ok := read[s.entries[i].Message.ID]; ok && !s.entries[i].Message.Read {
				s.entries[i].Message.Read = true
				changed = true
			}
		}
	}
	for i, m := range s.cache[conversationID] {
		if _, ok := read[m.ID]; ok {
			s.cache[conversationID][i].Read = true
		}
	}
	if !changed {
		s.mu.Unlock()
		return
	}
	notify := s.changedLocked()
	s.mu.Unlock()
	notify()
}

// ConversationID returns the open conversation, or "".
func (s *Store) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Entries returns a copy of the displayed list.
func (s *Store) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.entries...)
}

// Messages returns the displayed messages, pending sends included.
func (s *Store) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Message, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.Message
	}
	return out
}

// UnreadFromOthers counts confirmed messages from other participants that
// are not read yet.
func (s *Store) UnreadFromOthers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if !e.Pending() && e.Message.UnreadFor(s.userID) {
			n++
		}
	}
	return n
}

// Subscribe registers fn to receive the displayed list after every change.
// fn must not call back into the store's mutating methods.
func (s *Store) Subscribe(fn func(conversationID string, entries []Entry)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Store) leave(ctx context.Context, conversationID string) {
	if err := s.channel.Leave(ctx, conversationID); err != nil {
		s.logger.Warn("leave failed", "conversation_id", conversationID, "error", err)
	}
}

// resetLocked switches the displayed list to conversationID, seeded from the cache.
func (s *Store) resetLocked(conversationID string) {
	s.open = conversationID
	s.entries = nil
	s.ids = make(map[string]struct{})
	for _, m := range s.cache[conversationID] {
		s.entries = append(s.entries, Entry{State: EntryConfirmed, Message: m})
		s.ids[m.ID] = struct{}{}
	}
}

// mergeLocked adds msg unless its ID is already shown. The list must be
// sorted afterwards.
func (s *Store) mergeLocked(msg models.Message) bool {
	if _, ok := s.ids[msg.ID]; ok {
		return false
	}
	s.ids[msg.ID] = struct{}{}
	s.entries = append(s.entries, Entry{State: EntryConfirmed, Message: msg})
	return true
}

func (s *Store) removePendingLocked(localID string) {
	for i, e := range s.entries {
		if e.Pending() && e.LocalID == localID {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return
		}
	}
}

// confirmLocked replaces the pending entry with its confirmed message, or
// drops it when a push already delivered that message.
func (s *Store) confirmLocked(localID string, msg models.Message) {
	s.removePendingLocked(localID)
	if msg.ConversationID == s.open {
		s.mergeLocked(msg)
		s.sortLocked()
		return
	}
	// Closed or switched away while sending: keep the cache current.
	cached := s.cache[msg.ConversationID]
	for _, m := range cached {
		if m.ID == msg.ID {
			return
		}
	}
	if cached != nil {
		s.cache[msg.ConversationID] = append(cached, msg)
	}
}

func (s *Store) sortLocked() {
	sort.SliceStable(s.entries, func(i, j int) bool {
		return entryLess(s.entries[i], s.entries[j])
	})
}

// changedLocked refreshes the cache and returns a function that notifies
// listeners; call it after releasing the lock.
func (s *Store) changedLocked() func() {
	if s.open != "" {
		confirmed := make([]models.Message, 0, len(s.entries))
		for _, e := range s.entries {
			if !e.Pending() {
				confirmed = append(confirmed, e.Message)
			}
		}
		s.cache[s.open] = confirmed
	}
	if len(s.listeners) == 0 {
		return func() {}
	}
	id := s.open
	entries := append([]Entry(nil), s.entries...)
	listeners := make([]func(string, []Entry), 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	return func() {
		for _, fn := range listeners {
			fn(id, entries)
		}
	}
}
