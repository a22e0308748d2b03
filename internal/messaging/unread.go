package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"nearbuy-chat/internal/models"
	"nearbuy-chat/internal/utils"
)

const DefaultRefreshInterval = 30 * time.Second

// Unread keeps the cross-conversation unread count. Channel events adjust it
// immediately; Refresh replaces it with the backend's count.
type Unread struct {
	backend  Backend
	userID   string
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	total  int
	byConv map[string]int
	// unattributed is the part of total the backend did not break down by
	// conversation.
	unattributed int
	counted      seenIDs
	read         seenIDs
	listeners    map[int]func(total int)
	nextID       int
}

func NewUnread(backend Backend, userID string, interval time.Duration, logger *slog.Logger) *Unread {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return &Unread{
		backend:   backend,
		userID:    userID,
		interval:  interval,
		logger:    utils.OrDiscard(logger).With("component", "unread"),
		byConv:    make(map[string]int),
		counted:   newSeenIDs(),
		read:      newSeenIDs(),
		listeners: make(map[int]func(int)),
	}
}

// Refresh replaces the counts with the backend's. On failure the last known
// counts stay in place.
func (u *Unread) Refresh(ctx context.Context) error {
	summary, err := u.backend.UnreadCount(ctx)
	if err != nil {
		u.logger.Warn("unread refresh failed", "error", err)
		return fmt.Errorf("refresh unread count: %w", err)
	}

	u.mu.Lock()
	u.byConv = make(map[string]int, len(summary.ByConversation))
	attributed := 0
	for id, n := range summary.ByConversation {
		if n > 0 {
			u.byConv[id] = n
			attributed += n
		}
	}
	u.total = max(summary.Total, attributed)
	u.unattributed = u.total - attributed
	// The snapshot covers everything seen so far. Ids from the window before
	// the previous refresh can no longer arrive as duplicates.
	u.counted.rotate()
	u.read.rotate()
	notify := u.changedLocked()
	u.mu.Unlock()
	notify()
	return nil
}

// OnMessageEvent counts msg once if it is unread and from someone else.
func (u *Unread) OnMessageEvent(msg models.Message) {
	if msg.ID == "" || !msg.UnreadFor(u.userID) {
		return
	}

	u.mu.Lock()
	if u.counted.has(msg.ID) || u.read.has(msg.ID) {
		u.mu.Unlock()
		return
	}
	u.counted.add(msg.ID)
	u.byConv[msg.ConversationID]++
	u.total++
	notify := u.changedLocked()
	u.mu.Unlock()
	notify()
}

// OnReadEvent subtracts the newly read messages of conversationID. Each
// message is subtracted at most once and no count goes below zero.
func (u *Unread) OnReadEvent(conversationID string, messageIDs []string) {
	u.mu.Lock()
	fresh := 0
	for _, id := range messageIDs {
		if u.read.has(id) {
			continue
		}
		u.read.add(id)
		u.counted.remove(id)
		fresh++
	}
	if fresh == 0 {
		u.mu.Unlock()
		return
	}

	n := min(fresh, u.byConv[conversationID])
	u.byConv[conversationID] -= n
	if u.byConv[conversationID] <= 0 {
		delete(u.byConv, conversationID)
	}
	rest := min(fresh-n, u.unattributed)
	u.unattributed -= rest
	u.total = max(u.total-n-rest, 0)
	notify := u.changedLocked()
	u.mu.Unlock()
	notify()
}

// Total is the badge count.
func (u *Unread) Total() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.total
}

// Count is the known unread count of one conversation.
func (u *Unread) Count(conversationID string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.byConv[conversationID]
}

// Subscribe registers fn to receive the total after every change.
func (u *Unread) Subscribe(fn func(total int)) func() {
	u.mu.Lock()
	id := u.nextID
	u.nextID++
	u.listeners[id] = fn
	u.mu.Unlock()
	return func() {
		u.mu.Lock()
		delete(u.listeners, id)
		u.mu.Unlock()
	}
}

// Run follows the channel and refreshes on a fixed interval and after every
// reconnect, until ctx is done.
func (u *Unread) Run(ctx context.Context, channel Channel) error {
	refresh := make(chan struct{}, 1)
	trigger := func(models.WSMessage) {
		select {
		case refresh <- struct{}{}:
		default:
		}
	}

	onMessage := func(msg models.WSMessage) {
		if msg.Message == nil {
			return
		}
		m := *msg.Message
		if m.ConversationID == "" {
			m.ConversationID = msg.ConversationID
		}
		u.OnMessageEvent(m)
	}
	unsubs := []func(){
		channel.Subscribe(models.EventReconnect, trigger),
		channel.Subscribe(models.EventReceiveMessage, onMessage),
		channel.Subscribe(models.EventNewMessage, onMessage),
		channel.Subscribe(models.EventMessagesRead, func(msg models.WSMessage) {
			// A peer reading our messages does not change our badge.
			if msg.ReadBy != u.userID {
				return
			}
			u.OnReadEvent(msg.ConversationID, msg.MessageIDs)
		}),
	}
	defer func() {
		for _, fn := range unsubs {
			fn()
		}
	}()

	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	u.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			u.Refresh(ctx)
		case <-refresh:
			u.Refresh(ctx)
		}
	}
}

func (u *Unread) changedLocked() func() {
	if len(u.listeners) == 0 {
		return func() {}
	}
	total := u.total
	listeners := make([]func(int), 0, len(u.listeners))
	for _, fn := range u.listeners {
		listeners = append(listeners, fn)
	}
	return func() {
		for _, fn := range listeners {
			fn(total)
		}
	}
}

// seenIDs remembers message ids for the current and the previous refresh
// window.
type seenIDs struct {
	cur, prev map[string]struct{}
}

func newSeenIDs() seenIDs {
	return seenIDs{cur: make(map[string]struct{}), prev: make(map[string]struct{})}
}

func (s *seenIDs) has(id string) bool {
	if _, ok := s.cur[id]; ok {
		return true
	}
	_, ok := s.prev[id]
	return ok
}

func (s *seenIDs) add(id string) {
	s.cur[id] = struct{}{}
}

func (s *seenIDs) remove(id string) {
	delete(s.cur, id)
	delete(s.prev, id)
}

func (s *seenIDs) rotate() {
	s.prev = s.cur
	s.cur = make(map[string]struct{})
}

func (s *seenIDs) len() int {
	return len(s.cur) + len(s.prev)
}
