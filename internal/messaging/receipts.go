package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"nearbuy-chat/internal/utils"
)

// DefaultReadThreshold is how close to the bottom, in display units, the
// list must be scrolled for its messages to count as seen.
const DefaultReadThreshold = 100

// ScrollPosition describes the visible window of the message list.
type ScrollPosition struct {
	Offset         float64
	ViewportHeight float64
	ContentHeight  float64
}

func (p ScrollPosition) DistanceFromBottom() float64 {
	return max(p.ContentHeight-p.Offset-p.ViewportHeight, 0)
}

// ReadState is the view of the open conversation the coordinator needs.
// *Store implements it.
type ReadState interface {
	ConversationID() string
	UnreadFromOthers() int
	ApplyRead(conversationID string, messageIDs []string)
}

// Receipts decides when the open conversation's messages become read. It
// calls the backend when the conversation opens and each time the list
// enters the "near the bottom with unread messages" condition.
type Receipts struct {
	backend   Backend
	state     ReadState
	sink      ReadSink
	threshold float64
	logger    *slog.Logger

	mu       sync.Mutex
	near     bool
	armed    bool
	inflight map[string]bool
}

// NewReceipts creates a coordinator. sink may be nil; a non-positive
// threshold uses DefaultReadThreshold.
func NewReceipts(backend Backend, state ReadState, sink ReadSink, threshold float64, logger *slog.Logger) *Receipts {
	if threshold <= 0 {
		threshold = DefaultReadThreshold
	}
	return &Receipts{
		backend:   backend,
		state:     state,
		sink:      sink,
		threshold: threshold,
		logger:    utils.OrDiscard(logger).With("component", "receipts"),
		armed:     true,
		inflight:  make(map[string]bool),
	}
}

// OnOpened marks the just opened conversation as read. The list starts
// scrolled to the bottom.
func (r *Receipts) OnOpened(ctx context.Context) {
	r.mu.Lock()
	r.near = true
	r.armed = false
	r.mu.Unlock()

	r.markRead(ctx, r.state.ConversationID())
}

// OnScroll records the scroll position and marks the conversation read when
// it newly reaches the bottom with unread messages.
func (r *Receipts) OnScroll(ctx context.Context, pos ScrollPosition) {
	near := pos.DistanceFromBottom() <= r.threshold
	r.mu.Lock()
	r.near = near
	r.mu.Unlock()
	r.check(ctx)
}

// Recheck re-evaluates the condition at the last known scroll position, for
// when new messages arrive without scrolling.
func (r *Receipts) Recheck(ctx context.Context) {
	r.check(ctx)
}

func (r *Receipts) check(ctx context.Context) {
	unread := r.state.UnreadFromOthers() > 0

	r.mu.Lock()
	cond := r.near && unread
	fire := cond && r.armed
	r.armed = !cond
	r.mu.Unlock()

	if fire {
		r.markRead(ctx, r.state.ConversationID())
	}
}

// markRead calls MarkRead and re-arms the trigger once the condition it
// fired on is gone, so messages arriving later while at the bottom fire again.
func (r *Receipts) markRead(ctx context.Context, conversationID string) {
	err := r.MarkRead(ctx, conversationID)
	cleared := err == nil && r.state.UnreadFromOthers() == 0

	r.mu.Lock()
	r.armed = err != nil || cleared
	r.mu.Unlock()
}

// MarkRead flags the unread messages of conversationID as read on the backend
// and then locally. Concurrent calls for the same conversation collapse into
// one.
func (r *Receipts) MarkRead(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return nil
	}

	r.mu.Lock()
	if r.inflight[conversationID] {
		r.mu.Unlock()
		return nil
	}
	r.inflight[conversationID] = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.inflight, conversationID)
		r.mu.Unlock()
	}()

	ids, err := r.backend.MarkRead(ctx, conversationID)
	if err != nil {
		r.logger.Warn("mark read failed", "conversation_id", conversationID, "error", err)
		return fmt.Errorf("mark %s read: %w", conversationID, err)
	}
	if len(ids) == 0 {
		return nil
	}

	r.state.ApplyRead(conversationID, ids)
	if r.sink != nil {
		r.sink.OnReadEvent(conversationID, ids)
	}
	r.logger.Debug("marked read", "conversation_id", conversationID, "messages", len(ids))
	return nil
}
