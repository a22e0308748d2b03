package messaging

import (
	"context"
	"sync"

	"nearbuy-chat/internal/models"
)

// Sender persists a message in the open conversation. *Store implements it.
type Sender interface {
	Send(ctx context.Context, text string) (models.Message, error)
}

// Composer holds the text being typed. A failed send keeps it so the user
// can retry without retyping.
type Composer struct {
	sender Sender

	mu    sync.Mutex
	draft string
}

func NewComposer(sender Sender) *Composer {
	return &Composer{sender: sender}
}

func (c *Composer) SetDraft(text string) {
	c.mu.Lock()
	c.draft = text
	c.mu.Unlock()
}

func (c *Composer) Draft() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft
}

// Submit sends the draft and clears it on success.
func (c *Composer) Submit(ctx context.Context) (models.Message, error) {
	text := c.Draft()
	msg, err := c.sender.Send(ctx, text)
	if err != nil {
		return models.Message{}, err
	}

	c.mu.Lock()
	// Keep anything typed while the send was in flight.
	if c.draft == text {
		c.draft = ""
	}
	c.mu.Unlock()
	return msg, nil
}
