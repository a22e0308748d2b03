package realtime

import (
	"sync"

	"nearbuy-chat/internal/models"
)

// Handler receives one channel event. Handlers run on the connection's read
// goroutine, in arrival order, and must not block.
type Handler func(models.WSMessage)

type subscription struct {
	id uint64
	fn Handler
}

type bus struct {
	mu       sync.RWMutex
	next     uint64
	handlers map[string][]subscription
}

func newBus() *bus {
	return &bus{handlers: make(map[string][]subscription)}
}

func (b *bus) subscribe(event string, fn Handler) func() {
	b.mu.Lock()
	b.next++
	id := b.next
	b.handlers[event] = append(b.handlers[event], subscription{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.handlers[event]
			for i, s := range subs {
				if s.id == id {
					b.handlers[event] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
			if len(b.handlers[event]) == 0 {
				delete(b.handlers, event)
			}
		})
	}
}

func (b *bus) publish(msg models.WSMessage) {
	b.mu.RLock()
	subs := append([]subscription(nil), b.handlers[msg.Event]...)
	b.mu.RUnlock()

	for _, s := range subs {
		s.fn(msg)
	}
}
