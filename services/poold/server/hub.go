package server

import (
	"sync"

	"stakepool/services/poold/journal"
)

const subscriberBuffer = 64

// Hub fans journal entries out to live stream subscribers. Subscribers that
// fall behind are dropped and their channel closed.
type Hub struct {
	mu          sync.Mutex
	subscribers map[chan journal.Entry]struct{}
}

func NewHub() *Hub {
	return &Hub{subscribers: make(map[chan journal.Entry]struct{})}
}

// Publish delivers entry to every subscriber without blocking.
func (h *Hub) Publish(entry journal.Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subscribers {
		select {
		case ch <- entry:
		default:
			delete(h.subscribers, ch)
			close(ch)
		}
	}
}

// Subscribe registers a new listener. The returned cancel func is idempotent.
func (h *Hub) Subscribe() (<-chan journal.Entry, func()) {
	ch := make(chan journal.Entry, subscriberBuffer)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subscribers[ch]; ok {
			delete(h.subscribers, ch)
			close(ch)
		}
	}
}

// Len reports the number of live subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}
