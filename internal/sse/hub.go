// Package sse fans captured-email events out to live viewers.
package sse

import "sync"

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// falls further behind than this loses events instead of blocking ingestion.
const subscriberBuffer = 16

// Hub delivers each published payload to every active subscriber. Callers
// that need cross-payload ordering must serialize their Broadcast calls;
// the store does so under its insert lock.
type Hub struct {
	mu   sync.RWMutex
	subs map[chan []byte]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[chan []byte]struct{})}
}

// Subscribe registers a new subscriber and returns its channel together
// with an unsubscribe function. Only events published after the call are
// delivered; viewers fetch the snapshot separately.
func (h *Hub) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
}

// Broadcast sends payload to every subscriber without blocking. A full
// subscriber channel drops the payload for that subscriber only.
func (h *Hub) Broadcast(payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- payload:
		default:
		}
	}
}

// Len reports the number of active subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
