package engine

import "sync"

// Hub fans state out to subscribers. Each subscriber holds at most one
// pending state; a newer one replaces it, so a slow reader skips to the
// latest value and never blocks the publisher.
type Hub struct {
	mu   sync.Mutex
	next int
	subs map[int]chan State
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan State)}
}

// Subscribe returns a channel of states and a cancel func that closes it.
func (h *Hub) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers s to every subscriber, replacing any state it has not
// read yet.
func (h *Hub) Publish(s State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- s:
			continue
		default:
		}
		// drop the stale state; the mutex makes us the only sender
		select {
		case <-ch:
		default:
		}
		ch <- s
	}
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
