package transport

import (
	"sort"
	"sync"
)

// Hub fans inbound messages out to subscribers. Backends embed a Hub to
// implement Conn.Subscribe.
type Hub struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[uint64]Handler
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{
		handlers: make(map[uint64]Handler),
	}
}

// Subscribe registers a handler and returns the handle that releases it.
func (h *Hub) Subscribe(handler Handler) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	h.handlers[h.nextID] = handler
	return &Subscription{hub: h, id: h.nextID}
}

// Publish delivers msg to every current subscriber, synchronously and in
// subscription order, so per-sender ordering survives the fan-out.
func (h *Hub) Publish(msg Message) {
	h.mu.RLock()
	ids := make([]uint64, 0, len(h.handlers))
	for id := range h.handlers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, h.handlers[id])
	}
	h.mu.RUnlock()

	for _, handler := range handlers {
		handler(msg)
	}
}

// Len returns the number of active subscriptions
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.handlers)
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.handlers, id)
}

// Subscription is the handle returned by Subscribe. The owner must call
// Unsubscribe when it is torn down.
type Subscription struct {
	hub  *Hub
	id   uint64
	once sync.Once
}

// Unsubscribe detaches the handler. Once it returns, the handler is not
// invoked for messages published afterwards. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.hub.remove(s.id)
	})
}
