package app

import (
	"sync"
)

// EventType represents the type of event
type EventType int

const (
	EventMessage EventType = iota
	EventTyping
	EventConnected
	EventDisconnected
	EventConversationOpened
	EventConversationClosed
)

// EventMsg represents an event from the app layer. ConversationID is empty
// for connection events.
type EventMsg struct {
	Type           EventType
	ConversationID string
	Data           interface{}
}

// EventHandler is a function that handles events
type EventHandler func(event EventMsg)

// EventBus handles event subscription and publishing
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]EventHandler
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]EventHandler),
	}
}

// Subscribe subscribes to an event type
func (b *EventBus) Subscribe(eventType EventType, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Publish calls every subscriber of the event type in subscription order.
// Message events are published from the dispatcher, so handlers see them
// in conversation order.
func (b *EventBus) Publish(event EventMsg) {
	b.mu.RLock()
	handlers := b.handlers[event.Type]
	b.mu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}

// Clear removes all handlers
func (b *EventBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[EventType][]EventHandler)
}
