// Package event defines the closed set of lifecycle events emitted by the
// registry and the activation manager, and a synchronous bus for delivering
// them to subscribers.
package event

import (
	"sync"
	"time"
)

// Type tags a lifecycle event. The set is closed: subscribers can switch on
// it exhaustively.
type Type string

const (
	TypeRegistered         Type = "registered"
	TypeRegistrationFailed Type = "registration-failed"
	TypeActivated          Type = "activated"
	TypeDeactivated        Type = "deactivated"
	TypeSessionExpired     Type = "session-expired"
	TypeConflict           Type = "conflict"
)

// Event carries the entity ids and reason for a single lifecycle transition.
type Event struct {
	Type      Type      `json:"type"`
	AgentID   string    `json:"agent_id"`
	SessionID string    `json:"session_id,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Time      time.Time `json:"time"`
}

// Handler receives a single event. Handlers run inline on the publishing
// goroutine; they must not block.
type Handler func(Event)

// Bus dispatches events synchronously to an explicit subscriber list.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe adds a handler. There is no unsubscribe; subscribers live for the
// lifetime of the owning runtime.
func (b *Bus) Subscribe(h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish delivers the event to every subscriber, in subscription order.
// The timestamp is filled in if the caller left it zero.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}
