package mcp

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// EventKind names a server lifecycle event.
type EventKind string

const (
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
	EventError        EventKind = "error"
	EventToolsUpdated EventKind = "tools_updated"
)

// Event is delivered to listeners when a server changes state.
type Event struct {
	Kind        EventKind
	ServerID    string
	DisplayName string
	Error       string
	Tools       []ToolDescriptor
}

// Listener receives lifecycle events. A returned error is logged and does
// not affect delivery to other listeners.
type Listener func(Event) error

// EventBus fans lifecycle events out to registered listeners.
type EventBus struct {
	logger    *zap.Logger
	mu        sync.RWMutex
	nextID    int
	listeners map[int]Listener
	order     []int
}

// NewEventBus creates an event bus.
func NewEventBus(logger *zap.Logger) *EventBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventBus{logger: logger, listeners: make(map[int]Listener)}
}

// Subscribe registers l and returns a function that removes it. The
// returned function may be called more than once.
func (b *EventBus) Subscribe(l Listener) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = l
	b.order = append(b.order, id)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.listeners, id)
			for i, v := range b.order {
				if v == id {
					b.order = append(b.order[:i], b.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Publish delivers e to every listener in subscription order.
func (b *EventBus) Publish(e Event) {
	b.mu.RLock()
	ls := make([]Listener, 0, len(b.order))
	for _, id := range b.order {
		ls = append(ls, b.listeners[id])
	}
	b.mu.RUnlock()

	for _, l := range ls {
		if err := b.deliver(l, e); err != nil {
			b.logger.Warn("event listener failed",
				zap.String("event", string(e.Kind)),
				zap.String("server", e.ServerID),
				zap.Error(err))
		}
	}
}

func (b *EventBus) deliver(l Listener, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	return l(e)
}
