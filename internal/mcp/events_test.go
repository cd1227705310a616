package mcp

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestEventBus_ListenerIsolation(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	bus := NewEventBus(zap.New(core))

	var got []string
	bus.Subscribe(func(e Event) error {
		got = append(got, "first")
		panic("listener blew up")
	})
	bus.Subscribe(func(e Event) error {
		got = append(got, "second")
		return errors.New("listener failed")
	})
	bus.Subscribe(func(e Event) error {
		got = append(got, "third")
		return nil
	})

	bus.Publish(Event{Kind: EventConnected, ServerID: "config_fs"})

	assert.Equal(t, []string{"first", "second", "third"}, got)
	assert.Equal(t, 2, logs.FilterMessage("event listener failed").Len())
}

func TestEventBus_Unsubscribe(t *testing.T) {
	bus := NewEventBus(nil)
	var a, b int
	unsubA := bus.Subscribe(func(Event) error { a++; return nil })
	bus.Subscribe(func(Event) error { b++; return nil })

	bus.Publish(Event{Kind: EventError})
	unsubA()
	unsubA()
	bus.Publish(Event{Kind: EventError})

	assert.Equal(t, 1, a)
	assert.Equal(t, 2, b)
}

func TestEventBus_SubscribeDuringPublish(t *testing.T) {
	bus := NewEventBus(nil)
	var late int
	bus.Subscribe(func(Event) error {
		bus.Subscribe(func(Event) error { late++; return nil })
		return nil
	})

	bus.Publish(Event{Kind: EventConnected})
	assert.Zero(t, late, "listeners added during delivery see the next event")
	bus.Publish(Event{Kind: EventConnected})
	assert.Equal(t, 1, late)
}
