package llm

import (
	"context"
	"io"
	"sync"
)

// eventStream adapts a producer goroutine to the Stream interface.
type eventStream struct {
	ctx       context.Context
	cancel    context.CancelFunc
	events    chan Event
	closeOnce sync.Once
}

// newEventStream runs produce in its own goroutine. An error returned by
// produce is delivered as a final EventError. Close cancels the producer
// and drains what it still sends, so a producer never blocks forever.
func newEventStream(ctx context.Context, produce func(ctx context.Context, events chan<- Event) error) Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &eventStream{
		ctx:    ctx,
		cancel: cancel,
		events: make(chan Event, 16),
	}
	go func() {
		defer close(s.events)
		if err := produce(ctx, s.events); err != nil {
			s.events <- Event{Type: EventError, Err: err}
		}
	}()
	return s
}

func (s *eventStream) Recv() (Event, error) {
	select {
	case ev, ok := <-s.events:
		if !ok {
			return Event{}, io.EOF
		}
		return ev, nil
	case <-s.ctx.Done():
		return Event{}, s.ctx.Err()
	}
}

func (s *eventStream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		for range s.events {
		}
	})
	return nil
}
