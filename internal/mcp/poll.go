package mcp

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// DefaultPollInterval is how often the status poller re-lists servers.
const DefaultPollInterval = 5 * time.Second

func (r *ServerRegistry) pollLoop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// previous is owned by this loop alone.
	previous := make(map[string]ServerState)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			list, err := r.ListServers(ctx)
			if err != nil {
				if ctx.Err() == nil {
					r.logger.Warn("status poll failed", zap.Error(err))
				}
				continue
			}
			for _, e := range diffStatuses(previous, list) {
				r.bus.Publish(e)
			}
			previous = make(map[string]ServerState, len(list))
			for _, st := range list {
				previous[st.ID] = st.State
			}
		}
	}
}

// diffStatuses returns the events implied by moving from previous to
// current. Servers seen for the first time are treated as coming from
// connecting.
func diffStatuses(previous map[string]ServerState, current []ServerStatus) []Event {
	var events []Event
	for _, st := range current {
		prev, ok := previous[st.ID]
		if !ok {
			prev = StateConnecting
		}
		if prev == st.State {
			continue
		}
		base := Event{ServerID: st.ID, DisplayName: st.DisplayName}
		switch st.State {
		case StateConnected:
			e := base
			e.Kind = EventConnected
			events = append(events, e)
			if len(st.Tools) > 0 {
				e := base
				e.Kind = EventToolsUpdated
				e.Tools = st.Tools
				events = append(events, e)
			}
		case StateDisconnected:
			e := base
			e.Kind = EventDisconnected
			events = append(events, e)
		case StateError:
			e := base
			e.Kind = EventError
			e.Error = st.LastError
			events = append(events, e)
		}
	}
	return events
}
