package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ServerRegistry tracks live server status on top of a Host and publishes
// lifecycle events. It is the only writer of the status cache.
type ServerRegistry struct {
	host   Host
	ids    *IdentityRegistry
	bus    *EventBus
	logger *zap.Logger

	mu       sync.RWMutex
	statuses map[string]ServerStatus

	pollMu     sync.Mutex
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// NewServerRegistry wires a registry to its host, identity table and bus.
func NewServerRegistry(host Host, ids *IdentityRegistry, bus *EventBus, logger *zap.Logger) *ServerRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if bus == nil {
		bus = NewEventBus(logger)
	}
	return &ServerRegistry{
		host:     host,
		ids:      ids,
		bus:      bus,
		logger:   logger,
		statuses: make(map[string]ServerStatus),
	}
}

// Identities returns the identity table.
func (r *ServerRegistry) Identities() *IdentityRegistry { return r.ids }

// Subscribe registers l on the registry's event bus.
func (r *ServerRegistry) Subscribe(l Listener) func() { return r.bus.Subscribe(l) }

// AddServer registers the server identity and asks the host to start it.
// The status cache changes only after the host acknowledges. On failure an
// error event is published and the identity stays registered for retry.
func (r *ServerRegistry) AddServer(ctx context.Context, spec ServerSpec) (string, error) {
	if spec.Kind == "" {
		spec.Kind = KindManual
	}
	id, err := r.ids.Create(spec.Name, spec.Kind)
	if err != nil {
		return "", err
	}
	spec.ID = id

	if err := r.host.AddServer(ctx, spec); err != nil {
		r.bus.Publish(Event{Kind: EventError, ServerID: id, DisplayName: spec.Name, Error: err.Error()})
		return id, &ActivationError{ServerID: id, State: StateError, Err: err}
	}

	status := ServerStatus{ID: id, DisplayName: spec.Name, State: StateConnecting}
	if st, err := r.host.GetServerStatus(ctx, id); err == nil {
		status = st
		status.DisplayName = spec.Name
	}
	r.mu.Lock()
	r.statuses[id] = status
	r.mu.Unlock()

	r.logger.Info("server added", zap.String("server", id), zap.String("name", spec.Name))
	r.bus.Publish(Event{Kind: EventConnected, ServerID: id, DisplayName: spec.Name})
	return id, nil
}

// RemoveServer asks the host to tear the server down and evicts it from the
// status cache.
func (r *ServerRegistry) RemoveServer(ctx context.Context, id string) error {
	if err := r.host.RemoveServer(ctx, id); err != nil {
		return fmt.Errorf("remove server %s: %w", id, err)
	}
	r.mu.Lock()
	delete(r.statuses, id)
	r.mu.Unlock()

	r.logger.Info("server removed", zap.String("server", id))
	r.bus.Publish(Event{Kind: EventDisconnected, ServerID: id, DisplayName: r.ids.DisplayName(id)})
	return nil
}

// discard drops a server from the host and the cache without publishing an
// event. Used when an activation is rolled back.
func (r *ServerRegistry) discard(ctx context.Context, id string) {
	if err := r.host.RemoveServer(ctx, id); err != nil && !errors.Is(err, ErrServerNotFound) {
		r.logger.Warn("discard server", zap.String("server", id), zap.Error(err))
	}
	r.mu.Lock()
	delete(r.statuses, id)
	r.mu.Unlock()
}

// CallTool invokes rawName on server id. Upstream failures come back as a
// *ToolCallError carrying the server's error text.
func (r *ServerRegistry) CallTool(ctx context.Context, id, rawName string, args map[string]any) (json.RawMessage, error) {
	resp, err := r.host.CallTool(ctx, id, rawName, args)
	if err != nil {
		return nil, &ToolCallError{ServerID: id, Tool: rawName, Err: err}
	}
	if !resp.Success {
		msg := resp.Error
		if msg == "" {
			msg = "unknown error"
		}
		return nil, &ToolCallError{ServerID: id, Tool: rawName, Message: msg}
	}
	return resp.Content, nil
}

// ListServers refreshes the status cache from the host and returns it,
// decorated with display names and sorted by id.
func (r *ServerRegistry) ListServers(ctx context.Context) ([]ServerStatus, error) {
	list, err := r.host.ListServers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}

	fresh := make(map[string]ServerStatus, len(list))
	for i := range list {
		list[i].DisplayName = r.ids.DisplayName(list[i].ID)
		fresh[list[i].ID] = list[i]
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })

	r.mu.Lock()
	r.statuses = fresh
	r.mu.Unlock()
	return list, nil
}

// ServerStatus queries one server and updates its cache entry.
func (r *ServerRegistry) ServerStatus(ctx context.Context, id string) (ServerStatus, error) {
	st, err := r.host.GetServerStatus(ctx, id)
	if err != nil {
		return ServerStatus{}, err
	}
	st.DisplayName = r.ids.DisplayName(id)
	r.mu.Lock()
	r.statuses[id] = st
	r.mu.Unlock()
	return st, nil
}

// CachedStatus returns the last known status without asking the host.
func (r *ServerRegistry) CachedStatus(id string) (ServerStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.statuses[id]
	return st, ok
}

// GetAllTools returns every server's tools with names rewritten to their
// qualified form.
func (r *ServerRegistry) GetAllTools(ctx context.Context) ([]ServerTools, error) {
	raw, err := r.host.GetAllTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("get tools: %w", err)
	}

	out := make([]ServerTools, 0, len(raw))
	for id, tools := range raw {
		qualified := make([]ToolDescriptor, 0, len(tools))
		for _, t := range tools {
			rawName := t.RawName
			if rawName == "" {
				rawName = t.Name
			}
			qualified = append(qualified, ToolDescriptor{
				Name:        EncodeToolName(id, rawName),
				RawName:     rawName,
				Description: t.Description,
				Schema:      t.Schema,
			})
		}
		out = append(out, ServerTools{ServerID: id, Tools: qualified})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServerID < out[j].ServerID })
	return out, nil
}

// StartPolling re-lists servers every interval and publishes events for
// state transitions. Calling it while already polling is a no-op.
func (r *ServerRegistry) StartPolling(interval time.Duration) {
	r.pollMu.Lock()
	defer r.pollMu.Unlock()
	if r.pollCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.pollCancel = cancel
	r.pollDone = make(chan struct{})
	go r.pollLoop(ctx, interval, r.pollDone)
}

// StopPolling stops the poll loop and waits for it to exit. It is safe to
// call repeatedly and before StartPolling.
func (r *ServerRegistry) StopPolling() {
	r.pollMu.Lock()
	cancel, done := r.pollCancel, r.pollDone
	r.pollCancel, r.pollDone = nil, nil
	r.pollMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
