package mcp

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// serverEntry holds the state of a managed MCP server.
type serverEntry struct {
	spec   ServerSpec
	client *Client
	state  ServerState
	err    error
}

// Manager is the in-process Host: it owns the server processes and their
// MCP sessions.
type Manager struct {
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *zap.Logger
	cache   *ToolCache
	mu      sync.RWMutex
	servers map[string]*serverEntry
}

var _ Host = (*Manager)(nil)

// NewManager creates a host whose server processes live until Close.
func NewManager(logger *zap.Logger, cache *ToolCache) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
		cache:   cache,
		servers: make(map[string]*serverEntry),
	}
}

// AddServer registers the server and starts it in the background. The
// server is reported as connecting until the handshake finishes.
func (m *Manager) AddServer(ctx context.Context, spec ServerSpec) error {
	if !IsValidID(spec.ID) {
		return fmt.Errorf("%w: invalid server id %q", ErrInvalidServerName, spec.ID)
	}
	if err := spec.Config.Validate(); err != nil {
		return fmt.Errorf("%w: server %s: %w", ErrInvalidConfig, spec.ID, err)
	}

	m.mu.Lock()
	if entry, ok := m.servers[spec.ID]; ok {
		if entry.state == StateConnecting || entry.state == StateConnected {
			m.mu.Unlock()
			return nil
		}
	}

	client, err := NewClient(spec.ID, spec.Config, m.logger)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	entry := &serverEntry{spec: spec, client: client, state: StateConnecting}
	m.servers[spec.ID] = entry
	m.mu.Unlock()

	if m.cache != nil {
		client.OnToolsChanged(func(tools []ToolDescriptor) {
			m.cache.Store(spec.ID, tools)
		})
	}

	m.logger.Debug("starting MCP server", zap.String("server", spec.ID), zap.String("transport", spec.Config.TransportType()))

	go func() {
		err := client.Start(m.ctx, spec.ConnectTimeout)

		m.mu.Lock()
		// The entry may have been removed or replaced while connecting.
		if current, ok := m.servers[spec.ID]; !ok || current != entry {
			m.mu.Unlock()
			_ = client.Stop()
			return
		}
		if err != nil {
			entry.state = StateError
			entry.err = err
		} else {
			entry.state = StateConnected
			entry.err = nil
		}
		m.mu.Unlock()

		if err != nil {
			m.logger.Warn("MCP server failed to start", zap.String("server", spec.ID), zap.Error(err))
			return
		}
		m.logger.Info("MCP server connected", zap.String("server", spec.ID), zap.Int("tools", len(client.Tools())))
		if m.cache != nil {
			m.cache.Store(spec.ID, client.Tools())
		}
	}()

	return nil
}

// RemoveServer stops a server and forgets it.
func (m *Manager) RemoveServer(ctx context.Context, id string) error {
	m.mu.Lock()
	entry, ok := m.servers[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrServerNotFound, id)
	}
	delete(m.servers, id)
	m.mu.Unlock()

	if err := entry.client.Stop(); err != nil {
		return fmt.Errorf("stop %s: %w", id, err)
	}
	return nil
}

// CallTool routes a tool call to the server with the given id.
func (m *Manager) CallTool(ctx context.Context, id, tool string, args map[string]any) (ToolResponse, error) {
	m.mu.RLock()
	entry, ok := m.servers[id]
	var state ServerState
	if ok {
		state = entry.state
	}
	m.mu.RUnlock()

	if !ok {
		return ToolResponse{}, fmt.Errorf("%w: %s", ErrServerNotFound, id)
	}
	if state != StateConnected {
		return ToolResponse{Success: false, Error: fmt.Sprintf("server %s is %s", id, state)}, nil
	}
	return entry.client.CallTool(ctx, tool, args)
}

// ListServers returns the status of every managed server, sorted by id.
func (m *Manager) ListServers(ctx context.Context) ([]ServerStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ServerStatus, 0, len(m.servers))
	for _, entry := range m.servers {
		out = append(out, entry.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetAllTools returns raw tool lists keyed by server id. Servers without
// tools are left out.
func (m *Manager) GetAllTools(ctx context.Context) (map[string][]ToolDescriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string][]ToolDescriptor)
	for id, entry := range m.servers {
		if entry.state != StateConnected {
			continue
		}
		if tools := entry.client.Tools(); len(tools) > 0 {
			out[id] = tools
		}
	}
	return out, nil
}

// GetServerStatus returns the status of one server.
func (m *Manager) GetServerStatus(ctx context.Context, id string) (ServerStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.servers[id]
	if !ok {
		return ServerStatus{}, fmt.Errorf("%w: %s", ErrServerNotFound, id)
	}
	return entry.status(), nil
}

// Close stops all servers concurrently and releases the host.
func (m *Manager) Close() error {
	m.mu.Lock()
	entries := make([]*serverEntry, 0, len(m.servers))
	for _, e := range m.servers {
		entries = append(entries, e)
	}
	m.servers = make(map[string]*serverEntry)
	m.mu.Unlock()

	var g errgroup.Group
	for _, e := range entries {
		g.Go(func() error {
			if err := e.client.Stop(); err != nil {
				return fmt.Errorf("stop %s: %w", e.spec.ID, err)
			}
			return nil
		})
	}
	err := g.Wait()
	m.cancel()
	return err
}

func (e *serverEntry) status() ServerStatus {
	st := ServerStatus{ID: e.spec.ID, DisplayName: e.spec.Name, State: e.state}
	if e.err != nil {
		st.LastError = e.err.Error()
	}
	if e.state == StateConnected {
		st.Tools = e.client.Tools()
	}
	return st
}
