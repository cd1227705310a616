package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultStartupGrace is how long activation waits before checking status.
	DefaultStartupGrace = 2 * time.Second
	// DefaultReloadDelay separates teardown from re-initialization on reload.
	DefaultReloadDelay = time.Second
)

// StartupResult summarizes one initialization run. It is not modified after
// it is returned.
type StartupResult struct {
	Total      int            `json:"total"`
	Successful int            `json:"successful"`
	Failed     int            `json:"failed"`
	Servers    []ServerResult `json:"servers"`
}

// ServerResult is the outcome for one declared server.
type ServerResult struct {
	ServerName string `json:"server_name"`
	ServerID   string `json:"server_id"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
}

// OrchestratorOptions tunes startup timing. Zero values use the defaults.
type OrchestratorOptions struct {
	Grace        time.Duration
	PollInterval time.Duration
	ReloadDelay  time.Duration
}

// Orchestrator brings the servers declared in the config up and keeps the
// config file and the running set in step.
type Orchestrator struct {
	store   ConfigStore
	servers *ServerRegistry
	logger  *zap.Logger

	grace        time.Duration
	pollInterval time.Duration
	reloadDelay  time.Duration

	inflight singleflight.Group
	// editMu serializes config file edits.
	editMu sync.Mutex
}

// NewOrchestrator creates an orchestrator over store and servers.
func NewOrchestrator(store ConfigStore, servers *ServerRegistry, logger *zap.Logger, opts OrchestratorOptions) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		store:        store,
		servers:      servers,
		logger:       logger,
		grace:        opts.Grace,
		pollInterval: opts.PollInterval,
		reloadDelay:  opts.ReloadDelay,
	}
	if o.grace <= 0 {
		o.grace = DefaultStartupGrace
	}
	if o.pollInterval <= 0 {
		o.pollInterval = o.grace
	}
	if o.reloadDelay <= 0 {
		o.reloadDelay = DefaultReloadDelay
	}
	return o
}

// InitializeFromConfig starts every enabled server in the config, one at a
// time. Callers arriving while a run is in progress wait for that run and
// receive the same result. A caller whose ctx ends stops waiting, but the
// run itself continues for the others.
func (o *Orchestrator) InitializeFromConfig(ctx context.Context) (*StartupResult, error) {
	ch := o.inflight.DoChan("initialize", func() (any, error) {
		return o.initialize(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*StartupResult), nil
	}
}

func (o *Orchestrator) initialize(ctx context.Context) (*StartupResult, error) {
	cfg, err := o.store.Load()
	if err != nil {
		return nil, fmt.Errorf("load MCP config: %w", err)
	}

	names := cfg.EnabledServerNames()
	o.logger.Info("initializing MCP servers", zap.Int("servers", len(names)))

	result := &StartupResult{Total: len(names), Servers: make([]ServerResult, 0, len(names))}
	for _, name := range names {
		sr := o.activate(ctx, cfg, name)
		if sr.Success {
			result.Successful++
		} else {
			result.Failed++
		}
		result.Servers = append(result.Servers, sr)
	}

	o.logger.Info("MCP initialization complete",
		zap.Int("successful", result.Successful),
		zap.Int("total", result.Total))
	return result, nil
}

// activate starts one declared server and waits for it to connect. On
// failure the identity is released so the name can be retried. Servers that
// ended in the error state stay visible in the host with their message;
// servers still connecting are stopped.
func (o *Orchestrator) activate(ctx context.Context, cfg *Config, name string) ServerResult {
	sc := cfg.Servers[name]
	sr := ServerResult{ServerName: name}

	id, err := o.servers.AddServer(ctx, ServerSpec{
		Name:           name,
		Kind:           KindConfig,
		Config:         sc,
		ConnectTimeout: cfg.ConnectTimeout(sc),
	})
	sr.ServerID = id
	if err == nil {
		var st ServerStatus
		st, err = o.awaitConnected(ctx, id, cfg.RetriesFor(sc))
		if err != nil && st.State == StateConnecting {
			o.servers.discard(ctx, id)
		}
	}
	if err != nil {
		o.logger.Warn("MCP server failed to initialize", zap.String("server", name), zap.Error(err))
		sr.Error = err.Error()
		if id != "" {
			o.servers.ids.Unregister(id)
		}
		return sr
	}

	o.logger.Info("MCP server initialized", zap.String("server", name), zap.String("id", id))
	sr.Success = true
	return sr
}

// awaitConnected waits the grace interval and then checks the server state.
// A server still connecting is checked again up to retries more times.
func (o *Orchestrator) awaitConnected(ctx context.Context, id string, retries int) (ServerStatus, error) {
	if err := sleepCtx(ctx, o.grace); err != nil {
		return ServerStatus{}, err
	}
	for attempt := 0; ; attempt++ {
		st, err := o.servers.ServerStatus(ctx, id)
		if err != nil {
			return st, &ActivationError{ServerID: id, State: StateError, Err: err}
		}
		switch st.State {
		case StateConnected:
			return st, nil
		case StateConnecting:
			if attempt < retries {
				o.logger.Debug("MCP server still connecting", zap.String("server", id), zap.Int("attempt", attempt+1))
				if err := sleepCtx(ctx, o.pollInterval); err != nil {
					return st, err
				}
				continue
			}
		}
		msg := st.LastError
		if msg == "" {
			msg = "unknown error"
		}
		return st, &ActivationError{
			ServerID: id,
			State:    st.State,
			Err:      fmt.Errorf("server failed to connect: %s", msg),
		}
	}
}

// Reload stops every tracked server, waits for cleanup and initializes
// again from the config. Individual stop failures are logged.
func (o *Orchestrator) Reload(ctx context.Context) (*StartupResult, error) {
	o.logger.Info("reloading MCP configuration")

	current, err := o.servers.ListServers(ctx)
	if err != nil {
		o.logger.Warn("list servers for reload", zap.Error(err))
	}
	for _, st := range current {
		if err := o.servers.RemoveServer(ctx, st.ID); err != nil {
			o.logger.Warn("failed to remove server", zap.String("server", st.DisplayName), zap.Error(err))
			continue
		}
		o.servers.ids.Unregister(st.ID)
	}

	if err := sleepCtx(ctx, o.reloadDelay); err != nil {
		return nil, err
	}
	return o.InitializeFromConfig(ctx)
}

// AddServerToConfig declares a new server, writes it to the config and
// starts it. If the server cannot be started both the identity and the
// config entry are rolled back.
func (o *Orchestrator) AddServerToConfig(ctx context.Context, name string, sc ServerConfig) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: server name is required", ErrInvalidServerName)
	}
	id, err := ServerID(name, KindConfig)
	if err != nil {
		return "", err
	}

	o.editMu.Lock()
	defer o.editMu.Unlock()

	if _, taken := o.servers.ids.Lookup(id); taken {
		return "", fmt.Errorf("%w: server %q already exists", ErrIdentityConflict, name)
	}
	if _, err := o.servers.ServerStatus(ctx, id); err == nil {
		return "", fmt.Errorf("%w: server %q already exists", ErrIdentityConflict, name)
	}

	cfg, err := o.store.Load()
	if err != nil {
		return "", fmt.Errorf("load MCP config: %w", err)
	}
	if err := cfg.AddServer(name, sc); err != nil {
		return "", err
	}
	if err := o.store.Save(cfg); err != nil {
		return "", fmt.Errorf("save MCP config: %w", err)
	}

	rollback := func(cause error) error {
		o.servers.discard(ctx, id)
		o.servers.ids.Unregister(id)
		cfg.RemoveServer(name)
		if err := o.store.Save(cfg); err != nil {
			o.logger.Error("roll back MCP config", zap.String("server", name), zap.Error(err))
			return errors.Join(cause, fmt.Errorf("roll back config: %w", err))
		}
		return cause
	}

	if !sc.IsEnabled() {
		return id, nil
	}

	if _, err := o.servers.AddServer(ctx, ServerSpec{
		Name:           name,
		Kind:           KindConfig,
		Config:         sc,
		ConnectTimeout: cfg.ConnectTimeout(sc),
	}); err != nil {
		return "", rollback(err)
	}
	if _, err := o.awaitConnected(ctx, id, cfg.RetriesFor(sc)); err != nil {
		return "", rollback(err)
	}
	return id, nil
}

// UpdateServerInConfig replaces the declaration of an existing server. A
// copy running in this process is stopped first; the server is then started
// with the new settings if enabled. When it fails to connect the previous
// declaration is written back and the server is left stopped.
func (o *Orchestrator) UpdateServerInConfig(ctx context.Context, name string, sc ServerConfig) (string, error) {
	name = strings.TrimSpace(name)
	id, err := ServerID(name, KindConfig)
	if err != nil {
		return "", err
	}

	o.editMu.Lock()
	defer o.editMu.Unlock()

	cfg, err := o.store.Load()
	if err != nil {
		return "", fmt.Errorf("load MCP config: %w", err)
	}
	previous, ok := cfg.Servers[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrServerNotFound, name)
	}
	if err := cfg.UpdateServer(name, sc); err != nil {
		return "", err
	}
	if err := o.store.Save(cfg); err != nil {
		return "", fmt.Errorf("save MCP config: %w", err)
	}

	if running, ok := o.servers.ids.IDFor(name, KindConfig); ok {
		if err := o.servers.RemoveServer(ctx, running); err != nil && !errors.Is(err, ErrServerNotFound) {
			o.logger.Warn("failed to stop server", zap.String("server", name), zap.Error(err))
		}
		o.servers.ids.Unregister(running)
	}
	if !sc.IsEnabled() {
		return id, nil
	}

	sr := o.activate(ctx, cfg, name)
	if sr.Success {
		return id, nil
	}
	cause := &ActivationError{ServerID: id, State: StateError, Err: errors.New(sr.Error)}
	if err := cfg.UpdateServer(name, previous); err != nil {
		return "", errors.Join(cause, err)
	}
	if err := o.store.Save(cfg); err != nil {
		o.logger.Error("roll back MCP config", zap.String("server", name), zap.Error(err))
		return "", errors.Join(cause, fmt.Errorf("roll back config: %w", err))
	}
	return "", cause
}

// RemoveServerFromConfig stops a declared server and deletes it from the
// config. A failure to stop the server is only logged.
func (o *Orchestrator) RemoveServerFromConfig(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)

	o.editMu.Lock()
	defer o.editMu.Unlock()

	cfg, err := o.store.Load()
	if err != nil {
		return fmt.Errorf("load MCP config: %w", err)
	}
	if _, ok := cfg.Servers[name]; !ok {
		return fmt.Errorf("%w: %s", ErrServerNotFound, name)
	}

	if id, err := ServerID(name, KindConfig); err == nil {
		if err := o.servers.RemoveServer(ctx, id); err != nil && !errors.Is(err, ErrServerNotFound) {
			o.logger.Warn("failed to stop server", zap.String("server", name), zap.Error(err))
		}
		o.servers.ids.Unregister(id)
	}

	cfg.RemoveServer(name)
	if err := o.store.Save(cfg); err != nil {
		return fmt.Errorf("save MCP config: %w", err)
	}
	return nil
}

// SetServerEnabled persists the enabled flag of a declared server and starts
// or stops it to match. The flag is kept even if the server fails to start.
func (o *Orchestrator) SetServerEnabled(ctx context.Context, name string, enabled bool) error {
	o.editMu.Lock()
	defer o.editMu.Unlock()

	cfg, err := o.store.Load()
	if err != nil {
		return fmt.Errorf("load MCP config: %w", err)
	}
	if err := cfg.SetEnabled(name, enabled); err != nil {
		return err
	}
	if err := o.store.Save(cfg); err != nil {
		return fmt.Errorf("save MCP config: %w", err)
	}

	id, err := ServerID(name, KindConfig)
	if err != nil {
		return err
	}
	if !enabled {
		if err := o.servers.RemoveServer(ctx, id); err != nil && !errors.Is(err, ErrServerNotFound) {
			o.logger.Warn("failed to stop server", zap.String("server", name), zap.Error(err))
		}
		o.servers.ids.Unregister(id)
		return nil
	}

	if st, err := o.servers.ServerStatus(ctx, id); err == nil && st.State == StateConnected {
		return nil
	}
	sr := o.activate(ctx, cfg, name)
	if !sr.Success {
		return &ActivationError{ServerID: id, State: StateError, Err: errors.New(sr.Error)}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
