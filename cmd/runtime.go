package cmd

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/samsaffron/toolrelay/internal/mcp"
	"github.com/samsaffron/toolrelay/internal/session"
	"github.com/samsaffron/toolrelay/internal/tools"
)

// mcpRuntime is the object graph behind every command that talks to
// servers. It is built once per invocation.
type mcpRuntime struct {
	store   *mcp.FileConfigStore
	host    *mcp.Manager
	servers *mcp.ServerRegistry
	orch    *mcp.Orchestrator
	cache   *mcp.ToolCache
}

func newMCPRuntime() (*mcpRuntime, error) {
	store, err := mcp.NewFileConfigStore(cfg.MCP.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("locate MCP config: %w", err)
	}
	cache, err := mcp.NewToolCache("")
	if err != nil {
		return nil, fmt.Errorf("locate tool cache: %w", err)
	}
	host := mcp.NewManager(logger.Named("host"), cache)
	servers := mcp.NewServerRegistry(host, mcp.NewIdentityRegistry(), mcp.NewEventBus(logger), logger.Named("servers"))
	orch := mcp.NewOrchestrator(store, servers, logger.Named("startup"), mcp.OrchestratorOptions{
		Grace:       cfg.MCP.StartupGrace,
		ReloadDelay: cfg.MCP.ReloadDelay,
	})
	return &mcpRuntime{store: store, host: host, servers: servers, orch: orch, cache: cache}, nil
}

// start brings up the configured servers and logs lifecycle events.
func (rt *mcpRuntime) start(ctx context.Context) (*mcp.StartupResult, error) {
	rt.servers.Subscribe(func(e mcp.Event) error {
		fields := []zap.Field{zap.String("server", e.ServerID), zap.String("event", string(e.Kind))}
		if e.Error != "" {
			fields = append(fields, zap.String("error", e.Error))
		}
		logger.Info("server event", fields...)
		return nil
	})
	return rt.orch.InitializeFromConfig(ctx)
}

func (rt *mcpRuntime) Close() {
	rt.servers.StopPolling()
	if err := rt.host.Close(); err != nil {
		logger.Warn("stop servers", zap.Error(err))
	}
}

// newRouter builds the tool router over the running servers and the local
// tool table.
func (rt *mcpRuntime) newRouter() (*tools.Router, error) {
	var local []tools.LocalTool
	if cfg.Tools.Weather {
		local = append(local, tools.NewWeatherTool())
	}
	table, err := tools.NewLocalTable(local...)
	if err != nil {
		return nil, err
	}
	return tools.NewRouter(rt.servers, table, cfg.Tools.Timeout, logger.Named("tools")), nil
}

func openStore() (session.Store, error) {
	dataDir, err := cfg.GetDataDir()
	if err != nil {
		return nil, err
	}
	store, err := session.NewStore(session.Config{Enabled: true, Path: session.DBPath(dataDir)})
	if err != nil {
		return nil, fmt.Errorf("open conversation store: %w", err)
	}
	return store, nil
}
