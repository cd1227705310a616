package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/gobwas/glob"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/samsaffron/toolrelay/internal/mcp"
	appsignal "github.com/samsaffron/toolrelay/internal/signal"
)

var (
	mcpAddURL     string
	mcpAddHeaders []string
	mcpAddEnv     []string
	mcpAddCwd     string
	mcpAddAllow   []string
	mcpAddRetries int
	mcpAddUpdate  bool

	mcpToolsFilter string
	mcpToolsCached bool
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Manage MCP (Model Context Protocol) servers",
	Long: `Manage the MCP servers declared in mcp.json.

Examples:
  toolrelay mcp list                               # list declared servers
  toolrelay mcp add git -- uvx mcp-server-git      # declare and start a stdio server
  toolrelay mcp add docs --url https://host/mcp    # declare an HTTP server
  toolrelay mcp status                             # start all and report state
  toolrelay mcp tools --filter 'mcp__config_git__*'
  toolrelay mcp call mcp__config_git__git_status '{"repo_path":"."}'
  toolrelay mcp watch                              # reload when mcp.json changes`,
}

var mcpListCmd = &cobra.Command{
	Use:   "list",
	Short: "List declared MCP servers",
	Args:  cobra.NoArgs,
	RunE:  mcpList,
}

var mcpPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print MCP configuration file path",
	Args:  cobra.NoArgs,
	RunE:  mcpPath,
}

var mcpInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create mcp.json with default settings if it does not exist",
	Args:  cobra.NoArgs,
	RunE:  mcpInit,
}

var mcpAddCmd = &cobra.Command{
	Use:   "add <name> [-- command args...]",
	Short: "Declare a server, write it to mcp.json and start it",
	Long: `Declare a server and start it. If the server does not reach the
connected state within the startup grace period the declaration is rolled
back.

Examples:
  toolrelay mcp add fs -- npx -y @modelcontextprotocol/server-filesystem /tmp
  toolrelay mcp add docs --url https://example.com/mcp --header "Authorization=Bearer ${TOKEN}"
  toolrelay mcp add --update fs -- npx -y @modelcontextprotocol/server-filesystem /srv

With --update an existing declaration is replaced instead. If the server
then fails to connect the previous declaration is restored.`,
	Args: cobra.MinimumNArgs(1),
	RunE: mcpAdd,
}

var mcpRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a server from mcp.json",
	Args:  cobra.ExactArgs(1),
	RunE:  mcpRemove,
}

var mcpEnableCmd = &cobra.Command{
	Use:   "enable <name>",
	Short: "Enable a declared server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return mcpSetEnabled(cmd, args[0], true)
	},
}

var mcpDisableCmd = &cobra.Command{
	Use:   "disable <name>",
	Short: "Disable a declared server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return mcpSetEnabled(cmd, args[0], false)
	},
}

var mcpStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Start every enabled server and report its state",
	Args:  cobra.NoArgs,
	RunE:  mcpStatus,
}

var mcpReloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Start every enabled server, restart them all and report the result",
	Args:  cobra.NoArgs,
	RunE:  mcpReload,
}

var mcpToolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List tools by qualified name",
	Args:  cobra.NoArgs,
	RunE:  mcpTools,
}

var mcpCallCmd = &cobra.Command{
	Use:   "call <qualified-tool> [json-args]",
	Short: "Call a tool and print its result",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  mcpCall,
}

var mcpWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the servers and reload them whenever mcp.json changes",
	Args:  cobra.NoArgs,
	RunE:  mcpWatch,
}

func init() {
	mcpAddCmd.Flags().StringVar(&mcpAddURL, "url", "", "Streamable HTTP endpoint instead of a command")
	mcpAddCmd.Flags().StringArrayVar(&mcpAddHeaders, "header", nil, "HTTP header as KEY=VALUE (repeatable)")
	mcpAddCmd.Flags().StringArrayVar(&mcpAddEnv, "env", nil, "Environment variable as KEY=VALUE (repeatable)")
	mcpAddCmd.Flags().StringVar(&mcpAddCwd, "cwd", "", "Working directory for the server process")
	mcpAddCmd.Flags().StringArrayVar(&mcpAddAllow, "allow", nil, "Only expose tools matching this glob (repeatable)")
	mcpAddCmd.Flags().IntVar(&mcpAddRetries, "retries", -1, "Status re-checks while the server is still connecting")
	mcpAddCmd.Flags().BoolVar(&mcpAddUpdate, "update", false, "Replace an existing server declaration")

	mcpToolsCmd.Flags().StringVar(&mcpToolsFilter, "filter", "", "Glob on the qualified tool name")
	mcpToolsCmd.Flags().BoolVar(&mcpToolsCached, "cached", false, "List tools from the cache without starting servers")

	rootCmd.AddCommand(mcpCmd)
	mcpCmd.AddCommand(mcpListCmd, mcpPathCmd, mcpInitCmd, mcpAddCmd, mcpRemoveCmd,
		mcpEnableCmd, mcpDisableCmd, mcpStatusCmd, mcpReloadCmd, mcpToolsCmd, mcpCallCmd, mcpWatchCmd)
}

func mcpList(cmd *cobra.Command, args []string) error {
	rt, err := newMCPRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	mcfg, err := rt.store.Load()
	if err != nil {
		return fmt.Errorf("load MCP config: %w", err)
	}

	names := mcfg.ServerNames()
	if len(names) == 0 {
		fmt.Println("No MCP servers configured.")
		fmt.Println()
		fmt.Println("Add one with: toolrelay mcp add <name> -- <command> [args...]")
		return nil
	}

	fmt.Printf("Configured MCP servers (%d):\n\n", len(names))
	for _, name := range names {
		sc := mcfg.Servers[name]
		label := name
		if !sc.IsEnabled() {
			label += render(mutedStyle, " (disabled)")
		}
		fmt.Printf("  %s\n", render(headerStyle, label))
		if sc.TransportType() == "http" {
			fmt.Printf("    url: %s\n", sc.URL)
		} else {
			fmt.Printf("    command: %s %s\n", sc.Command, strings.Join(sc.Args, " "))
		}
		if len(sc.Env) > 0 {
			fmt.Printf("    env: %d variables\n", len(sc.Env))
		}
		if id, err := mcp.ServerID(name, mcp.KindConfig); err == nil {
			if cached := rt.cache.Load(id); len(cached) > 0 {
				fmt.Printf("    tools: %d (cached)\n", len(cached))
			}
		}
	}

	fmt.Printf("\nConfig file: %s\n", rt.store.Path)
	return nil
}

func mcpPath(cmd *cobra.Command, args []string) error {
	store, err := mcp.NewFileConfigStore(cfg.MCP.ConfigPath)
	if err != nil {
		return err
	}
	if _, err := os.Stat(store.Path); os.IsNotExist(err) {
		fmt.Printf("%s (not created yet)\n", store.Path)
	} else {
		fmt.Println(store.Path)
	}
	return nil
}

func mcpInit(cmd *cobra.Command, args []string) error {
	store, err := mcp.NewFileConfigStore(cfg.MCP.ConfigPath)
	if err != nil {
		return err
	}
	if _, err := os.Stat(store.Path); err == nil {
		fmt.Printf("%s already exists\n", store.Path)
		return nil
	}
	// Loading a missing file writes the defaults.
	if _, err := store.Load(); err != nil {
		return err
	}
	fmt.Printf("Created %s\n", store.Path)
	return nil
}

func mcpAdd(cmd *cobra.Command, args []string) error {
	name := args[0]
	sc := mcp.ServerConfig{
		URL:          mcpAddURL,
		Cwd:          mcpAddCwd,
		AllowedTools: mcpAddAllow,
	}
	if rest := args[1:]; len(rest) > 0 {
		sc.Command = rest[0]
		sc.Args = rest[1:]
	}
	if mcpAddRetries >= 0 {
		r := mcpAddRetries
		sc.Retries = &r
	}
	var err error
	if sc.Env, err = parseKeyValues(mcpAddEnv); err != nil {
		return fmt.Errorf("--env: %w", err)
	}
	if sc.Headers, err = parseKeyValues(mcpAddHeaders); err != nil {
		return fmt.Errorf("--header: %w", err)
	}

	rt, err := newMCPRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	fmt.Printf("Starting '%s'...\n", name)
	verb := "Added"
	var id string
	if mcpAddUpdate {
		verb = "Updated"
		id, err = rt.orch.UpdateServerInConfig(cmd.Context(), name, sc)
	} else {
		id, err = rt.orch.AddServerToConfig(cmd.Context(), name, sc)
	}
	if err != nil {
		return err
	}
	st, _ := rt.servers.CachedStatus(id)
	fmt.Printf("%s '%s' as %s (%d tools) in %s\n", verb, name, id, len(st.Tools), rt.store.Path)
	return nil
}

func mcpRemove(cmd *cobra.Command, args []string) error {
	rt, err := newMCPRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.orch.RemoveServerFromConfig(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Removed '%s' from config\n", args[0])
	return nil
}

func mcpSetEnabled(cmd *cobra.Command, name string, enabled bool) error {
	rt, err := newMCPRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	err = rt.orch.SetServerEnabled(cmd.Context(), name, enabled)
	if errors.Is(err, mcp.ErrServerNotFound) {
		return err
	}
	verb := "Disabled"
	if enabled {
		verb = "Enabled"
	}
	fmt.Printf("%s '%s'\n", verb, name)
	if err != nil {
		// the flag is saved even when the server failed to start
		fmt.Println(render(warnStyle, "warning: "+err.Error()))
	}
	return nil
}

func mcpStatus(cmd *cobra.Command, args []string) error {
	rt, err := newMCPRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	res, err := rt.start(cmd.Context())
	if err != nil {
		return err
	}
	return printStatus(cmd.Context(), rt, res)
}

func mcpReload(cmd *cobra.Command, args []string) error {
	rt, err := newMCPRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	if _, err := rt.start(cmd.Context()); err != nil {
		return err
	}
	res, err := rt.orch.Reload(cmd.Context())
	if err != nil {
		return err
	}
	return printStatus(cmd.Context(), rt, res)
}

func printStatus(ctx context.Context, rt *mcpRuntime, res *mcp.StartupResult) error {
	summary := fmt.Sprintf("%d/%d servers started", res.Successful, res.Total)
	if res.Failed > 0 {
		summary += render(errStyle, fmt.Sprintf(", %d failed", res.Failed))
	}
	fmt.Println(render(headerStyle, summary))
	fmt.Println()

	statuses, err := rt.servers.ListServers(ctx)
	if err != nil {
		return err
	}
	byID := make(map[string]mcp.ServerStatus, len(statuses))
	for _, st := range statuses {
		byID[st.ID] = st
	}
	for _, sr := range res.Servers {
		st, ok := byID[sr.ServerID]
		state := mcp.StateError
		if ok {
			state = st.State
		}
		fmt.Printf("  %-24s %s\n", sr.ServerName, render(stateStyle(state), string(state)))
		switch {
		case sr.Error != "":
			fmt.Printf("    %s\n", render(errStyle, sr.Error))
		case ok:
			fmt.Printf("    %s, %d tools\n", render(mutedStyle, sr.ServerID), len(st.Tools))
		}
	}
	return nil
}

func mcpTools(cmd *cobra.Command, args []string) error {
	var matcher glob.Glob
	if mcpToolsFilter != "" {
		g, err := glob.Compile(mcpToolsFilter)
		if err != nil {
			return fmt.Errorf("invalid --filter: %w", err)
		}
		matcher = g
	}

	rt, err := newMCPRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	var servers []mcp.ServerTools
	if mcpToolsCached {
		for id, descs := range rt.cache.All() {
			st := mcp.ServerTools{ServerID: id}
			for _, d := range descs {
				d.Name = mcp.EncodeToolName(id, d.RawName)
				st.Tools = append(st.Tools, d)
			}
			servers = append(servers, st)
		}
		sort.Slice(servers, func(i, j int) bool { return servers[i].ServerID < servers[j].ServerID })
	} else {
		if _, err := rt.start(cmd.Context()); err != nil {
			return err
		}
		if servers, err = rt.servers.GetAllTools(cmd.Context()); err != nil {
			return err
		}
	}

	count := 0
	for _, st := range servers {
		for _, t := range st.Tools {
			if matcher != nil && !matcher.Match(t.Name) {
				continue
			}
			count++
			fmt.Println(render(headerStyle, t.Name))
			if t.Description != "" {
				desc := t.Description
				if len(desc) > 72 {
					desc = desc[:69] + "..."
				}
				fmt.Printf("    %s\n", render(mutedStyle, desc))
			}
		}
	}
	if count == 0 {
		fmt.Println("No tools found.")
	}
	return nil
}

func mcpCall(cmd *cobra.Command, args []string) error {
	name := args[0]
	raw := json.RawMessage(`{}`)
	if len(args) == 2 {
		if !json.Valid([]byte(args[1])) {
			return fmt.Errorf("arguments must be valid JSON")
		}
		raw = json.RawMessage(args[1])
	}

	rt, err := newMCPRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	if mcp.IsQualifiedToolName(name) {
		if _, err := rt.start(cmd.Context()); err != nil {
			return err
		}
	}
	router, err := rt.newRouter()
	if err != nil {
		return err
	}
	// Populate the known names so a miss can suggest close matches.
	if _, err := router.Specs(cmd.Context()); err != nil {
		logger.Debug("list tools", zap.Error(err))
	}
	out, err := router.Execute(cmd.Context(), name, raw)
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}

func mcpWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := appsignal.NotifyContext(cmd.Context())
	defer stop()

	rt, err := newMCPRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	res, err := rt.start(ctx)
	if err != nil {
		return err
	}
	logger.Info("servers started",
		zap.Int("total", res.Total),
		zap.Int("successful", res.Successful),
		zap.Int("failed", res.Failed))
	rt.servers.StartPolling(cfg.MCP.PollInterval)

	w := &mcp.ConfigWatcher{
		Path:     rt.store.Path,
		Debounce: cfg.MCP.WatchDebounce,
		Logger:   logger.Named("watch"),
		OnChange: func(ctx context.Context) error {
			res, err := rt.orch.Reload(ctx)
			if err != nil {
				return err
			}
			logger.Info("reloaded MCP config",
				zap.Int("total", res.Total),
				zap.Int("successful", res.Successful),
				zap.Int("failed", res.Failed))
			return nil
		},
	}
	return w.Run(ctx)
}

func parseKeyValues(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("expected KEY=VALUE, got %q", p)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}
