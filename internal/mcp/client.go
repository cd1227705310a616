package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
)

const defaultConnectTimeout = 30 * time.Second

// Client wraps an MCP server connection.
type Client struct {
	id      string
	config  ServerConfig
	logger  *zap.Logger
	client  *mcp.Client
	session *mcp.ClientSession
	cancel  context.CancelFunc
	tools   []ToolDescriptor
	allowed []glob.Glob
	mu      sync.RWMutex
	running bool
	gen     uint64 // bumped by Start and Stop; a stale handshake discards itself

	onToolsChanged func([]ToolDescriptor)
}

// NewClient creates a new MCP client for the given server configuration.
func NewClient(id string, config ServerConfig, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		id:     id,
		config: config,
		logger: logger.With(zap.String("server", id)),
	}
	for _, pattern := range config.AllowedTools {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("allowedTools pattern %q: %w", pattern, err)
		}
		c.allowed = append(c.allowed, g)
	}
	return c, nil
}

// ID returns the server id.
func (c *Client) ID() string {
	return c.id
}

// OnToolsChanged registers a callback fired after the tool list is refreshed.
func (c *Client) OnToolsChanged(fn func([]ToolDescriptor)) {
	c.mu.Lock()
	c.onToolsChanged = fn
	c.mu.Unlock()
}

// Start launches the server and initializes the session. The process lives
// as long as ctx; connectTimeout only bounds the handshake and first tool
// listing. The lock is not held while connecting, so Stop can abort a
// handshake in progress.
func (c *Client) Start(ctx context.Context, connectTimeout time.Duration) error {
	c.mu.Lock()
	if c.running || c.cancel != nil {
		c.mu.Unlock()
		return nil
	}
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}

	lifetime, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.gen++
	gen := c.gen
	client := mcp.NewClient(&mcp.Implementation{
		Name:    "toolrelay",
		Version: "1.0.0",
	}, &mcp.ClientOptions{
		ToolListChangedHandler: func(context.Context, *mcp.ToolListChangedRequest) {
			go c.handleToolListChanged()
		},
	})
	c.client = client
	transport := c.createTransport(lifetime)
	c.mu.Unlock()

	connectCtx, connectCancel := context.WithTimeout(lifetime, connectTimeout)
	defer connectCancel()

	session, err := client.Connect(connectCtx, transport, nil)
	var tools []ToolDescriptor
	if err == nil {
		tools, err = c.listTools(connectCtx, session)
		if err != nil {
			session.Close()
			err = fmt.Errorf("list tools from %s: %w", c.id, err)
		}
	} else {
		err = fmt.Errorf("connect to MCP server %s: %w", c.id, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		// Stopped while connecting.
		cancel()
		if err == nil {
			session.Close()
		}
		return fmt.Errorf("MCP server %s stopped while connecting", c.id)
	}
	if err != nil {
		cancel()
		c.cancel = nil
		return err
	}
	c.session = session
	c.tools = tools
	c.running = true
	return nil
}

func (c *Client) createTransport(ctx context.Context) mcp.Transport {
	if c.config.TransportType() == "http" {
		return c.createHTTPTransport()
	}
	return c.createStdioTransport(ctx)
}

// createStdioTransport builds the command transport. Custom env vars are
// layered on top of the parent environment; with none, cmd.Env stays nil and
// the child inherits everything.
func (c *Client) createStdioTransport(ctx context.Context) mcp.Transport {
	cmd := exec.CommandContext(ctx, c.config.Command, c.config.Args...)
	if len(c.config.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range c.config.Env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
	}
	if c.config.Cwd != "" {
		cmd.Dir = c.config.Cwd
	}
	return &mcp.CommandTransport{Command: cmd}
}

func (c *Client) createHTTPTransport() mcp.Transport {
	httpClient := http.DefaultClient
	if len(c.config.Headers) > 0 {
		httpClient = &http.Client{Transport: &headerTransport{
			base:    http.DefaultTransport,
			headers: c.config.Headers,
		}}
	}
	return &mcp.StreamableClientTransport{
		Endpoint:   c.config.URL,
		HTTPClient: httpClient,
	}
}

// headerTransport adds static headers to every request.
type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		req.Header.Set(k, os.ExpandEnv(v))
	}
	return t.base.RoundTrip(req)
}

// Stop closes the MCP server connection, aborting a handshake in progress.
func (c *Client) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gen++
	var err error
	if c.session != nil {
		err = c.session.Close()
		c.session = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.running = false
	c.tools = nil
	return err
}

// IsRunning returns whether the client is connected.
func (c *Client) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// Tools returns the available tools from this server.
func (c *Client) Tools() []ToolDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tools
}

func (c *Client) handleToolListChanged() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()

	c.mu.RLock()
	session := c.session
	running := c.running
	c.mu.RUnlock()
	if !running || session == nil {
		return
	}

	tools, err := c.listTools(ctx, session)
	if err != nil {
		c.logger.Warn("refresh tools after list change", zap.Error(err))
		return
	}

	c.mu.Lock()
	if c.session != session {
		c.mu.Unlock()
		return
	}
	c.tools = tools
	notify := c.onToolsChanged
	c.mu.Unlock()

	c.logger.Debug("tool list changed", zap.Int("tools", len(tools)))
	if notify != nil {
		notify(tools)
	}
}

// listTools fetches the tool list from session, filtered by allowedTools.
func (c *Client) listTools(ctx context.Context, session *mcp.ClientSession) ([]ToolDescriptor, error) {
	result, err := session.ListTools(ctx, nil)
	if err != nil {
		return nil, err
	}

	tools := make([]ToolDescriptor, 0, len(result.Tools))
	for _, t := range result.Tools {
		if !c.toolAllowed(t.Name) {
			continue
		}
		schema := make(map[string]any)
		if t.InputSchema != nil {
			if m, ok := t.InputSchema.(map[string]any); ok {
				schema = m
			} else if data, err := json.Marshal(t.InputSchema); err == nil {
				_ = json.Unmarshal(data, &schema)
			}
		}
		tools = append(tools, ToolDescriptor{
			Name:        t.Name,
			RawName:     t.Name,
			Description: t.Description,
			Schema:      schema,
		})
	}
	return tools, nil
}

func (c *Client) toolAllowed(name string) bool {
	if len(c.allowed) == 0 {
		return true
	}
	for _, g := range c.allowed {
		if g.Match(name) {
			return true
		}
	}
	return false
}

// CallTool invokes a tool on the MCP server. Tool-level failures reported by
// the server come back as an unsuccessful ToolResponse, not as an error.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (ToolResponse, error) {
	c.mu.RLock()
	session := c.session
	running := c.running
	c.mu.RUnlock()

	if !running || session == nil {
		return ToolResponse{}, fmt.Errorf("MCP server %s is not running", c.id)
	}

	result, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return ToolResponse{}, fmt.Errorf("call tool %s: %w", name, err)
	}

	if result.IsError {
		return ToolResponse{Success: false, Error: formatContent(result.Content)}, nil
	}

	content, err := json.Marshal(result.Content)
	if err != nil {
		return ToolResponse{}, fmt.Errorf("encode result of %s: %w", name, err)
	}
	return ToolResponse{Success: true, Content: content}, nil
}

// formatContent converts MCP content to a string.
func formatContent(content []mcp.Content) string {
	var sb strings.Builder
	for _, c := range content {
		switch v := c.(type) {
		case *mcp.TextContent:
			sb.WriteString(v.Text)
		default:
			if data, err := json.Marshal(c); err == nil {
				sb.Write(data)
			}
		}
	}
	return sb.String()
}
