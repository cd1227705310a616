package mcp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, cfg ServerConfig) *Client {
	t.Helper()
	c, err := NewClient("test", cfg, nil)
	require.NoError(t, err)
	return c
}

func TestCreateStdioTransport_InheritsEnv(t *testing.T) {
	client := newTestClient(t, ServerConfig{
		Command: "echo",
		Args:    []string{"hello"},
		Env:     map[string]string{"CUSTOM_VAR": "custom_value"},
	})

	ct, ok := client.createStdioTransport(context.Background()).(*sdkmcp.CommandTransport)
	require.True(t, ok, "expected sdkmcp.CommandTransport")
	require.NotNil(t, ct.Command.Env)

	hasPath := false
	for _, e := range ct.Command.Env {
		if strings.HasPrefix(e, "PATH=") {
			hasPath = true
		}
	}
	assert.True(t, hasPath, "parent PATH not inherited in subprocess env")
	assert.Contains(t, ct.Command.Env, "CUSTOM_VAR=custom_value")
}

func TestCreateStdioTransport_NoEnvNil(t *testing.T) {
	for _, env := range []map[string]string{nil, {}} {
		client := newTestClient(t, ServerConfig{Command: "echo", Env: env})
		ct := client.createStdioTransport(context.Background()).(*sdkmcp.CommandTransport)
		assert.Nil(t, ct.Command.Env)
	}
}

func TestCreateStdioTransport_EnvOverridesParent(t *testing.T) {
	t.Setenv("TEST_MCP_VAR", "original")

	client := newTestClient(t, ServerConfig{
		Command: "echo",
		Env:     map[string]string{"TEST_MCP_VAR": "overridden"},
	})
	ct := client.createStdioTransport(context.Background()).(*sdkmcp.CommandTransport)

	// last wins in exec.Cmd
	assert.Equal(t, "TEST_MCP_VAR=overridden", ct.Command.Env[len(ct.Command.Env)-1])
}

func TestCreateStdioTransport_Cwd(t *testing.T) {
	dir := t.TempDir()
	client := newTestClient(t, ServerConfig{Command: "echo", Cwd: dir})
	ct := client.createStdioTransport(context.Background()).(*sdkmcp.CommandTransport)
	assert.Equal(t, dir, ct.Command.Dir)
}

func TestCreateTransport_HTTP(t *testing.T) {
	client := newTestClient(t, ServerConfig{URL: "http://localhost:9999/mcp"})
	st, ok := client.createTransport(context.Background()).(*sdkmcp.StreamableClientTransport)
	require.True(t, ok)
	assert.Equal(t, "http://localhost:9999/mcp", st.Endpoint)
}

func TestHeaderTransport(t *testing.T) {
	t.Setenv("MCP_TOKEN", "s3cret")
	got := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Get("Authorization")
	}))
	defer srv.Close()

	hc := &http.Client{Transport: &headerTransport{
		base:    http.DefaultTransport,
		headers: map[string]string{"Authorization": "Bearer ${MCP_TOKEN}"},
	}}
	resp, err := hc.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "Bearer s3cret", <-got)
}

func TestToolAllowed(t *testing.T) {
	client := newTestClient(t, ServerConfig{Command: "x", AllowedTools: []string{"read_*", "list"}})
	assert.True(t, client.toolAllowed("read_file"))
	assert.True(t, client.toolAllowed("list"))
	assert.False(t, client.toolAllowed("write_file"))

	open := newTestClient(t, ServerConfig{Command: "x"})
	assert.True(t, open.toolAllowed("anything"))
}

func TestNewClient_BadPattern(t *testing.T) {
	_, err := NewClient("bad", ServerConfig{Command: "x", AllowedTools: []string{"[unclosed"}}, nil)
	assert.Error(t, err)
}

func TestCallToolNotRunning(t *testing.T) {
	client := newTestClient(t, ServerConfig{Command: "x"})
	_, err := client.CallTool(context.Background(), "anything", nil)
	assert.ErrorContains(t, err, "not running")
}

func TestFormatContent(t *testing.T) {
	out := formatContent([]sdkmcp.Content{
		&sdkmcp.TextContent{Text: "hello "},
		&sdkmcp.TextContent{Text: "world"},
	})
	assert.Equal(t, "hello world", out)
}
