package mcp

import (
	"context"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_AddServerValidation(t *testing.T) {
	m := NewManager(nil, nil)
	defer m.Close()
	ctx := context.Background()

	err := m.AddServer(ctx, ServerSpec{ID: "bad__id", Config: ServerConfig{Command: "x"}})
	assert.ErrorIs(t, err, ErrInvalidServerName)

	err = m.AddServer(ctx, ServerSpec{ID: "ok", Config: ServerConfig{}})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	err = m.AddServer(ctx, ServerSpec{ID: "ok", Config: ServerConfig{Command: "x", AllowedTools: []string{"[oops"}}})
	assert.Error(t, err)
}

func TestManager_UnknownServer(t *testing.T) {
	m := NewManager(nil, nil)
	defer m.Close()
	ctx := context.Background()

	assert.ErrorIs(t, m.RemoveServer(ctx, "nope"), ErrServerNotFound)
	_, err := m.GetServerStatus(ctx, "nope")
	assert.ErrorIs(t, err, ErrServerNotFound)
	_, err = m.CallTool(ctx, "nope", "tool", nil)
	assert.ErrorIs(t, err, ErrServerNotFound)
}

func TestManager_FailedStartReportsError(t *testing.T) {
	m := NewManager(nil, nil)
	ctx := context.Background()

	missing := filepath.Join(t.TempDir(), "no-such-server")
	require.NoError(t, m.AddServer(ctx, ServerSpec{
		ID:             "broken",
		Name:           "broken",
		Config:         ServerConfig{Command: missing},
		ConnectTimeout: 5 * time.Second,
	}))

	var st ServerStatus
	require.Eventually(t, func() bool {
		var err error
		st, err = m.GetServerStatus(ctx, "broken")
		return err == nil && st.State == StateError
	}, 10*time.Second, 10*time.Millisecond)
	assert.NotEmpty(t, st.LastError)
	assert.Empty(t, st.Tools)

	resp, err := m.CallTool(ctx, "broken", "anything", nil)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "error")

	list, err := m.ListServers(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	tools, err := m.GetAllTools(ctx)
	require.NoError(t, err)
	assert.Empty(t, tools)

	require.NoError(t, m.Close())
	list, err = m.ListServers(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func sleepCommand(t *testing.T) ServerConfig {
	t.Helper()
	path, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep not available")
	}
	return ServerConfig{Command: path, Args: []string{"60"}}
}

func TestManager_RemoveConnectingServer(t *testing.T) {
	m := NewManager(nil, nil)
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.AddServer(ctx, ServerSpec{
		ID:             "hung",
		Name:           "hung",
		Config:         sleepCommand(t),
		ConnectTimeout: 20 * time.Second,
	}))
	time.Sleep(200 * time.Millisecond)
	st, err := m.GetServerStatus(ctx, "hung")
	require.NoError(t, err)
	assert.Equal(t, StateConnecting, st.State)

	start := time.Now()
	require.NoError(t, m.RemoveServer(ctx, "hung"))
	assert.Less(t, time.Since(start), 2*time.Second)

	_, err = m.GetServerStatus(ctx, "hung")
	assert.ErrorIs(t, err, ErrServerNotFound)
}

func TestManager_CloseWithConnectingServer(t *testing.T) {
	m := NewManager(nil, nil)
	ctx := context.Background()

	require.NoError(t, m.AddServer(ctx, ServerSpec{
		ID:             "hung",
		Config:         sleepCommand(t),
		ConnectTimeout: 20 * time.Second,
	}))
	time.Sleep(200 * time.Millisecond)

	start := time.Now()
	require.NoError(t, m.Close())
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestClient_StopAbortsHandshake(t *testing.T) {
	c := newTestClient(t, sleepCommand(t))

	done := make(chan error, 1)
	go func() { done <- c.Start(context.Background(), 20*time.Second) }()
	time.Sleep(200 * time.Millisecond)

	start := time.Now()
	require.NoError(t, c.Stop())
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.False(t, c.IsRunning())

	// A stopped client can be started again.
	c.mu.RLock()
	assert.Nil(t, c.cancel)
	c.mu.RUnlock()
}

func TestToolCache(t *testing.T) {
	cache, err := NewToolCache(filepath.Join(t.TempDir(), "cache.json"))
	require.NoError(t, err)

	assert.Nil(t, cache.Load("config_fs"))
	cache.Store("config_fs", []ToolDescriptor{{Name: "read_file", RawName: "read_file"}})
	cache.Store("config_git", []ToolDescriptor{{Name: "status", RawName: "status"}})

	assert.Equal(t, "read_file", cache.Load("config_fs")[0].Name)
	assert.Len(t, cache.All(), 2)
}
