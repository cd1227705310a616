package mcp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) (*ServerRegistry, *fakeHost, *eventRecorder) {
	t.Helper()
	host := newFakeHost()
	reg := NewServerRegistry(host, NewIdentityRegistry(), nil, nil)
	rec := &eventRecorder{}
	t.Cleanup(reg.Subscribe(rec.listen))
	return reg, host, rec
}

func TestServerRegistry_AddServer(t *testing.T) {
	reg, host, rec := newTestRegistry(t)
	ctx := context.Background()

	id, err := reg.AddServer(ctx, ServerSpec{Name: "File System", Kind: KindConfig, Config: ServerConfig{Command: "fs"}})
	require.NoError(t, err)
	assert.Equal(t, "config_File_System", id)
	assert.True(t, host.running(id))

	st, ok := reg.CachedStatus(id)
	require.True(t, ok)
	assert.Equal(t, "File System", st.DisplayName)

	events := rec.all()
	require.Len(t, events, 1)
	assert.Equal(t, EventConnected, events[0].Kind)
	assert.Equal(t, id, events[0].ServerID)
}

func TestServerRegistry_AddServerFailure(t *testing.T) {
	reg, host, rec := newTestRegistry(t)
	host.addErr["broken"] = errBoom

	id, err := reg.AddServer(context.Background(), ServerSpec{Name: "broken", Config: ServerConfig{Command: "x"}})

	var actErr *ActivationError
	require.ErrorAs(t, err, &actErr)
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, "broken", id)

	_, cached := reg.CachedStatus(id)
	assert.False(t, cached, "status cache must not change on failure")
	_, registered := reg.Identities().Lookup(id)
	assert.True(t, registered, "identity stays for retry")

	events := rec.all()
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Kind)
	assert.Equal(t, "boom", events[0].Error)
}

func TestServerRegistry_AddServerConflict(t *testing.T) {
	reg, host, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.AddServer(ctx, ServerSpec{Name: "my server", Config: ServerConfig{Command: "x"}})
	require.NoError(t, err)
	_, err = reg.AddServer(ctx, ServerSpec{Name: "my.server", Config: ServerConfig{Command: "x"}})
	assert.ErrorIs(t, err, ErrIdentityConflict)
	assert.Equal(t, 1, host.addCount())
}

func TestServerRegistry_RemoveServer(t *testing.T) {
	reg, _, rec := newTestRegistry(t)
	ctx := context.Background()

	id, err := reg.AddServer(ctx, ServerSpec{Name: "fs", Config: ServerConfig{Command: "x"}})
	require.NoError(t, err)
	require.NoError(t, reg.RemoveServer(ctx, id))

	_, ok := reg.CachedStatus(id)
	assert.False(t, ok)
	assert.Equal(t, []EventKind{EventConnected, EventDisconnected}, rec.kinds())

	err = reg.RemoveServer(ctx, id)
	assert.ErrorIs(t, err, ErrServerNotFound)
}

func TestServerRegistry_CallTool(t *testing.T) {
	reg, host, _ := newTestRegistry(t)
	ctx := context.Background()
	id, err := reg.AddServer(ctx, ServerSpec{Name: "fs", Config: ServerConfig{Command: "x"}})
	require.NoError(t, err)

	out, err := reg.CallTool(ctx, id, "read_file", map[string]any{"path": "/tmp"})
	require.NoError(t, err)
	assert.JSONEq(t, `[{"type":"text","text":"ok"}]`, string(out))

	host.callResp = ToolResponse{Success: false, Error: "permission denied"}
	_, err = reg.CallTool(ctx, id, "read_file", nil)
	var tcErr *ToolCallError
	require.ErrorAs(t, err, &tcErr)
	assert.Equal(t, "permission denied", tcErr.Message)
	assert.Contains(t, err.Error(), "permission denied")

	_, err = reg.CallTool(ctx, "missing", "read_file", nil)
	require.ErrorAs(t, err, &tcErr)
	assert.ErrorIs(t, err, ErrServerNotFound)
}

func TestServerRegistry_ListServersDecorates(t *testing.T) {
	reg, host, _ := newTestRegistry(t)
	ctx := context.Background()

	id, err := reg.AddServer(ctx, ServerSpec{Name: "Brave Search", Kind: KindConfig, Config: ServerConfig{Command: "x"}})
	require.NoError(t, err)
	// A server the host knows about but this process never registered.
	require.NoError(t, host.AddServer(ctx, ServerSpec{ID: "config_web_tools", Config: ServerConfig{Command: "x"}}))

	list, err := reg.ListServers(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, id, list[0].ID)
	assert.Equal(t, "Brave Search", list[0].DisplayName)
	assert.Equal(t, "web tools", list[1].DisplayName)

	_, ok := reg.CachedStatus("config_web_tools")
	assert.True(t, ok, "list refreshes the cache")
}

func TestServerRegistry_GetAllToolsQualifies(t *testing.T) {
	reg, host, _ := newTestRegistry(t)
	ctx := context.Background()

	id, err := reg.AddServer(ctx, ServerSpec{Name: "fs", Kind: KindConfig, Config: ServerConfig{Command: "x"}})
	require.NoError(t, err)
	host.tools[id] = []ToolDescriptor{
		{Name: "read_file", Description: "Read a file"},
		{Name: "list_dir"},
	}

	all, err := reg.GetAllTools(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, id, all[0].ServerID)
	require.Len(t, all[0].Tools, 2)
	assert.Equal(t, "mcp__config_fs__read_file", all[0].Tools[0].Name)
	assert.Equal(t, "read_file", all[0].Tools[0].RawName)
	assert.Equal(t, "Read a file", all[0].Tools[0].Description)
	assert.Equal(t, "mcp__config_fs__list_dir", all[0].Tools[1].Name)
}

func TestDiffStatuses(t *testing.T) {
	tools := []ToolDescriptor{{Name: "t"}}
	previous := map[string]ServerState{
		"a": StateConnecting,
		"b": StateConnected,
		"c": StateConnected,
		"d": StateConnected,
	}
	current := []ServerStatus{
		{ID: "a", State: StateConnected, Tools: tools},
		{ID: "b", State: StateConnected},
		{ID: "c", State: StateDisconnected},
		{ID: "d", State: StateError, LastError: "crashed"},
		{ID: "new", State: StateConnected},
		{ID: "fresh", State: StateConnecting},
	}

	events := diffStatuses(previous, current)

	type ev struct {
		id   string
		kind EventKind
	}
	var got []ev
	for _, e := range events {
		got = append(got, ev{e.ServerID, e.Kind})
	}
	want := []ev{
		{"a", EventConnected},
		{"a", EventToolsUpdated},
		{"c", EventDisconnected},
		{"d", EventError},
		{"new", EventConnected},
	}
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(ev{})); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
	if len(events[1].Tools) != 1 || events[1].Tools[0].Name != "t" {
		t.Errorf("tools_updated carried %v", events[1].Tools)
	}
	if events[3].Error != "crashed" {
		t.Errorf("error event message = %q", events[3].Error)
	}
}

func TestServerRegistry_Polling(t *testing.T) {
	reg, host, _ := newTestRegistry(t)
	ctx := context.Background()

	id, err := reg.AddServer(ctx, ServerSpec{Name: "fs", Config: ServerConfig{Command: "x"}})
	require.NoError(t, err)

	errs := make(chan Event, 16)
	defer reg.Subscribe(func(e Event) error {
		if e.Kind == EventError {
			errs <- e
		}
		return nil
	})()

	reg.StartPolling(5 * time.Millisecond)
	reg.StartPolling(5 * time.Millisecond)
	defer reg.StopPolling()

	host.setState(id, StateError, "crashed")

	select {
	case e := <-errs:
		assert.Equal(t, id, e.ServerID)
		assert.Equal(t, "crashed", e.Error)
	case <-time.After(2 * time.Second):
		t.Fatal("no error event from poller")
	}

	// Unchanged state produces no further events.
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, errs)

	reg.StopPolling()
	reg.StopPolling()
}

func TestServerRegistry_StopPollingBeforeStart(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	reg.StopPolling()
}

func TestActivationErrorMessage(t *testing.T) {
	err := &ActivationError{ServerID: "config_fs", State: StateConnecting}
	assert.Equal(t, "activate config_fs: server is connecting", err.Error())
	assert.Nil(t, errors.Unwrap(err))

	wrapped := &ActivationError{ServerID: "config_fs", State: StateError, Err: errBoom}
	assert.Equal(t, "activate config_fs: boom", wrapped.Error())
	assert.ErrorIs(t, wrapped, errBoom)
}
