package mcp

import (
	"context"
	"encoding/json"
	"time"
)

// ServerState is the lifecycle state of a tool server.
type ServerState string

const (
	StateConnecting   ServerState = "connecting"
	StateConnected    ServerState = "connected"
	StateDisconnected ServerState = "disconnected"
	StateError        ServerState = "error"
)

// ToolDescriptor describes a tool advertised by a server. Name is the name
// exposed to callers; RawName is the name the server itself uses.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	RawName     string         `json:"raw_name"`
	Description string         `json:"description,omitempty"`
	Schema      map[string]any `json:"schema,omitempty"`
}

// ServerStatus is a snapshot of one server as reported by the host.
type ServerStatus struct {
	ID          string           `json:"id"`
	DisplayName string           `json:"display_name"`
	State       ServerState      `json:"state"`
	Tools       []ToolDescriptor `json:"tools,omitempty"`
	LastError   string           `json:"last_error,omitempty"`
}

// ServerTools groups the tools of one server.
type ServerTools struct {
	ServerID string           `json:"server_id"`
	Tools    []ToolDescriptor `json:"tools"`
}

// ServerSpec is a concrete request to run a server under a minted id.
type ServerSpec struct {
	ID             string
	Name           string
	Kind           ServerKind
	Config         ServerConfig
	ConnectTimeout time.Duration
}

// ToolResponse is the structured outcome of a remote tool call.
type ToolResponse struct {
	Success bool            `json:"success"`
	Content json.RawMessage `json:"content,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Host is the command interface of the runtime that owns the server
// processes. Calls are delivered at most once and report success or
// failure synchronously; AddServer acknowledges before the server has
// finished connecting.
type Host interface {
	AddServer(ctx context.Context, spec ServerSpec) error
	RemoveServer(ctx context.Context, id string) error
	CallTool(ctx context.Context, id, tool string, args map[string]any) (ToolResponse, error)
	ListServers(ctx context.Context) ([]ServerStatus, error)
	GetAllTools(ctx context.Context) (map[string][]ToolDescriptor, error)
	GetServerStatus(ctx context.Context, id string) (ServerStatus, error)
}
