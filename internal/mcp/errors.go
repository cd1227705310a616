package mcp

import (
	"errors"
	"fmt"
)

var (
	// ErrIdentityConflict is returned when a server name or id is already taken.
	ErrIdentityConflict = errors.New("server identity already in use")
	// ErrInvalidServerName is returned for names that sanitize to nothing.
	ErrInvalidServerName = errors.New("invalid server name")
	// ErrServerNotFound is returned for ids the host does not know.
	ErrServerNotFound = errors.New("server not found")
	// ErrInvalidConfig wraps declarative config validation failures.
	ErrInvalidConfig = errors.New("invalid MCP configuration")
)

// ActivationError reports a server that did not reach the connected state.
type ActivationError struct {
	ServerID string
	State    ServerState
	Err      error
}

func (e *ActivationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("activate %s: %v", e.ServerID, e.Err)
	}
	return fmt.Sprintf("activate %s: server is %s", e.ServerID, e.State)
}

func (e *ActivationError) Unwrap() error { return e.Err }

// ToolCallError carries the upstream error text of a failed remote call.
type ToolCallError struct {
	ServerID string
	Tool     string
	Message  string
	Err      error
}

func (e *ToolCallError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("tool %s on %s failed: %s", e.Tool, e.ServerID, msg)
}

func (e *ToolCallError) Unwrap() error { return e.Err }
