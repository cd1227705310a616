// Package tools routes model tool calls to remote MCP servers or to the
// in-process local tool table.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/samsaffron/toolrelay/internal/llm"
	"github.com/samsaffron/toolrelay/internal/mcp"
)

// LocalTool is an in-process function exposed to the model.
type LocalTool interface {
	Spec() llm.ToolSpec
	// Execute returns a JSON-serializable result.
	Execute(ctx context.Context, args json.RawMessage) (any, error)
}

// LocalFunc adapts a plain function to LocalTool.
type LocalFunc struct {
	ToolSpec llm.ToolSpec
	Fn       func(ctx context.Context, args json.RawMessage) (any, error)
}

func (f LocalFunc) Spec() llm.ToolSpec { return f.ToolSpec }

func (f LocalFunc) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	return f.Fn(ctx, args)
}

// LocalTable is the closed set of local tools, fixed at construction.
type LocalTable struct {
	tools map[string]LocalTool
	names []string
}

// NewLocalTable builds the table. Names must be unique and must not look
// like qualified MCP tool names.
func NewLocalTable(tools ...LocalTool) (*LocalTable, error) {
	t := &LocalTable{tools: make(map[string]LocalTool, len(tools))}
	for _, tool := range tools {
		name := tool.Spec().Name
		switch {
		case name == "":
			return nil, fmt.Errorf("local tool with empty name")
		case mcp.IsQualifiedToolName(name):
			return nil, fmt.Errorf("local tool %q uses the MCP tool prefix", name)
		}
		if _, dup := t.tools[name]; dup {
			return nil, fmt.Errorf("duplicate local tool %q", name)
		}
		t.tools[name] = tool
		t.names = append(t.names, name)
	}
	sort.Strings(t.names)
	return t, nil
}

// Lookup returns the tool registered under name.
func (t *LocalTable) Lookup(name string) (LocalTool, bool) {
	if t == nil {
		return nil, false
	}
	tool, ok := t.tools[name]
	return tool, ok
}

// Names returns the sorted tool names.
func (t *LocalTable) Names() []string {
	if t == nil {
		return nil
	}
	return append([]string(nil), t.names...)
}

func (t *LocalTable) Specs() []llm.ToolSpec {
	if t == nil {
		return nil
	}
	specs := make([]llm.ToolSpec, 0, len(t.names))
	for _, name := range t.names {
		specs = append(specs, t.tools[name].Spec())
	}
	return specs
}
