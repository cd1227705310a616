package testutil

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/samsaffron/toolrelay/internal/llm"
)

// MockTool is a configurable local tool for testing. It records every
// invocation and is safe for concurrent use.
type MockTool struct {
	SpecData  llm.ToolSpec
	ExecuteFn func(ctx context.Context, args json.RawMessage) (any, error)

	mu          sync.Mutex
	invocations []MockToolInvocation
}

// MockToolInvocation records a single tool invocation.
type MockToolInvocation struct {
	Args   json.RawMessage
	Result any
	Error  error
}

func (m *MockTool) Spec() llm.ToolSpec {
	return m.SpecData
}

func (m *MockTool) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	var (
		result any
		err    error
	)
	if m.ExecuteFn != nil {
		result, err = m.ExecuteFn(ctx, args)
	}
	m.mu.Lock()
	m.invocations = append(m.invocations, MockToolInvocation{Args: args, Result: result, Error: err})
	m.mu.Unlock()
	return result, err
}

// NewMockTool creates a mock tool with the given name that returns a fixed result.
func NewMockTool(name string, result any) *MockTool {
	return &MockTool{
		SpecData: llm.ToolSpec{
			Name:        name,
			Description: "Mock tool: " + name,
			Schema: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
		},
		ExecuteFn: func(ctx context.Context, args json.RawMessage) (any, error) {
			return result, nil
		},
	}
}

// InvocationCount returns the number of times the tool was invoked.
func (m *MockTool) InvocationCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.invocations)
}

// LastArgs returns the arguments from the last invocation, or nil if never invoked.
func (m *MockTool) LastArgs() json.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.invocations) == 0 {
		return nil
	}
	return m.invocations[len(m.invocations)-1].Args
}
