package llm

import (
	"context"
	"encoding/json"
)

// Provider streams model output events for a request.
type Provider interface {
	Name() string
	Stream(ctx context.Context, req Request) (Stream, error)
}

// Stream yields events until io.EOF.
type Stream interface {
	Recv() (Event, error)
	Close() error
}

// Request represents a single model turn.
type Request struct {
	Model             string
	Messages          []Message
	Tools             []ToolSpec
	ToolChoice        ToolChoice
	ParallelToolCalls bool
	MaxOutputTokens   int
	MaxTurns          int // Max tool round trips (0 = use default)
}

// Role identifies a message role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartType identifies a message content part.
type PartType string

const (
	PartText       PartType = "text"
	PartToolCall   PartType = "tool_call"
	PartToolResult PartType = "tool_result"
)

// Message holds a role with structured parts.
//
// An assistant message carries a text part, tool call parts, or both; a
// message with tool calls and no text part has null content. A tool message
// carries exactly one tool result answering a call from an earlier
// assistant message.
type Message struct {
	Role  Role
	Parts []Part
}

// Part represents a single content part.
type Part struct {
	Type       PartType
	Text       string
	ToolCall   *ToolCall
	ToolResult *ToolResult
}

// ToolSpec describes a callable tool.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]interface{}
}

// ToolChoiceMode controls tool selection behavior.
type ToolChoiceMode string

const (
	ToolChoiceAuto     ToolChoiceMode = "auto"
	ToolChoiceNone     ToolChoiceMode = "none"
	ToolChoiceRequired ToolChoiceMode = "required"
	ToolChoiceName     ToolChoiceMode = "name"
)

// ToolChoice configures which tool the model should call.
type ToolChoice struct {
	Mode ToolChoiceMode
	Name string
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
	ThoughtSig []byte          `json:"thought_sig,omitempty"` // Gemini thought signature, passed back with the result
}

// ToolResult is the output from executing a tool call.
type ToolResult struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
	ThoughtSig []byte `json:"thought_sig,omitempty"`
}

// EventType describes streaming events.
type EventType string

const (
	EventStart          EventType = "start"
	EventTextDelta      EventType = "text_delta"
	EventReasoningDelta EventType = "reasoning_delta"
	EventToolCall       EventType = "tool_call"
	EventUsage          EventType = "usage"
	EventDone           EventType = "done"
	EventError          EventType = "error"
)

// Event represents a streamed output update.
type Event struct {
	Type EventType
	// Text is the delta for text and reasoning events.
	Text string
	// Accumulated is the running text total on text_delta events.
	Accumulated string
	// Tool is set on tool_call events.
	Tool *ToolCall
	// ToolCalls and FinalResponse are set on done: every call the model
	// made this turn and its complete response text.
	ToolCalls     []ToolCall
	FinalResponse string
	Use           *Usage
	Err           error
}

// Usage captures token usage if available.
type Usage struct {
	InputTokens  int
	OutputTokens int
}
