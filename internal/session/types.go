package session

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/samsaffron/toolrelay/internal/llm"
)

// Thread is one stored conversation.
type Thread struct {
	ID           string    `json:"id"`
	Title        string    `json:"title,omitempty"`
	Provider     string    `json:"provider,omitempty"`
	Model        string    `json:"model,omitempty"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Record is a persisted message. Content is nil for assistant turns that
// only carried tool calls. Tool results are not stored as records of their
// own: they travel in the metadata of the assistant record that issued the
// calls.
type Record struct {
	ID        string         `json:"id"`
	ThreadID  string         `json:"thread_id"`
	Seq       int            `json:"seq"`
	Role      llm.Role       `json:"role"`
	Content   *string        `json:"content"`
	ToolCalls []llm.ToolCall `json:"tool_calls,omitempty"`
	Metadata  Metadata       `json:"metadata"`
	CreatedAt time.Time      `json:"created_at"`
}

// Metadata is the free-form JSON column of a record.
type Metadata struct {
	ToolResults  []StoredResult `json:"tool_results,omitempty"`
	InputTokens  int            `json:"input_tokens,omitempty"`
	OutputTokens int            `json:"output_tokens,omitempty"`
}

// StoredResult is a tool outcome kept in assistant metadata.
type StoredResult struct {
	CallID     string `json:"call_id"`
	Name       string `json:"name,omitempty"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
	ThoughtSig []byte `json:"thought_sig,omitempty"`
}

// ListOptions pages ListThreads.
type ListOptions struct {
	Limit  int
	Offset int
}

// NewID returns a fresh random identifier for threads and records.
func NewID() string {
	return uuid.NewString()
}

// Text returns the record content, or "" when it is null.
func (r *Record) Text() string {
	if r.Content == nil {
		return ""
	}
	return *r.Content
}

func (r *Record) toolCallsJSON() (any, error) {
	if len(r.ToolCalls) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(r.ToolCalls)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (r *Record) setToolCallsFromJSON(s string) error {
	if s == "" {
		r.ToolCalls = nil
		return nil
	}
	return json.Unmarshal([]byte(s), &r.ToolCalls)
}

func stringPtr(s string) *string { return &s }
