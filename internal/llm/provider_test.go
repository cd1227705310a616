package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

func TestToolCallAccumulatorInputJSONDelta(t *testing.T) {
	acc := newToolCallAccumulator()
	acc.Start(0, ToolCall{ID: "tool-1", Name: "get_current_weather"})

	acc.Append(0, `{"location":"Paris"`)
	acc.Append(0, `,"unit":"celsius"}`)

	final, ok := acc.Finish(0)
	if !ok {
		t.Fatalf("expected tool call")
	}

	var payload map[string]string
	if err := json.Unmarshal(final.Arguments, &payload); err != nil {
		t.Fatalf("failed to unmarshal args: %v", err)
	}
	if payload["location"] != "Paris" || payload["unit"] != "celsius" {
		t.Fatalf("payload=%v", payload)
	}
	if _, ok := acc.Finish(0); ok {
		t.Fatalf("finished call should be forgotten")
	}
}

func TestToolCallAccumulatorFallbackArgs(t *testing.T) {
	acc := newToolCallAccumulator()
	acc.Start(1, ToolCall{ID: "tool-2", Name: "x", Arguments: json.RawMessage(`{"a":1}`)})

	final, ok := acc.Finish(1)
	if !ok {
		t.Fatalf("expected tool call")
	}
	if string(final.Arguments) != `{"a":1}` {
		t.Fatalf("arguments=%s", final.Arguments)
	}
}

func TestBuildAnthropicMessages_GroupsToolResults(t *testing.T) {
	calls := []ToolCall{{ID: "c1", Name: "a"}, {ID: "c2", Name: "b"}}
	system, msgs := buildAnthropicMessages([]Message{
		SystemText("sys"),
		UserText("hi"),
		AssistantMessage("", calls),
		ToolResultMessage("c1", "a", "one", nil),
		ToolErrorMessage("c2", "b", "Error: nope", nil),
	})

	assert.Equal(t, "sys", system)
	require.Len(t, msgs, 3)
	assert.Equal(t, anthropic.MessageParamRoleAssistant, msgs[1].Role)
	assert.Len(t, msgs[1].Content, 2)
	assert.Equal(t, anthropic.MessageParamRoleUser, msgs[2].Role)
	assert.Len(t, msgs[2].Content, 2, "both results travel in one user message")
}

func TestBuildOpenAIMessages_NullContentToolTurn(t *testing.T) {
	msgs := buildOpenAIMessages([]Message{
		UserText("hi"),
		AssistantMessage("", []ToolCall{{ID: "c1", Name: "get_weather"}}),
		ToolResultMessage("c1", "get_weather", `{"t":1}`, nil),
	})
	require.Len(t, msgs, 3)

	assistant := msgs[1].OfAssistant
	require.NotNil(t, assistant)
	assert.False(t, assistant.Content.OfString.Valid(), "content stays null")
	require.Len(t, assistant.ToolCalls, 1)
	assert.Equal(t, "c1", assistant.ToolCalls[0].ID)
	assert.Equal(t, "{}", assistant.ToolCalls[0].Function.Arguments)

	require.NotNil(t, msgs[2].OfTool)
	assert.Equal(t, "c1", msgs[2].OfTool.ToolCallID)
}

func TestGeminiSchema(t *testing.T) {
	schema := map[string]interface{}{
		"type":    "object",
		"$schema": "http://json-schema.org/draft-07/schema#",
		"properties": map[string]interface{}{
			"unit":     map[string]interface{}{"type": "string", "enum": []interface{}{"celsius", "fahrenheit"}},
			"location": map[string]interface{}{"type": "string", "format": "city"},
			"days":     map[string]interface{}{"type": []interface{}{"integer", "null"}},
		},
		"required": []interface{}{"location"},
	}

	got := geminiSchema(schema)
	assert.Equal(t, genai.TypeObject, got.Type)
	assert.Equal(t, []string{"days", "location", "unit"}, got.Required)
	assert.Equal(t, []string{"celsius", "fahrenheit"}, got.Properties["unit"].Enum)
	assert.Equal(t, genai.TypeInteger, got.Properties["days"].Type)
	assert.Equal(t, []interface{}{"location"}, schema["required"], "input is not mutated")
}

func TestBuildGeminiContents_MergesToolResponses(t *testing.T) {
	_, contents := buildGeminiContents([]Message{
		UserText("hi"),
		AssistantMessage("", []ToolCall{{ID: "c1", Name: "a"}, {ID: "c2", Name: "b"}}),
		ToolResultMessage("c1", "a", "one", nil),
		ToolErrorMessage("c2", "b", "bad", nil),
	})
	require.Len(t, contents, 3)
	assert.Equal(t, genai.RoleModel, contents[1].Role)
	require.Len(t, contents[2].Parts, 2)
	assert.Equal(t, "bad", contents[2].Parts[1].FunctionResponse.Response["error"])
}

func TestSchemaRequired(t *testing.T) {
	assert.Equal(t, []string{"a"}, schemaRequired(map[string]interface{}{"required": []string{"a"}}))
	assert.Equal(t, []string{"b"}, schemaRequired(map[string]interface{}{"required": []interface{}{"b", 3}}))
	assert.Nil(t, schemaRequired(nil))
}

func TestEventStream(t *testing.T) {
	stream := newEventStream(context.Background(), func(ctx context.Context, events chan<- Event) error {
		events <- Event{Type: EventStart}
		return errors.New("producer failed")
	})
	defer stream.Close()

	ev, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, EventStart, ev.Type)

	ev, err = stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, EventError, ev.Type)
	assert.EqualError(t, ev.Err, "producer failed")

	_, err = stream.Recv()
	assert.ErrorIs(t, err, io.EOF)
}

func TestEventStream_CloseUnblocksProducer(t *testing.T) {
	stream := newEventStream(context.Background(), func(ctx context.Context, events chan<- Event) error {
		for {
			select {
			case events <- Event{Type: EventTextDelta, Text: "x"}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
	_, err := stream.Recv()
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		stream.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}
}
