package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/samsaffron/toolrelay/internal/llm"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type sliceStream struct {
	events []llm.Event
}

func (s *sliceStream) Recv() (llm.Event, error) {
	if len(s.events) == 0 {
		return llm.Event{}, io.EOF
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, nil
}

func (s *sliceStream) Close() error { return nil }

// liveTurn runs events through a live engine session and returns the
// history entries it produced.
func liveTurn(t *testing.T, dispatch llm.DispatcherFunc, events ...llm.Event) []llm.Message {
	t.Helper()
	sess := llm.NewSession(dispatch, nil, nil)
	res, err := sess.Consume(context.Background(), &sliceStream{events: events}, nil)
	require.NoError(t, err)
	return res.Messages
}

func weatherDispatch(ctx context.Context, call llm.ToolCall, ledger *llm.Ledger) (string, error) {
	ledger.RecordCall(call)
	if call.Name == "broken" {
		err := errors.New("server unavailable")
		ledger.RecordFailure(call.ID, err)
		return "", err
	}
	out := `{"temperature":21}`
	ledger.RecordResult(call.ID, out)
	return out, nil
}

func TestReconcileHistoryMatchesLiveToolTurn(t *testing.T) {
	call := llm.ToolCall{ID: "c1", Name: "get_weather", Arguments: json.RawMessage(`{"location":"Oslo"}`)}
	live := liveTurn(t, weatherDispatch,
		llm.Event{Type: llm.EventToolCall, Tool: &call},
		llm.Event{Type: llm.EventDone, ToolCalls: []llm.ToolCall{{ID: "c1", Name: "get_weather", Arguments: call.Arguments}}},
	)
	require.Len(t, live, 2)

	// Persisted form: one assistant record with its calls and results.
	records := []Record{{
		Role:      llm.RoleAssistant,
		ToolCalls: []llm.ToolCall{call},
		Metadata: Metadata{ToolResults: []StoredResult{
			{CallID: "c1", Name: "get_weather", Content: `{"temperature":21}`},
		}},
	}}
	if diff := cmp.Diff(live, ReconcileHistory(records)); diff != "" {
		t.Errorf("replayed history differs from live turn (-live +replayed):\n%s", diff)
	}
}

func TestSaveTurnRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	thread := &Thread{}
	require.NoError(t, store.CreateThread(ctx, thread))

	ok := llm.ToolCall{ID: "c1", Name: "get_weather", Arguments: json.RawMessage(`{"location":"Oslo"}`)}
	bad := llm.ToolCall{ID: "c2", Name: "broken", Arguments: json.RawMessage(`{}`)}
	turn1 := liveTurn(t, weatherDispatch,
		llm.Event{Type: llm.EventTextDelta, Text: "Checking", Accumulated: "Checking"},
		llm.Event{Type: llm.EventToolCall, Tool: &ok},
		llm.Event{Type: llm.EventDone, FinalResponse: "Checking", ToolCalls: []llm.ToolCall{ok, bad}},
	)
	turn2 := liveTurn(t, weatherDispatch,
		llm.Event{Type: llm.EventTextDelta, Text: "It is 21C", Accumulated: "It is 21C"},
		llm.Event{Type: llm.EventDone, FinalResponse: "It is 21C"},
	)

	want := []llm.Message{llm.UserText("weather in Oslo?")}
	want = append(want, turn1...)
	want = append(want, turn2...)

	require.NoError(t, SaveTurn(ctx, store, thread.ID, []llm.Message{llm.UserText("weather in Oslo?")}, llm.TurnMetrics{}))
	require.NoError(t, SaveTurn(ctx, store, thread.ID, turn1, llm.TurnMetrics{InputTokens: 12, OutputTokens: 4, ToolCalls: 2}))
	require.NoError(t, SaveTurn(ctx, store, thread.ID, turn2, llm.TurnMetrics{}))

	records, err := store.GetMessages(ctx, thread.ID)
	require.NoError(t, err)
	require.Len(t, records, 3, "tool results fold into the assistant record")
	assert.Equal(t, 12, records[1].Metadata.InputTokens)
	require.Len(t, records[1].Metadata.ToolResults, 2)
	assert.True(t, records[1].Metadata.ToolResults[1].IsError)

	if diff := cmp.Diff(want, ReconcileHistory(records)); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}
}

func TestReconcileHistorySkipsOrphanResults(t *testing.T) {
	records := []Record{
		{Role: llm.RoleTool, Metadata: Metadata{ToolResults: []StoredResult{{CallID: "ghost", Content: "x"}}}},
		{Role: llm.RoleUser, Content: stringPtr("hi")},
		{
			Role:      llm.RoleAssistant,
			Content:   stringPtr("looking"),
			ToolCalls: []llm.ToolCall{{ID: "a", Name: "one"}, {ID: "b", Name: "two"}},
			Metadata: Metadata{ToolResults: []StoredResult{
				{CallID: "b", Content: "B"},
				{CallID: "zzz", Content: "orphan"},
			}},
		},
		// Results stored on separate tool records are picked up too.
		{Role: llm.RoleTool, Metadata: Metadata{ToolResults: []StoredResult{{CallID: "a", Content: "A"}, {CallID: "b", Content: "late duplicate"}}}},
	}

	got := ReconcileHistory(records)
	want := []llm.Message{
		llm.UserText("hi"),
		llm.AssistantMessage("looking", records[2].ToolCalls),
		llm.ToolResultMessage("a", "one", "A", nil),
		llm.ToolResultMessage("b", "two", "B", nil),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}
}

func TestReconcileHistoryMissingResult(t *testing.T) {
	records := []Record{{
		Role:      llm.RoleAssistant,
		ToolCalls: []llm.ToolCall{{ID: "c1", Name: "slow"}},
	}}
	got := ReconcileHistory(records)
	require.Len(t, got, 2)
	res, ok := got[1].ToolResult()
	require.True(t, ok)
	assert.Equal(t, "c1", res.ID)
	assert.True(t, res.IsError)
	assert.Equal(t, incompleteToolCall, res.Content)

	content, hasText := got[0].Content()
	assert.Empty(t, content)
	assert.False(t, hasText)
}

func TestRecordsFromMessagesDropsLeadingToolMessage(t *testing.T) {
	recs := RecordsFromMessages([]llm.Message{
		llm.ToolResultMessage("x", "t", "out", nil),
		llm.SystemText("sys"),
		llm.AssistantText(""),
	})
	require.Len(t, recs, 2)
	assert.Equal(t, llm.RoleSystem, recs[0].Role)
	require.NotNil(t, recs[1].Content, "text-only assistant keeps an empty, non-null content")
	assert.Equal(t, "", *recs[1].Content)
}
