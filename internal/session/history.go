package session

import (
	"context"
	"fmt"

	"github.com/samsaffron/toolrelay/internal/llm"
)

const incompleteToolCall = "tool call did not complete"

// ReconcileHistory rebuilds the provider history of a stored thread. The
// output has the shape a live session produces: each assistant message
// carrying tool calls is followed by exactly one tool message per call, in
// call order. Results come from the assistant record's metadata, or from
// tool records that directly follow it. Results whose call id was never
// issued by the assistant are dropped.
func ReconcileHistory(records []Record) []llm.Message {
	var out []llm.Message
	for i := 0; i < len(records); i++ {
		rec := records[i]
		switch rec.Role {
		case llm.RoleSystem:
			out = append(out, llm.SystemText(rec.Text()))
		case llm.RoleUser:
			out = append(out, llm.UserText(rec.Text()))
		case llm.RoleAssistant:
			out = append(out, llm.AssistantMessage(rec.Text(), rec.ToolCalls))
			if len(rec.ToolCalls) == 0 {
				continue
			}
			results := indexResults(rec.Metadata.ToolResults, nil)
			for i+1 < len(records) && records[i+1].Role == llm.RoleTool {
				i++
				results = indexResults(records[i].Metadata.ToolResults, results)
			}
			for _, call := range rec.ToolCalls {
				res, ok := results[call.ID]
				switch {
				case !ok:
					out = append(out, llm.ToolErrorMessage(call.ID, call.Name, incompleteToolCall, call.ThoughtSig))
				case res.IsError:
					out = append(out, llm.ToolErrorMessage(call.ID, call.Name, res.Content, call.ThoughtSig))
				default:
					out = append(out, llm.ToolResultMessage(call.ID, call.Name, res.Content, call.ThoughtSig))
				}
			}
		case llm.RoleTool:
			// not preceded by an assistant that issued the call
		}
	}
	return out
}

// indexResults adds results to idx, keeping the first result per call id.
func indexResults(results []StoredResult, idx map[string]StoredResult) map[string]StoredResult {
	if idx == nil {
		idx = make(map[string]StoredResult, len(results))
	}
	for _, r := range results {
		if _, seen := idx[r.CallID]; !seen {
			idx[r.CallID] = r
		}
	}
	return idx
}

// RecordsFromMessages converts live history entries to records. Tool
// messages fold into the metadata of the assistant record before them; a
// tool message with no such record is dropped.
func RecordsFromMessages(msgs []llm.Message) []Record {
	var out []Record
	last := -1 // index in out of the latest assistant record
	for _, msg := range msgs {
		switch msg.Role {
		case llm.RoleTool:
			res, ok := msg.ToolResult()
			if !ok || last < 0 {
				continue
			}
			out[last].Metadata.ToolResults = append(out[last].Metadata.ToolResults, StoredResult{
				CallID:     res.ID,
				Name:       res.Name,
				Content:    res.Content,
				IsError:    res.IsError,
				ThoughtSig: res.ThoughtSig,
			})
		case llm.RoleAssistant:
			rec := Record{Role: llm.RoleAssistant, ToolCalls: msg.ToolCalls()}
			if text, ok := msg.Content(); ok {
				rec.Content = stringPtr(text)
			}
			out = append(out, rec)
			last = len(out) - 1
		default:
			text, _ := msg.Content()
			out = append(out, Record{Role: msg.Role, Content: stringPtr(text)})
			last = -1
		}
	}
	return out
}

// SaveTurn appends the messages of one engine turn to a thread. Token usage
// is attached to the first assistant record.
func SaveTurn(ctx context.Context, store Store, threadID string, msgs []llm.Message, metrics llm.TurnMetrics) error {
	records := RecordsFromMessages(msgs)
	usageSet := false
	for i := range records {
		rec := &records[i]
		rec.Seq = -1
		if rec.Role == llm.RoleAssistant && !usageSet {
			rec.Metadata.InputTokens = metrics.InputTokens
			rec.Metadata.OutputTokens = metrics.OutputTokens
			usageSet = true
		}
		if err := store.AddMessage(ctx, threadID, rec); err != nil {
			return fmt.Errorf("save %s message: %w", rec.Role, err)
		}
	}
	return nil
}
