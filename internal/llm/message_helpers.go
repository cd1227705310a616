package llm

import "strings"

// SystemText builds a system message.
func SystemText(text string) Message {
	return Message{Role: RoleSystem, Parts: []Part{{Type: PartText, Text: text}}}
}

// UserText builds a user message.
func UserText(text string) Message {
	return Message{Role: RoleUser, Parts: []Part{{Type: PartText, Text: text}}}
}

// AssistantText builds an assistant message with text content only.
func AssistantText(text string) Message {
	return Message{Role: RoleAssistant, Parts: []Part{{Type: PartText, Text: text}}}
}

// AssistantMessage builds an assistant message. Without tool calls the
// message always has content, even if empty; with tool calls an empty
// content is left null.
func AssistantMessage(content string, calls []ToolCall) Message {
	msg := Message{Role: RoleAssistant}
	if content != "" || len(calls) == 0 {
		msg.Parts = append(msg.Parts, Part{Type: PartText, Text: content})
	}
	for i := range calls {
		call := calls[i]
		msg.Parts = append(msg.Parts, Part{Type: PartToolCall, ToolCall: &call})
	}
	return msg
}

// ToolResultMessage builds a tool message answering call id.
func ToolResultMessage(id, name, content string, thoughtSig []byte) Message {
	return Message{Role: RoleTool, Parts: []Part{{
		Type:       PartToolResult,
		ToolResult: &ToolResult{ID: id, Name: name, Content: content, ThoughtSig: thoughtSig},
	}}}
}

// ToolErrorMessage builds a tool message reporting a failed call.
func ToolErrorMessage(id, name, errText string, thoughtSig []byte) Message {
	msg := ToolResultMessage(id, name, errText, thoughtSig)
	msg.Parts[0].ToolResult.IsError = true
	return msg
}

// Content returns the text of m and whether it has any text part at all.
func (m Message) Content() (string, bool) {
	found := false
	for _, part := range m.Parts {
		if part.Type == PartText {
			found = true
			break
		}
	}
	return collectTextParts(m.Parts), found
}

// ToolCalls returns the tool calls carried by m.
func (m Message) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, part := range m.Parts {
		if part.Type == PartToolCall && part.ToolCall != nil {
			calls = append(calls, *part.ToolCall)
		}
	}
	return calls
}

// ToolResult returns the first tool result carried by m.
func (m Message) ToolResult() (*ToolResult, bool) {
	for _, part := range m.Parts {
		if part.Type == PartToolResult && part.ToolResult != nil {
			return part.ToolResult, true
		}
	}
	return nil, false
}

func collectTextParts(parts []Part) string {
	var b strings.Builder
	for _, part := range parts {
		if part.Type == PartText {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}
