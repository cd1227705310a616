package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/genai"
)

// GeminiProvider streams turns from the Google Gemini API.
type GeminiProvider struct {
	apiKey string
	model  string
}

func NewGeminiProvider(apiKey, model string) (*GeminiProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key not configured. Set GEMINI_API_KEY or add to config")
	}
	return &GeminiProvider{apiKey: apiKey, model: model}, nil
}

func (p *GeminiProvider) Name() string {
	return fmt.Sprintf("Gemini (%s)", p.model)
}

func (p *GeminiProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	return newEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
		client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: p.apiKey, Backend: genai.BackendGeminiAPI})
		if err != nil {
			return fmt.Errorf("failed to create gemini client: %w", err)
		}

		system, contents := buildGeminiContents(req.Messages)
		if len(contents) == 0 {
			return fmt.Errorf("no user content provided")
		}

		config := &genai.GenerateContentConfig{}
		if system != "" {
			config.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
		}
		if req.MaxOutputTokens > 0 {
			config.MaxOutputTokens = int32(req.MaxOutputTokens)
		}
		if len(req.Tools) > 0 {
			config.Tools = buildGeminiTools(req.Tools)
			config.ToolConfig = buildGeminiToolConfig(req.ToolChoice)
		}

		events <- Event{Type: EventStart}

		var (
			text           strings.Builder
			calls          []ToolCall
			lastThoughtSig []byte
			lastResp       *genai.GenerateContentResponse
		)
		for resp, err := range client.Models.GenerateContentStream(ctx, chooseModel(req.Model, p.model), contents, config) {
			if err != nil {
				return fmt.Errorf("gemini streaming error: %w", err)
			}
			lastResp = resp
			if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
				continue
			}
			for _, part := range resp.Candidates[0].Content.Parts {
				if part.Thought {
					if len(part.ThoughtSignature) > 0 {
						lastThoughtSig = part.ThoughtSignature
					}
					if part.Text != "" {
						events <- Event{Type: EventReasoningDelta, Text: part.Text}
					}
					continue
				}
				if part.Text != "" {
					text.WriteString(part.Text)
					events <- Event{Type: EventTextDelta, Text: part.Text, Accumulated: text.String()}
				}
				if part.FunctionCall != nil {
					call := geminiToolCall(part, lastThoughtSig)
					calls = append(calls, call)
					events <- Event{Type: EventToolCall, Tool: &call}
				}
			}
		}

		if lastResp != nil && lastResp.UsageMetadata != nil && lastResp.UsageMetadata.TotalTokenCount > 0 {
			events <- Event{Type: EventUsage, Use: &Usage{
				InputTokens:  int(lastResp.UsageMetadata.PromptTokenCount),
				OutputTokens: int(lastResp.UsageMetadata.CandidatesTokenCount),
			}}
		}
		events <- Event{Type: EventDone, ToolCalls: calls, FinalResponse: text.String()}
		return nil
	}), nil
}

// geminiToolCall converts a function call part. Gemini often omits call
// ids, so one is minted here and reused in the done event.
func geminiToolCall(part *genai.Part, lastThoughtSig []byte) ToolCall {
	args, err := json.Marshal(part.FunctionCall.Args)
	if err != nil || part.FunctionCall.Args == nil {
		args = []byte(`{}`)
	}
	id := part.FunctionCall.ID
	if id == "" {
		id = "call_" + uuid.NewString()
	}
	sig := part.ThoughtSignature
	if sig == nil {
		sig = lastThoughtSig
	}
	return ToolCall{
		ID:         id,
		Name:       part.FunctionCall.Name,
		Arguments:  args,
		ThoughtSig: sig,
	}
}

func buildGeminiTools(specs []ToolSpec) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, 0, len(specs))
	for _, spec := range specs {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        spec.Name,
			Description: spec.Description,
			Parameters:  geminiSchema(spec.Schema),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

func buildGeminiContents(messages []Message) (string, []*genai.Content) {
	var systemParts []string
	contents := make([]*genai.Content, 0, len(messages))

	for _, msg := range messages {
		var content *genai.Content
		switch msg.Role {
		case RoleSystem:
			if text := collectTextParts(msg.Parts); text != "" {
				systemParts = append(systemParts, text)
			}
		case RoleUser:
			content = buildGeminiContent(genai.RoleUser, msg.Parts)
		case RoleAssistant:
			content = buildGeminiContent(genai.RoleModel, msg.Parts)
		case RoleTool:
			content = buildGeminiContent(genai.RoleUser, msg.Parts)
		}
		if content == nil {
			continue
		}
		// Gemini wants all function responses for a turn in one content.
		if n := len(contents); n > 0 && msg.Role == RoleTool && isGeminiToolResponse(contents[n-1]) {
			contents[n-1].Parts = append(contents[n-1].Parts, content.Parts...)
			continue
		}
		contents = append(contents, content)
	}

	return strings.Join(systemParts, "\n\n"), contents
}

func isGeminiToolResponse(content *genai.Content) bool {
	return content.Role == genai.RoleUser && len(content.Parts) > 0 && content.Parts[0].FunctionResponse != nil
}

func buildGeminiContent(role string, parts []Part) *genai.Content {
	content := &genai.Content{Role: role}
	for _, part := range parts {
		switch part.Type {
		case PartText:
			if part.Text != "" {
				content.Parts = append(content.Parts, &genai.Part{Text: part.Text})
			}
		case PartToolCall:
			if part.ToolCall == nil {
				continue
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{
					ID:   part.ToolCall.ID,
					Name: part.ToolCall.Name,
					Args: toolArgsToMap(part.ToolCall.Arguments),
				},
				ThoughtSignature: part.ToolCall.ThoughtSig,
			})
		case PartToolResult:
			if part.ToolResult == nil {
				continue
			}
			key := "output"
			if part.ToolResult.IsError {
				key = "error"
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					ID:       part.ToolResult.ID,
					Name:     part.ToolResult.Name,
					Response: map[string]any{key: part.ToolResult.Content},
				},
				ThoughtSignature: part.ToolResult.ThoughtSig,
			})
		}
	}
	if len(content.Parts) == 0 {
		return nil
	}
	return content
}

func toolArgsToMap(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err == nil {
		return args
	}
	return map[string]any{"_raw": string(raw)}
}

func buildGeminiToolConfig(choice ToolChoice) *genai.ToolConfig {
	mode := genai.FunctionCallingConfigModeAuto
	var allowed []string

	switch choice.Mode {
	case ToolChoiceNone:
		mode = genai.FunctionCallingConfigModeNone
	case ToolChoiceRequired:
		mode = genai.FunctionCallingConfigModeAny
	case ToolChoiceName:
		if strings.TrimSpace(choice.Name) != "" {
			mode = genai.FunctionCallingConfigModeAny
			allowed = []string{choice.Name}
		}
	}

	return &genai.ToolConfig{
		FunctionCallingConfig: &genai.FunctionCallingConfig{
			Mode:                 mode,
			AllowedFunctionNames: allowed,
		},
	}
}
