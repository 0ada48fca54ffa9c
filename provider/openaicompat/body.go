package openaicompat

import (
	"encoding/json"

	deckhand "github.com/deckhand-ai/deckhand"
)

// BuildBody converts chat messages and a model name into an
// OpenAI-format ChatRequest. System messages stay in the messages
// array as role:"system". Options configure generation parameters.
func BuildBody(messages []deckhand.ChatMessage, tools []deckhand.ToolDefinition, model string, opts ...Option) ChatRequest {
	var msgs []Message

	for _, m := range messages {
		switch {
		case m.Role == deckhand.RoleAssistant && len(m.ToolCalls) > 0:
			var tcs []ToolCallRequest
			for _, tc := range m.ToolCalls {
				tcs = append(tcs, ToolCallRequest{
					ID:   tc.ID,
					Type: "function",
					Function: FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Args),
					},
				})
			}
			msg := Message{
				Role:      "assistant",
				ToolCalls: tcs,
			}
			// Text content may accompany the tool calls.
			if m.Content != "" {
				msg.Content = m.Content
			}
			msgs = append(msgs, msg)

		case m.Role == deckhand.RoleTool:
			msgs = append(msgs, Message{
				Role:       "tool",
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
			})

		default:
			msgs = append(msgs, Message{
				Role:    string(m.Role),
				Content: m.Content,
			})
		}
	}

	req := ChatRequest{
		Model:    model,
		Messages: msgs,
	}
	if len(tools) > 0 {
		req.Tools = BuildToolDefs(tools)
	}
	for _, opt := range opts {
		opt(&req)
	}
	return req
}

// BuildToolDefs converts tool definitions to the OpenAI tool format.
func BuildToolDefs(tools []deckhand.ToolDefinition) []Tool {
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{}`)
		}
		out = append(out, Tool{
			Type: "function",
			Function: Function{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}
