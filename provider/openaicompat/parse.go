package openaicompat

import (
	"encoding/json"

	deckhand "github.com/deckhand-ai/deckhand"
)

// ParseResponse converts an OpenAI-format ChatResponse to a deckhand
// ChatResponse. It extracts content, tool calls, and usage from
// choices[0].
func ParseResponse(resp ChatResponse) (deckhand.ChatResponse, error) {
	var out deckhand.ChatResponse
	out.Model = resp.Model

	if len(resp.Choices) == 0 {
		return out, nil
	}

	choice := resp.Choices[0]
	if choice.Message != nil {
		out.Content = choice.Message.Content
		out.ToolCalls = ParseToolCalls(choice.Message.ToolCalls)
	}
	out.StopReason = choice.FinishReason

	if resp.Usage != nil {
		out.Usage = deckhand.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		}
	}
	return out, nil
}

// ParseToolCalls converts OpenAI tool call requests to deckhand
// ToolCalls. OpenAI returns function.arguments as a JSON string; we
// parse it into json.RawMessage.
func ParseToolCalls(tcs []ToolCallRequest) []deckhand.ToolCall {
	if len(tcs) == 0 {
		return nil
	}
	out := make([]deckhand.ToolCall, 0, len(tcs))
	for _, tc := range tcs {
		args := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		out = append(out, deckhand.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		})
	}
	return out
}
