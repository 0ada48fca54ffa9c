package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	deckhand "github.com/deckhand-ai/deckhand"
)

// StreamSSE reads an SSE stream from body, sends text deltas to ch, and
// returns the fully accumulated response (content + tool calls + usage).
//
// The caller owns ch and closes it; StreamSSE never does. The context
// cancels channel sends if the consumer is no longer interested.
//
// SSE format expected:
//
//	data: {"id":"...","choices":[...]}\n
//	data: [DONE]\n
func StreamSSE(ctx context.Context, body io.Reader, ch chan<- string) (deckhand.ChatResponse, error) {
	scanner := bufio.NewScanner(body)
	// Large SSE payloads need more than the default buffer.
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	var fullContent strings.Builder
	var usage deckhand.Usage
	var finishReason string

	// Tool calls stream incrementally: each chunk has an index, and
	// arguments arrive as string fragments.
	type partialToolCall struct {
		ID   string
		Name string
		Args strings.Builder
	}
	var toolCalls []partialToolCall

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk ChatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Skip malformed chunks.
			continue
		}

		if chunk.Usage != nil {
			usage.InputTokens = chunk.Usage.PromptTokens
			usage.OutputTokens = chunk.Usage.CompletionTokens
			usage.TotalTokens = chunk.Usage.TotalTokens
		}
		if len(chunk.Choices) == 0 {
			// Usage-only chunk.
			continue
		}

		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finishReason = choice.FinishReason
		}
		delta := choice.Delta
		if delta == nil {
			continue
		}

		if delta.Content != "" {
			fullContent.WriteString(delta.Content)
			select {
			case ch <- delta.Content:
			case <-ctx.Done():
				return deckhand.ChatResponse{}, ctx.Err()
			}
		}

		for _, tc := range delta.ToolCalls {
			idx := tc.Index
			for len(toolCalls) <= idx {
				toolCalls = append(toolCalls, partialToolCall{})
			}
			if tc.ID != "" {
				toolCalls[idx].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[idx].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				toolCalls[idx].Args.WriteString(tc.Function.Arguments)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return deckhand.ChatResponse{}, err
	}

	var calls []deckhand.ToolCall
	for _, tc := range toolCalls {
		args := json.RawMessage(tc.Args.String())
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		calls = append(calls, deckhand.ToolCall{
			ID:   tc.ID,
			Name: tc.Name,
			Args: args,
		})
	}

	return deckhand.ChatResponse{
		Content:    fullContent.String(),
		ToolCalls:  calls,
		StopReason: finishReason,
		Usage:      usage,
	}, nil
}
