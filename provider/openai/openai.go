// Package openai adapts the OpenAI Chat Completions API to the
// deckhand.LanguageModel interface using github.com/sashabaranov/go-openai.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	deckhand "github.com/deckhand-ai/deckhand"
)

// ChatClient captures the subset of the go-openai client the adapter
// uses. *openai.Client satisfies it; tests can substitute a stub.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	CreateChatCompletionStream(ctx context.Context, request openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error)
}

// Provider implements deckhand.LanguageModel via Chat Completions.
type Provider struct {
	chat  ChatClient
	model string
}

var _ deckhand.LanguageModel = (*Provider)(nil)

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithChatClient substitutes the underlying client. Used in tests and
// for custom base URLs.
func WithChatClient(c ChatClient) ProviderOption {
	return func(p *Provider) { p.chat = c }
}

// New creates an OpenAI provider. model is the default model used when
// a request names none.
func New(apiKey, model string, opts ...ProviderOption) *Provider {
	p := &Provider{
		chat:  openai.NewClient(apiKey),
		model: model,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name identifies the backend in logs and audit entries.
func (p *Provider) Name() string { return "openai" }

// Chat issues a non-streaming chat completion.
func (p *Provider) Chat(ctx context.Context, req deckhand.ChatRequest) (deckhand.ChatResponse, error) {
	request, err := p.buildRequest(req)
	if err != nil {
		return deckhand.ChatResponse{}, err
	}
	resp, err := p.chat.CreateChatCompletion(ctx, request)
	if err != nil {
		return deckhand.ChatResponse{}, classifyErr(ctx, err)
	}
	return translateResponse(resp), nil
}

// ChatStream streams text deltas into ch and returns the accumulated
// response. The caller owns ch; it is never closed here.
func (p *Provider) ChatStream(ctx context.Context, req deckhand.ChatRequest, ch chan<- string) (deckhand.ChatResponse, error) {
	request, err := p.buildRequest(req)
	if err != nil {
		return deckhand.ChatResponse{}, err
	}
	request.Stream = true
	request.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	stream, err := p.chat.CreateChatCompletionStream(ctx, request)
	if err != nil {
		return deckhand.ChatResponse{}, classifyErr(ctx, err)
	}
	defer stream.Close()

	var content strings.Builder
	var usage deckhand.Usage
	var finishReason string

	type partialToolCall struct {
		id   string
		name string
		args strings.Builder
	}
	var toolCalls []partialToolCall

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return deckhand.ChatResponse{}, classifyErr(ctx, err)
		}

		if chunk.Usage != nil {
			usage.InputTokens = chunk.Usage.PromptTokens
			usage.OutputTokens = chunk.Usage.CompletionTokens
			usage.TotalTokens = chunk.Usage.TotalTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finishReason = string(choice.FinishReason)
		}

		if choice.Delta.Content != "" {
			content.WriteString(choice.Delta.Content)
			select {
			case ch <- choice.Delta.Content:
			case <-ctx.Done():
				return deckhand.ChatResponse{}, ctx.Err()
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			idx := len(toolCalls) - 1
			if tc.Index != nil {
				idx = *tc.Index
			}
			if idx < 0 {
				idx = 0
			}
			for len(toolCalls) <= idx {
				toolCalls = append(toolCalls, partialToolCall{})
			}
			if tc.ID != "" {
				toolCalls[idx].id = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[idx].name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				toolCalls[idx].args.WriteString(tc.Function.Arguments)
			}
		}
	}

	var calls []deckhand.ToolCall
	for _, tc := range toolCalls {
		calls = append(calls, deckhand.ToolCall{
			ID:   tc.id,
			Name: tc.name,
			Args: toolArgs(tc.args.String()),
		})
	}

	return deckhand.ChatResponse{
		Content:    content.String(),
		ToolCalls:  calls,
		Model:      request.Model,
		StopReason: finishReason,
		Usage:      usage,
	}, nil
}

func (p *Provider) buildRequest(req deckhand.ChatRequest) (openai.ChatCompletionRequest, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	messages, err := encodeMessages(req.Messages)
	if err != nil {
		return openai.ChatCompletionRequest{}, err
	}

	request := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
		Tools:    encodeTools(req.Tools),
	}
	if req.Temperature != nil {
		request.Temperature = float32(*req.Temperature)
	}
	if req.MaxTokens > 0 {
		request.MaxTokens = req.MaxTokens
	}
	return request, nil
}

func encodeMessages(msgs []deckhand.ChatMessage) ([]openai.ChatCompletionMessage, error) {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case deckhand.RoleSystem, deckhand.RoleUser:
			out = append(out, openai.ChatCompletionMessage{
				Role:    string(m.Role),
				Content: m.Content,
			})

		case deckhand.RoleAssistant:
			msg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: m.Content,
			}
			for _, tc := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Args),
					},
				})
			}
			out = append(out, msg)

		case deckhand.RoleTool:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
			})

		default:
			return nil, deckhand.Errorf(deckhand.KindValidation, "openai: unsupported role %q", m.Role)
		}
	}
	return out, nil
}

func encodeTools(defs []deckhand.ToolDefinition) []openai.Tool {
	if len(defs) == 0 {
		return nil
	}
	tools := make([]openai.Tool, 0, len(defs))
	for _, def := range defs {
		params := def.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{}`)
		}
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  params,
			},
		})
	}
	return tools
}

func translateResponse(resp openai.ChatCompletionResponse) deckhand.ChatResponse {
	out := deckhand.ChatResponse{
		Model: resp.Model,
		Usage: deckhand.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}
	if len(resp.Choices) == 0 {
		return out
	}

	choice := resp.Choices[0]
	out.Content = choice.Message.Content
	out.StopReason = string(choice.FinishReason)
	for _, call := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, deckhand.ToolCall{
			ID:   call.ID,
			Name: call.Function.Name,
			Args: toolArgs(call.Function.Arguments),
		})
	}
	return out
}

func toolArgs(raw string) json.RawMessage {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || !json.Valid([]byte(trimmed)) {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(trimmed)
}

func classifyErr(ctx context.Context, err error) error {
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return ctx.Err()
	}

	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	switch {
	case status == 429:
		e := deckhand.Errorf(deckhand.KindRateLimited, "openai rate limited")
		if apiErr != nil {
			// The API reports the wait in the error message; surface the
			// status for retry middleware either way.
			e.RetryAfter = deckhand.ParseRetryAfter(retryAfterHint(apiErr.Message))
		}
		return e.With("status", status).Wrap(err)
	case status >= 500:
		e := deckhand.Errorf(deckhand.KindLanguageModel, "openai upstream error")
		e.Transient = true
		return e.With("status", status).Wrap(err)
	case status > 0:
		return deckhand.Errorf(deckhand.KindLanguageModel, "openai request rejected").
			With("status", status).Wrap(err)
	default:
		e := deckhand.Errorf(deckhand.KindLanguageModel, "openai: %v", err)
		e.Transient = true
		return e
	}
}

// retryAfterHint extracts a "try again in Ns" style hint from an error
// message. Returns "" when no hint is present.
func retryAfterHint(msg string) string {
	const marker = "try again in "
	i := strings.Index(strings.ToLower(msg), marker)
	if i < 0 {
		return ""
	}
	rest := msg[i+len(marker):]
	var digits strings.Builder
	for _, r := range rest {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
			continue
		}
		break
	}
	if digits.Len() == 0 {
		return ""
	}
	if _, err := strconv.Atoi(digits.String()); err != nil {
		return ""
	}
	return digits.String()
}
