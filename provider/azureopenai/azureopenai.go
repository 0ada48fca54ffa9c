// Package azureopenai adapts the Azure OpenAI service to the
// deckhand.LanguageModel interface. Azure routes requests to named
// deployments rather than model identifiers, so the deployment name
// stands in for the model on every call.
package azureopenai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/ai/azopenai"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"

	deckhand "github.com/deckhand-ai/deckhand"
)

// ChatClient is the subset of *azopenai.Client the adapter uses.
type ChatClient interface {
	GetChatCompletions(ctx context.Context, body azopenai.ChatCompletionsOptions, options *azopenai.GetChatCompletionsOptions) (azopenai.GetChatCompletionsResponse, error)
	GetChatCompletionsStream(ctx context.Context, body azopenai.ChatCompletionsStreamOptions, options *azopenai.GetChatCompletionsStreamOptions) (azopenai.GetChatCompletionsStreamResponse, error)
}

// Provider implements deckhand.LanguageModel on Azure OpenAI.
type Provider struct {
	client     ChatClient
	deployment string
}

var _ deckhand.LanguageModel = (*Provider)(nil)

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithChatClient substitutes the underlying client. Used in tests.
func WithChatClient(c ChatClient) ProviderOption {
	return func(p *Provider) { p.client = c }
}

// New creates an Azure OpenAI provider bound to one deployment.
func New(endpoint, apiKey, deployment string, opts ...ProviderOption) (*Provider, error) {
	client, err := azopenai.NewClientWithKeyCredential(endpoint, azcore.NewKeyCredential(apiKey), nil)
	if err != nil {
		return nil, deckhand.Errorf(deckhand.KindInternal, "azure-openai: create client: %v", err)
	}
	p := &Provider{client: client, deployment: deployment}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Name identifies the backend in logs and audit entries.
func (p *Provider) Name() string { return "azure-openai" }

func (p *Provider) resolveDeployment(req deckhand.ChatRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return p.deployment
}

// Chat issues a non-streaming completion against the deployment.
func (p *Provider) Chat(ctx context.Context, req deckhand.ChatRequest) (deckhand.ChatResponse, error) {
	messages, err := encodeMessages(req.Messages)
	if err != nil {
		return deckhand.ChatResponse{}, err
	}

	body := azopenai.ChatCompletionsOptions{
		DeploymentName: to.Ptr(p.resolveDeployment(req)),
		Messages:       messages,
		Tools:          encodeTools(req.Tools),
	}
	if req.Temperature != nil {
		body.Temperature = to.Ptr(float32(*req.Temperature))
	}
	if req.MaxTokens > 0 {
		body.MaxTokens = to.Ptr(int32(req.MaxTokens))
	}

	resp, err := p.client.GetChatCompletions(ctx, body, nil)
	if err != nil {
		return deckhand.ChatResponse{}, classifyErr(ctx, err)
	}
	return translateResponse(resp.ChatCompletions, p.resolveDeployment(req)), nil
}

// ChatStream streams text deltas into ch and returns the accumulated
// response. The caller owns ch; it is never closed here.
//
// Tool call deltas are accumulated the same way the blocking path
// returns them, so tool-using conversations work over either method.
func (p *Provider) ChatStream(ctx context.Context, req deckhand.ChatRequest, ch chan<- string) (deckhand.ChatResponse, error) {
	messages, err := encodeMessages(req.Messages)
	if err != nil {
		return deckhand.ChatResponse{}, err
	}

	body := azopenai.ChatCompletionsStreamOptions{
		DeploymentName: to.Ptr(p.resolveDeployment(req)),
		Messages:       messages,
		Tools:          encodeTools(req.Tools),
		StreamOptions:  &azopenai.ChatCompletionStreamOptions{IncludeUsage: to.Ptr(true)},
	}
	if req.Temperature != nil {
		body.Temperature = to.Ptr(float32(*req.Temperature))
	}
	if req.MaxTokens > 0 {
		body.MaxTokens = to.Ptr(int32(req.MaxTokens))
	}

	resp, err := p.client.GetChatCompletionsStream(ctx, body, nil)
	if err != nil {
		return deckhand.ChatResponse{}, classifyErr(ctx, err)
	}
	defer resp.ChatCompletionsStream.Close()

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
		chunk, err := resp.ChatCompletionsStream.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return deckhand.ChatResponse{}, classifyErr(ctx, err)
		}

		if chunk.Usage != nil {
			usage.InputTokens = int(deref(chunk.Usage.PromptTokens))
			usage.OutputTokens = int(deref(chunk.Usage.CompletionTokens))
			usage.TotalTokens = int(deref(chunk.Usage.TotalTokens))
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.FinishReason != nil {
			finishReason = string(*choice.FinishReason)
		}
		if choice.Delta == nil {
			continue
		}

		if choice.Delta.Content != nil && *choice.Delta.Content != "" {
			content.WriteString(*choice.Delta.Content)
			select {
			case ch <- *choice.Delta.Content:
			case <-ctx.Done():
				return deckhand.ChatResponse{}, ctx.Err()
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			fn, ok := tc.(*azopenai.ChatCompletionsFunctionToolCall)
			if !ok || fn.Function == nil {
				continue
			}
			// A delta carrying an id opens a new tool call; later
			// fragments extend the most recent one.
			if fn.ID != nil && *fn.ID != "" {
				toolCalls = append(toolCalls, partialToolCall{id: *fn.ID})
			}
			if len(toolCalls) == 0 {
				toolCalls = append(toolCalls, partialToolCall{})
			}
			cur := &toolCalls[len(toolCalls)-1]
			if fn.Function.Name != nil && *fn.Function.Name != "" {
				cur.name = *fn.Function.Name
			}
			if fn.Function.Arguments != nil {
				cur.args.WriteString(*fn.Function.Arguments)
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
		Model:      p.resolveDeployment(req),
		StopReason: finishReason,
		Usage:      usage,
	}, nil
}

func encodeMessages(msgs []deckhand.ChatMessage) ([]azopenai.ChatRequestMessageClassification, error) {
	out := make([]azopenai.ChatRequestMessageClassification, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case deckhand.RoleSystem:
			out = append(out, &azopenai.ChatRequestSystemMessage{
				Content: azopenai.NewChatRequestSystemMessageContent(m.Content),
			})

		case deckhand.RoleUser:
			out = append(out, &azopenai.ChatRequestUserMessage{
				Content: azopenai.NewChatRequestUserMessageContent(m.Content),
			})

		case deckhand.RoleAssistant:
			msg := &azopenai.ChatRequestAssistantMessage{}
			if m.Content != "" {
				msg.Content = azopenai.NewChatRequestAssistantMessageContent(m.Content)
			}
			for _, tc := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, &azopenai.ChatCompletionsFunctionToolCall{
					ID:   to.Ptr(tc.ID),
					Type: to.Ptr("function"),
					Function: &azopenai.FunctionCall{
						Name:      to.Ptr(tc.Name),
						Arguments: to.Ptr(string(tc.Args)),
					},
				})
			}
			out = append(out, msg)

		case deckhand.RoleTool:
			out = append(out, &azopenai.ChatRequestToolMessage{
				Content:    azopenai.NewChatRequestToolMessageContent(m.Content),
				ToolCallID: to.Ptr(m.ToolCallID),
			})

		default:
			return nil, deckhand.Errorf(deckhand.KindValidation, "azure-openai: unsupported role %q", m.Role)
		}
	}
	return out, nil
}

func encodeTools(defs []deckhand.ToolDefinition) []azopenai.ChatCompletionsToolDefinitionClassification {
	if len(defs) == 0 {
		return nil
	}
	out := make([]azopenai.ChatCompletionsToolDefinitionClassification, 0, len(defs))
	for _, def := range defs {
		params := def.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{}`)
		}
		out = append(out, &azopenai.ChatCompletionsFunctionToolDefinition{
			Function: &azopenai.ChatCompletionsFunctionToolDefinitionFunction{
				Name:        to.Ptr(def.Name),
				Description: to.Ptr(def.Description),
				Parameters:  params,
			},
		})
	}
	return out
}

func translateResponse(cc azopenai.ChatCompletions, deployment string) deckhand.ChatResponse {
	out := deckhand.ChatResponse{Model: deployment}

	if cc.Usage != nil {
		out.Usage = deckhand.Usage{
			InputTokens:  int(deref(cc.Usage.PromptTokens)),
			OutputTokens: int(deref(cc.Usage.CompletionTokens)),
			TotalTokens:  int(deref(cc.Usage.TotalTokens)),
		}
	}
	if len(cc.Choices) == 0 {
		return out
	}

	choice := cc.Choices[0]
	if choice.FinishReason != nil {
		out.StopReason = string(*choice.FinishReason)
	}
	if choice.Message == nil {
		return out
	}
	if choice.Message.Content != nil {
		out.Content = *choice.Message.Content
	}
	for _, tc := range choice.Message.ToolCalls {
		fn, ok := tc.(*azopenai.ChatCompletionsFunctionToolCall)
		if !ok || fn.Function == nil {
			continue
		}
		var id, name, args string
		if fn.ID != nil {
			id = *fn.ID
		}
		if fn.Function.Name != nil {
			name = *fn.Function.Name
		}
		if fn.Function.Arguments != nil {
			args = *fn.Function.Arguments
		}
		out.ToolCalls = append(out.ToolCalls, deckhand.ToolCall{
			ID:   id,
			Name: name,
			Args: toolArgs(args),
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

func deref(v *int32) int32 {
	if v == nil {
		return 0
	}
	return *v
}

func classifyErr(ctx context.Context, err error) error {
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return ctx.Err()
	}

	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch {
		case respErr.StatusCode == 429:
			e := deckhand.Errorf(deckhand.KindRateLimited, "azure-openai rate limited")
			if respErr.RawResponse != nil {
				e.RetryAfter = deckhand.ParseRetryAfter(respErr.RawResponse.Header.Get("Retry-After"))
			}
			return e.With("status", respErr.StatusCode).Wrap(err)
		case respErr.StatusCode >= 500:
			e := deckhand.Errorf(deckhand.KindLanguageModel, "azure-openai upstream error")
			e.Transient = true
			return e.With("status", respErr.StatusCode).Wrap(err)
		default:
			return deckhand.Errorf(deckhand.KindLanguageModel, "azure-openai request rejected").
				With("status", respErr.StatusCode).Wrap(err)
		}
	}

	e := deckhand.Errorf(deckhand.KindLanguageModel, "azure-openai: %v", err)
	e.Transient = true
	return e
}
