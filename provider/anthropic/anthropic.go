// Package anthropic adapts Anthropic Claude Messages to the
// deckhand.LanguageModel interface using the official SDK.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	deckhand "github.com/deckhand-ai/deckhand"
)

// DefaultMaxTokens is sent when a request does not set MaxTokens. The
// Messages API requires the field.
const DefaultMaxTokens = 4096

// MessageService is the subset of the SDK message API the adapter
// needs. *sdk.MessageService satisfies it; tests can substitute a stub.
type MessageService interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Provider implements deckhand.LanguageModel on the Claude Messages API.
type Provider struct {
	messages  MessageService
	model     string
	maxTokens int
}

var _ deckhand.LanguageModel = (*Provider)(nil)

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithMaxTokens overrides the default output token cap.
func WithMaxTokens(n int) ProviderOption {
	return func(p *Provider) { p.maxTokens = n }
}

// WithMessageService substitutes the SDK message service. Used in tests.
func WithMessageService(ms MessageService) ProviderOption {
	return func(p *Provider) { p.messages = ms }
}

// New creates a Claude provider. model is the default model used when a
// request names none (e.g. "claude-sonnet-4-5").
func New(apiKey, model string, opts ...ProviderOption) *Provider {
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	p := &Provider{
		messages:  &ac.Messages,
		model:     model,
		maxTokens: DefaultMaxTokens,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name identifies the backend in logs and audit entries.
func (p *Provider) Name() string { return "anthropic" }

// Chat issues a non-streaming Messages request.
func (p *Provider) Chat(ctx context.Context, req deckhand.ChatRequest) (deckhand.ChatResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return deckhand.ChatResponse{}, err
	}
	msg, err := p.messages.New(ctx, params)
	if err != nil {
		return deckhand.ChatResponse{}, classifyErr(ctx, err)
	}
	return translateMessage(msg), nil
}

// ChatStream streams text deltas into ch and returns the accumulated
// response. The caller owns ch; it is never closed here.
func (p *Provider) ChatStream(ctx context.Context, req deckhand.ChatRequest, ch chan<- string) (deckhand.ChatResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return deckhand.ChatResponse{}, err
	}
	model := p.resolveModel(req)

	stream := p.messages.NewStreaming(ctx, params)
	defer stream.Close()

	var content strings.Builder
	var usage deckhand.Usage
	var stopReason string

	// Tool use blocks stream as a start event carrying id and name,
	// then input_json_delta fragments, then a stop event.
	type toolBuffer struct {
		id        string
		name      string
		fragments strings.Builder
	}
	toolBlocks := make(map[int]*toolBuffer)
	var calls []deckhand.ToolCall

	for stream.Next() {
		event := stream.Current()
		switch ev := event.AsAny().(type) {
		case sdk.ContentBlockStartEvent:
			if tu, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
				toolBlocks[int(ev.Index)] = &toolBuffer{id: tu.ID, name: tu.Name}
			}
		case sdk.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case sdk.TextDelta:
				if delta.Text == "" {
					continue
				}
				content.WriteString(delta.Text)
				select {
				case ch <- delta.Text:
				case <-ctx.Done():
					return deckhand.ChatResponse{}, ctx.Err()
				}
			case sdk.InputJSONDelta:
				if tb := toolBlocks[int(ev.Index)]; tb != nil {
					tb.fragments.WriteString(delta.PartialJSON)
				}
			}
		case sdk.ContentBlockStopEvent:
			if tb := toolBlocks[int(ev.Index)]; tb != nil {
				delete(toolBlocks, int(ev.Index))
				calls = append(calls, deckhand.ToolCall{
					ID:   tb.id,
					Name: tb.name,
					Args: toolArgs(tb.fragments.String()),
				})
			}
		case sdk.MessageDeltaEvent:
			stopReason = string(ev.Delta.StopReason)
			usage.InputTokens = int(ev.Usage.InputTokens)
			usage.OutputTokens = int(ev.Usage.OutputTokens)
			usage.TotalTokens = int(ev.Usage.InputTokens + ev.Usage.OutputTokens)
		}
	}
	if err := stream.Err(); err != nil {
		return deckhand.ChatResponse{}, classifyErr(ctx, err)
	}

	return deckhand.ChatResponse{
		Content:    content.String(),
		ToolCalls:  calls,
		Model:      model,
		StopReason: stopReason,
		Usage:      usage,
	}, nil
}

func (p *Provider) resolveModel(req deckhand.ChatRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return p.model
}

func (p *Provider) buildParams(req deckhand.ChatRequest) (sdk.MessageNewParams, error) {
	conversation, system, err := encodeMessages(req.Messages)
	if err != nil {
		return sdk.MessageNewParams{}, err
	}

	maxTokens := p.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(p.resolveModel(req)),
		MaxTokens: int64(maxTokens),
		Messages:  conversation,
	}
	if len(system) > 0 {
		params.System = system
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}
	if len(req.Tools) > 0 {
		tools, err := encodeTools(req.Tools)
		if err != nil {
			return sdk.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	return params, nil
}

// encodeMessages converts deckhand messages to the Messages API shape.
// System messages move into the dedicated system field; tool results
// become tool_result blocks inside user messages.
func encodeMessages(msgs []deckhand.ChatMessage) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	var system []sdk.TextBlockParam

	for _, m := range msgs {
		switch m.Role {
		case deckhand.RoleSystem:
			if m.Content != "" {
				system = append(system, sdk.TextBlockParam{Text: m.Content})
			}

		case deckhand.RoleUser:
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))

		case deckhand.RoleAssistant:
			blocks := make([]sdk.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, toolArgs(string(tc.Args)), tc.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			conversation = append(conversation, sdk.NewAssistantMessage(blocks...))

		case deckhand.RoleTool:
			conversation = append(conversation, sdk.NewUserMessage(
				sdk.NewToolResultBlock(m.ToolCallID, m.Content, false)))

		default:
			return nil, nil, deckhand.Errorf(deckhand.KindValidation, "anthropic: unsupported role %q", m.Role)
		}
	}
	return conversation, system, nil
}

func encodeTools(defs []deckhand.ToolDefinition) ([]sdk.ToolUnionParam, error) {
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		schema, err := toolInputSchema(def.Parameters)
		if err != nil {
			return nil, deckhand.Errorf(deckhand.KindValidation, "anthropic: tool %q schema: %v", def.Name, err)
		}
		u := sdk.ToolUnionParamOfTool(schema, def.Name)
		if def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		out = append(out, u)
	}
	return out, nil
}

func toolInputSchema(raw json.RawMessage) (sdk.ToolInputSchemaParam, error) {
	if len(raw) == 0 {
		return sdk.ToolInputSchemaParam{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}, nil
}

func translateMessage(msg *sdk.Message) deckhand.ChatResponse {
	var out deckhand.ChatResponse
	if msg == nil {
		return out
	}

	var content strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			content.WriteString(block.Text)
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, deckhand.ToolCall{
				ID:   block.ID,
				Name: block.Name,
				Args: toolArgs(string(block.Input)),
			})
		}
	}
	out.Content = content.String()
	out.Model = string(msg.Model)
	out.StopReason = string(msg.StopReason)
	out.Usage = deckhand.Usage{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
		TotalTokens:  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
	}
	return out
}

// toolArgs normalizes a streamed or decoded argument payload to valid
// JSON, defaulting to an empty object.
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

	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == 429:
			e := deckhand.Errorf(deckhand.KindRateLimited, "anthropic rate limited")
			if apierr.Response != nil {
				e.RetryAfter = deckhand.ParseRetryAfter(apierr.Response.Header.Get("Retry-After"))
			}
			return e.With("status", apierr.StatusCode).Wrap(err)
		case apierr.StatusCode == 529 || apierr.StatusCode >= 500:
			e := deckhand.Errorf(deckhand.KindLanguageModel, "anthropic upstream error")
			e.Transient = true
			return e.With("status", apierr.StatusCode).Wrap(err)
		default:
			return deckhand.Errorf(deckhand.KindLanguageModel, "anthropic request rejected").
				With("status", apierr.StatusCode).Wrap(err)
		}
	}

	e := deckhand.Errorf(deckhand.KindLanguageModel, "anthropic: %v", err)
	e.Transient = true
	return e
}
