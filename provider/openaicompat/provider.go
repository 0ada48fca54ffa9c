package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	deckhand "github.com/deckhand-ai/deckhand"
)

// Provider implements deckhand.LanguageModel for any OpenAI-compatible
// API. It uses the shared helpers in this package (BuildBody,
// StreamSSE, ParseResponse) for body building, streaming, and parsing.
//
// Works with OCI Generative AI's OpenAI-compatible endpoint, vLLM,
// Ollama, and any other gateway implementing the chat completions API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	name    string
	headers map[string]string
	opts    []Option
}

var _ deckhand.LanguageModel = (*Provider)(nil)

// NewProvider creates an OpenAI-compatible chat provider.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1"). The
// /chat/completions path is appended automatically. model is the
// default model sent when a request names none.
func NewProvider(apiKey, model, baseURL string, opts ...ProviderOption) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{},
		name:    "openai-compat",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the backend name (default "openai-compat", configurable
// via WithName).
func (p *Provider) Name() string { return p.name }

func (p *Provider) resolveModel(req deckhand.ChatRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return p.model
}

func (p *Provider) requestOpts(req deckhand.ChatRequest) []Option {
	opts := make([]Option, len(p.opts), len(p.opts)+2)
	copy(opts, p.opts)
	if req.Temperature != nil {
		opts = append(opts, WithTemperature(*req.Temperature))
	}
	if req.MaxTokens > 0 {
		opts = append(opts, WithMaxTokens(req.MaxTokens))
	}
	return opts
}

// Chat sends a non-streaming chat request and returns the complete
// response. When req.Tools is non-empty, the response may contain
// ToolCalls.
func (p *Provider) Chat(ctx context.Context, req deckhand.ChatRequest) (deckhand.ChatResponse, error) {
	body := BuildBody(req.Messages, req.Tools, p.resolveModel(req), p.requestOpts(req)...)

	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		return deckhand.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return deckhand.ChatResponse{}, p.httpErr(resp)
	}

	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return deckhand.ChatResponse{}, p.llmErr("decode response: %v", err)
	}
	return ParseResponse(chatResp)
}

// ChatStream streams text deltas into ch, then returns the final
// accumulated response. The caller owns ch; it is never closed here.
func (p *Provider) ChatStream(ctx context.Context, req deckhand.ChatRequest, ch chan<- string) (deckhand.ChatResponse, error) {
	body := BuildBody(req.Messages, req.Tools, p.resolveModel(req), p.requestOpts(req)...)
	body.Stream = true
	body.StreamOptions = &StreamOptions{IncludeUsage: true}

	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		return deckhand.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return deckhand.ChatResponse{}, p.httpErr(resp)
	}
	return StreamSSE(ctx, resp.Body, ch)
}

// sendHTTP marshals the request body and posts it to the chat
// completions endpoint.
func (p *Provider) sendHTTP(ctx context.Context, body ChatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, p.llmErr("marshal request: %v", err)
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, p.llmErr("create request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	for k, v := range p.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e := p.llmErr("request failed: %v", err)
		e.Transient = true
		return nil, e
	}
	return resp, nil
}

// httpErr reads the response body and classifies the failure. Retry
// middleware keys off Kind, Transient, and RetryAfter.
func (p *Provider) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		e := deckhand.Errorf(deckhand.KindRateLimited, "%s rate limited", p.name)
		e.RetryAfter = deckhand.ParseRetryAfter(resp.Header.Get("Retry-After"))
		return e.With("status", resp.StatusCode).With("body", string(body))
	case resp.StatusCode >= 500:
		e := p.llmErr("upstream error: status %d", resp.StatusCode)
		e.Transient = true
		return e.With("body", string(body))
	default:
		return p.llmErr("request rejected: status %d", resp.StatusCode).With("body", string(body))
	}
}

func (p *Provider) llmErr(format string, args ...any) *deckhand.Error {
	return deckhand.Errorf(deckhand.KindLanguageModel, "%s: %s", p.name, fmt.Sprintf(format, args...))
}
