// Package gemini adapts the Google Gemini generateContent API to the
// deckhand.LanguageModel interface.
package gemini

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	deckhand "github.com/deckhand-ai/deckhand"
)

var baseURL = "https://generativelanguage.googleapis.com/v1beta"

// Gemini implements deckhand.LanguageModel for Google Gemini models.
type Gemini struct {
	apiKey     string
	model      string
	httpClient *http.Client

	temperature float64
	topP        float64
}

var _ deckhand.LanguageModel = (*Gemini)(nil)

// New creates a Gemini chat provider with functional options. model is
// the default model used when a request names none.
func New(apiKey, model string, opts ...Option) *Gemini {
	g := &Gemini{
		apiKey:      apiKey,
		model:       model,
		httpClient:  &http.Client{},
		temperature: 0.1,
		topP:        0.9,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Name identifies the backend in logs and audit entries.
func (g *Gemini) Name() string { return "gemini" }

func (g *Gemini) resolveModel(req deckhand.ChatRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return g.model
}

// Chat sends a non-streaming generateContent request.
func (g *Gemini) Chat(ctx context.Context, req deckhand.ChatRequest) (deckhand.ChatResponse, error) {
	body := g.buildBody(req)

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", baseURL, g.resolveModel(req), g.apiKey)
	respBody, err := g.post(ctx, url, body)
	if err != nil {
		return deckhand.ChatResponse{}, err
	}

	var parsed geminiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return deckhand.ChatResponse{}, g.llmErr("parse response: %v", err)
	}

	var content strings.Builder
	var toolCalls []deckhand.ToolCall

	if len(parsed.Candidates) > 0 {
		for _, part := range parsed.Candidates[0].Content.Parts {
			if part.Thought {
				continue
			}
			if part.Text != nil {
				content.WriteString(*part.Text)
			}
			if part.FunctionCall != nil {
				toolCalls = append(toolCalls, functionToolCall(part.FunctionCall))
			}
		}
	}

	out := deckhand.ChatResponse{
		Content:   content.String(),
		ToolCalls: toolCalls,
		Model:     g.resolveModel(req),
	}
	if len(parsed.Candidates) > 0 {
		out.StopReason = strings.ToLower(parsed.Candidates[0].FinishReason)
	}
	if parsed.UsageMetadata != nil {
		out.Usage = parsed.UsageMetadata.toUsage()
	}
	return out, nil
}

// ChatStream streams text deltas into ch and returns the accumulated
// response. The caller owns ch; it is never closed here.
func (g *Gemini) ChatStream(ctx context.Context, req deckhand.ChatRequest, ch chan<- string) (deckhand.ChatResponse, error) {
	body := g.buildBody(req)

	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s", baseURL, g.resolveModel(req), g.apiKey)

	payload, err := json.Marshal(body)
	if err != nil {
		return deckhand.ChatResponse{}, g.llmErr("marshal body: %v", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
	if err != nil {
		return deckhand.ChatResponse{}, g.llmErr("create request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return deckhand.ChatResponse{}, ctx.Err()
		}
		e := g.llmErr("stream request failed: %v", err)
		e.Transient = true
		return deckhand.ChatResponse{}, e
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		return deckhand.ChatResponse{}, g.httpErr(resp, string(b))
	}

	acc := &streamAccumulator{}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	// Gemini sometimes splits a JSON chunk across SSE lines; buffer
	// until the braces balance.
	var jsonBuf strings.Builder

	flush := func(data string) error {
		delta := acc.processChunk(data)
		if delta == "" {
			return nil
		}
		select {
		case ch <- delta:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for scanner.Scan() {
		line := scanner.Text()

		if !strings.HasPrefix(line, "data: ") {
			if jsonBuf.Len() > 0 {
				jsonBuf.WriteString(line)
				if isCompleteJSON(jsonBuf.String()) {
					if err := flush(jsonBuf.String()); err != nil {
						return deckhand.ChatResponse{}, err
					}
					jsonBuf.Reset()
				}
			}
			continue
		}

		data := strings.TrimPrefix(line, "data: ")
		if data == "" {
			continue
		}

		if isCompleteJSON(data) {
			if err := flush(data); err != nil {
				return deckhand.ChatResponse{}, err
			}
		} else {
			jsonBuf.Reset()
			jsonBuf.WriteString(data)
		}
	}
	if err := scanner.Err(); err != nil {
		return deckhand.ChatResponse{}, g.llmErr("read stream: %v", err)
	}

	if jsonBuf.Len() > 0 && isCompleteJSON(jsonBuf.String()) {
		if err := flush(jsonBuf.String()); err != nil {
			return deckhand.ChatResponse{}, err
		}
	}

	return acc.response(g.resolveModel(req)), nil
}

func (g *Gemini) post(ctx context.Context, url string, body map[string]any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, g.llmErr("marshal body: %v", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
	if err != nil {
		return nil, g.llmErr("create request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e := g.llmErr("request failed: %v", err)
		e.Transient = true
		return nil, e
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, g.llmErr("read response: %v", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, g.httpErr(resp, string(respBody))
	}
	return respBody, nil
}

func (g *Gemini) llmErr(format string, args ...any) *deckhand.Error {
	return deckhand.Errorf(deckhand.KindLanguageModel, "gemini: %s", fmt.Sprintf(format, args...))
}

// httpErr classifies an HTTP failure. The retry delay comes from the
// Retry-After header or the google.rpc.RetryInfo detail in the body.
func (g *Gemini) httpErr(resp *http.Response, body string) error {
	ra := deckhand.ParseRetryAfter(resp.Header.Get("Retry-After"))
	if ra == 0 {
		ra = parseRetryInfo(body)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		e := deckhand.Errorf(deckhand.KindRateLimited, "gemini rate limited")
		e.RetryAfter = ra
		return e.With("status", resp.StatusCode).With("body", body)
	case resp.StatusCode >= 500:
		e := g.llmErr("upstream error: status %d", resp.StatusCode)
		e.Transient = true
		e.RetryAfter = ra
		return e.With("body", body)
	default:
		return g.llmErr("request rejected: status %d", resp.StatusCode).With("body", body)
	}
}

// parseRetryInfo extracts the retryDelay from a Gemini error body
// containing a google.rpc.RetryInfo detail. Returns 0 if absent.
func parseRetryInfo(body string) time.Duration {
	var envelope struct {
		Error struct {
			Details []json.RawMessage `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal([]byte(body), &envelope) != nil {
		return 0
	}
	for _, raw := range envelope.Error.Details {
		var detail struct {
			Type       string `json:"@type"`
			RetryDelay string `json:"retryDelay"`
		}
		if json.Unmarshal(raw, &detail) != nil {
			continue
		}
		if detail.Type == "type.googleapis.com/google.rpc.RetryInfo" && detail.RetryDelay != "" {
			if d, err := time.ParseDuration(detail.RetryDelay); err == nil {
				return d
			}
		}
	}
	return 0
}

// ---- Body builder ----

// buildBody constructs the generateContent request body. System
// messages become the systemInstruction, assistant tool calls become
// model functionCall parts, and tool results become user
// functionResponse parts.
func (g *Gemini) buildBody(req deckhand.ChatRequest) map[string]any {
	var systemParts []string
	var contents []map[string]any

	for _, m := range req.Messages {
		switch {
		case m.Role == deckhand.RoleSystem:
			systemParts = append(systemParts, m.Content)

		case m.Role == deckhand.RoleAssistant && len(m.ToolCalls) > 0:
			parts := make([]map[string]any, 0, len(m.ToolCalls)+1)
			if m.Content != "" {
				parts = append(parts, map[string]any{"text": m.Content})
			}
			for _, tc := range m.ToolCalls {
				var args any
				if len(tc.Args) > 0 {
					if err := json.Unmarshal(tc.Args, &args); err != nil {
						args = map[string]any{}
					}
				} else {
					args = map[string]any{}
				}
				parts = append(parts, map[string]any{
					"functionCall": map[string]any{
						"name": tc.Name,
						"args": args,
					},
				})
			}
			contents = append(contents, map[string]any{
				"role":  "model",
				"parts": parts,
			})

		case m.Role == deckhand.RoleTool:
			// Gemini has no call ids; the function name links the result.
			contents = append(contents, map[string]any{
				"role": "user",
				"parts": []map[string]any{
					{
						"functionResponse": map[string]any{
							"name": m.ToolCallID,
							"response": map[string]any{
								"result": m.Content,
							},
						},
					},
				},
			})

		default:
			contents = append(contents, map[string]any{
				"role":  mapRole(string(m.Role)),
				"parts": []map[string]any{{"text": m.Content}},
			})
		}
	}

	body := map[string]any{
		"contents": contents,
	}

	if len(systemParts) > 0 {
		body["systemInstruction"] = map[string]any{
			"parts": []map[string]any{
				{"text": strings.Join(systemParts, "\n\n")},
			},
		}
	}

	if len(req.Tools) > 0 {
		declarations := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			var params any
			if len(t.Parameters) > 0 {
				if err := json.Unmarshal(t.Parameters, &params); err != nil {
					params = map[string]any{}
				}
			} else {
				params = map[string]any{}
			}
			declarations = append(declarations, map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  params,
			})
		}
		body["tools"] = []map[string]any{
			{"functionDeclarations": declarations},
		}
	}

	genConfig := map[string]any{
		"temperature": g.temperature,
		"topP":        g.topP,
	}
	if req.Temperature != nil {
		genConfig["temperature"] = *req.Temperature
	}
	if req.MaxTokens > 0 {
		genConfig["maxOutputTokens"] = req.MaxTokens
	}
	body["generationConfig"] = genConfig

	return body
}

// mapRole converts standard roles to Gemini API roles.
func mapRole(role string) string {
	if role == "assistant" {
		return "model"
	}
	return role
}

func functionToolCall(fc *geminiFuncCall) deckhand.ToolCall {
	args := fc.Args
	if len(args) == 0 || !json.Valid(args) {
		args = json.RawMessage(`{}`)
	}
	return deckhand.ToolCall{
		// Gemini does not issue call ids; the name doubles as one.
		ID:   fc.Name,
		Name: fc.Name,
		Args: args,
	}
}

// ---- Response parsing types ----

type geminiResponse struct {
	Candidates    []geminiCandidate `json:"candidates"`
	UsageMetadata *geminiUsage      `json:"usageMetadata"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
	Role  string       `json:"role"`
}

type geminiPart struct {
	Text         *string         `json:"text,omitempty"`
	FunctionCall *geminiFuncCall `json:"functionCall,omitempty"`
	Thought      bool            `json:"thought,omitempty"`
}

type geminiFuncCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type geminiUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

func (u geminiUsage) toUsage() deckhand.Usage {
	total := u.TotalTokenCount
	if total == 0 {
		total = u.PromptTokenCount + u.CandidatesTokenCount
	}
	return deckhand.Usage{
		InputTokens:  u.PromptTokenCount,
		OutputTokens: u.CandidatesTokenCount,
		TotalTokens:  total,
	}
}

// ---- Stream accumulation ----

// streamAccumulator folds streamGenerateContent chunks into a final
// response. The last usage chunk wins.
type streamAccumulator struct {
	content      strings.Builder
	toolCalls    []deckhand.ToolCall
	usage        deckhand.Usage
	finishReason string
}

// processChunk parses one JSON chunk and returns the text delta to
// forward, if any. Malformed chunks are skipped.
func (a *streamAccumulator) processChunk(jsonStr string) string {
	var parsed geminiResponse
	if err := json.Unmarshal([]byte(jsonStr), &parsed); err != nil {
		return ""
	}

	var delta strings.Builder
	if len(parsed.Candidates) > 0 {
		cand := parsed.Candidates[0]
		if cand.FinishReason != "" {
			a.finishReason = strings.ToLower(cand.FinishReason)
		}
		for _, part := range cand.Content.Parts {
			if part.Thought {
				continue
			}
			if part.Text != nil {
				delta.WriteString(*part.Text)
			}
			if part.FunctionCall != nil {
				a.toolCalls = append(a.toolCalls, functionToolCall(part.FunctionCall))
			}
		}
	}

	if parsed.UsageMetadata != nil {
		a.usage = parsed.UsageMetadata.toUsage()
	}

	a.content.WriteString(delta.String())
	return delta.String()
}

func (a *streamAccumulator) response(model string) deckhand.ChatResponse {
	return deckhand.ChatResponse{
		Content:    a.content.String(),
		ToolCalls:  a.toolCalls,
		Model:      model,
		StopReason: a.finishReason,
		Usage:      a.usage,
	}
}

// isCompleteJSON checks whether a string has balanced braces and
// brackets, indicating a complete JSON value.
func isCompleteJSON(s string) bool {
	depth := 0
	inString := false
	escape := false

	for _, ch := range s {
		if escape {
			escape = false
			continue
		}
		if ch == '\\' && inString {
			escape = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch ch {
		case '{', '[':
			depth++
		case '}', ']':
			depth--
		}
	}
	return depth == 0 && !inString
}
