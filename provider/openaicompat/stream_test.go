package openaicompat

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

// buildSSE constructs a mock SSE stream from data lines.
func buildSSE(lines ...string) string {
	var sb strings.Builder
	for _, line := range lines {
		sb.WriteString("data: ")
		sb.WriteString(line)
		sb.WriteString("\n\n")
	}
	return sb.String()
}

func TestStreamSSE_TextChunks(t *testing.T) {
	sse := buildSSE(
		`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"role":"assistant","content":""}}]}`,
		`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"content":"Hello"}}]}`,
		`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"content":" world"}}]}`,
		`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"content":"!"}}]}`,
		`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":3,"total_tokens":8}}`,
		"[DONE]",
	)

	ch := make(chan string, 16)
	resp, err := StreamSSE(context.Background(), strings.NewReader(sse), ch)
	close(ch)
	if err != nil {
		t.Fatalf("StreamSSE returned error: %v", err)
	}

	var deltas []string
	for d := range ch {
		deltas = append(deltas, d)
	}

	if resp.Content != "Hello world!" {
		t.Errorf("expected content 'Hello world!', got %q", resp.Content)
	}
	if len(deltas) != 3 {
		t.Errorf("expected 3 deltas, got %d: %v", len(deltas), deltas)
	}
	if resp.StopReason != "stop" {
		t.Errorf("expected stop reason 'stop', got %q", resp.StopReason)
	}
	if resp.Usage.InputTokens != 5 {
		t.Errorf("expected 5 input tokens, got %d", resp.Usage.InputTokens)
	}
	if resp.Usage.OutputTokens != 3 {
		t.Errorf("expected 3 output tokens, got %d", resp.Usage.OutputTokens)
	}
}

func TestStreamSSE_ToolCallChunks(t *testing.T) {
	// Tool calls stream incrementally: first chunk carries the id and
	// function name, later chunks carry argument fragments.
	sse := buildSSE(
		`{"id":"chatcmpl-2","choices":[{"index":0,"delta":{"role":"assistant","tool_calls":[{"index":0,"id":"call_abc","type":"function","function":{"name":"restart_instance","arguments":""}}]}}]}`,
		`{"id":"chatcmpl-2","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"id\""}}]}}]}`,
		`{"id":"chatcmpl-2","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":":\"ocid1.instance.oc1\""}}]}}]}`,
		`{"id":"chatcmpl-2","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"}"}}]}}]}`,
		`{"id":"chatcmpl-2","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}],"usage":{"prompt_tokens":10,"completion_tokens":15,"total_tokens":25}}`,
		"[DONE]",
	)

	ch := make(chan string, 16)
	resp, err := StreamSSE(context.Background(), strings.NewReader(sse), ch)
	close(ch)
	if err != nil {
		t.Fatalf("StreamSSE returned error: %v", err)
	}

	var deltas []string
	for d := range ch {
		deltas = append(deltas, d)
	}
	if len(deltas) != 0 {
		t.Errorf("expected no text deltas for tool call stream, got %d", len(deltas))
	}

	if resp.Content != "" {
		t.Errorf("expected empty content, got %q", resp.Content)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(resp.ToolCalls))
	}

	tc := resp.ToolCalls[0]
	if tc.ID != "call_abc" {
		t.Errorf("expected ID 'call_abc', got %q", tc.ID)
	}
	if tc.Name != "restart_instance" {
		t.Errorf("expected name 'restart_instance', got %q", tc.Name)
	}

	var args map[string]any
	if err := json.Unmarshal(tc.Args, &args); err != nil {
		t.Fatalf("failed to parse tool call args: %v", err)
	}
	if args["id"] != "ocid1.instance.oc1" {
		t.Errorf("unexpected args: %v", args)
	}

	if resp.Usage.InputTokens != 10 {
		t.Errorf("expected 10 input tokens, got %d", resp.Usage.InputTokens)
	}
	if resp.Usage.OutputTokens != 15 {
		t.Errorf("expected 15 output tokens, got %d", resp.Usage.OutputTokens)
	}
}

func TestStreamSSE_MultipleToolCalls(t *testing.T) {
	sse := buildSSE(
		`{"id":"chatcmpl-3","choices":[{"index":0,"delta":{"role":"assistant","tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"list_instances","arguments":""}}]}}]}`,
		`{"id":"chatcmpl-3","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"compartment\":\"prod\"}"}}]}}]}`,
		`{"id":"chatcmpl-3","choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"id":"call_2","type":"function","function":{"name":"get_cost","arguments":""}}]}}]}`,
		`{"id":"chatcmpl-3","choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"function":{"arguments":"{\"days\":7}"}}]}}]}`,
		`{"id":"chatcmpl-3","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
		"[DONE]",
	)

	ch := make(chan string, 16)
	resp, err := StreamSSE(context.Background(), strings.NewReader(sse), ch)
	close(ch)
	if err != nil {
		t.Fatalf("StreamSSE returned error: %v", err)
	}
	for range ch {
	}

	if len(resp.ToolCalls) != 2 {
		t.Fatalf("expected 2 tool calls, got %d", len(resp.ToolCalls))
	}
	if resp.ToolCalls[0].Name != "list_instances" || resp.ToolCalls[0].ID != "call_1" {
		t.Errorf("unexpected first tool call: %+v", resp.ToolCalls[0])
	}
	if resp.ToolCalls[1].Name != "get_cost" || resp.ToolCalls[1].ID != "call_2" {
		t.Errorf("unexpected second tool call: %+v", resp.ToolCalls[1])
	}
}

func TestStreamSSE_EmptyStream(t *testing.T) {
	ch := make(chan string, 16)
	resp, err := StreamSSE(context.Background(), strings.NewReader(buildSSE("[DONE]")), ch)
	close(ch)
	if err != nil {
		t.Fatalf("StreamSSE returned error: %v", err)
	}
	for range ch {
	}

	if resp.Content != "" {
		t.Errorf("expected empty content, got %q", resp.Content)
	}
	if len(resp.ToolCalls) != 0 {
		t.Errorf("expected no tool calls, got %d", len(resp.ToolCalls))
	}
}

func TestStreamSSE_UsageOnlyChunk(t *testing.T) {
	// Some gateways send usage in a separate chunk with no choices.
	sse := buildSSE(
		`{"id":"chatcmpl-4","choices":[{"index":0,"delta":{"role":"assistant","content":"Hi"}}]}`,
		`{"id":"chatcmpl-4","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		`{"id":"chatcmpl-4","choices":[],"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}}`,
		"[DONE]",
	)

	ch := make(chan string, 16)
	resp, err := StreamSSE(context.Background(), strings.NewReader(sse), ch)
	close(ch)
	if err != nil {
		t.Fatalf("StreamSSE returned error: %v", err)
	}
	for range ch {
	}

	if resp.Content != "Hi" {
		t.Errorf("expected content 'Hi', got %q", resp.Content)
	}
	if resp.Usage.InputTokens != 3 || resp.Usage.OutputTokens != 1 {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}
}

func TestStreamSSE_SkipsMalformedChunks(t *testing.T) {
	sse := buildSSE(
		`{"id":"chatcmpl-5","choices":[{"index":0,"delta":{"content":"Good"}}]}`,
		`this is not json`,
		`{"id":"chatcmpl-5","choices":[{"index":0,"delta":{"content":" day"}}]}`,
		"[DONE]",
	)

	ch := make(chan string, 16)
	resp, err := StreamSSE(context.Background(), strings.NewReader(sse), ch)
	close(ch)
	if err != nil {
		t.Fatalf("StreamSSE returned error: %v", err)
	}
	for range ch {
	}

	if resp.Content != "Good day" {
		t.Errorf("expected content 'Good day', got %q", resp.Content)
	}
}

func TestStreamSSE_NonDataLinesIgnored(t *testing.T) {
	// SSE streams can carry comments, event types, and retry directives.
	raw := ": this is a comment\n" +
		"event: message\n" +
		"data: {\"id\":\"chatcmpl-6\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"OK\"}}]}\n\n" +
		"retry: 3000\n" +
		"data: [DONE]\n\n"

	ch := make(chan string, 16)
	resp, err := StreamSSE(context.Background(), strings.NewReader(raw), ch)
	close(ch)
	if err != nil {
		t.Fatalf("StreamSSE returned error: %v", err)
	}
	for range ch {
	}

	if resp.Content != "OK" {
		t.Errorf("expected content 'OK', got %q", resp.Content)
	}
}

func TestStreamSSE_ContextCanceled(t *testing.T) {
	// An unbuffered channel with no reader blocks the send; a canceled
	// context must unblock it.
	sse := buildSSE(
		`{"id":"chatcmpl-7","choices":[{"index":0,"delta":{"content":"never delivered"}}]}`,
		"[DONE]",
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ch := make(chan string)
	_, err := StreamSSE(ctx, strings.NewReader(sse), ch)
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
