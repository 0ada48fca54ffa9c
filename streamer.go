package deckhand

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultMaxToolIterations bounds tool-calling rounds in one chat turn.
const DefaultMaxToolIterations = 8

// ChatStreamer drives one chat turn as a sequence of stream events:
// guardrails, model calls, gated tool dispatch, and the final Done.
type ChatStreamer struct {
	providers       *ProviderRegistry
	defaultProvider string
	tools           *ToolRegistry
	approvals       *Approvals
	processors      *ProcessorChain
	audit           *Auditor
	redactor        *PIIRedactor
	maxIters        int
	logger          *slog.Logger
}

// StreamerOption configures a ChatStreamer.
type StreamerOption func(*ChatStreamer)

// WithStreamerTools exposes registered tools to the model.
func WithStreamerTools(r *ToolRegistry) StreamerOption {
	return func(s *ChatStreamer) { s.tools = r }
}

// WithStreamerApprovals sets the approval coordinator that gates
// confirm and danger tools.
func WithStreamerApprovals(a *Approvals) StreamerOption {
	return func(s *ChatStreamer) { s.approvals = a }
}

// WithStreamerProcessors sets the guardrail chain.
func WithStreamerProcessors(c *ProcessorChain) StreamerOption {
	return func(s *ChatStreamer) { s.processors = c }
}

// WithStreamerAudit sets the auditor for tool executions and blocks.
func WithStreamerAudit(a *Auditor) StreamerOption {
	return func(s *ChatStreamer) { s.audit = a }
}

// WithStreamerMaxIterations overrides the tool-round bound.
func WithStreamerMaxIterations(n int) StreamerOption {
	return func(s *ChatStreamer) {
		if n > 0 {
			s.maxIters = n
		}
	}
}

// WithStreamerLogger sets the logger. Defaults to a no-op logger.
func WithStreamerLogger(l *slog.Logger) StreamerOption {
	return func(s *ChatStreamer) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewChatStreamer creates a streamer over the given provider registry.
// defaultProvider is used when a request names no provider.
func NewChatStreamer(providers *ProviderRegistry, defaultProvider string, opts ...StreamerOption) *ChatStreamer {
	s := &ChatStreamer{
		providers:       providers,
		defaultProvider: defaultProvider,
		processors:      NewProcessorChain(),
		redactor:        NewPIIRedactor(),
		maxIters:        DefaultMaxToolIterations,
		logger:          nopLogger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Stream runs one chat turn and emits events into events, which it
// closes on return. Cancelling ctx cancels the model stream and any
// approval wait. The requested model is resolved against the provider's
// allowlist; unknown models fall back to the provider default.
func (s *ChatStreamer) Stream(ctx context.Context, rc RunContext, providerID string, req ChatRequest, events chan<- StreamEvent) error {
	var closeOnce sync.Once
	defer closeOnce.Do(func() { close(events) })

	emit := func(ev StreamEvent) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if providerID == "" {
		providerID = s.defaultProvider
	}
	model, err := s.providers.Get(ctx, providerID)
	if err != nil {
		return err
	}
	cfg, _ := s.providers.Config(providerID)
	req.Model = cfg.ResolveModel(req.Model)
	if s.tools != nil {
		req.Tools = s.tools.List()
	}

	var total Usage
	messages := req.Messages

	for i := 0; i < s.maxIters; i++ {
		iterReq := req
		iterReq.Messages = messages
		if err := s.processors.RunPreModel(ctx, &iterReq); err != nil {
			var halt *ErrHalt
			if errors.As(err, &halt) {
				if s.audit != nil {
					s.audit.GuardrailHit(ctx, rc, "input-blocked")
				}
				emit(StreamEvent{Type: EventText, Content: halt.Response})
				emit(StreamEvent{Type: EventDone, Usage: &total})
				return nil
			}
			return err
		}
		messages = iterReq.Messages

		resp, err := s.chat(ctx, model, iterReq, len(iterReq.Tools) == 0, events, &total)
		if err != nil {
			return err
		}

		if err := s.processors.RunPostModel(ctx, &resp.ChatResponse); err != nil {
			var halt *ErrHalt
			if errors.As(err, &halt) {
				emit(StreamEvent{Type: EventText, Content: halt.Response})
				emit(StreamEvent{Type: EventDone, Usage: &total})
				return nil
			}
			return err
		}

		if len(resp.ToolCalls) == 0 {
			if resp.Content != "" && !resp.streamed {
				emit(StreamEvent{Type: EventText, Content: resp.Content})
			}
			emit(StreamEvent{Type: EventDone, Usage: &total})
			return nil
		}

		messages = append(messages, ChatMessage{
			Role:      RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, tc := range resp.ToolCalls {
			resultMsg := s.runToolCall(ctx, rc, tc, emit)
			messages = append(messages, resultMsg)
		}
	}

	// Tool budget exhausted: force a final synthesis without tools.
	s.logger.Warn("tool iteration budget reached, forcing synthesis",
		"requestId", rc.RequestID, "maxIters", s.maxIters)
	messages = append(messages, ChatMessage{
		Role:    RoleUser,
		Content: "You have used all available tool calls. Summarize what you found and respond to the user.",
	})
	finalReq := req
	finalReq.Messages = messages
	finalReq.Tools = nil
	resp, err := s.chat(ctx, model, finalReq, true, events, &total)
	if err != nil {
		return err
	}
	if err := s.processors.RunPostModel(ctx, &resp.ChatResponse); err != nil {
		var halt *ErrHalt
		if errors.As(err, &halt) {
			resp.Content = halt.Response
			resp.streamed = false
		} else {
			return err
		}
	}
	if resp.Content != "" && !resp.streamed {
		emit(StreamEvent{Type: EventText, Content: resp.Content})
	}
	emit(StreamEvent{Type: EventDone, Usage: &total})
	return nil
}

// chat performs one model call. With streaming enabled, text deltas pass
// through a windowed redactor and reach the consumer as they arrive;
// otherwise the complete response is returned for message-level
// processing and emitted by the caller.
func (s *ChatStreamer) chat(ctx context.Context, model LanguageModel, req ChatRequest, stream bool, events chan<- StreamEvent, total *Usage) (chatTurn, error) {
	if !stream {
		resp, err := model.Chat(ctx, req)
		if err != nil {
			return chatTurn{}, asModelError(err, model.Name())
		}
		total.Add(resp.Usage)
		return chatTurn{ChatResponse: resp}, nil
	}

	deltas := make(chan string, 16)
	var pump sync.WaitGroup
	red := newStreamRedactor(s.redactor)
	pump.Add(1)
	go func() {
		defer pump.Done()
		for chunk := range deltas {
			if out := red.feed(chunk); out != "" {
				select {
				case events <- StreamEvent{Type: EventText, Content: out}:
				case <-ctx.Done():
				}
			}
		}
	}()

	resp, err := model.ChatStream(ctx, req, deltas)
	close(deltas)
	pump.Wait()
	if err != nil {
		return chatTurn{}, asModelError(err, model.Name())
	}
	if out := red.flush(); out != "" {
		select {
		case events <- StreamEvent{Type: EventText, Content: out}:
		case <-ctx.Done():
		}
	}
	total.Add(resp.Usage)
	redacted, _ := s.redactor.Redact(resp.Content)
	resp.Content = redacted
	return chatTurn{ChatResponse: resp, streamed: true}, nil
}

// chatTurn pairs a response with whether its text already went out as
// deltas, so the caller does not emit it twice.
type chatTurn struct {
	ChatResponse
	streamed bool
}

// runToolCall executes one model-issued tool call, gating confirm and
// danger tools on a human decision, and returns the tool-role message
// fed back to the model.
func (s *ChatStreamer) runToolCall(ctx context.Context, rc RunContext, tc ToolCall, emit func(StreamEvent) bool) ChatMessage {
	var args map[string]any
	if len(tc.Args) > 0 {
		if err := json.Unmarshal(tc.Args, &args); err != nil {
			return toolResultMessage(tc.ID, "error: malformed tool arguments")
		}
	}
	if tc.ID == "" {
		tc.ID = NewID()
	}
	shownArgs := s.redactor.RedactArgs(args)
	emit(StreamEvent{Type: EventToolStarted, ToolCallID: tc.ID, ToolName: tc.Name, Args: shownArgs})

	start := time.Now()
	fail := func(err error) ChatMessage {
		msg := sanitizedMessage(err)
		emit(StreamEvent{
			Type:       EventToolProgress,
			ToolCallID: tc.ID,
			ToolName:   tc.Name,
			Stage:      ProgressError,
			Content:    msg,
		})
		emit(StreamEvent{
			Type:       EventToolFailed,
			ToolCallID: tc.ID,
			ToolName:   tc.Name,
			Error:      msg,
			DurationMS: time.Since(start).Milliseconds(),
		})
		if s.audit != nil {
			s.audit.ToolExecution(ctx, rc, tc.ID, tc.Name, args, time.Since(start), err)
		}
		return toolResultMessage(tc.ID, "error: "+msg)
	}

	if s.tools == nil {
		return fail(E(KindInternal, "no tool registry configured"))
	}
	tool, err := s.tools.Resolve(tc.Name)
	if err != nil {
		return fail(err)
	}

	if tool.Definition.ApprovalLevel.RequiresApproval() {
		if s.approvals == nil {
			return fail(Errorf(KindForbidden, "tool %q requires approval but no approval coordinator is configured", tc.Name))
		}
		emit(StreamEvent{
			Type:       EventToolProgress,
			ToolCallID: tc.ID,
			ToolName:   tc.Name,
			Stage:      ProgressQueued,
			Content:    "waiting for approval",
		})
		now := time.Now().UTC()
		decision, err := s.approvals.Await(ctx, ApprovalToken{
			ID:        tc.ID,
			RunID:     rc.RunID,
			OrgID:     rc.OrgID,
			UserID:    rc.UserID,
			ToolName:  tc.Name,
			Args:      shownArgs,
			Level:     tool.Definition.ApprovalLevel,
			CreatedAt: now,
			ExpiresAt: now.Add(s.approvals.TTL()),
		})
		if err != nil {
			return fail(err)
		}
		if !decision.Approved {
			return fail(Errorf(KindForbidden, "tool %q was not approved", tc.Name))
		}
	}

	emit(StreamEvent{
		Type:       EventToolProgress,
		ToolCallID: tc.ID,
		ToolName:   tc.Name,
		Stage:      ProgressExecuting,
	})
	value, err := s.tools.Invoke(ctx, tc.Name, args)
	duration := time.Since(start)
	if s.audit != nil {
		s.audit.ToolExecution(ctx, rc, tc.ID, tc.Name, args, duration, err)
	}
	if err != nil {
		msg := sanitizedMessage(err)
		emit(StreamEvent{
			Type:       EventToolFailed,
			ToolCallID: tc.ID,
			ToolName:   tc.Name,
			Error:      msg,
			DurationMS: duration.Milliseconds(),
		})
		return toolResultMessage(tc.ID, "error: "+msg)
	}

	result := &ToolResult{Value: value}
	if err := s.processors.RunPostTool(ctx, tc, result); err != nil {
		s.logger.Warn("post-tool processor failed", "tool", tc.Name, "error", err)
	}
	emit(StreamEvent{
		Type:       EventToolProgress,
		ToolCallID: tc.ID,
		ToolName:   tc.Name,
		Stage:      ProgressCompleted,
	})
	emit(StreamEvent{
		Type:       EventToolCompleted,
		ToolCallID: tc.ID,
		ToolName:   tc.Name,
		Result:     result.Value,
		DurationMS: duration.Milliseconds(),
	})

	body, err := json.Marshal(result.Value)
	if err != nil {
		body = []byte(`"unserializable tool result"`)
	}
	return toolResultMessage(tc.ID, string(body))
}

func toolResultMessage(toolCallID, content string) ChatMessage {
	return ChatMessage{Role: RoleTool, ToolCallID: toolCallID, Content: content}
}

// asModelError classifies a provider failure that escaped the adapter.
func asModelError(err error, provider string) error {
	var de *Error
	if errors.As(err, &de) {
		return err
	}
	return Errorf(KindLanguageModel, "provider %s failed", provider).Wrap(err)
}

// --- streaming redaction ---

// redactHoldback is how many trailing runes the stream redactor keeps
// buffered so sensitive values split across deltas are still caught.
// Longer than any bounded redaction pattern.
const redactHoldback = 80

// streamRedactor applies the PII table to a stream of text deltas.
// It emits redacted text as soon as it is safe: everything except a
// holdback window, and nothing while a PEM block is open.
type streamRedactor struct {
	pii *PIIRedactor
	buf string
}

func newStreamRedactor(pii *PIIRedactor) *streamRedactor {
	return &streamRedactor{pii: pii}
}

func (r *streamRedactor) feed(chunk string) string {
	r.buf += chunk
	// PEM bodies are unbounded; hold the whole block until it closes.
	if i := strings.Index(r.buf, "-----BEGIN"); i >= 0 && !strings.Contains(r.buf[i:], "-----END") {
		safe := r.buf[:i]
		if safe == "" {
			return ""
		}
		redacted, _ := r.pii.Redact(safe)
		r.buf = r.buf[i:]
		return redacted
	}
	redacted, _ := r.pii.Redact(r.buf)
	runes := []rune(redacted)
	if len(runes) <= redactHoldback {
		r.buf = redacted
		return ""
	}
	emit := string(runes[:len(runes)-redactHoldback])
	r.buf = string(runes[len(runes)-redactHoldback:])
	return emit
}

func (r *streamRedactor) flush() string {
	redacted, _ := r.pii.Redact(r.buf)
	r.buf = ""
	return redacted
}
