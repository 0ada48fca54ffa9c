package deckhand

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// --- InjectionDetector ---

// injectionPatterns is the closed set of prompt injection signatures.
// All match case-insensitively after unicode normalization.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore (all )?(previous|above|prior) (instructions|prompts|rules)`),
	regexp.MustCompile(`(?i)you are now (a|an)\s+\S`),
	regexp.MustCompile(`(?i)forget (all )?(your|previous) (instructions|rules|constraints)`),
	regexp.MustCompile(`(?i)disregard (all )?(previous|prior|your) (instructions|rules)`),
	regexp.MustCompile(`(?i)new instructions?:`),
	regexp.MustCompile(`(?i)\bsystem:`),
	regexp.MustCompile(`(?i)\[INST\]`),
	regexp.MustCompile(`(?i)<<SYS>>`),
	regexp.MustCompile(`(?i)<\|im_start\|>`),
	regexp.MustCompile(`(?i)act as if you (have )?no (restrictions|rules|guidelines)`),
}

// zeroWidthChars strips Unicode zero-width and invisible characters used
// to smuggle patterns past substring matching.
var zeroWidthChars = strings.NewReplacer(
	"​", "", // zero-width space
	"‌", "", // zero-width non-joiner
	"‍", "", // zero-width joiner
	"\ufeff", "", // zero-width no-break space (BOM)
	"⁠", "", // word joiner
	"­", "", // soft hyphen
)

// normalizeContent prepares text for pattern matching: drop zero-width
// characters, then NFKC-fold fullwidth Latin, mathematical alphanumerics,
// ligatures, and similar lookalikes.
func normalizeContent(s string) string {
	return norm.NFKC.String(zeroWidthChars.Replace(s))
}

// InjectionDetector is a PreProcessor that blocks prompt injection in
// the most recent user message. On match it halts with a generic
// message; the attempted content is never echoed back or logged.
// Safe for concurrent use.
type InjectionDetector struct {
	patterns []*regexp.Regexp
	response string
	logger   *slog.Logger
}

// InjectionOption configures an InjectionDetector.
type InjectionOption func(*InjectionDetector)

// InjectionResponse sets the halt response message.
func InjectionResponse(msg string) InjectionOption {
	return func(g *InjectionDetector) { g.response = msg }
}

// InjectionPatterns adds organization-specific patterns on top of the
// built-in set. Patterns are matched case-insensitively.
func InjectionPatterns(patterns ...string) InjectionOption {
	return func(g *InjectionDetector) {
		for _, p := range patterns {
			g.patterns = append(g.patterns, regexp.MustCompile(`(?i)`+regexp.QuoteMeta(p)))
		}
	}
}

// InjectionLogger sets the structured logger. Blocked requests are
// logged at WARN level with the pattern index only.
func InjectionLogger(l *slog.Logger) InjectionOption {
	return func(g *InjectionDetector) { g.logger = l }
}

// NewInjectionDetector creates a detector with the built-in pattern set.
func NewInjectionDetector(opts ...InjectionOption) *InjectionDetector {
	g := &InjectionDetector{
		patterns: append([]*regexp.Regexp{}, injectionPatterns...),
		response: "I can't process that request.",
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = nopLogger
	}
	return g
}

// PreModel checks the last user message against the pattern set.
func (g *InjectionDetector) PreModel(_ context.Context, req *ChatRequest) error {
	content := lastUserContent(req.Messages)
	if content == "" {
		return nil
	}
	cleaned := normalizeContent(content)
	for i, re := range g.patterns {
		if re.MatchString(cleaned) {
			g.logger.Warn("prompt injection blocked", "pattern", i)
			return &ErrHalt{Response: g.response}
		}
	}
	return nil
}

// lastUserContent returns the content of the last message with role
// "user", or "" if none exists.
func lastUserContent(messages []ChatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

var _ PreProcessor = (*InjectionDetector)(nil)

// --- TokenLimiter ---

// DefaultMaxInputChars caps the combined length of inbound message text.
const DefaultMaxInputChars = 50000

// TokenLimiter is a PreProcessor that bounds total input size. It sums
// the character length of every message and halts with an estimated
// token count (chars / 4) when the total exceeds the limit.
// Safe for concurrent use.
type TokenLimiter struct {
	maxChars int
	logger   *slog.Logger
}

// TokenLimiterOption configures a TokenLimiter.
type TokenLimiterOption func(*TokenLimiter)

// MaxInputChars overrides the default input budget.
func MaxInputChars(n int) TokenLimiterOption {
	return func(g *TokenLimiter) {
		if n > 0 {
			g.maxChars = n
		}
	}
}

// TokenLimiterLogger sets the structured logger.
func TokenLimiterLogger(l *slog.Logger) TokenLimiterOption {
	return func(g *TokenLimiter) { g.logger = l }
}

// NewTokenLimiter creates a limiter with the default 50 000 char budget.
func NewTokenLimiter(opts ...TokenLimiterOption) *TokenLimiter {
	g := &TokenLimiter{maxChars: DefaultMaxInputChars}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = nopLogger
	}
	return g
}

// PreModel sums message lengths and halts when over budget.
func (g *TokenLimiter) PreModel(_ context.Context, req *ChatRequest) error {
	var total int
	for _, m := range req.Messages {
		total += len([]rune(m.Content))
	}
	if total <= g.maxChars {
		return nil
	}
	estTokens := total / 4
	g.logger.Warn("input over budget", "chars", total, "max", g.maxChars, "estTokens", estTokens)
	return &ErrHalt{
		Response: fmt.Sprintf("Your conversation is too long to process (about %d tokens). Please start a new conversation or shorten your message.", estTokens),
	}
}

var _ PreProcessor = (*TokenLimiter)(nil)

// --- PIIRedactor ---

type piiPattern struct {
	re    *regexp.Regexp
	label string
}

// piiPatterns maps sensitive value shapes to replacement labels. PEM
// blocks come first so their base64 bodies are not misread as card
// numbers.
var piiPatterns = []piiPattern{
	{regexp.MustCompile(`(?s)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?-----END [A-Z ]*PRIVATE KEY-----`), "[PRIVATE_KEY REDACTED]"},
	{regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), "[SSN REDACTED]"},
	{regexp.MustCompile(`\b(?:\d{4}[-\s]?){3}\d{4}\b`), "[CARD REDACTED]"},
	{regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`), "[AWS_KEY REDACTED]"},
	{regexp.MustCompile(`(?i)\bocid1\.key\.[a-z0-9.]+\b`), "[OCI_KEY REDACTED]"},
	{regexp.MustCompile(`\bBearer\s+[A-Za-z0-9\-._~+/]+=*`), "[TOKEN REDACTED]"},
}

// PIIRedactor is a PostProcessor that replaces sensitive values in
// model output with bracketed labels. Redaction is idempotent and never
// fails the response. Safe for concurrent use.
type PIIRedactor struct {
	logger *slog.Logger
}

// NewPIIRedactor creates a redactor with the built-in pattern table.
func NewPIIRedactor(opts ...PIIRedactorOption) *PIIRedactor {
	g := &PIIRedactor{}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = nopLogger
	}
	return g
}

// PIIRedactorOption configures a PIIRedactor.
type PIIRedactorOption func(*PIIRedactor)

// PIIRedactorLogger sets the structured logger. Redactions are logged
// at INFO level with counts only, never values.
func PIIRedactorLogger(l *slog.Logger) PIIRedactorOption {
	return func(g *PIIRedactor) { g.logger = l }
}

// Redact replaces every match in text and returns the redaction count.
func (g *PIIRedactor) Redact(text string) (string, int) {
	var count int
	for _, p := range piiPatterns {
		text = p.re.ReplaceAllStringFunc(text, func(string) string {
			count++
			return p.label
		})
	}
	return text, count
}

// PostModel redacts the response content in place.
func (g *PIIRedactor) PostModel(_ context.Context, resp *ChatResponse) error {
	redacted, count := g.Redact(resp.Content)
	if count > 0 {
		resp.Content = redacted
		g.logger.Info("redacted sensitive values", "count", count)
	}
	return nil
}

// PostTool redacts string content inside tool results before they are
// fed back to the model.
func (g *PIIRedactor) PostTool(_ context.Context, _ ToolCall, result *ToolResult) error {
	if result == nil {
		return nil
	}
	var count int
	result.Value = g.redactValue(result.Value, &count)
	if count > 0 {
		g.logger.Info("redacted sensitive values in tool result", "count", count)
	}
	return nil
}

// redactValue walks a JSON-shaped value and redacts every string leaf.
func (g *PIIRedactor) redactValue(v any, count *int) any {
	switch t := v.(type) {
	case string:
		out, n := g.Redact(t)
		*count += n
		return out
	case map[string]any:
		for k, val := range t {
			t[k] = g.redactValue(val, count)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = g.redactValue(val, count)
		}
		return t
	default:
		return v
	}
}

// RedactArgs returns a deep copy of args with every string redacted.
// Used before tool arguments reach audit records or approval tokens.
func (g *PIIRedactor) RedactArgs(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	var count int
	for k, v := range args {
		out[k] = g.redactCopy(v, &count)
	}
	return out
}

func (g *PIIRedactor) redactCopy(v any, count *int) any {
	switch t := v.(type) {
	case string:
		out, n := g.Redact(t)
		*count += n
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = g.redactCopy(val, count)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = g.redactCopy(val, count)
		}
		return out
	default:
		return v
	}
}

var (
	_ PostProcessor     = (*PIIRedactor)(nil)
	_ PostToolProcessor = (*PIIRedactor)(nil)
)

// --- MaxToolCallsGuard ---

// MaxToolCallsGuard is a PostProcessor that limits the number of tool
// calls per model response. Excess calls are silently dropped, keeping
// the first N. This guard trims rather than halts.
// Safe for concurrent use.
type MaxToolCallsGuard struct {
	max int
}

// NewMaxToolCallsGuard creates a guard that trims tool calls beyond max.
func NewMaxToolCallsGuard(max int) *MaxToolCallsGuard {
	return &MaxToolCallsGuard{max: max}
}

// PostModel trims excess tool calls from the response.
func (g *MaxToolCallsGuard) PostModel(_ context.Context, resp *ChatResponse) error {
	if g.max > 0 && len(resp.ToolCalls) > g.max {
		resp.ToolCalls = resp.ToolCalls[:g.max]
	}
	return nil
}

var _ PostProcessor = (*MaxToolCallsGuard)(nil)
