package deckhand

import (
	"context"
	"log/slog"
	"time"
)

// AuditKind classifies an audit entry.
type AuditKind string

const (
	AuditToolExecution    AuditKind = "tool_execution"
	AuditApprovalDecision AuditKind = "approval_decision"
	AuditWorkflowRun      AuditKind = "workflow_run"
	AuditGuardrail        AuditKind = "guardrail"
)

// AuditEntry is one write-only record of something the runtime did on a
// tenant's behalf. Args are stored redacted; raw secrets never reach a
// sink.
type AuditEntry struct {
	ID        string    `json:"id"`
	Kind      AuditKind `json:"kind"`
	Time      time.Time `json:"time"`
	UserID    string    `json:"userId,omitempty"`
	OrgID     string    `json:"orgId,omitempty"`
	RequestID string    `json:"requestId,omitempty"`
	RunID     string    `json:"runId,omitempty"`

	ToolName   string         `json:"toolName,omitempty"`
	ToolCallID string         `json:"toolCallId,omitempty"`
	Args       map[string]any `json:"args,omitempty"`

	Outcome    string `json:"outcome,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"durationMs,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// AuditSink persists audit entries. Implementations must tolerate
// concurrent writes; they are never asked to read anything back.
type AuditSink interface {
	Write(ctx context.Context, entry AuditEntry) error
}

// NopAuditSink discards every entry.
type NopAuditSink struct{}

func (NopAuditSink) Write(context.Context, AuditEntry) error { return nil }

var _ AuditSink = NopAuditSink{}

// Auditor stamps, redacts, and writes audit entries. Sink failures are
// logged and swallowed: auditing never blocks or fails the operation it
// describes.
type Auditor struct {
	sink     AuditSink
	redactor *PIIRedactor
	logger   *slog.Logger
}

// AuditorOption configures an Auditor.
type AuditorOption func(*Auditor)

// WithAuditSink sets the backing sink. Defaults to NopAuditSink.
func WithAuditSink(s AuditSink) AuditorOption {
	return func(a *Auditor) {
		if s != nil {
			a.sink = s
		}
	}
}

// WithAuditorLogger sets the logger. Defaults to a no-op logger.
func WithAuditorLogger(l *slog.Logger) AuditorOption {
	return func(a *Auditor) {
		if l != nil {
			a.logger = l
		}
	}
}

// NewAuditor creates an auditor writing to the given sink.
func NewAuditor(opts ...AuditorOption) *Auditor {
	a := &Auditor{
		sink:     NopAuditSink{},
		redactor: NewPIIRedactor(),
		logger:   nopLogger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Write stamps missing fields, redacts args, and hands the entry to the
// sink. The write uses a detached context so a canceled request still
// leaves its trail.
func (a *Auditor) Write(ctx context.Context, entry AuditEntry) {
	if a == nil {
		return
	}
	if entry.ID == "" {
		entry.ID = NewID()
	}
	if entry.Time.IsZero() {
		entry.Time = time.Now().UTC()
	}
	entry.Args = a.redactor.RedactArgs(entry.Args)
	if err := a.sink.Write(context.WithoutCancel(ctx), entry); err != nil {
		a.logger.Warn("audit write failed",
			"kind", entry.Kind, "entryId", entry.ID, "error", err)
	}
}

// ToolExecution records one tool invocation, successful or not.
func (a *Auditor) ToolExecution(ctx context.Context, rc RunContext, toolCallID, toolName string, args map[string]any, duration time.Duration, err error) {
	entry := AuditEntry{
		Kind:       AuditToolExecution,
		UserID:     rc.UserID,
		OrgID:      rc.OrgID,
		RequestID:  rc.RequestID,
		RunID:      rc.RunID,
		ToolName:   toolName,
		ToolCallID: toolCallID,
		Args:       args,
		Outcome:    "success",
		DurationMS: duration.Milliseconds(),
	}
	if err != nil {
		entry.Outcome = "failure"
		entry.Error = sanitizedMessage(err)
	}
	a.Write(ctx, entry)
}

// ApprovalDecision records a human decision on a pending approval.
func (a *Auditor) ApprovalDecision(ctx context.Context, rc RunContext, token ApprovalToken, approved bool) {
	outcome := "denied"
	if approved {
		outcome = "approved"
	}
	a.Write(ctx, AuditEntry{
		Kind:       AuditApprovalDecision,
		UserID:     rc.UserID,
		OrgID:      rc.OrgID,
		RequestID:  rc.RequestID,
		RunID:      token.RunID,
		ToolName:   token.ToolName,
		ToolCallID: token.ID,
		Outcome:    outcome,
	})
}

// WorkflowRun records a run reaching a terminal or suspended status.
func (a *Auditor) WorkflowRun(ctx context.Context, run *Run) {
	entry := AuditEntry{
		Kind:       AuditWorkflowRun,
		UserID:     run.UserID,
		OrgID:      run.OrgID,
		RunID:      run.ID,
		Outcome:    string(run.Status),
		Error:      run.Error,
		DurationMS: run.FinishedAt.Sub(run.StartedAt).Milliseconds(),
		Metadata: map[string]any{
			"definitionId": run.DefinitionID,
			"version":      run.Version,
			"inputTokens":  run.Usage.InputTokens,
			"outputTokens": run.Usage.OutputTokens,
		},
	}
	if run.FinishedAt.IsZero() {
		entry.DurationMS = 0
	}
	a.Write(ctx, entry)
}

// GuardrailHit records a blocked request. The offending content is
// never included.
func (a *Auditor) GuardrailHit(ctx context.Context, rc RunContext, rule string) {
	a.Write(ctx, AuditEntry{
		Kind:      AuditGuardrail,
		UserID:    rc.UserID,
		OrgID:     rc.OrgID,
		RequestID: rc.RequestID,
		Outcome:   rule,
	})
}
