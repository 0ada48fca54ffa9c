package deckhand

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// memorySink collects audit entries for assertions.
type memorySink struct {
	mu      sync.Mutex
	entries []AuditEntry
	fail    error
}

func (s *memorySink) Write(_ context.Context, entry AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.entries = append(s.entries, entry)
	return nil
}

func (s *memorySink) all() []AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AuditEntry(nil), s.entries...)
}

func (s *memorySink) byKind(kind AuditKind) []AuditEntry {
	var out []AuditEntry
	for _, e := range s.all() {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func TestAuditorStampsAndWrites(t *testing.T) {
	sink := &memorySink{}
	a := NewAuditor(WithAuditSink(sink))

	a.Write(context.Background(), AuditEntry{Kind: AuditToolExecution, ToolName: "list_instances"})

	entries := sink.all()
	if len(entries) != 1 {
		t.Fatalf("entries = %d", len(entries))
	}
	if entries[0].ID == "" || entries[0].Time.IsZero() {
		t.Errorf("entry not stamped: %+v", entries[0])
	}
}

func TestAuditorRedactsArgs(t *testing.T) {
	sink := &memorySink{}
	a := NewAuditor(WithAuditSink(sink))

	a.ToolExecution(context.Background(), testRC(), "tc-1", "rotate_key",
		map[string]any{"ssn": "123-45-6789", "region": "phx"},
		250*time.Millisecond, nil)

	entry := sink.all()[0]
	if got := entry.Args["ssn"]; got != "[SSN REDACTED]" {
		t.Errorf("ssn = %v", got)
	}
	if entry.Args["region"] != "phx" {
		t.Errorf("region = %v", entry.Args["region"])
	}
	if entry.Outcome != "success" || entry.DurationMS != 250 {
		t.Errorf("entry = %+v", entry)
	}
}

func TestAuditorSanitizesFailureMessage(t *testing.T) {
	sink := &memorySink{}
	a := NewAuditor(WithAuditSink(sink))

	a.ToolExecution(context.Background(), testRC(), "tc-1", "t", nil, 0,
		errors.New("dial 10.0.0.5:5432: connection refused"))

	entry := sink.all()[0]
	if entry.Outcome != "failure" || entry.Error != "internal error" {
		t.Errorf("unclassified error leaked: %+v", entry)
	}
}

func TestAuditorSurvivesSinkFailure(t *testing.T) {
	a := NewAuditor(WithAuditSink(&memorySink{fail: errors.New("disk full")}))
	// Must not panic or propagate.
	a.Write(context.Background(), AuditEntry{Kind: AuditGuardrail})
}

func TestAuditorWritesThroughCanceledContext(t *testing.T) {
	sink := &memorySink{}
	a := NewAuditor(WithAuditSink(sink))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a.Write(ctx, AuditEntry{Kind: AuditWorkflowRun})

	if len(sink.all()) != 1 {
		t.Error("canceled request lost its audit trail")
	}
}

func TestAuditorGuardrailOmitsContent(t *testing.T) {
	sink := &memorySink{}
	a := NewAuditor(WithAuditSink(sink))

	a.GuardrailHit(context.Background(), testRC(), "input-blocked")

	entry := sink.all()[0]
	if entry.Outcome != "input-blocked" {
		t.Errorf("outcome = %s", entry.Outcome)
	}
	if len(entry.Args) != 0 || strings.Contains(entry.Error, "ignore") {
		t.Errorf("guardrail entry carries content: %+v", entry)
	}
}

func TestAuditorWorkflowRunMetadata(t *testing.T) {
	sink := &memorySink{}
	a := NewAuditor(WithAuditSink(sink))

	started := time.Now().Add(-2 * time.Second)
	a.WorkflowRun(context.Background(), &Run{
		ID:           "run-1",
		DefinitionID: "wf-1",
		Version:      3,
		UserID:       "user-1",
		OrgID:        "org-1",
		Status:       StatusCompleted,
		Usage:        Usage{InputTokens: 100, OutputTokens: 40},
		StartedAt:    started,
		FinishedAt:   started.Add(1500 * time.Millisecond),
	})

	entry := sink.all()[0]
	if entry.Outcome != "completed" || entry.RunID != "run-1" {
		t.Errorf("entry = %+v", entry)
	}
	if entry.Metadata["definitionId"] != "wf-1" || entry.Metadata["inputTokens"] != 100 {
		t.Errorf("metadata = %v", entry.Metadata)
	}
	if entry.DurationMS != 1500 {
		t.Errorf("duration = %d", entry.DurationMS)
	}
}
