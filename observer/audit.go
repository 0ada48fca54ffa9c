package observer

import (
	"context"

	deckhand "github.com/deckhand-ai/deckhand"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeteredSink decorates an AuditSink, deriving run, approval, and
// guardrail metrics from the audit trail before forwarding each entry.
// Metric emission never fails the write.
type MeteredSink struct {
	inner deckhand.AuditSink
	inst  *Instruments
}

// WrapSink returns a sink that meters entries and forwards to inner.
func WrapSink(inner deckhand.AuditSink, inst *Instruments) *MeteredSink {
	return &MeteredSink{inner: inner, inst: inst}
}

func (s *MeteredSink) Write(ctx context.Context, entry deckhand.AuditEntry) error {
	switch entry.Kind {
	case deckhand.AuditWorkflowRun:
		s.inst.RunExecutions.Add(ctx, 1, metric.WithAttributes(
			AttrRunStatus.String(entry.Outcome),
			AttrOrgID.String(entry.OrgID),
		))
		if entry.DurationMS > 0 {
			s.inst.RunDuration.Record(ctx, float64(entry.DurationMS), metric.WithAttributes(
				AttrRunStatus.String(entry.Outcome),
			))
		}
	case deckhand.AuditApprovalDecision:
		s.inst.ApprovalDecisions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("outcome", entry.Outcome),
			AttrToolName.String(entry.ToolName),
		))
	case deckhand.AuditGuardrail:
		s.inst.GuardrailHalts.Add(ctx, 1, metric.WithAttributes(
			AttrGuardrailRule.String(entry.Outcome),
		))
	}
	return s.inner.Write(ctx, entry)
}

var _ deckhand.AuditSink = (*MeteredSink)(nil)
