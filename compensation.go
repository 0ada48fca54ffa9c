package deckhand

import (
	"context"
	"fmt"
	"log/slog"
)

// CompensationEntry records an undo action for a tool that already ran.
// Args are captured fully resolved at push time so replay after a
// suspension does not depend on re-evaluating templates.
type CompensationEntry struct {
	NodeID   string         `json:"nodeId"`
	ToolName string         `json:"toolName"`
	Args     map[string]any `json:"args,omitempty"`
}

// CompensationResult is the outcome of replaying a single entry.
type CompensationResult struct {
	NodeID   string `json:"nodeId"`
	ToolName string `json:"toolName"`
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
}

// CompensationSummary reports a completed replay. Failed entries are
// recorded, never retried; operators follow up out of band.
type CompensationSummary struct {
	Total     int                  `json:"total"`
	Succeeded int                  `json:"succeeded"`
	Failed    int                  `json:"failed"`
	Results   []CompensationResult `json:"results"`
}

// CompensationStack accumulates undo actions in execution order and
// replays them in reverse. It is not safe for concurrent use; the
// executor owns it for the lifetime of a run.
type CompensationStack struct {
	entries []CompensationEntry
}

// RestoreCompensation rebuilds a stack from serialized engine state.
func RestoreCompensation(entries []CompensationEntry) *CompensationStack {
	s := &CompensationStack{}
	s.entries = append(s.entries, entries...)
	return s
}

func (s *CompensationStack) Push(e CompensationEntry) {
	s.entries = append(s.entries, e)
}

func (s *CompensationStack) Len() int { return len(s.entries) }

// Entries returns a copy in push order, for engine state snapshots.
func (s *CompensationStack) Entries() []CompensationEntry {
	if len(s.entries) == 0 {
		return nil
	}
	out := make([]CompensationEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Replay invokes each entry's compensation tool in reverse push order.
// Every entry is attempted regardless of earlier failures; errors and
// panics are recorded in the summary rather than propagated. The stack
// is drained afterwards.
func (s *CompensationStack) Replay(ctx context.Context, invoker ToolInvoker, logger *slog.Logger) CompensationSummary {
	if logger == nil {
		logger = nopLogger
	}
	summary := CompensationSummary{Total: len(s.entries)}
	for i := len(s.entries) - 1; i >= 0; i-- {
		entry := s.entries[i]
		result := CompensationResult{NodeID: entry.NodeID, ToolName: entry.ToolName}
		err := s.replayOne(ctx, invoker, entry)
		if err != nil {
			result.Error = err.Error()
			summary.Failed++
			logger.Warn("compensation failed",
				"nodeId", entry.NodeID,
				"tool", entry.ToolName,
				"error", err)
		} else {
			result.OK = true
			summary.Succeeded++
			logger.Info("compensation applied",
				"nodeId", entry.NodeID,
				"tool", entry.ToolName)
		}
		summary.Results = append(summary.Results, result)
	}
	s.entries = nil
	return summary
}

func (s *CompensationStack) replayOne(ctx context.Context, invoker ToolInvoker, entry CompensationEntry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Errorf(KindInternal, "compensation tool panicked: %v", r)
		}
	}()
	if invoker == nil {
		return E(KindInternal, "no tool invoker configured")
	}
	_, err = invoker.Invoke(ctx, entry.ToolName, entry.Args)
	if err != nil {
		return fmt.Errorf("invoke %s: %w", entry.ToolName, err)
	}
	return nil
}
