package deckhand

// EventType identifies a chat stream event.
type EventType string

const (
	// EventText carries an assistant text delta.
	EventText EventType = "text"
	// EventToolStarted signals that a tool invocation began.
	EventToolStarted EventType = "tool-invocation-started"
	// EventToolProgress reports a stage change for an in-flight invocation
	// (e.g. "approval-queued", "executing").
	EventToolProgress EventType = "tool-progress"
	// EventToolCompleted carries the result of a finished invocation.
	EventToolCompleted EventType = "tool-invocation-completed"
	// EventToolFailed carries the sanitized failure of an invocation.
	EventToolFailed EventType = "tool-invocation-failed"
	// EventDone terminates the stream; Usage totals ride on it.
	EventDone EventType = "done"
)

// StreamEvent is one event in a chat turn. Providers emit only EventText
// deltas; the streamer adds tool lifecycle events and the final EventDone.
type StreamEvent struct {
	Type       EventType      `json:"type"`
	Content    string         `json:"content,omitempty"`
	ToolCallID string         `json:"toolCallId,omitempty"`
	ToolName   string         `json:"toolName,omitempty"`
	Stage      string         `json:"stage,omitempty"`
	Args       map[string]any `json:"args,omitempty"`
	Result     any            `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	DurationMS int64          `json:"durationMs,omitempty"`
	Usage      *Usage         `json:"usage,omitempty"`
}

// Tool progress stages surfaced on EventToolProgress.
const (
	ProgressQueued    = "queued"
	ProgressExecuting = "executing"
	ProgressCompleted = "completed"
	ProgressError     = "error"
)

// Run event wire types carried by the StreamBus.
const (
	RunEventStatus = "status"
	RunEventStep   = "step"
)

// Step stages within a RunEvent.
const (
	StageStart    = "start"
	StageComplete = "complete"
	StageError    = "error"
)

// RunEvent is one observable occurrence in a workflow run: either a
// status transition or a step lifecycle change.
type RunEvent struct {
	Type       string    `json:"type"`
	RunID      string    `json:"runId"`
	Status     RunStatus `json:"status,omitempty"`
	Stage      string    `json:"stage,omitempty"`
	NodeID     string    `json:"nodeId,omitempty"`
	NodeType   NodeKind  `json:"nodeType,omitempty"`
	DurationMS int64     `json:"durationMs,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// StatusEvent builds a status RunEvent.
func StatusEvent(runID string, status RunStatus, errMsg string) RunEvent {
	return RunEvent{Type: RunEventStatus, RunID: runID, Status: status, Error: errMsg}
}

// StepEvent builds a step RunEvent.
func StepEvent(runID, nodeID string, kind NodeKind, stage string, durationMS int64, errMsg string) RunEvent {
	return RunEvent{
		Type:       RunEventStep,
		RunID:      runID,
		Stage:      stage,
		NodeID:     nodeID,
		NodeType:   kind,
		DurationMS: durationMS,
		Error:      errMsg,
	}
}
