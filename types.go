package deckhand

import (
	"encoding/json"
	"time"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ChatMessage is a single message in a conversation.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// ToolCalls is set on assistant messages that request tool execution.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// ToolCallID links a tool-role result message to its originating call.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ToolCall is a model-issued request to invoke a registered tool.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ChatRequest is a provider-agnostic chat completion request.
type ChatRequest struct {
	Model       string           `json:"model,omitempty"`
	Messages    []ChatMessage    `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
}

// ChatResponse is the provider-agnostic chat completion result.
type ChatResponse struct {
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	Model      string     `json:"model,omitempty"`
	StopReason string     `json:"stop_reason,omitempty"`
	Usage      Usage      `json:"usage"`
}

// Usage tracks token consumption for one call or one run.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Add accumulates other into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
}

// Origin distinguishes how an operation entered the runtime. API-context
// tool execution goes through the approval token gate; agent-context
// execution is gated by approval nodes and chat approval waits instead.
type Origin string

const (
	OriginAPI   Origin = "api"
	OriginAgent Origin = "agent"
)

// RunContext carries the identity of one request through every operation.
// Deadlines and cancellation ride the context.Context alongside it.
type RunContext struct {
	UserID    string `json:"userId"`
	OrgID     string `json:"orgId"`
	RequestID string `json:"requestId"`
	Origin    Origin `json:"origin,omitempty"`

	// RunID is set once a workflow run exists; empty for plain tool and
	// chat requests.
	RunID string `json:"runId,omitempty"`
}

// RunStatus is the lifecycle state of a workflow run.
type RunStatus string

const (
	StatusPending   RunStatus = "pending"
	StatusRunning   RunStatus = "running"
	StatusSuspended RunStatus = "suspended"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
)

// Run is one execution of a workflow definition for a tenant.
// Persistence beyond process lifetime belongs to the caller; EngineState
// is JSON round-trippable for that purpose.
type Run struct {
	ID           string         `json:"id"`
	DefinitionID string         `json:"definitionId"`
	Version      int            `json:"version"`
	UserID       string         `json:"userId"`
	OrgID        string         `json:"orgId"`
	Status       RunStatus      `json:"status"`
	Input        map[string]any `json:"input,omitempty"`
	Output       map[string]any `json:"output,omitempty"`
	StepResults  map[string]any `json:"stepResults,omitempty"`
	Usage        Usage          `json:"usage"`

	// ErrorKind and Error describe a failed run (sanitized).
	ErrorKind Kind   `json:"errorKind,omitempty"`
	Error     string `json:"error,omitempty"`

	// State is the suspension cookie while Status == StatusSuspended.
	State *EngineState `json:"state,omitempty"`
	// Compensation summarizes the rollback replay after a failure.
	Compensation *CompensationSummary `json:"compensation,omitempty"`

	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt,omitzero"`
}

// ToolResult is the outcome of one tool invocation, fed back to the
// model and to post-tool processors.
type ToolResult struct {
	Value any    `json:"value,omitempty"`
	Error string `json:"error,omitempty"`
}

// ApprovalDecision is the payload delivered when a human resolves an
// approval node or a paused chat tool invocation.
type ApprovalDecision struct {
	Approved   bool   `json:"approved"`
	ApproverID string `json:"approverId,omitempty"`
	Comment    string `json:"comment,omitempty"`
}
