package deckhand

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Execution limits. Every dispatched node counts against MaxSteps,
// including loop iterations and nodes inside parallel branches.
const (
	DefaultMaxSteps    = 50
	DefaultMaxDuration = 5 * time.Minute
)

// EngineState is the suspension cookie returned when a run pauses at an
// approval node. It is self-contained and JSON round-trippable: a caller
// can persist it and resume in a later process.
type EngineState struct {
	SuspendedNodeID  string              `json:"suspendedNodeId"`
	CompletedNodeIDs []string            `json:"completedNodeIds"`
	SkippedNodeIDs   []string            `json:"skippedNodeIds,omitempty"`
	StepResults      map[string]any      `json:"stepResults"`
	Compensation     []CompensationEntry `json:"compensation,omitempty"`
	Steps            int                 `json:"steps"`
	Usage            Usage               `json:"usage"`
}

// RunResult is the outcome of one Execute or Resume call. On failure the
// accompanying error is non-nil and the result still carries the step
// results and compensation stack accumulated before the failure, so the
// run supervisor can replay rollbacks and report partial progress.
type RunResult struct {
	Status       RunStatus
	StepResults  map[string]any
	Output       map[string]any
	State        *EngineState
	Usage        Usage
	FailedNodeID string

	// Compensation holds the undo entries pushed by successful tool
	// nodes. The executor never replays them itself.
	Compensation *CompensationStack
}

// errSuspendRun is the internal sentinel a node dispatch returns to pause
// the run. Only approval nodes produce it.
var errSuspendRun = errors.New("suspend run")

// Executor walks a workflow definition in deterministic topological
// order, dispatching each node by kind. One Executor is shared across
// runs; all per-run state lives in the execution state value.
type Executor struct {
	tools           *ToolRegistry
	providers       *ProviderRegistry
	defaultProvider string
	bus             *StreamBus
	maxSteps        int
	maxDuration     time.Duration
	logger          *slog.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithExecutorTools sets the tool registry used by tool nodes.
func WithExecutorTools(r *ToolRegistry) ExecutorOption {
	return func(e *Executor) { e.tools = r }
}

// WithExecutorProviders sets the provider registry used by ai-step nodes.
// The default provider id is used when a node names none.
func WithExecutorProviders(r *ProviderRegistry, defaultID string) ExecutorOption {
	return func(e *Executor) {
		e.providers = r
		e.defaultProvider = defaultID
	}
}

// WithExecutorBus publishes step lifecycle events to the given bus.
func WithExecutorBus(b *StreamBus) ExecutorOption {
	return func(e *Executor) { e.bus = b }
}

// WithMaxSteps overrides the per-run dispatched-node budget.
func WithMaxSteps(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.maxSteps = n
		}
	}
}

// WithMaxDuration overrides the per-run wall clock budget.
func WithMaxDuration(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.maxDuration = d
		}
	}
}

// WithExecutorLogger sets the logger. Defaults to a no-op logger.
func WithExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewExecutor creates an executor with default budgets.
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{
		maxSteps:    DefaultMaxSteps,
		maxDuration: DefaultMaxDuration,
		logger:      nopLogger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// execState is the mutable state of one run. Parallel branches fork a
// child state with their own result maps; the step budget, usage totals,
// and compensation stack always live on the root state, guarded by its
// mutex, so accounting stays consistent across branches.
type execState struct {
	rc    RunContext
	def   *WorkflowDefinition
	input map[string]any

	mu        sync.Mutex
	results   map[string]any
	completed map[string]bool
	skipped   map[string]bool
	comp      *CompensationStack
	steps     int
	usage     Usage

	started  time.Time
	deadline time.Time
	output   map[string]any

	// parent is nil on the root state; branch children point at it.
	parent *execState
}

func (st *execState) rootState() *execState {
	for st.parent != nil {
		st = st.parent
	}
	return st
}

// fork creates a branch-local state seeded with a snapshot of the
// current results. Writes stay local until the parent merges them.
func (st *execState) fork() *execState {
	child := &execState{
		rc:        st.rc,
		def:       st.def,
		input:     st.input,
		results:   st.resultsSnapshot(),
		completed: make(map[string]bool),
		skipped:   make(map[string]bool),
		started:   st.started,
		deadline:  st.deadline,
		parent:    st,
	}
	st.mu.Lock()
	for id := range st.completed {
		child.completed[id] = true
	}
	for id := range st.skipped {
		child.skipped[id] = true
	}
	st.mu.Unlock()
	return child
}

func (st *execState) setResult(id string, v any) {
	st.mu.Lock()
	st.results[id] = v
	st.completed[id] = true
	st.mu.Unlock()
}

func (st *execState) resultsSnapshot() map[string]any {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make(map[string]any, len(st.results))
	for k, v := range st.results {
		out[k] = v
	}
	return out
}

// scope builds the evaluation context shared by expressions and
// interpolation: step results spread at the top level, the run input
// under "input", and the named predecessor's value under "result".
func (st *execState) scope(predecessorResult any) map[string]any {
	st.mu.Lock()
	defer st.mu.Unlock()
	scope := make(map[string]any, len(st.results)+2)
	for k, v := range st.results {
		scope[k] = v
	}
	scope["input"] = st.input
	if predecessorResult != nil {
		scope["result"] = predecessorResult
	}
	return scope
}

// charge consumes one step from the run budget and checks the wall
// clock. Called before every node dispatch, on every path, including
// loop iterations and parallel branch nodes.
func (st *execState) charge(e *Executor, nodeID string) error {
	root := st.rootState()
	root.mu.Lock()
	root.steps++
	steps := root.steps
	root.mu.Unlock()
	if steps > e.maxSteps {
		return Errorf(KindValidation, "workflow exceeded the %d step budget", e.maxSteps).
			With("steps", steps).With("nodeId", nodeID)
	}
	if elapsed := time.Since(root.started); elapsed > e.maxDuration {
		return Errorf(KindValidation, "workflow exceeded the %s time budget", e.maxDuration).
			With("elapsed_ms", elapsed.Milliseconds()).With("nodeId", nodeID)
	}
	return nil
}

func (st *execState) addUsage(u Usage) {
	root := st.rootState()
	root.mu.Lock()
	root.usage.Add(u)
	root.mu.Unlock()
}

// pushComp records an undo entry on the root compensation stack.
func (st *execState) pushComp(entry CompensationEntry) {
	root := st.rootState()
	root.mu.Lock()
	root.comp.Push(entry)
	root.mu.Unlock()
}

// Execute validates the definition and walks it from the start.
// On failure both return values are set: the result carries partial
// step results and the compensation stack, the error the cause.
func (e *Executor) Execute(ctx context.Context, rc RunContext, def *WorkflowDefinition, input map[string]any) (*RunResult, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	st := e.newState(rc, def, input)
	return e.run(ctx, st)
}

// Resume re-enters a suspended run. The decision becomes the suspended
// approval node's result; a denial fails the run with Forbidden (the
// supervisor still replays compensation). Input replaces the run input;
// step results from the engine state are preserved.
func (e *Executor) Resume(ctx context.Context, rc RunContext, def *WorkflowDefinition, state *EngineState, input map[string]any, decision ApprovalDecision) (*RunResult, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if state == nil || state.SuspendedNodeID == "" {
		return nil, E(KindValidation, "engine state has no suspended node")
	}
	node := def.Node(state.SuspendedNodeID)
	if node == nil || node.Kind != NodeApproval {
		return nil, Errorf(KindValidation, "suspended node %q is not an approval node in this definition", state.SuspendedNodeID)
	}

	st := e.newState(rc, def, input)
	st.steps = state.Steps
	st.usage = state.Usage
	st.comp = RestoreCompensation(state.Compensation)
	for k, v := range state.StepResults {
		st.results[k] = v
		st.completed[k] = true
	}
	for _, id := range state.CompletedNodeIDs {
		st.completed[id] = true
	}
	for _, id := range state.SkippedNodeIDs {
		st.skipped[id] = true
	}

	// The suspending node is treated as successful on resume; its result
	// is the human's decision.
	st.setResult(state.SuspendedNodeID, map[string]any{
		"approved":   decision.Approved,
		"approverId": decision.ApproverID,
		"comment":    decision.Comment,
	})
	if !decision.Approved {
		res := e.failedResult(st, state.SuspendedNodeID)
		return res, Errorf(KindForbidden, "approval denied at node %q", state.SuspendedNodeID).
			With("nodeId", state.SuspendedNodeID)
	}
	return e.run(ctx, st)
}

func (e *Executor) newState(rc RunContext, def *WorkflowDefinition, input map[string]any) *execState {
	if input == nil {
		input = map[string]any{}
	}
	now := time.Now()
	return &execState{
		rc:        rc,
		def:       def,
		input:     input,
		results:   make(map[string]any, len(def.Nodes)),
		completed: make(map[string]bool, len(def.Nodes)),
		skipped:   make(map[string]bool),
		comp:      &CompensationStack{},
		started:   now,
		deadline:  now.Add(e.maxDuration),
	}
}

// run is the shared walk behind Execute and Resume.
func (e *Executor) run(ctx context.Context, st *execState) (*RunResult, error) {
	ctx, cancel := context.WithDeadline(ctx, st.deadline)
	defer cancel()

	order := st.def.topoOrder()
	for _, id := range order {
		st.mu.Lock()
		done := st.completed[id] || st.skipped[id]
		st.mu.Unlock()
		if done {
			continue
		}
		if err := ctx.Err(); err != nil {
			return e.failedResult(st, id), Errorf(KindValidation, "workflow deadline exceeded at node %q", id).Wrap(err)
		}

		node := st.def.Node(id)
		if err := st.charge(e, id); err != nil {
			// Budget violations fail the run without dispatching the node.
			return e.failedResult(st, id), err
		}

		start := time.Now()
		e.emitStep(st, node, StageStart, 0, "")
		value, err := e.dispatch(ctx, st, node)
		elapsed := time.Since(start).Milliseconds()

		if errors.Is(err, errSuspendRun) {
			e.emitStep(st, node, StageComplete, elapsed, "")
			e.logger.Info("workflow suspended",
				"runId", st.rc.RunID, "nodeId", node.ID)
			return e.suspendedResult(st, node.ID), nil
		}
		if err != nil {
			e.emitStep(st, node, StageError, elapsed, sanitizedMessage(err))
			e.logger.Warn("workflow node failed",
				"runId", st.rc.RunID, "nodeId", node.ID, "kind", node.Kind, "error", err)
			return e.failedResult(st, node.ID), err
		}

		st.setResult(node.ID, value)
		if node.Kind == NodeOutput {
			if m, ok := value.(map[string]any); ok {
				st.output = m
			}
		}
		e.emitStep(st, node, StageComplete, elapsed, "")
		e.logger.Debug("workflow node completed",
			"runId", st.rc.RunID, "nodeId", node.ID, "kind", node.Kind, "durationMs", elapsed)
	}

	output := st.output
	if output == nil {
		output = st.resultsSnapshot()
	}
	return &RunResult{
		Status:       StatusCompleted,
		StepResults:  st.resultsSnapshot(),
		Output:       output,
		Usage:        st.usage,
		Compensation: st.comp,
	}, nil
}

func (e *Executor) suspendedResult(st *execState, nodeID string) *RunResult {
	st.mu.Lock()
	completed := make([]string, 0, len(st.completed))
	for id := range st.completed {
		completed = append(completed, id)
	}
	skipped := make([]string, 0, len(st.skipped))
	for id := range st.skipped {
		skipped = append(skipped, id)
	}
	st.mu.Unlock()
	sort.Strings(completed)
	sort.Strings(skipped)

	state := &EngineState{
		SuspendedNodeID:  nodeID,
		CompletedNodeIDs: completed,
		SkippedNodeIDs:   skipped,
		StepResults:      st.resultsSnapshot(),
		Compensation:     st.comp.Entries(),
		Steps:            st.steps,
		Usage:            st.usage,
	}
	return &RunResult{
		Status:       StatusSuspended,
		StepResults:  state.StepResults,
		State:        state,
		Usage:        st.usage,
		Compensation: st.comp,
	}
}

func (e *Executor) failedResult(st *execState, nodeID string) *RunResult {
	return &RunResult{
		Status:       StatusFailed,
		StepResults:  st.resultsSnapshot(),
		Usage:        st.usage,
		FailedNodeID: nodeID,
		Compensation: st.comp,
	}
}

func (e *Executor) emitStep(st *execState, node *Node, stage string, durationMS int64, errMsg string) {
	if e.bus == nil || st.rc.RunID == "" {
		return
	}
	e.bus.Emit(StepEvent(st.rc.RunID, node.ID, node.Kind, stage, durationMS, errMsg))
}

// sanitizedMessage returns the user-safe message of an error: classified
// errors expose Message, everything else collapses to a generic line.
func sanitizedMessage(err error) string {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Message
	}
	return "internal error"
}
