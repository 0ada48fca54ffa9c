package deckhand

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Runner supervises workflow runs: it spawns one goroutine per
// execution leg, tracks run records, mints approval tokens when a run
// suspends, replays compensation after failures, and publishes status
// transitions on the stream bus. Run records live in process memory;
// the EngineState cookie on a suspended run is what callers persist.
type Runner struct {
	executor  *Executor
	approvals *Approvals
	audit     *Auditor
	bus       *StreamBus
	cache     *ResultCache
	invoker   ToolInvoker
	logger    *slog.Logger

	mu   sync.Mutex
	runs map[string]*runHandle
}

// runHandle is the mutable record of one run plus what a resume needs.
type runHandle struct {
	mu              sync.Mutex
	run             Run
	def             *WorkflowDefinition
	input           map[string]any
	cancel          context.CancelFunc
	pendingApproval string
	// settled is closed when the current leg leaves the running state;
	// a resume replaces it.
	settled chan struct{}
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRunnerApprovals sets the coordinator that mints suspension tokens.
func WithRunnerApprovals(a *Approvals) RunnerOption {
	return func(r *Runner) { r.approvals = a }
}

// WithRunnerAudit sets the auditor for run and approval records.
func WithRunnerAudit(a *Auditor) RunnerOption {
	return func(r *Runner) { r.audit = a }
}

// WithRunnerBus publishes run status events to the given bus.
func WithRunnerBus(b *StreamBus) RunnerOption {
	return func(r *Runner) { r.bus = b }
}

// WithRunnerCache memoizes completed runs of approval-free workflows by
// input fingerprint. Runs that can suspend are never cached.
func WithRunnerCache(c *ResultCache) RunnerOption {
	return func(r *Runner) { r.cache = c }
}

// WithRunnerInvoker sets the capability used to replay compensation
// entries. A ToolRegistry satisfies this directly.
func WithRunnerInvoker(inv ToolInvoker) RunnerOption {
	return func(r *Runner) { r.invoker = inv }
}

// WithRunnerLogger sets the logger. Defaults to a no-op logger.
func WithRunnerLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRunner creates a runner over the given executor.
func NewRunner(executor *Executor, opts ...RunnerOption) *Runner {
	r := &Runner{
		executor:  executor,
		approvals: NewApprovals(),
		logger:    nopLogger,
		runs:      make(map[string]*runHandle),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Execute validates the definition, registers a pending run, and starts
// executing it in the background. The returned record has status
// pending; callers follow progress via the bus, Get, or Wait. The run
// outlives the caller's request: cancellation of ctx does not stop it.
func (r *Runner) Execute(ctx context.Context, rc RunContext, def *WorkflowDefinition, input map[string]any) (*Run, error) {
	if def == nil {
		return nil, E(KindValidation, "workflow definition is required")
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if rc.OrgID == "" {
		return nil, E(KindValidation, "orgId is required")
	}

	run := Run{
		ID:           NewID(),
		DefinitionID: def.ID,
		Version:      def.Version,
		UserID:       rc.UserID,
		OrgID:        rc.OrgID,
		Status:       StatusPending,
		Input:        input,
		StartedAt:    time.Now().UTC(),
	}
	rc.RunID = run.ID
	rc.Origin = OriginAgent

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &runHandle{
		run:     run,
		def:     def,
		input:   input,
		cancel:  cancel,
		settled: make(chan struct{}),
	}
	r.mu.Lock()
	r.runs[run.ID] = h
	r.mu.Unlock()
	r.emitStatus(run.ID, StatusPending, "")

	// A replay summary produced inside the cached leg must survive the
	// singleflight boundary, which only carries a value and an error.
	var replay *CompensationSummary
	leg := func(ctx context.Context) (*RunResult, error) {
		return r.executor.Execute(ctx, rc, def, input)
	}
	if r.cache != nil && !hasApprovalNode(def) {
		if fp, err := Fingerprint(def.ID, def.Version, input); err == nil {
			inner := leg
			leg = func(ctx context.Context) (*RunResult, error) {
				v, cached, err := r.cache.Do(ctx, fp, func(ctx context.Context) (any, error) {
					res, err := inner(ctx)
					if err != nil {
						replay = r.compensate(ctx, res, err)
						return nil, err
					}
					return res, nil
				})
				if err != nil {
					return nil, err
				}
				if cached {
					r.logger.Info("run served from cache",
						"runId", rc.RunID, "definitionId", def.ID, "fingerprint", fp)
				}
				return v.(*RunResult), nil
			}
		}
	}

	go r.drive(runCtx, h, rc, leg, &replay)
	snapshot := run
	return &snapshot, nil
}

// Resume consumes the run's approval token and re-enters the suspended
// workflow with the human decision. A denial fails the run and still
// replays compensation. The token is single-use: a second Resume, an
// expired token, or a caller from another organization all fail with
// NotFound.
func (r *Runner) Resume(ctx context.Context, rc RunContext, runID string, decision ApprovalDecision) (*Run, error) {
	h, err := r.handle(runID, rc.OrgID)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	if h.run.Status != StatusSuspended {
		status := h.run.Status
		h.mu.Unlock()
		return nil, Errorf(KindValidation, "run %s is %s, not suspended", runID, status)
	}
	approvalID := h.pendingApproval
	state := h.run.State
	ownerID := h.run.UserID
	orgID := h.run.OrgID
	h.mu.Unlock()

	token, err := r.approvals.Consume(ctx, approvalID, rc.OrgID)
	if err != nil {
		return nil, err
	}
	if r.audit != nil {
		r.audit.ApprovalDecision(ctx, rc, token, decision.Approved)
	}

	runRC := RunContext{
		UserID:    ownerID,
		OrgID:     orgID,
		RequestID: rc.RequestID,
		Origin:    OriginAgent,
		RunID:     runID,
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	h.mu.Lock()
	h.pendingApproval = ""
	h.run.State = nil
	h.run.Status = StatusRunning
	h.cancel = cancel
	h.settled = make(chan struct{})
	def, input := h.def, h.input
	h.mu.Unlock()

	leg := func(ctx context.Context) (*RunResult, error) {
		return r.executor.Resume(ctx, runRC, def, state, input, decision)
	}
	go r.drive(runCtx, h, runRC, leg, nil)

	h.mu.Lock()
	snapshot := h.run
	snapshot.Status = StatusRunning
	h.mu.Unlock()
	return &snapshot, nil
}

// Get returns a copy of the run record. Unknown ids and runs belonging
// to other organizations fail identically with NotFound.
func (r *Runner) Get(runID, orgID string) (*Run, error) {
	h, err := r.handle(runID, orgID)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	snapshot := h.run
	h.mu.Unlock()
	return &snapshot, nil
}

// List returns the organization's runs, newest first.
func (r *Runner) List(orgID string) []*Run {
	r.mu.Lock()
	handles := make([]*runHandle, 0, len(r.runs))
	for _, h := range r.runs {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	var out []*Run
	for _, h := range handles {
		h.mu.Lock()
		if h.run.OrgID == orgID {
			snapshot := h.run
			out = append(out, &snapshot)
		}
		h.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Cancel aborts an in-flight run. The run settles as failed once the
// executor observes the cancellation. Canceling a settled run is a
// no-op.
func (r *Runner) Cancel(runID, orgID string) error {
	h, err := r.handle(runID, orgID)
	if err != nil {
		return err
	}
	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Wait blocks until the run leaves the pending and running states and
// returns its record. A suspended run counts as settled.
func (r *Runner) Wait(ctx context.Context, runID, orgID string) (*Run, error) {
	h, err := r.handle(runID, orgID)
	if err != nil {
		return nil, err
	}
	for {
		h.mu.Lock()
		status := h.run.Status
		snapshot := h.run
		settled := h.settled
		h.mu.Unlock()
		if status != StatusPending && status != StatusRunning {
			return &snapshot, nil
		}
		select {
		case <-settled:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (r *Runner) handle(runID, orgID string) (*runHandle, error) {
	r.mu.Lock()
	h, ok := r.runs[runID]
	r.mu.Unlock()
	if !ok {
		return nil, errRunNotFound()
	}
	h.mu.Lock()
	owned := h.run.OrgID == orgID
	h.mu.Unlock()
	if orgID == "" || !owned {
		return nil, errRunNotFound()
	}
	return h, nil
}

func errRunNotFound() *Error {
	return E(KindNotFound, "run not found")
}

// drive executes one leg of a run and settles the record afterwards.
// replay carries a compensation summary produced inside a cached leg.
func (r *Runner) drive(ctx context.Context, h *runHandle, rc RunContext, leg func(context.Context) (*RunResult, error), replay **CompensationSummary) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("run panicked", "runId", rc.RunID, "panic", p)
			r.settle(ctx, h, nil, Errorf(KindInternal, "run %s panicked", rc.RunID), nil)
		}
	}()

	h.mu.Lock()
	h.run.Status = StatusRunning
	h.mu.Unlock()
	r.emitStatus(rc.RunID, StatusRunning, "")

	res, err := leg(ctx)
	var summary *CompensationSummary
	if replay != nil {
		summary = *replay
	}
	if err != nil && summary == nil {
		summary = r.compensate(ctx, res, err)
	}
	r.settle(ctx, h, res, err, summary)
}

// compensate replays the undo stack in reverse after a failure.
// Validation failures never ran cloud mutations past the check that
// rejected them, so they skip replay.
func (r *Runner) compensate(ctx context.Context, res *RunResult, cause error) *CompensationSummary {
	if res == nil || res.Compensation == nil || res.Compensation.Len() == 0 {
		return nil
	}
	var de *Error
	if errors.As(cause, &de) && de.Kind == KindValidation {
		return nil
	}
	summary := res.Compensation.Replay(context.WithoutCancel(ctx), r.invoker, r.logger)
	return &summary
}

// settle moves the run to its post-leg status, mints the approval token
// on suspension, and publishes the transition.
func (r *Runner) settle(ctx context.Context, h *runHandle, res *RunResult, err error, summary *CompensationSummary) {
	// Mint the token before the status flips to suspended so a client
	// that sees the transition can immediately find its approval.
	var tokenErr error
	if err == nil && res != nil && res.Status == StatusSuspended {
		tokenErr = r.mintApproval(ctx, h, res.State.SuspendedNodeID)
	}

	h.mu.Lock()
	switch {
	case err != nil:
		h.run.Status = StatusFailed
		h.run.ErrorKind, h.run.Error = classify(err)
		if res != nil {
			h.run.StepResults = res.StepResults
			h.run.Usage = res.Usage
		}
		h.run.Compensation = summary
		h.run.FinishedAt = time.Now().UTC()
	case res.Status == StatusSuspended:
		if tokenErr != nil {
			h.run.Status = StatusFailed
			h.run.ErrorKind, h.run.Error = classify(tokenErr)
			h.run.FinishedAt = time.Now().UTC()
		} else {
			h.run.Status = StatusSuspended
			h.run.State = res.State
		}
		h.run.StepResults = res.StepResults
		h.run.Usage = res.Usage
	default:
		h.run.Status = StatusCompleted
		h.run.StepResults = res.StepResults
		h.run.Output = res.Output
		h.run.Usage = res.Usage
		h.run.FinishedAt = time.Now().UTC()
	}
	snapshot := h.run
	close(h.settled)
	h.mu.Unlock()

	r.emitStatus(snapshot.ID, snapshot.Status, snapshot.Error)
	if r.audit != nil {
		r.audit.WorkflowRun(ctx, &snapshot)
	}
	r.logger.Info("run settled",
		"runId", snapshot.ID,
		"status", string(snapshot.Status),
		"definitionId", snapshot.DefinitionID)
}

// mintApproval records the approval token a suspended run resumes
// through. Without a token the run could never resume, so a mint
// failure fails the run.
func (r *Runner) mintApproval(ctx context.Context, h *runHandle, nodeID string) error {
	h.mu.Lock()
	run := h.run
	def := h.def
	h.mu.Unlock()

	message := "workflow approval required"
	level := ApprovalConfirm
	if node := def.Node(nodeID); node != nil {
		if ad, ok := node.Data.(ApprovalData); ok {
			if ad.Message != "" {
				message = ad.Message
			}
			if ad.Level != "" {
				level = ad.Level
			}
		}
	}
	token, err := r.approvals.Create(context.WithoutCancel(ctx), ApprovalToken{
		RunID:   run.ID,
		OrgID:   run.OrgID,
		UserID:  run.UserID,
		Message: message,
		Level:   level,
	})
	if err != nil {
		return Errorf(KindInternal, "run %s suspended but its approval token could not be recorded", run.ID).Wrap(err)
	}
	h.mu.Lock()
	h.pendingApproval = token.ID
	h.mu.Unlock()
	return nil
}

func (r *Runner) emitStatus(runID string, status RunStatus, errMsg string) {
	if r.bus == nil || runID == "" {
		return
	}
	r.bus.Emit(StatusEvent(runID, status, errMsg))
}

// classify maps an execution error to the sanitized pair stored on the
// run record.
func classify(err error) (Kind, string) {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind, de.Message
	}
	return KindInternal, "internal error"
}

func hasApprovalNode(def *WorkflowDefinition) bool {
	for _, n := range def.Nodes {
		if n.Kind == NodeApproval {
			return true
		}
	}
	return false
}
