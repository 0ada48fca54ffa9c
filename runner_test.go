package deckhand

import (
	"context"
	"testing"
	"time"
)

func approvalRunDef() *WorkflowDefinition {
	return mkDef([]Node{
		mkNode("a-in", InputData{}),
		mkNode("b-create", ToolData{
			ToolName:   "create_vm",
			Compensate: &CompensateSpec{ToolName: "delete_vm", Args: map[string]any{"id": "{{result.id}}"}},
		}),
		mkNode("c-gate", ApprovalData{Message: "Proceed with attach?"}),
		mkNode("d-attach", ToolData{ToolName: "attach_volume"}),
		mkNode("e-out", OutputData{}),
	}, []Edge{
		{"a-in", "b-create"}, {"b-create", "c-gate"},
		{"c-gate", "d-attach"}, {"d-attach", "e-out"},
	})
}

type runnerFixture struct {
	runner    *Runner
	approvals *Approvals
	inv       *valueInvoker
	sink      *memorySink
	bus       *StreamBus
}

func newRunnerFixture(t *testing.T, opts ...RunnerOption) *runnerFixture {
	t.Helper()
	inv := &valueInvoker{values: map[string]any{
		"create_vm": map[string]any{"id": "vm-1"},
	}}
	reg := testRegistry(t, inv, "create_vm", "attach_volume", "delete_vm", "flaky")
	approvals := NewApprovals()
	sink := &memorySink{}
	bus := NewStreamBus()
	executor := NewExecutor(WithExecutorTools(reg), WithExecutorBus(bus))
	all := append([]RunnerOption{
		WithRunnerApprovals(approvals),
		WithRunnerAudit(NewAuditor(WithAuditSink(sink))),
		WithRunnerBus(bus),
		WithRunnerInvoker(reg),
	}, opts...)
	return &runnerFixture{
		runner:    NewRunner(executor, all...),
		approvals: approvals,
		inv:       inv,
		sink:      sink,
		bus:       bus,
	}
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestRunnerExecuteCompletes(t *testing.T) {
	f := newRunnerFixture(t)
	def := mkDef([]Node{
		mkNode("a-in", InputData{}),
		mkNode("b-create", ToolData{ToolName: "create_vm"}),
		mkNode("c-out", OutputData{OutputMapping: map[string]string{"vm": "b-create.id"}}),
	}, []Edge{{"a-in", "b-create"}, {"b-create", "c-out"}})

	run, err := f.runner.Execute(context.Background(), testRC(), def, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if run.Status != StatusPending {
		t.Errorf("initial status = %s", run.Status)
	}

	done, err := f.runner.Wait(waitCtx(t), run.ID, "org-1")
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if done.Status != StatusCompleted || done.Output["vm"] != "vm-1" {
		t.Fatalf("run = %+v", done)
	}
	if done.FinishedAt.IsZero() {
		t.Error("FinishedAt not set")
	}
	if ev, ok := f.bus.Latest(run.ID); !ok || ev.Status != StatusCompleted {
		t.Errorf("latest bus status = %+v", ev)
	}
	if entries := f.sink.byKind(AuditWorkflowRun); len(entries) != 1 || entries[0].Outcome != "completed" {
		t.Errorf("workflow audit = %+v", entries)
	}
}

func TestRunnerSuspendAndResume(t *testing.T) {
	f := newRunnerFixture(t)
	run, err := f.runner.Execute(context.Background(), testRC(), approvalRunDef(), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	suspended, err := f.runner.Wait(waitCtx(t), run.ID, "org-1")
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if suspended.Status != StatusSuspended {
		t.Fatalf("status = %s", suspended.Status)
	}
	if suspended.State == nil || suspended.State.SuspendedNodeID != "c-gate" {
		t.Fatalf("state = %+v", suspended.State)
	}

	// The suspension minted a pending approval pointing back at the run.
	tokens, err := f.approvals.Pending(context.Background(), "org-1")
	if err != nil || len(tokens) != 1 {
		t.Fatalf("pending = %v err=%v", tokens, err)
	}
	if tokens[0].RunID != run.ID || tokens[0].Message != "Proceed with attach?" {
		t.Errorf("token = %+v", tokens[0])
	}

	resumed, err := f.runner.Resume(context.Background(), testRC(), run.ID, ApprovalDecision{Approved: true, ApproverID: "admin-1"})
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.Status != StatusRunning {
		t.Errorf("resume status = %s", resumed.Status)
	}

	done, err := f.runner.Wait(waitCtx(t), run.ID, "org-1")
	if err != nil {
		t.Fatalf("Wait after resume: %v", err)
	}
	if done.Status != StatusCompleted {
		t.Fatalf("final status = %s (%s)", done.Status, done.Error)
	}
	calls := f.inv.callList()
	if len(calls) != 2 || calls[1] != "attach_volume" {
		t.Errorf("calls = %v", calls)
	}
	if entries := f.sink.byKind(AuditApprovalDecision); len(entries) != 1 || entries[0].Outcome != "approved" {
		t.Errorf("approval audit = %+v", entries)
	}

	// The token was single use.
	if _, err := f.runner.Resume(context.Background(), testRC(), run.ID, ApprovalDecision{Approved: true}); err == nil {
		t.Error("second resume succeeded")
	}
}

func TestRunnerResumeDenialCompensates(t *testing.T) {
	f := newRunnerFixture(t)
	run, err := f.runner.Execute(context.Background(), testRC(), approvalRunDef(), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if _, err := f.runner.Wait(waitCtx(t), run.ID, "org-1"); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if _, err := f.runner.Resume(context.Background(), testRC(), run.ID, ApprovalDecision{Approved: false, Comment: "too risky"}); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	done, err := f.runner.Wait(waitCtx(t), run.ID, "org-1")
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if done.Status != StatusFailed || done.ErrorKind != KindForbidden {
		t.Fatalf("run = %+v", done)
	}

	// The denial rolled back the tool that already ran.
	calls := f.inv.callList()
	if len(calls) != 2 || calls[1] != "delete_vm" {
		t.Errorf("calls = %v", calls)
	}
	if done.Compensation == nil || done.Compensation.Succeeded != 1 {
		t.Errorf("compensation = %+v", done.Compensation)
	}
}

func TestRunnerFailureReplaysCompensation(t *testing.T) {
	f := newRunnerFixture(t)
	f.inv.failOn = map[string]error{"flaky": E(KindExternalCloud, "upstream unavailable")}
	def := mkDef([]Node{
		mkNode("a-in", InputData{}),
		mkNode("b-create", ToolData{
			ToolName:   "create_vm",
			Compensate: &CompensateSpec{ToolName: "delete_vm", Args: map[string]any{"id": "{{result.id}}"}},
		}),
		mkNode("c-flaky", ToolData{ToolName: "flaky"}),
	}, []Edge{{"a-in", "b-create"}, {"b-create", "c-flaky"}})

	run, err := f.runner.Execute(context.Background(), testRC(), def, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	done, err := f.runner.Wait(waitCtx(t), run.ID, "org-1")
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if done.Status != StatusFailed || done.ErrorKind != KindExternalCloud {
		t.Fatalf("run = %+v", done)
	}
	calls := f.inv.callList()
	if calls[len(calls)-1] != "delete_vm" {
		t.Errorf("calls = %v, expected trailing delete_vm", calls)
	}
	if done.Compensation == nil || done.Compensation.Total != 1 {
		t.Errorf("summary = %+v", done.Compensation)
	}
}

func TestRunnerValidationFailureSkipsCompensation(t *testing.T) {
	f := newRunnerFixture(t)
	def := mkDef([]Node{
		mkNode("a-in", InputData{}),
		mkNode("b-create", ToolData{
			ToolName:   "create_vm",
			Compensate: &CompensateSpec{ToolName: "delete_vm"},
		}),
		mkNode("c-loop", LoopData{IteratorExpression: "input.missing"}),
	}, []Edge{{"a-in", "b-create"}, {"b-create", "c-loop"}})

	run, err := f.runner.Execute(context.Background(), testRC(), def, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	done, err := f.runner.Wait(waitCtx(t), run.ID, "org-1")
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if done.Status != StatusFailed || done.ErrorKind != KindValidation {
		t.Fatalf("run = %+v", done)
	}
	for _, call := range f.inv.callList() {
		if call == "delete_vm" {
			t.Error("validation failure triggered compensation")
		}
	}
	if done.Compensation != nil {
		t.Errorf("summary = %+v", done.Compensation)
	}
}

func TestRunnerCrossTenantIsolation(t *testing.T) {
	f := newRunnerFixture(t)
	def := mkDef([]Node{mkNode("a-in", InputData{})}, nil)
	run, err := f.runner.Execute(context.Background(), testRC(), def, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if _, err := f.runner.Get(run.ID, "org-2"); KindOf(err) != KindNotFound {
		t.Errorf("foreign Get kind = %v", KindOf(err))
	}
	if _, err := f.runner.Get("no-such-run", "org-2"); KindOf(err) != KindNotFound {
		t.Errorf("missing Get kind = %v", KindOf(err))
	}
	otherRC := testRC()
	otherRC.OrgID = "org-2"
	if _, err := f.runner.Resume(context.Background(), otherRC, run.ID, ApprovalDecision{Approved: true}); KindOf(err) != KindNotFound {
		t.Errorf("foreign Resume kind = %v", KindOf(err))
	}
	if err := f.runner.Cancel(run.ID, "org-2"); KindOf(err) != KindNotFound {
		t.Errorf("foreign Cancel kind = %v", KindOf(err))
	}
}

func TestRunnerList(t *testing.T) {
	f := newRunnerFixture(t)
	def := mkDef([]Node{mkNode("a-in", InputData{})}, nil)

	first, _ := f.runner.Execute(context.Background(), testRC(), def, nil)
	otherRC := testRC()
	otherRC.OrgID = "org-2"
	if _, err := f.runner.Execute(context.Background(), otherRC, def, nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	runs := f.runner.List("org-1")
	if len(runs) != 1 || runs[0].ID != first.ID {
		t.Errorf("List = %+v", runs)
	}
}

func TestRunnerCachesApprovalFreeRuns(t *testing.T) {
	f := newRunnerFixture(t, WithRunnerCache(NewResultCache()))
	def := mkDef([]Node{
		mkNode("a-in", InputData{}),
		mkNode("b-create", ToolData{ToolName: "create_vm"}),
		mkNode("c-out", OutputData{OutputMapping: map[string]string{"vm": "b-create.id"}}),
	}, []Edge{{"a-in", "b-create"}, {"b-create", "c-out"}})
	input := map[string]any{"size": "large"}

	first, err := f.runner.Execute(context.Background(), testRC(), def, input)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if _, err := f.runner.Wait(waitCtx(t), first.ID, "org-1"); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	second, err := f.runner.Execute(context.Background(), testRC(), def, input)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	done, err := f.runner.Wait(waitCtx(t), second.ID, "org-1")
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if done.Status != StatusCompleted || done.Output["vm"] != "vm-1" {
		t.Fatalf("cached run = %+v", done)
	}
	// The tool ran once across both runs.
	if calls := f.inv.callList(); len(calls) != 1 {
		t.Errorf("calls = %v", calls)
	}
}

func TestRunnerNeverCachesSuspendableRuns(t *testing.T) {
	f := newRunnerFixture(t, WithRunnerCache(NewResultCache()))

	run := func() *Run {
		r, err := f.runner.Execute(context.Background(), testRC(), approvalRunDef(), nil)
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		done, err := f.runner.Wait(waitCtx(t), r.ID, "org-1")
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
		return done
	}
	if run().Status != StatusSuspended {
		t.Fatal("first run not suspended")
	}
	if run().Status != StatusSuspended {
		t.Fatal("second run served from cache instead of suspending")
	}
	if calls := f.inv.callList(); len(calls) != 2 {
		t.Errorf("calls = %v, want one create per run", calls)
	}
}

func TestRunnerResumeRequiresSuspension(t *testing.T) {
	f := newRunnerFixture(t)
	def := mkDef([]Node{mkNode("a-in", InputData{})}, nil)
	run, err := f.runner.Execute(context.Background(), testRC(), def, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if _, err := f.runner.Wait(waitCtx(t), run.ID, "org-1"); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if _, err := f.runner.Resume(context.Background(), testRC(), run.ID, ApprovalDecision{Approved: true}); KindOf(err) != KindValidation {
		t.Errorf("kind = %v, want Validation", KindOf(err))
	}
}
