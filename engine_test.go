package deckhand

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"
)

// valueInvoker returns a canned value per tool name and records call
// order. Safe for concurrent use; parallel branches invoke concurrently.
type valueInvoker struct {
	mu     sync.Mutex
	values map[string]any
	failOn map[string]error
	calls  []string
	args   []map[string]any
}

func (v *valueInvoker) Invoke(_ context.Context, name string, args map[string]any) (any, error) {
	v.mu.Lock()
	v.calls = append(v.calls, name)
	v.args = append(v.args, args)
	v.mu.Unlock()
	if err, ok := v.failOn[name]; ok {
		return nil, err
	}
	if val, ok := v.values[name]; ok {
		return val, nil
	}
	return map[string]any{"ok": true}, nil
}

func (v *valueInvoker) callList() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.calls...)
}

// scriptedModel replays queued responses and records requests.
type scriptedModel struct {
	mu        sync.Mutex
	name      string
	responses []ChatResponse
	errs      []error
	requests  []ChatRequest
}

func (m *scriptedModel) take(req ChatRequest) (ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		if err != nil {
			return ChatResponse{}, err
		}
	}
	if len(m.responses) == 0 {
		return ChatResponse{Content: "done"}, nil
	}
	resp := m.responses[0]
	m.responses = m.responses[1:]
	return resp, nil
}

func (m *scriptedModel) Chat(_ context.Context, req ChatRequest) (ChatResponse, error) {
	return m.take(req)
}

func (m *scriptedModel) ChatStream(_ context.Context, req ChatRequest, ch chan<- string) (ChatResponse, error) {
	resp, err := m.take(req)
	if err != nil {
		return ChatResponse{}, err
	}
	for _, part := range strings.SplitAfter(resp.Content, " ") {
		ch <- part
	}
	return resp, nil
}

func (m *scriptedModel) Name() string {
	if m.name == "" {
		return "scripted"
	}
	return m.name
}

func (m *scriptedModel) requestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func mkNode(id string, data NodeData) Node {
	return Node{ID: id, Kind: data.nodeKind(), Data: data}
}

func mkDef(nodes []Node, edges []Edge) *WorkflowDefinition {
	return &WorkflowDefinition{ID: "wf-test", Version: 1, Nodes: nodes, Edges: edges}
}

func testRegistry(t *testing.T, inv ToolInvoker, names ...string) *ToolRegistry {
	t.Helper()
	reg := NewToolRegistry(WithInvoker(inv))
	for _, name := range names {
		err := reg.Register(ToolDefinition{
			Name:          name,
			Description:   name,
			Category:      CategoryCompute,
			ApprovalLevel: ApprovalAuto,
		})
		if err != nil {
			t.Fatalf("Register(%s): %v", name, err)
		}
	}
	return reg
}

func testRC() RunContext {
	return RunContext{UserID: "user-1", OrgID: "org-1", RequestID: "req-1", Origin: OriginAgent}
}

func TestExecuteLinearWorkflow(t *testing.T) {
	inv := &valueInvoker{values: map[string]any{
		"list_instances": map[string]any{"count": 3.0, "region": "us-phoenix-1"},
	}}
	e := NewExecutor(WithExecutorTools(testRegistry(t, inv, "list_instances")))

	def := mkDef([]Node{
		mkNode("a-in", InputData{}),
		mkNode("b-list", ToolData{ToolName: "list_instances", Args: map[string]any{
			"region": "{{input.region}}",
		}}),
		mkNode("c-out", OutputData{OutputMapping: map[string]string{
			"total": "b-list.count",
		}}),
	}, []Edge{{"a-in", "b-list"}, {"b-list", "c-out"}})

	res, err := e.Execute(context.Background(), testRC(), def, map[string]any{"region": "us-phoenix-1"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != StatusCompleted {
		t.Fatalf("status = %s", res.Status)
	}
	if got := res.Output["total"]; got != 3.0 {
		t.Errorf("output total = %v", got)
	}
	if len(inv.args) != 1 || inv.args[0]["region"] != "us-phoenix-1" {
		t.Errorf("tool args = %v", inv.args)
	}
	if _, ok := res.StepResults["b-list"]; !ok {
		t.Errorf("step results missing tool node: %v", res.StepResults)
	}
}

func TestExecuteRejectsCycle(t *testing.T) {
	e := NewExecutor()
	def := mkDef([]Node{
		mkNode("a", InputData{}),
		mkNode("b", OutputData{}),
	}, []Edge{{"a", "b"}, {"b", "a"}})

	_, err := e.Execute(context.Background(), testRC(), def, nil)
	if KindOf(err) != KindValidation {
		t.Fatalf("kind = %v, want Validation", KindOf(err))
	}
}

func TestExecuteDeterministicOrder(t *testing.T) {
	// Diamond: both middle nodes depend on the input, ties break on id.
	inv := &valueInvoker{}
	e := NewExecutor(WithExecutorTools(testRegistry(t, inv, "t1", "t2")))
	def := mkDef([]Node{
		mkNode("a-in", InputData{}),
		mkNode("m-beta", ToolData{ToolName: "t2"}),
		mkNode("m-alpha", ToolData{ToolName: "t1"}),
		mkNode("z-out", OutputData{}),
	}, []Edge{
		{"a-in", "m-alpha"}, {"a-in", "m-beta"},
		{"m-alpha", "z-out"}, {"m-beta", "z-out"},
	})

	if _, err := e.Execute(context.Background(), testRC(), def, nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	calls := inv.callList()
	if len(calls) != 2 || calls[0] != "t1" || calls[1] != "t2" {
		t.Errorf("call order = %v, want [t1 t2]", calls)
	}
}

func TestConditionPrunesUntakenBranch(t *testing.T) {
	inv := &valueInvoker{}
	e := NewExecutor(WithExecutorTools(testRegistry(t, inv, "scale_up", "scale_down")))
	def := mkDef([]Node{
		mkNode("a-in", InputData{}),
		mkNode("b-cond", ConditionData{
			Expression:  "input.load > 80",
			TrueBranch:  "c-up",
			FalseBranch: "c-down",
		}),
		mkNode("c-up", ToolData{ToolName: "scale_up"}),
		mkNode("c-down", ToolData{ToolName: "scale_down"}),
		mkNode("d-out", OutputData{}),
	}, []Edge{
		{"a-in", "b-cond"},
		{"b-cond", "c-up"}, {"b-cond", "c-down"},
		{"c-up", "d-out"}, {"c-down", "d-out"},
	})

	res, err := e.Execute(context.Background(), testRC(), def, map[string]any{"load": 95})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if calls := inv.callList(); len(calls) != 1 || calls[0] != "scale_up" {
		t.Errorf("calls = %v, want only scale_up", calls)
	}
	cond, _ := res.StepResults["b-cond"].(map[string]any)
	if cond["branch"] != "c-up" || cond["conditionResult"] != true {
		t.Errorf("condition result = %v", cond)
	}
	// The join node runs even though one path into it was pruned.
	if _, ok := res.StepResults["d-out"]; !ok {
		t.Errorf("join node did not run: %v", res.StepResults)
	}
	if _, ok := res.StepResults["c-down"]; ok {
		t.Errorf("pruned branch has a result")
	}
}

func TestApprovalSuspendsAndResumes(t *testing.T) {
	inv := &valueInvoker{values: map[string]any{
		"create_vm": map[string]any{"id": "vm-9"},
	}}
	e := NewExecutor(WithExecutorTools(testRegistry(t, inv, "create_vm", "attach_volume")))
	def := mkDef([]Node{
		mkNode("a-in", InputData{}),
		mkNode("b-create", ToolData{ToolName: "create_vm"}),
		mkNode("c-gate", ApprovalData{Message: "Attach the volume?"}),
		mkNode("d-attach", ToolData{ToolName: "attach_volume", Args: map[string]any{
			"vm": "{{b-create.id}}",
		}}),
		mkNode("e-out", OutputData{}),
	}, []Edge{
		{"a-in", "b-create"}, {"b-create", "c-gate"},
		{"c-gate", "d-attach"}, {"d-attach", "e-out"},
	})

	input := map[string]any{"size": "large"}
	res, err := e.Execute(context.Background(), testRC(), def, input)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != StatusSuspended {
		t.Fatalf("status = %s, want suspended", res.Status)
	}
	if res.State == nil || res.State.SuspendedNodeID != "c-gate" {
		t.Fatalf("state = %+v", res.State)
	}
	if calls := inv.callList(); len(calls) != 1 {
		t.Fatalf("calls before resume = %v", calls)
	}

	// The cookie survives serialization; resumption may happen in a
	// different process.
	raw, err := json.Marshal(res.State)
	if err != nil {
		t.Fatalf("marshal state: %v", err)
	}
	var state EngineState
	if err := json.Unmarshal(raw, &state); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}

	decision := ApprovalDecision{Approved: true, ApproverID: "admin-1", Comment: "go"}
	resumed, err := e.Resume(context.Background(), testRC(), def, &state, input, decision)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.Status != StatusCompleted {
		t.Fatalf("resumed status = %s", resumed.Status)
	}
	calls := inv.callList()
	if len(calls) != 2 || calls[1] != "attach_volume" {
		t.Errorf("calls = %v", calls)
	}
	// The interpolated arg came from a pre-suspension step result.
	if inv.args[1]["vm"] != "vm-9" {
		t.Errorf("attach args = %v", inv.args[1])
	}
	gate, _ := resumed.StepResults["c-gate"].(map[string]any)
	if gate["approved"] != true || gate["approverId"] != "admin-1" {
		t.Errorf("gate result = %v", gate)
	}
}

func TestResumeDenialFailsRun(t *testing.T) {
	inv := &valueInvoker{values: map[string]any{
		"create_vm": map[string]any{"id": "vm-3"},
	}}
	e := NewExecutor(WithExecutorTools(testRegistry(t, inv, "create_vm", "delete_vm")))
	def := mkDef([]Node{
		mkNode("a-in", InputData{}),
		mkNode("b-create", ToolData{
			ToolName:   "create_vm",
			Compensate: &CompensateSpec{ToolName: "delete_vm", Args: map[string]any{"id": "{{result.id}}"}},
		}),
		mkNode("c-gate", ApprovalData{}),
		mkNode("d-out", OutputData{}),
	}, []Edge{{"a-in", "b-create"}, {"b-create", "c-gate"}, {"c-gate", "d-out"}})

	res, err := e.Execute(context.Background(), testRC(), def, nil)
	if err != nil || res.Status != StatusSuspended {
		t.Fatalf("Execute: res=%+v err=%v", res, err)
	}

	denied, err := e.Resume(context.Background(), testRC(), def, res.State, nil, ApprovalDecision{Approved: false})
	if KindOf(err) != KindForbidden {
		t.Fatalf("kind = %v, want Forbidden", KindOf(err))
	}
	if denied.Status != StatusFailed || denied.FailedNodeID != "c-gate" {
		t.Errorf("denied result = %+v", denied)
	}
	// The undo entry captured at push time rides the restored stack with
	// its args already resolved.
	entries := denied.Compensation.Entries()
	if len(entries) != 1 || entries[0].ToolName != "delete_vm" || entries[0].Args["id"] != "vm-3" {
		t.Errorf("compensation entries = %+v", entries)
	}
}

func TestResumeRejectsNonApprovalNode(t *testing.T) {
	e := NewExecutor()
	def := mkDef([]Node{
		mkNode("a-in", InputData{}),
		mkNode("b-out", OutputData{}),
	}, []Edge{{"a-in", "b-out"}})

	state := &EngineState{SuspendedNodeID: "b-out"}
	_, err := e.Resume(context.Background(), testRC(), def, state, nil, ApprovalDecision{Approved: true})
	if KindOf(err) != KindValidation {
		t.Fatalf("kind = %v, want Validation", KindOf(err))
	}
}

func TestStepBudgetEnforced(t *testing.T) {
	inv := &valueInvoker{}
	e := NewExecutor(WithExecutorTools(testRegistry(t, inv, "t1", "t2")), WithMaxSteps(2))
	def := mkDef([]Node{
		mkNode("a-in", InputData{}),
		mkNode("b-t1", ToolData{ToolName: "t1"}),
		mkNode("c-t2", ToolData{ToolName: "t2"}),
	}, []Edge{{"a-in", "b-t1"}, {"b-t1", "c-t2"}})

	res, err := e.Execute(context.Background(), testRC(), def, nil)
	if KindOf(err) != KindValidation {
		t.Fatalf("kind = %v, want Validation", KindOf(err))
	}
	if res.FailedNodeID != "c-t2" {
		t.Errorf("failed node = %s", res.FailedNodeID)
	}
	// The over-budget node was never dispatched.
	if calls := inv.callList(); len(calls) != 1 {
		t.Errorf("calls = %v", calls)
	}
}

func TestLoopIterationsChargeBudget(t *testing.T) {
	e := NewExecutor(WithMaxSteps(5))
	items := make([]any, 10)
	for i := range items {
		items[i] = i
	}
	def := mkDef([]Node{
		mkNode("a-in", InputData{}),
		mkNode("b-loop", LoopData{IteratorExpression: "input.items"}),
	}, []Edge{{"a-in", "b-loop"}})

	_, err := e.Execute(context.Background(), testRC(), def, map[string]any{"items": items})
	if KindOf(err) != KindValidation {
		t.Fatalf("kind = %v, want Validation", KindOf(err))
	}
}

func TestLoopNodeBindings(t *testing.T) {
	e := NewExecutor()
	def := mkDef([]Node{
		mkNode("a-in", InputData{}),
		mkNode("b-loop", LoopData{
			IteratorExpression: "input.regions",
			IterationVariable:  "region",
			BreakCondition:     `region == "stop"`,
		}),
		mkNode("c-out", OutputData{}),
	}, []Edge{{"a-in", "b-loop"}, {"b-loop", "c-out"}})

	input := map[string]any{"regions": []any{"phx", "iad", "stop", "fra"}}
	res, err := e.Execute(context.Background(), testRC(), def, input)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	loop, _ := res.StepResults["b-loop"].(map[string]any)
	if loop["totalIterations"] != 2 || loop["breakTriggered"] != true {
		t.Fatalf("loop result = %v", loop)
	}
	iters, _ := loop["iterations"].([]any)
	first, _ := iters[0].(map[string]any)
	if first["region"] != "phx" || first["index"] != 0 {
		t.Errorf("first iteration = %v", first)
	}
}

func TestLoopRejectsNonSequence(t *testing.T) {
	e := NewExecutor()
	def := mkDef([]Node{
		mkNode("a-in", InputData{}),
		mkNode("b-loop", LoopData{IteratorExpression: "input.region"}),
	}, []Edge{{"a-in", "b-loop"}})

	_, err := e.Execute(context.Background(), testRC(), def, map[string]any{"region": "phx"})
	if KindOf(err) != KindValidation {
		t.Fatalf("kind = %v, want Validation", KindOf(err))
	}
}

func parallelDef(strategy, handling string) *WorkflowDefinition {
	return mkDef([]Node{
		mkNode("a-in", InputData{}),
		mkNode("b-par", ParallelData{
			BranchNodeIDs: []string{"c-one", "c-two"},
			MergeStrategy: strategy,
			ErrorHandling: handling,
		}),
		mkNode("c-one", ToolData{ToolName: "probe_a"}),
		mkNode("c-two", ToolData{ToolName: "probe_b"}),
		mkNode("d-out", OutputData{}),
	}, []Edge{
		{"a-in", "b-par"},
		{"b-par", "c-one"}, {"b-par", "c-two"},
		{"c-one", "d-out"}, {"c-two", "d-out"},
	})
}

func TestParallelMergeAll(t *testing.T) {
	inv := &valueInvoker{values: map[string]any{
		"probe_a": "alpha",
		"probe_b": "beta",
	}}
	e := NewExecutor(WithExecutorTools(testRegistry(t, inv, "probe_a", "probe_b")))

	res, err := e.Execute(context.Background(), testRC(), parallelDef(MergeAll, ""), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	values, _ := res.StepResults["b-par"].([]any)
	if len(values) != 2 || values[0] != "alpha" || values[1] != "beta" {
		t.Errorf("merged = %v", values)
	}
	// Branch node results surface individually after the join.
	if res.StepResults["c-one"] != "alpha" || res.StepResults["c-two"] != "beta" {
		t.Errorf("branch results = %v", res.StepResults)
	}
}

func TestParallelFailFast(t *testing.T) {
	inv := &valueInvoker{failOn: map[string]error{
		"probe_b": E(KindExternalCloud, "probe timed out"),
	}}
	e := NewExecutor(WithExecutorTools(testRegistry(t, inv, "probe_a", "probe_b")))

	_, err := e.Execute(context.Background(), testRC(), parallelDef(MergeAll, ErrorsFailFast), nil)
	if KindOf(err) != KindExternalCloud {
		t.Fatalf("kind = %v, want ExternalCloud", KindOf(err))
	}
}

func TestParallelCollect(t *testing.T) {
	inv := &valueInvoker{
		values: map[string]any{"probe_a": "alpha"},
		failOn: map[string]error{"probe_b": E(KindExternalCloud, "probe timed out")},
	}
	e := NewExecutor(WithExecutorTools(testRegistry(t, inv, "probe_a", "probe_b")))

	res, err := e.Execute(context.Background(), testRC(), parallelDef(MergeAll, ErrorsCollect), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	merged, _ := res.StepResults["b-par"].(map[string]any)
	results, _ := merged["results"].([]any)
	errs, _ := merged["errors"].([]string)
	if len(results) != 2 || results[0] != "alpha" || results[1] != nil {
		t.Errorf("results = %v", results)
	}
	if len(errs) != 1 || errs[0] != "probe timed out" {
		t.Errorf("errors = %v", errs)
	}
}

func TestParallelContinueAllFailed(t *testing.T) {
	inv := &valueInvoker{failOn: map[string]error{
		"probe_a": E(KindExternalCloud, "a down"),
		"probe_b": E(KindExternalCloud, "b down"),
	}}
	e := NewExecutor(WithExecutorTools(testRegistry(t, inv, "probe_a", "probe_b")))

	_, err := e.Execute(context.Background(), testRC(), parallelDef(MergeAll, ErrorsContinue), nil)
	if KindOf(err) != KindExternalCloud {
		t.Fatalf("kind = %v, want ExternalCloud", KindOf(err))
	}
}

func TestParallelMajority(t *testing.T) {
	def := mkDef([]Node{
		mkNode("a-in", InputData{}),
		mkNode("b-par", ParallelData{
			BranchNodeIDs: []string{"c-one", "c-two", "c-three"},
			MergeStrategy: MergeMajority,
			ErrorHandling: ErrorsContinue,
		}),
		mkNode("c-one", ToolData{ToolName: "vote_a"}),
		mkNode("c-two", ToolData{ToolName: "vote_b"}),
		mkNode("c-three", ToolData{ToolName: "vote_c"}),
	}, []Edge{
		{"a-in", "b-par"},
		{"b-par", "c-one"}, {"b-par", "c-two"}, {"b-par", "c-three"},
	})

	inv := &valueInvoker{values: map[string]any{
		"vote_a": "healthy", "vote_b": "healthy", "vote_c": "degraded",
	}}
	e := NewExecutor(WithExecutorTools(testRegistry(t, inv, "vote_a", "vote_b", "vote_c")))
	res, err := e.Execute(context.Background(), testRC(), def, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.StepResults["b-par"] != "healthy" {
		t.Errorf("majority = %v", res.StepResults["b-par"])
	}

	// Three distinct answers: no strict majority.
	inv2 := &valueInvoker{values: map[string]any{
		"vote_a": "x", "vote_b": "y", "vote_c": "z",
	}}
	e2 := NewExecutor(WithExecutorTools(testRegistry(t, inv2, "vote_a", "vote_b", "vote_c")))
	_, err = e2.Execute(context.Background(), testRC(), def, nil)
	if KindOf(err) != KindExternalCloud {
		t.Fatalf("kind = %v, want ExternalCloud", KindOf(err))
	}
}

func TestParallelFirst(t *testing.T) {
	inv := &valueInvoker{
		values: map[string]any{"probe_a": "fast"},
		failOn: map[string]error{"probe_b": E(KindExternalCloud, "slow path down")},
	}
	e := NewExecutor(WithExecutorTools(testRegistry(t, inv, "probe_a", "probe_b")))

	res, err := e.Execute(context.Background(), testRC(), parallelDef(MergeFirst, ""), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.StepResults["b-par"] != "fast" {
		t.Errorf("first = %v", res.StepResults["b-par"])
	}
}

func TestApprovalInsideParallelRejected(t *testing.T) {
	e := NewExecutor()
	def := mkDef([]Node{
		mkNode("a-in", InputData{}),
		mkNode("b-par", ParallelData{BranchNodeIDs: []string{"c-gate", "c-plain"}}),
		mkNode("c-gate", ApprovalData{}),
		mkNode("c-plain", InputData{}),
	}, []Edge{
		{"a-in", "b-par"},
		{"b-par", "c-gate"}, {"b-par", "c-plain"},
	})

	_, err := e.Execute(context.Background(), testRC(), def, nil)
	if KindOf(err) != KindExternalCloud && KindOf(err) != KindValidation {
		t.Fatalf("kind = %v", KindOf(err))
	}
}

func aiProviders(t *testing.T, model *scriptedModel) *ProviderRegistry {
	t.Helper()
	reg, err := NewProviderRegistry(
		func(ProviderConfig) (LanguageModel, error) { return model, nil },
		[]ProviderConfig{{ID: "p1", Kind: ProviderOpenAI, Model: "gpt-4o", Models: []string{"gpt-4o-mini"}}},
	)
	if err != nil {
		t.Fatalf("NewProviderRegistry: %v", err)
	}
	return reg
}

func TestAIStepWithOutputSchema(t *testing.T) {
	model := &scriptedModel{responses: []ChatResponse{{
		Content: `{"severity":"high","action":"scale"}`,
		Usage:   Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}}}
	e := NewExecutor(WithExecutorProviders(aiProviders(t, model), "p1"))
	def := mkDef([]Node{
		mkNode("a-in", InputData{}),
		mkNode("b-triage", AIStepData{
			Prompt:       "Triage alert {{input.alert}}",
			OutputSchema: json.RawMessage(`{"type":"object","required":["severity"]}`),
		}),
	}, []Edge{{"a-in", "b-triage"}})

	res, err := e.Execute(context.Background(), testRC(), def, map[string]any{"alert": "cpu-high"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	step, _ := res.StepResults["b-triage"].(map[string]any)
	parsed, _ := step["parsed"].(map[string]any)
	if parsed["severity"] != "high" {
		t.Errorf("parsed = %v", parsed)
	}
	if step["model"] != "gpt-4o" {
		t.Errorf("model = %v", step["model"])
	}
	if res.Usage.TotalTokens != 15 {
		t.Errorf("usage = %+v", res.Usage)
	}
	// The prompt was interpolated before the call.
	model.mu.Lock()
	prompt := model.requests[0].Messages[len(model.requests[0].Messages)-1].Content
	model.mu.Unlock()
	if prompt != "Triage alert cpu-high" {
		t.Errorf("prompt = %q", prompt)
	}
}

func TestAIStepRejectsInvalidJSON(t *testing.T) {
	model := &scriptedModel{responses: []ChatResponse{{Content: "not json at all"}}}
	e := NewExecutor(WithExecutorProviders(aiProviders(t, model), "p1"))
	def := mkDef([]Node{
		mkNode("a-in", InputData{}),
		mkNode("b-step", AIStepData{
			Prompt:       "classify",
			OutputSchema: json.RawMessage(`{"type":"object"}`),
		}),
	}, []Edge{{"a-in", "b-step"}})

	_, err := e.Execute(context.Background(), testRC(), def, nil)
	if KindOf(err) != KindValidation {
		t.Fatalf("kind = %v, want Validation", KindOf(err))
	}
}

func TestAIStepModelAllowlist(t *testing.T) {
	model := &scriptedModel{responses: []ChatResponse{{Content: "ok"}, {Content: "ok"}}}
	e := NewExecutor(WithExecutorProviders(aiProviders(t, model), "p1"))

	run := func(requested string) string {
		def := mkDef([]Node{
			mkNode("a-in", InputData{}),
			mkNode("b-step", AIStepData{Prompt: "hi", Model: requested}),
		}, []Edge{{"a-in", "b-step"}})
		res, err := e.Execute(context.Background(), testRC(), def, nil)
		if err != nil {
			t.Fatalf("Execute(%s): %v", requested, err)
		}
		step, _ := res.StepResults["b-step"].(map[string]any)
		return step["model"].(string)
	}

	if got := run("gpt-4o-mini"); got != "gpt-4o-mini" {
		t.Errorf("allowlisted model = %s", got)
	}
	if got := run("gpt-99-unknown"); got != "gpt-4o" {
		t.Errorf("fallback model = %s", got)
	}
}

func TestExecuteEmitsStepEvents(t *testing.T) {
	bus := NewStreamBus()
	events, unsub := bus.Subscribe("run-7")
	defer unsub()

	inv := &valueInvoker{}
	e := NewExecutor(WithExecutorTools(testRegistry(t, inv, "t1")), WithExecutorBus(bus))
	def := mkDef([]Node{
		mkNode("a-in", InputData{}),
		mkNode("b-t1", ToolData{ToolName: "t1"}),
	}, []Edge{{"a-in", "b-t1"}})

	rc := testRC()
	rc.RunID = "run-7"
	if _, err := e.Execute(context.Background(), rc, def, nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var got []RunEvent
	timeout := time.After(time.Second)
	for len(got) < 4 {
		select {
		case ev := <-events:
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("timed out with %d events", len(got))
		}
	}
	if got[0].Stage != StageStart || got[0].NodeID != "a-in" {
		t.Errorf("first event = %+v", got[0])
	}
	if got[3].Stage != StageComplete || got[3].NodeID != "b-t1" {
		t.Errorf("last event = %+v", got[3])
	}
}

func TestExecuteFailureCarriesPartialResult(t *testing.T) {
	inv := &valueInvoker{
		values: map[string]any{"create_vm": map[string]any{"id": "vm-1"}},
		failOn: map[string]error{"attach_volume": E(KindExternalCloud, "volume unavailable")},
	}
	e := NewExecutor(WithExecutorTools(testRegistry(t, inv, "create_vm", "attach_volume", "delete_vm")))
	def := mkDef([]Node{
		mkNode("a-in", InputData{}),
		mkNode("b-create", ToolData{
			ToolName:   "create_vm",
			Compensate: &CompensateSpec{ToolName: "delete_vm", Args: map[string]any{"id": "{{result.id}}"}},
		}),
		mkNode("c-attach", ToolData{ToolName: "attach_volume"}),
	}, []Edge{{"a-in", "b-create"}, {"b-create", "c-attach"}})

	res, err := e.Execute(context.Background(), testRC(), def, nil)
	if KindOf(err) != KindExternalCloud {
		t.Fatalf("kind = %v", KindOf(err))
	}
	if res == nil || res.FailedNodeID != "c-attach" {
		t.Fatalf("result = %+v", res)
	}
	entries := res.Compensation.Entries()
	if len(entries) != 1 || entries[0].Args["id"] != "vm-1" {
		t.Errorf("compensation = %+v", entries)
	}
}
