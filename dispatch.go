package deckhand

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

// DefaultMaxLoopIterations caps loop nodes that set no explicit bound.
const DefaultMaxLoopIterations = 100

// dispatch executes one node and returns its result value. A returned
// errSuspendRun pauses the run; any other error fails it.
func (e *Executor) dispatch(ctx context.Context, st *execState, node *Node) (any, error) {
	switch data := node.Data.(type) {
	case InputData:
		return st.input, nil
	case OutputData:
		return e.dispatchOutput(st, data), nil
	case ToolData:
		return e.dispatchTool(ctx, st, node, data)
	case ConditionData:
		return e.dispatchCondition(st, node, data)
	case ApprovalData:
		if st.parent != nil {
			return nil, Errorf(KindValidation, "approval node %q cannot suspend inside a parallel branch", node.ID)
		}
		return nil, errSuspendRun
	case AIStepData:
		return e.dispatchAIStep(ctx, st, data)
	case LoopData:
		return e.dispatchLoop(ctx, st, node, data)
	case ParallelData:
		return e.dispatchParallel(ctx, st, node, data)
	default:
		return nil, Errorf(KindInternal, "node %q has unhandled kind %q", node.ID, node.Kind)
	}
}

// dispatchOutput resolves the output mapping against step results.
// Without a mapping, the run output is every step result.
func (e *Executor) dispatchOutput(st *execState, data OutputData) map[string]any {
	results := st.resultsSnapshot()
	if len(data.OutputMapping) == 0 {
		return results
	}
	out := make(map[string]any, len(data.OutputMapping))
	for field, path := range data.OutputMapping {
		if v, ok := lookupPath(results, path); ok {
			out[field] = v
		}
	}
	return out
}

// dispatchTool interpolates args, invokes the tool through the registry,
// and records the compensation entry on success. Workflow tool nodes run
// in agent context: approval nodes gate them, not execution tokens.
func (e *Executor) dispatchTool(ctx context.Context, st *execState, node *Node, data ToolData) (any, error) {
	if e.tools == nil {
		return nil, E(KindInternal, "no tool registry configured")
	}
	scope := st.scope(nil)
	args, _ := interpolateValue(data.Args, scope).(map[string]any)
	value, err := e.tools.Invoke(ctx, data.ToolName, args)
	if err != nil {
		return nil, err
	}
	if data.Compensate != nil {
		// Resolve compensation args now: replay must not depend on
		// re-evaluating templates against state that no longer exists.
		compScope := st.scope(value)
		compArgs, _ := interpolateValue(data.Compensate.Args, compScope).(map[string]any)
		st.pushComp(CompensationEntry{
			NodeID:   node.ID,
			ToolName: data.Compensate.ToolName,
			Args:     compArgs,
		})
	}
	return value, nil
}

// dispatchCondition evaluates the expression and prunes every node
// reachable only through the branch not taken.
func (e *Executor) dispatchCondition(st *execState, node *Node, data ConditionData) (any, error) {
	scope := st.scope(e.predecessorResult(st, node.ID))
	value, err := EvalCondition(data.Expression, scope)
	if err != nil {
		return nil, Errorf(KindValidation, "condition node %q expression failed", node.ID).Wrap(err)
	}

	taken, pruned := data.TrueBranch, data.FalseBranch
	if !value {
		taken, pruned = data.FalseBranch, data.TrueBranch
	}
	e.pruneBranch(st, taken, pruned)

	return map[string]any{
		"conditionResult": value,
		"expression":      data.Expression,
		"branch":          taken,
	}, nil
}

// pruneBranch marks the pruned branch and everything reachable only
// through it as skipped. Nodes also reachable from the taken branch
// survive: both paths converge on them.
func (e *Executor) pruneBranch(st *execState, taken, pruned string) {
	if pruned == "" || pruned == taken {
		return
	}
	prunedSet := st.def.reachableFrom(pruned)
	if taken != "" {
		for id := range st.def.reachableFrom(taken) {
			delete(prunedSet, id)
		}
	}
	st.mu.Lock()
	for id := range prunedSet {
		if !st.completed[id] {
			st.skipped[id] = true
		}
	}
	st.mu.Unlock()
}

// predecessorResult returns the result of the node's first completed
// predecessor in id order, or nil.
func (e *Executor) predecessorResult(st *execState, nodeID string) any {
	preds := st.def.predecessors()[nodeID]
	sort.Strings(preds)
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, id := range preds {
		if v, ok := st.results[id]; ok {
			return v
		}
	}
	return nil
}

// dispatchAIStep interpolates the prompt, resolves the model against the
// provider allowlist, and calls the language model. With an output
// schema, the completion must parse as matching JSON.
func (e *Executor) dispatchAIStep(ctx context.Context, st *execState, data AIStepData) (any, error) {
	if e.providers == nil {
		return nil, E(KindInternal, "no provider registry configured")
	}
	providerID := data.Provider
	if providerID == "" {
		providerID = e.defaultProvider
	}
	model, err := e.providers.Get(ctx, providerID)
	if err != nil {
		return nil, err
	}
	cfg, _ := e.providers.Config(providerID)

	scope := st.scope(nil)
	req := ChatRequest{
		Model:       cfg.ResolveModel(data.Model),
		Temperature: data.Temperature,
		MaxTokens:   data.MaxTokens,
	}
	if data.SystemPrompt != "" {
		req.Messages = append(req.Messages, ChatMessage{Role: RoleSystem, Content: Interpolate(data.SystemPrompt, scope)})
	}
	req.Messages = append(req.Messages, ChatMessage{Role: RoleUser, Content: Interpolate(data.Prompt, scope)})

	resp, err := model.Chat(ctx, req)
	if err != nil {
		var de *Error
		if errors.As(err, &de) {
			return nil, err
		}
		return nil, Errorf(KindLanguageModel, "model call failed").Wrap(err)
	}
	st.addUsage(resp.Usage)

	result := map[string]any{
		"text":  resp.Content,
		"model": req.Model,
		"usage": resp.Usage,
	}
	if len(data.OutputSchema) > 0 {
		var parsed any
		if err := json.Unmarshal([]byte(resp.Content), &parsed); err != nil {
			return nil, E(KindValidation, "model output is not valid JSON").Wrap(err)
		}
		if err := validateJSONAgainstSchema(parsed, data.OutputSchema); err != nil {
			return nil, E(KindValidation, "model output violates the output schema").Wrap(err)
		}
		result["parsed"] = parsed
	}
	return result, nil
}

// dispatchLoop evaluates the iterator expression and produces one
// binding record per iteration. Each iteration charges the step budget.
func (e *Executor) dispatchLoop(ctx context.Context, st *execState, node *Node, data LoopData) (any, error) {
	scope := st.scope(nil)
	iterated, err := EvalExpression(data.IteratorExpression, scope)
	if err != nil {
		return nil, Errorf(KindValidation, "loop node %q iterator failed", node.ID).Wrap(err)
	}
	items, ok := iterated.([]any)
	if !ok {
		return nil, Errorf(KindValidation, "loop node %q iterator is not a sequence", node.ID).
			With("got", fmt.Sprintf("%T", iterated))
	}

	itemVar := data.IterationVariable
	if itemVar == "" {
		itemVar = "item"
	}
	indexVar := data.IndexVariable
	if indexVar == "" {
		indexVar = "index"
	}
	maxIter := data.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxLoopIterations
	}
	if len(items) > maxIter {
		items = items[:maxIter]
	}
	mode := data.ExecutionMode
	if mode == "" {
		mode = LoopSequential
	}

	iterations := make([]any, 0, len(items))
	breakTriggered := false
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, Errorf(KindValidation, "loop node %q canceled", node.ID).Wrap(err)
		}
		if err := st.charge(e, node.ID); err != nil {
			return nil, err
		}
		iterScope := st.scope(nil)
		iterScope[itemVar] = item
		iterScope[indexVar] = i

		// Break applies between sequential iterations only; parallel
		// iterations are independent by definition.
		if mode == LoopSequential && data.BreakCondition != "" {
			brk, err := EvalCondition(data.BreakCondition, iterScope)
			if err != nil {
				return nil, Errorf(KindValidation, "loop node %q break condition failed", node.ID).Wrap(err)
			}
			if brk {
				breakTriggered = true
				break
			}
		}
		iterations = append(iterations, map[string]any{
			itemVar:  item,
			indexVar: i,
		})
	}

	return map[string]any{
		"iterations":      iterations,
		"totalIterations": len(iterations),
		"breakTriggered":  breakTriggered,
		"executionMode":   mode,
	}, nil
}

// branchOutcome is the result of one parallel branch subtree.
type branchOutcome struct {
	root    string
	value   any
	results map[string]any
	err     error
}

// dispatchParallel runs the subtrees rooted at each branch node
// concurrently and merges their results according to the configured
// strategy. The parent is the single writer into the shared result map:
// branch results land only after the join.
func (e *Executor) dispatchParallel(ctx context.Context, st *execState, node *Node, data ParallelData) (any, error) {
	subtrees := e.branchSubtrees(st.def, data.BranchNodeIDs)

	strategy := data.MergeStrategy
	if strategy == "" {
		strategy = MergeAll
	}
	handling := data.ErrorHandling
	if handling == "" {
		handling = ErrorsFailFast
	}

	branchCtx := ctx
	var cancel context.CancelFunc
	if data.TimeoutMS > 0 {
		branchCtx, cancel = context.WithTimeout(ctx, time.Duration(data.TimeoutMS)*time.Millisecond)
	} else {
		branchCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	done := make(chan branchOutcome, len(data.BranchNodeIDs))
	for i, rootID := range data.BranchNodeIDs {
		go func(rootID string, subtree map[string]bool) {
			defer func() {
				if r := recover(); r != nil {
					done <- branchOutcome{root: rootID, err: Errorf(KindInternal, "branch %q panicked: %v", rootID, r)}
				}
			}()
			value, results, err := e.runBranch(branchCtx, st, rootID, subtree)
			done <- branchOutcome{root: rootID, value: value, results: results, err: err}
		}(rootID, subtrees[i])
	}

	outcomes := make(map[string]branchOutcome, len(data.BranchNodeIDs))
	var firstSuccess *branchOutcome
	for range data.BranchNodeIDs {
		out := <-done
		outcomes[out.root] = out
		if out.err != nil && handling == ErrorsFailFast && strategy != MergeFirst {
			cancel()
			e.drainBranches(done, outcomes, len(data.BranchNodeIDs))
			e.mergeBranches(st, subtrees, outcomes)
			return nil, Errorf(KindExternalCloud, "parallel node %q branch %q failed", node.ID, out.root).
				Wrap(out.err).With("branch", out.root)
		}
		if out.err == nil && firstSuccess == nil {
			o := out
			firstSuccess = &o
			if strategy == MergeFirst {
				cancel()
				e.drainBranches(done, outcomes, len(data.BranchNodeIDs))
				break
			}
		}
	}
	e.mergeBranches(st, subtrees, outcomes)

	ordered := make([]branchOutcome, len(data.BranchNodeIDs))
	for i, rootID := range data.BranchNodeIDs {
		ordered[i] = outcomes[rootID]
	}
	return e.mergeValue(node, strategy, handling, ordered, firstSuccess)
}

// drainBranches collects outcomes still in flight after an early exit so
// no branch goroutine is left blocked on the channel.
func (e *Executor) drainBranches(done chan branchOutcome, outcomes map[string]branchOutcome, total int) {
	for len(outcomes) < total {
		out := <-done
		outcomes[out.root] = out
	}
}

// mergeBranches publishes branch-local results into the parent state.
// Only the parent writes here, after every branch has stopped.
func (e *Executor) mergeBranches(st *execState, subtrees []map[string]bool, outcomes map[string]branchOutcome) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, out := range outcomes {
		for id, v := range out.results {
			st.results[id] = v
			st.completed[id] = true
		}
	}
	// Branch subtree nodes never re-dispatch on the main walk, finished
	// or not.
	for _, subtree := range subtrees {
		for id := range subtree {
			if !st.completed[id] {
				st.skipped[id] = true
			}
		}
	}
}

func (e *Executor) mergeValue(node *Node, strategy, handling string, ordered []branchOutcome, firstSuccess *branchOutcome) (any, error) {
	var values []any
	var errs []string
	failed := 0
	for _, out := range ordered {
		if out.err != nil {
			failed++
			errs = append(errs, sanitizedMessage(out.err))
			values = append(values, nil)
			continue
		}
		values = append(values, out.value)
	}

	if handling == ErrorsCollect {
		return map[string]any{"results": values, "errors": errs}, nil
	}
	if strategy == MergeFirst {
		if firstSuccess == nil {
			return nil, Errorf(KindExternalCloud, "parallel node %q: every branch failed", node.ID).
				With("errors", errs)
		}
		return firstSuccess.value, nil
	}
	if failed == len(ordered) {
		return nil, Errorf(KindExternalCloud, "parallel node %q: every branch failed", node.ID).
			With("errors", errs)
	}
	if handling == ErrorsFailFast && failed > 0 {
		// MergeFirst is handled above; fail-fast with any other strategy
		// has already aborted in the collection loop.
		return nil, Errorf(KindExternalCloud, "parallel node %q branch failed", node.ID).With("errors", errs)
	}

	switch strategy {
	case MergeMajority:
		return majorityValue(node, ordered)
	default: // MergeAll
		return values, nil
	}
}

// majorityValue returns the most common successful branch value by
// canonical JSON. It is an error unless that value holds a strict
// majority of all branches.
func majorityValue(node *Node, ordered []branchOutcome) (any, error) {
	counts := make(map[string]int)
	sample := make(map[string]any)
	for _, out := range ordered {
		if out.err != nil {
			continue
		}
		key, err := json.Marshal(out.value)
		if err != nil {
			continue
		}
		counts[string(key)]++
		sample[string(key)] = out.value
	}
	bestKey, bestCount := "", 0
	for key, n := range counts {
		if n > bestCount || (n == bestCount && key < bestKey) {
			bestKey, bestCount = key, n
		}
	}
	if bestCount*2 <= len(ordered) {
		return nil, Errorf(KindExternalCloud, "parallel node %q: no majority result", node.ID).
			With("best", bestCount).With("branches", len(ordered))
	}
	return sample[bestKey], nil
}

// runBranch executes the nodes of one branch subtree sequentially on a
// forked state. The branch value is the result of the subtree's last
// node in topological order.
func (e *Executor) runBranch(ctx context.Context, st *execState, rootID string, subtree map[string]bool) (any, map[string]any, error) {
	child := st.fork()
	local := make(map[string]any)
	var last any

	for _, id := range st.def.topoOrder() {
		if !subtree[id] {
			continue
		}
		child.mu.Lock()
		done := child.completed[id] || child.skipped[id]
		child.mu.Unlock()
		if done {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, local, Errorf(KindExternalCloud, "branch %q canceled", rootID).Wrap(err)
		}
		node := st.def.Node(id)
		if err := child.charge(e, id); err != nil {
			return nil, local, err
		}

		start := time.Now()
		e.emitStep(child, node, StageStart, 0, "")
		value, err := e.dispatch(ctx, child, node)
		elapsed := time.Since(start).Milliseconds()
		if err != nil {
			e.emitStep(child, node, StageError, elapsed, sanitizedMessage(err))
			return nil, local, err
		}
		child.setResult(id, value)
		local[id] = value
		last = value
		e.emitStep(child, node, StageComplete, elapsed, "")
	}
	return last, local, nil
}

// branchSubtrees computes, for each branch root, the set of nodes
// reachable only through that root. Nodes reachable from two branch
// roots belong to neither subtree: they are join points the main walk
// dispatches after the parallel node completes.
func (e *Executor) branchSubtrees(def *WorkflowDefinition, roots []string) []map[string]bool {
	reach := make([]map[string]bool, len(roots))
	shared := make(map[string]int)
	for i, root := range roots {
		reach[i] = def.reachableFrom(root)
		for id := range reach[i] {
			shared[id]++
		}
	}
	subtrees := make([]map[string]bool, len(roots))
	for i := range roots {
		subtrees[i] = make(map[string]bool, len(reach[i]))
		for id := range reach[i] {
			if shared[id] == 1 {
				subtrees[i][id] = true
			}
		}
	}
	return subtrees
}
