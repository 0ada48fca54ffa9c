package deckhand

import (
	"encoding/json"
	"fmt"
	"sort"
)

// NodeKind discriminates the node tagged union.
type NodeKind string

const (
	NodeInput     NodeKind = "input"
	NodeOutput    NodeKind = "output"
	NodeTool      NodeKind = "tool"
	NodeCondition NodeKind = "condition"
	NodeApproval  NodeKind = "approval"
	NodeAIStep    NodeKind = "ai-step"
	NodeLoop      NodeKind = "loop"
	NodeParallel  NodeKind = "parallel"
)

// DefinitionStatus is the publication state of a workflow definition.
type DefinitionStatus string

const (
	DefinitionDraft     DefinitionStatus = "draft"
	DefinitionPublished DefinitionStatus = "published"
	DefinitionArchived  DefinitionStatus = "archived"
)

// WorkflowDefinition is a directed acyclic graph of heterogeneous nodes.
// Parse once with ParseDefinition (or unmarshal + Validate); the executor
// assumes a validated definition.
type WorkflowDefinition struct {
	ID      string           `json:"id"`
	Name    string           `json:"name,omitempty"`
	Version int              `json:"version"`
	Status  DefinitionStatus `json:"status,omitempty"`
	Nodes   []Node           `json:"nodes"`
	Edges   []Edge           `json:"edges"`
}

// Edge is a directed dependency: To runs after From.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// NodeData is the per-kind payload of a node.
type NodeData interface {
	nodeKind() NodeKind
}

// Node is one step in the graph. Data holds the kind-specific payload,
// decoded and shape-checked during unmarshaling.
type Node struct {
	ID   string
	Kind NodeKind
	Data NodeData
}

// InputData has no configuration; the node's result is the run input.
type InputData struct{}

// OutputData maps run output keys to "nodeId.path" references.
// An empty mapping returns all step results.
type OutputData struct {
	OutputMapping map[string]string `json:"outputMapping,omitempty"`
}

// CompensateSpec names the inverse action replayed if the run fails
// after this tool succeeded. Args interpolate against step results.
type CompensateSpec struct {
	ToolName string         `json:"toolName"`
	Args     map[string]any `json:"args,omitempty"`
}

// ToolData invokes a registered tool.
type ToolData struct {
	ToolName   string          `json:"toolName"`
	Args       map[string]any  `json:"args,omitempty"`
	Compensate *CompensateSpec `json:"compensate,omitempty"`
}

// ConditionData evaluates an expression and prunes the not-taken branch.
type ConditionData struct {
	Expression  string `json:"expression"`
	TrueBranch  string `json:"trueBranch,omitempty"`
	FalseBranch string `json:"falseBranch,omitempty"`
}

// ApprovalData suspends the run until a human decision arrives.
type ApprovalData struct {
	Message string        `json:"message,omitempty"`
	Level   ApprovalLevel `json:"approvalLevel,omitempty"`
}

// AIStepData calls a language model. Prompt and SystemPrompt support
// {{path}} interpolation against step results. When OutputSchema is set,
// the completion text must parse as JSON matching it.
type AIStepData struct {
	Prompt       string          `json:"prompt"`
	SystemPrompt string          `json:"systemPrompt,omitempty"`
	Provider     string          `json:"provider,omitempty"`
	Model        string          `json:"model,omitempty"`
	Temperature  *float64        `json:"temperature,omitempty"`
	MaxTokens    int             `json:"maxTokens,omitempty"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
}

// Loop execution modes.
const (
	LoopSequential = "sequential"
	LoopParallel   = "parallel"
)

// LoopData iterates over a sequence produced by IteratorExpression,
// binding each element and its index into the iteration record.
type LoopData struct {
	IteratorExpression string `json:"iteratorExpression"`
	IterationVariable  string `json:"iterationVariable,omitempty"`
	IndexVariable      string `json:"indexVariable,omitempty"`
	MaxIterations      int    `json:"maxIterations,omitempty"`
	BreakCondition     string `json:"breakCondition,omitempty"`
	ExecutionMode      string `json:"executionMode,omitempty"`
}

// Parallel merge strategies.
const (
	MergeAll      = "all"
	MergeFirst    = "first"
	MergeMajority = "majority"
)

// Parallel error handling modes.
const (
	ErrorsFailFast = "fail-fast"
	ErrorsContinue = "continue"
	ErrorsCollect  = "collect"
)

// ParallelData fans out the subtrees rooted at BranchNodeIDs.
type ParallelData struct {
	BranchNodeIDs []string `json:"branchNodeIds"`
	MergeStrategy string   `json:"mergeStrategy,omitempty"`
	ErrorHandling string   `json:"errorHandling,omitempty"`
	TimeoutMS     int      `json:"timeoutMs,omitempty"`
}

func (InputData) nodeKind() NodeKind     { return NodeInput }
func (OutputData) nodeKind() NodeKind    { return NodeOutput }
func (ToolData) nodeKind() NodeKind      { return NodeTool }
func (ConditionData) nodeKind() NodeKind { return NodeCondition }
func (ApprovalData) nodeKind() NodeKind  { return NodeApproval }
func (AIStepData) nodeKind() NodeKind    { return NodeAIStep }
func (LoopData) nodeKind() NodeKind      { return NodeLoop }
func (ParallelData) nodeKind() NodeKind  { return NodeParallel }

type nodeWire struct {
	ID   string          `json:"id"`
	Kind NodeKind        `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

// UnmarshalJSON decodes the wire form {"id","kind","data"} and dispatches
// the data payload into the kind's typed struct.
func (n *Node) UnmarshalJSON(b []byte) error {
	var w nodeWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	data, err := decodeNodeData(w.Kind, w.Data)
	if err != nil {
		return fmt.Errorf("node %q: %w", w.ID, err)
	}
	n.ID = w.ID
	n.Kind = w.Kind
	n.Data = data
	return nil
}

// MarshalJSON re-emits the wire form.
func (n Node) MarshalJSON() ([]byte, error) {
	var data json.RawMessage
	if n.Data != nil {
		b, err := json.Marshal(n.Data)
		if err != nil {
			return nil, err
		}
		data = b
	}
	return json.Marshal(nodeWire{ID: n.ID, Kind: n.Kind, Data: data})
}

func decodeNodeData(kind NodeKind, raw json.RawMessage) (NodeData, error) {
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	var (
		data NodeData
		err  error
	)
	switch kind {
	case NodeInput:
		var d InputData
		err = json.Unmarshal(raw, &d)
		data = d
	case NodeOutput:
		var d OutputData
		err = json.Unmarshal(raw, &d)
		data = d
	case NodeTool:
		var d ToolData
		err = json.Unmarshal(raw, &d)
		data = d
	case NodeCondition:
		var d ConditionData
		err = json.Unmarshal(raw, &d)
		data = d
	case NodeApproval:
		var d ApprovalData
		err = json.Unmarshal(raw, &d)
		data = d
	case NodeAIStep:
		var d AIStepData
		err = json.Unmarshal(raw, &d)
		data = d
	case NodeLoop:
		var d LoopData
		err = json.Unmarshal(raw, &d)
		data = d
	case NodeParallel:
		var d ParallelData
		err = json.Unmarshal(raw, &d)
		data = d
	default:
		return nil, fmt.Errorf("unknown node kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s data: %w", kind, err)
	}
	return data, nil
}

// ParseDefinition decodes and validates a JSON workflow definition.
func ParseDefinition(b []byte) (*WorkflowDefinition, error) {
	var def WorkflowDefinition
	if err := json.Unmarshal(b, &def); err != nil {
		return nil, E(KindValidation, "malformed workflow definition").Wrap(err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks structural integrity: unique known nodes, edges over
// existing endpoints, per-kind payload requirements, and acyclicity.
func (d *WorkflowDefinition) Validate() error {
	if len(d.Nodes) == 0 {
		return E(KindValidation, "workflow has no nodes")
	}
	byID := make(map[string]*Node, len(d.Nodes))
	for i := range d.Nodes {
		n := &d.Nodes[i]
		if n.ID == "" {
			return E(KindValidation, "node with empty id")
		}
		if _, dup := byID[n.ID]; dup {
			return Errorf(KindValidation, "duplicate node id %q", n.ID)
		}
		if n.Data == nil {
			return Errorf(KindValidation, "node %q has no data", n.ID)
		}
		byID[n.ID] = n
	}

	seen := make(map[Edge]bool, len(d.Edges))
	for _, e := range d.Edges {
		if _, ok := byID[e.From]; !ok {
			return Errorf(KindValidation, "edge references unknown node %q", e.From)
		}
		if _, ok := byID[e.To]; !ok {
			return Errorf(KindValidation, "edge references unknown node %q", e.To)
		}
		if e.From == e.To {
			return Errorf(KindValidation, "self edge on node %q", e.From)
		}
		if seen[e] {
			return Errorf(KindValidation, "duplicate edge %s -> %s", e.From, e.To)
		}
		seen[e] = true
	}

	for i := range d.Nodes {
		if err := validateNodeData(&d.Nodes[i], byID); err != nil {
			return err
		}
	}

	if cycle := d.findCycle(); len(cycle) > 0 {
		return Errorf(KindValidation, "workflow graph has a cycle through %q", cycle[0]).
			With("nodes", cycle)
	}
	return nil
}

func validateNodeData(n *Node, byID map[string]*Node) error {
	switch data := n.Data.(type) {
	case ToolData:
		if data.ToolName == "" {
			return Errorf(KindValidation, "tool node %q missing toolName", n.ID)
		}
		if data.Compensate != nil && data.Compensate.ToolName == "" {
			return Errorf(KindValidation, "tool node %q compensate missing toolName", n.ID)
		}
	case ConditionData:
		if data.Expression == "" {
			return Errorf(KindValidation, "condition node %q missing expression", n.ID)
		}
		for _, branch := range []string{data.TrueBranch, data.FalseBranch} {
			if branch == "" {
				continue
			}
			if _, ok := byID[branch]; !ok {
				return Errorf(KindValidation, "condition node %q branch references unknown node %q", n.ID, branch)
			}
		}
	case ApprovalData:
		if data.Level != "" && !data.Level.Valid() {
			return Errorf(KindValidation, "approval node %q has unknown level %q", n.ID, data.Level)
		}
	case AIStepData:
		if data.Prompt == "" {
			return Errorf(KindValidation, "ai-step node %q missing prompt", n.ID)
		}
	case LoopData:
		if data.IteratorExpression == "" {
			return Errorf(KindValidation, "loop node %q missing iteratorExpression", n.ID)
		}
		switch data.ExecutionMode {
		case "", LoopSequential, LoopParallel:
		default:
			return Errorf(KindValidation, "loop node %q has unknown executionMode %q", n.ID, data.ExecutionMode)
		}
		if data.MaxIterations < 0 {
			return Errorf(KindValidation, "loop node %q has negative maxIterations", n.ID)
		}
	case ParallelData:
		if len(data.BranchNodeIDs) == 0 {
			return Errorf(KindValidation, "parallel node %q has no branches", n.ID)
		}
		for _, id := range data.BranchNodeIDs {
			if _, ok := byID[id]; !ok {
				return Errorf(KindValidation, "parallel node %q branch references unknown node %q", n.ID, id)
			}
		}
		switch data.MergeStrategy {
		case "", MergeAll, MergeFirst, MergeMajority:
		default:
			return Errorf(KindValidation, "parallel node %q has unknown mergeStrategy %q", n.ID, data.MergeStrategy)
		}
		switch data.ErrorHandling {
		case "", ErrorsFailFast, ErrorsContinue, ErrorsCollect:
		default:
			return Errorf(KindValidation, "parallel node %q has unknown errorHandling %q", n.ID, data.ErrorHandling)
		}
	}
	return nil
}

// Node returns the node with the given id, or nil.
func (d *WorkflowDefinition) Node(id string) *Node {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i]
		}
	}
	return nil
}

// successors returns adjacency (from -> to...) for the whole graph.
func (d *WorkflowDefinition) successors() map[string][]string {
	adj := make(map[string][]string, len(d.Nodes))
	for _, e := range d.Edges {
		adj[e.From] = append(adj[e.From], e.To)
	}
	return adj
}

// predecessors returns reverse adjacency (to -> from...).
func (d *WorkflowDefinition) predecessors() map[string][]string {
	rev := make(map[string][]string, len(d.Nodes))
	for _, e := range d.Edges {
		rev[e.To] = append(rev[e.To], e.From)
	}
	return rev
}

// findCycle runs Kahn's algorithm and returns the node ids left with
// nonzero in-degree (all of them sit on or downstream of a cycle),
// sorted for determinism. Empty means acyclic.
func (d *WorkflowDefinition) findCycle() []string {
	indeg := make(map[string]int, len(d.Nodes))
	for _, n := range d.Nodes {
		indeg[n.ID] = 0
	}
	adj := d.successors()
	for _, e := range d.Edges {
		indeg[e.To]++
	}

	queue := make([]string, 0, len(d.Nodes))
	for id, deg := range indeg {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range adj[id] {
			indeg[next]--
			if indeg[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited == len(d.Nodes) {
		return nil
	}
	remaining := make([]string, 0, len(d.Nodes)-visited)
	for id, deg := range indeg {
		if deg > 0 {
			remaining = append(remaining, id)
		}
	}
	sort.Strings(remaining)
	return remaining
}

// topoOrder returns a deterministic topological order: Kahn's algorithm
// with ready nodes drained in ascending node-id order. Callers must
// have validated acyclicity first.
func (d *WorkflowDefinition) topoOrder() []string {
	indeg := make(map[string]int, len(d.Nodes))
	for _, n := range d.Nodes {
		indeg[n.ID] = 0
	}
	adj := d.successors()
	for _, e := range d.Edges {
		indeg[e.To]++
	}

	ready := make([]string, 0, len(d.Nodes))
	for _, n := range d.Nodes {
		if indeg[n.ID] == 0 {
			ready = append(ready, n.ID)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(d.Nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		released := make([]string, 0, len(adj[id]))
		for _, next := range adj[id] {
			indeg[next]--
			if indeg[next] == 0 {
				released = append(released, next)
			}
		}
		sort.Strings(released)
		// Merge keeps the ready pool sorted without re-sorting each round.
		ready = mergeSorted(ready, released)
	}
	return order
}

func mergeSorted(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	out := make([]string, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i] <= b[j] {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}

// reachableFrom walks successor edges from start (inclusive) and returns
// the reached set.
func (d *WorkflowDefinition) reachableFrom(start string) map[string]bool {
	adj := d.successors()
	seen := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range adj[id] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return seen
}
