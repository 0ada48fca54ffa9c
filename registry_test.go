package deckhand

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"
)

var instanceSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"instanceId": {"type": "string"},
		"force": {"type": "boolean"}
	},
	"required": ["instanceId"],
	"additionalProperties": false
}`)

func computeTool(name string, level ApprovalLevel) ToolDefinition {
	return ToolDefinition{
		Name:          name,
		Description:   "manage a compute instance",
		Category:      CategoryCompute,
		ApprovalLevel: level,
		Parameters:    instanceSchema,
	}
}

func TestRegistryRegisterAndResolve(t *testing.T) {
	r := NewToolRegistry()
	if err := r.Register(computeTool("restart_instance", ApprovalConfirm)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	tool, err := r.Resolve("restart_instance")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if tool.Definition.Category != CategoryCompute {
		t.Errorf("Category = %s", tool.Definition.Category)
	}
	if !tool.Definition.ApprovalLevel.RequiresApproval() {
		t.Error("confirm level should require approval")
	}

	if _, err := r.Resolve("no_such_tool"); KindOf(err) != KindNotFound {
		t.Errorf("kind = %v, want NotFound", KindOf(err))
	}
}

func TestRegistryRegisterRejects(t *testing.T) {
	r := NewToolRegistry()
	if err := r.Register(computeTool("dup", ApprovalAuto)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	tests := []struct {
		name string
		def  ToolDefinition
	}{
		{"empty name", ToolDefinition{Category: CategoryCompute, ApprovalLevel: ApprovalAuto}},
		{"bad category", ToolDefinition{Name: "x", Category: "quantum", ApprovalLevel: ApprovalAuto}},
		{"bad level", ToolDefinition{Name: "x", Category: CategoryCompute, ApprovalLevel: "maybe"}},
		{"duplicate", computeTool("dup", ApprovalAuto)},
		{"bad schema", ToolDefinition{
			Name: "x", Category: CategoryCompute, ApprovalLevel: ApprovalAuto,
			Parameters: json.RawMessage(`{"type": 42}`),
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := r.Register(tt.def); KindOf(err) != KindValidation {
				t.Errorf("kind = %v, want Validation", KindOf(err))
			}
		})
	}
}

func TestRegistryCategories(t *testing.T) {
	valid := []ToolCategory{
		CategoryCompute, CategoryNetworking, CategoryStorage, CategoryDatabase,
		CategoryIdentity, CategoryObservability, CategoryPricing, CategorySearch,
		CategoryBilling, CategoryLogging,
	}
	for _, c := range valid {
		if !c.Valid() {
			t.Errorf("category %q not valid", c)
		}
	}
	if ToolCategory("filesystem").Valid() {
		t.Error("unknown category accepted")
	}
}

func TestRegistryValidateArgs(t *testing.T) {
	r := NewToolRegistry()
	if err := r.Register(computeTool("stop_instance", ApprovalConfirm)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	tests := []struct {
		name    string
		args    map[string]any
		wantErr bool
	}{
		{"valid", map[string]any{"instanceId": "ocid1.instance.oc1..x"}, false},
		{"valid with force", map[string]any{"instanceId": "i-1", "force": true}, false},
		{"missing required", map[string]any{"force": true}, true},
		{"wrong type", map[string]any{"instanceId": 42}, true},
		{"extra property", map[string]any{"instanceId": "i-1", "color": "red"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.ValidateArgs("stop_instance", tt.args)
			if tt.wantErr {
				if KindOf(err) != KindValidation {
					t.Errorf("kind = %v, want Validation", KindOf(err))
				}
			} else if err != nil {
				t.Errorf("ValidateArgs: %v", err)
			}
		})
	}
}

func TestRegistryValidateArgsNilArgs(t *testing.T) {
	r := NewToolRegistry()
	def := ToolDefinition{
		Name:          "list_instances",
		Category:      CategoryCompute,
		ApprovalLevel: ApprovalAuto,
		Parameters:    json.RawMessage(`{"type": "object"}`),
	}
	if err := r.Register(def); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.ValidateArgs("list_instances", nil); err != nil {
		t.Errorf("nil args rejected: %v", err)
	}
}

func TestRegistryListSorted(t *testing.T) {
	r := NewToolRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		def := computeTool(name, ApprovalAuto)
		if err := r.Register(def); err != nil {
			t.Fatalf("Register %s: %v", name, err)
		}
	}
	list := r.List()
	if len(list) != 3 {
		t.Fatalf("List len = %d", len(list))
	}
	if list[0].Name != "alpha" || list[1].Name != "mid" || list[2].Name != "zeta" {
		t.Errorf("List order: %s, %s, %s", list[0].Name, list[1].Name, list[2].Name)
	}
}

func TestRegistryInvoke(t *testing.T) {
	inv := &recordingInvoker{}
	r := NewToolRegistry(WithInvoker(inv))
	if err := r.Register(computeTool("restart_instance", ApprovalConfirm)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	result, err := r.Invoke(context.Background(), "restart_instance", map[string]any{"instanceId": "i-1"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if result.(map[string]any)["ok"] != true {
		t.Errorf("result = %v", result)
	}

	// Invalid args never reach the invoker.
	before := len(inv.calls)
	if _, err := r.Invoke(context.Background(), "restart_instance", map[string]any{}); KindOf(err) != KindValidation {
		t.Errorf("kind = %v, want Validation", KindOf(err))
	}
	if len(inv.calls) != before {
		t.Error("invalid args reached the invoker")
	}

	// Unknown tools fail before the invoker too.
	if _, err := r.Invoke(context.Background(), "ghost", nil); KindOf(err) != KindNotFound {
		t.Errorf("kind = %v, want NotFound", KindOf(err))
	}
}

func TestRegistryInvokeClassifiesErrors(t *testing.T) {
	r := NewToolRegistry(WithInvoker(ToolInvokerFunc(
		func(context.Context, string, map[string]any) (any, error) {
			return nil, context.DeadlineExceeded
		})))
	if err := r.Register(computeTool("flaky_op", ApprovalAuto)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	_, err := r.Invoke(context.Background(), "flaky_op", map[string]any{"instanceId": "i"})
	if KindOf(err) != KindExternalCloud {
		t.Errorf("kind = %v, want ExternalCloud", KindOf(err))
	}
}

func TestRegistryInvokeRetriesIdempotent(t *testing.T) {
	var calls atomic.Int32
	inv := ToolInvokerFunc(func(context.Context, string, map[string]any) (any, error) {
		if calls.Add(1) == 1 {
			e := E(KindExternalCloud, "503 from cloud")
			e.Transient = true
			return nil, e
		}
		return "ok", nil
	})
	r := NewToolRegistry(WithInvoker(inv), WithToolRetryBaseDelay(time.Millisecond))

	readOnly := computeTool("get_instance", ApprovalAuto)
	readOnly.Idempotent = true
	if err := r.Register(readOnly); err != nil {
		t.Fatalf("Register: %v", err)
	}

	result, err := r.Invoke(context.Background(), "get_instance", map[string]any{"instanceId": "i"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if result != "ok" || calls.Load() != 2 {
		t.Errorf("result = %v, calls = %d", result, calls.Load())
	}
}

func TestRegistryInvokeNeverRetriesSideEffectful(t *testing.T) {
	var calls atomic.Int32
	inv := ToolInvokerFunc(func(context.Context, string, map[string]any) (any, error) {
		calls.Add(1)
		e := E(KindExternalCloud, "503 from cloud")
		e.Transient = true
		return nil, e
	})
	r := NewToolRegistry(WithInvoker(inv))
	if err := r.Register(computeTool("terminate_instance", ApprovalDanger)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	_, err := r.Invoke(context.Background(), "terminate_instance", map[string]any{"instanceId": "i"})
	if err == nil {
		t.Fatal("Invoke succeeded")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (side-effectful tools run once)", calls.Load())
	}
}
