package deckhand

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ToolCategory groups tools by the cloud surface they touch.
type ToolCategory string

const (
	CategoryCompute       ToolCategory = "compute"
	CategoryNetworking    ToolCategory = "networking"
	CategoryStorage       ToolCategory = "storage"
	CategoryDatabase      ToolCategory = "database"
	CategoryIdentity      ToolCategory = "identity"
	CategoryObservability ToolCategory = "observability"
	CategoryPricing       ToolCategory = "pricing"
	CategorySearch        ToolCategory = "search"
	CategoryBilling       ToolCategory = "billing"
	CategoryLogging       ToolCategory = "logging"
)

var toolCategories = map[ToolCategory]bool{
	CategoryCompute:       true,
	CategoryNetworking:    true,
	CategoryStorage:       true,
	CategoryDatabase:      true,
	CategoryIdentity:      true,
	CategoryObservability: true,
	CategoryPricing:       true,
	CategorySearch:        true,
	CategoryBilling:       true,
	CategoryLogging:       true,
}

// Valid reports whether c is a known category.
func (c ToolCategory) Valid() bool { return toolCategories[c] }

// ApprovalLevel controls the human gate applied before a tool runs.
type ApprovalLevel string

const (
	// ApprovalAuto tools run without a gate.
	ApprovalAuto ApprovalLevel = "auto"
	// ApprovalConfirm tools need a confirmation before running.
	ApprovalConfirm ApprovalLevel = "confirm"
	// ApprovalDanger tools are destructive and always need explicit approval.
	ApprovalDanger ApprovalLevel = "danger"
)

// Valid reports whether l is a known approval level.
func (l ApprovalLevel) Valid() bool {
	switch l {
	case ApprovalAuto, ApprovalConfirm, ApprovalDanger:
		return true
	}
	return false
}

// RequiresApproval reports whether the level gates execution.
func (l ApprovalLevel) RequiresApproval() bool {
	return l == ApprovalConfirm || l == ApprovalDanger
}

// ToolDefinition describes a registered tool: what it does, which cloud
// surface it belongs to, how dangerous it is, and the JSON Schema its
// arguments must satisfy.
type ToolDefinition struct {
	Name          string          `json:"name"`
	Description   string          `json:"description"`
	Category      ToolCategory    `json:"category"`
	ApprovalLevel ApprovalLevel   `json:"approvalLevel"`
	Parameters    json.RawMessage `json:"parameters,omitempty"`
	// Idempotent marks a tool safe to re-run on transient failures.
	// Side-effectful tools leave this false and are never retried
	// automatically.
	Idempotent bool `json:"idempotent,omitempty"`
}

// ToolInvoker performs the actual cloud call for a tool. Concrete
// provider SDK bindings live behind this capability; the runtime never
// links them directly.
type ToolInvoker interface {
	Invoke(ctx context.Context, name string, args map[string]any) (any, error)
}

// ToolInvokerFunc adapts a function to the ToolInvoker interface.
type ToolInvokerFunc func(ctx context.Context, name string, args map[string]any) (any, error)

// Invoke calls f.
func (f ToolInvokerFunc) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	return f(ctx, name, args)
}

// RegisteredTool pairs a definition with its compiled argument schema.
type RegisteredTool struct {
	Definition ToolDefinition
	schema     *jsonschema.Schema
}

// ToolRegistry is the closed-world set of tools a portal process can
// execute, plus the invoker capability that performs the calls.
type ToolRegistry struct {
	mu        sync.RWMutex
	tools     map[string]*RegisteredTool
	invoker   ToolInvoker
	logger    *slog.Logger
	retryBase time.Duration
}

// RegistryOption configures a ToolRegistry.
type RegistryOption func(*ToolRegistry)

// WithInvoker sets the capability that executes tool calls.
func WithInvoker(inv ToolInvoker) RegistryOption {
	return func(r *ToolRegistry) { r.invoker = inv }
}

// WithRegistryLogger sets the logger. Defaults to a no-op logger.
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *ToolRegistry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithToolRetryBaseDelay overrides the backoff start for idempotent
// tool retries (default 500ms).
func WithToolRetryBaseDelay(d time.Duration) RegistryOption {
	return func(r *ToolRegistry) {
		if d > 0 {
			r.retryBase = d
		}
	}
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry(opts ...RegistryOption) *ToolRegistry {
	r := &ToolRegistry{
		tools:     make(map[string]*RegisteredTool),
		logger:    nopLogger,
		retryBase: toolRetryBaseDelay,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register validates and adds a tool definition. Duplicate names,
// unknown categories or approval levels, and uncompilable parameter
// schemas are rejected.
func (r *ToolRegistry) Register(def ToolDefinition) error {
	if def.Name == "" {
		return E(KindValidation, "tool name is required")
	}
	if !def.Category.Valid() {
		return Errorf(KindValidation, "tool %q has unknown category %q", def.Name, def.Category)
	}
	if !def.ApprovalLevel.Valid() {
		return Errorf(KindValidation, "tool %q has unknown approval level %q", def.Name, def.ApprovalLevel)
	}
	schema, err := compileSchema(def.Parameters)
	if err != nil {
		return Errorf(KindValidation, "tool %q has invalid parameter schema", def.Name).Wrap(err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; exists {
		return Errorf(KindValidation, "tool %q already registered", def.Name)
	}
	r.tools[def.Name] = &RegisteredTool{Definition: def, schema: schema}
	return nil
}

// Resolve returns the registered tool by name.
func (r *ToolRegistry) Resolve(name string) (*RegisteredTool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, Errorf(KindNotFound, "unknown tool %q", name)
	}
	return t, nil
}

// List returns all definitions sorted by name.
func (r *ToolRegistry) List() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Definition)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ValidateArgs checks args against the tool's parameter schema.
func (r *ToolRegistry) ValidateArgs(name string, args map[string]any) error {
	t, err := r.Resolve(name)
	if err != nil {
		return err
	}
	if t.schema == nil {
		return nil
	}
	// The validator wants plain decoded JSON values.
	payload := any(args)
	if args == nil {
		payload = map[string]any{}
	}
	if err := t.schema.Validate(payload); err != nil {
		return Errorf(KindValidation, "tool %q arguments rejected by schema", name).
			With("tool", name).Wrap(err)
	}
	return nil
}

// Invoker returns the configured invoker capability.
func (r *ToolRegistry) Invoker() ToolInvoker { return r.invoker }

// Retry policy for idempotent tools: initial call plus two retries.
const (
	toolRetryAttempts  = 3
	toolRetryBaseDelay = 500 * time.Millisecond
)

// Invoke validates args and executes the named tool through the invoker.
// Idempotent tools are retried on transient failures; side-effectful
// tools run exactly once. Invoker failures that are not already
// classified become ExternalCloud.
func (r *ToolRegistry) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	tool, err := r.Resolve(name)
	if err != nil {
		return nil, err
	}
	if err := r.ValidateArgs(name, args); err != nil {
		return nil, err
	}
	r.mu.RLock()
	inv := r.invoker
	r.mu.RUnlock()
	if inv == nil {
		return nil, E(KindInternal, "no tool invoker configured")
	}

	call := func() (any, error) {
		result, err := inv.Invoke(ctx, name, args)
		if err != nil {
			var de *Error
			if errors.As(err, &de) {
				return nil, err
			}
			return nil, Errorf(KindExternalCloud, "tool %q failed", name).Wrap(err)
		}
		return result, nil
	}
	if tool.Definition.Idempotent {
		return retryCall(ctx, toolRetryAttempts, r.retryBase, name, r.logger, call)
	}
	return call()
}

func compileSchema(raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// validateJSONAgainstSchema checks an arbitrary decoded JSON value
// against a raw schema document. Used by ai-step output validation.
func validateJSONAgainstSchema(value any, raw json.RawMessage) error {
	schema, err := compileSchema(raw)
	if err != nil {
		return err
	}
	if schema == nil {
		return nil
	}
	return schema.Validate(value)
}
