package main

import (
	"context"
	"log/slog"
	"time"

	deckhand "github.com/deckhand-ai/deckhand"
)

// catalog is the built-in cloud-operations tool set. Parameter schemas
// gate what reaches the invoker; approval levels gate who may run it.
var catalog = []deckhand.ToolDefinition{
	{
		Name:          "list_instances",
		Description:   "List compute instances in a compartment.",
		Category:      deckhand.CategoryCompute,
		ApprovalLevel: deckhand.ApprovalAuto,
		Idempotent:    true,
		Parameters: []byte(`{
			"type": "object",
			"properties": {
				"compartmentId": {"type": "string"},
				"region": {"type": "string"}
			}
		}`),
	},
	{
		Name:          "get_instance",
		Description:   "Fetch one compute instance by id.",
		Category:      deckhand.CategoryCompute,
		ApprovalLevel: deckhand.ApprovalAuto,
		Idempotent:    true,
		Parameters: []byte(`{
			"type": "object",
			"properties": {"instanceId": {"type": "string"}},
			"required": ["instanceId"]
		}`),
	},
	{
		Name:          "restart_instance",
		Description:   "Restart a compute instance.",
		Category:      deckhand.CategoryCompute,
		ApprovalLevel: deckhand.ApprovalConfirm,
		Parameters: []byte(`{
			"type": "object",
			"properties": {"instanceId": {"type": "string"}},
			"required": ["instanceId"]
		}`),
	},
	{
		Name:          "terminate_instance",
		Description:   "Terminate a compute instance. Destructive.",
		Category:      deckhand.CategoryCompute,
		ApprovalLevel: deckhand.ApprovalDanger,
		Parameters: []byte(`{
			"type": "object",
			"properties": {"instanceId": {"type": "string"}},
			"required": ["instanceId"]
		}`),
	},
	{
		Name:          "create_bucket",
		Description:   "Create an object storage bucket.",
		Category:      deckhand.CategoryStorage,
		ApprovalLevel: deckhand.ApprovalConfirm,
		Parameters: []byte(`{
			"type": "object",
			"properties": {
				"name": {"type": "string"},
				"compartmentId": {"type": "string"}
			},
			"required": ["name"]
		}`),
	},
	{
		Name:          "delete_bucket",
		Description:   "Delete an object storage bucket. Destructive.",
		Category:      deckhand.CategoryStorage,
		ApprovalLevel: deckhand.ApprovalDanger,
		Parameters: []byte(`{
			"type": "object",
			"properties": {"name": {"type": "string"}},
			"required": ["name"]
		}`),
	},
	{
		Name:          "list_vcns",
		Description:   "List virtual cloud networks.",
		Category:      deckhand.CategoryNetworking,
		ApprovalLevel: deckhand.ApprovalAuto,
		Idempotent:    true,
	},
	{
		Name:          "list_db_systems",
		Description:   "List managed database systems.",
		Category:      deckhand.CategoryDatabase,
		ApprovalLevel: deckhand.ApprovalAuto,
		Idempotent:    true,
	},
	{
		Name:          "get_cost_summary",
		Description:   "Summarize spend for a time window.",
		Category:      deckhand.CategoryBilling,
		ApprovalLevel: deckhand.ApprovalAuto,
		Idempotent:    true,
		Parameters: []byte(`{
			"type": "object",
			"properties": {
				"startDate": {"type": "string"},
				"endDate": {"type": "string"}
			}
		}`),
	},
	{
		Name:          "search_logs",
		Description:   "Search service logs for a pattern.",
		Category:      deckhand.CategoryLogging,
		ApprovalLevel: deckhand.ApprovalAuto,
		Idempotent:    true,
		Parameters: []byte(`{
			"type": "object",
			"properties": {
				"query": {"type": "string"},
				"hours": {"type": "number"}
			},
			"required": ["query"]
		}`),
	},
}

func registerCatalog(r *deckhand.ToolRegistry) error {
	for _, def := range catalog {
		if err := r.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// dryRunInvoker stands in for real cloud bindings. It echoes a
// structured preview of what the call would do so the whole pipeline
// (schemas, approvals, compensation, audit) is exercisable end to end.
type dryRunInvoker struct {
	logger *slog.Logger
}

func newDryRunInvoker(logger *slog.Logger) *dryRunInvoker {
	return &dryRunInvoker{logger: logger}
}

var _ deckhand.ToolInvoker = (*dryRunInvoker)(nil)

func (d *dryRunInvoker) Invoke(_ context.Context, name string, args map[string]any) (any, error) {
	d.logger.Info("dry-run tool invocation", "tool", name)
	return map[string]any{
		"dryRun":     true,
		"tool":       name,
		"args":       args,
		"executedAt": time.Now().UTC().Format(time.RFC3339),
	}, nil
}
