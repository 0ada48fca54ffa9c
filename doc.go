// Package deckhand is the core runtime of a multi-tenant AI
// cloud-operations portal: it executes workflow DAGs against external
// cloud APIs under safety, approval, and tenancy constraints.
//
// The pieces compose around a few capabilities:
//
//   - Executor walks a validated WorkflowDefinition in deterministic
//     topological order, dispatching tool, condition, approval, ai-step,
//     loop, and parallel nodes under step and wall-clock budgets.
//     Approval nodes suspend the run into a JSON round-trippable
//     EngineState; Runner supervises runs, mints approval tokens, and
//     replays the compensation stack when a run fails.
//
//   - ToolRegistry holds the closed-world tool catalog with JSON Schema
//     argument validation and per-tool approval levels; the actual cloud
//     calls happen behind the ToolInvoker capability.
//
//   - Approvals tracks single-use, time-bounded approval tokens and the
//     continuations of callers blocked on a human decision. Token
//     storage is pluggable (memory, redis, postgres); tenancy is
//     enforced on every lookup.
//
//   - ChatStreamer drives a chat turn: guardrail processors, provider
//     streaming with on-the-fly PII redaction, and model-issued tool
//     calls gated on approvals.
//
//   - StreamBus fans run progress events out to in-process subscribers;
//     ResultCache deduplicates identical workflow executions with a
//     singleflight per fingerprint.
//
// Construction follows functional options throughout:
//
//	registry := deckhand.NewToolRegistry(deckhand.WithInvoker(invoker))
//	executor := deckhand.NewExecutor(deckhand.WithExecutorTools(registry))
//	runner := deckhand.NewRunner(executor, deckhand.WithRunnerInvoker(registry))
//
// Subpackages supply the edges: provider/* adapts model backends,
// store/* persists audit entries and approval tokens, observer wires
// OpenTelemetry, internal/portal exposes the HTTP surface, and
// cmd/deckhand assembles a runnable portal.
package deckhand
