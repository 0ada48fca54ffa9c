package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for portal observability spans and metrics.
var (
	AttrLLMModel    = attribute.Key("llm.model")
	AttrLLMProvider = attribute.Key("llm.provider")
	AttrLLMMethod   = attribute.Key("llm.method")

	AttrTokensInput  = attribute.Key("llm.tokens.input")
	AttrTokensOutput = attribute.Key("llm.tokens.output")
	AttrCostUSD      = attribute.Key("llm.cost_usd")

	AttrToolCount = attribute.Key("llm.tool_count")
	AttrToolNames = attribute.Key("llm.tool_names")

	AttrStreamChunks = attribute.Key("llm.stream_chunks")

	AttrToolName   = attribute.Key("tool.name")
	AttrToolStatus = attribute.Key("tool.status")

	AttrRunID         = attribute.Key("run.id")
	AttrRunStatus     = attribute.Key("run.status")
	AttrOrgID         = attribute.Key("org.id")
	AttrGuardrailRule = attribute.Key("guardrail.rule")
)
