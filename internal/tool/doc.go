// Package tool defines the pluggable tool contract used by the agent
// orchestrator: a declared argument schema, runtime validation, and a
// name-keyed registry that is the single dispatch point for tool calls.
package tool
