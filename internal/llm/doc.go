// Package llm defines the planning-model contract consumed by the agent
// orchestrator. It abstracts away provider-specific APIs: the orchestrator
// only sees a Planner that turns conversation history into the next Plan.
package llm
