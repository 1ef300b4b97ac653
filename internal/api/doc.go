// Package api exposes the REST surface for submitting agent tasks,
// inspecting their conversation history, streaming live progress, and
// exporting transcripts.
package api
