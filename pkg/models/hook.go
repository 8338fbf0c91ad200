package models

import "time"

// HookEvent names a lifecycle point at which external hook programs run.
type HookEvent string

const (
	// EventSessionStart fires when a session is created or resumed.
	EventSessionStart HookEvent = "SessionStart"
	// EventUserPromptSubmit fires when a user turn is accepted.
	EventUserPromptSubmit HookEvent = "UserPromptSubmit"
	// EventPreToolUse fires before a tool call executes. A hook may veto
	// the call through its stdout.
	EventPreToolUse HookEvent = "PreToolUse"
	// EventPostToolUse fires after a tool call finished executing.
	EventPostToolUse HookEvent = "PostToolUse"
	// EventStop fires when a turn's reply has been synthesized.
	EventStop HookEvent = "Stop"
	// EventSessionSuspend fires when a session is suspended for idleness.
	EventSessionSuspend HookEvent = "SessionSuspend"
	// EventSessionEnd fires when a session is terminated.
	EventSessionEnd HookEvent = "SessionEnd"
)

// Valid returns true if the event is a known value.
func (e HookEvent) Valid() bool {
	switch e {
	case EventSessionStart, EventUserPromptSubmit, EventPreToolUse,
		EventPostToolUse, EventStop, EventSessionSuspend, EventSessionEnd:
		return true
	default:
		return false
	}
}

// HookOutcome describes how a single hook execution ended.
type HookOutcome string

const (
	// HookOK means the hook ran and exited zero.
	HookOK HookOutcome = "ok"
	// HookTimeout means the hook exceeded its timeout and was killed.
	HookTimeout HookOutcome = "timeout"
	// HookError means the hook exited non-zero, failed to start, or
	// produced malformed output.
	HookError HookOutcome = "error"
	// HookSkipped means the hook's matcher did not match the payload.
	HookSkipped HookOutcome = "skipped-by-matcher"
)

// HookExecutionResult records one hook invocation. A non-ok outcome is
// recorded but never propagated as a fatal error to the caller.
type HookExecutionResult struct {
	// HookID identifies the registration that ran.
	HookID string `json:"hook_id"`
	// Event is the lifecycle event that triggered the hook.
	Event HookEvent `json:"event"`
	// ExitCode is the process exit code (-1 if the process never ran).
	ExitCode int `json:"exit_code"`
	// Duration is how long the hook ran.
	Duration time.Duration `json:"duration_ms"`
	// Outcome classifies the execution.
	Outcome HookOutcome `json:"outcome"`
	// Veto is set when a PreToolUse hook's stdout vetoed the tool call.
	Veto bool `json:"veto,omitempty"`
	// Message carries advisory text from the hook's stdout, if any.
	Message string `json:"message,omitempty"`
}
