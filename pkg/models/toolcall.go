package models

import (
	"encoding/json"
	"time"
)

// ToolCall is a concrete request by a sub-agent to perform a side effect.
type ToolCall struct {
	// ID is the unique identifier for this tool call.
	ID string `json:"id"`
	// SessionID is the session this call belongs to.
	SessionID string `json:"session_id"`
	// ToolName is the registered name of the tool (e.g. "send_message").
	ToolName string `json:"tool_name"`
	// Tier is the side-effect tier the tool was registered with.
	Tier Tier `json:"tier"`
	// Arguments is the opaque structured payload for the tool.
	Arguments json.RawMessage `json:"arguments"`
	// RequestedBy is the ID of the sub-agent run that requested the call.
	RequestedBy string `json:"requested_by"`
	// CreatedAt is when the call was requested.
	CreatedAt time.Time `json:"created_at"`
}

// DecisionOutcome is the resolution of a tool call.
type DecisionOutcome string

const (
	// OutcomeAutoAllowed means the call was allowed without human involvement.
	OutcomeAutoAllowed DecisionOutcome = "auto_allowed"
	// OutcomeApproved means a human explicitly approved the call.
	OutcomeApproved DecisionOutcome = "approved"
	// OutcomeDenied means a human explicitly denied the call.
	OutcomeDenied DecisionOutcome = "denied"
	// OutcomeBlocked means a hook or policy vetoed the call before any
	// human was asked.
	OutcomeBlocked DecisionOutcome = "blocked"
)

// Valid returns true if the outcome is a known value.
func (o DecisionOutcome) Valid() bool {
	switch o {
	case OutcomeAutoAllowed, OutcomeApproved, OutcomeDenied, OutcomeBlocked:
		return true
	default:
		return false
	}
}

// Allows returns true if a tool call with this outcome may execute.
func (o DecisionOutcome) Allows() bool {
	return o == OutcomeAutoAllowed || o == OutcomeApproved
}

// ResolverKind identifies who resolved a permission decision.
type ResolverKind string

const (
	// ResolvedBySystem means the engine resolved the call from policy alone.
	ResolvedBySystem ResolverKind = "system"
	// ResolvedByHuman means a human approver made the decision.
	ResolvedByHuman ResolverKind = "human"
)

// PermissionDecision is the resolution of a ToolCall. A ToolCall with no
// decision yet is pending.
type PermissionDecision struct {
	// ToolCallID is the ID of the resolved tool call.
	ToolCallID string `json:"tool_call_id"`
	// Outcome is the resolution outcome.
	Outcome DecisionOutcome `json:"outcome"`
	// ResolvedBy identifies who made the decision.
	ResolvedBy ResolverKind `json:"resolved_by"`
	// ResolvedAt is when the decision was made.
	ResolvedAt time.Time `json:"resolved_at"`
	// Reason carries optional human-readable context (e.g. a denial reason
	// or the name of the vetoing hook).
	Reason string `json:"reason,omitempty"`
}
