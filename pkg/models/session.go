package models

import "time"

// SessionState represents the lifecycle state of a session.
type SessionState string

const (
	// SessionInitializing indicates the session record exists but the
	// first turn has not been accepted yet.
	SessionInitializing SessionState = "initializing"
	// SessionActive indicates the session is accepting turns.
	SessionActive SessionState = "active"
	// SessionAwaitingConfirmation indicates at least one tool call is
	// waiting on a human approval decision.
	SessionAwaitingConfirmation SessionState = "awaiting_confirmation"
	// SessionSuspended indicates the session went idle and can be
	// resumed within the configured idle window.
	SessionSuspended SessionState = "suspended"
	// SessionTerminated is the terminal state. Terminated sessions are
	// archived, never deleted.
	SessionTerminated SessionState = "terminated"
)

// Valid returns true if the state is a known value.
func (s SessionState) Valid() bool {
	switch s {
	case SessionInitializing, SessionActive, SessionAwaitingConfirmation,
		SessionSuspended, SessionTerminated:
		return true
	default:
		return false
	}
}

// Terminal returns true if no further transitions are allowed from this state.
func (s SessionState) Terminal() bool {
	return s == SessionTerminated
}

// Session represents one continuous interaction window with the user.
type Session struct {
	// ID is the unique identifier for this session.
	ID string `json:"id"`
	// State is the current lifecycle state.
	State SessionState `json:"state"`
	// StartedAt is when the session was created.
	StartedAt time.Time `json:"started_at"`
	// LastActivityAt is updated on every turn and every hook event.
	LastActivityAt time.Time `json:"last_activity_at"`
	// OpenTaskID references an in-flight multi-step task, if any.
	OpenTaskID string `json:"open_task_id,omitempty"`
	// TokensIn is the total input tokens consumed by this session.
	TokensIn int64 `json:"tokens_in"`
	// TokensOut is the total output tokens produced by this session.
	TokensOut int64 `json:"tokens_out"`
}
