package models

import "time"

// AgentKind identifies a sub-agent specialization. Kinds are a closed
// set; each kind is backed by a personality record (prompt template plus
// allowed tool set) loaded from configuration at startup.
type AgentKind string

const (
	// KindScheduler handles calendar lookups and scheduling.
	KindScheduler AgentKind = "scheduler"
	// KindCommunicator handles outbound messages and email.
	KindCommunicator AgentKind = "communicator"
	// KindNavigator handles the user's record store (projects, areas, notes).
	KindNavigator AgentKind = "navigator"
	// KindResearcher handles open-ended search and summarization.
	KindResearcher AgentKind = "researcher"
)

// Valid returns true if the kind is a known value.
func (k AgentKind) Valid() bool {
	switch k {
	case KindScheduler, KindCommunicator, KindNavigator, KindResearcher:
		return true
	default:
		return false
	}
}

// RunStatus represents the status of a sub-agent run.
type RunStatus string

const (
	// RunRunning indicates the sub-agent is actively working.
	RunRunning RunStatus = "running"
	// RunCompleted indicates the sub-agent finished and produced a result.
	RunCompleted RunStatus = "completed"
	// RunFailed indicates the sub-agent crashed or returned an error.
	RunFailed RunStatus = "failed"
	// RunTimedOut indicates the sub-agent exceeded its deadline.
	RunTimedOut RunStatus = "timed_out"
)

// Valid returns true if the status is a known value.
func (s RunStatus) Valid() bool {
	switch s {
	case RunRunning, RunCompleted, RunFailed, RunTimedOut:
		return true
	default:
		return false
	}
}

// Settled returns true if the run reached a final status.
func (s RunStatus) Settled() bool {
	return s != RunRunning
}

// SubAgentRun records one delegated execution.
type SubAgentRun struct {
	// ID is the unique identifier for this run.
	ID string `json:"id"`
	// SessionID is the session the run belongs to.
	SessionID string `json:"session_id"`
	// Kind is the sub-agent specialization.
	Kind AgentKind `json:"kind"`
	// ContextSnapshot is the immutable serialized context slice the
	// sub-agent was started with. Sub-agents never see live session state.
	ContextSnapshot string `json:"context_snapshot"`
	// Status is the current run status.
	Status RunStatus `json:"status"`
	// Result is the opaque payload produced on completion.
	Result string `json:"result,omitempty"`
	// Error holds the failure cause for failed runs.
	Error string `json:"error,omitempty"`
	// StartedAt is when the run was spawned.
	StartedAt time.Time `json:"started_at"`
	// SettledAt is when the run reached a final status, if it has.
	SettledAt *time.Time `json:"settled_at,omitempty"`
}
