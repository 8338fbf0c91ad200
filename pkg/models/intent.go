package models

// IntentType is the closed set of routing outcomes for a user turn.
type IntentType string

const (
	// IntentDirectAnswer means the butler answers without delegating.
	IntentDirectAnswer IntentType = "direct_answer"
	// IntentDelegateScheduler delegates to the calendar sub-agent.
	IntentDelegateScheduler IntentType = "delegate_scheduler"
	// IntentDelegateCommunicator delegates to the messaging sub-agent.
	IntentDelegateCommunicator IntentType = "delegate_communicator"
	// IntentDelegateNavigator delegates to the record-store sub-agent.
	IntentDelegateNavigator IntentType = "delegate_navigator"
	// IntentDelegateResearcher delegates to the search sub-agent.
	IntentDelegateResearcher IntentType = "delegate_researcher"
	// IntentClarify means the butler asks the user to rephrase.
	IntentClarify IntentType = "clarify"
	// IntentCannotHelp means the request is outside the butler's abilities.
	IntentCannotHelp IntentType = "cannot_help"
)

// Valid returns true if the intent type is a known value.
func (t IntentType) Valid() bool {
	switch t {
	case IntentDirectAnswer, IntentDelegateScheduler, IntentDelegateCommunicator,
		IntentDelegateNavigator, IntentDelegateResearcher, IntentClarify, IntentCannotHelp:
		return true
	default:
		return false
	}
}

// Delegation returns true if the intent implies spawning a sub-agent.
func (t IntentType) Delegation() bool {
	switch t {
	case IntentDelegateScheduler, IntentDelegateCommunicator,
		IntentDelegateNavigator, IntentDelegateResearcher:
		return true
	default:
		return false
	}
}

// AgentKind returns the sub-agent kind a delegation intent maps to,
// or empty string for non-delegation intents.
func (t IntentType) AgentKind() AgentKind {
	switch t {
	case IntentDelegateScheduler:
		return KindScheduler
	case IntentDelegateCommunicator:
		return KindCommunicator
	case IntentDelegateNavigator:
		return KindNavigator
	case IntentDelegateResearcher:
		return KindResearcher
	default:
		return ""
	}
}

// Entity is a typed slot extracted from the user's turn during
// classification (a person, a datetime, an amount).
type Entity struct {
	// Type is the slot type (e.g. "person", "datetime", "amount").
	Type string `json:"type"`
	// Value is the raw extracted text.
	Value string `json:"value"`
}

// Intent is the output of the completion service's routing call.
type Intent struct {
	// Type is the classified intent.
	Type IntentType `json:"type"`
	// Confidence is the classifier's confidence in [0,1].
	Confidence float64 `json:"confidence"`
	// Entities are the extracted slots, in the order they appeared.
	Entities []Entity `json:"entities,omitempty"`
	// SubIntents lists additional delegation intents detected in a
	// compound turn ("email John about the meeting we should schedule").
	SubIntents []IntentType `json:"sub_intents,omitempty"`
}
