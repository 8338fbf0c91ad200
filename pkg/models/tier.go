package models

// Tier classifies a tool by the severity of its side effects.
// The tier drives the permission policy: READ tools run without
// confirmation, WRITE tools require human approval, and DESTRUCTIVE
// tools additionally require a one-time confirmation token.
type Tier string

const (
	// TierRead is for tools that only observe state (search, list, fetch).
	TierRead Tier = "read"
	// TierWrite is for tools that create or modify external state.
	TierWrite Tier = "write"
	// TierDestructive is for tools that remove or irreversibly alter state.
	TierDestructive Tier = "destructive"
)

// Valid returns true if the tier is a known value.
func (t Tier) Valid() bool {
	switch t {
	case TierRead, TierWrite, TierDestructive:
		return true
	default:
		return false
	}
}

// Retryable returns true if failed executions of this tier may be retried.
// Only READ tools are safe to retry; retrying WRITE or DESTRUCTIVE tools
// risks duplicate side effects.
func (t Tier) Retryable() bool {
	return t == TierRead
}
