// Package llm provides the completion-service boundary for Butler.
// The concrete implementation wraps the Anthropic SDK (direct API or
// AWS Bedrock); everything above this package talks to the
// CompletionService interface only.
package llm

import (
	"context"
	"encoding/json"
)

// Role identifies the author of a message.
type Role string

const (
	// RoleUser is a message from the user (or a tool-result turn).
	RoleUser Role = "user"
	// RoleAssistant is a message from the model.
	RoleAssistant Role = "assistant"
)

// SystemPart is one segment of the system prompt. Cached parts carry a
// cache hint so the provider can reuse them across calls; the Prompt
// Cache Manager decides which parts get the hint.
type SystemPart struct {
	Text   string
	Cached bool
}

// ToolSchema describes one tool the model may call.
type ToolSchema struct {
	Name        string
	Description string
	Properties  map[string]any
	Required    []string
}

// ToolUse is a tool invocation requested by the model.
type ToolUse struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolResult feeds a tool's output back to the model.
type ToolResult struct {
	ToolUseID string
	Content   string
	IsError   bool
}

// Message is one turn of a conversation.
type Message struct {
	Role Role
	// Text is the message text, if any.
	Text string
	// ToolUses carries tool invocations on assistant messages.
	ToolUses []ToolUse
	// ToolResults carries tool outputs on user messages.
	ToolResults []ToolResult
}

// Request is a completion request.
type Request struct {
	// System is the system prompt, split into parts for cache hinting.
	System []SystemPart
	// Messages is the conversation so far.
	Messages []Message
	// Tools is the tool schema offered to the model.
	Tools []ToolSchema
	// MaxTokens caps the response length. Zero means the client default.
	MaxTokens int64
	// Model optionally overrides the client's configured model.
	Model string
}

// Usage reports token consumption for one call.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	// CacheReadTokens counts input tokens served from the provider's
	// prompt cache.
	CacheReadTokens int64
}

// StopReason describes why the model stopped.
type StopReason string

const (
	// StopEndTurn means the model finished its reply.
	StopEndTurn StopReason = "end_turn"
	// StopToolUse means the model wants tool results before continuing.
	StopToolUse StopReason = "tool_use"
	// StopMaxTokens means the response was truncated.
	StopMaxTokens StopReason = "max_tokens"
)

// Response is a completion response.
type Response struct {
	Text       string
	ToolUses   []ToolUse
	StopReason StopReason
	Usage      Usage
}

// CompletionService turns a prompt plus tool schema into text or
// tool-call output. Implementations must be safe for concurrent use.
type CompletionService interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}
