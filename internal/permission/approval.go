// Package permission classifies tool invocations into tiers and
// resolves them: auto-allow, ask the human, or block. Every resolution
// is appended to the immutable audit log.
package permission

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/kestrelhq/butler/pkg/models"
)

// ConfirmationRequest represents a request for human approval of a tool
// call. It is sent to the approver channel when a WRITE or DESTRUCTIVE
// tool call needs confirmation.
type ConfirmationRequest struct {
	// ToolCallID correlates the request with its response.
	ToolCallID string
	// SessionID is the session the call belongs to.
	SessionID string
	// ToolName is the tool awaiting confirmation.
	ToolName string
	// Tier is the call's tier.
	Tier models.Tier
	// Arguments is the call's payload, shown to the approver.
	Arguments json.RawMessage
	// Token is the one-time confirmation token for DESTRUCTIVE calls.
	// The response must echo it back or the call is denied.
	Token string
}

// ConfirmationResponse represents the human's decision.
type ConfirmationResponse struct {
	// ToolCallID is the tool call being approved or denied.
	ToolCallID string
	// Approved indicates whether the call was approved.
	Approved bool
	// Token echoes the one-time token for DESTRUCTIVE calls.
	Token string
	// Reason provides context for denials.
	Reason string
}

// ApprovalManager correlates confirmation requests with responses.
// Requests flow out on RequestCh; responses come back through
// SubmitResponse, matched by tool call ID. Responses may arrive from
// any approver channel (terminal prompt, approvals directory).
type ApprovalManager struct {
	// pendingRequests maps tool call IDs to channels waiting for responses.
	pendingRequests map[string]chan ConfirmationResponse
	// requestCh delivers confirmation requests to the approver.
	requestCh chan ConfirmationRequest
	// mu protects concurrent access to the pending map.
	mu sync.RWMutex
}

// NewApprovalManager creates a new ApprovalManager instance.
func NewApprovalManager() *ApprovalManager {
	return &ApprovalManager{
		pendingRequests: make(map[string]chan ConfirmationResponse),
		requestCh:       make(chan ConfirmationRequest, 10),
	}
}

// RequestCh returns a read-only channel for receiving confirmation
// requests. The approver front-end listens on this channel.
func (m *ApprovalManager) RequestCh() <-chan ConfirmationRequest {
	return m.requestCh
}

// WaitForDecision blocks until the human approves or denies the tool
// call, or the context expires. The context carries the approval
// timeout policy; an expired context leaves the call pending so it can
// still be resolved out-of-band.
func (m *ApprovalManager) WaitForDecision(ctx context.Context, req ConfirmationRequest) (ConfirmationResponse, error) {
	responseCh := make(chan ConfirmationResponse, 1)

	m.mu.Lock()
	m.pendingRequests[req.ToolCallID] = responseCh
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.pendingRequests, req.ToolCallID)
		m.mu.Unlock()
	}()

	select {
	case m.requestCh <- req:
	case <-ctx.Done():
		return ConfirmationResponse{}, ctx.Err()
	}

	select {
	case resp := <-responseCh:
		return resp, nil
	case <-ctx.Done():
		return ConfirmationResponse{}, ctx.Err()
	}
}

// SubmitResponse submits a human's decision for a pending request.
func (m *ApprovalManager) SubmitResponse(resp ConfirmationResponse) {
	m.mu.RLock()
	ch, exists := m.pendingRequests[resp.ToolCallID]
	m.mu.RUnlock()

	if exists {
		select {
		case ch <- resp:
		default:
			// Channel full or closed, response already submitted
		}
	}
}

// HasPendingRequest returns true if a confirmation request is pending
// for the tool call.
func (m *ApprovalManager) HasPendingRequest(toolCallID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, exists := m.pendingRequests[toolCallID]
	return exists
}

// PendingCount returns the number of unresolved confirmation requests.
func (m *ApprovalManager) PendingCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pendingRequests)
}
