package permission

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/kestrelhq/butler/internal/hooks"
	"github.com/kestrelhq/butler/internal/state"
	"github.com/kestrelhq/butler/pkg/models"
)

// ErrDecisionPending is returned when the approval window closed before
// a human decided. The tool call remains pending and can still be
// resolved out-of-band through Resolve.
var ErrDecisionPending = errors.New("permission decision still pending")

// ErrAlreadyResolved is returned when resolving a tool call that
// already has an audit entry. Decisions are immutable.
var ErrAlreadyResolved = errors.New("tool call already resolved")

// SessionNotifier receives state transitions driven by the engine.
// The session manager implements it; a nil notifier is allowed.
type SessionNotifier interface {
	// MarkAwaitingConfirmation is called when a tool call starts waiting
	// for human approval.
	MarkAwaitingConfirmation(sessionID string)
	// MarkActive is called once per resolved wait. The implementation
	// balances the pairs and flips the session back when none remain.
	MarkActive(sessionID string)
}

// Engine resolves tool calls against the tier policy. READ calls are
// auto-allowed, WRITE calls wait for human approval, DESTRUCTIVE calls
// additionally require a one-time confirmation token. PreToolUse hooks
// run before any tier logic and can veto outright.
type Engine struct {
	calls     state.ToolCallStore
	audit     state.AuditStore
	hooks     *hooks.Runner
	approvals *ApprovalManager
	tokens    *TokenIssuer
	notifier  SessionNotifier
	// approvalTimeout bounds how long Authorize waits for a human.
	approvalTimeout time.Duration
	now             func() time.Time
}

// EngineConfig configures a permission engine.
type EngineConfig struct {
	Calls           state.ToolCallStore
	Audit           state.AuditStore
	Hooks           *hooks.Runner
	Approvals       *ApprovalManager
	Notifier        SessionNotifier
	ApprovalTimeout time.Duration
}

// NewEngine creates a permission engine.
func NewEngine(cfg EngineConfig) *Engine {
	timeout := cfg.ApprovalTimeout
	if timeout <= 0 {
		timeout = 24 * time.Hour
	}
	return &Engine{
		calls:           cfg.Calls,
		audit:           cfg.Audit,
		hooks:           cfg.Hooks,
		approvals:       cfg.Approvals,
		tokens:          NewTokenIssuer(),
		notifier:        cfg.Notifier,
		approvalTimeout: timeout,
		now:             time.Now,
	}
}

// Approvals returns the engine's approval manager, for wiring approver
// front-ends.
func (e *Engine) Approvals() *ApprovalManager {
	return e.approvals
}

// SetNotifier wires the session notifier after construction. The engine
// and the session manager reference each other, so one side attaches
// late during startup.
func (e *Engine) SetNotifier(n SessionNotifier) {
	e.notifier = n
}

// Authorize persists the tool call, runs PreToolUse hooks, and resolves
// the call according to its tier. The returned decision is already in
// the audit log. ErrDecisionPending means the approval window closed
// with no human decision; the call stays pending.
func (e *Engine) Authorize(ctx context.Context, tc *models.ToolCall) (*models.PermissionDecision, error) {
	if !tc.Tier.Valid() {
		return nil, fmt.Errorf("tool call %s: unknown tier %q", tc.ID, tc.Tier)
	}
	if err := e.calls.CreateToolCall(tc); err != nil {
		return nil, fmt.Errorf("persisting tool call: %w", err)
	}

	// PreToolUse fires for every call regardless of tier. A veto blocks
	// the call before any human is asked.
	if e.hooks != nil {
		results := e.hooks.Fire(ctx, models.EventPreToolUse, hooks.Payload{
			SessionID:  tc.SessionID,
			ToolName:   tc.ToolName,
			ToolCallID: tc.ID,
			Arguments:  tc.Arguments,
		})
		if vetoed, reason := hooks.Vetoed(results); vetoed {
			return e.record(tc.ID, models.OutcomeBlocked, models.ResolvedBySystem, reason)
		}
	}

	switch tc.Tier {
	case models.TierRead:
		return e.record(tc.ID, models.OutcomeAutoAllowed, models.ResolvedBySystem, "")
	case models.TierWrite:
		return e.confirm(ctx, tc, "")
	case models.TierDestructive:
		token, err := e.tokens.Issue(tc.ID)
		if err != nil {
			return nil, err
		}
		return e.confirm(ctx, tc, token)
	}
	return nil, fmt.Errorf("tool call %s: unhandled tier %q", tc.ID, tc.Tier)
}

// confirm raises a confirmation request and waits for the human. Only
// the waiting caller blocks; the AwaitingConfirmation flag is status
// bookkeeping and unrelated turns on the session proceed. The notifier
// counts mark/unmark pairs per session, so each wait unmarks exactly
// once however many are outstanding.
func (e *Engine) confirm(ctx context.Context, tc *models.ToolCall, token string) (*models.PermissionDecision, error) {
	if e.notifier != nil {
		e.notifier.MarkAwaitingConfirmation(tc.SessionID)
		defer e.notifier.MarkActive(tc.SessionID)
	}

	waitCtx, cancel := context.WithTimeout(ctx, e.approvalTimeout)
	defer cancel()

	resp, err := e.approvals.WaitForDecision(waitCtx, ConfirmationRequest{
		ToolCallID: tc.ID,
		SessionID:  tc.SessionID,
		ToolName:   tc.ToolName,
		Tier:       tc.Tier,
		Arguments:  tc.Arguments,
		Token:      token,
	})
	if err != nil {
		// No decision was made; the call stays pending in storage so it
		// can be resolved later through the approvals directory.
		log.Printf("[permission] approval window closed for %s (%s): %v", tc.ToolName, tc.ID, err)
		return nil, fmt.Errorf("%w: %s", ErrDecisionPending, tc.ID)
	}

	return e.resolveResponse(tc, resp)
}

// resolveResponse turns a human response into an audited decision,
// enforcing the one-time token for destructive calls.
func (e *Engine) resolveResponse(tc *models.ToolCall, resp ConfirmationResponse) (*models.PermissionDecision, error) {
	if !resp.Approved {
		e.tokens.Revoke(tc.ID)
		reason := resp.Reason
		if reason == "" {
			reason = "denied by user"
		}
		return e.record(tc.ID, models.OutcomeDenied, models.ResolvedByHuman, reason)
	}
	if tc.Tier == models.TierDestructive {
		if !e.tokens.Consume(tc.ID, resp.Token) {
			return e.record(tc.ID, models.OutcomeDenied, models.ResolvedByHuman,
				"confirmation token missing or invalid")
		}
	}
	return e.record(tc.ID, models.OutcomeApproved, models.ResolvedByHuman, resp.Reason)
}

// Resolve applies a human decision to a tool call that is no longer
// waiting in-process, e.g. one whose run already timed out. In-flight
// waits are short-circuited through the approval manager instead.
func (e *Engine) Resolve(toolCallID string, approved bool, token, reason string) error {
	if e.approvals.HasPendingRequest(toolCallID) {
		e.approvals.SubmitResponse(ConfirmationResponse{
			ToolCallID: toolCallID,
			Approved:   approved,
			Token:      token,
			Reason:     reason,
		})
		return nil
	}

	tc, err := e.calls.GetToolCall(toolCallID)
	if err != nil {
		return fmt.Errorf("loading tool call: %w", err)
	}
	if existing, err := e.audit.GetDecision(toolCallID); err == nil && existing != nil {
		return fmt.Errorf("%w: %s already %s", ErrAlreadyResolved, toolCallID, existing.Outcome)
	}

	_, err = e.resolveResponse(tc, ConfirmationResponse{
		ToolCallID: toolCallID,
		Approved:   approved,
		Token:      token,
		Reason:     reason,
	})
	return err
}

// record appends a decision to the audit log and returns it.
func (e *Engine) record(toolCallID string, outcome models.DecisionOutcome, by models.ResolverKind, reason string) (*models.PermissionDecision, error) {
	d := &models.PermissionDecision{
		ToolCallID: toolCallID,
		Outcome:    outcome,
		ResolvedBy: by,
		ResolvedAt: e.now().UTC(),
		Reason:     reason,
	}
	if err := e.audit.AppendDecision(d); err != nil {
		return nil, fmt.Errorf("appending audit decision: %w", err)
	}
	return d, nil
}
