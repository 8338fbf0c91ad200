package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelhq/butler/internal/hooks"
	"github.com/kestrelhq/butler/internal/permission"
	"github.com/kestrelhq/butler/pkg/models"
)

// ErrUnknownTool is returned when a sub-agent requests a tool that was
// never registered.
var ErrUnknownTool = errors.New("unknown tool")

// ProviderError wraps a failure inside a capability provider. The call
// was authorized and attempted; the provider itself failed.
type ProviderError struct {
	ToolName string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider for %s: %v", e.ToolName, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// ExecutionResult is the outcome of a single tool call attempt.
type ExecutionResult struct {
	// Call is the persisted tool call.
	Call *models.ToolCall
	// Decision is the audited permission decision, nil if still pending.
	Decision *models.PermissionDecision
	// Output is the provider output, empty unless the call executed.
	Output string
	// Err is the provider failure, nil on success or when not executed.
	Err error
}

// Executed returns true if the provider actually ran.
func (r ExecutionResult) Executed() bool {
	return r.Decision != nil && r.Decision.Outcome.Allows()
}

// Executor routes authorized tool calls to their capability providers.
// Every call goes through the permission engine first; PostToolUse
// hooks fire after the provider returns, whatever the outcome.
type Executor struct {
	registry *Registry
	engine   *permission.Engine
	hooks    *hooks.Runner
	// readRetries is how many extra attempts a failed READ call gets.
	// Writes and destructive calls never retry.
	readRetries int
	retryDelay  time.Duration
}

// ExecutorConfig configures an executor.
type ExecutorConfig struct {
	Registry    *Registry
	Engine      *permission.Engine
	Hooks       *hooks.Runner
	ReadRetries int
	RetryDelay  time.Duration
}

// NewExecutor creates an executor.
func NewExecutor(cfg ExecutorConfig) *Executor {
	retries := cfg.ReadRetries
	if retries <= 0 {
		retries = 2
	}
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = 250 * time.Millisecond
	}
	return &Executor{
		registry:    cfg.Registry,
		engine:      cfg.Engine,
		hooks:       cfg.Hooks,
		readRetries: retries,
		retryDelay:  delay,
	}
}

// Execute authorizes and runs a single tool call on behalf of a
// sub-agent run. A denied or blocked call returns a result whose
// Decision explains why; only engine or storage failures surface as
// errors.
func (x *Executor) Execute(ctx context.Context, sessionID, runID, toolName string, args json.RawMessage) (ExecutionResult, error) {
	reg, ok := x.registry.Get(toolName)
	if !ok {
		return ExecutionResult{}, fmt.Errorf("%w: %s", ErrUnknownTool, toolName)
	}

	tc := &models.ToolCall{
		ID:          uuid.New().String(),
		SessionID:   sessionID,
		ToolName:    toolName,
		Tier:        reg.Tier,
		Arguments:   args,
		RequestedBy: runID,
		CreatedAt:   time.Now().UTC(),
	}

	decision, err := x.engine.Authorize(ctx, tc)
	if err != nil {
		if errors.Is(err, permission.ErrDecisionPending) {
			// The call stays pending; the run will be marked timed out by
			// the spawner and the call resolved out-of-band.
			return ExecutionResult{Call: tc}, err
		}
		return ExecutionResult{Call: tc}, err
	}

	result := ExecutionResult{Call: tc, Decision: decision}
	if !decision.Outcome.Allows() {
		x.firePostToolUse(ctx, tc, "")
		return result, nil
	}

	result.Output, result.Err = x.run(ctx, reg, tc)
	x.firePostToolUse(ctx, tc, result.Output)
	return result, nil
}

// run invokes the provider, retrying transient failures for READ calls
// only. Side-effecting tiers get exactly one attempt.
func (x *Executor) run(ctx context.Context, reg Registration, tc *models.ToolCall) (string, error) {
	attempts := 1
	if tc.Tier.Retryable() {
		attempts += x.readRetries
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			log.Printf("[tools] retrying %s (attempt %d/%d)", tc.ToolName, i+1, attempts)
			select {
			case <-time.After(x.retryDelay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		out, err := reg.Provider.Execute(ctx, tc.ToolName, tc.Arguments)
		if err == nil {
			return out, nil
		}
		lastErr = err
	}
	return "", &ProviderError{ToolName: tc.ToolName, Err: lastErr}
}

// firePostToolUse fires PostToolUse hooks. Post hooks are advisory, so
// failures and even vetoes only get logged.
func (x *Executor) firePostToolUse(ctx context.Context, tc *models.ToolCall, output string) {
	if x.hooks == nil {
		return
	}
	results := x.hooks.Fire(ctx, models.EventPostToolUse, hooks.Payload{
		SessionID:  tc.SessionID,
		ToolName:   tc.ToolName,
		ToolCallID: tc.ID,
		Arguments:  tc.Arguments,
		Text:       output,
	})
	if vetoed, reason := hooks.Vetoed(results); vetoed {
		log.Printf("[tools] post-hook veto for %s ignored (call already ran): %s", tc.ToolName, reason)
	}
}
