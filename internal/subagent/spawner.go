// Package subagent spawns specialized short-lived agents that carry out
// delegated intents through a tool-use loop. Each run gets an immutable
// context snapshot, a personality-scoped tool set, and a deadline.
package subagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelhq/butler/internal/config"
	"github.com/kestrelhq/butler/internal/llm"
	"github.com/kestrelhq/butler/internal/permission"
	"github.com/kestrelhq/butler/internal/promptcache"
	"github.com/kestrelhq/butler/internal/state"
	"github.com/kestrelhq/butler/internal/tools"
	"github.com/kestrelhq/butler/pkg/models"
)

// ErrUnknownKind is returned when no personality is configured for the
// requested agent kind.
var ErrUnknownKind = errors.New("unknown agent kind")

// Task describes one delegated unit of work.
type Task struct {
	// Kind selects the sub-agent specialization.
	Kind models.AgentKind
	// Instruction is the concrete ask derived from the user's utterance.
	Instruction string
	// ContextSnapshot is the serialized session context the run starts
	// with. The run never sees live session state after this.
	ContextSnapshot string
}

// Result is the settled outcome of a spawned run.
type Result struct {
	// Run is the persisted run record in its final state.
	Run *models.SubAgentRun
	// Usage aggregates model token consumption across the run's turns.
	Usage llm.Usage
}

// Spawner starts and supervises sub-agent runs.
type Spawner struct {
	completions   llm.CompletionService
	registry      *tools.Registry
	executor      *tools.Executor
	runs          state.RunStore
	prompts       *promptcache.Manager
	personalities map[models.AgentKind]config.Personality
	// timeout bounds each run end to end.
	timeout time.Duration
	// defaultMaxTurns caps the tool-use loop for personalities that
	// don't set their own.
	defaultMaxTurns int
}

// SpawnerConfig configures a spawner.
type SpawnerConfig struct {
	Completions   llm.CompletionService
	Registry      *tools.Registry
	Executor      *tools.Executor
	Runs          state.RunStore
	Prompts       *promptcache.Manager
	Personalities map[models.AgentKind]config.Personality
	Timeout       time.Duration
	MaxTurns      int
}

// NewSpawner creates a spawner.
func NewSpawner(cfg SpawnerConfig) *Spawner {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	maxTurns := cfg.MaxTurns
	if maxTurns <= 0 {
		maxTurns = 8
	}
	personalities := cfg.Personalities
	if personalities == nil {
		personalities = config.DefaultPersonalities()
	}
	return &Spawner{
		completions:     cfg.Completions,
		registry:        cfg.Registry,
		executor:        cfg.Executor,
		runs:            cfg.Runs,
		prompts:         cfg.Prompts,
		personalities:   personalities,
		timeout:         timeout,
		defaultMaxTurns: maxTurns,
	}
}

// Spawn starts a run for the task. Returns the run ID immediately and a
// channel that delivers the settled result. Spawn failures before the
// goroutine starts are reported through the channel as failed runs.
func (s *Spawner) Spawn(ctx context.Context, sessionID string, task Task) (string, <-chan Result, error) {
	personality, ok := s.personalities[task.Kind]
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrUnknownKind, task.Kind)
	}

	run := &models.SubAgentRun{
		ID:              uuid.New().String(),
		SessionID:       sessionID,
		Kind:            task.Kind,
		ContextSnapshot: task.ContextSnapshot,
		Status:          models.RunRunning,
		StartedAt:       time.Now().UTC(),
	}
	if err := s.runs.CreateRun(run); err != nil {
		return "", nil, fmt.Errorf("persisting run: %w", err)
	}

	resultCh := make(chan Result, 1)

	go func() {
		defer close(resultCh)

		runCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		var usage llm.Usage
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[subagent] run %s (%s) panicked: %v", run.ID, run.Kind, r)
				s.settle(run, models.RunFailed, "", fmt.Sprintf("panic: %v", r))
				resultCh <- Result{Run: run, Usage: usage}
			}
		}()

		output, err := s.loop(runCtx, run, personality, task, &usage)
		switch {
		case err == nil:
			s.settle(run, models.RunCompleted, output, "")
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, permission.ErrDecisionPending):
			// Pending tool calls stay pending for out-of-band resolution.
			s.settle(run, models.RunTimedOut, "", err.Error())
		default:
			s.settle(run, models.RunFailed, "", err.Error())
		}
		resultCh <- Result{Run: run, Usage: usage}
	}()

	return run.ID, resultCh, nil
}

// loop drives the completion/tool-use cycle until the model ends its
// turn or a limit is hit.
func (s *Spawner) loop(ctx context.Context, run *models.SubAgentRun, personality config.Personality, task Task, usage *llm.Usage) (string, error) {
	system, err := s.buildSystem(personality, task)
	if err != nil {
		return "", err
	}

	messages := []llm.Message{
		{Role: llm.RoleUser, Text: task.Instruction},
	}

	maxTurns := personality.MaxTurns
	if maxTurns <= 0 {
		maxTurns = s.defaultMaxTurns
	}

	for turn := 0; turn < maxTurns; turn++ {
		resp, err := s.completions.Complete(ctx, llm.Request{
			System:   system,
			Messages: messages,
			Tools:    s.registry.Schemas(personality.AllowedTools),
			Model:    personality.Model,
		})
		if err != nil {
			return "", fmt.Errorf("completion turn %d: %w", turn+1, err)
		}
		usage.InputTokens += resp.Usage.InputTokens
		usage.OutputTokens += resp.Usage.OutputTokens
		usage.CacheReadTokens += resp.Usage.CacheReadTokens

		if resp.StopReason != llm.StopToolUse {
			return resp.Text, nil
		}

		messages = append(messages, llm.Message{
			Role:     llm.RoleAssistant,
			Text:     resp.Text,
			ToolUses: resp.ToolUses,
		})

		results := make([]llm.ToolResult, 0, len(resp.ToolUses))
		for _, use := range resp.ToolUses {
			res, err := s.invoke(ctx, run, personality, use)
			if err != nil {
				return "", err
			}
			results = append(results, res)
		}
		messages = append(messages, llm.Message{Role: llm.RoleUser, ToolResults: results})
	}

	return "", fmt.Errorf("run exceeded %d turns without finishing", maxTurns)
}

// invoke executes one tool use through the permission-checked executor.
// Denials and provider failures come back as error tool results so the
// model can adapt; only unrecoverable conditions abort the run.
func (s *Spawner) invoke(ctx context.Context, run *models.SubAgentRun, personality config.Personality, use llm.ToolUse) (llm.ToolResult, error) {
	if !personality.Allows(use.Name) {
		return llm.ToolResult{
			ToolUseID: use.ID,
			Content:   fmt.Sprintf("tool %q is not available to this agent", use.Name),
			IsError:   true,
		}, nil
	}

	args := use.Input
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	res, err := s.executor.Execute(ctx, run.SessionID, run.ID, use.Name, args)
	if err != nil {
		if errors.Is(err, permission.ErrDecisionPending) || errors.Is(err, context.DeadlineExceeded) {
			return llm.ToolResult{}, err
		}
		if errors.Is(err, tools.ErrUnknownTool) {
			return llm.ToolResult{
				ToolUseID: use.ID,
				Content:   err.Error(),
				IsError:   true,
			}, nil
		}
		return llm.ToolResult{}, err
	}

	if !res.Decision.Outcome.Allows() {
		reason := res.Decision.Reason
		if reason == "" {
			reason = string(res.Decision.Outcome)
		}
		return llm.ToolResult{
			ToolUseID: use.ID,
			Content:   fmt.Sprintf("tool call %s: %s", res.Decision.Outcome, reason),
			IsError:   true,
		}, nil
	}
	if res.Err != nil {
		return llm.ToolResult{
			ToolUseID: use.ID,
			Content:   res.Err.Error(),
			IsError:   true,
		}, nil
	}
	return llm.ToolResult{ToolUseID: use.ID, Content: res.Output}, nil
}

// buildSystem assembles the run's system prompt. The personality prompt
// is stable across runs and cache-eligible; the context snapshot is
// per-run and always volatile.
func (s *Spawner) buildSystem(personality config.Personality, task Task) ([]llm.SystemPart, error) {
	parts := []promptcache.Part{
		{Text: personality.SystemPrompt},
	}
	if task.ContextSnapshot != "" {
		parts = append(parts, promptcache.Part{
			Text:     "Context for this request:\n" + task.ContextSnapshot,
			Volatile: true,
		})
	}

	if s.prompts == nil {
		out := make([]llm.SystemPart, len(parts))
		for i, p := range parts {
			out[i] = llm.SystemPart{Text: p.Text}
		}
		return out, nil
	}

	prepared, err := s.prompts.Prepare(parts)
	if err != nil {
		return nil, fmt.Errorf("preparing system prompt: %w", err)
	}
	return prepared.System, nil
}

// settle records the run's final status. Persistence failures are
// logged, not propagated; the in-memory record still settles.
func (s *Spawner) settle(run *models.SubAgentRun, status models.RunStatus, result, errMsg string) {
	now := time.Now().UTC()
	run.Status = status
	run.Result = result
	run.Error = errMsg
	run.SettledAt = &now
	if err := s.runs.UpdateRun(run); err != nil {
		log.Printf("[subagent] persisting settled run %s: %v", run.ID, err)
	}
}
