// Package butler is the orchestration core: it classifies a user turn,
// decides between answering directly and delegating to sub-agents, fans
// delegations out concurrently, and synthesizes the settled results
// into one reply.
package butler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/kestrelhq/butler/internal/llm"
	"github.com/kestrelhq/butler/internal/promptcache"
	"github.com/kestrelhq/butler/internal/subagent"
	"github.com/kestrelhq/butler/pkg/models"
)

// ReasonCode is the structured outcome attached to every reply. A
// user-visible failure is always a synthesized explanation plus one of
// these codes, never a raw provider error.
type ReasonCode string

const (
	// ReasonOK means the turn completed normally.
	ReasonOK ReasonCode = "ok"
	// ReasonLowConfidence means classification fell below threshold and
	// the butler asked the user to rephrase.
	ReasonLowConfidence ReasonCode = "classification_low_confidence"
	// ReasonCannotHelp means the request is outside the butler's abilities.
	ReasonCannotHelp ReasonCode = "cannot_help"
	// ReasonPartialFailure means at least one delegated run failed or
	// timed out while others succeeded.
	ReasonPartialFailure ReasonCode = "sub_agent_partial_failure"
	// ReasonAllFailed means every delegated run failed or timed out.
	ReasonAllFailed ReasonCode = "sub_agent_failed"
	// ReasonDegraded means the completion service was unavailable after
	// retries and the reply was assembled without it.
	ReasonDegraded ReasonCode = "completion_service_unavailable"
)

// butlerVoice is the static system prompt for direct answers and reply
// synthesis.
const butlerVoice = `You are a concise, capable personal butler. Reply in the user's language, briefly and helpfully. When delegated work partially failed, state plainly what succeeded and what did not; never hide a failure.`

// Reply is the synthesized outcome of one user turn.
type Reply struct {
	// Text is the user-facing reply.
	Text string
	// Reason is the structured outcome code.
	Reason ReasonCode
	// Intent is the classification the turn resolved to.
	Intent *models.Intent
	// RunIDs lists the sub-agent runs the turn spawned, in spawn order.
	RunIDs []string
	// Usage aggregates model tokens across classification, delegation,
	// and synthesis.
	Usage llm.Usage
}

// Orchestrator drives the classify/delegate/synthesize cycle.
type Orchestrator struct {
	classifier  *Classifier
	spawner     *subagent.Spawner
	completions llm.CompletionService
	prompts     *promptcache.Manager
	// maxDelegations caps how many sub-agents one turn may spawn.
	maxDelegations int
}

// OrchestratorConfig configures an orchestrator.
type OrchestratorConfig struct {
	Classifier     *Classifier
	Spawner        *subagent.Spawner
	Completions    llm.CompletionService
	Prompts        *promptcache.Manager
	MaxDelegations int
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	maxDelegations := cfg.MaxDelegations
	if maxDelegations <= 0 {
		maxDelegations = 4
	}
	return &Orchestrator{
		classifier:     cfg.Classifier,
		spawner:        cfg.Spawner,
		completions:    cfg.Completions,
		prompts:        cfg.Prompts,
		maxDelegations: maxDelegations,
	}
}

// HandleTurn processes one user turn. contextSnapshot is the serialized
// session context delegated runs start from. HandleTurn never returns a
// raw completion error; service outages come back as degraded replies.
func (o *Orchestrator) HandleTurn(ctx context.Context, sessionID, text, contextSnapshot string) (*Reply, error) {
	intent, usage, err := o.classifier.Classify(ctx, text)
	if err != nil {
		if errors.Is(err, llm.ErrServiceUnavailable) {
			return degradedReply(usage), nil
		}
		return nil, err
	}

	reply := &Reply{Intent: intent, Usage: usage}

	switch {
	case intent.Type == models.IntentClarify:
		reply.Reason = ReasonLowConfidence
		reply.Text = "I'm not sure what you'd like me to do. Could you rephrase that?"
		return reply, nil
	case intent.Type == models.IntentCannotHelp:
		reply.Reason = ReasonCannotHelp
		reply.Text = "I'm afraid that's outside what I can help with."
		return reply, nil
	case intent.Type == models.IntentDirectAnswer:
		return o.answerDirectly(ctx, text, reply)
	}

	kinds := impliedKinds(intent, o.maxDelegations)
	results := o.fanOut(ctx, sessionID, text, contextSnapshot, kinds, reply)
	return o.synthesize(ctx, text, results, reply)
}

// answerDirectly generates a reply without delegating.
func (o *Orchestrator) answerDirectly(ctx context.Context, text string, reply *Reply) (*Reply, error) {
	system, err := o.buildVoice()
	if err != nil {
		return nil, err
	}
	resp, err := o.completions.Complete(ctx, llm.Request{
		System: system,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Text: text},
		},
	})
	if err != nil {
		if errors.Is(err, llm.ErrServiceUnavailable) {
			return degradedReply(reply.Usage), nil
		}
		return nil, fmt.Errorf("direct answer: %w", err)
	}
	reply.Usage = addUsage(reply.Usage, resp.Usage)
	reply.Reason = ReasonOK
	reply.Text = resp.Text
	return reply, nil
}

// impliedKinds resolves the set of sub-agent kinds a turn fans out to:
// the primary intent's kind plus any compound sub-intents, de-duplicated
// and capped.
func impliedKinds(intent *models.Intent, limit int) []models.AgentKind {
	seen := make(map[models.AgentKind]bool)
	var kinds []models.AgentKind

	add := func(t models.IntentType) {
		kind := t.AgentKind()
		if kind == "" || seen[kind] || len(kinds) >= limit {
			return
		}
		seen[kind] = true
		kinds = append(kinds, kind)
	}

	add(intent.Type)
	for _, sub := range intent.SubIntents {
		add(sub)
	}
	return kinds
}

// fanOut spawns one run per implied kind concurrently and waits for all
// of them to settle. Spawn failures become failed contributors rather
// than aborting the turn.
func (o *Orchestrator) fanOut(ctx context.Context, sessionID, text, contextSnapshot string, kinds []models.AgentKind, reply *Reply) []subagent.Result {
	results := make([]subagent.Result, len(kinds))
	runIDs := make([]string, len(kinds))

	var g errgroup.Group
	for i, kind := range kinds {
		g.Go(func() error {
			runID, ch, err := o.spawner.Spawn(ctx, sessionID, subagent.Task{
				Kind:            kind,
				Instruction:     text,
				ContextSnapshot: contextSnapshot,
			})
			if err != nil {
				log.Printf("[butler] spawning %s: %v", kind, err)
				results[i] = subagent.Result{Run: &models.SubAgentRun{
					Kind:   kind,
					Status: models.RunFailed,
					Error:  err.Error(),
				}}
				return nil
			}
			runIDs[i] = runID
			results[i] = <-ch
			return nil
		})
	}
	g.Wait()

	// Run IDs keep kind order however the runs settle.
	for _, id := range runIDs {
		if id != "" {
			reply.RunIDs = append(reply.RunIDs, id)
		}
	}

	for _, res := range results {
		reply.Usage = addUsage(reply.Usage, res.Usage)
	}
	return results
}

// synthesize folds the settled runs into one reply. Partial failures
// are surfaced explicitly; a turn where everything failed still gets a
// coherent explanation.
func (o *Orchestrator) synthesize(ctx context.Context, text string, results []subagent.Result, reply *Reply) (*Reply, error) {
	var succeeded, failed int
	var report strings.Builder
	for _, res := range results {
		run := res.Run
		switch run.Status {
		case models.RunCompleted:
			succeeded++
			fmt.Fprintf(&report, "[%s] succeeded: %s\n", run.Kind, run.Result)
		case models.RunTimedOut:
			failed++
			fmt.Fprintf(&report, "[%s] timed out before finishing; any approval it was waiting on can still be resolved\n", run.Kind)
		default:
			failed++
			fmt.Fprintf(&report, "[%s] failed: %s\n", run.Kind, run.Error)
		}
	}

	switch {
	case failed == 0:
		reply.Reason = ReasonOK
	case succeeded == 0:
		reply.Reason = ReasonAllFailed
	default:
		reply.Reason = ReasonPartialFailure
	}

	system, err := o.buildVoice()
	if err != nil {
		return nil, err
	}
	prompt := fmt.Sprintf(
		"The user asked: %q\n\nDelegated outcomes:\n%s\nWrite the reply to the user. Mention every failure or timeout explicitly.",
		text, report.String())

	resp, err := o.completions.Complete(ctx, llm.Request{
		System: system,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Text: prompt},
		},
	})
	if err != nil {
		if errors.Is(err, llm.ErrServiceUnavailable) {
			// Degraded mode: hand the user the raw outcome report rather
			// than nothing.
			reply.Reason = ReasonDegraded
			reply.Text = "I couldn't reach my language service to phrase this properly. Here is what happened:\n" + report.String()
			return reply, nil
		}
		return nil, fmt.Errorf("synthesizing reply: %w", err)
	}
	reply.Usage = addUsage(reply.Usage, resp.Usage)
	reply.Text = resp.Text
	return reply, nil
}

// buildVoice prepares the butler voice system prompt through the cache
// manager.
func (o *Orchestrator) buildVoice() ([]llm.SystemPart, error) {
	if o.prompts == nil {
		return []llm.SystemPart{{Text: butlerVoice}}, nil
	}
	prepared, err := o.prompts.Prepare([]promptcache.Part{
		{Text: butlerVoice},
	})
	if err != nil {
		return nil, fmt.Errorf("preparing reply prompt: %w", err)
	}
	return prepared.System, nil
}

func degradedReply(usage llm.Usage) *Reply {
	return &Reply{
		Reason: ReasonDegraded,
		Text:   "I'm having trouble reaching my language service right now. Please try again in a moment.",
		Usage:  usage,
	}
}

func addUsage(a, b llm.Usage) llm.Usage {
	return llm.Usage{
		InputTokens:     a.InputTokens + b.InputTokens,
		OutputTokens:    a.OutputTokens + b.OutputTokens,
		CacheReadTokens: a.CacheReadTokens + b.CacheReadTokens,
	}
}
