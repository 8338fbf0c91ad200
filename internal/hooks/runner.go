// Package hooks dispatches lifecycle events to externally registered
// hook programs. Hooks are arbitrary executables judged only by exit
// code and stdout; a hook failure is recorded but never aborts the
// caller.
package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/gobwas/glob"
	"golang.org/x/sync/errgroup"

	"github.com/kestrelhq/butler/internal/config"
	"github.com/kestrelhq/butler/pkg/models"
)

// Payload is the structured event data delivered to hooks. It is
// serialized as JSON on each hook's stdin; the most useful fields are
// also exported as environment variables.
type Payload struct {
	// SessionID is the session the event belongs to.
	SessionID string `json:"session_id"`
	// ToolName is set for PreToolUse/PostToolUse events.
	ToolName string `json:"tool_name,omitempty"`
	// ToolCallID is set for PreToolUse/PostToolUse events.
	ToolCallID string `json:"tool_call_id,omitempty"`
	// Arguments carries the tool call arguments, if any.
	Arguments json.RawMessage `json:"arguments,omitempty"`
	// Text carries event-specific text (the user prompt, the reply).
	Text string `json:"text,omitempty"`
}

// matchSubject returns the string a registration's matcher runs against.
// Tool events match on the tool name; other events match on session ID.
func (p Payload) matchSubject() string {
	if p.ToolName != "" {
		return p.ToolName
	}
	return p.SessionID
}

// advisory is the well-formed stdout contract. Hooks may print a JSON
// object to contribute advisory data; anything else is ignored.
type advisory struct {
	Decision      string `json:"decision"`
	Reason        string `json:"reason"`
	SystemMessage string `json:"systemMessage"`
}

// registration pairs a hook registration with its compiled matcher.
type registration struct {
	config.HookRegistration
	matcher glob.Glob // nil matches everything
}

// Runner dispatches events to registered hooks.
type Runner struct {
	byEvent        map[models.HookEvent][]registration
	proc           ProcessRunner
	maxParallel    int
	defaultTimeout time.Duration
}

// Option configures a Runner.
type Option func(*Runner)

// WithProcessRunner overrides the process runner (for testing).
func WithProcessRunner(proc ProcessRunner) Option {
	return func(r *Runner) { r.proc = proc }
}

// WithMaxParallel bounds concurrent hook executions within an event.
func WithMaxParallel(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.maxParallel = n
		}
	}
}

// WithDefaultTimeout sets the timeout for registrations without one.
func WithDefaultTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.defaultTimeout = d
		}
	}
}

// NewRunner creates a Runner for the given registrations. Matchers are
// compiled once here; a registration with an invalid matcher pattern is
// an error.
func NewRunner(regs []config.HookRegistration, opts ...Option) (*Runner, error) {
	r := &Runner{
		byEvent:        make(map[models.HookEvent][]registration),
		proc:           NewShellRunner(),
		maxParallel:    4,
		defaultTimeout: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}

	for _, reg := range regs {
		entry := registration{HookRegistration: reg}
		if reg.Matcher != "" {
			g, err := glob.Compile(reg.Matcher)
			if err != nil {
				return nil, fmt.Errorf("hook %s: invalid matcher %q: %w", reg.ID, reg.Matcher, err)
			}
			entry.matcher = g
		}
		r.byEvent[reg.Event] = append(r.byEvent[reg.Event], entry)
	}

	// Stable order per event.
	for event := range r.byEvent {
		regs := r.byEvent[event]
		sort.SliceStable(regs, func(i, j int) bool { return regs[i].Order < regs[j].Order })
	}

	return r, nil
}

// Fire dispatches the event to all matching hooks and returns one
// result per registration on the event. Hooks with the same Order value
// run concurrently (bounded by max parallelism); distinct Order values
// run strictly in ascending sequence. Fire never returns an error:
// every failure mode is a result with a non-ok outcome.
func (r *Runner) Fire(ctx context.Context, event models.HookEvent, payload Payload) []models.HookExecutionResult {
	regs := r.byEvent[event]
	if len(regs) == 0 {
		return nil
	}

	stdin, err := json.Marshal(payload)
	if err != nil {
		// Payload is built from plain structs; this should not happen,
		// but hooks still get env vars if it does.
		log.Printf("[hooks] marshal payload for %s: %v", event, err)
		stdin = nil
	}

	results := make([]models.HookExecutionResult, len(regs))
	subject := payload.matchSubject()

	for start := 0; start < len(regs); {
		// One order group: contiguous registrations sharing Order.
		end := start + 1
		for end < len(regs) && regs[end].Order == regs[start].Order {
			end++
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.maxParallel)
		for i := start; i < end; i++ {
			i := i
			reg := regs[i]
			if reg.matcher != nil && !reg.matcher.Match(subject) {
				results[i] = models.HookExecutionResult{
					HookID:  reg.ID,
					Event:   event,
					Outcome: models.HookSkipped,
				}
				continue
			}
			g.Go(func() error {
				results[i] = r.execute(gctx, event, reg, stdin, payload)
				return nil
			})
		}
		g.Wait()

		start = end
	}

	return results
}

// Vetoed reports whether any ok result carries a veto. Only PreToolUse
// results should be consulted for vetoes.
func Vetoed(results []models.HookExecutionResult) (bool, string) {
	for _, res := range results {
		if res.Outcome == models.HookOK && res.Veto {
			return true, res.Message
		}
	}
	return false, ""
}

// execute runs one hook under its timeout and converts every possible
// failure into a result.
func (r *Runner) execute(ctx context.Context, event models.HookEvent, reg registration, stdin []byte, payload Payload) models.HookExecutionResult {
	result := models.HookExecutionResult{
		HookID: reg.ID,
		Event:  event,
	}

	timeout := reg.HookRegistration.Timeout(r.defaultTimeout)
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	env := []string{
		"BUTLER_HOOK_EVENT=" + string(event),
		"BUTLER_SESSION_ID=" + payload.SessionID,
	}
	if payload.ToolName != "" {
		env = append(env, "BUTLER_TOOL_NAME="+payload.ToolName)
	}
	if payload.ToolCallID != "" {
		env = append(env, "BUTLER_TOOL_CALL_ID="+payload.ToolCallID)
	}

	start := time.Now()
	stdout, exitCode, err := r.proc.Run(hctx, reg.Command, env, stdin)
	result.Duration = time.Since(start)
	result.ExitCode = exitCode

	if err != nil {
		if hctx.Err() == context.DeadlineExceeded {
			result.Outcome = models.HookTimeout
			log.Printf("[hooks] %s on %s timed out after %v", reg.ID, event, timeout)
		} else {
			result.Outcome = models.HookError
			result.Message = err.Error()
			log.Printf("[hooks] %s on %s failed to run: %v", reg.ID, event, err)
		}
		return result
	}

	if exitCode != 0 {
		result.Outcome = models.HookError
		log.Printf("[hooks] %s on %s exited %d", reg.ID, event, exitCode)
		return result
	}

	result.Outcome = models.HookOK
	applyAdvisory(&result, stdout)
	return result
}

// applyAdvisory parses well-formed stdout into advisory fields.
// Malformed output downgrades the result to an error outcome and is
// otherwise ignored.
func applyAdvisory(result *models.HookExecutionResult, stdout []byte) {
	trimmed := bytes.TrimSpace(stdout)
	if len(trimmed) == 0 {
		return
	}

	var adv advisory
	if err := json.Unmarshal(trimmed, &adv); err != nil {
		result.Outcome = models.HookError
		return
	}

	if adv.Decision == "veto" {
		result.Veto = true
	}
	if adv.Reason != "" {
		result.Message = adv.Reason
	} else if adv.SystemMessage != "" {
		result.Message = adv.SystemMessage
	}
}
