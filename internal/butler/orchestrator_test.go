package butler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kestrelhq/butler/internal/llm"
	"github.com/kestrelhq/butler/internal/state"
	"github.com/kestrelhq/butler/internal/subagent"
	"github.com/kestrelhq/butler/internal/tools"
	"github.com/kestrelhq/butler/pkg/models"
)

// memRunStore is an in-memory state.RunStore.
type memRunStore struct {
	mu   sync.Mutex
	runs map[string]models.SubAgentRun
}

var _ state.RunStore = (*memRunStore)(nil)

func newMemRunStore() *memRunStore {
	return &memRunStore{runs: make(map[string]models.SubAgentRun)}
}

func (m *memRunStore) CreateRun(r *models.SubAgentRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[r.ID]; ok {
		return fmt.Errorf("run %s already exists", r.ID)
	}
	m.runs[r.ID] = *r
	return nil
}

func (m *memRunStore) UpdateRun(r *models.SubAgentRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[r.ID]; !ok {
		return fmt.Errorf("run %s not found", r.ID)
	}
	m.runs[r.ID] = *r
	return nil
}

func (m *memRunStore) GetRun(id string) (*models.SubAgentRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (m *memRunStore) ListRunsBySession(sessionID string) ([]models.SubAgentRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.SubAgentRun
	for _, r := range m.runs {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	return out, nil
}

func systemText(req llm.Request) string {
	var b strings.Builder
	for _, p := range req.System {
		b.WriteString(p.Text)
	}
	return b.String()
}

func lastUserText(req llm.Request) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == llm.RoleUser {
			return req.Messages[i].Text
		}
	}
	return ""
}

// turnRouter dispatches fake completions by call site: the classifier's
// system prompt, the synthesis prompt, or a sub-agent personality.
type turnRouter struct {
	classification string
	synthesis      func(report string) (*llm.Response, error)
	agent          func(req llm.Request) (*llm.Response, error)
}

func (r *turnRouter) complete(req llm.Request) (*llm.Response, error) {
	sys := systemText(req)
	switch {
	case strings.Contains(sys, "intent router"):
		return &llm.Response{Text: r.classification, StopReason: llm.StopEndTurn}, nil
	case strings.Contains(lastUserText(req), "Delegated outcomes:"):
		if r.synthesis != nil {
			return r.synthesis(lastUserText(req))
		}
		return &llm.Response{Text: "synthesized reply", StopReason: llm.StopEndTurn}, nil
	default:
		return r.agent(req)
	}
}

func newTestOrchestrator(t *testing.T, router *turnRouter) (*Orchestrator, *memRunStore) {
	t.Helper()
	svc := &fakeLLM{fn: router.complete}
	runs := newMemRunStore()
	spawner := subagent.NewSpawner(subagent.SpawnerConfig{
		Completions: svc,
		Registry:    tools.NewRegistry(),
		Runs:        runs,
		Timeout:     5 * time.Second,
	})
	return NewOrchestrator(OrchestratorConfig{
		Classifier:  NewClassifier(svc, nil, 0.55),
		Spawner:     spawner,
		Completions: svc,
	}), runs
}

func TestHandleTurn_Clarify(t *testing.T) {
	router := &turnRouter{
		classification: `{"candidates": [{"type": "delegate_scheduler", "confidence": 0.3}]}`,
	}
	o, _ := newTestOrchestrator(t, router)

	reply, err := o.HandleTurn(context.Background(), "s1", "do something with the thing", "")
	if err != nil {
		t.Fatalf("HandleTurn failed: %v", err)
	}
	if reply.Reason != ReasonLowConfidence {
		t.Errorf("Reason = %q, want %q", reply.Reason, ReasonLowConfidence)
	}
	if len(reply.RunIDs) != 0 {
		t.Errorf("RunIDs = %v, want none", reply.RunIDs)
	}
}

func TestHandleTurn_CannotHelp(t *testing.T) {
	router := &turnRouter{
		classification: `{"candidates": [{"type": "cannot_help", "confidence": 0.9}]}`,
	}
	o, _ := newTestOrchestrator(t, router)

	reply, err := o.HandleTurn(context.Background(), "s1", "repair my car", "")
	if err != nil {
		t.Fatalf("HandleTurn failed: %v", err)
	}
	if reply.Reason != ReasonCannotHelp {
		t.Errorf("Reason = %q, want %q", reply.Reason, ReasonCannotHelp)
	}
}

func TestHandleTurn_DirectAnswer(t *testing.T) {
	router := &turnRouter{
		classification: `{"candidates": [{"type": "direct_answer", "confidence": 0.95}]}`,
		agent: func(req llm.Request) (*llm.Response, error) {
			return &llm.Response{Text: "Paris.", StopReason: llm.StopEndTurn}, nil
		},
	}
	o, _ := newTestOrchestrator(t, router)

	reply, err := o.HandleTurn(context.Background(), "s1", "what is the capital of France", "")
	if err != nil {
		t.Fatalf("HandleTurn failed: %v", err)
	}
	if reply.Reason != ReasonOK {
		t.Errorf("Reason = %q, want %q", reply.Reason, ReasonOK)
	}
	if reply.Text != "Paris." {
		t.Errorf("Text = %q", reply.Text)
	}
	if len(reply.RunIDs) != 0 {
		t.Errorf("RunIDs = %v, want none for a direct answer", reply.RunIDs)
	}
}

func TestHandleTurn_SingleDelegation(t *testing.T) {
	router := &turnRouter{
		classification: `{"candidates": [{"type": "delegate_scheduler", "confidence": 0.9}]}`,
		agent: func(req llm.Request) (*llm.Response, error) {
			return &llm.Response{Text: "Your 2pm slot is free.", StopReason: llm.StopEndTurn}, nil
		},
		synthesis: func(report string) (*llm.Response, error) {
			if !strings.Contains(report, "Your 2pm slot is free.") {
				return nil, fmt.Errorf("synthesis prompt missing run result: %q", report)
			}
			return &llm.Response{Text: "You're free at 2pm.", StopReason: llm.StopEndTurn}, nil
		},
	}
	o, runs := newTestOrchestrator(t, router)

	reply, err := o.HandleTurn(context.Background(), "s1", "am I free at 2pm", "")
	if err != nil {
		t.Fatalf("HandleTurn failed: %v", err)
	}
	if reply.Reason != ReasonOK {
		t.Errorf("Reason = %q, want %q", reply.Reason, ReasonOK)
	}
	if reply.Text != "You're free at 2pm." {
		t.Errorf("Text = %q", reply.Text)
	}
	if len(reply.RunIDs) != 1 {
		t.Fatalf("RunIDs = %v, want one", reply.RunIDs)
	}
	run, err := runs.GetRun(reply.RunIDs[0])
	if err != nil || run == nil {
		t.Fatalf("GetRun: run=%v err=%v", run, err)
	}
	if run.Status != models.RunCompleted {
		t.Errorf("run status = %q, want completed", run.Status)
	}
}

func TestHandleTurn_CompoundFansOut(t *testing.T) {
	router := &turnRouter{
		classification: `{
			"candidates": [{"type": "delegate_communicator", "confidence": 0.85}],
			"sub_intents": ["delegate_scheduler"]
		}`,
		agent: func(req llm.Request) (*llm.Response, error) {
			sys := systemText(req)
			switch {
			case strings.Contains(sys, "communication assistant"):
				return &llm.Response{Text: "Email sent to John.", StopReason: llm.StopEndTurn}, nil
			case strings.Contains(sys, "scheduling assistant"):
				return &llm.Response{Text: "Meeting booked for Tuesday.", StopReason: llm.StopEndTurn}, nil
			default:
				return nil, fmt.Errorf("unexpected system prompt: %q", sys)
			}
		},
		synthesis: func(report string) (*llm.Response, error) {
			if !strings.Contains(report, "Email sent to John.") || !strings.Contains(report, "Meeting booked for Tuesday.") {
				return nil, fmt.Errorf("synthesis prompt missing a run result: %q", report)
			}
			return &llm.Response{Text: "Done on both fronts.", StopReason: llm.StopEndTurn}, nil
		},
	}
	o, runs := newTestOrchestrator(t, router)

	reply, err := o.HandleTurn(context.Background(), "s1", "email John about the meeting we should schedule", "")
	if err != nil {
		t.Fatalf("HandleTurn failed: %v", err)
	}
	if reply.Reason != ReasonOK {
		t.Errorf("Reason = %q, want %q", reply.Reason, ReasonOK)
	}
	if len(reply.RunIDs) != 2 {
		t.Fatalf("RunIDs = %v, want two", reply.RunIDs)
	}

	// Run IDs come back in spawn order: the primary intent's kind first,
	// sub-intents after, whichever run settles first.
	var kinds []models.AgentKind
	for _, id := range reply.RunIDs {
		r, _ := runs.GetRun(id)
		if r == nil {
			t.Fatalf("run %s not persisted", id)
		}
		kinds = append(kinds, r.Kind)
	}
	if kinds[0] != models.KindCommunicator || kinds[1] != models.KindScheduler {
		t.Errorf("run kinds = %v, want [communicator scheduler]", kinds)
	}
}

func TestHandleTurn_PartialFailure(t *testing.T) {
	router := &turnRouter{
		classification: `{
			"candidates": [{"type": "delegate_scheduler", "confidence": 0.85}],
			"sub_intents": ["delegate_communicator"]
		}`,
		agent: func(req llm.Request) (*llm.Response, error) {
			if strings.Contains(systemText(req), "communication assistant") {
				return nil, fmt.Errorf("smtp relay rejected the connection")
			}
			return &llm.Response{Text: "Meeting moved to 4pm.", StopReason: llm.StopEndTurn}, nil
		},
		synthesis: func(report string) (*llm.Response, error) {
			if !strings.Contains(report, "failed") {
				return nil, fmt.Errorf("synthesis prompt does not surface the failure: %q", report)
			}
			return &llm.Response{Text: "I moved the meeting, but the email did not go out.", StopReason: llm.StopEndTurn}, nil
		},
	}
	o, runs := newTestOrchestrator(t, router)

	reply, err := o.HandleTurn(context.Background(), "s1", "move the meeting and tell the team", "")
	if err != nil {
		t.Fatalf("HandleTurn failed: %v", err)
	}
	if reply.Reason != ReasonPartialFailure {
		t.Errorf("Reason = %q, want %q", reply.Reason, ReasonPartialFailure)
	}
	if !strings.Contains(reply.Text, "did not go out") {
		t.Errorf("Text = %q, want the failure mentioned", reply.Text)
	}

	all, _ := runs.ListRunsBySession("s1")
	var failed int
	for _, r := range all {
		if r.Status == models.RunFailed {
			failed++
		}
	}
	if failed != 1 {
		t.Errorf("failed runs = %d, want 1", failed)
	}
}

func TestHandleTurn_AllFailed(t *testing.T) {
	router := &turnRouter{
		classification: `{"candidates": [{"type": "delegate_researcher", "confidence": 0.8}]}`,
		agent: func(req llm.Request) (*llm.Response, error) {
			return nil, fmt.Errorf("upstream search unavailable")
		},
		synthesis: func(report string) (*llm.Response, error) {
			return &llm.Response{Text: "I couldn't complete the research.", StopReason: llm.StopEndTurn}, nil
		},
	}
	o, _ := newTestOrchestrator(t, router)

	reply, err := o.HandleTurn(context.Background(), "s1", "research quantum computing trends", "")
	if err != nil {
		t.Fatalf("HandleTurn failed: %v", err)
	}
	if reply.Reason != ReasonAllFailed {
		t.Errorf("Reason = %q, want %q", reply.Reason, ReasonAllFailed)
	}
}

func TestHandleTurn_DegradedClassification(t *testing.T) {
	svc := &fakeLLM{fn: func(req llm.Request) (*llm.Response, error) {
		return nil, llm.ErrServiceUnavailable
	}}
	o := NewOrchestrator(OrchestratorConfig{
		Classifier:  NewClassifier(svc, nil, 0.55),
		Completions: svc,
	})

	reply, err := o.HandleTurn(context.Background(), "s1", "hello", "")
	if err != nil {
		t.Fatalf("HandleTurn failed: %v", err)
	}
	if reply.Reason != ReasonDegraded {
		t.Errorf("Reason = %q, want %q", reply.Reason, ReasonDegraded)
	}
	if reply.Text == "" {
		t.Error("degraded reply has no text")
	}
}

func TestHandleTurn_DegradedSynthesisFallsBackToReport(t *testing.T) {
	router := &turnRouter{
		classification: `{"candidates": [{"type": "delegate_scheduler", "confidence": 0.9}]}`,
		agent: func(req llm.Request) (*llm.Response, error) {
			return &llm.Response{Text: "Lunch added for Friday.", StopReason: llm.StopEndTurn}, nil
		},
		synthesis: func(report string) (*llm.Response, error) {
			return nil, llm.ErrServiceUnavailable
		},
	}
	o, _ := newTestOrchestrator(t, router)

	reply, err := o.HandleTurn(context.Background(), "s1", "add lunch on Friday", "")
	if err != nil {
		t.Fatalf("HandleTurn failed: %v", err)
	}
	if reply.Reason != ReasonDegraded {
		t.Errorf("Reason = %q, want %q", reply.Reason, ReasonDegraded)
	}
	if !strings.Contains(reply.Text, "Lunch added for Friday.") {
		t.Errorf("Text = %q, want the raw outcome report", reply.Text)
	}
}
