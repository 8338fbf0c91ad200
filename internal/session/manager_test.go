package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kestrelhq/butler/internal/butler"
	"github.com/kestrelhq/butler/internal/config"
	"github.com/kestrelhq/butler/internal/hooks"
	"github.com/kestrelhq/butler/internal/llm"
	"github.com/kestrelhq/butler/internal/state"
	"github.com/kestrelhq/butler/pkg/models"
)

// memSessionStore is an in-memory state.SessionStore.
type memSessionStore struct {
	mu       sync.Mutex
	sessions map[string]models.Session
}

var _ state.SessionStore = (*memSessionStore)(nil)

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{sessions: make(map[string]models.Session)}
}

func (m *memSessionStore) CreateSession(s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return fmt.Errorf("session %s already exists", s.ID)
	}
	m.sessions[s.ID] = *s
	return nil
}

func (m *memSessionStore) GetSession(id string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *memSessionStore) UpdateSession(s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; !ok {
		return fmt.Errorf("session %s not found", s.ID)
	}
	m.sessions[s.ID] = *s
	return nil
}

func (m *memSessionStore) ListSessions(filter *models.SessionState) ([]models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Session
	for _, s := range m.sessions {
		if filter == nil || s.State == *filter {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memSessionStore) ArchiveStale(cutoff time.Time) (int64, error) { return 0, nil }

// answeringLLM classifies every turn as a direct answer and replies with
// a fixed text.
type answeringLLM struct {
	answer string
	usage  llm.Usage
}

func (a *answeringLLM) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	var sys strings.Builder
	for _, p := range req.System {
		sys.WriteString(p.Text)
	}
	if strings.Contains(sys.String(), "intent router") {
		return &llm.Response{
			Text:       `{"candidates": [{"type": "direct_answer", "confidence": 0.95}]}`,
			StopReason: llm.StopEndTurn,
			Usage:      a.usage,
		}, nil
	}
	return &llm.Response{Text: a.answer, StopReason: llm.StopEndTurn, Usage: a.usage}, nil
}

// eventRecorder is a ProcessRunner that records which lifecycle events
// reached a hook.
type eventRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *eventRecorder) Run(ctx context.Context, command string, env []string, stdin []byte) ([]byte, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range env {
		if v, ok := strings.CutPrefix(e, "BUTLER_HOOK_EVENT="); ok {
			r.events = append(r.events, v)
		}
	}
	return nil, 0, nil
}

func (r *eventRecorder) seen(event models.HookEvent) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int
	for _, e := range r.events {
		if e == string(event) {
			n++
		}
	}
	return n
}

func newTestManager(t *testing.T, idle time.Duration) (*Manager, *memSessionStore, *eventRecorder) {
	t.Helper()

	recorder := &eventRecorder{}
	regs := []config.HookRegistration{
		{ID: "observe-start", Event: models.EventSessionStart, Command: "true"},
		{ID: "observe-prompt", Event: models.EventUserPromptSubmit, Command: "true"},
		{ID: "observe-stop", Event: models.EventStop, Command: "true"},
		{ID: "observe-suspend", Event: models.EventSessionSuspend, Command: "true"},
		{ID: "observe-end", Event: models.EventSessionEnd, Command: "true"},
	}
	runner, err := hooks.NewRunner(regs, hooks.WithProcessRunner(recorder))
	if err != nil {
		t.Fatalf("NewRunner failed: %v", err)
	}

	svc := &answeringLLM{answer: "Certainly.", usage: llm.Usage{InputTokens: 7, OutputTokens: 3}}
	orch := butler.NewOrchestrator(butler.OrchestratorConfig{
		Classifier:  butler.NewClassifier(svc, nil, 0.55),
		Completions: svc,
	})

	store := newMemSessionStore()
	return NewManager(ManagerConfig{
		Sessions:     store,
		Hooks:        runner,
		Orchestrator: orch,
		IdleWindow:   idle,
	}), store, recorder
}

func TestStart(t *testing.T) {
	m, store, recorder := newTestManager(t, time.Minute)

	s, err := m.Start(context.Background())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if s.State != models.SessionActive {
		t.Errorf("State = %q, want active", s.State)
	}
	persisted, _ := store.GetSession(s.ID)
	if persisted == nil || persisted.State != models.SessionActive {
		t.Errorf("persisted session = %+v", persisted)
	}
	if recorder.seen(models.EventSessionStart) != 1 {
		t.Errorf("SessionStart fired %d times, want 1", recorder.seen(models.EventSessionStart))
	}
}

func TestIngestTurn_UnknownSession(t *testing.T) {
	m, _, _ := newTestManager(t, time.Minute)

	_, err := m.IngestTurn(context.Background(), "no-such-session", "hello")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestIngestTurn_RepliesAndAccumulatesUsage(t *testing.T) {
	m, store, recorder := newTestManager(t, time.Minute)
	s, _ := m.Start(context.Background())

	reply, err := m.IngestTurn(context.Background(), s.ID, "good morning")
	if err != nil {
		t.Fatalf("IngestTurn failed: %v", err)
	}
	if reply.Text != "Certainly." {
		t.Errorf("Text = %q", reply.Text)
	}
	if reply.Reason != butler.ReasonOK {
		t.Errorf("Reason = %q", reply.Reason)
	}

	persisted, _ := store.GetSession(s.ID)
	// Classification plus the direct answer: two completion calls.
	if persisted.TokensIn != 14 || persisted.TokensOut != 6 {
		t.Errorf("tokens = %d/%d, want 14/6", persisted.TokensIn, persisted.TokensOut)
	}
	if recorder.seen(models.EventUserPromptSubmit) != 1 || recorder.seen(models.EventStop) != 1 {
		t.Errorf("prompt/stop events = %d/%d, want 1/1",
			recorder.seen(models.EventUserPromptSubmit), recorder.seen(models.EventStop))
	}
}

func TestIngestTurn_BuildsContextSnapshot(t *testing.T) {
	m, _, _ := newTestManager(t, time.Minute)
	s, _ := m.Start(context.Background())

	if _, err := m.IngestTurn(context.Background(), s.ID, "remember the milk"); err != nil {
		t.Fatalf("IngestTurn failed: %v", err)
	}

	snap := m.snapshot(s.ID)
	if !strings.Contains(snap, "User: remember the milk") || !strings.Contains(snap, "Butler: Certainly.") {
		t.Errorf("snapshot = %q", snap)
	}
}

func TestSnapshot_KeepsRecentTurnsOnly(t *testing.T) {
	m, _, _ := newTestManager(t, time.Minute)
	s, _ := m.Start(context.Background())

	for i := 0; i < contextTurns+3; i++ {
		if _, err := m.IngestTurn(context.Background(), s.ID, fmt.Sprintf("turn %d", i)); err != nil {
			t.Fatalf("IngestTurn %d failed: %v", i, err)
		}
	}

	snap := m.snapshot(s.ID)
	if strings.Contains(snap, "User: turn 0\n") {
		t.Error("snapshot still contains the oldest turn")
	}
	if !strings.Contains(snap, fmt.Sprintf("turn %d", contextTurns+2)) {
		t.Error("snapshot missing the newest turn")
	}
}

func TestTerminate_RefusesFurtherTurns(t *testing.T) {
	m, store, recorder := newTestManager(t, time.Minute)
	s, _ := m.Start(context.Background())

	if err := m.Terminate(context.Background(), s.ID, "user said goodbye"); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}
	persisted, _ := store.GetSession(s.ID)
	if persisted.State != models.SessionTerminated {
		t.Errorf("State = %q, want terminated", persisted.State)
	}
	if recorder.seen(models.EventSessionEnd) != 1 {
		t.Errorf("SessionEnd fired %d times, want 1", recorder.seen(models.EventSessionEnd))
	}

	_, err := m.IngestTurn(context.Background(), s.ID, "one more thing")
	if !errors.Is(err, ErrSessionTerminated) {
		t.Errorf("err = %v, want ErrSessionTerminated", err)
	}

	// Terminating again is a no-op, not an error.
	if err := m.Terminate(context.Background(), s.ID, "again"); err != nil {
		t.Errorf("second Terminate failed: %v", err)
	}
	if recorder.seen(models.EventSessionEnd) != 1 {
		t.Error("SessionEnd fired again on a terminated session")
	}
}

func TestSuspendAndResume(t *testing.T) {
	m, store, recorder := newTestManager(t, time.Minute)
	s, _ := m.Start(context.Background())

	if err := m.Suspend(context.Background(), s.ID); err != nil {
		t.Fatalf("Suspend failed: %v", err)
	}
	persisted, _ := store.GetSession(s.ID)
	if persisted.State != models.SessionSuspended {
		t.Errorf("State = %q, want suspended", persisted.State)
	}
	if recorder.seen(models.EventSessionSuspend) != 1 {
		t.Errorf("SessionSuspend fired %d times, want 1", recorder.seen(models.EventSessionSuspend))
	}

	// A turn within the idle window resumes the session.
	if _, err := m.IngestTurn(context.Background(), s.ID, "back again"); err != nil {
		t.Fatalf("IngestTurn after suspend failed: %v", err)
	}
	persisted, _ = store.GetSession(s.ID)
	if persisted.State != models.SessionActive {
		t.Errorf("State = %q, want active after resume", persisted.State)
	}
}

func TestResume_IdleWindowExpired(t *testing.T) {
	m, store, _ := newTestManager(t, time.Minute)
	s, _ := m.Start(context.Background())
	if err := m.Suspend(context.Background(), s.ID); err != nil {
		t.Fatalf("Suspend failed: %v", err)
	}

	m.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	_, err := m.IngestTurn(context.Background(), s.ID, "still there?")
	if !errors.Is(err, ErrSessionTerminated) {
		t.Fatalf("err = %v, want ErrSessionTerminated", err)
	}
	persisted, _ := store.GetSession(s.ID)
	if persisted.State != models.SessionTerminated {
		t.Errorf("State = %q, want terminated after idle expiry", persisted.State)
	}
}

func TestMarkAwaitingConfirmation(t *testing.T) {
	m, store, _ := newTestManager(t, time.Minute)
	s, _ := m.Start(context.Background())

	m.MarkAwaitingConfirmation(s.ID)
	m.MarkAwaitingConfirmation(s.ID)
	persisted, _ := store.GetSession(s.ID)
	if persisted.State != models.SessionAwaitingConfirmation {
		t.Errorf("State = %q, want awaiting_confirmation", persisted.State)
	}

	// One of two outstanding confirmations resolved: still waiting.
	m.MarkActive(s.ID)
	persisted, _ = store.GetSession(s.ID)
	if persisted.State != models.SessionAwaitingConfirmation {
		t.Errorf("State = %q, want awaiting_confirmation with one pending", persisted.State)
	}

	m.MarkActive(s.ID)
	persisted, _ = store.GetSession(s.ID)
	if persisted.State != models.SessionActive {
		t.Errorf("State = %q, want active once all resolved", persisted.State)
	}
}
