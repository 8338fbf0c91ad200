package permission

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kestrelhq/butler/internal/config"
	"github.com/kestrelhq/butler/internal/hooks"
	"github.com/kestrelhq/butler/pkg/models"
)

// memStore is an in-memory ToolCallStore + AuditStore.
type memStore struct {
	mu        sync.Mutex
	calls     map[string]*models.ToolCall
	decisions []models.PermissionDecision
}

func newMemStore() *memStore {
	return &memStore{calls: make(map[string]*models.ToolCall)}
}

func (m *memStore) CreateToolCall(tc *models.ToolCall) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *tc
	m.calls[tc.ID] = &cp
	return nil
}

func (m *memStore) GetToolCall(id string) (*models.ToolCall, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tc, ok := m.calls[id]
	if !ok {
		return nil, nil
	}
	cp := *tc
	return &cp, nil
}

func (m *memStore) ListPendingToolCalls(sessionID string) ([]models.ToolCall, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	resolved := make(map[string]bool)
	for _, d := range m.decisions {
		resolved[d.ToolCallID] = true
	}
	var pending []models.ToolCall
	for _, tc := range m.calls {
		if tc.SessionID == sessionID && !resolved[tc.ID] {
			pending = append(pending, *tc)
		}
	}
	return pending, nil
}

func (m *memStore) AppendDecision(d *models.PermissionDecision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions = append(m.decisions, *d)
	return nil
}

func (m *memStore) GetDecision(toolCallID string) (*models.PermissionDecision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.decisions {
		if d.ToolCallID == toolCallID {
			cp := d
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) ListDecisions() ([]models.PermissionDecision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.PermissionDecision(nil), m.decisions...), nil
}

func (m *memStore) decisionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.decisions)
}

// recordingNotifier records session state flips.
type recordingNotifier struct {
	mu       sync.Mutex
	awaiting int
	active   int
}

func (n *recordingNotifier) MarkAwaitingConfirmation(string) {
	n.mu.Lock()
	n.awaiting++
	n.mu.Unlock()
}

func (n *recordingNotifier) MarkActive(string) {
	n.mu.Lock()
	n.active++
	n.mu.Unlock()
}

// vetoProc is a hook ProcessRunner that always vetoes.
type vetoProc struct{}

func (vetoProc) Run(ctx context.Context, command string, env []string, stdin []byte) ([]byte, int, error) {
	return []byte(`{"decision":"veto","reason":"policy says no"}`), 0, nil
}

func newTestEngine(t *testing.T, store *memStore, opts ...func(*EngineConfig)) *Engine {
	t.Helper()
	cfg := EngineConfig{
		Calls:           store,
		Audit:           store,
		Approvals:       NewApprovalManager(),
		ApprovalTimeout: time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return NewEngine(cfg)
}

func call(id string, tier models.Tier) *models.ToolCall {
	return &models.ToolCall{
		ID:          id,
		SessionID:   "sess",
		ToolName:    "archive_area",
		Tier:        tier,
		Arguments:   json.RawMessage(`{"area":"q1"}`),
		RequestedBy: "run-1",
		CreatedAt:   time.Now().UTC(),
	}
}

// respond answers the next confirmation request on the engine.
func respond(t *testing.T, e *Engine, fn func(ConfirmationRequest) ConfirmationResponse) {
	t.Helper()
	go func() {
		select {
		case req := <-e.Approvals().RequestCh():
			e.Approvals().SubmitResponse(fn(req))
		case <-time.After(2 * time.Second):
			t.Error("no confirmation request arrived")
		}
	}()
}

func TestAuthorize_ReadAutoAllowed(t *testing.T) {
	store := newMemStore()
	e := newTestEngine(t, store)

	d, err := e.Authorize(context.Background(), call("tc1", models.TierRead))
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	if d.Outcome != models.OutcomeAutoAllowed {
		t.Errorf("Outcome = %q, want auto_allowed", d.Outcome)
	}
	if d.ResolvedBy != models.ResolvedBySystem {
		t.Errorf("ResolvedBy = %q, want system", d.ResolvedBy)
	}
	if store.decisionCount() != 1 {
		t.Errorf("audit entries = %d, want 1", store.decisionCount())
	}
}

func TestAuthorize_UnknownTier(t *testing.T) {
	e := newTestEngine(t, newMemStore())
	tc := call("tc-bad", models.Tier("sideways"))
	if _, err := e.Authorize(context.Background(), tc); err == nil {
		t.Error("expected error for unknown tier")
	}
}

func TestAuthorize_HookVetoBlocks(t *testing.T) {
	store := newMemStore()
	runner, err := hooks.NewRunner([]config.HookRegistration{
		{ID: "guard", Event: models.EventPreToolUse, Command: "guard.sh"},
	}, hooks.WithProcessRunner(vetoProc{}))
	if err != nil {
		t.Fatalf("NewRunner failed: %v", err)
	}
	e := newTestEngine(t, store, func(cfg *EngineConfig) { cfg.Hooks = runner })

	d, err := e.Authorize(context.Background(), call("tc2", models.TierRead))
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	if d.Outcome != models.OutcomeBlocked {
		t.Errorf("Outcome = %q, want blocked", d.Outcome)
	}
	if d.Reason != "policy says no" {
		t.Errorf("Reason = %q", d.Reason)
	}
	if d.Outcome.Allows() {
		t.Error("blocked call must not be allowed to execute")
	}
}

func TestAuthorize_WriteApproved(t *testing.T) {
	store := newMemStore()
	notifier := &recordingNotifier{}
	e := newTestEngine(t, store, func(cfg *EngineConfig) { cfg.Notifier = notifier })

	respond(t, e, func(req ConfirmationRequest) ConfirmationResponse {
		if req.Tier != models.TierWrite {
			t.Errorf("request tier = %q, want write", req.Tier)
		}
		if req.Token != "" {
			t.Errorf("write request carries token %q, want none", req.Token)
		}
		return ConfirmationResponse{ToolCallID: req.ToolCallID, Approved: true}
	})

	d, err := e.Authorize(context.Background(), call("tc3", models.TierWrite))
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	if d.Outcome != models.OutcomeApproved {
		t.Errorf("Outcome = %q, want approved", d.Outcome)
	}
	if d.ResolvedBy != models.ResolvedByHuman {
		t.Errorf("ResolvedBy = %q, want human", d.ResolvedBy)
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if notifier.awaiting != 1 || notifier.active != 1 {
		t.Errorf("notifier saw awaiting=%d active=%d, want 1/1", notifier.awaiting, notifier.active)
	}
}

func TestAuthorize_ConcurrentWritesBalanceNotifier(t *testing.T) {
	store := newMemStore()
	notifier := &recordingNotifier{}
	e := newTestEngine(t, store, func(cfg *EngineConfig) { cfg.Notifier = notifier })

	// Answer the two requests one at a time, so both waits overlap and
	// the second is still outstanding when the first resolves.
	go func() {
		for i := 0; i < 2; i++ {
			select {
			case req := <-e.Approvals().RequestCh():
				time.Sleep(20 * time.Millisecond)
				e.Approvals().SubmitResponse(ConfirmationResponse{ToolCallID: req.ToolCallID, Approved: true})
			case <-time.After(2 * time.Second):
				t.Error("confirmation request missing")
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for _, id := range []string{"tc-a", "tc-b"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.Authorize(context.Background(), call(id, models.TierWrite)); err != nil {
				t.Errorf("Authorize %s failed: %v", id, err)
			}
		}()
	}
	wg.Wait()

	// Every wait unmarks once; the session manager's counter depends on
	// the pairs balancing.
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if notifier.awaiting != 2 || notifier.active != 2 {
		t.Errorf("notifier saw awaiting=%d active=%d, want 2/2", notifier.awaiting, notifier.active)
	}
}

func TestAuthorize_WriteDenied(t *testing.T) {
	store := newMemStore()
	e := newTestEngine(t, store)

	respond(t, e, func(req ConfirmationRequest) ConfirmationResponse {
		return ConfirmationResponse{ToolCallID: req.ToolCallID, Approved: false, Reason: "not now"}
	})

	d, err := e.Authorize(context.Background(), call("tc4", models.TierWrite))
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	if d.Outcome != models.OutcomeDenied {
		t.Errorf("Outcome = %q, want denied", d.Outcome)
	}
	if d.Reason != "not now" {
		t.Errorf("Reason = %q", d.Reason)
	}
}

func TestAuthorize_DestructiveRequiresToken(t *testing.T) {
	store := newMemStore()
	e := newTestEngine(t, store)

	// Approving without echoing the token must deny.
	respond(t, e, func(req ConfirmationRequest) ConfirmationResponse {
		if req.Token == "" {
			t.Error("destructive request carries no token")
		}
		return ConfirmationResponse{ToolCallID: req.ToolCallID, Approved: true, Token: "wrong"}
	})

	d, err := e.Authorize(context.Background(), call("tc5", models.TierDestructive))
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	if d.Outcome != models.OutcomeDenied {
		t.Errorf("Outcome = %q, want denied on token mismatch", d.Outcome)
	}
}

func TestAuthorize_DestructiveApprovedWithToken(t *testing.T) {
	store := newMemStore()
	e := newTestEngine(t, store)

	respond(t, e, func(req ConfirmationRequest) ConfirmationResponse {
		return ConfirmationResponse{ToolCallID: req.ToolCallID, Approved: true, Token: req.Token}
	})

	d, err := e.Authorize(context.Background(), call("tc6", models.TierDestructive))
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	if d.Outcome != models.OutcomeApproved {
		t.Errorf("Outcome = %q, want approved", d.Outcome)
	}
	if d.ResolvedBy != models.ResolvedByHuman {
		t.Errorf("ResolvedBy = %q, want human", d.ResolvedBy)
	}
}

func TestAuthorize_TimeoutLeavesCallPending(t *testing.T) {
	store := newMemStore()
	e := newTestEngine(t, store, func(cfg *EngineConfig) {
		cfg.ApprovalTimeout = 30 * time.Millisecond
	})

	_, err := e.Authorize(context.Background(), call("tc7", models.TierWrite))
	if !errors.Is(err, ErrDecisionPending) {
		t.Fatalf("err = %v, want ErrDecisionPending", err)
	}
	if store.decisionCount() != 0 {
		t.Errorf("audit entries = %d, want 0 while pending", store.decisionCount())
	}

	pending, _ := store.ListPendingToolCalls("sess")
	if len(pending) != 1 {
		t.Fatalf("pending calls = %d, want 1", len(pending))
	}

	// The call can still be resolved out-of-band afterwards.
	if err := e.Resolve("tc7", true, "", "approved from approvals dir"); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	d, _ := store.GetDecision("tc7")
	if d == nil || d.Outcome != models.OutcomeApproved {
		t.Errorf("decision after out-of-band resolve = %+v, want approved", d)
	}
}

func TestResolve_AlreadyResolved(t *testing.T) {
	store := newMemStore()
	e := newTestEngine(t, store)

	if _, err := e.Authorize(context.Background(), call("tc8", models.TierRead)); err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	err := e.Resolve("tc8", false, "", "")
	if !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("err = %v, want ErrAlreadyResolved", err)
	}
}

func TestTokenIssuer_SingleUse(t *testing.T) {
	issuer := NewTokenIssuer()

	token, err := issuer.Issue("tc")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if len(token) != 8 {
		t.Errorf("token length = %d, want 8", len(token))
	}

	if issuer.Consume("tc", "bogus") {
		t.Error("wrong token consumed")
	}
	if !issuer.Consume("tc", token) {
		t.Error("valid token rejected")
	}
	if issuer.Consume("tc", token) {
		t.Error("token consumed twice")
	}
}

func TestTokenIssuer_Revoke(t *testing.T) {
	issuer := NewTokenIssuer()
	token, _ := issuer.Issue("tc")
	issuer.Revoke("tc")
	if issuer.Consume("tc", token) {
		t.Error("revoked token consumed")
	}
}
