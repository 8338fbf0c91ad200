// Package session owns the session lifecycle: the state machine, idle
// suspension and resume, and the hook events fired at each transition.
// The session record is written only here, except for the
// AwaitingConfirmation edge the permission engine is allowed to drive.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelhq/butler/internal/butler"
	"github.com/kestrelhq/butler/internal/hooks"
	"github.com/kestrelhq/butler/internal/permission"
	"github.com/kestrelhq/butler/internal/state"
	"github.com/kestrelhq/butler/pkg/models"
)

// The permission engine drives the AwaitingConfirmation edge through
// this interface.
var _ permission.SessionNotifier = (*Manager)(nil)

// ErrSessionNotFound is returned for operations on an unknown session id.
var ErrSessionNotFound = errors.New("session not found")

// ErrSessionTerminated is returned when ingesting into a session that
// reached a terminal state, or whose idle window expired.
var ErrSessionTerminated = errors.New("session terminated")

// contextTurns is how many recent turns the delegation context
// snapshot carries.
const contextTurns = 6

// turnRecord is one utterance/reply pair kept for context snapshots.
type turnRecord struct {
	User  string
	Reply string
}

// Manager drives session lifecycle and turn ingestion.
type Manager struct {
	sessions     state.SessionStore
	hooks        *hooks.Runner
	orchestrator *butler.Orchestrator
	// idleWindow is how long a suspended session stays resumable.
	idleWindow time.Duration

	mu sync.Mutex
	// awaiting counts outstanding confirmations per session.
	awaiting map[string]int
	// history holds recent turns per session, for context snapshots.
	history map[string][]turnRecord

	now func() time.Time
}

// ManagerConfig configures a session manager.
type ManagerConfig struct {
	Sessions     state.SessionStore
	Hooks        *hooks.Runner
	Orchestrator *butler.Orchestrator
	IdleWindow   time.Duration
}

// NewManager creates a session manager.
func NewManager(cfg ManagerConfig) *Manager {
	idle := cfg.IdleWindow
	if idle <= 0 {
		idle = 30 * time.Minute
	}
	return &Manager{
		sessions:     cfg.Sessions,
		hooks:        cfg.Hooks,
		orchestrator: cfg.Orchestrator,
		idleWindow:   idle,
		awaiting:     make(map[string]int),
		history:      make(map[string][]turnRecord),
		now:          time.Now,
	}
}

// Start creates a new session and moves it to Active. The SessionStart
// hook fires before the transition commits; hook failures are logged
// and the transition proceeds.
func (m *Manager) Start(ctx context.Context) (*models.Session, error) {
	now := m.now().UTC()
	s := &models.Session{
		ID:             uuid.New().String(),
		State:          models.SessionInitializing,
		StartedAt:      now,
		LastActivityAt: now,
	}
	if err := m.sessions.CreateSession(s); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	m.fireEvent(ctx, models.EventSessionStart, hooks.Payload{SessionID: s.ID})

	s.State = models.SessionActive
	if err := m.sessions.UpdateSession(s); err != nil {
		return nil, fmt.Errorf("activating session: %w", err)
	}
	return s, nil
}

// IngestTurn processes one user turn in the session. A suspended
// session within its idle window is resumed first; an expired one is
// terminated and reported as such so the caller can start fresh.
func (m *Manager) IngestTurn(ctx context.Context, sessionID, text string) (*butler.Reply, error) {
	s, err := m.load(sessionID)
	if err != nil {
		return nil, err
	}
	if s.State.Terminal() {
		return nil, fmt.Errorf("%w: %s", ErrSessionTerminated, sessionID)
	}
	if s.State == models.SessionSuspended {
		if err := m.resume(ctx, s); err != nil {
			return nil, err
		}
	}

	m.fireEvent(ctx, models.EventUserPromptSubmit, hooks.Payload{
		SessionID: s.ID,
		Text:      text,
	})

	reply, err := m.orchestrator.HandleTurn(ctx, s.ID, text, m.snapshot(s.ID))
	if err != nil {
		return nil, err
	}

	m.record(s.ID, text, reply.Text)

	s.LastActivityAt = m.now().UTC()
	s.TokensIn += reply.Usage.InputTokens
	s.TokensOut += reply.Usage.OutputTokens
	if err := m.sessions.UpdateSession(s); err != nil {
		log.Printf("[session] updating activity for %s: %v", s.ID, err)
	}

	m.fireEvent(ctx, models.EventStop, hooks.Payload{
		SessionID: s.ID,
		Text:      reply.Text,
	})

	return reply, nil
}

// Suspend moves an active session to Suspended. It can be resumed by
// the next turn within the idle window.
func (m *Manager) Suspend(ctx context.Context, sessionID string) error {
	s, err := m.load(sessionID)
	if err != nil {
		return err
	}
	if s.State.Terminal() {
		return fmt.Errorf("%w: %s", ErrSessionTerminated, sessionID)
	}
	if s.State == models.SessionSuspended {
		return nil
	}

	m.fireEvent(ctx, models.EventSessionSuspend, hooks.Payload{SessionID: s.ID})

	s.State = models.SessionSuspended
	s.LastActivityAt = m.now().UTC()
	return m.sessions.UpdateSession(s)
}

// Terminate ends the session. Terminated sessions are archived, never
// deleted, and refuse further turns.
func (m *Manager) Terminate(ctx context.Context, sessionID, reason string) error {
	s, err := m.load(sessionID)
	if err != nil {
		return err
	}
	if s.State.Terminal() {
		return nil
	}

	m.fireEvent(ctx, models.EventSessionEnd, hooks.Payload{
		SessionID: s.ID,
		Text:      reason,
	})

	s.State = models.SessionTerminated
	s.LastActivityAt = m.now().UTC()
	if err := m.sessions.UpdateSession(s); err != nil {
		return fmt.Errorf("terminating session: %w", err)
	}

	m.mu.Lock()
	delete(m.awaiting, sessionID)
	delete(m.history, sessionID)
	m.mu.Unlock()
	return nil
}

// MarkAwaitingConfirmation flags the session as waiting on a human
// decision. Only the waiting sub-agent blocks; the flag is bookkeeping
// for status surfaces, not a lock on unrelated turns.
func (m *Manager) MarkAwaitingConfirmation(sessionID string) {
	m.mu.Lock()
	m.awaiting[sessionID]++
	m.mu.Unlock()
	m.setState(sessionID, models.SessionAwaitingConfirmation)
}

// MarkActive clears the waiting flag once no confirmations are
// outstanding.
func (m *Manager) MarkActive(sessionID string) {
	m.mu.Lock()
	if m.awaiting[sessionID] > 0 {
		m.awaiting[sessionID]--
	}
	remaining := m.awaiting[sessionID]
	m.mu.Unlock()
	if remaining == 0 {
		m.setState(sessionID, models.SessionActive)
	}
}

// resume moves a suspended session back to Active if its idle window
// has not expired; otherwise the session is terminated.
func (m *Manager) resume(ctx context.Context, s *models.Session) error {
	if m.now().Sub(s.LastActivityAt) > m.idleWindow {
		if err := m.Terminate(ctx, s.ID, "idle window expired"); err != nil {
			log.Printf("[session] expiring %s: %v", s.ID, err)
		}
		return fmt.Errorf("%w: idle window expired for %s", ErrSessionTerminated, s.ID)
	}
	s.State = models.SessionActive
	return m.sessions.UpdateSession(s)
}

// load fetches the session or reports ErrSessionNotFound.
func (m *Manager) load(sessionID string) (*models.Session, error) {
	s, err := m.sessions.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return s, nil
}

// setState writes a state change driven from outside the turn path.
func (m *Manager) setState(sessionID string, st models.SessionState) {
	s, err := m.load(sessionID)
	if err != nil || s.State.Terminal() {
		return
	}
	s.State = st
	s.LastActivityAt = m.now().UTC()
	if err := m.sessions.UpdateSession(s); err != nil {
		log.Printf("[session] setting %s to %s: %v", sessionID, st, err)
	}
}

// fireEvent runs the hooks for a lifecycle event. Outcomes other than
// ok are logged; they never block the transition.
func (m *Manager) fireEvent(ctx context.Context, event models.HookEvent, payload hooks.Payload) {
	if m.hooks == nil {
		return
	}
	results := m.hooks.Fire(ctx, event, payload)
	for _, res := range results {
		if res.Outcome != models.HookOK && res.Outcome != models.HookSkipped {
			log.Printf("[session] hook %s on %s: %s", res.HookID, event, res.Outcome)
		}
	}
}

// record appends a turn to the in-memory history ring.
func (m *Manager) record(sessionID, user, reply string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := append(m.history[sessionID], turnRecord{User: user, Reply: reply})
	if len(h) > contextTurns {
		h = h[len(h)-contextTurns:]
	}
	m.history[sessionID] = h
}

// snapshot serializes recent turns into the read-only context slice
// handed to sub-agents.
func (m *Manager) snapshot(sessionID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.history[sessionID]
	if len(h) == 0 {
		return ""
	}
	var b strings.Builder
	for _, t := range h {
		fmt.Fprintf(&b, "User: %s\nButler: %s\n", t.User, t.Reply)
	}
	return b.String()
}
