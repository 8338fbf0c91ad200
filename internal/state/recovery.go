package state

import (
	"fmt"
	"log"
	"time"

	"github.com/kestrelhq/butler/pkg/models"
)

// InterruptedSession describes a session found in a non-terminal state
// on startup, usually left behind by a crash.
type InterruptedSession struct {
	SessionID    string
	State        models.SessionState
	StartedAt    time.Time
	LastActivity time.Time
	RunningRuns  int
	PendingCalls int
}

// RecoveryManager detects sessions interrupted by a previous crash and
// settles their dangling sub-agent runs. Pending tool calls are left
// pending so a human can still resolve them out-of-band.
type RecoveryManager struct {
	db *DB
}

// NewRecoveryManager creates a new RecoveryManager with the given database.
func NewRecoveryManager(db *DB) *RecoveryManager {
	return &RecoveryManager{db: db}
}

// CheckForInterrupted returns any sessions that are neither terminated
// nor suspended, along with counts of their dangling work.
func (rm *RecoveryManager) CheckForInterrupted() ([]InterruptedSession, error) {
	sessions, err := rm.db.ListSessions(nil)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	var interrupted []InterruptedSession
	for _, s := range sessions {
		if s.State == models.SessionTerminated || s.State == models.SessionSuspended {
			continue
		}

		runs, err := rm.db.ListRunsBySession(s.ID)
		if err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		running := 0
		for _, r := range runs {
			if r.Status == models.RunRunning {
				running++
			}
		}

		pending, err := rm.db.ListPendingToolCalls(s.ID)
		if err != nil {
			return nil, fmt.Errorf("list pending tool calls: %w", err)
		}

		interrupted = append(interrupted, InterruptedSession{
			SessionID:    s.ID,
			State:        s.State,
			StartedAt:    s.StartedAt,
			LastActivity: s.LastActivityAt,
			RunningRuns:  running,
			PendingCalls: len(pending),
		})
	}

	return interrupted, nil
}

// Recover suspends an interrupted session and marks its still-running
// sub-agent runs as failed. The session can then be resumed normally
// within the idle window, or archived when it expires.
func (rm *RecoveryManager) Recover(sessionID string) error {
	s, err := rm.db.GetSession(sessionID)
	if err != nil {
		return err
	}
	if s == nil {
		return fmt.Errorf("recover: no session with id %s", sessionID)
	}

	runs, err := rm.db.ListRunsBySession(sessionID)
	if err != nil {
		return err
	}
	now := time.Now()
	for i := range runs {
		r := &runs[i]
		if r.Status != models.RunRunning {
			continue
		}
		r.Status = models.RunFailed
		r.Error = "interrupted by shutdown"
		r.SettledAt = &now
		if err := rm.db.UpdateRun(r); err != nil {
			return err
		}
		log.Printf("[recovery] marked run %s failed (interrupted)", r.ID)
	}

	s.State = models.SessionSuspended
	s.LastActivityAt = now
	return rm.db.UpdateSession(s)
}
