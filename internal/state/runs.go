package state

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/kestrelhq/butler/pkg/models"
)

// Sub-agent run persistence operations

// CreateRun records a newly spawned sub-agent run.
func (db *DB) CreateRun(r *models.SubAgentRun) error {
	_, err := db.Exec(`
		INSERT INTO subagent_runs (id, session_id, kind, context_snapshot, status, result, error, started_at, settled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.SessionID, string(r.Kind), nullIfEmpty(r.ContextSnapshot), string(r.Status),
		nullIfEmpty(r.Result), nullIfEmpty(r.Error), formatTime(r.StartedAt), nullableTime(r.SettledAt))
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// UpdateRun updates a run's status and result fields.
func (db *DB) UpdateRun(r *models.SubAgentRun) error {
	_, err := db.Exec(`
		UPDATE subagent_runs SET status = ?, result = ?, error = ?, settled_at = ?
		WHERE id = ?
	`, string(r.Status), nullIfEmpty(r.Result), nullIfEmpty(r.Error), nullableTime(r.SettledAt), r.ID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID. Returns nil if not found.
func (db *DB) GetRun(id string) (*models.SubAgentRun, error) {
	row := db.QueryRow(`
		SELECT id, session_id, kind, COALESCE(context_snapshot, ''), status, COALESCE(result, ''), COALESCE(error, ''), started_at, settled_at
		FROM subagent_runs WHERE id = ?
	`, id)

	var r models.SubAgentRun
	var kind, status, startedAt string
	var settledAt sql.NullString
	err := row.Scan(&r.ID, &r.SessionID, &kind, &r.ContextSnapshot, &status, &r.Result, &r.Error, &startedAt, &settledAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	r.Kind = models.AgentKind(kind)
	r.Status = models.RunStatus(status)
	r.StartedAt, _ = parseTime(startedAt)
	r.SettledAt = parseNullableTime(settledAt)
	return &r, nil
}

// ListRunsBySession returns all runs for a session, oldest first.
func (db *DB) ListRunsBySession(sessionID string) ([]models.SubAgentRun, error) {
	rows, err := db.Query(`
		SELECT id, session_id, kind, COALESCE(context_snapshot, ''), status, COALESCE(result, ''), COALESCE(error, ''), started_at, settled_at
		FROM subagent_runs WHERE session_id = ? ORDER BY started_at
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []models.SubAgentRun
	for rows.Next() {
		var r models.SubAgentRun
		var kind, status, startedAt string
		var settledAt sql.NullString
		if err := rows.Scan(&r.ID, &r.SessionID, &kind, &r.ContextSnapshot, &status, &r.Result, &r.Error, &startedAt, &settledAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Kind = models.AgentKind(kind)
		r.Status = models.RunStatus(status)
		r.StartedAt, _ = parseTime(startedAt)
		r.SettledAt = parseNullableTime(settledAt)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}
