package state

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/kestrelhq/butler/pkg/models"
)

// Session CRUD operations

// CreateSession creates a new session record. Inserting an ID that
// already exists is an error; callers that want create-or-load
// semantics should use GetSession first.
func (db *DB) CreateSession(s *models.Session) error {
	_, err := db.Exec(`
		INSERT INTO sessions (id, state, started_at, last_activity_at, open_task_id, tokens_in, tokens_out)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, s.ID, string(s.State), formatTime(s.StartedAt), formatTime(s.LastActivityAt),
		nullIfEmpty(s.OpenTaskID), s.TokensIn, s.TokensOut)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID. Returns nil if not found.
func (db *DB) GetSession(id string) (*models.Session, error) {
	row := db.QueryRow(`
		SELECT id, state, started_at, last_activity_at, open_task_id, tokens_in, tokens_out
		FROM sessions WHERE id = ?
	`, id)
	return scanSession(row)
}

// UpdateSession updates a session record.
func (db *DB) UpdateSession(s *models.Session) error {
	res, err := db.Exec(`
		UPDATE sessions SET state = ?, last_activity_at = ?, open_task_id = ?, tokens_in = ?, tokens_out = ?
		WHERE id = ?
	`, string(s.State), formatTime(s.LastActivityAt), nullIfEmpty(s.OpenTaskID),
		s.TokensIn, s.TokensOut, s.ID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("update session: no session with id %s", s.ID)
	}
	return nil
}

// ListSessions returns all sessions, optionally filtered by state.
// Pass nil for no filter.
func (db *DB) ListSessions(stateFilter *models.SessionState) ([]models.Session, error) {
	query := `
		SELECT id, state, started_at, last_activity_at, open_task_id, tokens_in, tokens_out
		FROM sessions
	`
	var args []any
	if stateFilter != nil {
		query += " WHERE state = ?"
		args = append(args, string(*stateFilter))
	}
	query += " ORDER BY started_at DESC"

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		s, err := scanSessionRows(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

// ArchiveStale marks every non-terminated session whose last activity
// is older than the cutoff as terminated. Returns the number archived.
// Sessions are archived, never deleted.
func (db *DB) ArchiveStale(cutoff time.Time) (int64, error) {
	res, err := db.Exec(`
		UPDATE sessions SET state = ?
		WHERE state != ? AND last_activity_at < ?
	`, string(models.SessionTerminated), string(models.SessionTerminated), formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("archive stale sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return n, nil
}

func scanSession(row *sql.Row) (*models.Session, error) {
	var s models.Session
	var state, startedAt, lastActivity string
	var openTask sql.NullString
	err := row.Scan(&s.ID, &state, &startedAt, &lastActivity, &openTask, &s.TokensIn, &s.TokensOut)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	s.State = models.SessionState(state)
	s.StartedAt, _ = parseTime(startedAt)
	s.LastActivityAt, _ = parseTime(lastActivity)
	if openTask.Valid {
		s.OpenTaskID = openTask.String
	}
	return &s, nil
}

func scanSessionRows(rows *sql.Rows) (*models.Session, error) {
	var s models.Session
	var state, startedAt, lastActivity string
	var openTask sql.NullString
	err := rows.Scan(&s.ID, &state, &startedAt, &lastActivity, &openTask, &s.TokensIn, &s.TokensOut)
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	s.State = models.SessionState(state)
	s.StartedAt, _ = parseTime(startedAt)
	s.LastActivityAt, _ = parseTime(lastActivity)
	if openTask.Valid {
		s.OpenTaskID = openTask.String
	}
	return &s, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
