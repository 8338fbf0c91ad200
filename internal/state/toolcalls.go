package state

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/kestrelhq/butler/pkg/models"
)

// ToolCall persistence operations

// CreateToolCall records a requested tool call.
func (db *DB) CreateToolCall(tc *models.ToolCall) error {
	_, err := db.Exec(`
		INSERT INTO tool_calls (id, session_id, tool_name, tier, arguments, requested_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, tc.ID, tc.SessionID, tc.ToolName, string(tc.Tier), string(tc.Arguments),
		tc.RequestedBy, formatTime(tc.CreatedAt))
	if err != nil {
		return fmt.Errorf("create tool call: %w", err)
	}
	return nil
}

// GetToolCall retrieves a tool call by ID. Returns nil if not found.
func (db *DB) GetToolCall(id string) (*models.ToolCall, error) {
	row := db.QueryRow(`
		SELECT id, session_id, tool_name, tier, arguments, requested_by, created_at
		FROM tool_calls WHERE id = ?
	`, id)

	var tc models.ToolCall
	var tier, createdAt string
	var arguments sql.NullString
	err := row.Scan(&tc.ID, &tc.SessionID, &tc.ToolName, &tier, &arguments, &tc.RequestedBy, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get tool call: %w", err)
	}
	tc.Tier = models.Tier(tier)
	if arguments.Valid {
		tc.Arguments = json.RawMessage(arguments.String)
	}
	tc.CreatedAt, _ = parseTime(createdAt)
	return &tc, nil
}

// ListPendingToolCalls returns the tool calls for a session that have
// no recorded decision yet. A timed-out sub-agent leaves its in-flight
// calls pending so they can be resolved out-of-band.
func (db *DB) ListPendingToolCalls(sessionID string) ([]models.ToolCall, error) {
	rows, err := db.Query(`
		SELECT tc.id, tc.session_id, tc.tool_name, tc.tier, tc.arguments, tc.requested_by, tc.created_at
		FROM tool_calls tc
		LEFT JOIN audit_log a ON a.tool_call_id = tc.id
		WHERE tc.session_id = ? AND a.tool_call_id IS NULL
		ORDER BY tc.created_at
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list pending tool calls: %w", err)
	}
	defer rows.Close()

	var calls []models.ToolCall
	for rows.Next() {
		var tc models.ToolCall
		var tier, createdAt string
		var arguments sql.NullString
		if err := rows.Scan(&tc.ID, &tc.SessionID, &tc.ToolName, &tier, &arguments, &tc.RequestedBy, &createdAt); err != nil {
			return nil, fmt.Errorf("scan tool call: %w", err)
		}
		tc.Tier = models.Tier(tier)
		if arguments.Valid {
			tc.Arguments = json.RawMessage(arguments.String)
		}
		tc.CreatedAt, _ = parseTime(createdAt)
		calls = append(calls, tc)
	}
	return calls, rows.Err()
}
