package state

import (
	"fmt"

	"github.com/kestrelhq/butler/pkg/models"
)

// Audit log operations. The audit log is append-only: the store exposes
// no update or delete for it, and every permission decision is recorded
// regardless of outcome.

// AppendDecision appends a permission decision to the audit log.
func (db *DB) AppendDecision(d *models.PermissionDecision) error {
	_, err := db.Exec(`
		INSERT INTO audit_log (tool_call_id, outcome, resolved_by, resolved_at, reason)
		VALUES (?, ?, ?, ?, ?)
	`, d.ToolCallID, string(d.Outcome), string(d.ResolvedBy), formatTime(d.ResolvedAt),
		nullIfEmpty(d.Reason))
	if err != nil {
		return fmt.Errorf("append decision: %w", err)
	}
	return nil
}

// GetDecision returns the decision recorded for a tool call, or nil if
// the call is still pending.
func (db *DB) GetDecision(toolCallID string) (*models.PermissionDecision, error) {
	rows, err := db.Query(`
		SELECT tool_call_id, outcome, resolved_by, resolved_at, COALESCE(reason, '')
		FROM audit_log WHERE tool_call_id = ?
		ORDER BY seq LIMIT 1
	`, toolCallID)
	if err != nil {
		return nil, fmt.Errorf("get decision: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	d, err := scanDecision(rows)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// ListDecisions returns all recorded decisions in append order.
func (db *DB) ListDecisions() ([]models.PermissionDecision, error) {
	rows, err := db.Query(`
		SELECT tool_call_id, outcome, resolved_by, resolved_at, COALESCE(reason, '')
		FROM audit_log ORDER BY seq
	`)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	var decisions []models.PermissionDecision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		decisions = append(decisions, *d)
	}
	return decisions, rows.Err()
}

type decisionScanner interface {
	Scan(dest ...any) error
}

func scanDecision(row decisionScanner) (*models.PermissionDecision, error) {
	var d models.PermissionDecision
	var outcome, resolvedBy, resolvedAt string
	if err := row.Scan(&d.ToolCallID, &outcome, &resolvedBy, &resolvedAt, &d.Reason); err != nil {
		return nil, fmt.Errorf("scan decision: %w", err)
	}
	d.Outcome = models.DecisionOutcome(outcome)
	d.ResolvedBy = models.ResolverKind(resolvedBy)
	d.ResolvedAt, _ = parseTime(resolvedAt)
	return &d, nil
}
