package state

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/kestrelhq/butler/pkg/models"
)

func testToolCall(id, sessionID string, tier models.Tier) *models.ToolCall {
	return &models.ToolCall{
		ID:          id,
		SessionID:   sessionID,
		ToolName:    "send_message",
		Tier:        tier,
		Arguments:   json.RawMessage(`{"to":"john"}`),
		RequestedBy: "run-1",
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
	}
}

func TestAppendAndGetDecision(t *testing.T) {
	db := setupTestDB(t)

	d := &models.PermissionDecision{
		ToolCallID: "tc-1",
		Outcome:    models.OutcomeApproved,
		ResolvedBy: models.ResolvedByHuman,
		ResolvedAt: time.Now().UTC().Truncate(time.Second),
		Reason:     "looks fine",
	}
	if err := db.AppendDecision(d); err != nil {
		t.Fatalf("AppendDecision failed: %v", err)
	}

	got, err := db.GetDecision("tc-1")
	if err != nil {
		t.Fatalf("GetDecision failed: %v", err)
	}
	if got == nil {
		t.Fatal("GetDecision returned nil")
	}
	if got.Outcome != models.OutcomeApproved {
		t.Errorf("Outcome = %q, want approved", got.Outcome)
	}
	if got.ResolvedBy != models.ResolvedByHuman {
		t.Errorf("ResolvedBy = %q, want human", got.ResolvedBy)
	}
	if got.Reason != "looks fine" {
		t.Errorf("Reason = %q, want %q", got.Reason, "looks fine")
	}
}

func TestGetDecision_Pending(t *testing.T) {
	db := setupTestDB(t)

	got, err := db.GetDecision("never-resolved")
	if err != nil {
		t.Fatalf("GetDecision failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for pending call, got %+v", got)
	}
}

func TestGetDecision_FirstAppendWins(t *testing.T) {
	db := setupTestDB(t)

	// The log is append-only; a second append for the same call never
	// rewrites the original resolution.
	first := &models.PermissionDecision{
		ToolCallID: "tc-2", Outcome: models.OutcomeDenied,
		ResolvedBy: models.ResolvedByHuman, ResolvedAt: time.Now().UTC(),
	}
	second := &models.PermissionDecision{
		ToolCallID: "tc-2", Outcome: models.OutcomeApproved,
		ResolvedBy: models.ResolvedByHuman, ResolvedAt: time.Now().UTC(),
	}
	if err := db.AppendDecision(first); err != nil {
		t.Fatalf("append first: %v", err)
	}
	if err := db.AppendDecision(second); err != nil {
		t.Fatalf("append second: %v", err)
	}

	got, err := db.GetDecision("tc-2")
	if err != nil {
		t.Fatalf("GetDecision failed: %v", err)
	}
	if got.Outcome != models.OutcomeDenied {
		t.Errorf("Outcome = %q, want the first appended (denied)", got.Outcome)
	}
}

func TestListDecisions_AppendOrder(t *testing.T) {
	db := setupTestDB(t)

	for _, id := range []string{"a", "b", "c"} {
		d := &models.PermissionDecision{
			ToolCallID: id,
			Outcome:    models.OutcomeAutoAllowed,
			ResolvedBy: models.ResolvedBySystem,
			ResolvedAt: time.Now().UTC(),
		}
		if err := db.AppendDecision(d); err != nil {
			t.Fatalf("AppendDecision failed: %v", err)
		}
	}

	got, err := db.ListDecisions()
	if err != nil {
		t.Fatalf("ListDecisions failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, id := range []string{"a", "b", "c"} {
		if got[i].ToolCallID != id {
			t.Errorf("position %d = %q, want %q", i, got[i].ToolCallID, id)
		}
	}
}

func TestListPendingToolCalls(t *testing.T) {
	db := setupTestDB(t)

	if err := db.CreateToolCall(testToolCall("tc-p", "s1", models.TierWrite)); err != nil {
		t.Fatalf("CreateToolCall failed: %v", err)
	}
	if err := db.CreateToolCall(testToolCall("tc-r", "s1", models.TierRead)); err != nil {
		t.Fatalf("CreateToolCall failed: %v", err)
	}
	if err := db.AppendDecision(&models.PermissionDecision{
		ToolCallID: "tc-r",
		Outcome:    models.OutcomeAutoAllowed,
		ResolvedBy: models.ResolvedBySystem,
		ResolvedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("AppendDecision failed: %v", err)
	}

	pending, err := db.ListPendingToolCalls("s1")
	if err != nil {
		t.Fatalf("ListPendingToolCalls failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "tc-p" {
		t.Errorf("pending = %+v, want just tc-p", pending)
	}
}

func TestGetToolCall_RoundTrip(t *testing.T) {
	db := setupTestDB(t)

	tc := testToolCall("tc-x", "s2", models.TierDestructive)
	if err := db.CreateToolCall(tc); err != nil {
		t.Fatalf("CreateToolCall failed: %v", err)
	}

	got, err := db.GetToolCall("tc-x")
	if err != nil {
		t.Fatalf("GetToolCall failed: %v", err)
	}
	if got == nil {
		t.Fatal("GetToolCall returned nil")
	}
	if got.Tier != models.TierDestructive {
		t.Errorf("Tier = %q, want destructive", got.Tier)
	}
	if string(got.Arguments) != `{"to":"john"}` {
		t.Errorf("Arguments = %s", got.Arguments)
	}
}
