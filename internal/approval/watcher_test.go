package approval

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// memResolver records resolutions and can reject them.
type memResolver struct {
	mu       sync.Mutex
	resolved []string
	approved map[string]bool
	err      error
}

func newMemResolver() *memResolver {
	return &memResolver{approved: make(map[string]bool)}
}

func (r *memResolver) Resolve(toolCallID string, approved bool, token, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.resolved = append(r.resolved, toolCallID)
	r.approved[toolCallID] = approved
	return nil
}

func (r *memResolver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.resolved)
}

func writeDecision(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing decision file: %v", err)
	}
	return path
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestNewWatcher_ProcessesExistingFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "approvals")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	writeDecision(t, dir, "tc1.json", `{"tool_call_id": "tc1", "approved": true}`)
	writeDecision(t, dir, "tc2.json", `{"tool_call_id": "tc2", "approved": false, "reason": "not now"}`)

	resolver := newMemResolver()
	w, err := NewWatcher(dir, resolver)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer w.Close()

	if resolver.count() != 2 {
		t.Fatalf("resolved %d calls, want 2", resolver.count())
	}
	if !resolver.approved["tc1"] || resolver.approved["tc2"] {
		t.Errorf("approved = %v", resolver.approved)
	}

	// Applied files are removed.
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("%d files left in directory, want 0", len(entries))
	}
}

func TestWatcher_AppliesNewFiles(t *testing.T) {
	dir := t.TempDir()
	resolver := newMemResolver()
	w, err := NewWatcher(dir, resolver)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer w.Close()

	writeDecision(t, dir, "tc9.json", `{"tool_call_id": "tc9", "approved": true, "token": "deadbeef"}`)

	waitFor(t, func() bool { return resolver.count() == 1 })
	if !resolver.approved["tc9"] {
		t.Error("tc9 should be approved")
	}
}

func TestWatcher_IgnoresNonJSON(t *testing.T) {
	dir := t.TempDir()
	resolver := newMemResolver()
	w, err := NewWatcher(dir, resolver)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer w.Close()

	writeDecision(t, dir, "README.txt", "not a decision")
	writeDecision(t, dir, "tc1.json", `{"tool_call_id": "tc1", "approved": true}`)

	waitFor(t, func() bool { return resolver.count() == 1 })
	if resolver.resolved[0] != "tc1" {
		t.Errorf("resolved = %v", resolver.resolved)
	}
}

func TestWatcher_MalformedFileLeftInPlace(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "approvals")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	path := writeDecision(t, dir, "bad.json", `{not json`)

	resolver := newMemResolver()
	w, err := NewWatcher(dir, resolver)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer w.Close()

	if resolver.count() != 0 {
		t.Errorf("resolved %d calls from malformed file", resolver.count())
	}
	if _, err := os.Stat(path); err != nil {
		t.Error("malformed file should be left for inspection")
	}
}

func TestWatcher_FailedResolutionKeepsFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "approvals")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	path := writeDecision(t, dir, "tc1.json", `{"tool_call_id": "tc1", "approved": true}`)

	resolver := newMemResolver()
	resolver.err = fmt.Errorf("tool call already resolved")
	w, err := NewWatcher(dir, resolver)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer w.Close()

	if _, err := os.Stat(path); err != nil {
		t.Error("file should survive a failed resolution")
	}
}

func TestWatcher_MissingToolCallID(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "approvals")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	writeDecision(t, dir, "anon.json", `{"approved": true}`)

	resolver := newMemResolver()
	w, err := NewWatcher(dir, resolver)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer w.Close()

	if resolver.count() != 0 {
		t.Errorf("resolved %d calls without a tool_call_id", resolver.count())
	}
}
