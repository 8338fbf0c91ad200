// Package approval resolves pending tool calls out-of-band through a
// watched directory. Dropping a JSON file into .butler/approvals
// approves or denies a call even after the run that raised it has
// timed out.
package approval

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Resolver applies an out-of-band decision to a tool call. The
// permission engine implements it.
type Resolver interface {
	Resolve(toolCallID string, approved bool, token, reason string) error
}

// decisionFile is the on-disk format of an approval drop.
type decisionFile struct {
	ToolCallID string `json:"tool_call_id"`
	Approved   bool   `json:"approved"`
	Token      string `json:"token,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Watcher monitors the approvals directory for decision files.
type Watcher struct {
	dir      string
	resolver Resolver

	watcher *fsnotify.Watcher
	done    chan struct{}
	once    sync.Once
}

// NewWatcher creates an approvals watcher rooted at dir and begins
// watching. Decision files already present in the directory are
// processed on startup, so decisions made while Butler was down are
// not lost.
func NewWatcher(dir string, resolver Resolver) (*Watcher, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	w := &Watcher{
		dir:      dir,
		resolver: resolver,
		done:     make(chan struct{}),
	}

	w.processExisting()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		// Continue without watcher; existing files were already applied
		log.Printf("[approval] watcher unavailable, out-of-band decisions apply on restart: %v", err)
		return w, nil
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		log.Printf("[approval] cannot watch %s: %v", dir, err)
		return w, nil
	}
	w.watcher = fsw

	go w.watch()

	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.once.Do(func() { close(w.done) })
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}

// watch applies decision files as they appear.
func (w *Watcher) watch() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			w.apply(event.Name)
		case <-w.watcher.Errors:
			// Keep watching
		}
	}
}

// processExisting applies any decision files left from a previous run.
func (w *Watcher) processExisting() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		w.apply(filepath.Join(w.dir, entry.Name()))
	}
}

// apply reads a decision file, resolves the call, and removes the file.
// A file that fails to resolve is left in place for inspection.
func (w *Watcher) apply(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var d decisionFile
	if err := json.Unmarshal(data, &d); err != nil {
		log.Printf("[approval] malformed decision file %s: %v", filepath.Base(path), err)
		return
	}
	if d.ToolCallID == "" {
		log.Printf("[approval] decision file %s missing tool_call_id", filepath.Base(path))
		return
	}

	if err := w.resolver.Resolve(d.ToolCallID, d.Approved, d.Token, d.Reason); err != nil {
		log.Printf("[approval] could not resolve %s: %v", d.ToolCallID, err)
		return
	}

	verdict := "denied"
	if d.Approved {
		verdict = "approved"
	}
	log.Printf("[approval] tool call %s %s out-of-band", d.ToolCallID, verdict)
	os.Remove(path)
}
