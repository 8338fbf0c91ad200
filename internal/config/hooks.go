package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kestrelhq/butler/pkg/models"
)

// HookRegistration is one entry from the hooks YAML file. Registrations
// are static configuration: the file is read once at startup and never
// mutated at runtime.
type HookRegistration struct {
	// ID is a stable identifier for the registration.
	ID string `yaml:"id"`
	// Event names the lifecycle event the hook listens on.
	Event models.HookEvent `yaml:"event"`
	// Matcher is a glob over tool names (for PreToolUse/PostToolUse) or
	// over the event payload's subject. Empty matches everything.
	Matcher string `yaml:"matcher"`
	// Command is the executable to run, invoked through "sh -c".
	Command string `yaml:"command"`
	// TimeoutMs is the per-execution timeout in milliseconds.
	// Zero means the runner's default timeout.
	TimeoutMs int `yaml:"timeout_ms"`
	// Order sequences hooks within one event. Hooks sharing an order
	// value have no guaranteed relative order and may run concurrently.
	Order int `yaml:"order"`
}

// Timeout returns the registration's timeout, or fallback if unset.
func (r HookRegistration) Timeout(fallback time.Duration) time.Duration {
	if r.TimeoutMs <= 0 {
		return fallback
	}
	return time.Duration(r.TimeoutMs) * time.Millisecond
}

// hooksFile is the YAML document shape.
type hooksFile struct {
	Hooks []HookRegistration `yaml:"hooks"`
}

// LoadHooks reads hook registrations from the given YAML file.
// A missing path yields no hooks, not an error: hooks are optional.
func LoadHooks(path string) ([]HookRegistration, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read hooks file: %w", err)
	}

	var f hooksFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse hooks file %s: %w", path, err)
	}

	for i, h := range f.Hooks {
		if h.ID == "" {
			return nil, fmt.Errorf("hooks file %s: entry %d missing id", path, i)
		}
		if !h.Event.Valid() {
			return nil, fmt.Errorf("hooks file %s: hook %s has unknown event %q", path, h.ID, h.Event)
		}
		if h.Command == "" {
			return nil, fmt.Errorf("hooks file %s: hook %s missing command", path, h.ID)
		}
	}

	return f.Hooks, nil
}
