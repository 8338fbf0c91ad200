package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kestrelhq/butler/pkg/models"
)

// Personality is the configuration record backing one sub-agent kind:
// a prompt template plus the tool set the kind is allowed to request.
// Personalities are data, not code; adding a kind means adding a record.
type Personality struct {
	// Kind is the sub-agent kind this record backs.
	Kind models.AgentKind `yaml:"kind"`
	// SystemPrompt is the template text sent as the system prompt.
	SystemPrompt string `yaml:"system_prompt"`
	// AllowedTools lists the tool names the kind may request.
	AllowedTools []string `yaml:"allowed_tools"`
	// Model optionally overrides the default completion model.
	Model string `yaml:"model"`
	// MaxTurns caps the tool-use loop for this kind. Zero means the
	// spawner's default.
	MaxTurns int `yaml:"max_turns"`
}

// Allows returns true if the personality may request the named tool.
func (p Personality) Allows(toolName string) bool {
	for _, t := range p.AllowedTools {
		if t == toolName {
			return true
		}
	}
	return false
}

type personalitiesFile struct {
	Personalities []Personality `yaml:"personalities"`
}

// LoadPersonalities reads personality records from the given YAML file,
// keyed by kind. A missing path yields the built-in defaults.
func LoadPersonalities(path string) (map[models.AgentKind]Personality, error) {
	if path == "" {
		return DefaultPersonalities(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultPersonalities(), nil
		}
		return nil, fmt.Errorf("read personalities file: %w", err)
	}

	var f personalitiesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse personalities file %s: %w", path, err)
	}

	out := DefaultPersonalities()
	for _, p := range f.Personalities {
		if !p.Kind.Valid() {
			return nil, fmt.Errorf("personalities file %s: unknown kind %q", path, p.Kind)
		}
		if p.SystemPrompt == "" {
			return nil, fmt.Errorf("personalities file %s: kind %s missing system_prompt", path, p.Kind)
		}
		out[p.Kind] = p
	}
	return out, nil
}

// DefaultPersonalities returns the built-in personality records.
func DefaultPersonalities() map[models.AgentKind]Personality {
	return map[models.AgentKind]Personality{
		models.KindScheduler: {
			Kind: models.KindScheduler,
			SystemPrompt: "You are the scheduling assistant. You manage the user's calendar: " +
				"look up events, find free slots, and create or move entries. " +
				"Use the provided tools; never invent calendar contents.",
			AllowedTools: []string{"list_events", "create_event", "move_event"},
			MaxTurns:     8,
		},
		models.KindCommunicator: {
			Kind: models.KindCommunicator,
			SystemPrompt: "You are the communication assistant. You draft and send messages " +
				"on the user's behalf. Keep drafts short and in the user's voice. " +
				"Always send through the provided tools.",
			AllowedTools: []string{"send_message", "send_email", "list_contacts"},
			MaxTurns:     8,
		},
		models.KindNavigator: {
			Kind: models.KindNavigator,
			SystemPrompt: "You are the records assistant. You search, file, and archive the " +
				"user's projects, areas, and notes. Prefer search before mutation.",
			AllowedTools: []string{"search_records", "file_note", "archive_area"},
			MaxTurns:     8,
		},
		models.KindResearcher: {
			Kind: models.KindResearcher,
			SystemPrompt: "You are the research assistant. You search external sources and " +
				"summarize findings with references. You never perform side effects.",
			AllowedTools: []string{"web_search", "fetch_page"},
			MaxTurns:     10,
		},
	}
}
