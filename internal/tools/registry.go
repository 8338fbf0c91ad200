// Package tools provides the tool registry and the permission-checked
// execution path for capability providers.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/kestrelhq/butler/internal/llm"
	"github.com/kestrelhq/butler/pkg/models"
)

// Provider executes concrete actions for one or more tools (send a
// message, create a calendar entry, search a record store). Providers
// are external collaborators; the core treats them as fallible.
type Provider interface {
	// Execute performs the named tool with the given arguments and
	// returns an opaque result payload.
	Execute(ctx context.Context, toolName string, args json.RawMessage) (string, error)
}

// Registration binds a tool name to its tier, schema, and provider.
// The tier is assigned here, at registration time; it is data, never
// inferred from a call.
type Registration struct {
	// Name is the tool name sub-agents request.
	Name string
	// Tier is the side-effect tier driving the permission policy.
	Tier models.Tier
	// Description is shown to the model in the tool schema.
	Description string
	// Properties and Required describe the tool's input schema.
	Properties map[string]any
	Required   []string
	// Provider executes the tool.
	Provider Provider
}

// Schema returns the llm schema for this registration.
func (r Registration) Schema() llm.ToolSchema {
	return llm.ToolSchema{
		Name:        r.Name,
		Description: r.Description,
		Properties:  r.Properties,
		Required:    r.Required,
	}
}

// Registry holds all registered tools. Registration happens at startup;
// lookups are concurrent.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Registration)}
}

// Register adds a tool. Registering a name twice or an invalid tier is
// an error.
func (r *Registry) Register(reg Registration) error {
	if reg.Name == "" {
		return fmt.Errorf("register tool: empty name")
	}
	if !reg.Tier.Valid() {
		return fmt.Errorf("register tool %s: invalid tier %q", reg.Name, reg.Tier)
	}
	if reg.Provider == nil {
		return fmt.Errorf("register tool %s: nil provider", reg.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[reg.Name]; exists {
		return fmt.Errorf("register tool %s: already registered", reg.Name)
	}
	r.tools[reg.Name] = reg
	return nil
}

// Get returns the registration for a tool name.
func (r *Registry) Get(name string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[name]
	return reg, ok
}

// Schemas returns llm schemas for the named tools, skipping unknown
// names. Sub-agent personalities use this to offer only their allowed
// tool set to the model.
func (r *Registry) Schemas(names []string) []llm.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []llm.ToolSchema
	for _, name := range names {
		if reg, ok := r.tools[name]; ok {
			out = append(out, reg.Schema())
		}
	}
	return out
}

// Names returns all registered tool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}
