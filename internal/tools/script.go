package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kestrelhq/butler/internal/hooks"
)

// ScriptProvider backs tools with external shell commands configured
// per tool name. Arguments are piped to the command as JSON on stdin;
// stdout becomes the tool result. Anything the user can script becomes
// a capability.
type ScriptProvider struct {
	commands map[string]string
	runner   hooks.ProcessRunner
}

var _ Provider = (*ScriptProvider)(nil)

// NewScriptProvider creates a provider over the tool→command map.
func NewScriptProvider(commands map[string]string) *ScriptProvider {
	return &ScriptProvider{
		commands: commands,
		runner:   hooks.NewShellRunner(),
	}
}

// Configured returns true if a command backs the tool.
func (p *ScriptProvider) Configured(toolName string) bool {
	_, ok := p.commands[toolName]
	return ok
}

// Execute runs the tool's command with the arguments on stdin.
func (p *ScriptProvider) Execute(ctx context.Context, toolName string, args json.RawMessage) (string, error) {
	command, ok := p.commands[toolName]
	if !ok {
		return "", fmt.Errorf("no command configured for tool %q", toolName)
	}

	env := []string{"BUTLER_TOOL_NAME=" + toolName}
	stdout, exitCode, err := p.runner.Run(ctx, command, env, args)
	if err != nil {
		return "", fmt.Errorf("running %s provider: %w", toolName, err)
	}
	if exitCode != 0 {
		return "", fmt.Errorf("%s provider exited %d: %s", toolName, exitCode, strings.TrimSpace(string(stdout)))
	}
	return string(stdout), nil
}
