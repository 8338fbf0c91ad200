package hooks

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
)

// ProcessRunner executes a hook command and reports its stdout and exit
// code. This abstraction allows mocking hook processes in tests.
type ProcessRunner interface {
	// Run executes command through "sh -c" with the given extra
	// environment and stdin payload. It returns the captured stdout and
	// the process exit code. A non-zero exit is not an error; err is
	// reserved for failures to run at all (or context expiry).
	Run(ctx context.Context, command string, env []string, stdin []byte) (stdout []byte, exitCode int, err error)
}

// ShellRunner implements ProcessRunner using os/exec.
type ShellRunner struct{}

// NewShellRunner creates a new ShellRunner.
func NewShellRunner() *ShellRunner {
	return &ShellRunner{}
}

// Run executes the command through "sh -c".
func (r *ShellRunner) Run(ctx context.Context, command string, env []string, stdin []byte) ([]byte, int, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Env = append(cmd.Environ(), env...)
	if len(stdin) > 0 {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	err := cmd.Run()
	if err == nil {
		return stdout.Bytes(), 0, nil
	}

	// A process killed by context expiry also surfaces as an ExitError,
	// so the context check has to come first.
	if ctxErr := ctx.Err(); ctxErr != nil {
		return stdout.Bytes(), -1, ctxErr
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return stdout.Bytes(), exitErr.ExitCode(), nil
	}

	return stdout.Bytes(), -1, err
}

// Verify ShellRunner implements ProcessRunner at compile time.
var _ ProcessRunner = (*ShellRunner)(nil)
