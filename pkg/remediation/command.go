package remediation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// commandWaitDelay bounds how long output pipes held open by forked children
// may outlive the command itself.
const commandWaitDelay = 500 * time.Millisecond

// CommandResult captures the outcome of an external command.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// CommandRunner executes external commands on behalf of a restarter.
type CommandRunner interface {
	Run(ctx context.Context, timeout time.Duration, name string, args ...string) (CommandResult, error)
}

// ExecRunner runs commands with os/exec, capturing their output. A non-zero
// exit status is reported through CommandResult, not as an error.
type ExecRunner struct {
	env map[string]string
}

// NewExecRunner constructs a runner that adds env to the inherited environment.
func NewExecRunner(env map[string]string) *ExecRunner {
	envCopy := make(map[string]string, len(env))
	for k, v := range env {
		envCopy[k] = v
	}
	return &ExecRunner{env: envCopy}
}

// Run implements CommandRunner.
func (r *ExecRunner) Run(ctx context.Context, timeout time.Duration, name string, args ...string) (CommandResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if name == "" {
		return CommandResult{}, errors.New("command is empty")
	}

	execCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(execCtx, name, args...)
	cmd.WaitDelay = commandWaitDelay
	killProcessGroup(cmd)
	cmd.Env = os.Environ()
	for k, v := range r.env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := CommandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if execCtx.Err() != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return result, fmt.Errorf("%s timed out after %s", name, timeout)
		}
		return result, execCtx.Err()
	}

	if errors.Is(err, exec.ErrWaitDelay) {
		return result, nil
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, fmt.Errorf("run %s: %w", name, err)
	}
	return result, nil
}

var _ CommandRunner = (*ExecRunner)(nil)
