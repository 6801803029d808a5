package agent

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/harrison/reprise/internal/models"
)

// TimeoutExitCode is the exit code synthesized for invocations killed at
// their deadline, matching what the OS reports for a signalled process.
const TimeoutExitCode = -1

// InvocationResult captures one finished agent invocation. Nonzero exit
// codes and timeouts are results, not errors; Invoke returns an error
// only when the process could not be launched at all.
type InvocationResult struct {
	ExitCode int
	Output   string
	Duration time.Duration
	TimedOut bool
}

// Invoker runs a task's prompt through a backend.
type Invoker interface {
	Invoke(ctx context.Context, task *models.Task, backend Backend) (*InvocationResult, error)
}

// CommandFactory builds the command an invocation will run. Tests swap
// it to fake agent behavior without real binaries.
type CommandFactory func(ctx context.Context, workDir string, argv []string) *exec.Cmd

// CommandInvoker launches backends as subprocesses and captures their
// combined output.
type CommandInvoker struct {
	Factory CommandFactory
}

var _ Invoker = (*CommandInvoker)(nil)

// NewCommandInvoker creates an invoker using exec.CommandContext.
func NewCommandInvoker() *CommandInvoker {
	return &CommandInvoker{Factory: defaultFactory}
}

func defaultFactory(ctx context.Context, workDir string, argv []string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = workDir
	return cmd
}

// Invoke runs the backend against the task's prompt in the task's work
// directory, enforcing the backend's per-invocation timeout.
func (inv *CommandInvoker) Invoke(ctx context.Context, task *models.Task, backend Backend) (*InvocationResult, error) {
	if len(backend.Command) == 0 {
		return nil, fmt.Errorf("backend %q has no command", backend.Name)
	}

	invokeCtx := ctx
	if backend.Timeout > 0 {
		var cancel context.CancelFunc
		invokeCtx, cancel = context.WithTimeout(ctx, backend.Timeout)
		defer cancel()
	}

	factory := inv.Factory
	if factory == nil {
		factory = defaultFactory
	}

	startTime := time.Now()
	cmd := factory(invokeCtx, task.WorkDir(), backend.BuildArgs(task.Prompt))
	output, err := cmd.CombinedOutput()

	result := &InvocationResult{
		Output:   string(output),
		Duration: time.Since(startTime),
	}

	if err != nil {
		// The deadline check comes first: a killed process also
		// surfaces as an ExitError.
		if errors.Is(invokeCtx.Err(), context.DeadlineExceeded) {
			result.TimedOut = true
			result.ExitCode = TimeoutExitCode
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, fmt.Errorf("launch backend %s: %w", backend.Name, err)
	}

	return result, nil
}
