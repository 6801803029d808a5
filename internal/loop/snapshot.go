package loop

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/harrison/reprise/internal/models"
)

// CommandRunner abstracts shell command execution for testability.
type CommandRunner interface {
	Run(ctx context.Context, command string) (output string, err error)
}

// ShellCommandRunner executes commands via the system shell.
type ShellCommandRunner struct {
	WorkDir string // Working directory for commands (empty = current dir)
}

// NewShellCommandRunner creates a CommandRunner that executes real shell commands.
func NewShellCommandRunner(workDir string) *ShellCommandRunner {
	return &ShellCommandRunner{WorkDir: workDir}
}

// Run executes a command via sh -c and returns combined stdout/stderr.
func (r *ShellCommandRunner) Run(ctx context.Context, command string) (string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if r.WorkDir != "" {
		cmd.Dir = r.WorkDir
	}

	output, err := cmd.CombinedOutput()
	return string(output), err
}

// Snapshotter captures an opaque recovery token for a task's working
// state and restores it later. Tokens are stored on checkpoints; the
// loop never interprets them.
type Snapshotter interface {
	// Capture returns a recovery token for the task's current state.
	// An empty token means there is nothing to snapshot.
	Capture(ctx context.Context, task *models.Task) (string, error)

	// Restore returns the task's working state to a previously
	// captured token.
	Restore(ctx context.Context, task *models.Task, snapshot string) error
}

// GitSnapshotter implements Snapshotter using git commands in the
// task's work directory. Tasks without a work directory are skipped.
type GitSnapshotter struct {
	// Runner for executing git commands (optional, uses exec.Command if nil)
	Runner CommandRunner
}

// NewGitSnapshotter creates a GitSnapshotter with default settings.
func NewGitSnapshotter() *GitSnapshotter {
	return &GitSnapshotter{}
}

// NewGitSnapshotterWithRunner creates a GitSnapshotter with a custom
// command runner. Useful for testing.
func NewGitSnapshotterWithRunner(runner CommandRunner) *GitSnapshotter {
	return &GitSnapshotter{Runner: runner}
}

// Capture records the current git HEAD of the task's work directory.
func (g *GitSnapshotter) Capture(ctx context.Context, task *models.Task) (string, error) {
	dir := task.WorkDir()
	if dir == "" {
		return "", nil
	}

	output, err := g.runCommand(ctx, dir, "git", "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to read git HEAD in %s: %w", dir, err)
	}

	return strings.TrimSpace(output), nil
}

// Restore resets the task's work directory to a captured commit.
func (g *GitSnapshotter) Restore(ctx context.Context, task *models.Task, snapshot string) error {
	if snapshot == "" {
		return fmt.Errorf("snapshot token cannot be empty")
	}

	dir := task.WorkDir()
	if dir == "" {
		return fmt.Errorf("task %s has no work directory to restore", task.ShortID())
	}

	_, err := g.runCommand(ctx, dir, "git", "reset", "--hard", snapshot)
	if err != nil {
		return fmt.Errorf("failed to restore snapshot %s: %w", snapshot, err)
	}

	return nil
}

// runCommand executes a git command in dir and returns the output.
func (g *GitSnapshotter) runCommand(ctx context.Context, dir, name string, args ...string) (string, error) {
	if g.Runner != nil {
		// Use injected runner (for testing)
		cmd := name
		for _, arg := range args {
			cmd += " " + arg
		}
		return g.Runner.Run(ctx, cmd)
	}

	cmd := exec.CommandContext(ctx, name, args...)
	if dir != "" {
		cmd.Dir = dir
	}
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("%w: %s", err, string(output))
	}
	return string(output), nil
}

// Ensure GitSnapshotter implements Snapshotter
var _ Snapshotter = (*GitSnapshotter)(nil)
