package loop

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/harrison/reprise/internal/config"
	"github.com/harrison/reprise/internal/models"
)

// Signal is a single completion check. A successful iteration is only
// confirmed complete when every configured signal agrees.
type Signal interface {
	// Name identifies the signal in logs.
	Name() string

	// Done reports whether this signal considers the task complete
	// given the iteration that just succeeded.
	Done(ctx context.Context, task *models.Task, result *models.IterationResult) (bool, error)
}

// Observer is implemented by stateful signals that need to see every
// executed iteration, not just the successful ones.
type Observer interface {
	Observe(task *models.Task, result *models.IterationResult)
}

// Detector AND-combines completion signals. With no signals configured
// a successful exit is taken at face value and the task completes.
type Detector struct {
	signals []Signal
	logger  Logger
}

// NewDetector creates a Detector over the given signals.
func NewDetector(logger Logger, signals ...Signal) *Detector {
	return &Detector{signals: signals, logger: logger}
}

// BuildDetector assembles a Detector from configuration. The plan file
// signal is always present; it is vacuously satisfied for tasks whose
// context names no plan file.
func BuildDetector(cfg *config.Config, logger Logger) *Detector {
	signals := []Signal{&planComplete{}}
	if cfg != nil {
		if cfg.Completion.CleanStreak > 0 {
			signals = append(signals, newCleanStreak(cfg.Completion.CleanStreak))
		}
		if cfg.Completion.OutputMarker != "" {
			signals = append(signals, &outputMarker{marker: cfg.Completion.OutputMarker})
		}
		if cfg.Completion.VerifyCommand != "" {
			signals = append(signals, newVerifyCommand(cfg.Completion.VerifyCommand))
		}
	}
	return NewDetector(logger, signals...)
}

// Observe feeds an executed iteration to every stateful signal. The
// engine calls this once per iteration regardless of outcome.
func (d *Detector) Observe(task *models.Task, result *models.IterationResult) {
	if d == nil {
		return
	}
	for _, sig := range d.signals {
		if obs, ok := sig.(Observer); ok {
			obs.Observe(task, result)
		}
	}
}

// Done reports whether all signals confirm completion. A signal error
// is logged and counts as unconfirmed so the loop keeps iterating.
func (d *Detector) Done(ctx context.Context, task *models.Task, result *models.IterationResult) bool {
	if d == nil {
		return true
	}
	for _, sig := range d.signals {
		done, err := sig.Done(ctx, task, result)
		if err != nil {
			d.warn(fmt.Sprintf("completion signal %s for task %s: %v", sig.Name(), task.ShortID(), err))
			return false
		}
		if !done {
			d.debug(fmt.Sprintf("task %s not confirmed complete: signal %s unsatisfied", task.ShortID(), sig.Name()))
			return false
		}
	}
	return true
}

func (d *Detector) warn(message string) {
	if d.logger != nil {
		d.logger.LogWarn(message)
	}
}

func (d *Detector) debug(message string) {
	if d.logger != nil {
		d.logger.LogDebug(message)
	}
}

// cleanStreak requires the last N executed iterations to have exited
// zero. Streaks live in memory, so a resumed run starts over.
type cleanStreak struct {
	n  int
	mu sync.Mutex

	streaks map[string]int
}

func newCleanStreak(n int) *cleanStreak {
	return &cleanStreak{n: n, streaks: make(map[string]int)}
}

func (s *cleanStreak) Name() string { return "clean_streak" }

func (s *cleanStreak) Observe(task *models.Task, result *models.IterationResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if result.ExitCode == 0 {
		s.streaks[task.ID]++
		return
	}
	delete(s.streaks, task.ID)
}

func (s *cleanStreak) Done(ctx context.Context, task *models.Task, result *models.IterationResult) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streaks[task.ID] >= s.n, nil
}

// outputMarker looks for an explicit completion marker in the final
// agent output.
type outputMarker struct {
	marker string
}

func (s *outputMarker) Name() string { return "output_marker" }

func (s *outputMarker) Done(ctx context.Context, task *models.Task, result *models.IterationResult) (bool, error) {
	return strings.Contains(result.Output, s.marker), nil
}

// planComplete checks the task's plan file for unchecked items. Tasks
// without a plan file pass automatically.
type planComplete struct{}

func (s *planComplete) Name() string { return "plan_complete" }

func (s *planComplete) Done(ctx context.Context, task *models.Task, result *models.IterationResult) (bool, error) {
	planPath := task.PlanFile()
	if planPath == "" {
		return true, nil
	}
	if !filepath.IsAbs(planPath) && task.WorkDir() != "" {
		planPath = filepath.Join(task.WorkDir(), planPath)
	}

	data, err := os.ReadFile(planPath)
	if err != nil {
		return false, fmt.Errorf("failed to read plan file: %w", err)
	}

	return !bytes.Contains(data, []byte("- [ ]")), nil
}

// verifyCommand runs an external verification command in the task's
// work directory. Exit zero confirms completion; a non-zero exit is an
// ordinary "not done yet".
type verifyCommand struct {
	command string

	// newRunner builds the runner for a work directory (swappable in tests).
	newRunner func(workDir string) CommandRunner
}

func newVerifyCommand(command string) *verifyCommand {
	return &verifyCommand{
		command: command,
		newRunner: func(workDir string) CommandRunner {
			return NewShellCommandRunner(workDir)
		},
	}
}

func (s *verifyCommand) Name() string { return "verify_command" }

func (s *verifyCommand) Done(ctx context.Context, task *models.Task, result *models.IterationResult) (bool, error) {
	runner := s.newRunner(task.WorkDir())
	_, err := runner.Run(ctx, s.command)
	if err == nil {
		return true, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return false, nil
	}
	return false, fmt.Errorf("verify command failed to run: %w", err)
}
