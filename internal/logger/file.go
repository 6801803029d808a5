package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harrison/reprise/internal/models"
)

// FileLogger mirrors run output into a timestamped log under the run
// log directory, keeps a latest.log symlink on the newest run, and
// appends a per-task transcript for every iteration.
type FileLogger struct {
	mu       sync.Mutex
	runLog   *os.File
	runFile  string
	tasksDir string
	min      severity
}

// NewFileLogger opens <logDir>/run-YYYYMMDD-HHMMSS.log for this run,
// creating the directory tree as needed. An empty or unknown level
// means info.
func NewFileLogger(logDir string, logLevel string) (*FileLogger, error) {
	tasksDir := filepath.Join(logDir, "tasks")
	if err := os.MkdirAll(tasksDir, 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	stamp := time.Now().Format("20060102-150405")
	runFile := filepath.Join(logDir, "run-"+stamp+".log")
	f, err := os.OpenFile(runFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open run log: %w", err)
	}

	if err := pointLatestAt(logDir, runFile); err != nil {
		f.Close()
		return nil, err
	}

	fl := &FileLogger{
		runLog:   f,
		runFile:  runFile,
		tasksDir: tasksDir,
		min:      severityByName[normalizeLogLevel(logLevel)],
	}
	fl.append(fmt.Sprintf("=== Reprise Run Log ===\nStarted at: %s\n\n",
		time.Now().Format(time.RFC3339)))
	return fl, nil
}

// pointLatestAt swings the latest.log symlink to the current run file.
// The target is relative so the log directory can be relocated whole.
func pointLatestAt(logDir, runFile string) error {
	link := filepath.Join(logDir, "latest.log")
	if err := os.Remove(link); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("replace latest.log: %w", err)
	}
	if err := os.Symlink(filepath.Base(runFile), link); err != nil {
		return fmt.Errorf("link latest.log: %w", err)
	}
	return nil
}

func (fl *FileLogger) LogTrace(message string) { fl.leveled(sevTrace, message) }

func (fl *FileLogger) LogDebug(message string) { fl.leveled(sevDebug, message) }

func (fl *FileLogger) LogInfo(message string) { fl.leveled(sevInfo, message) }

func (fl *FileLogger) LogWarn(message string) { fl.leveled(sevWarn, message) }

func (fl *FileLogger) LogError(message string) { fl.leveled(sevError, message) }

func (fl *FileLogger) leveled(sev severity, message string) {
	if sev < fl.min {
		return
	}
	fl.append(fmt.Sprintf("[%s] [%s] %s\n", timestamp(), severityLabels[sev], message))
}

// LogTaskStart records admission with the full task id. Printed at info.
func (fl *FileLogger) LogTaskStart(task *models.Task) {
	if task == nil || sevInfo < fl.min {
		return
	}
	fl.append(fmt.Sprintf("[%s] Starting task %s (backend %s, iteration %d)\n",
		timestamp(), task.ID, task.Backend, task.Iteration))
}

// LogIteration notes the iteration in the run log at debug and appends
// the agent's full output to the task transcript at any level.
func (fl *FileLogger) LogIteration(task *models.Task, result *models.IterationResult) {
	if task == nil || result == nil {
		return
	}
	if sevDebug >= fl.min {
		fl.append(fmt.Sprintf("[%s] task %s iteration %d: %s (exit %d, %.1fs)\n",
			timestamp(), task.ShortID(), result.Iteration, result.Outcome,
			result.ExitCode, result.Duration.Seconds()))
	}

	// The transcript is what gets read when a task goes sideways.
	fl.appendTranscript(task, result)
}

// LogTaskEnd records the final status with the error kind and message
// when the task carries one. Printed at info.
func (fl *FileLogger) LogTaskEnd(task *models.Task) {
	if task == nil || sevInfo < fl.min {
		return
	}
	line := fmt.Sprintf("[%s] task %s: %s after %d iterations",
		timestamp(), task.ID, task.Status, task.Iteration)
	if task.ErrMessage != "" {
		line += fmt.Sprintf(" (%s: %s)", task.ErrKind, task.ErrMessage)
	}
	fl.append(line + "\n")
}

// LogSummary writes the end-of-run block with a SUCCESS, PARTIAL or
// FAILED verdict. Printed at info.
func (fl *FileLogger) LogSummary(stats *models.Stats, duration time.Duration) {
	if stats == nil || sevInfo < fl.min {
		return
	}

	verdict := "SUCCESS"
	switch {
	case stats.Failed > 0 && stats.Completed == 0:
		verdict = "FAILED"
	case stats.Failed > 0:
		verdict = "PARTIAL"
	}

	ts := timestamp()
	rows := []string{
		"=== RUN SUMMARY ===",
		fmt.Sprintf("Total tasks:  %d", stats.TotalTasks),
		fmt.Sprintf("Completed:    %d", stats.Completed),
		fmt.Sprintf("Failed:       %d", stats.Failed),
		fmt.Sprintf("Stopped:      %d", stats.Stopped),
		fmt.Sprintf("Iterations:   %d (avg %.1f/task)", stats.TotalIterations, stats.AverageIterations),
		fmt.Sprintf("Total time:   %.1fs", duration.Seconds()),
		"Status:       " + verdict,
		"Completed at: " + time.Now().Format(time.RFC3339),
	}

	var b strings.Builder
	b.WriteByte('\n')
	for _, row := range rows {
		fmt.Fprintf(&b, "[%s] %s\n", ts, row)
	}
	fl.append(b.String())
}

// appendTranscript adds one iteration block to tasks/task-<short>.log.
// Transcripts are best effort; write errors are dropped.
func (fl *FileLogger) appendTranscript(task *models.Task, result *models.IterationResult) {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	path := filepath.Join(fl.tasksDir, "task-"+task.ShortID()+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return
	}
	defer f.Close()

	var b strings.Builder
	fmt.Fprintf(&b, "=== Iteration %d (%s) ===\n", result.Iteration, result.Outcome)
	fmt.Fprintf(&b, "Exit code: %d\n", result.ExitCode)
	fmt.Fprintf(&b, "Duration: %.1fs\n", result.Duration.Seconds())
	if result.TimedOut {
		b.WriteString("Timed out: yes\n")
	}
	if result.Err != nil {
		fmt.Fprintf(&b, "Error: %v\n", result.Err)
	}
	if result.Output != "" {
		b.WriteString("\n" + result.Output + "\n")
	}
	b.WriteString("\n")
	io.WriteString(f, b.String())
}

// RunLogPath returns the timestamped run log this logger writes to.
func (fl *FileLogger) RunLogPath() string {
	return fl.runFile
}

// Close syncs and closes the run log. Safe to call more than once;
// writes after the first close are dropped.
func (fl *FileLogger) Close() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.runLog == nil {
		return nil
	}
	f := fl.runLog
	fl.runLog = nil
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync run log: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close run log: %w", err)
	}
	return nil
}

// append writes to the run log under the lock, syncing each write so a
// killed run leaves a readable log.
func (fl *FileLogger) append(s string) {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.runLog == nil {
		return
	}
	io.WriteString(fl.runLog, s)
	fl.runLog.Sync()
}
