package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harrison/reprise/internal/models"
)

func TestFileLogger_CreatesRunLogAndSymlink(t *testing.T) {
	logDir := t.TempDir()

	fl, err := NewFileLogger(logDir, "info")
	if err != nil {
		t.Fatalf("NewFileLogger() error = %v", err)
	}
	defer fl.Close()

	entries, err := os.ReadDir(logDir)
	if err != nil {
		t.Fatalf("failed to read log dir: %v", err)
	}

	var runLogFound bool
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), "run-") && strings.HasSuffix(entry.Name(), ".log") {
			runLogFound = true
		}
	}
	if !runLogFound {
		t.Error("timestamped run log not created")
	}

	// latest.log must point at the current run log
	target, err := os.Readlink(filepath.Join(logDir, "latest.log"))
	if err != nil {
		t.Fatalf("latest.log symlink missing: %v", err)
	}
	if target != filepath.Base(fl.RunLogPath()) {
		t.Errorf("latest.log points to %q, expected %q", target, filepath.Base(fl.RunLogPath()))
	}

	// tasks subdirectory for transcripts
	if info, err := os.Stat(filepath.Join(logDir, "tasks")); err != nil || !info.IsDir() {
		t.Error("tasks transcript directory not created")
	}
}

func TestFileLogger_WritesMessages(t *testing.T) {
	logDir := t.TempDir()

	fl, err := NewFileLogger(logDir, "info")
	if err != nil {
		t.Fatalf("NewFileLogger() error = %v", err)
	}

	fl.LogInfo("orchestrator started")
	fl.LogError("something broke")
	fl.Close()

	data, err := os.ReadFile(fl.RunLogPath())
	if err != nil {
		t.Fatalf("failed to read run log: %v", err)
	}

	content := string(data)
	if !strings.Contains(content, "=== Reprise Run Log ===") {
		t.Error("run log missing header")
	}
	if !strings.Contains(content, "[INFO] orchestrator started") {
		t.Error("run log missing info message")
	}
	if !strings.Contains(content, "[ERROR] something broke") {
		t.Error("run log missing error message")
	}
}

func TestFileLogger_LevelFiltering(t *testing.T) {
	logDir := t.TempDir()

	fl, err := NewFileLogger(logDir, "error")
	if err != nil {
		t.Fatalf("NewFileLogger() error = %v", err)
	}

	fl.LogDebug("debug message")
	fl.LogWarn("warn message")
	fl.LogError("error message")
	fl.Close()

	data, _ := os.ReadFile(fl.RunLogPath())
	content := string(data)

	if strings.Contains(content, "debug message") {
		t.Error("debug message should be filtered at error level")
	}
	if strings.Contains(content, "warn message") {
		t.Error("warn message should be filtered at error level")
	}
	if !strings.Contains(content, "error message") {
		t.Error("error message should pass at error level")
	}
}

func TestFileLogger_Transcript(t *testing.T) {
	logDir := t.TempDir()

	fl, err := NewFileLogger(logDir, "info")
	if err != nil {
		t.Fatalf("NewFileLogger() error = %v", err)
	}
	defer fl.Close()

	task := &models.Task{
		ID:      "abcdef01-2345-6789-abcd-ef0123456789",
		Backend: "claude",
	}

	fl.LogIteration(task, &models.IterationResult{
		Iteration: 1,
		ExitCode:  2,
		Outcome:   models.OutcomeBlocked,
		Duration:  2 * time.Second,
		Output:    "still refactoring the parser",
	})
	fl.LogIteration(task, &models.IterationResult{
		Iteration: 2,
		ExitCode:  0,
		Outcome:   models.OutcomeCompleted,
		Duration:  5 * time.Second,
		Output:    "all done",
	})

	transcriptPath := filepath.Join(logDir, "tasks", "task-abcdef01.log")
	data, err := os.ReadFile(transcriptPath)
	if err != nil {
		t.Fatalf("transcript not written: %v", err)
	}

	content := string(data)
	if !strings.Contains(content, "=== Iteration 1 (blocked) ===") {
		t.Error("transcript missing first iteration header")
	}
	if !strings.Contains(content, "still refactoring the parser") {
		t.Error("transcript missing first iteration output")
	}
	if !strings.Contains(content, "=== Iteration 2 (completed) ===") {
		t.Error("transcript missing second iteration header")
	}
	if !strings.Contains(content, "all done") {
		t.Error("transcript missing second iteration output")
	}
}

func TestFileLogger_SummaryAndEnd(t *testing.T) {
	logDir := t.TempDir()

	fl, err := NewFileLogger(logDir, "info")
	if err != nil {
		t.Fatalf("NewFileLogger() error = %v", err)
	}

	task := &models.Task{
		ID:         "task-1",
		Status:     models.StatusFailed,
		Iteration:  3,
		ErrKind:    models.ErrKindMaxIterations,
		ErrMessage: "iteration budget of 3 exhausted",
	}
	fl.LogTaskEnd(task)

	fl.LogSummary(&models.Stats{
		TotalTasks:        2,
		Completed:         1,
		Failed:            1,
		TotalIterations:   5,
		AverageIterations: 2.5,
	}, 42*time.Second)
	fl.Close()

	data, _ := os.ReadFile(fl.RunLogPath())
	content := string(data)

	if !strings.Contains(content, "max_iterations: iteration budget of 3 exhausted") {
		t.Errorf("run log missing task failure detail:\n%s", content)
	}
	if !strings.Contains(content, "=== RUN SUMMARY ===") {
		t.Error("run log missing summary header")
	}
	if !strings.Contains(content, "Status:       PARTIAL") {
		t.Errorf("run log missing PARTIAL status:\n%s", content)
	}
}

func TestFileLogger_CloseIsIdempotent(t *testing.T) {
	logDir := t.TempDir()

	fl, err := NewFileLogger(logDir, "info")
	if err != nil {
		t.Fatalf("NewFileLogger() error = %v", err)
	}

	if err := fl.Close(); err != nil {
		t.Errorf("first Close() error = %v", err)
	}
	if err := fl.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	// Writes after close are dropped, not panics
	fl.LogInfo("after close")
}

func TestFileLogger_SymlinkReplacedOnNewRun(t *testing.T) {
	logDir := t.TempDir()

	first, err := NewFileLogger(logDir, "info")
	if err != nil {
		t.Fatalf("NewFileLogger() error = %v", err)
	}
	first.Close()

	// Ensure the second run gets a distinct timestamped name
	time.Sleep(1100 * time.Millisecond)

	second, err := NewFileLogger(logDir, "info")
	if err != nil {
		t.Fatalf("second NewFileLogger() error = %v", err)
	}
	defer second.Close()

	target, err := os.Readlink(filepath.Join(logDir, "latest.log"))
	if err != nil {
		t.Fatalf("latest.log symlink missing: %v", err)
	}
	if target != filepath.Base(second.RunLogPath()) {
		t.Errorf("latest.log points to %q, expected newest run %q",
			target, filepath.Base(second.RunLogPath()))
	}
}
