// Package logger provides the console and file sinks for orchestrator
// output. Both are safe for concurrent use and filter by a configured
// minimum level.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/harrison/reprise/internal/models"
)

// severity orders levels from chattiest to quietest. A message prints
// when its severity is at or above the logger's floor.
type severity int

const (
	sevTrace severity = iota
	sevDebug
	sevInfo
	sevWarn
	sevError
)

var severityLabels = [...]string{"TRACE", "DEBUG", "INFO", "WARN", "ERROR"}

// severityByName doubles as the set of accepted level names.
var severityByName = map[string]severity{
	"trace": sevTrace,
	"debug": sevDebug,
	"info":  sevInfo,
	"warn":  sevWarn,
	"error": sevError,
}

// normalizeLogLevel trims and lowercases a configured level name.
// Anything unrecognized falls back to info.
func normalizeLogLevel(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if _, ok := severityByName[name]; ok {
		return name
	}
	return "info"
}

// ConsoleLogger writes timestamped progress lines to a single writer.
// Colors turn on only when the writer is a real terminal.
type ConsoleLogger struct {
	mu      sync.Mutex
	out     io.Writer
	min     severity
	colored bool
}

// NewConsoleLogger returns a logger writing to w at the given minimum
// level. A nil writer discards everything; an empty or unknown level
// means info.
func NewConsoleLogger(w io.Writer, logLevel string) *ConsoleLogger {
	return &ConsoleLogger{
		out:     w,
		min:     severityByName[normalizeLogLevel(logLevel)],
		colored: writerIsTerminal(w),
	}
}

// writerIsTerminal reports whether w is an interactive terminal.
// color.NoColor already folds in the NO_COLOR convention.
func writerIsTerminal(w io.Writer) bool {
	if w == nil || color.NoColor {
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// LogTrace logs at the most verbose level.
func (cl *ConsoleLogger) LogTrace(message string) { cl.leveled(sevTrace, message) }

// LogDebug logs iteration-grained detail.
func (cl *ConsoleLogger) LogDebug(message string) { cl.leveled(sevDebug, message) }

// LogInfo logs run progress.
func (cl *ConsoleLogger) LogInfo(message string) { cl.leveled(sevInfo, message) }

// LogWarn logs recoverable oddities.
func (cl *ConsoleLogger) LogWarn(message string) { cl.leveled(sevWarn, message) }

// LogError logs failures.
func (cl *ConsoleLogger) LogError(message string) { cl.leveled(sevError, message) }

// leveled prints "[HH:MM:SS] [LEVEL] message" when sev clears the floor.
func (cl *ConsoleLogger) leveled(sev severity, message string) {
	if cl.out == nil || sev < cl.min {
		return
	}
	label := severityLabels[sev]
	if cl.colored {
		label = severityColor(sev).Sprint(label)
	}
	cl.write(fmt.Sprintf("[%s] %s", label, message))
}

// write stamps and emits one line under the lock.
func (cl *ConsoleLogger) write(line string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	fmt.Fprintf(cl.out, "[%s] %s\n", timestamp(), line)
}

// LogTaskStart announces a task entering a worker slot. Printed at
// info. Resumed tasks mention the iteration they continue from.
func (cl *ConsoleLogger) LogTaskStart(task *models.Task) {
	if cl.out == nil || task == nil || sevInfo < cl.min {
		return
	}
	id := task.ShortID()
	if cl.colored {
		id = color.New(color.Bold).Sprint(id)
	}
	if task.Iteration > 0 {
		cl.write(fmt.Sprintf("Starting task %s (backend %s, resuming at iteration %d)",
			id, task.Backend, task.Iteration))
		return
	}
	cl.write(fmt.Sprintf("Starting task %s (backend %s)", id, task.Backend))
}

// LogIteration reports one executed iteration. Printed at debug.
func (cl *ConsoleLogger) LogIteration(task *models.Task, result *models.IterationResult) {
	if cl.out == nil || task == nil || result == nil || sevDebug < cl.min {
		return
	}
	outcome := string(result.Outcome)
	if cl.colored {
		outcome = outcomeColor(result.Outcome).Sprint(outcome)
	}
	cl.write(fmt.Sprintf("task %s iteration %d: %s (exit %d, %s)",
		task.ShortID(), result.Iteration, outcome, result.ExitCode,
		formatDuration(result.Duration)))
}

// LogTaskEnd reports a task leaving its slot with its final status.
// Failed tasks carry their error message. Printed at info.
func (cl *ConsoleLogger) LogTaskEnd(task *models.Task) {
	if cl.out == nil || task == nil || sevInfo < cl.min {
		return
	}
	status := string(task.Status)
	if cl.colored {
		status = statusColor(task.Status).Sprint(status)
	}
	line := fmt.Sprintf("task %s: %s after %d %s",
		task.ShortID(), status, task.Iteration, plural(task.Iteration, "iteration"))
	if task.Status == models.StatusFailed && task.ErrMessage != "" {
		line += ": " + task.ErrMessage
	}
	cl.write(line)
}

// LogSummary prints the end-of-run block: totals, per-status counts,
// iteration average, wall time. Printed at info.
func (cl *ConsoleLogger) LogSummary(stats *models.Stats, duration time.Duration) {
	if cl.out == nil || stats == nil || sevInfo < cl.min {
		return
	}

	paint := func(c *color.Color, s string) string {
		if cl.colored {
			return c.Sprint(s)
		}
		return s
	}

	lines := []string{
		paint(color.New(color.Bold), "=== Run Summary ==="),
		fmt.Sprintf("Total tasks: %d", stats.TotalTasks),
		paint(color.New(color.FgGreen), fmt.Sprintf("Completed: %d", stats.Completed)),
	}
	failed := fmt.Sprintf("Failed: %d", stats.Failed)
	if stats.Failed > 0 {
		failed = paint(color.New(color.FgRed), failed)
	}
	lines = append(lines, failed)
	if stats.Stopped > 0 {
		lines = append(lines, paint(color.New(color.FgYellow),
			fmt.Sprintf("Stopped: %d", stats.Stopped)))
	}
	if stats.AwaitingApproval > 0 {
		lines = append(lines, paint(color.New(color.FgYellow),
			fmt.Sprintf("Awaiting approval: %d", stats.AwaitingApproval)))
	}
	lines = append(lines,
		fmt.Sprintf("Iterations: %d (avg %.1f/task)", stats.TotalIterations, stats.AverageIterations),
		fmt.Sprintf("Duration: %s", formatDuration(duration)),
	)

	// One timestamp for the whole block, written in a single call so
	// concurrent task lines cannot interleave with it.
	cl.mu.Lock()
	defer cl.mu.Unlock()
	ts := timestamp()
	var b strings.Builder
	for _, line := range lines {
		fmt.Fprintf(&b, "[%s] %s\n", ts, line)
	}
	io.WriteString(cl.out, b.String())
}

// LogProgress prints a one-line bar of settled tasks over the total.
// Printed at info.
func (cl *ConsoleLogger) LogProgress(stats *models.Stats) {
	if cl.out == nil || stats == nil || sevInfo < cl.min {
		return
	}
	settled := stats.Completed + stats.Failed + stats.Stopped
	line := "Progress: " + renderBar(settled, stats.TotalTasks, 10, cl.colored)
	if stats.Running > 0 {
		line += fmt.Sprintf(" - %d running", stats.Running)
	}
	cl.write(line)
}

func severityColor(sev severity) *color.Color {
	switch sev {
	case sevTrace:
		return color.New(color.FgHiBlack)
	case sevDebug:
		return color.New(color.FgCyan)
	case sevInfo:
		return color.New(color.FgBlue)
	case sevWarn:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgRed)
	}
}

func outcomeColor(outcome models.Outcome) *color.Color {
	switch outcome {
	case models.OutcomeCompleted:
		return color.New(color.FgGreen)
	case models.OutcomeBlocked:
		return color.New(color.FgCyan)
	case models.OutcomeUnconfirmed, models.OutcomeRetried:
		return color.New(color.FgYellow)
	case models.OutcomeFatal:
		return color.New(color.FgRed)
	default:
		return color.New(color.Reset)
	}
}

func statusColor(status models.Status) *color.Color {
	switch status {
	case models.StatusCompleted:
		return color.New(color.FgGreen)
	case models.StatusFailed:
		return color.New(color.FgRed)
	case models.StatusStopped, models.StatusAwaitingApproval:
		return color.New(color.FgYellow)
	case models.StatusRunning:
		return color.New(color.FgCyan)
	default:
		return color.New(color.Reset)
	}
}

func plural(n int, noun string) string {
	if n == 1 {
		return noun
	}
	return noun + "s"
}

// timestamp is the hour-minute-second stamp prefixed to every line.
func timestamp() string {
	return time.Now().Format("15:04:05")
}

// formatDuration renders a duration as "5s", "1m30s" or "2h15m",
// dropping zero trailing units. Sub-second durations truncate to "0s".
func formatDuration(d time.Duration) string {
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	switch {
	case h > 0 && m == 0 && s == 0:
		return fmt.Sprintf("%dh", h)
	case h > 0 && s == 0:
		return fmt.Sprintf("%dh%dm", h, m)
	case h > 0:
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	case m > 0 && s == 0:
		return fmt.Sprintf("%dm", m)
	case m > 0:
		return fmt.Sprintf("%dm%ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}

// NoOpLogger satisfies the orchestrator's logging surface while
// discarding everything. Handy as a placeholder sink in tests.
type NoOpLogger struct{}

// NewNoOpLogger returns a logger that drops all output.
func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{}
}

func (*NoOpLogger) LogTrace(string) {}

func (*NoOpLogger) LogDebug(string) {}

func (*NoOpLogger) LogInfo(string) {}

func (*NoOpLogger) LogWarn(string) {}

func (*NoOpLogger) LogError(string) {}

func (*NoOpLogger) LogTaskStart(*models.Task) {}

func (*NoOpLogger) LogIteration(*models.Task, *models.IterationResult) {}

func (*NoOpLogger) LogTaskEnd(*models.Task) {}

func (*NoOpLogger) LogSummary(*models.Stats, time.Duration) {}
