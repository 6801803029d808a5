// Package telemetry records what the loop actually did: one JSONL event
// per executed iteration, appended to a log that survives the process and
// can be replayed by tests and tooling. An optional OTLP exporter mirrors
// the same iterations to a trace collector.
package telemetry

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/harrison/reprise/internal/models"
)

// Event names, one per iteration outcome.
const (
	EventAgentBlocked       = "agent_blocked"
	EventTaskCompleted      = "task_completed"
	EventSuccessUnconfirmed = "success_unconfirmed"
	EventAgentRetry         = "agent_retry"
	EventTaskFailed         = "task_failed"
)

// EventForOutcome maps an iteration outcome to its event name.
func EventForOutcome(o models.Outcome) string {
	switch o {
	case models.OutcomeBlocked:
		return EventAgentBlocked
	case models.OutcomeCompleted:
		return EventTaskCompleted
	case models.OutcomeUnconfirmed:
		return EventSuccessUnconfirmed
	case models.OutcomeRetried:
		return EventAgentRetry
	case models.OutcomeFatal:
		return EventTaskFailed
	default:
		return string(o)
	}
}

// Event is a single line in the telemetry log.
type Event struct {
	Event     string            `json:"event"`
	TaskID    string            `json:"task_id"`
	Iteration int               `json:"iteration"`
	Backend   string            `json:"backend"`
	ExitCode  int               `json:"exit_code"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Validate checks the fields every consumer relies on.
func (e Event) Validate() error {
	if e.Event == "" {
		return fmt.Errorf("event name is empty")
	}
	if e.TaskID == "" {
		return fmt.Errorf("event %s has no task id", e.Event)
	}
	if e.Iteration < 1 {
		return fmt.Errorf("event %s has iteration %d, want >= 1", e.Event, e.Iteration)
	}
	return nil
}

// Writer appends events to a JSONL file. It holds the file open for the
// lifetime of the run and syncs after every line so events survive a
// crash of the process that produced them. Safe for concurrent use.
type Writer struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// NewWriter opens (or creates) the telemetry log at path in append mode.
func NewWriter(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create telemetry dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open telemetry log: %w", err)
	}
	return &Writer{file: f, path: path}, nil
}

// Append validates the event, stamps it if the caller left the timestamp
// zero, and writes it as one line.
func (w *Writer) Append(ev Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return fmt.Errorf("telemetry log %s is closed", w.path)
	}
	if _, err := w.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return w.file.Sync()
}

// Path returns the location of the log file.
func (w *Writer) Path() string {
	return w.path
}

// Close flushes and closes the log. Further appends return an error.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// ReadEvents parses a telemetry log back into events, in file order.
// Blank lines are skipped; a malformed line is an error naming the line.
func ReadEvents(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open telemetry log: %w", err)
	}
	defer f.Close()

	events := []Event{}
	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("parse event line %d: %w", lineNo, err)
		}
		if err := ev.Validate(); err != nil {
			return nil, fmt.Errorf("validate event line %d: %w", lineNo, err)
		}
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read telemetry log: %w", err)
	}
	return events, nil
}
