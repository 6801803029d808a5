package loop

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harrison/reprise/internal/models"
)

// TaskError wraps a failure that terminated a task, carrying the error
// kind that gets persisted on the task row.
type TaskError struct {
	TaskID    string
	Kind      models.ErrorKind
	Message   string
	Err       error
	Timestamp time.Time
}

// NewTaskError creates a TaskError stamped with the current time.
func NewTaskError(taskID string, kind models.ErrorKind, message string, err error) *TaskError {
	return &TaskError{
		TaskID:    taskID,
		Kind:      kind,
		Message:   message,
		Err:       err,
		Timestamp: time.Now(),
	}
}

func (e *TaskError) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("task %s: %s", e.TaskID, e.Message))
	if e.Err != nil {
		sb.WriteString(fmt.Sprintf(": %v", e.Err))
	}
	return sb.String()
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// CircuitOpenError indicates the breaker for a backend tripped and the
// task was failed rather than retried.
type CircuitOpenError struct {
	Backend  string
	Failures int
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for backend %s after %d failures", e.Backend, e.Failures)
}

// PersistenceError indicates a checkpoint or status write failed. The
// loop treats these as fatal since continuing would desynchronize the
// in-memory task from the store.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsTaskError reports whether err is or wraps a TaskError.
func IsTaskError(err error) bool {
	var te *TaskError
	return errors.As(err, &te)
}

// IsCircuitOpenError reports whether err is or wraps a CircuitOpenError.
func IsCircuitOpenError(err error) bool {
	var ce *CircuitOpenError
	return errors.As(err, &ce)
}

// IsPersistenceError reports whether err is or wraps a PersistenceError.
func IsPersistenceError(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}
