// Package hooks defines the extension points the loop engine fires as a
// task moves through its iterations. Stop, Recovery and Approval are
// single hooks whose errors flow back to the engine; Telemetry is a
// fan-out list whose failures are logged and dropped so observability
// problems never alter task outcomes.
package hooks

import (
	"context"
	"fmt"

	"github.com/harrison/reprise/internal/models"
)

// Func is the signature shared by every hook point. The result is nil
// for hooks fired outside an iteration, such as the approval gate.
type Func func(ctx context.Context, task *models.Task, result *models.IterationResult) error

// WarnLogger receives diagnostics for swallowed telemetry failures.
type WarnLogger interface {
	Warnf(format string, args ...interface{})
}

// Hooks bundles the engine's extension points. The zero value is valid:
// every field may be nil and every fire method degrades to a no-op.
type Hooks struct {
	// Stop fires when the agent exits with the blocking code.
	Stop Func
	// Recovery fires after a non-blocking failure, before the next
	// attempt. The default recovery restores the last snapshot.
	Recovery Func
	// Approval fires when a task suspends at the approval gate.
	Approval Func
	// Telemetry fans out once per executed iteration.
	Telemetry []Func
	// Logger receives warnings about dropped telemetry errors.
	Logger WarnLogger
}

// FireStop invokes the Stop hook, if any.
func (h *Hooks) FireStop(ctx context.Context, task *models.Task, result *models.IterationResult) error {
	if h == nil || h.Stop == nil {
		return nil
	}
	return h.Stop(ctx, task, result)
}

// FireRecovery invokes the Recovery hook, if any. A returned error is
// part of the iteration's failure path, not a process fault.
func (h *Hooks) FireRecovery(ctx context.Context, task *models.Task, result *models.IterationResult) error {
	if h == nil || h.Recovery == nil {
		return nil
	}
	return h.Recovery(ctx, task, result)
}

// FireApproval invokes the Approval hook, if any.
func (h *Hooks) FireApproval(ctx context.Context, task *models.Task, result *models.IterationResult) error {
	if h == nil || h.Approval == nil {
		return nil
	}
	return h.Approval(ctx, task, result)
}

// FireTelemetry invokes every telemetry hook in order. Errors and
// panics are logged and dropped; a broken exporter must not change
// what happens to the task.
func (h *Hooks) FireTelemetry(ctx context.Context, task *models.Task, result *models.IterationResult) {
	if h == nil {
		return
	}
	for i, hook := range h.Telemetry {
		if hook == nil {
			continue
		}
		if err := h.fireOne(ctx, hook, task, result); err != nil {
			h.warnf("telemetry hook %d for task %s: %v", i, taskID(task), err)
		}
	}
}

// fireOne runs a single telemetry hook, converting a panic into an error.
func (h *Hooks) fireOne(ctx context.Context, hook Func, task *models.Task, result *models.IterationResult) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return hook(ctx, task, result)
}

func (h *Hooks) warnf(format string, args ...interface{}) {
	if h.Logger != nil {
		h.Logger.Warnf(format, args...)
	}
}

func taskID(task *models.Task) string {
	if task == nil {
		return "<nil>"
	}
	return task.ID
}
