// Package loop drives tasks through their iteration state machine: the
// Engine repeatedly invokes a task's backend until the work is confirmed
// complete, a stop request lands, the iteration budget runs out, or the
// failure policy gives up. The Controller schedules many tasks over a
// bounded worker pool and owns the approval lifecycle around the engine.
package loop

import (
	"context"
	"fmt"
	"time"

	"github.com/harrison/reprise/internal/agent"
	"github.com/harrison/reprise/internal/config"
	"github.com/harrison/reprise/internal/hooks"
	"github.com/harrison/reprise/internal/models"
	"github.com/harrison/reprise/internal/retry"
	"github.com/harrison/reprise/internal/store"
)

// Logger is the logging surface the loop needs. Both the console and
// file loggers satisfy it.
type Logger interface {
	LogDebug(message string)
	LogInfo(message string)
	LogWarn(message string)
	LogError(message string)
	LogTaskStart(task *models.Task)
	LogIteration(task *models.Task, result *models.IterationResult)
	LogTaskEnd(task *models.Task)
}

// TaskStore is the persistence surface the loop needs. *store.Store
// satisfies it; tests substitute lighter fakes.
type TaskStore interface {
	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	ListTasks(ctx context.Context) ([]*models.Task, error)
	ListTasksByStatus(ctx context.Context, status models.Status) ([]*models.Task, error)
	LoadIncompleteTasks(ctx context.Context) ([]*models.Task, error)
	MarkRunning(ctx context.Context, id string) error
	SaveCheckpoint(ctx context.Context, task *models.Task, snapshot string) error
	UpdateStatus(ctx context.Context, id string, status models.Status, errKind models.ErrorKind, errMessage string) error
	RequestStop(ctx context.Context, id string) error
	RecordApprovalDecision(ctx context.Context, id string, decision models.ApprovalDecision) error
	LatestCheckpoint(ctx context.Context, taskID string) (*models.Checkpoint, error)
	ListCheckpoints(ctx context.Context, taskID string) ([]*models.Checkpoint, error)
	Stats(ctx context.Context) (*models.Stats, error)
}

var _ TaskStore = (*store.Store)(nil)

// EngineOptions configures an Engine. Store, Registry, Invoker and
// Config are required; the rest default to working implementations.
type EngineOptions struct {
	Store       TaskStore
	Registry    *agent.Registry
	Invoker     agent.Invoker
	Breaker     retry.BreakerRegistry
	Detector    *Detector
	Snapshotter Snapshotter
	Hooks       *hooks.Hooks
	Logger      Logger
	Config      *config.Config
}

// Engine runs one task at a time through the iteration loop. A single
// Engine is shared by every worker; RunTask is safe for concurrent use
// across distinct tasks.
type Engine struct {
	store       TaskStore
	registry    *agent.Registry
	invoker     agent.Invoker
	breaker     retry.BreakerRegistry
	detector    *Detector
	snapshotter Snapshotter
	hooks       *hooks.Hooks
	logger      Logger
	cfg         *config.Config
}

// NewEngine validates options and fills in defaults.
func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("engine requires a task store")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("engine requires a backend registry")
	}
	if opts.Invoker == nil {
		return nil, fmt.Errorf("engine requires an invoker")
	}
	if opts.Config == nil {
		return nil, fmt.Errorf("engine requires configuration")
	}

	e := &Engine{
		store:       opts.Store,
		registry:    opts.Registry,
		invoker:     opts.Invoker,
		breaker:     opts.Breaker,
		detector:    opts.Detector,
		snapshotter: opts.Snapshotter,
		hooks:       opts.Hooks,
		logger:      opts.Logger,
		cfg:         opts.Config,
	}
	if e.breaker == nil {
		e.breaker = retry.NewBreaker(opts.Config.Circuit.FailureThreshold)
	}
	if e.detector == nil {
		e.detector = BuildDetector(opts.Config, opts.Logger)
	}
	if e.snapshotter == nil {
		e.snapshotter = NewGitSnapshotter()
	}
	if e.hooks == nil {
		e.hooks = &hooks.Hooks{}
	}
	return e, nil
}

// RunTask iterates the task until it reaches a terminal status or the
// approval gate suspends it. Store-recorded fates return nil, including
// failures: callers learn the outcome from the task's status. A non-nil
// return means the loop itself could not proceed. Context cancellation
// leaves the task Running in the store so a later run resumes it at the
// checkpointed iteration.
func (e *Engine) RunTask(ctx context.Context, task *models.Task) error {
	var lastErr error

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		// Refresh control fields written by other commands. Status,
		// iteration and error fields stay engine-owned while running.
		fresh, err := e.store.GetTask(ctx, task.ID)
		if err != nil {
			return e.failPersistence(ctx, task, "control refresh", err)
		}
		task.StopRequested = fresh.StopRequested
		task.ApprovalDecision = fresh.ApprovalDecision
		if fresh.Status.Terminal() {
			task.Status = fresh.Status
			task.ErrKind = fresh.ErrKind
			task.ErrMessage = fresh.ErrMessage
			return nil
		}

		if task.StopRequested {
			return e.finalize(ctx, task, models.StatusStopped, "", "")
		}

		if budget := e.effectiveBudget(task); budget > 0 && task.Iteration >= budget {
			message := fmt.Sprintf("iteration budget of %d exhausted without completion", budget)
			if lastErr != nil {
				message = fmt.Sprintf("%s; last error: %v", message, lastErr)
			}
			return e.finalize(ctx, task, models.StatusFailed, models.ErrKindMaxIterations, message)
		}

		if e.needsApproval(task) {
			switch task.ApprovalDecision {
			case models.ApprovalGranted:
				// Decisions are durable: once granted the gate stays open.
			case models.ApprovalRejected:
				return e.finalize(ctx, task, models.StatusFailed, models.ErrKindApprovalRejected, "rejected at the approval gate")
			default:
				return e.suspend(ctx, task)
			}
		}

		// Past every gate: the iteration will execute. Re-assert Running
		// so the checkpoint never records a stale suspension status.
		task.Status = models.StatusRunning

		backend, err := e.registry.Lookup(task.Backend)
		if err != nil {
			return e.finalize(ctx, task, models.StatusFailed, models.ErrKindAgentExecution, err.Error())
		}

		e.logDebug(fmt.Sprintf("task %s: iteration %d via backend %s", task.ShortID(), task.Iteration+1, backend.Name))

		invocation, err := e.invoke(ctx, task, backend)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Retries are exhausted: the process never started, which
			// no amount of looping will fix.
			message := fmt.Sprintf("backend %s could not be launched: %v", backend.Name, err)
			return e.finalize(ctx, task, models.StatusFailed, models.ErrKindTransient, message)
		}

		task.Iteration++
		result := &models.IterationResult{
			Iteration: task.Iteration,
			ExitCode:  invocation.ExitCode,
			Output:    invocation.Output,
			Duration:  invocation.Duration,
			TimedOut:  invocation.TimedOut,
		}
		e.detector.Observe(task, result)

		switch {
		case invocation.ExitCode == e.cfg.Loop.ExitCodeBlock:
			// The agent asked for another pass. Blocking is cooperation,
			// not failure: the breaker never sees it.
			result.Outcome = models.OutcomeBlocked
			if err := e.hooks.FireStop(ctx, task, result); err != nil {
				e.logWarn(fmt.Sprintf("stop hook for task %s: %v", task.ShortID(), err))
			}

		case invocation.ExitCode == 0:
			e.breaker.RecordSuccess(task.Backend)
			lastErr = nil
			if e.detector.Done(ctx, task, result) {
				result.Outcome = models.OutcomeCompleted
				task.Status = models.StatusCompleted
				e.logInfo(fmt.Sprintf("task %s completed after %d iteration(s)", task.ShortID(), task.Iteration))
			} else {
				result.Outcome = models.OutcomeUnconfirmed
			}

		default:
			failures := e.breaker.RecordFailure(task.Backend)
			kind := models.ErrKindAgentExecution
			if invocation.TimedOut {
				kind = models.ErrKindTimeout
			}
			result.Err = NewTaskError(task.ID, kind, describeExit(invocation), nil)
			lastErr = result.Err

			if e.breaker.Open(task.Backend) {
				circuitErr := &CircuitOpenError{Backend: task.Backend, Failures: failures}
				result.Outcome = models.OutcomeFatal
				result.Err = NewTaskError(task.ID, models.ErrKindCircuitOpen, "backend circuit tripped", circuitErr)
				task.Status = models.StatusFailed
				task.ErrKind = models.ErrKindCircuitOpen
				task.ErrMessage = circuitErr.Error()
				e.logError(fmt.Sprintf("task %s: %s; giving up", task.ShortID(), circuitErr.Error()))
			} else {
				result.Outcome = models.OutcomeRetried
				if err := e.hooks.FireRecovery(ctx, task, result); err != nil {
					e.logWarn(fmt.Sprintf("recovery hook for task %s: %v", task.ShortID(), err))
				}
			}
		}

		snapshot, err := e.snapshotter.Capture(ctx, task)
		if err != nil {
			e.logWarn(fmt.Sprintf("task %s: snapshot capture failed: %v", task.ShortID(), err))
			snapshot = ""
		}
		result.Snapshot = snapshot

		if e.logger != nil {
			e.logger.LogIteration(task, result)
		}
		e.hooks.FireTelemetry(ctx, task, result)

		// The task row and checkpoint row commit together. Iterating
		// past state the store could not record is never worth it.
		if err := e.store.SaveCheckpoint(ctx, task, snapshot); err != nil {
			return e.failPersistence(ctx, task, "checkpoint", err)
		}

		if task.Status.Terminal() {
			return nil
		}
	}
}

// invoke runs one backend invocation, retrying launch-level failures
// with backoff. Nonzero exits and timeouts come back as results; only
// "the process never started" is an error here.
func (e *Engine) invoke(ctx context.Context, task *models.Task, backend agent.Backend) (*agent.InvocationResult, error) {
	var invocation *agent.InvocationResult
	policy := retry.Policy{
		MaxAttempts: e.cfg.Retry.MaxAttempts,
		BaseDelay:   e.cfg.Retry.BaseDelay(),
		MaxDelay:    e.cfg.Retry.MaxDelay(),
		OnRetry: func(attempt int, delay time.Duration, err error) {
			e.logWarn(fmt.Sprintf("task %s: launch attempt %d failed, retrying in %s: %v", task.ShortID(), attempt, delay, err))
		},
	}

	err := retry.Do(ctx, func(ctx context.Context) error {
		res, invokeErr := e.invoker.Invoke(ctx, task, backend)
		if invokeErr != nil {
			return invokeErr
		}
		invocation = res
		return nil
	}, policy)
	if err != nil {
		return nil, err
	}
	return invocation, nil
}

// effectiveBudget returns the iteration cap for a task. Zero means
// unbounded. Tasks without their own budget inherit the configured one,
// and disabling the loop caps every task at a single iteration.
func (e *Engine) effectiveBudget(task *models.Task) int {
	budget := task.MaxIterations
	if budget == 0 {
		budget = e.cfg.Loop.MaxIterations
	}
	if !e.cfg.Loop.Enabled && (budget == 0 || budget > 1) {
		budget = 1
	}
	return budget
}

// needsApproval reports whether the task must clear the approval gate.
func (e *Engine) needsApproval(task *models.Task) bool {
	if task.RequireApproval {
		return true
	}
	if !e.cfg.Approval.Enabled {
		return false
	}
	return task.ApprovalTier.AtLeast(models.ApprovalTier(e.cfg.Approval.ThresholdTier))
}

// suspend parks the task awaiting a decision. No iteration is consumed;
// a grant resumes exactly where the task paused.
func (e *Engine) suspend(ctx context.Context, task *models.Task) error {
	if err := e.store.UpdateStatus(ctx, task.ID, models.StatusAwaitingApproval, "", ""); err != nil {
		return e.failPersistence(ctx, task, "suspend", err)
	}
	task.Status = models.StatusAwaitingApproval
	e.logInfo(fmt.Sprintf("task %s awaiting approval (tier %s)", task.ShortID(), task.ApprovalTier))

	if err := e.hooks.FireApproval(ctx, task, nil); err != nil {
		e.logWarn(fmt.Sprintf("approval hook for task %s: %v", task.ShortID(), err))
	}
	return nil
}

// finalize moves the task to a terminal status outside an iteration, so
// no checkpoint row accompanies it.
func (e *Engine) finalize(ctx context.Context, task *models.Task, status models.Status, kind models.ErrorKind, message string) error {
	if err := e.store.UpdateStatus(ctx, task.ID, status, kind, message); err != nil {
		return e.failPersistence(ctx, task, "finalize", err)
	}
	task.Status = status
	task.ErrKind = kind
	task.ErrMessage = message

	if status == models.StatusFailed {
		e.logError(fmt.Sprintf("task %s failed (%s): %s", task.ShortID(), kind, message))
	} else {
		e.logInfo(fmt.Sprintf("task %s %s at iteration %d", task.ShortID(), status, task.Iteration))
	}
	return nil
}

// failPersistence gives up on a task after a store error. Interruption
// is not a store fault: if ctx was canceled the task is left Running
// for a later resume. The terminal write is best-effort since the
// store is already suspect.
func (e *Engine) failPersistence(ctx context.Context, task *models.Task, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	perr := &PersistenceError{Op: op, Err: err}
	e.logError(fmt.Sprintf("task %s: %v", task.ShortID(), perr))
	if uerr := e.store.UpdateStatus(ctx, task.ID, models.StatusFailed, models.ErrKindPersistence, perr.Error()); uerr == nil {
		task.Status = models.StatusFailed
		task.ErrKind = models.ErrKindPersistence
		task.ErrMessage = perr.Error()
	}
	return perr
}

func describeExit(invocation *agent.InvocationResult) string {
	if invocation.TimedOut {
		return fmt.Sprintf("invocation timed out after %s", invocation.Duration.Round(time.Millisecond))
	}
	return fmt.Sprintf("agent exited with code %d", invocation.ExitCode)
}

func (e *Engine) logDebug(message string) {
	if e.logger != nil {
		e.logger.LogDebug(message)
	}
}

func (e *Engine) logInfo(message string) {
	if e.logger != nil {
		e.logger.LogInfo(message)
	}
}

func (e *Engine) logWarn(message string) {
	if e.logger != nil {
		e.logger.LogWarn(message)
	}
}

func (e *Engine) logError(message string) {
	if e.logger != nil {
		e.logger.LogError(message)
	}
}
