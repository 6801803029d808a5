// Package models defines the core data structures shared across reprise:
// tasks, checkpoints, iteration results, and the status and error
// vocabularies the loop engine and store agree on.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	// StatusQueued means the task has been accepted but not yet admitted
	// to a worker slot.
	StatusQueued Status = "queued"
	// StatusRunning means the loop engine is actively iterating the task.
	StatusRunning Status = "running"
	// StatusAwaitingApproval means the task is suspended pending a human
	// decision. A suspended task holds no worker slot.
	StatusAwaitingApproval Status = "awaiting_approval"
	// StatusCompleted means the completion detector confirmed the work done.
	StatusCompleted Status = "completed"
	// StatusFailed means the task ended with an error: budget exhausted,
	// circuit open, approval rejected, or a checkpoint write failure.
	StatusFailed Status = "failed"
	// StatusStopped means a stop request was honored at an iteration boundary.
	StatusStopped Status = "stopped"
)

// Terminal reports whether the status is final. Terminal tasks are never
// re-admitted by the controller.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped:
		return true
	}
	return false
}

// Valid reports whether s is one of the known status values.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusAwaitingApproval,
		StatusCompleted, StatusFailed, StatusStopped:
		return true
	}
	return false
}

// ApprovalDecision records the outcome of an approval gate.
type ApprovalDecision string

const (
	// ApprovalPending means no decision has been recorded yet.
	ApprovalPending ApprovalDecision = ""
	// ApprovalGranted resumes the task at its current iteration.
	ApprovalGranted ApprovalDecision = "approved"
	// ApprovalRejected fails the task without consuming an iteration.
	ApprovalRejected ApprovalDecision = "rejected"
)

// ApprovalTier classifies how much scrutiny a task deserves. Tasks at or
// above the configured threshold tier pause for approval before their
// first iteration.
type ApprovalTier string

const (
	TierLow    ApprovalTier = "low"
	TierMedium ApprovalTier = "medium"
	TierHigh   ApprovalTier = "high"
)

var tierRank = map[ApprovalTier]int{
	TierLow:    0,
	TierMedium: 1,
	TierHigh:   2,
}

// Valid reports whether the tier is one of the known values.
func (t ApprovalTier) Valid() bool {
	_, ok := tierRank[t]
	return ok
}

// AtLeast reports whether t ranks at or above other. Unknown tiers rank
// below low.
func (t ApprovalTier) AtLeast(other ApprovalTier) bool {
	return tierRank[t] >= tierRank[other]
}

// ErrorKind tags the failure recorded on a task that ended in StatusFailed.
type ErrorKind string

const (
	// ErrKindTransient covers launch-level failures (the agent process
	// could not start) that exhausted their retry budget.
	ErrKindTransient ErrorKind = "transient"
	// ErrKindAgentExecution covers nonzero agent exits other than the
	// blocking code.
	ErrKindAgentExecution ErrorKind = "agent_execution"
	// ErrKindTimeout covers invocations killed at the per-iteration deadline.
	ErrKindTimeout ErrorKind = "timeout"
	// ErrKindApprovalRejected covers tasks rejected at the approval gate.
	ErrKindApprovalRejected ErrorKind = "approval_rejected"
	// ErrKindCircuitOpen covers tasks abandoned because their backend's
	// breaker tripped.
	ErrKindCircuitOpen ErrorKind = "circuit_open"
	// ErrKindPersistence covers checkpoint writes that failed. The loop
	// never iterates past state it could not record.
	ErrKindPersistence ErrorKind = "persistence"
	// ErrKindMaxIterations covers tasks that reached their iteration
	// budget without completing.
	ErrKindMaxIterations ErrorKind = "max_iterations"
)

// Context keys recognized by the loop engine.
const (
	ContextWorkDir  = "work_dir"
	ContextPlanFile = "plan_file"
)

// Task is one unit of autonomous work driven by the loop engine.
type Task struct {
	ID               string            // Unique task identifier (UUID)
	Prompt           string            // Instruction handed to the agent backend each iteration
	Backend          string            // Agent backend that executes the task
	Status           Status            // Current lifecycle state
	Iteration        int               // Count of completed agent invocations; only ever increases
	MaxIterations    int               // Per-task iteration budget; 0 defers to the global default
	RequireApproval  bool              // Forces the approval gate regardless of tier
	ApprovalTier     ApprovalTier      // Compared against the configured threshold tier
	ApprovalDecision ApprovalDecision  // Recorded gate outcome, if any
	StopRequested    bool              // Cooperative stop flag, read at iteration boundaries
	ErrKind          ErrorKind         // Failure classification for StatusFailed tasks
	ErrMessage       string            // Human-readable failure description
	Context          map[string]string // Opaque submission key/values (work_dir, plan_file, ...)
	CreatedAt        time.Time         // Submission time
	StartedAt        *time.Time        // First admission time (nil if never admitted)
	LastUpdateAt     time.Time         // Time of the last durable state change
}

// WorkDir returns the directory the agent runs in, or empty for the
// current directory.
func (t *Task) WorkDir() string {
	return t.Context[ContextWorkDir]
}

// PlanFile returns the path of the Markdown plan tracked for this task,
// or empty if none.
func (t *Task) PlanFile() string {
	return t.Context[ContextPlanFile]
}

// ShortID returns a truncated task ID for display.
func (t *Task) ShortID() string {
	if len(t.ID) <= 8 {
		return t.ID
	}
	return t.ID[:8]
}

// Clone returns a deep copy of the task. The engine iterates a copy so
// concurrent readers never observe partial updates.
func (t *Task) Clone() *Task {
	c := *t
	if t.StartedAt != nil {
		started := *t.StartedAt
		c.StartedAt = &started
	}
	if t.Context != nil {
		c.Context = make(map[string]string, len(t.Context))
		for k, v := range t.Context {
			c.Context[k] = v
		}
	}
	return &c
}

// Validate checks if the task has all required fields
func (t *Task) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return errors.New("task ID is required")
	}
	if strings.TrimSpace(t.Prompt) == "" {
		return errors.New("task prompt is required")
	}
	if strings.TrimSpace(t.Backend) == "" {
		return errors.New("task backend is required")
	}
	if !t.Status.Valid() {
		return fmt.Errorf("invalid task status %q", t.Status)
	}
	if t.MaxIterations < 0 {
		return fmt.Errorf("max iterations must be >= 0, got %d", t.MaxIterations)
	}
	if t.Iteration < 0 {
		return fmt.Errorf("iteration must be >= 0, got %d", t.Iteration)
	}
	if t.ApprovalTier != "" && !t.ApprovalTier.Valid() {
		return fmt.Errorf("invalid approval tier %q", t.ApprovalTier)
	}
	return nil
}

// TaskSpec is a task submission before admission. The controller assigns
// the ID and the initial status.
type TaskSpec struct {
	Prompt          string
	Backend         string
	MaxIterations   int
	RequireApproval bool
	ApprovalTier    ApprovalTier
	Context         map[string]string
}

// Checkpoint is one durable record of loop progress. A checkpoint row is
// written in the same transaction as the task row it describes, so the
// two never disagree.
type Checkpoint struct {
	TaskID    string
	Iteration int
	Snapshot  string // Opaque restore token; a git commit SHA for git-backed work dirs
	CreatedAt time.Time
}

// Outcome classifies what one executed iteration meant for the task.
type Outcome string

const (
	// OutcomeBlocked means the agent signalled it needs another pass.
	OutcomeBlocked Outcome = "blocked"
	// OutcomeCompleted means the agent succeeded and the completion
	// detector confirmed it.
	OutcomeCompleted Outcome = "completed"
	// OutcomeUnconfirmed means the agent claimed success but the detector
	// disagreed, so the loop continues.
	OutcomeUnconfirmed Outcome = "unconfirmed"
	// OutcomeRetried means the invocation failed and the task will try
	// again after recovery.
	OutcomeRetried Outcome = "retried"
	// OutcomeFatal means the failure ended the task.
	OutcomeFatal Outcome = "fatal"
)

// IterationResult captures everything one executed iteration produced.
// Hooks and telemetry sinks receive it read-only.
type IterationResult struct {
	Iteration int           // 1-based index of this invocation
	ExitCode  int           // Agent exit code, or the synthesized timeout code
	Output    string        // Combined stdout/stderr of the invocation
	Duration  time.Duration // How long the invocation ran
	TimedOut  bool          // Set when the invocation was killed at its deadline
	Outcome   Outcome       // Engine classification of this iteration
	Snapshot  string        // Snapshot restorable by the recovery hook (last durable checkpoint)
	Err       error         // Failure carried by retried and fatal outcomes
}

// Stats aggregates task counts for reporting.
type Stats struct {
	TotalTasks        int
	Queued            int
	Running           int
	AwaitingApproval  int
	Completed         int
	Failed            int
	Stopped           int
	TotalIterations   int
	AverageIterations float64
}
