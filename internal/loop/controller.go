package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harrison/reprise/internal/config"
	"github.com/harrison/reprise/internal/models"
	"github.com/harrison/reprise/internal/store"
)

// TaskRunner runs one task until it suspends or reaches a terminal
// status. The Engine satisfies it; controller tests substitute
// scripted runners.
type TaskRunner interface {
	RunTask(ctx context.Context, task *models.Task) error
}

// Controller schedules tasks over a bounded worker pool. It owns
// admission (local submissions plus rows written by other processes),
// the parked set of tasks awaiting approval, and the approval timeout.
// Suspended tasks hold no worker slot.
type Controller struct {
	store  TaskStore
	runner TaskRunner
	cfg    *config.Config
	logger Logger

	clock    func() time.Time
	pollEach time.Duration

	mu      sync.Mutex
	queue   []string
	running map[string]struct{}
	parked  map[string]time.Time
	watch   bool

	wake chan struct{}
}

// NewController creates a controller over the given store and runner.
func NewController(st TaskStore, runner TaskRunner, cfg *config.Config, logger Logger) (*Controller, error) {
	if st == nil {
		return nil, fmt.Errorf("controller requires a task store")
	}
	if runner == nil {
		return nil, fmt.Errorf("controller requires a task runner")
	}
	if cfg == nil {
		return nil, fmt.Errorf("controller requires configuration")
	}
	return &Controller{
		store:    st,
		runner:   runner,
		cfg:      cfg,
		logger:   logger,
		clock:    time.Now,
		pollEach: time.Second,
		running:  make(map[string]struct{}),
		parked:   make(map[string]time.Time),
		wake:     make(chan struct{}, 1),
	}, nil
}

// SetWatch keeps the pool alive when idle, picking up tasks submitted
// by other processes instead of exiting once the queue drains.
func (c *Controller) SetWatch(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watch = enabled
}

// SubmitTask validates a spec against the configured backends and
// persists a new queued task. It is the write path shared by the
// controller and CLI submissions that enqueue without a running pool.
func SubmitTask(ctx context.Context, st TaskStore, cfg *config.Config, spec models.TaskSpec) (*models.Task, error) {
	backend := spec.Backend
	if backend == "" {
		backend = config.DefaultBackend
	}
	if _, ok := cfg.Backends[backend]; !ok {
		return nil, fmt.Errorf("unknown backend %q", backend)
	}

	task := &models.Task{
		ID:              uuid.NewString(),
		Prompt:          spec.Prompt,
		Backend:         backend,
		Status:          models.StatusQueued,
		MaxIterations:   spec.MaxIterations,
		RequireApproval: spec.RequireApproval,
		ApprovalTier:    spec.ApprovalTier,
		Context:         spec.Context,
	}
	if err := st.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// Submit validates a spec, persists the task and queues it. The
// returned task carries its assigned ID.
func (c *Controller) Submit(ctx context.Context, spec models.TaskSpec) (*models.Task, error) {
	task, err := SubmitTask(ctx, c.store, c.cfg, spec)
	if err != nil {
		return nil, err
	}

	c.logInfo(fmt.Sprintf("task %s submitted (backend %s)", task.ShortID(), task.Backend))
	c.enqueue(task.ID)
	return task, nil
}

// Resume re-admits every incomplete task from the store: queued and
// running tasks go back on the queue at their checkpointed iteration,
// suspended ones rejoin the parked set. Returns how many tasks were
// picked up.
func (c *Controller) Resume(ctx context.Context) (int, error) {
	tasks, err := c.store.LoadIncompleteTasks(ctx)
	if err != nil {
		return 0, err
	}

	for _, task := range tasks {
		if task.Status == models.StatusAwaitingApproval {
			// Parked age is measured from the suspension write, so
			// approval timeouts span process restarts.
			c.park(task.ID, task.LastUpdateAt)
			c.logInfo(fmt.Sprintf("task %s resumed awaiting approval", task.ShortID()))
			continue
		}
		c.logInfo(fmt.Sprintf("task %s resumed at iteration %d", task.ShortID(), task.Iteration))
		c.enqueue(task.ID)
	}
	return len(tasks), nil
}

// Stop requests a cooperative stop. The flag is honored at the task's
// next iteration boundary; a suspended task sees it right after its
// approval decision. Stopping a terminal task is a no-op.
func (c *Controller) Stop(ctx context.Context, id string) error {
	task, err := c.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return nil
	}

	if err := c.store.RequestStop(ctx, id); err != nil {
		return err
	}
	c.logInfo(fmt.Sprintf("stop requested for task %s", task.ShortID()))
	c.kick()
	return nil
}

// Approve records an approval decision for a suspended task. Grants
// re-enqueue the task at its paused iteration; rejections finalize it
// without flapping back through Running.
func (c *Controller) Approve(ctx context.Context, id string, granted bool) error {
	decision := models.ApprovalRejected
	if granted {
		decision = models.ApprovalGranted
	}
	if err := c.store.RecordApprovalDecision(ctx, id, decision); err != nil {
		return err
	}

	c.unpark(id)
	if granted {
		c.logInfo(fmt.Sprintf("task %s approved", shortID(id)))
		c.enqueue(id)
		return nil
	}
	c.logInfo(fmt.Sprintf("task %s rejected", shortID(id)))
	return c.store.UpdateStatus(ctx, id, models.StatusFailed, models.ErrKindApprovalRejected, "rejected at the approval gate")
}

// Status returns the current record for a task.
func (c *Controller) Status(ctx context.Context, id string) (*models.Task, error) {
	return c.store.GetTask(ctx, id)
}

// List returns every known task in submission order.
func (c *Controller) List(ctx context.Context) ([]*models.Task, error) {
	return c.store.ListTasks(ctx)
}

// Stats aggregates task counts and iteration totals.
func (c *Controller) Stats(ctx context.Context) (*models.Stats, error) {
	return c.store.Stats(ctx)
}

// Run drives the pool until every known task is terminal (or parked
// work is the only work left and watch mode keeps the pool alive), or
// ctx is canceled. Cancellation waits for in-flight iterations to
// reach their boundary and leaves interrupted tasks resumable.
func (c *Controller) Run(ctx context.Context) error {
	maxWorkers := c.cfg.Resources.MaxConcurrentTasks
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	semaphore := make(chan struct{}, maxWorkers)

	ticker := time.NewTicker(c.pollEach)
	defer ticker.Stop()

	var wg sync.WaitGroup

	for {
		if ctx.Err() != nil {
			goto drain
		}

		id, ok := c.dequeue()
		if !ok {
			if c.idle() {
				goto drain
			}
			select {
			case <-ctx.Done():
				goto drain
			case <-c.wake:
			case <-ticker.C:
				c.poll(ctx)
			}
			continue
		}

		select {
		case <-ctx.Done():
			goto drain
		case semaphore <- struct{}{}:
		}

		wg.Add(1)
		go func(taskID string) {
			defer wg.Done()
			defer func() { <-semaphore }()
			c.runOne(ctx, taskID)
		}(id)
	}

drain:
	wg.Wait()
	return ctx.Err()
}

// runOne admits a single task and runs it to suspension, interruption
// or a terminal status.
func (c *Controller) runOne(ctx context.Context, id string) {
	defer c.finishRun(id)

	task, err := c.store.GetTask(ctx, id)
	if err != nil {
		c.logError(fmt.Sprintf("task %s: load failed: %v", shortID(id), err))
		return
	}
	if task.Status.Terminal() {
		return
	}

	if err := c.store.MarkRunning(ctx, task.ID); err != nil {
		// Finalized between dequeue and admission.
		if errors.Is(err, store.ErrInvalidState) {
			return
		}
		c.logError(fmt.Sprintf("task %s: admission failed: %v", task.ShortID(), err))
		return
	}
	task.Status = models.StatusRunning

	if c.logger != nil {
		c.logger.LogTaskStart(task)
	}

	err = c.runner.RunTask(ctx, task)
	switch {
	case err == nil && task.Status == models.StatusAwaitingApproval:
		c.park(task.ID, c.clock())
		return
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		c.logInfo(fmt.Sprintf("task %s interrupted at iteration %d; rerun with --resume to continue", task.ShortID(), task.Iteration))
		return
	case err != nil:
		c.logError(fmt.Sprintf("task %s: %v", task.ShortID(), err))
	}

	if c.logger != nil {
		c.logger.LogTaskEnd(task)
	}
}

// poll admits tasks submitted by other processes and settles parked
// tasks whose decisions were written externally or never arrived.
func (c *Controller) poll(ctx context.Context) {
	queued, err := c.store.ListTasksByStatus(ctx, models.StatusQueued)
	if err != nil {
		c.logWarn(fmt.Sprintf("poll: listing queued tasks failed: %v", err))
		return
	}
	for _, task := range queued {
		c.enqueue(task.ID)
	}

	timeout := c.cfg.Approval.Timeout()
	for id, parkedAt := range c.parkedSnapshot() {
		task, err := c.store.GetTask(ctx, id)
		if err != nil {
			c.logWarn(fmt.Sprintf("poll: loading parked task %s failed: %v", shortID(id), err))
			continue
		}

		switch {
		case task.Status.Terminal():
			c.unpark(id)

		case task.ApprovalDecision == models.ApprovalGranted:
			c.logInfo(fmt.Sprintf("task %s approved externally", task.ShortID()))
			c.unpark(id)
			c.enqueue(id)

		case task.ApprovalDecision == models.ApprovalRejected:
			c.unpark(id)
			if err := c.store.UpdateStatus(ctx, id, models.StatusFailed, models.ErrKindApprovalRejected, "rejected at the approval gate"); err != nil {
				c.logWarn(fmt.Sprintf("task %s: finalizing rejection failed: %v", task.ShortID(), err))
			}

		case timeout > 0 && c.clock().Sub(parkedAt) >= timeout:
			c.logWarn(fmt.Sprintf("task %s: no approval decision within %s, rejecting", task.ShortID(), timeout))
			if err := c.store.RecordApprovalDecision(ctx, id, models.ApprovalRejected); err != nil {
				c.logWarn(fmt.Sprintf("task %s: recording timeout rejection failed: %v", task.ShortID(), err))
				continue
			}
			c.unpark(id)
			message := fmt.Sprintf("approval timed out after %s", timeout)
			if err := c.store.UpdateStatus(ctx, id, models.StatusFailed, models.ErrKindApprovalRejected, message); err != nil {
				c.logWarn(fmt.Sprintf("task %s: finalizing timeout rejection failed: %v", task.ShortID(), err))
			}
		}
	}
}

// enqueue adds a task to the local queue unless it is already queued,
// running or parked.
func (c *Controller) enqueue(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.running[id]; ok {
		return
	}
	if _, ok := c.parked[id]; ok {
		return
	}
	for _, queued := range c.queue {
		if queued == id {
			return
		}
	}
	c.queue = append(c.queue, id)
	c.kick()
}

// dequeue pops the next task and claims it as running so the idle
// check never fires with a launch in flight.
func (c *Controller) dequeue() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return "", false
	}
	id := c.queue[0]
	c.queue = c.queue[1:]
	c.running[id] = struct{}{}
	return id, true
}

func (c *Controller) finishRun(id string) {
	c.mu.Lock()
	delete(c.running, id)
	c.mu.Unlock()
	c.kick()
}

func (c *Controller) park(id string, since time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.parked[id] = since
}

func (c *Controller) unpark(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.parked, id)
}

func (c *Controller) parkedSnapshot() map[string]time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot := make(map[string]time.Time, len(c.parked))
	for id, since := range c.parked {
		snapshot[id] = since
	}
	return snapshot
}

// idle reports whether no work remains anywhere. Watch mode is never
// idle.
func (c *Controller) idle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.watch {
		return false
	}
	return len(c.queue) == 0 && len(c.running) == 0 && len(c.parked) == 0
}

// kick nudges the scheduler loop out of its idle wait.
func (c *Controller) kick() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Controller) logInfo(message string) {
	if c.logger != nil {
		c.logger.LogInfo(message)
	}
}

func (c *Controller) logWarn(message string) {
	if c.logger != nil {
		c.logger.LogWarn(message)
	}
}

func (c *Controller) logError(message string) {
	if c.logger != nil {
		c.logger.LogError(message)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
