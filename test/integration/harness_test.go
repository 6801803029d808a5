package integration

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/harrison/reprise/internal/agent"
	"github.com/harrison/reprise/internal/config"
	"github.com/harrison/reprise/internal/hooks"
	"github.com/harrison/reprise/internal/logger"
	"github.com/harrison/reprise/internal/loop"
	"github.com/harrison/reprise/internal/models"
	"github.com/harrison/reprise/internal/store"
	"github.com/harrison/reprise/internal/telemetry"
)

// agentStep is one scripted invocation outcome. An interrupt step
// cancels the run context instead of producing a result, standing in
// for a Ctrl-C that lands mid-iteration.
type agentStep struct {
	exitCode  int
	output    string
	interrupt bool
}

// scriptedInvoker plays back canned agent behavior keyed by prompt.
// Tasks whose script runs out repeat the last step, so a single step
// means "always does this".
type scriptedInvoker struct {
	mu          sync.Mutex
	scripts     map[string][]agentStep
	calls       map[string]int
	inFlight    int
	maxInFlight int

	// invoked receives the task id of every invocation, without blocking.
	invoked chan string
	// arrived and gate, when set, let a test hold invocations at a
	// barrier to observe the pool mid-flight.
	arrived chan struct{}
	gate    chan struct{}
	// cancel is called by interrupt steps.
	cancel context.CancelFunc
}

func newScriptedInvoker() *scriptedInvoker {
	return &scriptedInvoker{
		scripts: make(map[string][]agentStep),
		calls:   make(map[string]int),
		invoked: make(chan string, 64),
	}
}

func (s *scriptedInvoker) script(prompt string, steps ...agentStep) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[prompt] = steps
}

func (s *scriptedInvoker) callCount(prompt string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[prompt]
}

func (s *scriptedInvoker) maxParallel() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxInFlight
}

func (s *scriptedInvoker) Invoke(ctx context.Context, task *models.Task, backend agent.Backend) (*agent.InvocationResult, error) {
	s.mu.Lock()
	call := s.calls[task.Prompt]
	s.calls[task.Prompt] = call + 1
	steps := s.scripts[task.Prompt]
	s.inFlight++
	if s.inFlight > s.maxInFlight {
		s.maxInFlight = s.inFlight
	}
	arrived := s.arrived
	gate := s.gate
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}()

	select {
	case s.invoked <- task.ID:
	default:
	}
	if arrived != nil {
		select {
		case arrived <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-time.After(10 * time.Second):
		}
	}

	if len(steps) == 0 {
		return &agent.InvocationResult{Output: "ok"}, nil
	}
	step := steps[len(steps)-1]
	if call < len(steps) {
		step = steps[call]
	}

	if step.interrupt {
		s.cancel()
		return nil, ctx.Err()
	}
	return &agent.InvocationResult{
		ExitCode: step.exitCode,
		Output:   step.output,
		Duration: time.Millisecond,
	}, nil
}

// testConfig returns defaults with a single scripted backend and a
// small worker pool.
func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Backends = map[string]config.BackendConfig{
		"scripted": {Command: []string{"scripted-agent", "{prompt}"}, TimeoutS: 10},
	}
	cfg.Resources.MaxConcurrentTasks = 2
	return cfg
}

// harness wires the full stack the way the CLI does: a SQLite store,
// a backend registry, the telemetry log and a controller, all rooted
// in a temp directory.
type harness struct {
	t       *testing.T
	cfg     *config.Config
	store   *store.Store
	invoker *scriptedInvoker
	ctrl    *loop.Controller

	eventsPath string
	approvals  chan string
}

func newHarness(t *testing.T, cfg *config.Config, invoker *scriptedInvoker) *harness {
	t.Helper()

	dir := t.TempDir()
	st, err := store.NewStore(filepath.Join(dir, "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	h := &harness{
		t:          t,
		cfg:        cfg,
		store:      st,
		invoker:    invoker,
		eventsPath: filepath.Join(dir, "telemetry.jsonl"),
		approvals:  make(chan string, 8),
	}
	h.ctrl = buildController(t, st, cfg, invoker, h.eventsPath, h.approvals)
	return h
}

// buildController assembles an engine and controller over an existing
// store, so resume tests can stand up a second run against the same
// database and telemetry log.
func buildController(t *testing.T, st *store.Store, cfg *config.Config, invoker *scriptedInvoker, eventsPath string, approvals chan string) *loop.Controller {
	t.Helper()

	events, err := telemetry.NewWriter(eventsPath)
	require.NoError(t, err)
	t.Cleanup(func() { events.Close() })

	hk := &hooks.Hooks{
		Approval: func(ctx context.Context, task *models.Task, _ *models.IterationResult) error {
			select {
			case approvals <- task.ID:
			default:
			}
			return nil
		},
		Telemetry: []hooks.Func{
			func(ctx context.Context, task *models.Task, result *models.IterationResult) error {
				return events.Append(telemetry.Event{
					Event:     telemetry.EventForOutcome(result.Outcome),
					TaskID:    task.ID,
					Iteration: result.Iteration,
					Backend:   task.Backend,
					ExitCode:  result.ExitCode,
				})
			},
		},
	}

	engine, err := loop.NewEngine(loop.EngineOptions{
		Store:    st,
		Registry: agent.NewRegistry(cfg.Backends),
		Invoker:  invoker,
		Hooks:    hk,
		Config:   cfg,
	})
	require.NoError(t, err)

	ctrl, err := loop.NewController(st, engine, cfg, logger.NewNoOpLogger())
	require.NoError(t, err)
	return ctrl
}

func (h *harness) submit(spec models.TaskSpec) *models.Task {
	h.t.Helper()
	if spec.Backend == "" {
		spec.Backend = "scripted"
	}
	task, err := h.ctrl.Submit(context.Background(), spec)
	require.NoError(h.t, err)
	return task
}

// run drives the controller to completion. The deadline is a hang
// guard; a drained pool returns well before it.
func (h *harness) run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return h.ctrl.Run(ctx)
}

func (h *harness) runAsync() <-chan error {
	done := make(chan error, 1)
	go func() { done <- h.run() }()
	return done
}

func (h *harness) taskState(id string) *models.Task {
	h.t.Helper()
	task, err := h.store.GetTask(context.Background(), id)
	require.NoError(h.t, err)
	return task
}

func (h *harness) events() []telemetry.Event {
	h.t.Helper()
	events, err := telemetry.ReadEvents(h.eventsPath)
	require.NoError(h.t, err)
	return events
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(30 * time.Second):
		t.Fatal("controller did not finish in time")
		return nil
	}
}

func waitInvoked(t *testing.T, inv *scriptedInvoker) string {
	t.Helper()
	select {
	case id := <-inv.invoked:
		return id
	case <-time.After(10 * time.Second):
		t.Fatal("agent was never invoked")
		return ""
	}
}

func waitApproval(t *testing.T, h *harness) string {
	t.Helper()
	select {
	case id := <-h.approvals:
		return id
	case <-time.After(10 * time.Second):
		t.Fatal("approval gate never fired")
		return ""
	}
}
