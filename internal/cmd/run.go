package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/harrison/reprise/internal/agent"
	"github.com/harrison/reprise/internal/config"
	"github.com/harrison/reprise/internal/filelock"
	"github.com/harrison/reprise/internal/hooks"
	"github.com/harrison/reprise/internal/logger"
	"github.com/harrison/reprise/internal/loop"
	"github.com/harrison/reprise/internal/models"
	"github.com/harrison/reprise/internal/retry"
	"github.com/harrison/reprise/internal/store"
	"github.com/harrison/reprise/internal/telemetry"
)

// NewRunCommand creates the run command
func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [taskfile|dir ...]",
		Short: "Run tasks through the iteration loop until they settle",
		Long: `Run parses the given taskfiles (directories expand to their *.md
files), submits them, and drives the worker pool until every task is
completed, failed, or stopped.

With --resume, incomplete tasks from previous runs are re-admitted
first, each at its checkpointed iteration. With --watch, the pool stays
alive when idle and picks up tasks submitted by other processes.

A lock file under the reprise home keeps runs exclusive: one
orchestrator per data directory. SIGINT stops cooperatively, leaving
interrupted tasks resumable.`,
		Args: cobra.ArbitraryArgs,
		RunE: runRun,
	}

	cmd.Flags().String("config", "", "config file (default <reprise home>/config.yaml)")
	cmd.Flags().Bool("resume", false, "re-admit incomplete tasks from the store")
	cmd.Flags().Bool("watch", false, "keep the pool alive and admit external submissions")
	cmd.Flags().Int("max-concurrent", 0, "max tasks iterating at once (overrides config)")
	cmd.Flags().Int("max-iterations", 0, "default per-task iteration budget, 0 = unlimited (overrides config)")
	cmd.Flags().BoolP("verbose", "v", false, "debug-level console output")
	cmd.Flags().BoolP("quiet", "q", false, "errors only on the console")

	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	resume, _ := cmd.Flags().GetBool("resume")
	watch, _ := cmd.Flags().GetBool("watch")

	if len(args) == 0 && !resume && !watch {
		return fmt.Errorf("nothing to run: name a taskfile or pass --resume or --watch")
	}

	cfg, err := loadRunConfig(cmd)
	if err != nil {
		return err
	}

	// Taskfiles are parsed before the lock is taken so a typo fails fast
	// without touching any state.
	defs, err := parseTaskfiles(args)
	if err != nil {
		return err
	}

	lockPath, err := config.GetLockPath()
	if err != nil {
		return err
	}
	guard, err := filelock.AcquireGuard(lockPath)
	if err != nil {
		return err
	}
	defer guard.Release()

	log, closeLogs, err := buildLoggers(cmd, cfg)
	if err != nil {
		return err
	}
	defer closeLogs()

	dbPath, err := config.GetTaskDBPath()
	if err != nil {
		return err
	}
	st, err := store.NewStore(dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	controller, shutdown, err := buildOrchestrator(ctx, cfg, st, log)
	if err != nil {
		return err
	}
	defer shutdown()

	controller.SetWatch(watch)

	// admitted collects the ids this invocation is responsible for; the
	// exit status reflects their fates, not the store's full history.
	admitted := make([]string, 0, len(defs))

	for _, def := range defs {
		task, err := controller.Submit(ctx, def.Spec())
		if err != nil {
			return fmt.Errorf("submit %s: %w", def.Path, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Submitted task %s: %s (backend %s)\n", task.ShortID(), def.Title, task.Backend)
		admitted = append(admitted, task.ID)
	}

	if resume {
		pending, err := st.LoadIncompleteTasks(ctx)
		if err != nil {
			return fmt.Errorf("resume incomplete tasks: %w", err)
		}
		for _, task := range pending {
			admitted = append(admitted, task.ID)
		}

		resumed, err := controller.Resume(ctx)
		if err != nil {
			return fmt.Errorf("resume incomplete tasks: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Resumed %d incomplete task(s)\n", resumed)
	}

	if len(admitted) == 0 && !watch {
		fmt.Fprintln(cmd.OutOrStdout(), "No tasks to run.")
		return nil
	}

	start := time.Now()

	// One progress line every 15s while the pool works.
	progressCtx, stopProgress := context.WithCancel(ctx)
	go func() {
		tick := time.NewTicker(15 * time.Second)
		defer tick.Stop()
		for {
			select {
			case <-progressCtx.Done():
				return
			case <-tick.C:
				if stats, err := st.Stats(progressCtx); err == nil {
					log.LogProgress(stats)
				}
			}
		}
	}()

	runErr := controller.Run(ctx)
	stopProgress()

	// The run context may already be canceled; the summary still has to
	// read, so it gets its own deadline.
	summaryCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if stats, err := st.Stats(summaryCtx); err == nil {
		log.LogSummary(stats, time.Since(start))
	} else {
		log.LogWarn(fmt.Sprintf("run summary unavailable: %v", err))
	}

	if runErr != nil {
		if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
			fmt.Fprintln(cmd.OutOrStdout(), "Interrupted. Incomplete tasks resume with: reprise run --resume")
			return nil
		}
		return runErr
	}

	if failed := countFailed(summaryCtx, st, admitted); failed > 0 {
		return fmt.Errorf("%d of %d task(s) failed", failed, len(admitted))
	}
	return nil
}

// loadRunConfig loads configuration for run, scaffolding a default
// config file on first use and merging flag overrides on top.
func loadRunConfig(cmd *cobra.Command) (*config.Config, error) {
	if !cmd.Flags().Changed("config") {
		if path, err := config.GetConfigPath(); err == nil {
			scaffoldDefaultConfig(path)
		}
	}

	path, err := resolveConfigPath(cmd)
	if err != nil {
		return nil, err
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	var maxConcurrent, maxIterations *int
	var logLevel *string

	if cmd.Flags().Changed("max-concurrent") {
		v, _ := cmd.Flags().GetInt("max-concurrent")
		maxConcurrent = &v
	}
	if cmd.Flags().Changed("max-iterations") {
		v, _ := cmd.Flags().GetInt("max-iterations")
		maxIterations = &v
	}
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level := "debug"
		logLevel = &level
	}
	if quiet, _ := cmd.Flags().GetBool("quiet"); quiet {
		level := "error"
		logLevel = &level
	}

	cfg.MergeWithFlags(maxConcurrent, maxIterations, logLevel, nil)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// buildLoggers assembles the console logger plus the run log file. A
// broken log directory downgrades to console-only rather than aborting
// the run.
func buildLoggers(cmd *cobra.Command, cfg *config.Config) (*runLogger, func(), error) {
	console := logger.NewConsoleLogger(cmd.OutOrStdout(), cfg.Logging.Level)

	logsDir, err := config.GetLogsDir(cfg.Logging.Dir)
	if err != nil {
		console.LogWarn(fmt.Sprintf("file logging disabled: %v", err))
		return &runLogger{sinks: []logSink{console}}, func() {}, nil
	}
	file, err := logger.NewFileLogger(logsDir, cfg.Logging.Level)
	if err != nil {
		console.LogWarn(fmt.Sprintf("file logging disabled: %v", err))
		return &runLogger{sinks: []logSink{console}}, func() {}, nil
	}

	log := &runLogger{sinks: []logSink{console, file}}
	return log, func() { file.Close() }, nil
}

// buildOrchestrator wires the store, agent registry, breaker, detector,
// snapshotter, hooks and telemetry into an engine and its controller.
// The returned shutdown func flushes telemetry sinks.
func buildOrchestrator(ctx context.Context, cfg *config.Config, st *store.Store, log *runLogger) (*loop.Controller, func(), error) {
	registry := agent.NewRegistry(cfg.Backends)
	invoker := agent.NewCommandInvoker()
	breaker := retry.NewBreaker(cfg.Circuit.FailureThreshold)
	snapshotter := loop.NewGitSnapshotter()
	detector := loop.BuildDetector(cfg, log)

	telemetryPath, err := config.GetTelemetryPath()
	if err != nil {
		return nil, nil, err
	}
	events, err := telemetry.NewWriter(telemetryPath)
	if err != nil {
		return nil, nil, err
	}

	spans, err := telemetry.NewSpanExporter(ctx, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		// Span export is optional; an unreachable collector must not
		// block the run.
		log.LogWarn(fmt.Sprintf("otlp span export disabled: %v", err))
		spans = nil
	}

	hk := &hooks.Hooks{
		Recovery: loop.NewRecoveryHook(st, snapshotter, log),
		Approval: func(_ context.Context, task *models.Task, _ *models.IterationResult) error {
			log.LogInfo(fmt.Sprintf("task %s awaiting approval; decide with: reprise approve %s", task.ShortID(), task.ID))
			return nil
		},
		Telemetry: []hooks.Func{
			func(_ context.Context, task *models.Task, result *models.IterationResult) error {
				return events.Append(telemetry.Event{
					Event:     telemetry.EventForOutcome(result.Outcome),
					TaskID:    task.ID,
					Iteration: result.Iteration,
					Backend:   task.Backend,
					ExitCode:  result.ExitCode,
				})
			},
		},
		Logger: log,
	}
	if spans != nil {
		hk.Telemetry = append(hk.Telemetry, func(ctx context.Context, task *models.Task, result *models.IterationResult) error {
			spans.ExportIteration(ctx, task, result)
			return nil
		})
	}

	engine, err := loop.NewEngine(loop.EngineOptions{
		Store:       st,
		Registry:    registry,
		Invoker:     invoker,
		Breaker:     breaker,
		Detector:    detector,
		Snapshotter: snapshotter,
		Hooks:       hk,
		Logger:      log,
		Config:      cfg,
	})
	if err != nil {
		events.Close()
		return nil, nil, err
	}

	controller, err := loop.NewController(st, engine, cfg, log)
	if err != nil {
		events.Close()
		return nil, nil, err
	}

	shutdown := func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := spans.Shutdown(flushCtx); err != nil {
			log.LogWarn(fmt.Sprintf("otlp span export shutdown: %v", err))
		}
		if err := events.Close(); err != nil {
			log.LogWarn(fmt.Sprintf("telemetry log close: %v", err))
		}
	}
	return controller, shutdown, nil
}

// countFailed reports how many of the given tasks ended in failure.
func countFailed(ctx context.Context, st *store.Store, ids []string) int {
	failed := 0
	for _, id := range ids {
		task, err := st.GetTask(ctx, id)
		if err != nil {
			continue
		}
		if task.Status == models.StatusFailed {
			failed++
		}
	}
	return failed
}

// logSink is the surface shared by the console and file loggers.
type logSink interface {
	loop.Logger
	LogSummary(stats *models.Stats, duration time.Duration)
}

// runLogger fans orchestrator events out to every configured sink. It
// satisfies loop.Logger for the engine and controller, and Warnf for
// the hook bundle's telemetry diagnostics.
type runLogger struct {
	sinks []logSink
}

func (l *runLogger) LogDebug(message string) {
	for _, s := range l.sinks {
		s.LogDebug(message)
	}
}

func (l *runLogger) LogInfo(message string) {
	for _, s := range l.sinks {
		s.LogInfo(message)
	}
}

func (l *runLogger) LogWarn(message string) {
	for _, s := range l.sinks {
		s.LogWarn(message)
	}
}

func (l *runLogger) LogError(message string) {
	for _, s := range l.sinks {
		s.LogError(message)
	}
}

func (l *runLogger) LogTaskStart(task *models.Task) {
	for _, s := range l.sinks {
		s.LogTaskStart(task)
	}
}

func (l *runLogger) LogIteration(task *models.Task, result *models.IterationResult) {
	for _, s := range l.sinks {
		s.LogIteration(task, result)
	}
}

func (l *runLogger) LogTaskEnd(task *models.Task) {
	for _, s := range l.sinks {
		s.LogTaskEnd(task)
	}
}

func (l *runLogger) LogSummary(stats *models.Stats, duration time.Duration) {
	for _, s := range l.sinks {
		s.LogSummary(stats, duration)
	}
}

// LogProgress forwards to sinks that can draw a bar, currently the
// console. The run log stays line-oriented.
func (l *runLogger) LogProgress(stats *models.Stats) {
	for _, s := range l.sinks {
		if p, ok := s.(interface{ LogProgress(*models.Stats) }); ok {
			p.LogProgress(stats)
		}
	}
}

// Warnf adapts the logger to the hooks.WarnLogger interface.
func (l *runLogger) Warnf(format string, args ...interface{}) {
	l.LogWarn(fmt.Sprintf(format, args...))
}

// defaultConfigYAML is written on first run so there is a commented
// file to edit. Values mirror DefaultConfig.
const defaultConfigYAML = `# reprise configuration
loop:
  enabled: true          # false = every task gets exactly one iteration
  exit_code_block: 2     # agent exit code meaning "not done, run me again"
  max_iterations: 0      # default per-task budget; 0 = unlimited
retry:
  max_attempts: 3        # launch attempts per invocation, including the first
  base_delay_s: 1
  max_delay_s: 30
circuit:
  failure_threshold: 5   # consecutive failures that open a backend's breaker
approval:
  enabled: false         # gate tasks at/above threshold_tier
  threshold_tier: high   # low | medium | high
  timeout_s: 0           # auto-reject after this many seconds; 0 = wait forever
resources:
  max_concurrent_tasks: 4
completion:
  clean_streak: 0        # require N consecutive clean exits; 0 = off
  output_marker: ""      # require this substring in the agent output
  verify_command: ""     # require this command to exit 0 in the work dir
backends:
  claude:
    command: ["claude", "-p", "{prompt}"]
    timeout_s: 600
telemetry:
  otlp_endpoint: ""      # host:port of an OTLP/HTTP collector
logging:
  level: info            # trace | debug | info | warn | error
  dir: ""                # default <reprise home>/logs
`

// scaffoldDefaultConfig writes the commented default config if no file
// exists yet. Failures are ignored: defaults apply either way.
func scaffoldDefaultConfig(path string) {
	if _, err := os.Stat(path); err == nil || !os.IsNotExist(err) {
		return
	}
	_ = filelock.AtomicWrite(path, []byte(defaultConfigYAML))
}
