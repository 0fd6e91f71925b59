package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ShayCichocki/cohort/internal/config"
	"github.com/ShayCichocki/cohort/internal/mailbox"
	"github.com/ShayCichocki/cohort/internal/metrics"
	"github.com/ShayCichocki/cohort/internal/orchestrator"
	"github.com/ShayCichocki/cohort/internal/planner"
	"github.com/ShayCichocki/cohort/internal/reasoning"
	"github.com/ShayCichocki/cohort/internal/state"
	"github.com/ShayCichocki/cohort/internal/worker"
	"github.com/ShayCichocki/cohort/pkg/models"
)

var (
	runPlanFile    string
	runInProcess   bool
	runMetricsAddr string
	runStepTimeout time.Duration
	runNoLedger    bool
	runShowState   bool
	runFullOutput  bool
)

// outputPreviewLen caps the step output printed during a run without --full.
const outputPreviewLen = 600

var runCmd = &cobra.Command{
	Use:   "run <goal>",
	Short: "Plan a goal and execute it with a team of workers",
	Long: `Run a goal end to end.

The reasoning backend is asked for a team roster and an ordered plan. One
worker is started per role, then every step is sent to the worker of its role
and its result awaited before the next step starts. Steps naming a role that
is not on the team are skipped.

Use --plan to run a reviewed plan file (see 'cohort plan --out') instead of
asking for a new one.

Examples:
  cohort run "Build a landing page for a coffee shop"
  cohort run --plan plan.yaml "Build a landing page"
  cohort run --inproc --metrics-addr :9090 "Write a README"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runGoal,
}

func init() {
	runCmd.Flags().StringVar(&runPlanFile, "plan", "", "Execute this YAML plan instead of planning")
	runCmd.Flags().BoolVar(&runInProcess, "inproc", false, "Run workers as goroutines instead of processes")
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address (overrides metrics.addr)")
	runCmd.Flags().DurationVar(&runStepTimeout, "step-timeout", 0, "Per-step timeout (overrides orchestrator.step_timeout)")
	runCmd.Flags().BoolVar(&runNoLedger, "no-ledger", false, "Do not record the run in the state database")
	runCmd.Flags().BoolVar(&runShowState, "show-state", false, "Print the final shared state")
	runCmd.Flags().BoolVar(&runFullOutput, "full", false, "Print step results in full instead of a preview")
}

func runGoal(cmd *cobra.Command, args []string) error {
	goal := strings.Join(args, " ")

	cfg, root, err := loadConfig()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("step-timeout") {
		cfg.Orchestrator.StepTimeout = runStepTimeout
	}
	if runMetricsAddr != "" {
		cfg.Metrics.Addr = runMetricsAddr
	}
	if cfg.Mailbox.Backend == "memory" && !runInProcess {
		return fmt.Errorf("the memory mailbox only works with --inproc")
	}

	logger := newLogger(cfg, "orchestrator")
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector := metrics.NewCollector(logger)
	if cfg.Metrics.Addr != "" {
		go func() {
			if err := collector.Serve(ctx, cfg.Metrics.Addr); err != nil {
				logger.Warn("metrics listener stopped", zap.Error(err))
			}
		}()
	}

	client, err := reasoning.New(ctx, cfg, collector, logger)
	if err != nil {
		return fmt.Errorf("create reasoning client: %w", err)
	}

	mb, err := openMailbox(ctx, cfg, cfg.Mailbox.PollInterval, logger)
	if err != nil {
		return err
	}
	defer mb.Store().Close()

	spawner, err := newSpawner(cfg, root, mb, client, logger)
	if err != nil {
		return err
	}

	opts := []orchestrator.Option{
		orchestrator.WithLogger(logger),
		orchestrator.WithMetrics(collector),
		orchestrator.WithSettleDelay(cfg.Orchestrator.SettleDelay),
		orchestrator.WithReadyTimeout(cfg.Orchestrator.ReadyTimeout),
		orchestrator.WithStepTimeout(cfg.Orchestrator.StepTimeout),
		orchestrator.WithTerminateGrace(cfg.Orchestrator.TerminateGrace),
	}
	if runPlanFile != "" {
		plan, err := planner.LoadPlanFile(runPlanFile)
		if err != nil {
			return err
		}
		opts = append(opts, orchestrator.WithPlan(plan))
	}
	if !runNoLedger {
		if db := openLedger(cfg, logger); db != nil {
			defer db.Close()
			opts = append(opts, orchestrator.WithLedger(db))
		}
	}

	o, err := orchestrator.New(orchestrator.RequiredConfig{
		Mailbox: mb,
		Spawner: spawner,
		Planner: planner.New(client, logger),
	}, opts...)
	if err != nil {
		return err
	}

	fmt.Printf("%s %s\n\n", color.New(color.Bold).Sprint("Goal:"), goal)
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for e := range o.Events() {
			printEvent(e)
		}
	}()

	report, runErr := o.Run(ctx, goal)
	o.Close()
	<-printed

	printSummary(report)
	if runShowState && report != nil && report.FinalState != nil {
		fmt.Printf("\nShared state:\n%s\n", mailbox.Render(report.FinalState))
	}

	if runErr != nil {
		var planErr *planner.PlanError
		if errors.As(runErr, &planErr) && planErr.Response != "" {
			fmt.Fprintf(os.Stderr, "\nPlanner response:\n%s\n", truncate(planErr.Response, 2000))
		}
		return runErr
	}
	return nil
}

// newSpawner returns the in-process spawner for --inproc and the process
// spawner otherwise.
func newSpawner(cfg *config.Config, root string, mb *mailbox.Mailbox, client reasoning.Client, logger *zap.Logger) (orchestrator.Spawner, error) {
	if runInProcess {
		return &orchestrator.InProcessSpawner{
			Mailbox: mb,
			Client:  client,
			Options: []worker.Option{
				worker.WithDefaultRole(cfg.Worker.DefaultRole),
				worker.WithIdleTimeout(cfg.Worker.IdleTimeout),
			},
			Logger: logger,
		}, nil
	}

	s, err := orchestrator.NewExecSpawner(cfg.Logging.Dir, logger)
	if err != nil {
		return nil, err
	}
	s.Dir = root
	if debugLogging {
		s.Args = []string{"--debug"}
	}
	return s, nil
}

// openLedger opens the run ledger. A ledger that cannot be opened is logged
// and the run continues without it.
func openLedger(cfg *config.Config, logger *zap.Logger) *state.DB {
	db, err := state.Open(cfg.State.DBPath)
	if err != nil {
		logger.Warn("run ledger unavailable", zap.Error(err))
		return nil
	}
	if err := db.Migrate(); err != nil {
		logger.Warn("run ledger unavailable", zap.Error(err))
		db.Close()
		return nil
	}
	return db
}

var (
	okMark   = color.New(color.FgGreen).Sprint("✓")
	failMark = color.New(color.FgRed).Sprint("✗")
	warnMark = color.New(color.FgYellow).Sprint("⚠")
	infoMark = color.New(color.FgCyan).Sprint("→")
	dim      = color.New(color.Faint).SprintFunc()
)

// formatEvent renders one orchestrator event as a progress line. Completed
// steps are followed by their result, cut to a preview unless full is set.
// Events without user-facing meaning return "".
func formatEvent(e orchestrator.Event, full bool) string {
	step := ""
	if e.StepCount > 0 {
		step = fmt.Sprintf("[%d/%d] ", e.StepIndex+1, e.StepCount)
	}
	switch e.Type {
	case orchestrator.EventPlanReady:
		return fmt.Sprintf("%s Plan ready: %s", okMark, e.Message)
	case orchestrator.EventWorkerSpawned:
		return fmt.Sprintf("%s Started %s %s", infoMark, e.Role, dim("("+string(e.WorkerID)+")"))
	case orchestrator.EventWorkersReady:
		return fmt.Sprintf("%s %s %s\n", okMark, e.Message, dim(formatDuration(e.Duration)))
	case orchestrator.EventStepDispatched:
		return fmt.Sprintf("%s %s%s: %s", infoMark, step, e.Role, truncate(e.Message, 80))
	case orchestrator.EventStepCompleted:
		limit := outputPreviewLen
		if full {
			limit = 0
		}
		return fmt.Sprintf("%s %s%s done %s\n%s", okMark, step, e.Role, dim(formatDuration(e.Duration)),
			indentOutput(e.Message, limit))
	case orchestrator.EventStepFailed:
		return fmt.Sprintf("%s %s%s failed: %v", failMark, step, e.Role, e.Error)
	case orchestrator.EventStepTimeout:
		return fmt.Sprintf("%s %s%s timed out after %s", warnMark, step, e.Role, formatDuration(e.Duration))
	case orchestrator.EventStepSkipped:
		return fmt.Sprintf("%s %sskipped: %s", warnMark, step, e.Message)
	case orchestrator.EventWorkersTerminated:
		return fmt.Sprintf("\n%s %s", okMark, e.Message)
	case orchestrator.EventRunAborted:
		return fmt.Sprintf("%s Run %s: %v", failMark, e.Message, e.Error)
	default:
		return ""
	}
}

func printEvent(e orchestrator.Event) {
	if line := formatEvent(e, runFullOutput); line != "" {
		fmt.Println(line)
	}
}

func printSummary(report *models.RunReport) {
	if report == nil || report.Plan == nil {
		return
	}
	fmt.Printf("\nRun %s: %d done, %d failed, %d skipped, %d timed out\n",
		report.RunID,
		report.Count(models.StepStatusDone),
		report.Count(models.StepStatusFailed),
		report.Count(models.StepStatusSkipped),
		report.Count(models.StepStatusTimeout))
}
