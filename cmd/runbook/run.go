package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/adrg/xdg"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/urfave/cli/v3"

	"github.com/aristath/runbook/internal/config"
	"github.com/aristath/runbook/internal/events"
	"github.com/aristath/runbook/internal/gate"
	"github.com/aristath/runbook/internal/logging"
	"github.com/aristath/runbook/internal/manifest"
	"github.com/aristath/runbook/internal/orchestrator"
	"github.com/aristath/runbook/internal/reconcile"
	"github.com/aristath/runbook/internal/sandbox"
	"github.com/aristath/runbook/internal/scheduler"
	"github.com/aristath/runbook/internal/tui"
	"github.com/aristath/runbook/internal/vault"
)

func newRunCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Aliases:   []string{"r"},
		Usage:     "Run a manifest, resuming from its checkpoint when one exists",
		ArgsUsage: "<manifest>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "fresh",
				Usage: "Discard any existing checkpoint and start from the first task",
			},
			&cli.BoolFlag{
				Name:  "tui",
				Usage: "Show the interactive progress view",
			},
		},
		Action: runAction,
	}
}

func runAction(ctx context.Context, cmd *cli.Command) error {
	useTUI := cmd.Bool("tui")

	var logTo io.Writer
	if useTUI {
		// The alternate screen owns the terminal; logs go to a file.
		logPath, err := xdg.StateFile("runbook/runbook.log")
		if err != nil {
			return fmt.Errorf("locating log file: %w", err)
		}
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		defer f.Close()
		logTo = f
	}

	e, err := newEnv(cmd, logTo)
	if err != nil {
		return err
	}

	pm := sandbox.NewProcessManager()
	defer func() {
		if err := pm.KillAll(); err != nil {
			e.logger.Warn("killing leftover processes", "error", err)
		}
	}()

	m, reg, err := loadManifest(cmd, pm)
	if err != nil {
		return err
	}

	journal, err := e.openJournal(ctx)
	if err != nil {
		return err
	}
	if journal != nil {
		defer journal.Close()
	}

	bus := events.NewEventBus()
	defer bus.Close()

	gates, err := newGateController(e)
	if err != nil {
		return err
	}

	deps := orchestrator.Deps{
		Sandbox: sandbox.New(
			sandbox.WithGracePeriod(e.cfg.CancelGracePeriod.Std()),
			sandbox.WithLogger(logging.WithModule(e.logger, "sandbox")),
		),
		Gates:       gates,
		Checkpoints: e.store,
		Journal:     journal,
		Bus:         bus,
		Logger:      logging.WithModule(e.logger, "orchestrator"),
	}
	runner, err := prepareRunner(e, m, reg, deps, cmd.Args().First(), cmd.Bool("fresh"))
	if err != nil {
		return err
	}

	// SIGTERM and SIGHUP interrupt the run but keep it resumable.
	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	var res orchestrator.Result
	if useTUI {
		res, err = runWithTUI(runCtx, e, m, reg, runner, bus, gates)
	} else {
		res, err = runPlain(runCtx, e, runner, bus, gates)
	}

	report(e.stdout, cmd.Args().First(), res, err)
	if code := exitCode(res, err); code != exitOK {
		return cli.Exit("", code)
	}
	return nil
}

func runnerConfig(cfg *config.RunbookConfig) orchestrator.Config {
	return orchestrator.Config{
		CheckpointEveryTask:       cfg.CheckpointEveryTask,
		DefaultGateTimeoutMinutes: cfg.Approval.DefaultTimeoutMinutes,
		Retry: orchestrator.RetryConfig{
			InitialInterval:     cfg.Retry.InitialInterval.Std(),
			MaxInterval:         cfg.Retry.MaxInterval.Std(),
			Multiplier:          cfg.Retry.Multiplier,
			RandomizationFactor: orchestrator.DefaultRetryConfig().RandomizationFactor,
		},
	}
}

func newGateController(e *env) (*gate.Controller, error) {
	opts := []gate.Option{gate.WithLogger(logging.WithModule(e.logger, "gate"))}
	if e.cfg.Approval.Unattended != "" {
		action, err := gate.ParseAction(e.cfg.Approval.Unattended)
		if err != nil {
			return nil, err
		}
		opts = append(opts, gate.WithDecider(gate.AutoDecider(action, "unattended mode", "config")))
	}
	return gate.NewController(opts...), nil
}

// prepareRunner starts fresh or resumes, depending on whether a checkpoint
// exists for the workflow.
func prepareRunner(e *env, m *manifest.Manifest, reg *scheduler.Registry, deps orchestrator.Deps, manifestPath string, fresh bool) (*orchestrator.Runner, error) {
	path := e.store.Path(m.Workflow)
	if fresh {
		if err := e.store.Erase(path); err != nil {
			return nil, fmt.Errorf("discarding checkpoint: %w", err)
		}
	}
	if !e.store.Exists(path) {
		return orchestrator.New(runnerConfig(e.cfg), m.Workflow, reg, deps)
	}

	snap, err := e.store.Load(path)
	if err != nil {
		if errors.Is(err, vault.ErrStateCorruption) {
			return nil, cli.Exit(fmt.Sprintf("%v\nrefusing to resume; run `runbook discard %s` to start over", err, manifestPath), exitFailed)
		}
		return nil, err
	}
	plan, err := reconcile.Reconcile(m.Workflow, reg, snap, time.Now())
	if err != nil {
		if errors.Is(err, reconcile.ErrReconciliation) {
			return nil, cli.Exit(fmt.Sprintf("%v\nthe manifest changed since the checkpoint; run `runbook discard %s` to start over", err, manifestPath), exitFailed)
		}
		return nil, err
	}

	if plan.Terminal {
		fmt.Fprintf(e.stdout, "Resuming %s: every task already finished\n", m.Workflow)
	} else {
		fmt.Fprintf(e.stdout, "Resuming %s at %s (restart %d, %d task(s) already done)\n",
			m.Workflow, plan.ResumedFrom, plan.Runtime.RestartCount, len(plan.PreCompleted))
	}
	return orchestrator.Resume(runnerConfig(e.cfg), reg, plan, deps)
}

// runPlain streams progress as text and prompts for approvals on the terminal.
// The first SIGINT cancels the workflow; a second one kills the process.
func runPlain(ctx context.Context, e *env, runner *orchestrator.Runner, bus *events.EventBus, gates *gate.Controller) (orchestrator.Result, error) {
	printed := make(chan struct{})
	sub := bus.SubscribeAll(1024)
	go func() {
		defer close(printed)
		printProgress(sub, e.stdout)
	}()

	promptCtx, stopPrompts := context.WithCancel(ctx)
	defer stopPrompts()
	if e.cfg.Approval.Unattended == "" {
		go promptApprovals(promptCtx, gates, os.Stdin, e.stderr)
	}

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)
	go func() {
		select {
		case <-interrupts:
			signal.Stop(interrupts)
			fmt.Fprintln(e.stderr, "cancelling (press Ctrl+C again to force exit)")
			runner.Cancel()
		case <-promptCtx.Done():
		}
	}()

	res, err := runner.Run(ctx)
	bus.Unsubscribe(sub)
	<-printed
	return res, err
}

type runOutcome struct {
	res orchestrator.Result
	err error
}

// runWithTUI runs the workflow behind the interactive view. Quitting the view
// before the run ends cancels it.
func runWithTUI(ctx context.Context, e *env, m *manifest.Manifest, reg *scheduler.Registry, runner *orchestrator.Runner, bus *events.EventBus, gates *gate.Controller) (orchestrator.Result, error) {
	title := m.Title
	if title == "" {
		title = m.Workflow
	}
	model := tui.New(bus, title, tui.DescribeAll(reg), gates, logging.WithModule(e.logger, "tui"))
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))

	done := make(chan runOutcome, 1)
	go func() {
		res, err := runner.Run(ctx)
		done <- runOutcome{res, err}
	}()

	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		runner.Cancel()
		<-done
		return runner.Result(), fmt.Errorf("interactive view: %w", err)
	}

	select {
	case o := <-done:
		return o.res, o.err
	default:
	}
	fmt.Fprintln(e.stderr, "cancelling workflow...")
	runner.Cancel()
	o := <-done
	return o.res, o.err
}

// exitCode maps a run outcome to the process exit status.
func exitCode(res orchestrator.Result, err error) int {
	switch {
	case res.Suspended:
		return exitResumable
	case err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) && res.Status == scheduler.WorkflowRunning:
		return exitResumable
	case err != nil:
		return exitFailed
	case res.Status == scheduler.WorkflowCompleted:
		return exitOK
	case res.Status == scheduler.WorkflowCancelled:
		return exitCancelled
	default:
		return exitFailed
	}
}

// report prints the one-paragraph summary after a run.
func report(w io.Writer, manifestPath string, res orchestrator.Result, err error) {
	c := res.Counts
	switch code := exitCode(res, err); {
	case res.Suspended:
		fmt.Fprintf(w, "\nSuspended at %s: %s\n", res.SuspendedTask, res.SuspendReason)
		fmt.Fprintf(w, "State saved to %s. After the restart run `runbook run %s` to continue.\n", res.CheckpointPath, manifestPath)
	case code == exitResumable:
		fmt.Fprintf(w, "\nInterrupted: %v\n", err)
		if res.CheckpointPath != "" {
			fmt.Fprintf(w, "Progress saved to %s. Run `runbook run %s` to continue.\n", res.CheckpointPath, manifestPath)
		}
	case err != nil:
		fmt.Fprintf(w, "\nError: %v\n", err)
	case res.Status == scheduler.WorkflowCompleted:
		fmt.Fprintf(w, "\nCompleted %s: %d done, %d failed, %d skipped of %d\n", res.WorkflowID, c.Completed, c.Failed, c.Skipped, c.Total)
	case res.Status == scheduler.WorkflowCancelled:
		fmt.Fprintf(w, "\nCancelled %s after %d of %d task(s)\n", res.WorkflowID, c.Completed, c.Total)
	default:
		fmt.Fprintf(w, "\nFailed %s: %s\n", res.WorkflowID, res.FailureReason)
		if res.CheckpointPath != "" {
			fmt.Fprintf(w, "State kept at %s. Fix the cause and run `runbook run %s` to retry from the failed task.\n", res.CheckpointPath, manifestPath)
		}
	}

	if len(res.Results) > 0 {
		fmt.Fprintln(w, "Results:")
		for _, k := range slices.Sorted(maps.Keys(res.Results)) {
			fmt.Fprintf(w, "  %s=%s\n", k, res.Results[k])
		}
	}
}
