package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v3"

	"github.com/aristath/runbook/internal/persistence"
	"github.com/aristath/runbook/internal/reconcile"
	"github.com/aristath/runbook/internal/snapshot"
	"github.com/aristath/runbook/internal/vault"
)

func newStatusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Aliases:   []string{"s"},
		Usage:     "Show the saved checkpoint of a manifest and where a resume would start",
		ArgsUsage: "<manifest>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			e, err := newEnv(cmd, nil)
			if err != nil {
				return err
			}
			m, reg, err := loadManifest(cmd, nil)
			if err != nil {
				return err
			}

			path := e.store.Path(m.Workflow)
			snap, err := e.store.Load(path)
			if errors.Is(err, vault.ErrNoCheckpoint) {
				fmt.Fprintf(e.stdout, "No checkpoint for %s; the next run starts from the first task.\n", m.Workflow)
				return nil
			}
			if err != nil {
				return cli.Exit(err.Error(), exitFailed)
			}

			printSnapshot(e.stdout, path, snap)

			plan, err := reconcile.Reconcile(m.Workflow, reg, snap, time.Now())
			switch {
			case err != nil:
				fmt.Fprintf(e.stdout, "\nCannot resume: %v\n", err)
			case plan.Terminal:
				fmt.Fprintln(e.stdout, "\nEvery task is done; the next run only finalises the workflow.")
			default:
				fmt.Fprintf(e.stdout, "\nThe next run resumes at %s.\n", plan.ResumedFrom)
			}
			return nil
		},
	}
}

func printSnapshot(w io.Writer, path string, snap *snapshot.Snapshot) {
	rt := snap.Runtime
	fmt.Fprintf(w, "Checkpoint %s\n", path)
	fmt.Fprintf(w, "Workflow %s, run %s, status %s, saved %s by %s\n",
		rt.WorkflowID, rt.RunID, rt.Status, snap.SavedAt.Local().Format(time.DateTime), snap.SavedBy)
	if n := len(rt.Restarts); n > 0 {
		fmt.Fprintf(w, "Restarted %d time(s), last: %s\n", rt.RestartCount, rt.Restarts[n-1].Reason)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\nTASK\tSTATUS\tATTEMPTS\tDETAIL")
	for _, t := range rt.Tasks {
		detail := t.Error
		switch {
		case t.SuspendReason != "":
			detail = "suspended: " + t.SuspendReason
		case t.Approval != nil:
			detail = fmt.Sprintf("%s by %s", t.Approval.Action, t.Approval.DecidedBy)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", t.Name, t.Status, t.Attempts, detail)
	}
	tw.Flush()
}

func newDiscardCommand() *cli.Command {
	return &cli.Command{
		Name:      "discard",
		Usage:     "Securely erase the checkpoint of a manifest so the next run starts fresh",
		ArgsUsage: "<manifest>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "yes",
				Aliases: []string{"y"},
				Usage:   "Do not ask for confirmation",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			e, err := newEnv(cmd, nil)
			if err != nil {
				return err
			}
			m, _, err := loadManifest(cmd, nil)
			if err != nil {
				return err
			}

			path := e.store.Path(m.Workflow)
			if !e.store.Exists(path) {
				fmt.Fprintf(e.stdout, "No checkpoint for %s.\n", m.Workflow)
				return nil
			}

			if !cmd.Bool("yes") {
				if !isatty.IsTerminal(os.Stdin.Fd()) {
					return cli.Exit("refusing to discard without --yes when not on a terminal", exitFailed)
				}
				confirmed := false
				err := huh.NewConfirm().
					Title(fmt.Sprintf("Discard the checkpoint of %s?", m.Workflow)).
					Description("Completed tasks will run again on the next run.").
					Affirmative("Discard").
					Negative("Keep").
					Value(&confirmed).
					Run()
				if err != nil {
					return err
				}
				if !confirmed {
					fmt.Fprintln(e.stdout, "Kept.")
					return nil
				}
			}

			if err := e.store.Erase(path); err != nil {
				return err
			}
			fmt.Fprintf(e.stdout, "Discarded checkpoint %s.\n", path)
			return nil
		},
	}
}

func newHistoryCommand() *cli.Command {
	return &cli.Command{
		Name:      "history",
		Usage:     "List journaled runs of a manifest, or the events of one run",
		ArgsUsage: "<manifest>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "run",
				Usage: "Show task transitions and approvals of this run id",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			e, err := newEnv(cmd, nil)
			if err != nil {
				return err
			}
			m, _, err := loadManifest(cmd, nil)
			if err != nil {
				return err
			}
			journal, err := e.openJournal(ctx)
			if err != nil {
				return err
			}
			if journal == nil {
				return cli.Exit("the journal is disabled (journal_path is empty)", exitFailed)
			}
			defer journal.Close()

			if runID := cmd.String("run"); runID != "" {
				return printRun(ctx, e.stdout, journal, runID)
			}
			return printRuns(ctx, e.stdout, journal, m.Workflow)
		},
	}
}

func printRuns(ctx context.Context, w io.Writer, j persistence.Journal, workflowID string) error {
	runs, err := j.ListRuns(ctx, workflowID)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintf(w, "No runs of %s in the journal.\n", workflowID)
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTATUS\tSTARTED\tENDED\tRESTARTS\tBY\tREASON")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s@%s\t%s\n",
			r.RunID, r.Status, formatWhen(r.StartedAt), formatWhen(r.EndedAt), r.RestartCount, r.User, r.Host, r.FailureReason)
	}
	return tw.Flush()
}

func printRun(ctx context.Context, w io.Writer, j persistence.Journal, runID string) error {
	run, err := j.GetRun(ctx, runID)
	if errors.Is(err, persistence.ErrNotFound) {
		return cli.Exit(fmt.Sprintf("no run %s in the journal", runID), exitFailed)
	}
	if err != nil {
		return err
	}
	taskEvents, err := j.ListTaskEvents(ctx, runID)
	if err != nil {
		return err
	}
	approvals, err := j.ListApprovals(ctx, runID)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Run %s of %s: %s\n", run.RunID, run.WorkflowID, run.Status)
	if run.FailureReason != "" {
		fmt.Fprintf(w, "Reason: %s\n", run.FailureReason)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\nAT\tTASK\tSTATUS\tATTEMPT\tERROR")
	for _, ev := range taskEvents {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", formatWhen(ev.At), ev.Task, ev.Status, ev.Attempt, ev.Error)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(approvals) > 0 {
		fmt.Fprintln(w, "\nApprovals:")
		for _, a := range approvals {
			timedOut := ""
			if a.TimedOut {
				timedOut = " (timed out)"
			}
			fmt.Fprintf(w, "  %s %s: %s by %s%s %q\n", formatWhen(a.DecidedAt), a.Task, a.Action, a.DecidedBy, timedOut, a.Reason)
		}
	}
	return nil
}

func formatWhen(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}
