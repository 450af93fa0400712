// Command runbook runs ordered operational tasks from a YAML manifest,
// pausing at approval gates and resuming after restarts.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
)

// Exit codes.
const (
	exitOK        = 0
	exitFailed    = 1
	exitCancelled = 2
	exitResumable = 3 // Suspended for a restart, or interrupted; run again to resume
)

func main() {
	os.Exit(run(context.Background(), os.Args))
}

func run(ctx context.Context, args []string) int {
	err := newRootCommand().Run(ctx, args)
	if err == nil {
		return exitOK
	}
	var ec cli.ExitCoder
	if errors.As(err, &ec) {
		if msg := err.Error(); msg != "" {
			fmt.Fprintln(os.Stderr, msg)
		}
		return ec.ExitCode()
	}
	fmt.Fprintf(os.Stderr, "runbook: %v\n", err)
	return exitFailed
}

func newRootCommand() *cli.Command {
	return &cli.Command{
		Name:                  "runbook",
		Usage:                 "Run ordered maintenance tasks with approvals and resumable checkpoints",
		EnableShellCompletion: true,
		// Exit codes are mapped in run.
		ExitErrHandler: func(context.Context, *cli.Command, error) {},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Project config file layered over ~/.runbook/config.json",
				Value:   ".runbook/config.json",
				Sources: cli.EnvVars("RUNBOOK_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Override the configured log level (debug, info, warn, error)",
				Sources: cli.EnvVars("RUNBOOK_LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "state-dir",
				Usage:   "Override the checkpoint directory",
				Sources: cli.EnvVars("RUNBOOK_STATE_DIR"),
			},
		},
		Commands: []*cli.Command{
			newRunCommand(),
			newStatusCommand(),
			newDiscardCommand(),
			newHistoryCommand(),
		},
	}
}
