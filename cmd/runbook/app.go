package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/aristath/runbook/internal/config"
	"github.com/aristath/runbook/internal/logging"
	"github.com/aristath/runbook/internal/manifest"
	"github.com/aristath/runbook/internal/persistence"
	"github.com/aristath/runbook/internal/sandbox"
	"github.com/aristath/runbook/internal/scheduler"
	"github.com/aristath/runbook/internal/vault"
)

// env is what every subcommand needs: configuration, a logger and the
// checkpoint store.
type env struct {
	cfg    *config.RunbookConfig
	logger *slog.Logger
	store  *vault.Store
	stdout io.Writer
	stderr io.Writer
}

// newEnv loads configuration and applies the global flag overrides. When
// logTo is non-nil logs go there instead of stderr.
func newEnv(cmd *cli.Command, logTo io.Writer) (*env, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("locating home directory: %w", err)
	}
	cfg, err := config.Load(config.GlobalPath(home), cmd.String("config"))
	if err != nil {
		return nil, err
	}
	if lvl := cmd.String("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	if dir := cmd.String("state-dir"); dir != "" {
		cfg.StateDir = dir
	}

	if logTo == nil {
		logTo = os.Stderr
	}
	logger, err := logging.New(logTo, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	store, err := vault.New(cfg.StateDir,
		vault.WithLockTimeout(cfg.LockTimeout.Std()),
		vault.WithLogger(logging.WithModule(logger, "vault")),
	)
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint store: %w", err)
	}

	return &env{cfg: cfg, logger: logger, store: store, stdout: os.Stdout, stderr: os.Stderr}, nil
}

// openJournal opens the audit journal, or returns nil when it is disabled.
func (e *env) openJournal(ctx context.Context) (persistence.Journal, error) {
	if e.cfg.JournalPath == "" {
		return nil, nil
	}
	j, err := persistence.NewSQLiteStore(ctx, e.cfg.JournalPath)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	return j, nil
}

// loadManifest parses the manifest named by the first argument.
func loadManifest(cmd *cli.Command, pm *sandbox.ProcessManager) (*manifest.Manifest, *scheduler.Registry, error) {
	path := cmd.Args().First()
	if path == "" {
		return nil, nil, cli.Exit("a manifest path is required", exitFailed)
	}
	m, err := manifest.Load(path)
	if err != nil {
		return nil, nil, err
	}
	reg, err := m.Registry(pm)
	if err != nil {
		return nil, nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return m, reg, nil
}
