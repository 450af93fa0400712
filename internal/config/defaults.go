package config

import (
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
)

// DefaultConfig returns the built-in configuration. Paths live under the
// per-user XDG state directory.
func DefaultConfig() *RunbookConfig {
	return &RunbookConfig{
		StateDir:            filepath.Join(xdg.StateHome, "runbook", "checkpoints"),
		JournalPath:         filepath.Join(xdg.StateHome, "runbook", "journal.db"),
		LogLevel:            "info",
		LogFormat:           "text",
		CheckpointEveryTask: true,
		CancelGracePeriod:   Duration(5 * time.Second),
		LockTimeout:         Duration(5 * time.Second),
		Retry: RetryConfig{
			InitialInterval: Duration(time.Second),
			MaxInterval:     Duration(30 * time.Second),
			Multiplier:      2.0,
		},
	}
}
