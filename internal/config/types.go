package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration is a time.Duration written as a Go duration string ("5s", "1m30s").
type Duration time.Duration

// Std returns the standard library value.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"5s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// ApprovalConfig holds defaults for approval gates.
type ApprovalConfig struct {
	DefaultTimeoutMinutes int    `json:"default_timeout_minutes" validate:"gte=0"`                       // Applied to gates that declare none
	Unattended            string `json:"unattended,omitempty" validate:"omitempty,oneof=approve reject"` // Decide every gate automatically
}

// RetryConfig shapes the backoff between attempts of a retried task.
type RetryConfig struct {
	InitialInterval Duration `json:"initial_interval" validate:"gte=0"`
	MaxInterval     Duration `json:"max_interval" validate:"gte=0"`
	Multiplier      float64  `json:"multiplier" validate:"gte=1"`
}

// RunbookConfig is the top-level configuration.
type RunbookConfig struct {
	StateDir            string         `json:"state_dir"`    // Checkpoint directory
	JournalPath         string         `json:"journal_path"` // SQLite audit journal; empty disables it
	LogLevel            string         `json:"log_level" validate:"oneof=debug info warn error"`
	LogFormat           string         `json:"log_format" validate:"oneof=text json"`
	CheckpointEveryTask bool           `json:"checkpoint_every_task"`
	CancelGracePeriod   Duration       `json:"cancel_grace_period" validate:"gte=0"`
	LockTimeout         Duration       `json:"lock_timeout" validate:"gte=0"`
	Approval            ApprovalConfig `json:"approval"`
	Retry               RetryConfig    `json:"retry"`
}
