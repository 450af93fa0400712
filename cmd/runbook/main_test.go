package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/adrg/xdg"

	"github.com/aristath/runbook/internal/events"
	"github.com/aristath/runbook/internal/gate"
	"github.com/aristath/runbook/internal/orchestrator"
	"github.com/aristath/runbook/internal/persistence"
	"github.com/aristath/runbook/internal/sandbox"
	"github.com/aristath/runbook/internal/scheduler"
)

func TestExitCode(t *testing.T) {
	interrupted := fmt.Errorf("workflow interrupted: %w", context.Canceled)
	tests := []struct {
		name string
		res  orchestrator.Result
		err  error
		want int
	}{
		{"completed", orchestrator.Result{Status: scheduler.WorkflowCompleted}, nil, exitOK},
		{"failed", orchestrator.Result{Status: scheduler.WorkflowFailed}, nil, exitFailed},
		{"cancelled", orchestrator.Result{Status: scheduler.WorkflowCancelled}, nil, exitCancelled},
		{"suspended", orchestrator.Result{Status: scheduler.WorkflowRunning, Suspended: true}, nil, exitResumable},
		{"interrupted", orchestrator.Result{Status: scheduler.WorkflowRunning}, interrupted, exitResumable},
		{"start error", orchestrator.Result{Status: scheduler.WorkflowNotStarted}, errors.New("boom"), exitFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.res, tt.err); got != tt.want {
				t.Errorf("exitCode = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestParseAnswer(t *testing.T) {
	tests := []struct {
		line string
		want gate.Action
	}{
		{"a", gate.ActionApprove},
		{"A", gate.ActionApprove},
		{"approve", gate.ActionApprove},
		{"Ship it", gate.ActionApprove},
		{"r", gate.ActionReject},
		{"rejected", gate.ActionReject},
		{"Hold", gate.ActionReject},
		{"maybe", gate.ActionUnset},
		{"", gate.ActionUnset},
	}
	for _, tt := range tests {
		if got := parseAnswer(tt.line, "Ship it", "Hold"); got != tt.want {
			t.Errorf("parseAnswer(%q) = %v, want %v", tt.line, got, tt.want)
		}
	}
}

func TestPromptApprovals(t *testing.T) {
	tests := []struct {
		name       string
		params     gate.Params
		input      string
		wantAction gate.Action
		wantReason string
	}{
		{"reject with reason", gate.Params{Message: "Migrate?"}, "r\nnot tonight\n", gate.ActionReject, "not tonight"},
		{"reprompts on nonsense", gate.Params{Message: "Migrate?"}, "what\na\n\n", gate.ActionApprove, ""},
		{"required reason is insisted on", gate.Params{Message: "Migrate?", ReasonRequired: true}, "a\n\nwindow open\n", gate.ActionApprove, "window open"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			gates := gate.NewController()
			var out strings.Builder
			go promptApprovals(ctx, gates, strings.NewReader(tt.input), &out)

			d, err := gates.Await(ctx, gate.Request{Task: "migrate", Title: "Migrate", Params: tt.params})
			if err != nil {
				t.Fatal(err)
			}
			if d.Action != tt.wantAction || d.Reason != tt.wantReason || d.DecidedBy != "terminal" {
				t.Errorf("decision = %+v", d)
			}
		})
	}
}

func TestPrintProgress(t *testing.T) {
	ch := make(chan events.Event, 8)
	ch <- events.TaskStartedEvent{Name: "backup", Title: "Back up", Attempt: 1}
	ch <- events.TaskOutputEvent{Name: "backup", Line: sandbox.OutputLine{Text: "dumping"}}
	ch <- events.TaskOutputEvent{Name: "backup", Line: sandbox.OutputLine{Level: sandbox.LevelWarn, Text: "slow disk"}}
	ch <- events.TaskFinishedEvent{Name: "backup", Status: "Failed", Error: "exit status 1"}
	ch <- events.TaskStartedEvent{Name: "backup", Title: "Back up", Attempt: 2}
	ch <- events.TaskFinishedEvent{Name: "restore", Status: "Completed", PreCompleted: true}
	close(ch)

	var out strings.Builder
	printProgress(ch, &out)

	for _, want := range []string{
		"==> Back up\n",
		"    dumping\n",
		"    WARN slow disk\n",
		"<== backup: Failed (exit status 1)\n",
		"==> Back up (attempt 2)\n",
		"--- restore: Completed before restart\n",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

// setupWorkspace points every per-user location into a temp dir and writes a
// project config enabling the journal and unattended approvals.
func setupWorkspace(t *testing.T) (dir, configPath string) {
	t.Helper()
	dir = t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_STATE_HOME", filepath.Join(dir, "state"))
	xdg.Reload()
	t.Cleanup(xdg.Reload)

	configPath = filepath.Join(dir, "config.json")
	cfg := fmt.Sprintf(`{
  "state_dir": %q,
  "journal_path": %q,
  "log_level": "error",
  "approval": {"unattended": "approve"},
  "retry": {"initial_interval": "10ms", "max_interval": "20ms", "multiplier": 2}
}`, filepath.Join(dir, "checkpoints"), filepath.Join(dir, "journal.db"))
	if err := os.WriteFile(configPath, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir, configPath
}

func TestRunSuspendsThenResumes(t *testing.T) {
	dir, configPath := setupWorkspace(t)
	marker := filepath.Join(dir, "rebooted")

	manifestPath := filepath.Join(dir, "kernel.yaml")
	doc := fmt.Sprintf(`workflow: kernel-upgrade
tasks:
  - name: download
    shell: echo '::result version=6.9'
  - name: confirm
    approval:
      message: Install kernel $RUNBOOK_INPUT_VERSION?
  - name: install
    shell: |
      if [ -f %[1]s ]; then echo "installed $RUNBOOK_INPUT_VERSION"; else touch %[1]s; echo '::suspend reboot into new kernel'; fi
  - name: verify
    run: ["true"]
`, marker)
	if err := os.WriteFile(manifestPath, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	args := []string{"runbook", "--config", configPath, "run", manifestPath}
	if code := run(context.Background(), args); code != exitResumable {
		t.Fatalf("first run exit = %d, want %d", code, exitResumable)
	}
	checkpoint := filepath.Join(dir, "checkpoints", "kernel-upgrade.checkpoint")
	if _, err := os.Stat(checkpoint); err != nil {
		t.Fatalf("checkpoint missing after suspension: %v", err)
	}

	if code := run(context.Background(), []string{"runbook", "--config", configPath, "status", manifestPath}); code != exitOK {
		t.Errorf("status exit = %d", code)
	}

	if code := run(context.Background(), args); code != exitOK {
		t.Fatalf("second run exit = %d, want %d", code, exitOK)
	}
	if _, err := os.Stat(checkpoint); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("checkpoint should be erased after completion, stat err = %v", err)
	}

	j, err := persistence.NewSQLiteStore(context.Background(), filepath.Join(dir, "journal.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()
	runs, err := j.ListRuns(context.Background(), "kernel-upgrade")
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].Status != "Completed" || runs[0].RestartCount != 1 {
		t.Errorf("runs = %+v", runs)
	}
	approvals, err := j.ListApprovals(context.Background(), runs[0].RunID)
	if err != nil {
		t.Fatal(err)
	}
	if len(approvals) == 0 || approvals[0].DecidedBy != "config" {
		t.Errorf("approvals = %+v", approvals)
	}

	if code := run(context.Background(), []string{"runbook", "--config", configPath, "history", manifestPath}); code != exitOK {
		t.Errorf("history exit = %d", code)
	}
}

func TestRunFreshAndDiscard(t *testing.T) {
	dir, configPath := setupWorkspace(t)
	manifestPath := filepath.Join(dir, "suspend.yaml")
	doc := "workflow: always-suspends\ntasks:\n  - name: wait\n    shell: echo '::suspend again'\n"
	if err := os.WriteFile(manifestPath, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	checkpoint := filepath.Join(dir, "checkpoints", "always-suspends.checkpoint")

	args := []string{"runbook", "--config", configPath, "run", "--fresh", manifestPath}
	if code := run(context.Background(), args); code != exitResumable {
		t.Fatalf("exit = %d", code)
	}
	if code := run(context.Background(), args); code != exitResumable {
		t.Fatalf("fresh rerun exit = %d", code)
	}

	if code := run(context.Background(), []string{"runbook", "--config", configPath, "discard", "--yes", manifestPath}); code != exitOK {
		t.Fatalf("discard exit = %d", code)
	}
	if _, err := os.Stat(checkpoint); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("checkpoint still present: %v", err)
	}
}

func TestRunRejectsBadInvocations(t *testing.T) {
	dir, configPath := setupWorkspace(t)
	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("workflow: x\ntasks: []\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		args []string
	}{
		{"missing manifest argument", []string{"runbook", "--config", configPath, "run"}},
		{"unreadable manifest", []string{"runbook", "--config", configPath, "run", filepath.Join(dir, "nope.yaml")}},
		{"invalid manifest", []string{"runbook", "--config", configPath, "run", bad}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code := run(context.Background(), tt.args); code != exitFailed {
				t.Errorf("exit = %d, want %d", code, exitFailed)
			}
		})
	}
}
