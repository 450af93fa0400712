package scheduler

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aristath/runbook/internal/gate"
	"github.com/aristath/runbook/internal/sandbox"
)

func TestTaskTransitions(t *testing.T) {
	tests := []struct {
		from TaskStatus
		to   TaskStatus
		ok   bool
	}{
		{TaskNotStarted, TaskRunning, true},
		{TaskNotStarted, TaskAwaitingApproval, true},
		{TaskNotStarted, TaskCompleted, true},
		{TaskNotStarted, TaskFailed, false},
		{TaskNotStarted, TaskPendingReboot, false},
		{TaskRunning, TaskCompleted, true},
		{TaskRunning, TaskFailed, true},
		{TaskRunning, TaskSkipped, true},
		{TaskRunning, TaskPendingReboot, true},
		{TaskRunning, TaskAwaitingApproval, false},
		{TaskAwaitingApproval, TaskCompleted, true},
		{TaskAwaitingApproval, TaskFailed, true},
		{TaskAwaitingApproval, TaskRunning, false},
		{TaskPendingReboot, TaskNotStarted, true},
		{TaskPendingReboot, TaskCompleted, false},
		{TaskFailed, TaskNotStarted, true},
		{TaskFailed, TaskCompleted, false},
		{TaskCompleted, TaskNotStarted, false},
		{TaskCompleted, TaskRunning, false},
		{TaskSkipped, TaskRunning, false},
		{TaskStatus(42), TaskRunning, false},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			task := &TaskRuntimeState{Name: "t", Status: tt.from}
			err := task.Transition(tt.to)
			if tt.ok {
				if err != nil {
					t.Fatalf("expected legal transition, got %v", err)
				}
				if task.Status != tt.to {
					t.Errorf("Status = %v, want %v", task.Status, tt.to)
				}
				return
			}
			if !errors.Is(err, ErrIllegalTransition) {
				t.Fatalf("expected ErrIllegalTransition, got %v", err)
			}
			if task.Status != tt.from {
				t.Errorf("status changed on illegal transition: %v", task.Status)
			}
		})
	}
}

func TestWorkflowTransitions(t *testing.T) {
	w := &WorkflowRuntime{WorkflowID: "wf"}
	if err := w.Transition(WorkflowCompleted); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("NotStarted -> Completed should be illegal, got %v", err)
	}
	if err := w.Transition(WorkflowRunning); err != nil {
		t.Fatalf("NotStarted -> Running: %v", err)
	}
	if err := w.Transition(WorkflowCancelled); err != nil {
		t.Fatalf("Running -> Cancelled: %v", err)
	}
	for _, to := range []WorkflowStatus{WorkflowRunning, WorkflowCompleted, WorkflowFailed, WorkflowNotStarted} {
		if err := w.Transition(to); err == nil {
			t.Errorf("Cancelled -> %v should be illegal", to)
		}
	}

	var terr *TransitionError
	err := (&WorkflowRuntime{WorkflowID: "wf", Status: WorkflowCompleted}).Transition(WorkflowRunning)
	if !errors.As(err, &terr) || terr.Subject != "workflow wf" {
		t.Errorf("unexpected error %v", err)
	}
}

func TestStatusText(t *testing.T) {
	for status := range taskStatusNames {
		b, err := status.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText(%v): %v", status, err)
		}
		var back TaskStatus
		if err := back.UnmarshalText(b); err != nil || back != status {
			t.Errorf("UnmarshalText(%s) = %v, %v", b, back, err)
		}
	}
	if _, err := TaskStatus(99).MarshalText(); err == nil {
		t.Error("expected error for unknown task status")
	}
	var ws WorkflowStatus
	if err := json.Unmarshal([]byte(`"Cancelled"`), &ws); err != nil || ws != WorkflowCancelled {
		t.Errorf("json workflow status = %v, %v", ws, err)
	}
	if err := json.Unmarshal([]byte(`"Paused"`), &ws); err == nil {
		t.Error("expected error for unknown workflow status")
	}
}

func TestTaskProgressWindow(t *testing.T) {
	task := &TaskRuntimeState{Name: "p"}
	task.BeginAttempt(time.Unix(100, 0))

	if !task.SetProgress(40, "forty") || task.Progress != 40 {
		t.Fatalf("progress = %d", task.Progress)
	}
	if task.SetProgress(10, "back") {
		t.Error("regression should be ignored")
	}
	if task.Progress != 40 || task.ProgressMessage != "forty" {
		t.Errorf("state changed on regression: %d %q", task.Progress, task.ProgressMessage)
	}
	task.SetProgress(250, "over")
	if task.Progress != 100 {
		t.Errorf("progress not clamped: %d", task.Progress)
	}

	started := task.StartedAt
	task.BeginAttempt(time.Unix(200, 0))
	if task.Attempts != 2 || task.Progress != 0 {
		t.Errorf("new attempt should reset progress: attempts=%d progress=%d", task.Attempts, task.Progress)
	}
	if !task.StartedAt.Equal(started) {
		t.Error("StartedAt should keep the first attempt's time")
	}
}

func TestTaskReset(t *testing.T) {
	task := &TaskRuntimeState{
		Name:          "r",
		Status:        TaskPendingReboot,
		Progress:      70,
		SuspendReason: "needs restart",
		StartedAt:     time.Unix(10, 0),
		Output:        []sandbox.OutputLine{{Level: sandbox.LevelInfo, Text: "kept"}},
	}
	if err := task.Reset(); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if task.Status != TaskNotStarted || task.Progress != 0 || task.SuspendReason != "" || !task.StartedAt.IsZero() {
		t.Errorf("unexpected state after reset: %+v", task)
	}
	if len(task.Output) != 1 {
		t.Error("Reset should keep captured output")
	}

	done := &TaskRuntimeState{Name: "d", Status: TaskCompleted}
	if err := done.Reset(); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("resetting a completed task should fail, got %v", err)
	}
}

func TestWorkflowRuntimeClone(t *testing.T) {
	reg, err := NewRegistry(normal("A", 1), normal("B", 2))
	if err != nil {
		t.Fatal(err)
	}
	w := NewWorkflowRuntime("wf", "run-1", reg)
	w.Results["k"] = "v"
	w.Tasks[0].AppendOutput(sandbox.OutputLine{Level: sandbox.LevelInfo, Text: "hello"})
	w.Tasks[0].Approval = &gate.Decision{Action: gate.ActionApprove}
	w.Restarts = append(w.Restarts, RestartRecord{Reason: "x"})

	cp := w.Clone()
	cp.Results["k"] = "changed"
	cp.Tasks[0].Output[0].Text = "changed"
	cp.Tasks[0].Approval.Action = gate.ActionReject
	cp.Tasks[1].Status = TaskFailed
	cp.Restarts[0].Reason = "changed"

	if w.Results["k"] != "v" || w.Tasks[0].Output[0].Text != "hello" ||
		w.Tasks[0].Approval.Action != gate.ActionApprove || w.Tasks[1].Status != TaskNotStarted ||
		w.Restarts[0].Reason != "x" {
		t.Error("Clone shares state with the original")
	}
}

func TestWorkflowRuntimeLookup(t *testing.T) {
	reg, err := NewRegistry(normal("A", 1), normal("B", 2), normal("C", 3))
	if err != nil {
		t.Fatal(err)
	}
	w := NewWorkflowRuntime("wf", "run", reg)

	if w.Current().Name != "A" {
		t.Errorf("Current = %q", w.Current().Name)
	}
	w.CurrentIndex = 3
	if w.Current() != nil {
		t.Error("Current past the end should be nil")
	}
	if _, ok := w.Task("B"); !ok {
		t.Error("Task(B) not found")
	}
	if _, ok := w.Task("Z"); ok {
		t.Error("Task(Z) should not be found")
	}

	w.Tasks[0].Status = TaskCompleted
	w.Tasks[1].Status = TaskPendingReboot
	c := w.Counts()
	if c.Total != 3 || c.Completed != 1 || c.Waiting != 1 || c.Pending != 1 {
		t.Errorf("Counts = %+v", c)
	}
}

func TestContinuationEligible(t *testing.T) {
	tests := []struct {
		status TaskStatus
		policy FailurePolicy
		want   bool
	}{
		{TaskCompleted, PolicyAbort, true},
		{TaskSkipped, PolicyAbort, true},
		{TaskFailed, PolicyContinue, true},
		{TaskFailed, PolicyAbort, false},
		{TaskPendingReboot, PolicyContinue, false},
		{TaskAwaitingApproval, PolicyContinue, false},
		{TaskRunning, PolicyContinue, false},
		{TaskNotStarted, PolicyContinue, false},
	}
	for _, tt := range tests {
		if got := ContinuationEligible(tt.status, tt.policy); got != tt.want {
			t.Errorf("ContinuationEligible(%v, %v) = %v, want %v", tt.status, tt.policy, got, tt.want)
		}
	}
}
