package scheduler

import (
	"maps"
	"slices"
	"time"

	"github.com/aristath/runbook/internal/gate"
	"github.com/aristath/runbook/internal/sandbox"
)

// TaskRuntimeState is the mutable state of one task during a run.
type TaskRuntimeState struct {
	Name            string
	Status          TaskStatus
	Progress        int
	ProgressMessage string
	Output          []sandbox.OutputLine
	Error           string // Only meaningful when Status is TaskFailed
	StartedAt       time.Time
	EndedAt         time.Time
	Attempts        int
	Approval        *gate.Decision
	SuspendReason   string // Set while PendingReboot
	PreCompleted    bool   // Restored from a checkpoint, not executed in this process
}

// Transition moves the task to a new status, rejecting illegal moves.
func (t *TaskRuntimeState) Transition(to TaskStatus) error {
	if !t.Status.CanTransition(to) {
		return &TransitionError{Subject: "task " + t.Name, From: t.Status, To: to}
	}
	t.Status = to
	return nil
}

// SetProgress records progress, clamped to [0,100]. Lower values than the
// current one are ignored.
func (t *TaskRuntimeState) SetProgress(percent int, message string) bool {
	percent = max(0, min(100, percent))
	if percent < t.Progress {
		return false
	}
	t.Progress = percent
	t.ProgressMessage = message
	return true
}

// AppendOutput records one output line.
func (t *TaskRuntimeState) AppendOutput(line sandbox.OutputLine) {
	t.Output = append(t.Output, line)
}

// BeginAttempt opens a new progress window for another execution attempt.
func (t *TaskRuntimeState) BeginAttempt(now time.Time) {
	t.Attempts++
	t.Progress = 0
	t.ProgressMessage = ""
	t.Error = ""
	if t.StartedAt.IsZero() {
		t.StartedAt = now
	}
	t.EndedAt = time.Time{}
}

// Reset returns the task to NotStarted so it runs again from its start.
// Captured output is kept.
func (t *TaskRuntimeState) Reset() error {
	if err := t.Transition(TaskNotStarted); err != nil {
		return err
	}
	t.Progress = 0
	t.ProgressMessage = ""
	t.Error = ""
	t.SuspendReason = ""
	t.Approval = nil
	t.StartedAt = time.Time{}
	t.EndedAt = time.Time{}
	return nil
}

// Clone returns a deep copy.
func (t *TaskRuntimeState) Clone() *TaskRuntimeState {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Output = slices.Clone(t.Output)
	if t.Approval != nil {
		a := *t.Approval
		cp.Approval = &a
	}
	return &cp
}

// RestartRecord notes one suspension/resume cycle.
type RestartRecord struct {
	Reason string
	At     time.Time
}

// WorkflowRuntime is the full mutable state of one run. It is plain data; the
// runner that owns it serialises access.
type WorkflowRuntime struct {
	WorkflowID    string
	RunID         string
	Tasks         []*TaskRuntimeState // Mirrors registry order
	CurrentIndex  int
	Status        WorkflowStatus
	StartedAt     time.Time
	EndedAt       time.Time
	Results       map[string]string
	RestartCount  int
	Restarts      []RestartRecord
	FailureReason string
}

// NewWorkflowRuntime creates a fresh runtime with every task NotStarted.
func NewWorkflowRuntime(workflowID, runID string, reg *Registry) *WorkflowRuntime {
	tasks := make([]*TaskRuntimeState, 0, reg.Len())
	for _, name := range reg.Names() {
		tasks = append(tasks, &TaskRuntimeState{Name: name, Status: TaskNotStarted})
	}
	return &WorkflowRuntime{
		WorkflowID: workflowID,
		RunID:      runID,
		Tasks:      tasks,
		Status:     WorkflowNotStarted,
		Results:    make(map[string]string),
	}
}

// Transition moves the workflow to a new status, rejecting illegal moves.
func (w *WorkflowRuntime) Transition(to WorkflowStatus) error {
	if !w.Status.CanTransition(to) {
		return &TransitionError{Subject: "workflow " + w.WorkflowID, From: w.Status, To: to}
	}
	w.Status = to
	return nil
}

// Task returns the state with the given name.
func (w *WorkflowRuntime) Task(name string) (*TaskRuntimeState, bool) {
	for _, t := range w.Tasks {
		if t.Name == name {
			return t, true
		}
	}
	return nil, false
}

// Current returns the task at CurrentIndex, or nil past the end.
func (w *WorkflowRuntime) Current() *TaskRuntimeState {
	if w.CurrentIndex < 0 || w.CurrentIndex >= len(w.Tasks) {
		return nil
	}
	return w.Tasks[w.CurrentIndex]
}

// Clone returns a deep copy.
func (w *WorkflowRuntime) Clone() *WorkflowRuntime {
	if w == nil {
		return nil
	}
	cp := *w
	cp.Tasks = make([]*TaskRuntimeState, len(w.Tasks))
	for i, t := range w.Tasks {
		cp.Tasks[i] = t.Clone()
	}
	cp.Results = maps.Clone(w.Results)
	if cp.Results == nil {
		cp.Results = make(map[string]string)
	}
	cp.Restarts = slices.Clone(w.Restarts)
	return &cp
}

// Counts summarises task statuses.
type Counts struct {
	Total     int
	Completed int
	Failed    int
	Skipped   int
	Running   int
	Waiting   int // AwaitingApproval or PendingReboot
	Pending   int
}

// Counts tallies task statuses.
func (w *WorkflowRuntime) Counts() Counts {
	c := Counts{Total: len(w.Tasks)}
	for _, t := range w.Tasks {
		switch t.Status {
		case TaskCompleted:
			c.Completed++
		case TaskFailed:
			c.Failed++
		case TaskSkipped:
			c.Skipped++
		case TaskRunning:
			c.Running++
		case TaskAwaitingApproval, TaskPendingReboot:
			c.Waiting++
		default:
			c.Pending++
		}
	}
	return c
}

// ContinuationEligible reports whether the runner may move past a task with
// this status under policy.
func ContinuationEligible(status TaskStatus, policy FailurePolicy) bool {
	switch status {
	case TaskCompleted, TaskSkipped:
		return true
	case TaskFailed:
		return policy == PolicyContinue
	default:
		return false
	}
}
