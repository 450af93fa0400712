package scheduler

import (
	"fmt"
)

// TaskStatus is the lifecycle state of a single task.
type TaskStatus int

const (
	TaskNotStarted       TaskStatus = iota // Declared, not yet reached
	TaskRunning                            // Body executing in the sandbox
	TaskCompleted                          // Finished successfully
	TaskFailed                             // Body failed or gate rejected
	TaskSkipped                            // Intentionally not run
	TaskPendingReboot                      // Suspended, re-runs after resume
	TaskAwaitingApproval                   // Gate waiting for a decision
)

var taskStatusNames = map[TaskStatus]string{
	TaskNotStarted:       "NotStarted",
	TaskRunning:          "Running",
	TaskCompleted:        "Completed",
	TaskFailed:           "Failed",
	TaskSkipped:          "Skipped",
	TaskPendingReboot:    "PendingReboot",
	TaskAwaitingApproval: "AwaitingApproval",
}

// taskTransitions lists every legal move. Anything absent is rejected.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskNotStarted:       {TaskRunning, TaskAwaitingApproval, TaskSkipped, TaskCompleted},
	TaskRunning:          {TaskCompleted, TaskFailed, TaskSkipped, TaskPendingReboot, TaskNotStarted},
	TaskAwaitingApproval: {TaskCompleted, TaskFailed, TaskNotStarted},
	TaskPendingReboot:    {TaskNotStarted},
	TaskFailed:           {TaskNotStarted},
	TaskCompleted:        nil,
	TaskSkipped:          nil,
}

func (s TaskStatus) String() string {
	if name, ok := taskStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("TaskStatus(%d)", int(s))
}

// Valid reports whether s is one of the declared statuses.
func (s TaskStatus) Valid() bool {
	_, ok := taskStatusNames[s]
	return ok
}

// Terminal reports whether the task has finished for this run.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskSkipped
}

// Succeeded reports whether the status counts as terminal success.
func (s TaskStatus) Succeeded() bool {
	return s == TaskCompleted || s == TaskSkipped
}

// CanTransition reports whether moving from s to to is legal.
func (s TaskStatus) CanTransition(to TaskStatus) bool {
	for _, next := range taskTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// MarshalText encodes the status by name.
func (s TaskStatus) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid task status %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText parses a status name.
func (s *TaskStatus) UnmarshalText(b []byte) error {
	for status, name := range taskStatusNames {
		if name == string(b) {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("invalid task status %q", string(b))
}

// WorkflowStatus is the overall state of a run.
type WorkflowStatus int

const (
	WorkflowNotStarted WorkflowStatus = iota
	WorkflowRunning
	WorkflowCompleted
	WorkflowFailed
	WorkflowCancelled
)

var workflowStatusNames = map[WorkflowStatus]string{
	WorkflowNotStarted: "NotStarted",
	WorkflowRunning:    "Running",
	WorkflowCompleted:  "Completed",
	WorkflowFailed:     "Failed",
	WorkflowCancelled:  "Cancelled",
}

var workflowTransitions = map[WorkflowStatus][]WorkflowStatus{
	WorkflowNotStarted: {WorkflowRunning},
	WorkflowRunning:    {WorkflowCompleted, WorkflowFailed, WorkflowCancelled},
	WorkflowCompleted:  nil,
	WorkflowFailed:     nil,
	WorkflowCancelled:  nil,
}

func (s WorkflowStatus) String() string {
	if name, ok := workflowStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("WorkflowStatus(%d)", int(s))
}

// Valid reports whether s is one of the declared statuses.
func (s WorkflowStatus) Valid() bool {
	_, ok := workflowStatusNames[s]
	return ok
}

// Terminal reports whether the run is over.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowCompleted || s == WorkflowFailed || s == WorkflowCancelled
}

// CanTransition reports whether moving from s to to is legal.
func (s WorkflowStatus) CanTransition(to WorkflowStatus) bool {
	for _, next := range workflowTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// MarshalText encodes the status by name.
func (s WorkflowStatus) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid workflow status %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText parses a status name.
func (s *WorkflowStatus) UnmarshalText(b []byte) error {
	for status, name := range workflowStatusNames {
		if name == string(b) {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("invalid workflow status %q", string(b))
}
