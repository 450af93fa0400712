package events

import (
	"time"

	"github.com/aristath/runbook/internal/gate"
	"github.com/aristath/runbook/internal/sandbox"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskName() string
}

// Topic constants
const (
	TopicTask     = "task"
	TopicApproval = "approval"
	TopicWorkflow = "workflow"
)

// Event type constants
const (
	EventTypeTaskStarted       = "task.started"
	EventTypeTaskOutput        = "task.output"
	EventTypeTaskProgress      = "task.progress"
	EventTypeTaskFinished      = "task.finished"
	EventTypeApprovalRequested = "approval.requested"
	EventTypeApprovalDecided   = "approval.decided"
	EventTypeWorkflowProgress  = "workflow.progress"
	EventTypeWorkflowSuspended = "workflow.suspended"
	EventTypeWorkflowFinished  = "workflow.finished"
)

// TaskStartedEvent is published when a task begins an execution attempt.
type TaskStartedEvent struct {
	Name      string
	Title     string
	Index     int
	Attempt   int
	Timestamp time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) TaskName() string  { return e.Name }

// TaskOutputEvent carries one captured output line.
type TaskOutputEvent struct {
	Name string
	Line sandbox.OutputLine
}

func (e TaskOutputEvent) EventType() string { return EventTypeTaskOutput }
func (e TaskOutputEvent) TaskName() string  { return e.Name }

// TaskProgressEvent is published for every accepted progress update.
type TaskProgressEvent struct {
	Name      string
	Percent   int
	Message   string
	Timestamp time.Time
}

func (e TaskProgressEvent) EventType() string { return EventTypeTaskProgress }
func (e TaskProgressEvent) TaskName() string  { return e.Name }

// TaskFinishedEvent is published when a task reaches a new resting status:
// terminal, PendingReboot, or reset after cancellation.
type TaskFinishedEvent struct {
	Name         string
	Status       string
	Error        string
	PreCompleted bool
	Duration     time.Duration
	Timestamp    time.Time
}

func (e TaskFinishedEvent) EventType() string { return EventTypeTaskFinished }
func (e TaskFinishedEvent) TaskName() string  { return e.Name }

// ApprovalRequestedEvent is published when a gate starts waiting.
type ApprovalRequestedEvent struct {
	Request gate.Request
}

func (e ApprovalRequestedEvent) EventType() string { return EventTypeApprovalRequested }
func (e ApprovalRequestedEvent) TaskName() string  { return e.Request.Task }

// ApprovalDecidedEvent is published when a gate is resolved.
type ApprovalDecidedEvent struct {
	Name     string
	Decision gate.Decision
}

func (e ApprovalDecidedEvent) EventType() string { return EventTypeApprovalDecided }
func (e ApprovalDecidedEvent) TaskName() string  { return e.Name }

// WorkflowProgressEvent summarises task statuses after every change.
type WorkflowProgressEvent struct {
	WorkflowID string
	Index      int
	Total      int
	Completed  int
	Failed     int
	Skipped    int
	Running    int
	Waiting    int
	Pending    int
	Timestamp  time.Time
}

func (e WorkflowProgressEvent) EventType() string { return EventTypeWorkflowProgress }
func (e WorkflowProgressEvent) TaskName() string  { return "" }

// WorkflowSuspendedEvent is published after the checkpoint for a suspension is written.
type WorkflowSuspendedEvent struct {
	WorkflowID     string
	Task           string
	Reason         string
	CheckpointPath string
	Timestamp      time.Time
}

func (e WorkflowSuspendedEvent) EventType() string { return EventTypeWorkflowSuspended }
func (e WorkflowSuspendedEvent) TaskName() string  { return e.Task }

// WorkflowFinishedEvent is published once the run is terminal.
type WorkflowFinishedEvent struct {
	WorkflowID string
	Status     string
	Reason     string
	Timestamp  time.Time
}

func (e WorkflowFinishedEvent) EventType() string { return EventTypeWorkflowFinished }
func (e WorkflowFinishedEvent) TaskName() string  { return "" }
