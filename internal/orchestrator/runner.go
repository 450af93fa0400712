// Package orchestrator drives one workflow run: it executes tasks strictly in
// order, resolves approval gates, writes checkpoints and reports every state
// change on the event bus.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/aristath/runbook/internal/events"
	"github.com/aristath/runbook/internal/gate"
	"github.com/aristath/runbook/internal/persistence"
	"github.com/aristath/runbook/internal/reconcile"
	"github.com/aristath/runbook/internal/sandbox"
	"github.com/aristath/runbook/internal/scheduler"
	"github.com/aristath/runbook/internal/snapshot"
)

var (
	// ErrNotStarted is returned by Advance before Start.
	ErrNotStarted = errors.New("workflow has not been started")

	// ErrFinished is returned by Advance once the workflow is terminal.
	ErrFinished = errors.New("workflow already finished")

	// ErrSuspended is returned by Advance after a task asked for a restart.
	// The run continues only through Resume in a new process.
	ErrSuspended = errors.New("workflow is suspended")

	// ErrCancelled is the cancellation cause passed to running tasks by Cancel.
	ErrCancelled = errors.New("workflow cancelled")
)

// Checkpointer persists snapshots. *vault.Store is the production implementation.
type Checkpointer interface {
	Path(workflowID string) string
	Save(ctx context.Context, snap *snapshot.Snapshot) (string, error)
	Erase(path string) error
	Principal() snapshot.Principal
}

// Config holds run-level behaviour switches.
type Config struct {
	CheckpointEveryTask       bool // Checkpoint after every terminal task, not only at gates and suspensions
	DefaultGateTimeoutMinutes int  // Applied to gates declaring no timeout; the timeout outcome is Reject
	Retry                     RetryConfig
}

// Deps are the collaborators of a Runner. Checkpoints is required; the rest
// fall back to usable defaults.
type Deps struct {
	Sandbox     *sandbox.Sandbox
	Gates       *gate.Controller
	Checkpoints Checkpointer
	Journal     persistence.Journal // Optional audit journal
	Bus         *events.EventBus    // Optional
	Logger      *slog.Logger
	Now         func() time.Time
}

// Step describes what one Advance call did.
type Step struct {
	Index        int
	Task         string
	Status       scheduler.TaskStatus
	PreCompleted bool // Restored from a checkpoint, nothing executed
	Suspended    bool // The task asked for a restart; the checkpoint is written
	Done         bool // The workflow reached a terminal status
}

// Result summarises a run when Run returns.
type Result struct {
	WorkflowID     string
	RunID          string
	Status         scheduler.WorkflowStatus
	Suspended      bool
	SuspendedTask  string
	SuspendReason  string
	CheckpointPath string
	FailureReason  string
	Results        map[string]string
	Counts         scheduler.Counts
}

// Runner owns one WorkflowRuntime. Advance and Run must not be called
// concurrently; Cancel and Runtime are safe from any goroutine.
type Runner struct {
	cfg     Config
	reg     *scheduler.Registry
	deps    Deps
	journal *journalWriter
	logger  *slog.Logger
	now     func() time.Time

	runCtx    context.Context
	cancelRun context.CancelCauseFunc

	stepMu sync.Mutex

	mu             sync.Mutex
	rt             *scheduler.WorkflowRuntime
	checkpointPath string
	suspendedTask  string
	suspendReason  string
	suspended      bool
	settled        bool
}

// New creates a Runner for a fresh run of workflowID.
func New(cfg Config, workflowID string, reg *scheduler.Registry, deps Deps) (*Runner, error) {
	if workflowID == "" {
		return nil, errors.New("orchestrator: empty workflow id")
	}
	if reg == nil {
		return nil, errors.New("orchestrator: nil registry")
	}
	rt := scheduler.NewWorkflowRuntime(workflowID, uuid.NewString(), reg)
	return newRunner(cfg, reg, rt, deps)
}

// Resume creates a Runner continuing a reconciled checkpoint.
func Resume(cfg Config, reg *scheduler.Registry, plan *reconcile.Plan, deps Deps) (*Runner, error) {
	if reg == nil {
		return nil, errors.New("orchestrator: nil registry")
	}
	if plan == nil || plan.Runtime == nil {
		return nil, errors.New("orchestrator: nil resume plan")
	}
	if len(plan.Runtime.Tasks) != reg.Len() {
		return nil, fmt.Errorf("orchestrator: plan has %d tasks, registry has %d", len(plan.Runtime.Tasks), reg.Len())
	}
	r, err := newRunner(cfg, reg, plan.Runtime.Clone(), deps)
	if err != nil {
		return nil, err
	}
	r.logger.Info("resuming workflow",
		"workflow", plan.Runtime.WorkflowID,
		"run", plan.Runtime.RunID,
		"from", plan.ResumedFrom,
		"pre_completed", len(plan.PreCompleted),
		"restart", plan.Runtime.RestartCount)
	return r, nil
}

func newRunner(cfg Config, reg *scheduler.Registry, rt *scheduler.WorkflowRuntime, deps Deps) (*Runner, error) {
	if deps.Checkpoints == nil {
		return nil, errors.New("orchestrator: no checkpoint store")
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Sandbox == nil {
		deps.Sandbox = sandbox.New(sandbox.WithLogger(deps.Logger), sandbox.WithClock(deps.Now))
	}
	if deps.Gates == nil {
		deps.Gates = gate.NewController(gate.WithLogger(deps.Logger))
	}
	if cfg.Retry == (RetryConfig{}) {
		cfg.Retry = DefaultRetryConfig()
	}

	logger := deps.Logger.With("workflow", rt.WorkflowID, "run", rt.RunID)
	runCtx, cancel := context.WithCancelCause(context.Background())

	return &Runner{
		cfg:       cfg,
		reg:       reg,
		deps:      deps,
		journal:   newJournalWriter(deps.Journal, logger),
		logger:    logger,
		now:       deps.Now,
		runCtx:    runCtx,
		cancelRun: cancel,
		rt:        rt,
	}, nil
}

// Runtime returns a deep copy of the current runtime state.
func (r *Runner) Runtime() *scheduler.WorkflowRuntime {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rt.Clone()
}

// Start moves the workflow from NotStarted to Running.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if err := r.rt.Transition(scheduler.WorkflowRunning); err != nil {
		r.mu.Unlock()
		return err
	}
	if r.rt.StartedAt.IsZero() {
		r.rt.StartedAt = r.now()
	}
	r.mu.Unlock()

	r.logger.Info("workflow started", "tasks", r.reg.Len())
	r.recordRun(ctx, "Running")
	r.publishProgress()
	return nil
}

// Cancel stops the run. A task in flight is asked to stop cooperatively; the
// workflow ends Cancelled and its checkpoint is erased.
func (r *Runner) Cancel() {
	r.cancelRun(ErrCancelled)
}

// Run starts the workflow when needed and advances it until it is terminal
// or suspended.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	r.mu.Lock()
	status := r.rt.Status
	r.mu.Unlock()

	switch {
	case status == scheduler.WorkflowNotStarted:
		if err := r.Start(ctx); err != nil {
			return r.Result(), err
		}
	case status.Terminal():
		// Resumed from a checkpoint where everything was already done
		r.finish(ctx, status, r.Runtime().FailureReason)
		return r.Result(), nil
	}

	for {
		step, err := r.Advance(ctx)
		if err != nil {
			return r.Result(), err
		}
		if step.Suspended || step.Done {
			return r.Result(), nil
		}
	}
}

// Result reports the current outcome.
func (r *Runner) Result() Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Result{
		WorkflowID:     r.rt.WorkflowID,
		RunID:          r.rt.RunID,
		Status:         r.rt.Status,
		Suspended:      r.suspended,
		SuspendedTask:  r.suspendedTask,
		SuspendReason:  r.suspendReason,
		CheckpointPath: r.checkpointPath,
		FailureReason:  r.rt.FailureReason,
		Results:        maps.Clone(r.rt.Results),
		Counts:         r.rt.Counts(),
	}
}

// Advance resolves the task at the current index. The index moves only past
// tasks that end in a continuation-eligible status.
func (r *Runner) Advance(ctx context.Context) (Step, error) {
	r.stepMu.Lock()
	defer r.stepMu.Unlock()

	r.mu.Lock()
	switch {
	case r.suspended:
		r.mu.Unlock()
		return Step{}, ErrSuspended
	case r.rt.Status == scheduler.WorkflowNotStarted:
		r.mu.Unlock()
		return Step{}, ErrNotStarted
	case r.rt.Status.Terminal():
		idx := r.rt.CurrentIndex
		r.mu.Unlock()
		return Step{Index: idx, Done: true}, ErrFinished
	}
	idx := r.rt.CurrentIndex
	r.mu.Unlock()

	if r.runCtx.Err() != nil {
		r.finish(ctx, scheduler.WorkflowCancelled, "cancelled by operator")
		return Step{Index: idx, Done: true}, nil
	}
	if err := ctx.Err(); err != nil {
		return Step{Index: idx}, err
	}

	if idx >= r.reg.Len() {
		r.finish(ctx, scheduler.WorkflowCompleted, "")
		return Step{Index: idx, Done: true}, nil
	}
	desc, _ := r.reg.At(idx)

	r.mu.Lock()
	state := r.rt.Tasks[idx]
	if state.PreCompleted || state.Status.Succeeded() {
		status := state.Status
		r.mu.Unlock()
		r.logger.Debug("skipping pre-completed task", "task", desc.Name)
		r.publish(events.TopicTask, events.TaskFinishedEvent{
			Name:         desc.Name,
			Status:       status.String(),
			PreCompleted: true,
			Timestamp:    r.now(),
		})
		return r.settle(ctx, Step{Index: idx, Task: desc.Name, Status: status, PreCompleted: true}, desc)
	}
	unmet := r.unmetRequirement(desc)
	r.mu.Unlock()

	var step Step
	var err error
	switch {
	case unmet != "":
		step, err = r.skip(ctx, idx, desc, unmet)
	case desc.Kind == scheduler.KindApprovalGate:
		step, err = r.runGate(ctx, idx, desc)
	default:
		step, err = r.runTask(ctx, idx, desc)
	}
	if err != nil || step.Suspended || step.Done {
		return step, err
	}
	return r.settle(ctx, step, desc)
}

// settle moves past a terminal task, or fails the workflow when the task's
// policy forbids continuing.
func (r *Runner) settle(ctx context.Context, step Step, desc scheduler.TaskDescriptor) (Step, error) {
	r.mu.Lock()
	if !scheduler.ContinuationEligible(step.Status, desc.FailurePolicy) {
		reason := fmt.Sprintf("task %s failed: %s", desc.Name, r.rt.Tasks[step.Index].Error)
		r.mu.Unlock()
		r.finish(ctx, scheduler.WorkflowFailed, reason)
		step.Done = true
		return step, nil
	}
	r.rt.CurrentIndex = step.Index + 1
	done := r.rt.CurrentIndex >= len(r.rt.Tasks)
	r.mu.Unlock()

	if done {
		r.finish(ctx, scheduler.WorkflowCompleted, "")
		step.Done = true
		return step, nil
	}

	r.publishProgress()
	if r.cfg.CheckpointEveryTask && !step.PreCompleted {
		r.bestEffortCheckpoint(ctx, "task finished")
	}
	return step, nil
}

// unmetRequirement names the first required task that did not complete.
// Caller holds r.mu.
func (r *Runner) unmetRequirement(desc scheduler.TaskDescriptor) string {
	for _, name := range desc.Requires {
		st, ok := r.rt.Task(name)
		if !ok || st.Status != scheduler.TaskCompleted {
			status := "missing"
			if ok {
				status = st.Status.String()
			}
			return fmt.Sprintf("required task %s did not complete (%s)", name, status)
		}
	}
	return ""
}

func (r *Runner) skip(ctx context.Context, idx int, desc scheduler.TaskDescriptor, reason string) (Step, error) {
	now := r.now()
	r.mu.Lock()
	state := r.rt.Tasks[idx]
	if err := state.Transition(scheduler.TaskSkipped); err != nil {
		r.mu.Unlock()
		return Step{}, err
	}
	line := sandbox.OutputLine{Level: sandbox.LevelWarn, Text: "skipped: " + reason, Time: now.UTC()}
	state.AppendOutput(line)
	state.EndedAt = now
	r.mu.Unlock()

	r.logger.Warn("task skipped", "task", desc.Name, "reason", reason)
	r.publish(events.TopicTask, events.TaskOutputEvent{Name: desc.Name, Line: line})
	r.taskFinished(ctx, desc.Name, scheduler.TaskSkipped, reason, 0)
	return Step{Index: idx, Task: desc.Name, Status: scheduler.TaskSkipped}, nil
}

// runTask executes a normal task in the sandbox, retrying failed attempts
// under the task's retry policy.
func (r *Runner) runTask(ctx context.Context, idx int, desc scheduler.TaskDescriptor) (Step, error) {
	taskCtx, stop := r.taskContext(ctx)
	defer stop()

	r.mu.Lock()
	state := r.rt.Tasks[idx]
	if err := state.Transition(scheduler.TaskRunning); err != nil {
		r.mu.Unlock()
		return Step{}, err
	}
	inputs := maps.Clone(r.rt.Results)
	r.mu.Unlock()

	var outcome sandbox.Outcome
	attempt := 0
	began := r.now()

	operation := func() error {
		attempt++
		r.beginAttempt(ctx, idx, desc, attempt)

		sink := &taskSink{r: r, name: desc.Name, state: state}
		outcome = r.deps.Sandbox.Execute(taskCtx, sandbox.Request{
			Task:    desc.Name,
			Attempt: attempt,
			Body:    desc.Body,
			Inputs:  inputs,
			Sink:    sink,
		})
		sink.close()

		if outcome.Abandoned {
			r.logger.Warn("task body abandoned after cancellation", "task", desc.Name, "attempt", attempt)
		}
		if outcome.Kind == sandbox.OutcomeFailed {
			return outcome.Err
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		r.logger.Warn("task attempt failed, retrying", "task", desc.Name, "attempt", attempt, "wait", wait, "error", err)
		r.appendOutput(desc.Name, state, sandbox.OutputLine{
			Level: sandbox.LevelWarn,
			Text:  fmt.Sprintf("attempt %d failed: %v; retrying in %s", attempt, err, wait.Round(time.Millisecond)),
			Time:  r.now().UTC(),
		})
	}

	policy := newBackOff(taskCtx, r.cfg.Retry, desc.Retry.InitialInterval, desc.Retry.Attempts())
	_ = backoff.RetryNotify(operation, policy, notify)

	if outcome.Kind == sandbox.OutcomeCancelled || (outcome.Kind == sandbox.OutcomeFailed && taskCtx.Err() != nil) {
		return r.interrupted(ctx, idx, desc, context.Cause(taskCtx))
	}

	switch outcome.Kind {
	case sandbox.OutcomeSuspended:
		return r.suspend(ctx, idx, desc, outcome.SuspendReason)

	case sandbox.OutcomeCompleted:
		r.mu.Lock()
		maps.Copy(r.rt.Results, outcome.Results)
		state.SetProgress(100, state.ProgressMessage)
		if err := state.Transition(scheduler.TaskCompleted); err != nil {
			r.mu.Unlock()
			return Step{}, err
		}
		state.EndedAt = r.now()
		r.mu.Unlock()

		r.logger.Info("task completed", "task", desc.Name, "attempts", attempt)
		r.taskFinished(ctx, desc.Name, scheduler.TaskCompleted, "", r.now().Sub(began))
		return Step{Index: idx, Task: desc.Name, Status: scheduler.TaskCompleted}, nil

	default:
		detail := "task failed"
		if outcome.Err != nil {
			detail = outcome.Err.Error()
		}
		r.mu.Lock()
		state.Error = detail
		if err := state.Transition(scheduler.TaskFailed); err != nil {
			r.mu.Unlock()
			return Step{}, err
		}
		state.EndedAt = r.now()
		r.mu.Unlock()

		r.logger.Error("task failed", "task", desc.Name, "attempts", attempt, "policy", desc.FailurePolicy, "error", detail)
		r.taskFinished(ctx, desc.Name, scheduler.TaskFailed, detail, r.now().Sub(began))
		return Step{Index: idx, Task: desc.Name, Status: scheduler.TaskFailed}, nil
	}
}

func (r *Runner) beginAttempt(ctx context.Context, idx int, desc scheduler.TaskDescriptor, attempt int) {
	now := r.now()
	r.mu.Lock()
	r.rt.Tasks[idx].BeginAttempt(now)
	r.mu.Unlock()

	r.logger.Info("task started", "task", desc.Name, "attempt", attempt)
	r.publish(events.TopicTask, events.TaskStartedEvent{
		Name:      desc.Name,
		Title:     desc.DisplayTitle(),
		Index:     idx,
		Attempt:   attempt,
		Timestamp: now,
	})
	r.journal.write(ctx, "record task", func(ctx context.Context, j persistence.Journal) error {
		return j.RecordTask(ctx, persistence.TaskEvent{
			RunID:   r.rt.RunID,
			Task:    desc.Name,
			Status:  scheduler.TaskRunning.String(),
			Attempt: attempt,
			At:      now,
		})
	})
	r.publishProgress()
}

// runGate blocks on an external decision. Approve completes the gate; Reject
// fails it with the reason in the error detail.
func (r *Runner) runGate(ctx context.Context, idx int, desc scheduler.TaskDescriptor) (Step, error) {
	params := r.gateParams(desc)
	now := r.now()

	r.mu.Lock()
	state := r.rt.Tasks[idx]
	if err := state.Transition(scheduler.TaskAwaitingApproval); err != nil {
		r.mu.Unlock()
		return Step{}, err
	}
	state.StartedAt = now
	state.EndedAt = time.Time{}
	r.mu.Unlock()

	req := gate.Request{Task: desc.Name, Title: desc.DisplayTitle(), Params: params, RequestedAt: now}
	r.logger.Info("awaiting approval", "task", desc.Name, "timeout_minutes", params.TimeoutMinutes)
	r.publish(events.TopicTask, events.TaskStartedEvent{Name: desc.Name, Title: desc.DisplayTitle(), Index: idx, Attempt: 1, Timestamp: now})
	r.publish(events.TopicApproval, events.ApprovalRequestedEvent{Request: req})
	r.journal.write(ctx, "record task", func(ctx context.Context, j persistence.Journal) error {
		return j.RecordTask(ctx, persistence.TaskEvent{RunID: r.rt.RunID, Task: desc.Name, Status: scheduler.TaskAwaitingApproval.String(), Attempt: 1, At: now})
	})
	r.publishProgress()
	r.bestEffortCheckpoint(ctx, "approval gate")

	taskCtx, stop := r.taskContext(ctx)
	defer stop()

	d, err := r.deps.Gates.Await(taskCtx, req)
	if err != nil && taskCtx.Err() != nil {
		return r.interrupted(ctx, idx, desc, context.Cause(taskCtx))
	}
	if err != nil {
		d = gate.Decision{Action: gate.ActionReject, Reason: err.Error(), DecidedBy: "runner", DecidedAt: r.now()}
	}
	if d.DecidedAt.IsZero() {
		d.DecidedAt = r.now()
	}

	status := scheduler.TaskCompleted
	level := sandbox.LevelInfo
	detail := ""
	if d.Action != gate.ActionApprove {
		status = scheduler.TaskFailed
		level = sandbox.LevelWarn
		detail = rejectionDetail(d)
	}
	line := sandbox.OutputLine{Level: level, Text: decisionLine(d), Time: d.DecidedAt.UTC()}

	r.mu.Lock()
	decision := d
	state.Approval = &decision
	state.AppendOutput(line)
	state.Error = detail
	if status == scheduler.TaskCompleted {
		state.SetProgress(100, "")
	}
	if err := state.Transition(status); err != nil {
		r.mu.Unlock()
		return Step{}, err
	}
	state.EndedAt = d.DecidedAt
	r.mu.Unlock()

	r.logger.Info("approval resolved", "task", desc.Name, "action", d.Action, "by", d.DecidedBy, "timed_out", d.TimedOut)
	r.publish(events.TopicTask, events.TaskOutputEvent{Name: desc.Name, Line: line})
	r.publish(events.TopicApproval, events.ApprovalDecidedEvent{Name: desc.Name, Decision: d})
	r.journal.write(ctx, "record approval", func(ctx context.Context, j persistence.Journal) error {
		return j.RecordApproval(ctx, persistence.ApprovalRecord{
			RunID:     r.rt.RunID,
			Task:      desc.Name,
			Action:    d.Action.String(),
			Reason:    d.Reason,
			DecidedBy: d.DecidedBy,
			TimedOut:  d.TimedOut,
			DecidedAt: d.DecidedAt,
		})
	})
	r.taskFinished(ctx, desc.Name, status, detail, d.DecidedAt.Sub(now))
	return Step{Index: idx, Task: desc.Name, Status: status}, nil
}

// gateParams applies the configured default timeout to gates declaring none.
func (r *Runner) gateParams(desc scheduler.TaskDescriptor) gate.Params {
	params := *desc.Gate
	if params.TimeoutMinutes == 0 && r.cfg.DefaultGateTimeoutMinutes > 0 {
		params.TimeoutMinutes = r.cfg.DefaultGateTimeoutMinutes
		if params.DefaultTimeoutAction == gate.ActionUnset {
			params.DefaultTimeoutAction = gate.ActionReject
		}
	}
	return params
}

func rejectionDetail(d gate.Decision) string {
	if d.Reason == "" {
		return "approval rejected"
	}
	return "approval rejected: " + d.Reason
}

func decisionLine(d gate.Decision) string {
	text := d.Action.String()
	if d.DecidedBy != "" {
		text += " by " + d.DecidedBy
	}
	if d.Reason != "" {
		text += ": " + d.Reason
	}
	return text
}

// suspend parks the task in PendingReboot and writes the checkpoint the next
// process resumes from.
func (r *Runner) suspend(ctx context.Context, idx int, desc scheduler.TaskDescriptor, reason string) (Step, error) {
	r.mu.Lock()
	state := r.rt.Tasks[idx]
	if err := state.Transition(scheduler.TaskPendingReboot); err != nil {
		r.mu.Unlock()
		return Step{}, err
	}
	state.SuspendReason = reason
	r.suspended = true
	r.suspendedTask = desc.Name
	r.suspendReason = reason
	r.mu.Unlock()

	step := Step{Index: idx, Task: desc.Name, Status: scheduler.TaskPendingReboot, Suspended: true}
	r.taskFinished(ctx, desc.Name, scheduler.TaskPendingReboot, "", 0)

	path, err := r.checkpoint(ctx)
	if err != nil {
		r.logger.Error("suspension checkpoint failed", "task", desc.Name, "error", err)
		return step, fmt.Errorf("suspending at task %s: %w", desc.Name, err)
	}

	r.logger.Info("workflow suspended", "task", desc.Name, "reason", reason, "checkpoint", path)
	r.recordRun(ctx, "Suspended")
	r.publish(events.TopicWorkflow, events.WorkflowSuspendedEvent{
		WorkflowID:     r.rt.WorkflowID,
		Task:           desc.Name,
		Reason:         reason,
		CheckpointPath: path,
		Timestamp:      r.now(),
	})
	return step, nil
}

// interrupted returns a task stopped mid-flight to NotStarted. After Cancel the
// workflow ends Cancelled; when only the caller's context ended, the run stays
// resumable and a checkpoint is written.
func (r *Runner) interrupted(ctx context.Context, idx int, desc scheduler.TaskDescriptor, cause error) (Step, error) {
	r.mu.Lock()
	state := r.rt.Tasks[idx]
	if err := state.Reset(); err != nil {
		r.mu.Unlock()
		return Step{}, err
	}
	r.mu.Unlock()

	step := Step{Index: idx, Task: desc.Name, Status: scheduler.TaskNotStarted}
	r.taskFinished(ctx, desc.Name, scheduler.TaskNotStarted, "", 0)

	if r.runCtx.Err() != nil {
		r.finish(ctx, scheduler.WorkflowCancelled, "cancelled during task "+desc.Name)
		step.Done = true
		return step, nil
	}

	r.logger.Warn("task interrupted", "task", desc.Name, "cause", cause)
	if _, err := r.checkpoint(ctx); err != nil {
		r.logger.Error("interruption checkpoint failed", "task", desc.Name, "error", err)
	}
	return step, fmt.Errorf("task %s interrupted: %w", desc.Name, cause)
}

// finish moves the workflow to a terminal status once and performs the
// matching checkpoint housekeeping.
func (r *Runner) finish(ctx context.Context, status scheduler.WorkflowStatus, reason string) {
	now := r.now()

	r.mu.Lock()
	if r.rt.Status != status {
		if err := r.rt.Transition(status); err != nil {
			r.mu.Unlock()
			r.logger.Error("cannot finish workflow", "error", err)
			return
		}
	}
	if r.rt.EndedAt.IsZero() {
		r.rt.EndedAt = now
	}
	if status == scheduler.WorkflowFailed {
		r.rt.FailureReason = reason
	}
	if r.settled {
		r.mu.Unlock()
		return
	}
	r.settled = true
	r.mu.Unlock()

	switch status {
	case scheduler.WorkflowCompleted, scheduler.WorkflowCancelled:
		r.eraseCheckpoint()
	case scheduler.WorkflowFailed:
		// Left in place so the operator can fix the cause and resume
		r.bestEffortCheckpoint(ctx, "workflow failed")
	}

	r.logger.Info("workflow finished", "status", status, "reason", reason)
	r.journal.write(ctx, "finish run", func(ctx context.Context, j persistence.Journal) error {
		return j.FinishRun(ctx, r.rt.RunID, status.String(), reason, now)
	})
	r.publishProgress()
	r.publish(events.TopicWorkflow, events.WorkflowFinishedEvent{
		WorkflowID: r.rt.WorkflowID,
		Status:     status.String(),
		Reason:     reason,
		Timestamp:  now,
	})
}

// checkpoint writes the current runtime to the checkpoint store.
func (r *Runner) checkpoint(ctx context.Context) (string, error) {
	r.mu.Lock()
	snap := &snapshot.Snapshot{WorkflowID: r.rt.WorkflowID, Runtime: r.rt.Clone()}
	r.mu.Unlock()

	// A cancelled caller must not prevent the write that makes resuming possible
	path, err := r.deps.Checkpoints.Save(context.WithoutCancel(ctx), snap)
	if err != nil {
		return "", fmt.Errorf("writing checkpoint: %w", err)
	}

	r.mu.Lock()
	r.checkpointPath = path
	r.mu.Unlock()
	r.logger.Debug("checkpoint written", "path", path, "index", snap.Runtime.CurrentIndex)
	return path, nil
}

func (r *Runner) bestEffortCheckpoint(ctx context.Context, why string) {
	if _, err := r.checkpoint(ctx); err != nil {
		r.logger.Warn("checkpoint failed", "when", why, "error", err)
	}
}

func (r *Runner) eraseCheckpoint() {
	path := r.deps.Checkpoints.Path(r.rt.WorkflowID)
	if err := r.deps.Checkpoints.Erase(path); err != nil {
		r.logger.Warn("erasing checkpoint failed", "path", path, "error", err)
		return
	}
	r.mu.Lock()
	r.checkpointPath = ""
	r.mu.Unlock()
	r.logger.Debug("checkpoint erased", "path", path)
}

// taskContext derives the context handed to a task: it ends when ctx ends or
// when Cancel is called.
func (r *Runner) taskContext(ctx context.Context) (context.Context, context.CancelFunc) {
	taskCtx, cancel := context.WithCancelCause(ctx)
	stop := context.AfterFunc(r.runCtx, func() {
		cancel(context.Cause(r.runCtx))
	})
	return taskCtx, func() {
		stop()
		cancel(nil)
	}
}

func (r *Runner) taskFinished(ctx context.Context, name string, status scheduler.TaskStatus, detail string, took time.Duration) {
	now := r.now()
	r.mu.Lock()
	attempts := 0
	if st, ok := r.rt.Task(name); ok {
		attempts = st.Attempts
	}
	runID := r.rt.RunID
	r.mu.Unlock()

	r.publish(events.TopicTask, events.TaskFinishedEvent{
		Name:      name,
		Status:    status.String(),
		Error:     detail,
		Duration:  took,
		Timestamp: now,
	})
	r.journal.write(ctx, "record task", func(ctx context.Context, j persistence.Journal) error {
		return j.RecordTask(ctx, persistence.TaskEvent{
			RunID:   runID,
			Task:    name,
			Status:  status.String(),
			Attempt: attempts,
			Error:   detail,
			At:      now,
		})
	})
	r.publishProgress()
}

func (r *Runner) recordRun(ctx context.Context, status string) {
	principal := r.deps.Checkpoints.Principal()
	r.mu.Lock()
	rec := persistence.RunRecord{
		RunID:        r.rt.RunID,
		WorkflowID:   r.rt.WorkflowID,
		Status:       status,
		User:         principal.User,
		Host:         principal.Host,
		StartedAt:    r.rt.StartedAt,
		RestartCount: r.rt.RestartCount,
	}
	r.mu.Unlock()

	r.journal.write(ctx, "record run", func(ctx context.Context, j persistence.Journal) error {
		return j.RecordRun(ctx, rec)
	})
}

func (r *Runner) appendOutput(name string, state *scheduler.TaskRuntimeState, line sandbox.OutputLine) {
	r.mu.Lock()
	state.AppendOutput(line)
	r.mu.Unlock()
	r.publish(events.TopicTask, events.TaskOutputEvent{Name: name, Line: line})
}

func (r *Runner) publishProgress() {
	r.mu.Lock()
	c := r.rt.Counts()
	ev := events.WorkflowProgressEvent{
		WorkflowID: r.rt.WorkflowID,
		Index:      r.rt.CurrentIndex,
		Total:      c.Total,
		Completed:  c.Completed,
		Failed:     c.Failed,
		Skipped:    c.Skipped,
		Running:    c.Running,
		Waiting:    c.Waiting,
		Pending:    c.Pending,
		Timestamp:  r.now(),
	}
	r.mu.Unlock()
	r.publish(events.TopicWorkflow, ev)
}

func (r *Runner) publish(topic string, ev events.Event) {
	if r.deps.Bus != nil {
		r.deps.Bus.Publish(topic, ev)
	}
}
