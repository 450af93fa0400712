package sandbox

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"
)

var (
	// ErrProgressRegression is returned by SetProgress when the new value is lower
	// than the last accepted value of the same attempt. The update is dropped.
	ErrProgressRegression = errors.New("progress cannot move backwards")

	// ErrSuspended is returned by RequestSuspend. Bodies should return it as-is.
	ErrSuspended = errors.New("task requested suspension")
)

// ExecutionError is a task body failure.
type ExecutionError struct {
	Task     string
	Attempt  int
	Err      error
	Panicked bool
	Stack    string
}

func (e *ExecutionError) Error() string {
	if e.Attempt > 1 {
		return fmt.Sprintf("task %q failed (attempt %d): %v", e.Task, e.Attempt, e.Err)
	}
	return fmt.Sprintf("task %q failed: %v", e.Task, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// TaskContext is the only handle a body gets on the outside world.
type TaskContext struct {
	ctx     context.Context
	task    string
	attempt int
	inputs  map[string]string
	sink    Sink
	now     func() time.Time

	mu            sync.Mutex
	progress      int
	results       map[string]string
	suspendReason string
	suspended     bool
}

func newTaskContext(ctx context.Context, req Request, now func() time.Time) *TaskContext {
	inputs := make(map[string]string, len(req.Inputs))
	maps.Copy(inputs, req.Inputs)
	return &TaskContext{
		ctx:     ctx,
		task:    req.Task,
		attempt: req.Attempt,
		inputs:  inputs,
		sink:    req.Sink,
		now:     now,
		results: make(map[string]string),
	}
}

// NewTaskContext builds a standalone context, mainly for exercising a body
// outside a Sandbox.
func NewTaskContext(ctx context.Context, task string, inputs map[string]string, sink Sink) *TaskContext {
	if sink == nil {
		sink = discardSink{}
	}
	return newTaskContext(ctx, Request{Task: task, Attempt: 1, Inputs: inputs, Sink: sink}, time.Now)
}

// Context returns the cancellation context of this attempt.
func (tc *TaskContext) Context() context.Context {
	return tc.ctx
}

// Task returns the name of the running task.
func (tc *TaskContext) Task() string {
	return tc.task
}

// Attempt returns the 1-based attempt number.
func (tc *TaskContext) Attempt() int {
	return tc.attempt
}

// Cancelled reports whether the body should stop at its next checkpoint.
func (tc *TaskContext) Cancelled() bool {
	return tc.ctx.Err() != nil
}

// Input returns a result carried forward from an earlier task.
func (tc *TaskContext) Input(name string) (string, bool) {
	v, ok := tc.inputs[name]
	return v, ok
}

// Inputs returns a copy of all carried-forward results.
func (tc *TaskContext) Inputs() map[string]string {
	out := make(map[string]string, len(tc.inputs))
	maps.Copy(out, tc.inputs)
	return out
}

// Info appends an INFO line to the task output.
func (tc *TaskContext) Info(format string, args ...any) {
	tc.Log(LevelInfo, fmt.Sprintf(format, args...))
}

// Warn appends a WARN line to the task output.
func (tc *TaskContext) Warn(format string, args ...any) {
	tc.Log(LevelWarn, fmt.Sprintf(format, args...))
}

// Error appends an ERROR line to the task output.
func (tc *TaskContext) Error(format string, args ...any) {
	tc.Log(LevelError, fmt.Sprintf(format, args...))
}

// Log appends a line verbatim.
func (tc *TaskContext) Log(level Level, text string) {
	tc.sink.Output(OutputLine{Level: level, Text: text, Time: tc.now().UTC()})
}

// SetProgress reports progress. Percent is clamped to [0,100]; a value lower
// than the last accepted one is rejected with ErrProgressRegression.
func (tc *TaskContext) SetProgress(percent int, message string) error {
	percent = max(0, min(100, percent))

	tc.mu.Lock()
	if percent < tc.progress {
		last := tc.progress
		tc.mu.Unlock()
		return fmt.Errorf("%w: %d < %d", ErrProgressRegression, percent, last)
	}
	tc.progress = percent
	tc.mu.Unlock()

	tc.sink.Progress(percent, message)
	return nil
}

// SetResult publishes a named value for later tasks and the final caller.
// Values are kept byte for byte; invalid UTF-8 in name becomes U+FFFD.
func (tc *TaskContext) SetResult(name, value string) {
	name = strings.ToValidUTF8(name, "\uFFFD")
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.results[name] = value
}

// RequestSuspend asks the runner to checkpoint and hand control back to the
// host, for example before a machine restart. The body should return the
// returned error immediately; the task re-runs from its start after resume.
func (tc *TaskContext) RequestSuspend(reason string) error {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.suspended = true
	tc.suspendReason = reason
	return ErrSuspended
}

func (tc *TaskContext) suspendRequest() (string, bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.suspendReason, tc.suspended
}

func (tc *TaskContext) resultsCopy() map[string]string {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if len(tc.results) == 0 {
		return nil
	}
	out := make(map[string]string, len(tc.results))
	maps.Copy(out, tc.results)
	return out
}
