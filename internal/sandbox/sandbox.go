// Package sandbox runs a single task body in an isolated worker so that a crash
// or hang in the body cannot corrupt runner state or block the control thread.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultGracePeriod is how long Execute waits for a body to observe cancellation
// before giving up on it.
const DefaultGracePeriod = 5 * time.Second

// Body is the code of a normal task. All inputs arrive through the TaskContext.
type Body func(tc *TaskContext) error

// Sink receives output lines and progress updates while a body runs.
// Implementations must be safe for concurrent use.
type Sink interface {
	Output(line OutputLine)
	Progress(percent int, message string)
}

// OutcomeKind classifies how a body invocation ended.
type OutcomeKind int

const (
	OutcomeCompleted OutcomeKind = iota // Body returned nil
	OutcomeFailed                       // Body returned an error or panicked
	OutcomeSuspended                    // Body requested a suspension
	OutcomeCancelled                    // Cancellation observed (or grace period expired)
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	case OutcomeSuspended:
		return "suspended"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", int(k))
	}
}

// Outcome is the result of one Execute call.
type Outcome struct {
	Kind          OutcomeKind
	Err           error             // Set for OutcomeFailed and OutcomeCancelled
	SuspendReason string            // Set for OutcomeSuspended
	Results       map[string]string // Values published with SetResult
	Abandoned     bool              // Body was still running when Execute returned
}

// Request describes one body invocation.
type Request struct {
	Task    string
	Attempt int
	Body    Body
	Inputs  map[string]string
	Sink    Sink
}

// Sandbox executes task bodies on a separate worker goroutine.
type Sandbox struct {
	gracePeriod time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures a Sandbox.
type Option func(*Sandbox)

// WithGracePeriod sets how long to wait for a cancelled body to return.
func WithGracePeriod(d time.Duration) Option {
	return func(s *Sandbox) {
		if d > 0 {
			s.gracePeriod = d
		}
	}
}

// WithLogger sets the sandbox logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sandbox) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the timestamp source used for output lines.
func WithClock(now func() time.Time) Option {
	return func(s *Sandbox) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a Sandbox.
func New(opts ...Option) *Sandbox {
	s := &Sandbox{
		gracePeriod: DefaultGracePeriod,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Execute runs req.Body and blocks until it returns, or until ctx is cancelled
// and the grace period has elapsed.
func (s *Sandbox) Execute(ctx context.Context, req Request) Outcome {
	if req.Body == nil {
		return Outcome{
			Kind: OutcomeFailed,
			Err:  &ExecutionError{Task: req.Task, Attempt: req.Attempt, Err: errors.New("task has no body")},
		}
	}
	if req.Sink == nil {
		req.Sink = discardSink{}
	}

	g, gctx := errgroup.WithContext(ctx)
	tc := newTaskContext(gctx, req, s.now)

	g.Go(func() error {
		return s.invoke(req, tc)
	})

	// Wait on a separate goroutine so a hung body never blocks the caller
	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
	}()

	select {
	case err := <-done:
		return s.outcome(ctx, req, tc, err)
	case <-ctx.Done():
	}

	// Cancellation is cooperative: give the body a chance to notice
	timer := time.NewTimer(s.gracePeriod)
	defer timer.Stop()

	select {
	case err := <-done:
		return s.outcome(ctx, req, tc, err)
	case <-timer.C:
		s.logger.Warn("task body did not observe cancellation within grace period",
			"task", req.Task, "grace_period", s.gracePeriod)
		return Outcome{
			Kind:      OutcomeCancelled,
			Err:       fmt.Errorf("task %q cancelled: %w", req.Task, context.Cause(ctx)),
			Abandoned: true,
		}
	}
}

// invoke calls the body and converts a panic into an ExecutionError.
func (s *Sandbox) invoke(req Request, tc *TaskContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			s.logger.Error("task body panicked", "task", req.Task, "panic", r)
			tc.Error("panic: %v", r)
			err = &ExecutionError{
				Task:     req.Task,
				Attempt:  req.Attempt,
				Err:      fmt.Errorf("panic: %v", r),
				Panicked: true,
				Stack:    stack,
			}
		}
	}()
	return req.Body(tc)
}

func (s *Sandbox) outcome(ctx context.Context, req Request, tc *TaskContext, err error) Outcome {
	results := tc.resultsCopy()

	if reason, ok := tc.suspendRequest(); ok && (err == nil || errors.Is(err, ErrSuspended)) {
		return Outcome{Kind: OutcomeSuspended, SuspendReason: reason, Results: results}
	}

	if err != nil && ctx.Err() != nil {
		return Outcome{
			Kind:    OutcomeCancelled,
			Err:     fmt.Errorf("task %q cancelled: %w", req.Task, context.Cause(ctx)),
			Results: results,
		}
	}

	if err != nil {
		var execErr *ExecutionError
		if !errors.As(err, &execErr) {
			execErr = &ExecutionError{Task: req.Task, Attempt: req.Attempt, Err: err}
		}
		return Outcome{Kind: OutcomeFailed, Err: execErr, Results: results}
	}

	return Outcome{Kind: OutcomeCompleted, Results: results}
}

type discardSink struct{}

func (discardSink) Output(OutputLine)    {}
func (discardSink) Progress(int, string) {}
