// Package gate implements approval gates: tasks that execute nothing and block
// the sequence until an external human decision arrives.
package gate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// DecidedByTimeout marks decisions applied automatically on timeout.
const DecidedByTimeout = "timeout"

var (
	// ErrNoPendingApproval is returned by Decide when no gate with that name is waiting.
	ErrNoPendingApproval = errors.New("no pending approval for task")

	// ErrReasonRequired is returned by Decide when the gate demands a reason.
	ErrReasonRequired = errors.New("a reason is required for this approval")

	// ErrAlreadyPending is returned by Await when the task is already waiting.
	ErrAlreadyPending = errors.New("approval already pending for task")

	// ErrInvalidAction is returned by Decide for a decision without an action.
	ErrInvalidAction = errors.New("decision must approve or reject")
)

// Action is the outcome of a decision.
type Action int

const (
	ActionUnset Action = iota
	ActionApprove
	ActionReject
)

func (a Action) String() string {
	switch a {
	case ActionUnset:
		return "Unset"
	case ActionApprove:
		return "Approved"
	case ActionReject:
		return "Rejected"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// MarshalText encodes the action as Approved or Rejected.
func (a Action) MarshalText() ([]byte, error) {
	if a != ActionApprove && a != ActionReject {
		return nil, fmt.Errorf("invalid approval action %d", int(a))
	}
	return []byte(a.String()), nil
}

// UnmarshalText parses Approved or Rejected.
func (a *Action) UnmarshalText(b []byte) error {
	switch string(b) {
	case "Approved":
		*a = ActionApprove
	case "Rejected":
		*a = ActionReject
	default:
		return fmt.Errorf("invalid approval action %q", string(b))
	}
	return nil
}

// ParseAction accepts approve/approved/reject/rejected in any case.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "approve", "approved":
		return ActionApprove, nil
	case "reject", "rejected":
		return ActionReject, nil
	default:
		return ActionUnset, fmt.Errorf("unknown approval action %q", s)
	}
}

// Params configures one gate.
type Params struct {
	Message              string `validate:"required"`
	ApproveLabel         string
	RejectLabel          string
	ReasonRequired       bool
	TimeoutMinutes       int    `validate:"gte=0"`
	DefaultTimeoutAction Action `validate:"gte=0,lte=2"` // Required when TimeoutMinutes > 0
}

// Labels returns the approve and reject labels with defaults applied.
func (p Params) Labels() (approve, reject string) {
	approve, reject = p.ApproveLabel, p.RejectLabel
	if approve == "" {
		approve = "Approve"
	}
	if reject == "" {
		reject = "Reject"
	}
	return approve, reject
}

// Decision is the record of how a gate was resolved.
type Decision struct {
	Action    Action
	Reason    string
	DecidedBy string
	DecidedAt time.Time
	TimedOut  bool
}

// Request describes a gate waiting for a decision.
type Request struct {
	Task        string
	Title       string
	Params      Params
	RequestedAt time.Time
}

// Clock abstracts time for timeouts.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Decider produces a decision for a request without a human, e.g. for
// unattended runs.
type Decider func(ctx context.Context, req Request) (Decision, error)

// AutoDecider always answers with the given action and reason.
func AutoDecider(action Action, reason, decidedBy string) Decider {
	return func(ctx context.Context, req Request) (Decision, error) {
		return Decision{Action: action, Reason: reason, DecidedBy: decidedBy}, nil
	}
}

type pendingGate struct {
	req        Request
	decisionCh chan Decision
}

// Controller tracks pending gates and routes decisions to them.
type Controller struct {
	mu       sync.Mutex
	pending  map[string]*pendingGate
	clock    Clock
	decider  Decider
	requests chan Request
	logger   *slog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(ctl *Controller) {
		if c != nil {
			ctl.clock = c
		}
	}
}

// WithDecider answers every request automatically.
func WithDecider(d Decider) Option {
	return func(ctl *Controller) {
		ctl.decider = d
	}
}

// WithLogger sets the controller logger.
func WithLogger(l *slog.Logger) Option {
	return func(ctl *Controller) {
		if l != nil {
			ctl.logger = l
		}
	}
}

// NewController creates a Controller.
func NewController(opts ...Option) *Controller {
	c := &Controller{
		pending:  make(map[string]*pendingGate),
		clock:    realClock{},
		requests: make(chan Request, 16),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Requests announces gates as they start waiting. Announcements are dropped
// when nobody drains the channel; Pending always has the full picture.
func (c *Controller) Requests() <-chan Request {
	return c.requests
}

// Pending returns the gates currently waiting, oldest first.
func (c *Controller) Pending() []Request {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Request, 0, len(c.pending))
	for _, pg := range c.pending {
		out = append(out, pg.req)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].RequestedAt.Before(out[j].RequestedAt)
	})
	return out
}

// Await blocks until a decision for req.Task is delivered, the gate times out,
// or ctx is cancelled. A timeout is not an error: the configured default
// action is returned with TimedOut set.
func (c *Controller) Await(ctx context.Context, req Request) (Decision, error) {
	if req.RequestedAt.IsZero() {
		req.RequestedAt = c.clock.Now()
	}
	pg := &pendingGate{req: req, decisionCh: make(chan Decision, 1)}

	c.mu.Lock()
	if _, exists := c.pending[req.Task]; exists {
		c.mu.Unlock()
		return Decision{}, fmt.Errorf("%w: %s", ErrAlreadyPending, req.Task)
	}
	c.pending[req.Task] = pg
	c.mu.Unlock()

	select {
	case c.requests <- req:
	default:
	}

	if c.decider != nil {
		go c.autoDecide(ctx, req)
	}

	var timeout <-chan time.Time
	if req.Params.TimeoutMinutes > 0 {
		timeout = c.clock.After(time.Duration(req.Params.TimeoutMinutes) * time.Minute)
	}

	select {
	case d := <-pg.decisionCh:
		return d, nil
	case <-timeout:
		if c.release(req.Task, pg) {
			d := Decision{
				Action:    req.Params.DefaultTimeoutAction,
				Reason:    fmt.Sprintf("approval timed out after %d minute(s)", req.Params.TimeoutMinutes),
				DecidedBy: DecidedByTimeout,
				DecidedAt: c.clock.Now(),
				TimedOut:  true,
			}
			c.logger.Info("approval timed out", "task", req.Task, "action", d.Action)
			return d, nil
		}
		// A decision won the race with the timer
		return <-pg.decisionCh, nil
	case <-ctx.Done():
		if c.release(req.Task, pg) {
			return Decision{}, ctx.Err()
		}
		return <-pg.decisionCh, nil
	}
}

// Decide delivers a decision to the gate waiting on task.
func (c *Controller) Decide(task string, d Decision) error {
	if d.Action != ActionApprove && d.Action != ActionReject {
		return ErrInvalidAction
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	pg, ok := c.pending[task]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoPendingApproval, task)
	}
	if pg.req.Params.ReasonRequired && strings.TrimSpace(d.Reason) == "" {
		return ErrReasonRequired
	}

	if d.DecidedAt.IsZero() {
		d.DecidedAt = c.clock.Now()
	}
	d.TimedOut = false
	delete(c.pending, task)
	pg.decisionCh <- d

	c.logger.Info("approval decided", "task", task, "action", d.Action, "by", d.DecidedBy)
	return nil
}

// release removes pg if it is still registered. It returns false when a
// decision was already delivered.
func (c *Controller) release(task string, pg *pendingGate) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, ok := c.pending[task]; ok && cur == pg {
		delete(c.pending, task)
		return true
	}
	return false
}

func (c *Controller) autoDecide(ctx context.Context, req Request) {
	d, err := c.decider(ctx, req)
	if err != nil {
		c.logger.Warn("automatic decider failed", "task", req.Task, "error", err)
		return
	}
	if err := c.Decide(req.Task, d); err != nil && !errors.Is(err, ErrNoPendingApproval) {
		c.logger.Warn("automatic decision rejected", "task", req.Task, "error", err)
	}
}
