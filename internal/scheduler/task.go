package scheduler

import (
	"fmt"
	"slices"
	"time"

	"github.com/aristath/runbook/internal/gate"
	"github.com/aristath/runbook/internal/sandbox"
)

// TaskKind selects how the runner dispatches a task.
type TaskKind int

const (
	KindNormal       TaskKind = iota // Runs a Body in the sandbox
	KindApprovalGate                 // Blocks on an external decision
)

func (k TaskKind) String() string {
	switch k {
	case KindNormal:
		return "Normal"
	case KindApprovalGate:
		return "ApprovalGate"
	default:
		return fmt.Sprintf("TaskKind(%d)", int(k))
	}
}

// FailurePolicy determines how a task's failure affects the rest of the run.
type FailurePolicy int

const (
	PolicyAbort    FailurePolicy = iota // Stop the run, workflow becomes Failed
	PolicyContinue                      // Record the failure and move on
)

func (p FailurePolicy) String() string {
	switch p {
	case PolicyAbort:
		return "abort"
	case PolicyContinue:
		return "continue"
	default:
		return fmt.Sprintf("FailurePolicy(%d)", int(p))
	}
}

// ParseFailurePolicy parses "abort" or "continue". Empty means abort.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch s {
	case "", "abort":
		return PolicyAbort, nil
	case "continue":
		return PolicyContinue, nil
	default:
		return PolicyAbort, fmt.Errorf("unknown failure policy %q", s)
	}
}

// RetryPolicy bounds re-execution of a failing body.
type RetryPolicy struct {
	MaxAttempts     int           `validate:"gte=0,lte=20"` // 0 or 1 means a single attempt
	InitialInterval time.Duration `validate:"gte=0"`
}

// Attempts returns the effective number of attempts.
func (r RetryPolicy) Attempts() int {
	return max(1, r.MaxAttempts)
}

// TaskDescriptor is the caller's declaration of a task. It is never mutated
// after registration.
type TaskDescriptor struct {
	Name          string        `validate:"required,max=128"`
	Title         string        `validate:"max=256"`
	Order         int
	Kind          TaskKind      `validate:"oneof=0 1"`
	Body          sandbox.Body  // Required for KindNormal
	Gate          *gate.Params  // Required for KindApprovalGate
	FailurePolicy FailurePolicy `validate:"oneof=0 1"`
	Retry         RetryPolicy
	Requires      []string `validate:"dive,required"` // Earlier tasks whose results this task reads
}

// DisplayTitle returns Title, falling back to Name.
func (d TaskDescriptor) DisplayTitle() string {
	if d.Title != "" {
		return d.Title
	}
	return d.Name
}

func cloneDescriptor(d TaskDescriptor) TaskDescriptor {
	cp := d
	cp.Requires = slices.Clone(d.Requires)
	if d.Gate != nil {
		g := *d.Gate
		cp.Gate = &g
	}
	return cp
}
