// Package reconcile merges a loaded checkpoint with a freshly declared task
// registry and works out where a resumed run starts.
package reconcile

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/aristath/runbook/internal/scheduler"
	"github.com/aristath/runbook/internal/snapshot"
)

// ErrReconciliation matches every *ReconciliationError.
var ErrReconciliation = errors.New("checkpoint does not match the declared tasks")

// ReconciliationError lists why a checkpoint cannot be resumed against a registry.
type ReconciliationError struct {
	WorkflowID string
	Problems   []string
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("%v (workflow %s): %s", ErrReconciliation, e.WorkflowID, strings.Join(e.Problems, "; "))
}

func (e *ReconciliationError) Is(target error) bool {
	return target == ErrReconciliation
}

// Plan is a reconciled runtime ready to hand to the runner.
type Plan struct {
	Runtime      *scheduler.WorkflowRuntime
	StartIndex   int
	PreCompleted []string // Names restored as done, in execution order
	Terminal     bool     // Every task was already done; nothing left to run
	ResumedFrom  string   // Task the run continues with, empty when Terminal
}

// Reconcile matches snap against reg by task name. Tasks that finished
// successfully become pre-completed; everything else runs again from its
// start. at stamps the restart record.
func Reconcile(workflowID string, reg *scheduler.Registry, snap *snapshot.Snapshot, at time.Time) (*Plan, error) {
	if reg == nil {
		return nil, errors.New("reconcile: nil registry")
	}
	if snap == nil || snap.Runtime == nil {
		return nil, errors.New("reconcile: nil snapshot")
	}
	saved := snap.Runtime

	if problems := mismatches(workflowID, reg, snap); len(problems) > 0 {
		return nil, &ReconciliationError{WorkflowID: snap.WorkflowID, Problems: problems}
	}

	savedByName := make(map[string]*scheduler.TaskRuntimeState, len(saved.Tasks))
	for _, t := range saved.Tasks {
		savedByName[t.Name] = t
	}

	rt := scheduler.NewWorkflowRuntime(snap.WorkflowID, saved.RunID, reg)
	rt.StartedAt = saved.StartedAt
	rt.Results = maps.Clone(saved.Results)
	if rt.Results == nil {
		rt.Results = make(map[string]string)
	}
	rt.RestartCount = saved.RestartCount
	rt.Restarts = slices.Clone(saved.Restarts)

	plan := &Plan{Runtime: rt, StartIndex: -1}
	var suspendReason string

	for i, name := range reg.Names() {
		prev, ok := savedByName[name]
		if !ok {
			// Newly declared task: runs fresh
			if plan.StartIndex < 0 {
				plan.StartIndex = i
			}
			continue
		}

		if prev.Status.Succeeded() {
			restored := prev.Clone()
			restored.PreCompleted = true
			rt.Tasks[i] = restored
			plan.PreCompleted = append(plan.PreCompleted, name)
			continue
		}

		if prev.Status == scheduler.TaskPendingReboot && suspendReason == "" {
			suspendReason = prev.SuspendReason
		}

		// Keep the captured output for display; everything else starts over
		fresh := rt.Tasks[i]
		fresh.Output = slices.Clone(prev.Output)
		fresh.Attempts = prev.Attempts
		if plan.StartIndex < 0 {
			plan.StartIndex = i
		}
	}

	rt.RestartCount++
	rt.Restarts = append(rt.Restarts, scheduler.RestartRecord{
		Reason: restartReason(suspendReason, saved),
		At:     at,
	})

	if plan.StartIndex < 0 {
		plan.StartIndex = len(rt.Tasks)
		plan.Terminal = true
		rt.Status = scheduler.WorkflowCompleted
		rt.EndedAt = at
	} else {
		plan.ResumedFrom = rt.Tasks[plan.StartIndex].Name
	}
	rt.CurrentIndex = plan.StartIndex

	return plan, nil
}

// mismatches lists every reason snap cannot be resumed against reg.
func mismatches(workflowID string, reg *scheduler.Registry, snap *snapshot.Snapshot) []string {
	var problems []string
	saved := snap.Runtime

	if workflowID != "" && snap.WorkflowID != workflowID {
		problems = append(problems, fmt.Sprintf("checkpoint belongs to workflow %q, not %q", snap.WorkflowID, workflowID))
	}
	switch saved.Status {
	case scheduler.WorkflowCompleted, scheduler.WorkflowCancelled:
		problems = append(problems, fmt.Sprintf("checkpoint records a finished run (%s)", saved.Status))
	}

	last := -1
	lastName := ""
	seen := make(map[string]bool, len(saved.Tasks))
	for _, t := range saved.Tasks {
		if seen[t.Name] {
			problems = append(problems, fmt.Sprintf("task %q appears twice in the checkpoint", t.Name))
			continue
		}
		seen[t.Name] = true

		idx := reg.Index(t.Name)
		if idx < 0 {
			problems = append(problems, fmt.Sprintf("saved task %q is no longer declared", t.Name))
			continue
		}
		if idx < last {
			problems = append(problems, fmt.Sprintf("task %q now runs before %q; the declared order changed", t.Name, lastName))
		}
		last, lastName = idx, t.Name
	}
	return problems
}

func restartReason(suspendReason string, saved *scheduler.WorkflowRuntime) string {
	switch {
	case suspendReason != "":
		return suspendReason
	case saved.Status == scheduler.WorkflowFailed && saved.FailureReason != "":
		return "resumed after failure: " + saved.FailureReason
	default:
		return "resumed after interruption"
	}
}
