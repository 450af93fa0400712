package tui

import (
	"slices"

	"github.com/aristath/runbook/internal/scheduler"
)

// RenderableDescriptor is everything a view needs to draw one task. It holds
// no bodies or callbacks, so a presentation layer cannot reach into execution.
type RenderableDescriptor struct {
	Name          string
	Title         string
	Kind          string // "task" or "approval"
	FailurePolicy string
	Attempts      int
	Requires      []string
	Prompt        *Prompt // Set for approval gates
}

// Prompt describes the question an approval gate asks.
type Prompt struct {
	Message        string
	ApproveLabel   string
	RejectLabel    string
	ReasonRequired bool
	TimeoutMinutes int
}

// Describe maps a task declaration to its renderable form.
func Describe(d scheduler.TaskDescriptor) RenderableDescriptor {
	rd := RenderableDescriptor{
		Name:          d.Name,
		Title:         d.DisplayTitle(),
		Kind:          "task",
		FailurePolicy: d.FailurePolicy.String(),
		Attempts:      d.Retry.Attempts(),
		Requires:      slices.Clone(d.Requires),
	}
	if d.Kind == scheduler.KindApprovalGate && d.Gate != nil {
		approve, reject := d.Gate.Labels()
		rd.Kind = "approval"
		rd.Attempts = 1
		rd.Prompt = &Prompt{
			Message:        d.Gate.Message,
			ApproveLabel:   approve,
			RejectLabel:    reject,
			ReasonRequired: d.Gate.ReasonRequired,
			TimeoutMinutes: d.Gate.TimeoutMinutes,
		}
	}
	return rd
}

// DescribeAll describes every task of reg in execution order.
func DescribeAll(reg *scheduler.Registry) []RenderableDescriptor {
	tasks := reg.Tasks()
	out := make([]RenderableDescriptor, 0, len(tasks))
	for _, d := range tasks {
		out = append(out, Describe(d))
	}
	return out
}
